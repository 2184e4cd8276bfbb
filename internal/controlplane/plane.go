// Package controlplane serves the websocket control channel of a host group.
// Requests are authenticated by the shared group secret; mismatches are
// dropped without a response.
package controlplane

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/nupi-ai/hostd/internal/broker"
	"github.com/nupi-ai/hostd/internal/config"
	"github.com/nupi-ai/hostd/internal/eventbus"
	"github.com/nupi-ai/hostd/internal/rebuild"
)

const (
	// DefaultResetDebounce is the delay between acknowledging a ServerReset
	// and restarting.
	DefaultResetDebounce = 500 * time.Millisecond

	channelReset = "reset"
	channelLog   = "log"

	roomLog = "log"

	pongWait     = 60 * time.Second
	pingInterval = 54 * time.Second
	writeWait    = 10 * time.Second
	maxFrameSize = 1 << 20
)

// StatusSource reports the rebuild state of the host.
type StatusSource interface {
	Snapshot() (rebuild.Status, *eventbus.ErrorInfo)
	Routes() []string
}

// ConfigStore reads and persists the server configuration.
type ConfigStore interface {
	Get(ctx context.Context) (config.ServerConfig, error)
	Set(ctx context.Context, cfg config.ServerConfig) (bool, error)
}

// Restarter restarts the host process, or rebuilds in place when no
// supervisor is attached.
type Restarter interface {
	Restart(ctx context.Context) error
}

// Options configures a Plane.
type Options struct {
	Settings      config.Settings
	Status        StatusSource
	Config        ConfigStore
	Restarter     Restarter
	Broker        broker.Broker
	Bus           *eventbus.Bus
	Logger        *log.Logger
	Version       string
	ResetDebounce time.Duration
	TokenTTL      time.Duration
}

type roomMessage struct {
	room    string
	payload []byte
}

// Plane is the control channel hub.
type Plane struct {
	settings   config.Settings
	status     StatusSource
	config     ConfigStore
	restarter  Restarter
	broker     broker.Broker
	bus        *eventbus.Bus
	logger     *log.Logger
	version    string
	debounce   time.Duration
	tokenTTL   time.Duration
	instanceID string
	handlers   map[Command]HandlerFunc

	clients    map[*Client]bool
	rooms      map[string]map[*Client]struct{}
	roomcast   chan roomMessage
	register   chan *Client
	unregister chan *Client
	done       chan struct{}
	stopOnce   sync.Once
	upgrader   websocket.Upgrader
	mu         sync.RWMutex

	resetMu      sync.Mutex
	resetPending bool

	logMu      sync.Mutex
	logFailing bool
}

// New returns a plane. Run must be started before connections are served.
func New(opts Options) *Plane {
	p := &Plane{
		settings:   opts.Settings,
		status:     opts.Status,
		config:     opts.Config,
		restarter:  opts.Restarter,
		broker:     opts.Broker,
		bus:        opts.Bus,
		logger:     opts.Logger,
		version:    opts.Version,
		debounce:   opts.ResetDebounce,
		tokenTTL:   opts.TokenTTL,
		instanceID: uuid.NewString(),
		clients:    make(map[*Client]bool),
		rooms:      make(map[string]map[*Client]struct{}),
		roomcast:   make(chan roomMessage, 256),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
	if p.logger == nil {
		p.logger = log.Default()
	}
	if p.debounce <= 0 {
		p.debounce = DefaultResetDebounce
	}
	if p.broker == nil {
		p.broker = broker.NewLocal(p.logger)
	}
	allowed := originChecker(opts.Settings.WebURL)
	p.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return allowed(r.Header.Get("Origin")) },
	}
	p.handlers = p.dispatchTable()
	return p
}

// Handler serves /socket/{groupId}.
func (p *Plane) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/socket/{groupId}", p.HandleWebSocket)
	return r
}

// ClientCount returns the number of connected clients.
func (p *Plane) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

// Run owns client registration, room delivery and the broker subscription
// until ctx is cancelled.
func (p *Plane) Run(ctx context.Context) error {
	sub, err := p.broker.Subscribe(ctx, channelReset, channelLog)
	if err != nil {
		return fmt.Errorf("controlplane: %w", err)
	}
	defer sub.Close()

	logs := eventbus.Subscribe[eventbus.LogEvent](p.bus, eventbus.TopicHostLog, eventbus.WithSubscriptionName("control_plane_log"))
	defer logs.Close()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		p.forwardLogs(gctx, logs)
		return nil
	})
	g.Go(func() error { return p.loop(gctx, sub) })
	return g.Wait()
}

// loop closes p.done when it returns; registration sends select on it.
func (p *Plane) loop(ctx context.Context, sub broker.Subscription) error {
	defer p.stopOnce.Do(func() { close(p.done) })
	for {
		select {
		case <-ctx.Done():
			p.closeAll()
			return nil

		case client := <-p.register:
			p.mu.Lock()
			p.clients[client] = true
			p.mu.Unlock()

		case client := <-p.unregister:
			p.mu.Lock()
			if _, ok := p.clients[client]; ok {
				for _, members := range p.rooms {
					delete(members, client)
				}
				delete(p.clients, client)
				close(client.send)
			}
			p.mu.Unlock()

		case msg := <-p.roomcast:
			p.mu.RLock()
			for client := range p.rooms[msg.room] {
				select {
				case client.send <- msg.payload:
				default:
				}
			}
			p.mu.RUnlock()

		case msg, ok := <-sub.C():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				return errors.New("controlplane: broker subscription closed")
			}
			p.onBrokerMessage(ctx, msg)
		}
	}
}

func (p *Plane) closeAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for client := range p.clients {
		close(client.send)
		delete(p.clients, client)
	}
	p.rooms = make(map[string]map[*Client]struct{})
}

func (p *Plane) onBrokerMessage(ctx context.Context, msg broker.Message) {
	switch msg.Channel {
	case channelReset:
		var notice resetNotice
		if err := json.Unmarshal(msg.Payload, &notice); err != nil {
			p.logger.Printf("[ControlPlane] malformed reset notice: %v", err)
			return
		}
		p.logger.Printf("[ControlPlane] reset requested by %s on host %s", notice.Client, notice.Origin)
		go p.restart(ctx)

	case channelLog:
		frame, err := json.Marshal(Frame{Event: EventLog, Payload: msg.Payload})
		if err != nil {
			return
		}
		select {
		case p.roomcast <- roomMessage{room: roomLog, payload: frame}:
		default:
		}
	}
}

func (p *Plane) restart(ctx context.Context) {
	if p.restarter == nil {
		p.logger.Printf("[ControlPlane] no restarter attached, ignoring reset")
		return
	}
	if err := p.restarter.Restart(ctx); err != nil {
		p.logger.Printf("[ControlPlane] restart failed: %v", err)
	}
}

// forwardLogs publishes host log lines to the group so every host delivers
// them to its log room. Failures are reported once per outage since these
// reports are themselves log lines.
func (p *Plane) forwardLogs(ctx context.Context, logs *eventbus.TypedSubscription[eventbus.LogEvent]) {
	eventbus.Consume(ctx, logs, func(ev eventbus.LogEvent) {
		data, err := json.Marshal(LogData{
			Instance:  p.settings.Instance,
			Level:     string(ev.Level),
			Message:   ev.Message,
			Timestamp: ev.Timestamp,
		})
		if err != nil {
			return
		}
		err = p.broker.Publish(ctx, channelLog, data)

		// Report the first failure of a streak only; the log line itself
		// comes back through this subscription.
		p.logMu.Lock()
		report := err != nil && !p.logFailing
		p.logFailing = err != nil
		p.logMu.Unlock()
		if report {
			p.logger.Printf("[ControlPlane] log forwarding failed: %v", err)
		}
	})
}

// Client is one websocket connection.
type Client struct {
	id     string
	group  string
	remote string
	conn   *websocket.Conn
	send   chan []byte
	plane  *Plane
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// enqueue queues a frame unless the client already unregistered.
func (c *Client) enqueue(payload []byte) {
	c.plane.mu.RLock()
	defer c.plane.mu.RUnlock()
	if !c.plane.clients[c] {
		return
	}
	select {
	case c.send <- payload:
	default:
		c.plane.logger.Printf("[ControlPlane] client %s send buffer full, dropping frame", c.id)
	}
}

// HandleWebSocket upgrades a connection in the group namespace of the path.
func (p *Plane) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := p.upgrader.Upgrade(w, r, nil)
	if err != nil {
		p.logger.Printf("[ControlPlane] upgrade error: %v", err)
		return
	}

	client := &Client{
		id:     uuid.NewString(),
		group:  mux.Vars(r)["groupId"],
		remote: r.RemoteAddr,
		conn:   conn,
		send:   make(chan []byte, 1024),
		plane:  p,
	}
	select {
	case p.register <- client:
	case <-p.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump(r.Context())
}

func (c *Client) readPump(ctx context.Context) {
	defer func() {
		select {
		case c.plane.unregister <- c:
		case <-c.plane.done:
		}
		c.conn.Close()
	}()

	ctx = context.WithoutCancel(ctx)
	c.conn.SetReadLimit(maxFrameSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.plane.logger.Printf("[ControlPlane] websocket error: %v", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}
		c.plane.handleFrame(ctx, c, message)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (p *Plane) join(c *Client, room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	members, ok := p.rooms[room]
	if !ok {
		members = make(map[*Client]struct{})
		p.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (p *Plane) leave(c *Client, room string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.rooms[room], c)
}

// authorized compares credentials in constant time. A host without a secret
// accepts nothing.
func (p *Plane) authorized(c *Client, req Request) bool {
	if p.settings.Secret == "" {
		return false
	}
	secretOK := subtle.ConstantTimeCompare([]byte(req.Secret), []byte(p.settings.Secret)) == 1
	return secretOK && req.GroupID == p.settings.GroupID && c.group == p.settings.GroupID
}
