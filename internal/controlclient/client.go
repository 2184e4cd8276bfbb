// Package controlclient speaks the control-plane websocket protocol for
// hostctl.
package controlclient

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nupi-ai/hostd/internal/controlplane"
	"github.com/nupi-ai/hostd/internal/tlswarn"
)

const (
	handshakeTimeout = 10 * time.Second
	writeWait        = 10 * time.Second
	logBuffer        = 256
)

// ErrClosed is returned by calls on a closed or broken connection.
var ErrClosed = errors.New("controlclient: connection closed")

// RequestError is a request the host processed and rejected.
type RequestError struct {
	Command controlplane.Command
	Message string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("controlclient: %s: %s", e.Command, e.Message)
}

// Options describes the host to connect to.
type Options struct {
	// URL is the control endpoint base, e.g. ws://127.0.0.1:8081. http and
	// https schemes are mapped to ws and wss.
	URL     string
	GroupID string
	Secret  string
	Header  http.Header

	// Insecure skips certificate verification on wss endpoints.
	Insecure bool
}

// Client is one control connection. Calls may be issued concurrently;
// responses to the same command are matched in order.
type Client struct {
	conn   *websocket.Conn
	group  string
	secret string

	writeMu sync.Mutex

	mu      sync.Mutex
	waiting map[controlplane.Command][]chan controlplane.Response
	err     error

	logs chan controlplane.LogData
	done chan struct{}
}

// Dial opens a connection to /socket/<group>.
func Dial(ctx context.Context, opts Options) (*Client, error) {
	endpoint, err := socketURL(opts.URL, opts.GroupID)
	if err != nil {
		return nil, err
	}
	dialer := &websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: handshakeTimeout,
	}
	if opts.Insecure && strings.HasPrefix(endpoint, "wss:") {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true, MinVersion: tls.VersionTLS12} //nolint:gosec // user explicitly requested insecure
		tlswarn.LogInsecure()
	}
	conn, resp, err := dialer.DialContext(ctx, endpoint, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("controlclient: dial %s: %w (status %d)", endpoint, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("controlclient: dial %s: %w", endpoint, err)
	}

	c := &Client{
		conn:    conn,
		group:   opts.GroupID,
		secret:  opts.Secret,
		waiting: make(map[controlplane.Command][]chan controlplane.Response),
		logs:    make(chan controlplane.LogData, logBuffer),
		done:    make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func socketURL(base, group string) (string, error) {
	if strings.TrimSpace(group) == "" {
		return "", errors.New("controlclient: group id is required")
	}
	u, err := url.Parse(strings.TrimRight(strings.TrimSpace(base), "/"))
	if err != nil {
		return "", fmt.Errorf("controlclient: parse url: %w", err)
	}
	switch u.Scheme {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("controlclient: unsupported scheme %q", u.Scheme)
	}
	u.Path = u.Path + "/socket/" + group
	return u.String(), nil
}

// Call sends cmd with data and waits for its response. A host that rejects
// the secret or group never answers, so Call returns when ctx ends.
func (c *Client) Call(ctx context.Context, cmd controlplane.Command, data any) (controlplane.Response, error) {
	req := controlplane.Request{Secret: c.secret, GroupID: c.group}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return controlplane.Response{}, fmt.Errorf("controlclient: encode %s: %w", cmd, err)
		}
		req.Data = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return controlplane.Response{}, fmt.Errorf("controlclient: encode %s: %w", cmd, err)
	}
	frame, err := json.Marshal(controlplane.Frame{Event: cmd.RequestEvent(), Payload: payload})
	if err != nil {
		return controlplane.Response{}, fmt.Errorf("controlclient: encode %s: %w", cmd, err)
	}

	reply := make(chan controlplane.Response, 1)
	if err := c.expect(cmd, reply); err != nil {
		return controlplane.Response{}, err
	}
	if err := c.write(frame); err != nil {
		c.forget(cmd, reply)
		return controlplane.Response{}, err
	}

	select {
	case resp := <-reply:
		if !resp.RequestComplete {
			return resp, &RequestError{Command: cmd, Message: resp.RequestError}
		}
		return resp, nil
	case <-c.done:
		return controlplane.Response{}, c.closeErr()
	case <-ctx.Done():
		c.forget(cmd, reply)
		return controlplane.Response{}, fmt.Errorf("controlclient: no response to %s (secret or group mismatch?): %w", cmd, ctx.Err())
	}
}

// Decode unmarshals the data of resp into T.
func Decode[T any](resp controlplane.Response) (T, error) {
	var out T
	if len(resp.Data) == 0 {
		return out, nil
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		return out, fmt.Errorf("controlclient: decode response: %w", err)
	}
	return out, nil
}

// Logs delivers log lines once StartLog has been called. Lines are dropped
// when the reader falls behind. The channel is closed with the connection.
func (c *Client) Logs() <-chan controlplane.LogData {
	return c.logs
}

// Done is closed when the connection ends.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close sends a close frame and tears the connection down.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeWait))
	c.writeMu.Unlock()
	err := c.conn.Close()
	<-c.done
	return err
}

func (c *Client) write(frame []byte) error {
	select {
	case <-c.done:
		return c.closeErr()
	default:
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return fmt.Errorf("controlclient: write: %w", err)
	}
	return nil
}

func (c *Client) expect(cmd controlplane.Command, reply chan controlplane.Response) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.waiting[cmd] = append(c.waiting[cmd], reply)
	return nil
}

func (c *Client) forget(cmd controlplane.Command, reply chan controlplane.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.waiting[cmd]
	for i, ch := range queue {
		if ch == reply {
			c.waiting[cmd] = append(queue[:i:i], queue[i+1:]...)
			return
		}
	}
}

func (c *Client) deliver(cmd controlplane.Command, resp controlplane.Response) {
	c.mu.Lock()
	defer c.mu.Unlock()
	queue := c.waiting[cmd]
	if len(queue) == 0 {
		return
	}
	queue[0] <- resp
	c.waiting[cmd] = queue[1:]
}

func (c *Client) closeErr() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	return ErrClosed
}

func (c *Client) readLoop() {
	defer close(c.done)
	defer close(c.logs)

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mu.Lock()
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, net.ErrClosed) {
				c.err = ErrClosed
			} else {
				c.err = fmt.Errorf("%w: %v", ErrClosed, err)
			}
			c.mu.Unlock()
			return
		}

		var frame controlplane.Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Event == controlplane.EventLog {
			var line controlplane.LogData
			if err := json.Unmarshal(frame.Payload, &line); err != nil {
				continue
			}
			select {
			case c.logs <- line:
			default:
			}
			continue
		}
		name, ok := strings.CutSuffix(frame.Event, "Response")
		if !ok {
			continue
		}
		var resp controlplane.Response
		if err := json.Unmarshal(frame.Payload, &resp); err != nil {
			continue
		}
		c.deliver(controlplane.Command(name), resp)
	}
}
