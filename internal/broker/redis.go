package broker

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

const pingTimeout = 5 * time.Second

// Redis is a broker backed by redis pub/sub. Channel names are namespaced by
// group so that unrelated host groups sharing a server never see each other.
type Redis struct {
	client *redis.Client
	prefix string
	logger *log.Logger

	mu     sync.Mutex
	closed bool
}

// DialRedis connects to the redis server at rawURL.
func DialRedis(ctx context.Context, rawURL, group string, logger *log.Logger) (*Redis, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("broker: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("broker: connect to redis: %w", err)
	}
	return NewRedis(client, group, logger), nil
}

// NewRedis wraps an existing client.
func NewRedis(client *redis.Client, group string, logger *log.Logger) *Redis {
	if logger == nil {
		logger = log.Default()
	}
	return &Redis{client: client, prefix: "hostd:" + group + ":", logger: logger}
}

// Publish sends payload to every host of the group, this one included.
func (r *Redis) Publish(ctx context.Context, channel string, payload []byte) error {
	if r.isClosed() {
		return ErrClosed
	}
	if err := r.client.Publish(ctx, r.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("broker: publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe waits for the subscription to be confirmed before returning, so
// messages published afterwards are not missed.
func (r *Redis) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	if r.isClosed() {
		return nil, ErrClosed
	}
	full := make([]string, len(channels))
	for i, c := range channels {
		full[i] = r.prefix + c
	}

	ps := r.client.Subscribe(ctx, full...)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, fmt.Errorf("broker: subscribe %v: %w", channels, err)
	}

	s := &redisSub{ps: ps, ch: make(chan Message, defaultSubscriptionBuffer), done: make(chan struct{})}
	go s.forward(r.prefix, r.logger)
	context.AfterFunc(ctx, func() { s.Close() })
	return s, nil
}

func (r *Redis) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

// Close releases the client. Open subscriptions end.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()
	return r.client.Close()
}

type redisSub struct {
	ps   *redis.PubSub
	ch   chan Message
	done chan struct{}
	once sync.Once
}

func (s *redisSub) C() <-chan Message { return s.ch }

func (s *redisSub) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.ps.Close()
	})
	return err
}

func (s *redisSub) forward(prefix string, logger *log.Logger) {
	defer close(s.ch)
	in := s.ps.Channel()
	for {
		select {
		case <-s.done:
			return
		case m, ok := <-in:
			if !ok {
				return
			}
			msg := Message{Channel: strings.TrimPrefix(m.Channel, prefix), Payload: []byte(m.Payload)}
			select {
			case s.ch <- msg:
			case <-s.done:
				return
			default:
				logger.Printf("[Broker] dropping message on %s: subscriber full", msg.Channel)
			}
		}
	}
}
