// Package broker carries control-plane events between the hosts of a group.
// A local broker loops messages back in process; the redis broker fans them
// out to every host subscribed to the same group.
package broker

import (
	"context"
	"errors"
	"log"
	"sync"
)

// ErrClosed is returned by operations on a closed broker.
var ErrClosed = errors.New("broker: closed")

const defaultSubscriptionBuffer = 256

// Message is one payload received on a channel.
type Message struct {
	Channel string
	Payload []byte
}

// Broker publishes to and subscribes on named channels.
type Broker interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channels ...string) (Subscription, error)
	Close() error
}

// Subscription delivers messages until closed. C is closed when the
// subscription ends.
type Subscription interface {
	C() <-chan Message
	Close() error
}

// Local is an in-process broker.
type Local struct {
	logger *log.Logger

	mu     sync.RWMutex
	subs   map[*localSub]struct{}
	closed bool
}

// NewLocal returns an in-process broker.
func NewLocal(logger *log.Logger) *Local {
	if logger == nil {
		logger = log.Default()
	}
	return &Local{logger: logger, subs: make(map[*localSub]struct{})}
}

type localSub struct {
	owner    *Local
	channels map[string]struct{}
	ch       chan Message
	once     sync.Once
}

func (s *localSub) C() <-chan Message { return s.ch }

func (s *localSub) Close() error {
	s.once.Do(func() {
		s.owner.mu.Lock()
		delete(s.owner.subs, s)
		s.owner.mu.Unlock()
		close(s.ch)
	})
	return nil
}

// Publish delivers payload to every local subscriber of channel. A full
// subscriber drops the message.
func (l *Local) Publish(_ context.Context, channel string, payload []byte) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	msg := Message{Channel: channel, Payload: append([]byte(nil), payload...)}
	for s := range l.subs {
		if _, ok := s.channels[channel]; !ok {
			continue
		}
		select {
		case s.ch <- msg:
		default:
			l.logger.Printf("[Broker] dropping message on %s: subscriber full", channel)
		}
	}
	return nil
}

// Subscribe registers interest in channels. The subscription ends when ctx
// is cancelled or Close is called.
func (l *Local) Subscribe(ctx context.Context, channels ...string) (Subscription, error) {
	s := &localSub{
		owner:    l,
		channels: make(map[string]struct{}, len(channels)),
		ch:       make(chan Message, defaultSubscriptionBuffer),
	}
	for _, c := range channels {
		s.channels[c] = struct{}{}
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil, ErrClosed
	}
	l.subs[s] = struct{}{}
	l.mu.Unlock()

	context.AfterFunc(ctx, func() { s.Close() })
	return s, nil
}

// Close ends every subscription.
func (l *Local) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	subs := make([]*localSub, 0, len(l.subs))
	for s := range l.subs {
		subs = append(subs, s)
	}
	l.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
	return nil
}
