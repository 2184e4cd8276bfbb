package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// SubscriptionOption customises individual subscriptions.
type SubscriptionOption func(*subscriptionConfig)

type subscriptionConfig struct {
	bufferSize int
	name       string
	ctx        context.Context
}

// WithSubscriptionBuffer overrides the channel size of one subscription.
func WithSubscriptionBuffer(size int) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if size > 0 {
			cfg.bufferSize = size
		}
	}
}

// WithSubscriptionName names the subscription in drop warnings.
func WithSubscriptionName(name string) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		cfg.name = name
	}
}

// WithContext closes the subscription when ctx ends. A nil ctx is ignored.
func WithContext(ctx context.Context) SubscriptionOption {
	return func(cfg *subscriptionConfig) {
		if ctx != nil {
			cfg.ctx = ctx
		}
	}
}

// Subscription is one consumer of a topic.
type Subscription struct {
	bus    *Bus
	topic  Topic
	id     uint64
	name   string
	policy DeliveryPolicy

	// sendMu orders sends against the close of ch.
	sendMu sync.RWMutex
	ch     chan Envelope
	done   chan struct{}
	once   sync.Once
	closed atomic.Bool

	dropped atomic.Uint64

	queue     *backlog
	stopQueue context.CancelFunc
}

func newSubscription(b *Bus, topic Topic, cfg subscriptionConfig, policy DeliveryPolicy) *Subscription {
	sub := &Subscription{
		bus:    b,
		topic:  topic,
		name:   cfg.name,
		policy: policy,
		ch:     make(chan Envelope, cfg.bufferSize),
		done:   make(chan struct{}),
	}
	if policy.Strategy == StrategyBacklog {
		ctx, cancel := context.WithCancel(context.Background())
		sub.queue = newBacklog(policy.backlogSize())
		sub.stopQueue = cancel
		go sub.queue.pump(ctx, sub.ch)
	}
	return sub
}

func closedSubscription() *Subscription {
	sub := &Subscription{ch: make(chan Envelope), done: make(chan struct{})}
	sub.finish()
	return sub
}

// C exposes the event channel. It is closed by Close and Bus.Shutdown.
func (s *Subscription) C() <-chan Envelope {
	return s.ch
}

// Dropped reports how many events this subscription lost.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close removes the subscription from the bus and closes its channel.
func (s *Subscription) Close() {
	if s.bus != nil {
		s.bus.unroute(s)
	}
	s.finish()
}

func (s *Subscription) finish() {
	s.once.Do(func() {
		s.closed.Store(true)
		if s.stopQueue != nil {
			s.stopQueue()
			<-s.queue.exited
		}
		close(s.done)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}

func (s *Subscription) deliver(env Envelope) {
	s.sendMu.RLock()
	defer s.sendMu.RUnlock()
	if s.closed.Load() {
		return
	}

	// Backlog topics always queue so a direct send cannot overtake the pump.
	if s.queue != nil {
		if !s.queue.enqueue(env) {
			s.evictAndSend(env)
		}
		return
	}

	select {
	case s.ch <- env:
		return
	default:
	}
	if s.policy.Strategy == StrategyDropNewest {
		s.lose("drop-newest")
		return
	}
	s.evictAndSend(env)
}

func (s *Subscription) evictAndSend(env Envelope) {
	select {
	case <-s.ch:
		s.lose("drop-oldest")
	default:
	}
	select {
	case s.ch <- env:
	default:
		s.lose("drop-current")
	}
}

func (s *Subscription) lose(reason string) {
	n := s.dropped.Add(1)
	if s.bus != nil {
		s.bus.dropped(s, n, reason)
	}
}
