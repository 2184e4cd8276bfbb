package eventbus

import (
	"context"
	"log"
	"sync"
	"time"
)

// Observer sees every envelope before it is routed.
type Observer interface {
	OnPublish(env Envelope)
}

// Bus routes host events from their producers (orchestrator, control plane,
// log fanout, config watcher) to in-process subscribers.
type Bus struct {
	logger *log.Logger

	mu        sync.RWMutex
	observers []Observer
	routes    map[Topic]map[uint64]*Subscription
	nextID    uint64

	buffers  map[Topic]int
	policies map[Topic]DeliveryPolicy
}

// Channel sizes per topic; log lines arrive in bursts during a rebuild.
var topicBuffers = map[Topic]int{
	TopicHostStatus:    64,
	TopicHostLog:       1024,
	TopicRebuildDone:   16,
	TopicConfigChanged: 16,
	TopicControlAudit:  256,
}

// BusOption customises bus behaviour.
type BusOption func(*Bus)

// New constructs a bus.
func New(opts ...BusOption) *Bus {
	b := &Bus{
		logger:   log.Default(),
		routes:   make(map[Topic]map[uint64]*Subscription),
		buffers:  make(map[Topic]int, len(topicBuffers)),
		policies: make(map[Topic]DeliveryPolicy),
	}
	for topic, size := range topicBuffers {
		b.buffers[topic] = size
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// WithLogger sets the logger for drop warnings.
func WithLogger(logger *log.Logger) BusOption {
	return func(b *Bus) {
		if logger != nil {
			b.logger = logger
		}
	}
}

// WithTopicBuffer sets the channel size new subscriptions of topic get.
func WithTopicBuffer(topic Topic, size int) BusOption {
	return func(b *Bus) {
		b.buffers[topic] = max(size, 1)
	}
}

// WithTopicPolicy overrides the delivery policy of topic.
func WithTopicPolicy(topic Topic, policy DeliveryPolicy) BusOption {
	return func(b *Bus) {
		b.policies[topic] = policy
	}
}

// AddObserver registers o for every subsequent publish.
func (b *Bus) AddObserver(o Observer) {
	if b == nil || o == nil {
		return
	}
	b.mu.Lock()
	b.observers = append(b.observers, o)
	b.mu.Unlock()
}

func (b *Bus) publish(ctx context.Context, env Envelope) {
	if env.Topic == "" {
		return
	}
	if env.Timestamp.IsZero() {
		env.Timestamp = time.Now().UTC()
	}
	if env.Source == "" {
		env.Source = SourceUnknown
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, o := range b.observers {
		o.OnPublish(env)
	}
	if ctx.Err() != nil {
		return
	}
	for _, sub := range b.routes[env.Topic] {
		sub.deliver(env)
	}
}

// Subscribe registers a subscriber for topic. On a nil bus the
// subscription's channel is already closed.
func (b *Bus) Subscribe(topic Topic, opts ...SubscriptionOption) *Subscription {
	if b == nil {
		return closedSubscription()
	}
	cfg := subscriptionConfig{bufferSize: max(b.buffers[topic], 1)}
	for _, opt := range opts {
		opt(&cfg)
	}

	sub := newSubscription(b, topic, cfg, policyFor(topic, b.policies))

	b.mu.Lock()
	b.nextID++
	sub.id = b.nextID
	if b.routes[topic] == nil {
		b.routes[topic] = make(map[uint64]*Subscription)
	}
	b.routes[topic][sub.id] = sub
	b.mu.Unlock()

	if cfg.ctx != nil {
		go func() {
			select {
			case <-cfg.ctx.Done():
				sub.Close()
			case <-sub.done:
			}
		}()
	}
	return sub
}

// Shutdown closes every subscription. A nil bus is a no-op.
func (b *Bus) Shutdown() {
	if b == nil {
		return
	}
	b.mu.Lock()
	routes := b.routes
	b.routes = make(map[Topic]map[uint64]*Subscription)
	b.mu.Unlock()

	for _, subs := range routes {
		for _, sub := range subs {
			sub.finish()
		}
	}
}

func (b *Bus) unroute(sub *Subscription) {
	b.mu.Lock()
	delete(b.routes[sub.topic], sub.id)
	b.mu.Unlock()
}

// dropped logs one lost event.
func (b *Bus) dropped(sub *Subscription, count uint64, reason string) {
	name := sub.name
	if name == "" {
		name = "subscription"
	}
	b.logger.Printf("[EventBus] dropped event #%d for %s on topic %s (%s)", count, name, sub.topic, reason)
}
