package eventbus

import (
	"sync"
	"time"
)

// TypedEnvelope is an Envelope whose payload has been asserted to T.
type TypedEnvelope[T any] struct {
	Topic     Topic
	Timestamp time.Time
	Source    Source
	Payload   T
}

// TypedSubscription forwards the payloads of a raw subscription that are of
// type T. Others are skipped.
type TypedSubscription[T any] struct {
	raw  *Subscription
	ch   chan TypedEnvelope[T]
	quit chan struct{}
	done chan struct{}
	once sync.Once
}

// Subscribe creates a typed subscription. Its channel is unbuffered;
// buffering and drop policy are those of the raw subscription underneath.
// On a nil bus the channel is already closed.
func Subscribe[T any](bus *Bus, topic Topic, opts ...SubscriptionOption) *TypedSubscription[T] {
	ts := &TypedSubscription[T]{
		ch:   make(chan TypedEnvelope[T]),
		quit: make(chan struct{}),
		done: make(chan struct{}),
	}
	if bus == nil {
		close(ts.ch)
		close(ts.done)
		return ts
	}
	ts.raw = bus.Subscribe(topic, opts...)
	go ts.forward()
	return ts
}

// C returns the typed event channel.
func (ts *TypedSubscription[T]) C() <-chan TypedEnvelope[T] {
	return ts.ch
}

// Close stops forwarding and closes the raw subscription. Safe to repeat.
func (ts *TypedSubscription[T]) Close() {
	ts.once.Do(func() {
		close(ts.quit)
		if ts.raw != nil {
			ts.raw.Close()
		}
		<-ts.done
	})
}

func (ts *TypedSubscription[T]) forward() {
	defer close(ts.done)
	defer close(ts.ch)
	for env := range ts.raw.C() {
		payload, ok := env.Payload.(T)
		if !ok {
			continue
		}
		select {
		case ts.ch <- TypedEnvelope[T]{Topic: env.Topic, Timestamp: env.Timestamp, Source: env.Source, Payload: payload}:
		case <-ts.quit:
			return
		}
	}
}
