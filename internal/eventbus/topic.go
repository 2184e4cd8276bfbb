package eventbus

import "context"

// TopicDef ties a topic to its payload type so Publish and SubscribeTo are
// checked by the compiler.
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef declares the payload type of topic.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Publish stamps and routes payload. A nil bus is a no-op, so components
// built without a bus need no guards.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T) {
	if bus == nil {
		return
	}
	bus.publish(ctx, Envelope{Topic: td.topic, Source: source, Payload: payload})
}

// SubscribeTo is Subscribe with the payload type taken from td.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], opts ...SubscriptionOption) *TypedSubscription[T] {
	return Subscribe[T](bus, td.topic, opts...)
}
