package eventbus

import "context"

// Consume hands every payload of sub to handle until ctx ends or the
// subscription closes.
func Consume[T any](ctx context.Context, sub *TypedSubscription[T], handle func(T)) {
	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			handle(env.Payload)
		}
	}
}
