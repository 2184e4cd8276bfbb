package eventbus

import (
	"context"
	"sync"
)

// backlog is a bounded FIFO between a publisher and a subscriber channel.
// Publishers never block on it; pump moves queued envelopes into the
// channel at the reader's pace.
type backlog struct {
	mu     sync.Mutex
	queue  []Envelope
	limit  int
	wake   chan struct{}
	exited chan struct{}
}

func newBacklog(limit int) *backlog {
	if limit <= 0 {
		limit = defaultBacklog
	}
	return &backlog{
		queue:  make([]Envelope, 0, min(limit, 64)),
		limit:  limit,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
}

// enqueue reports false when the backlog is at its limit.
func (b *backlog) enqueue(env Envelope) bool {
	b.mu.Lock()
	if len(b.queue) >= b.limit {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, env)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// take detaches every queued envelope.
func (b *backlog) take() []Envelope {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.queue) == 0 {
		return nil
	}
	batch := b.queue
	b.queue = make([]Envelope, 0, min(b.limit, 64))
	return batch
}

func (b *backlog) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// pump runs until ctx ends, delivering batches to out in order.
func (b *backlog) pump(ctx context.Context, out chan<- Envelope) {
	defer close(b.exited)
	for {
		for _, env := range b.take() {
			select {
			case out <- env:
			case <-ctx.Done():
				return
			}
		}
		select {
		case <-b.wake:
		case <-ctx.Done():
			return
		}
	}
}
