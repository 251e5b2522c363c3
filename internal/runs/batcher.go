package runs

import "sync"

// Batcher is a bounded-latency batch window: producers Push at any rate and
// a single consumer Drains everything pending, in push order, once per tick.
type Batcher[T any] struct {
	mu      sync.Mutex
	pending []T
}

// Push appends v and returns the number of items now pending.
func (b *Batcher[T]) Push(v T) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, v)
	return len(b.pending)
}

// Drain returns and clears the pending items.
func (b *Batcher[T]) Drain() []T {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.pending
	b.pending = nil
	return out
}

func (b *Batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
