// Package flow provides the concurrency primitives in front of the world
// store: per-key serial queues, bounded dialogue slots, windowed operation
// ids, and labeled timeouts.
package flow

import "sync"

// KeyedQueue serializes work per key while distinct keys run concurrently.
// Callers on the same key observe FIFO ordering from their enqueue point.
type KeyedQueue struct {
	mu    sync.Mutex
	tails map[string]chan struct{}
}

// NewKeyedQueue returns an empty queue.
func NewKeyedQueue() *KeyedQueue {
	return &KeyedQueue{tails: make(map[string]chan struct{})}
}

// Do runs fn after all previously enqueued work for key has finished and
// returns fn's error. The successor is released even if fn panics.
func (q *KeyedQueue) Do(key string, fn func() error) error {
	q.mu.Lock()
	prev := q.tails[key]
	done := make(chan struct{})
	q.tails[key] = done
	q.mu.Unlock()

	if prev != nil {
		<-prev
	}
	defer func() {
		q.mu.Lock()
		if q.tails[key] == done {
			delete(q.tails, key)
		}
		q.mu.Unlock()
		close(done)
	}()
	return fn()
}

// Pending reports whether work is queued or running for key.
func (q *KeyedQueue) Pending(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.tails[key]
	return ok
}
