package console

import "sync"

// Ring keeps the most recent N items, evicting the oldest first. It is safe
// for concurrent use.
type Ring[T any] struct {
	mu    sync.RWMutex
	items []T
	limit int
}

func NewRing[T any](limit int) *Ring[T] {
	if limit <= 0 {
		limit = 1
	}
	return &Ring[T]{items: make([]T, 0, limit), limit: limit}
}

func (r *Ring[T]) Add(item T) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.items) >= r.limit {
		copy(r.items, r.items[1:])
		r.items = r.items[:len(r.items)-1]
	}
	r.items = append(r.items, item)
}

// Items returns a copy of the contents, oldest first.
func (r *Ring[T]) Items() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.items))
	copy(out, r.items)
	return out
}

func (r *Ring[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.items)
}

func (r *Ring[T]) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.items = r.items[:0]
}
