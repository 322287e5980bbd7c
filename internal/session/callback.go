package session

import "sync"

// callbackSlot holds one consumer callback. Setting it replaces the previous one.
type callbackSlot[T any] struct {
	mu sync.RWMutex
	fn func(T)
}

func (c *callbackSlot[T]) set(fn func(T)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fn = fn
}

func (c *callbackSlot[T]) emit(v T) {
	c.mu.RLock()
	fn := c.fn
	c.mu.RUnlock()
	if fn != nil {
		fn(v)
	}
}
