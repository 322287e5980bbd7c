package transport

import "sync"

// cbQueue runs callbacks one at a time in the order they were pushed.
// A drain goroutine exists only while the queue is non-empty.
type cbQueue struct {
	mu      sync.Mutex
	fns     []func()
	running bool
}

func (q *cbQueue) push(fn func()) {
	q.mu.Lock()
	q.fns = append(q.fns, fn)
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	q.mu.Unlock()

	go q.drain()
}

func (q *cbQueue) drain() {
	for {
		q.mu.Lock()
		if len(q.fns) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		fn := q.fns[0]
		q.fns[0] = nil
		q.fns = q.fns[1:]
		q.mu.Unlock()

		fn()
	}
}
