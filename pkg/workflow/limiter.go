package workflow

import (
	"context"
	"sync"
)

// Limiter bounds the number of concurrent runs per concurrency key. Tickets
// for the same key are granted in the order they were enqueued. It is safe
// for concurrent use.
type Limiter struct {
	mu    sync.Mutex
	limit int
	keys  map[string]*keyState
}

type keyState struct {
	active  int
	waiting []*Ticket
}

// Ticket is a reserved place in the queue of a concurrency key.
type Ticket struct {
	limiter  *Limiter
	key      string
	ready    chan struct{}
	granted  bool
	released bool
}

// NewLimiter creates a limiter allowing limit concurrent tickets per key.
func NewLimiter(limit int) *Limiter {
	if limit < 1 {
		limit = 1
	}
	return &Limiter{
		limit: limit,
		keys:  make(map[string]*keyState),
	}
}

// Enqueue reserves a ticket for the key. An empty key is never limited.
func (l *Limiter) Enqueue(key string) *Ticket {
	t := &Ticket{
		limiter: l,
		key:     key,
		ready:   make(chan struct{}),
	}
	if key == "" {
		t.granted = true
		close(t.ready)
		return t
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	ks := l.keys[key]
	if ks == nil {
		ks = &keyState{}
		l.keys[key] = ks
	}
	if ks.active < l.limit && len(ks.waiting) == 0 {
		ks.active++
		t.granted = true
		close(t.ready)
		return t
	}
	ks.waiting = append(ks.waiting, t)
	return t
}

// Wait blocks until the ticket is granted or the context is done. A ticket
// abandoned because of the context doesn't need to be released.
func (t *Ticket) Wait(ctx context.Context) error {
	select {
	case <-t.ready:
		return nil
	case <-ctx.Done():
	}
	if t.key == "" {
		return ctx.Err()
	}

	l := t.limiter
	l.mu.Lock()
	defer l.mu.Unlock()
	if t.released {
		return ctx.Err()
	}
	t.released = true
	if t.granted {
		l.releaseLocked(t.key)
		return ctx.Err()
	}
	ks := l.keys[t.key]
	if ks == nil {
		return ctx.Err()
	}
	for i, w := range ks.waiting {
		if w == t {
			ks.waiting = append(ks.waiting[:i], ks.waiting[i+1:]...)
			break
		}
	}
	if ks.active == 0 && len(ks.waiting) == 0 {
		delete(l.keys, t.key)
	}
	return ctx.Err()
}

// Release frees the slot held by a granted ticket and grants the next
// waiting ticket of the same key. It is safe to call more than once.
func (t *Ticket) Release() {
	if t.key == "" {
		return
	}
	l := t.limiter
	l.mu.Lock()
	defer l.mu.Unlock()
	if !t.granted || t.released {
		return
	}
	t.released = true
	l.releaseLocked(t.key)
}

func (l *Limiter) releaseLocked(key string) {
	ks := l.keys[key]
	if ks == nil {
		return
	}
	if ks.active > 0 {
		ks.active--
	}
	for ks.active < l.limit && len(ks.waiting) > 0 {
		next := ks.waiting[0]
		ks.waiting = ks.waiting[1:]
		ks.active++
		next.granted = true
		close(next.ready)
	}
	if ks.active == 0 && len(ks.waiting) == 0 {
		delete(l.keys, key)
	}
}

// Active returns the number of granted tickets for the key.
func (l *Limiter) Active(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ks := l.keys[key]; ks != nil {
		return ks.active
	}
	return 0
}

// Waiting returns the number of queued tickets for the key.
func (l *Limiter) Waiting(key string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if ks := l.keys[key]; ks != nil {
		return len(ks.waiting)
	}
	return 0
}
