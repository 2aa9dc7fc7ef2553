package sqlite

import (
	"context"
	"sync"
)

// keyedMutex provides one lock per calendar link id. Locks are
// channel-based so waiters can give up on context cancellation, and
// entries are reference-counted so the map is bounded by concurrent
// use, not by the number of distinct links ever seen.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[int64]*lockEntry
}

type lockEntry struct {
	ch   chan struct{}
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{
		locks: make(map[int64]*lockEntry),
	}
}

func (m *keyedMutex) Lock(ctx context.Context, key int64) error {
	m.mu.Lock()
	e, ok := m.locks[key]
	if !ok {
		e = &lockEntry{ch: make(chan struct{}, 1)}
		m.locks[key] = e
	}
	e.refs++
	m.mu.Unlock()

	select {
	case e.ch <- struct{}{}:
		return nil
	case <-ctx.Done():
		m.release(key, e)
		return ctx.Err()
	}
}

func (m *keyedMutex) Unlock(key int64) {
	m.mu.Lock()
	e := m.locks[key]
	m.mu.Unlock()
	<-e.ch
	m.release(key, e)
}

// release drops one reference; the entry is removed once no holder or
// waiter remains. refs can only hit zero under mu, so a concurrent
// Lock either finds the entry with refs > 0 or creates a fresh one.
func (m *keyedMutex) release(key int64, e *lockEntry) {
	m.mu.Lock()
	e.refs--
	if e.refs == 0 {
		delete(m.locks, key)
	}
	m.mu.Unlock()
}
