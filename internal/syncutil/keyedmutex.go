// Package syncutil provides locking primitives keyed by string.
package syncutil

import (
	"context"
	"sync"
)

// KeyedMutex serializes work per key. Unlike a sharded pool, two distinct
// keys never contend, so a long critical section on one transaction cannot
// stall another. Entries are reference counted and removed once no
// goroutine holds or waits for the key.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

// keyLock is a channel-based mutex so acquisition can select on ctx.Done.
type keyLock struct {
	ch   chan struct{}
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// LockContext acquires the mutex for key, respecting context cancellation.
// On success it returns an unlock function that the caller MUST call exactly
// once. On cancellation it returns nil and the context error.
func (m *KeyedMutex) LockContext(ctx context.Context, key string) (func(), error) {
	l := m.acquireRef(key)

	select {
	case l.ch <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				<-l.ch
				m.releaseRef(key)
			})
		}, nil
	case <-ctx.Done():
		m.releaseRef(key)
		return nil, ctx.Err()
	}
}

// Len returns the number of keys currently held or awaited.
func (m *KeyedMutex) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

func (m *KeyedMutex) acquireRef(key string) *keyLock {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.locks == nil {
		m.locks = make(map[string]*keyLock)
	}
	l, ok := m.locks[key]
	if !ok {
		l = &keyLock{ch: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	return l
}

func (m *KeyedMutex) releaseRef(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, ok := m.locks[key]
	if !ok {
		return
	}
	l.refs--
	if l.refs <= 0 {
		delete(m.locks, key)
	}
}
