package guard

import (
	"context"
	"sync"
)

// KeyedMutex serializes operations that share a key. Waiters acquire the key
// in arrival order; the lock is handed directly from the releasing holder to
// the next waiter.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	waiters []chan struct{}
}

func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is held by the caller or ctx is done.
func (m *KeyedMutex) Lock(ctx context.Context, key string) error {
	m.mu.Lock()
	l, held := m.locks[key]
	if !held {
		m.locks[key] = &keyLock{}
		m.mu.Unlock()
		return nil
	}
	ready := make(chan struct{})
	l.waiters = append(l.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, w := range l.waiters {
			if w == ready {
				l.waiters = append(l.waiters[:i], l.waiters[i+1:]...)
				return ctx.Err()
			}
		}
		// Handed off between ctx firing and taking m.mu: pass it on.
		m.releaseLocked(key, l)
		return ctx.Err()
	}
}

func (m *KeyedMutex) Unlock(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	l, held := m.locks[key]
	if !held {
		panic("guard: unlock of unlocked key " + key)
	}
	m.releaseLocked(key, l)
}

func (m *KeyedMutex) releaseLocked(key string, l *keyLock) {
	if len(l.waiters) == 0 {
		delete(m.locks, key)
		return
	}
	next := l.waiters[0]
	l.waiters = l.waiters[1:]
	close(next)
}

// Held reports whether key is currently locked.
func (m *KeyedMutex) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, held := m.locks[key]
	return held
}
