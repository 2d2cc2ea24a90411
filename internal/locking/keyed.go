// Package locking holds the in-process lock domains shared by the ledger and
// the profile registry. Locks are advisory and assume a single active process
// owns all mutable escrow state.
package locking

import "sync"

// KeyedMutex serializes work per string key. Contention on one key never
// blocks work on another, and idle keys cost nothing after release.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*entry
}

type entry struct {
	mu   sync.Mutex
	refs int
}

// NewKeyedMutex creates an empty keyed mutex.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*entry)}
}

// Lock acquires the mutex for key, blocking until it is free.
func (k *KeyedMutex) Lock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if !ok {
		e = &entry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()
}

// Unlock releases the mutex for key.
func (k *KeyedMutex) Unlock(key string) {
	k.mu.Lock()
	e, ok := k.locks[key]
	if ok {
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
	}
	k.mu.Unlock()

	if ok {
		e.mu.Unlock()
	}
}

// WithLock runs fn while holding the mutex for key.
func (k *KeyedMutex) WithLock(key string, fn func()) {
	k.Lock(key)
	defer k.Unlock(key)
	fn()
}
