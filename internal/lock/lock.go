// Package lock provides mutexes with optional deadlock detection.
// Detection is enabled when built with the 'deadlock_test' tag.
package lock

import (
	"time"

	"github.com/sasha-s/go-deadlock"
)

func init() {
	deadlock.Opts.Disable = !detectDeadlocks
	deadlock.Opts.DeadlockTimeout = 2 * time.Minute
}

// Mutex is a drop-in replacement of sync.Mutex
type Mutex struct {
	deadlock.Mutex
}

// RWMutex is a drop-in replacement of sync.RWMutex
type RWMutex struct {
	deadlock.RWMutex
}

// KeyedMutex serializes callers using the same key while callers with
// different keys never wait on each other. The zero value is ready to use.
type KeyedMutex struct {
	mu    Mutex
	locks map[string]*keyedEntry
}

type keyedEntry struct {
	mu   Mutex
	refs int
}

// Lock locks the mutex of the key and returns the function to unlock it
func (k *KeyedMutex) Lock(key string) (unlock func()) {
	k.mu.Lock()
	if k.locks == nil {
		k.locks = make(map[string]*keyedEntry)
	}
	e, ok := k.locks[key]
	if !ok {
		e = &keyedEntry{}
		k.locks[key] = e
	}
	e.refs++
	k.mu.Unlock()

	e.mu.Lock()

	return func() {
		e.mu.Unlock()

		k.mu.Lock()
		e.refs--
		if e.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
