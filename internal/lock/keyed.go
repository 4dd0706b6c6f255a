// Package lock provides in-process mutual exclusion keyed by string.
package lock

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Keyed hands out one exclusive slot per key. Entries are dropped once no
// holder or waiter references them.
type Keyed struct {
	mu      sync.Mutex
	entries map[string]*entry
}

type entry struct {
	sem  *semaphore.Weighted
	refs int
}

func NewKeyed() *Keyed {
	return &Keyed{entries: map[string]*entry{}}
}

func (k *Keyed) acquireRef(key string) *entry {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.entries == nil {
		k.entries = map[string]*entry{}
	}
	e, ok := k.entries[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		k.entries[key] = e
	}
	e.refs++
	return e
}

func (k *Keyed) dropRef(key string, e *entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.refs--
	if e.refs == 0 {
		delete(k.entries, key)
	}
}

// TryLock takes key without waiting. ok is false when another holder has it.
func (k *Keyed) TryLock(key string) (unlock func(), ok bool) {
	e := k.acquireRef(key)
	if !e.sem.TryAcquire(1) {
		k.dropRef(key, e)
		return nil, false
	}
	return k.releaser(key, e), true
}

// Lock waits for key until ctx is done.
func (k *Keyed) Lock(ctx context.Context, key string) (unlock func(), err error) {
	e := k.acquireRef(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		k.dropRef(key, e)
		return nil, err
	}
	return k.releaser(key, e), nil
}

func (k *Keyed) releaser(key string, e *entry) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			e.sem.Release(1)
			k.dropRef(key, e)
		})
	}
}

// Len reports how many keys are currently tracked.
func (k *Keyed) Len() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.entries)
}
