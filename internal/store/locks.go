package store

import (
	"slices"
	"sync"
)

// lockset hands out one RWMutex per participant email. Writers lock every
// participant they touch and readers read-lock the ones they observe, so work
// for unrelated users never waits on the same mutex.
type lockset struct {
	mu    sync.Mutex
	locks map[string]*sync.RWMutex
}

func newLockset() *lockset {
	return &lockset{locks: make(map[string]*sync.RWMutex)}
}

func (l *lockset) get(email string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	lock, ok := l.locks[email]
	if !ok {
		lock = &sync.RWMutex{}
		l.locks[email] = lock
	}
	return lock
}

// ordered dedupes and sorts so that two callers locking overlapping sets
// always acquire in the same order.
func ordered(emails []string) []string {
	out := slices.Clone(emails)
	slices.Sort(out)
	return slices.Compact(out)
}

func (l *lockset) Lock(emails ...string) func() {
	keys := ordered(emails)
	held := make([]*sync.RWMutex, 0, len(keys))
	for _, key := range keys {
		lock := l.get(key)
		lock.Lock()
		held = append(held, lock)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}

func (l *lockset) RLock(emails ...string) func() {
	keys := ordered(emails)
	held := make([]*sync.RWMutex, 0, len(keys))
	for _, key := range keys {
		lock := l.get(key)
		lock.RLock()
		held = append(held, lock)
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].RUnlock()
		}
	}
}
