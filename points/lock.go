package points

import (
	"sync"

	"engagekit/core"
)

// userLocks hands out one mutex per user. Entries are reference counted and
// dropped when the last holder or waiter leaves, so the map only holds users
// with in-flight operations.
type userLocks struct {
	mu    sync.Mutex
	locks map[core.UserID]*refLock
}

type refLock struct {
	mu   sync.Mutex
	refs int
}

func newUserLocks() *userLocks {
	return &userLocks{locks: make(map[core.UserID]*refLock)}
}

// Lock blocks until user's mutex is held and returns its release func.
// The table mutex is never held while waiting on a user mutex.
func (l *userLocks) Lock(user core.UserID) func() {
	l.mu.Lock()
	rl := l.locks[user]
	if rl == nil {
		rl = &refLock{}
		l.locks[user] = rl
	}
	rl.refs++
	l.mu.Unlock()

	rl.mu.Lock()
	return func() {
		rl.mu.Unlock()
		l.mu.Lock()
		rl.refs--
		if rl.refs == 0 {
			delete(l.locks, user)
		}
		l.mu.Unlock()
	}
}

func (l *userLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
