package engine

import "sync"

// subjectLocks serializes work per identifier. Entries are reference
// counted and removed once no goroutine holds or waits for them.
type subjectLocks struct {
	mu    sync.Mutex
	locks map[int64]*subjectLock
}

type subjectLock struct {
	mu   sync.Mutex
	refs int
}

func newSubjectLocks() *subjectLocks {
	return &subjectLocks{locks: make(map[int64]*subjectLock)}
}

// lock blocks until id is free and returns the matching unlock.
func (l *subjectLocks) lock(id int64) func() {
	l.mu.Lock()
	sl, ok := l.locks[id]
	if !ok {
		sl = &subjectLock{}
		l.locks[id] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
	return func() {
		sl.mu.Unlock()
		l.mu.Lock()
		sl.refs--
		if sl.refs == 0 {
			delete(l.locks, id)
		}
		l.mu.Unlock()
	}
}

// held returns the number of identifiers with a holder or waiter.
func (l *subjectLocks) held() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
