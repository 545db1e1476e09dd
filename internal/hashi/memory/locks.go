package memory

import "sync"

// lockTable hands out one mutex per session. Entries are reference counted
// and removed once no goroutine holds or waits on them, so idle sessions do
// not accumulate.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]*sessionLock)}
}

// lock blocks until the session's mutex is held and returns its release func.
func (lt *lockTable) lock(sessionID string) (unlock func()) {
	lt.mu.Lock()
	l := lt.locks[sessionID]
	if l == nil {
		l = &sessionLock{}
		lt.locks[sessionID] = l
	}
	l.refs++
	lt.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		lt.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(lt.locks, sessionID)
		}
		lt.mu.Unlock()
	}
}

// size reports how many sessions currently have a lock entry.
func (lt *lockTable) size() int {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	return len(lt.locks)
}
