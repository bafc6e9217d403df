package trading

import "sync"

// accountLocks serializes the read-modify-write cycle of trade execution
// per account. Two concurrent trades on the same account would otherwise
// both read the same starting balance/position and the second write would
// clobber the first. Locks are created on first use and never released;
// the account population is small and long-lived.
type accountLocks struct {
	mu    sync.Mutex
	locks map[int64]*sync.Mutex
}

func newAccountLocks() *accountLocks {
	return &accountLocks{locks: make(map[int64]*sync.Mutex)}
}

func (l *accountLocks) Lock(accountID int64) {
	l.mu.Lock()
	lock, ok := l.locks[accountID]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[accountID] = lock
	}
	l.mu.Unlock()
	lock.Lock()
}

func (l *accountLocks) Unlock(accountID int64) {
	l.mu.Lock()
	lock := l.locks[accountID]
	l.mu.Unlock()
	lock.Unlock()
}
