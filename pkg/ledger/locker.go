package ledger

import "sync"

// accountLocker serializes transactions per account inside one process.
// Entries are reference counted so idle accounts do not accumulate.
type accountLocker struct {
	mu    sync.Mutex
	locks map[UserID]*accountLock
}

type accountLock struct {
	mu   sync.Mutex
	refs int
}

func newAccountLocker() *accountLocker {
	return &accountLocker{locks: make(map[UserID]*accountLock)}
}

// lock acquires the accounts in the given order, which must be ascending.
func (locker *accountLocker) lock(accounts []UserID) func() {
	held := make([]*accountLock, 0, len(accounts))
	for _, accountID := range accounts {
		locker.mu.Lock()
		entry, ok := locker.locks[accountID]
		if !ok {
			entry = &accountLock{}
			locker.locks[accountID] = entry
		}
		entry.refs++
		locker.mu.Unlock()
		entry.mu.Lock()
		held = append(held, entry)
	}
	return func() {
		for index := len(held) - 1; index >= 0; index-- {
			held[index].mu.Unlock()
			locker.mu.Lock()
			held[index].refs--
			if held[index].refs == 0 {
				delete(locker.locks, accounts[index])
			}
			locker.mu.Unlock()
		}
	}
}
