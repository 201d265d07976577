package resend

import (
	"sync"

	"github.com/i5heu/ouroboros-privacy/pkg/model"
)

// hashLocks hands out one mutex per transaction hash. Entries are removed
// once nobody holds or waits for them.
type hashLocks struct {
	mu    sync.Mutex
	locks map[model.MessageHash]*hashLock
}

type hashLock struct {
	mu   sync.Mutex
	refs int
}

func newHashLocks() *hashLocks {
	return &hashLocks{locks: make(map[model.MessageHash]*hashLock)}
}

// lock blocks until h is free and returns the matching unlock.
func (l *hashLocks) lock(h model.MessageHash) func() {
	l.mu.Lock()
	hl, ok := l.locks[h]
	if !ok {
		hl = &hashLock{}
		l.locks[h] = hl
	}
	hl.refs++
	l.mu.Unlock()

	hl.mu.Lock()

	return func() {
		hl.mu.Unlock()

		l.mu.Lock()
		hl.refs--
		if hl.refs == 0 {
			delete(l.locks, h)
		}
		l.mu.Unlock()
	}
}

func (l *hashLocks) len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
