package detector

import (
	"context"
	"sync"
)

// LockTable hands out one exclusive token per user. Entries are reference
// counted and removed once nobody holds or waits for them, so the table only
// grows with the number of users being processed concurrently.
type LockTable struct {
	mu      sync.Mutex
	entries map[string]*lockEntry
}

type lockEntry struct {
	token chan struct{} // capacity 1; holding the token means owning the user
	refs  int
}

// NewLockTable creates an empty lock table
func NewLockTable() *LockTable {
	return &LockTable{entries: make(map[string]*lockEntry)}
}

// Acquire blocks until the caller owns userID or ctx is done. The returned
// function releases the token and must be called exactly once.
func (l *LockTable) Acquire(ctx context.Context, userID string) (func(), error) {
	entry := l.ref(userID)

	select {
	case entry.token <- struct{}{}:
	case <-ctx.Done():
		l.unref(userID, entry)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			<-entry.token
			l.unref(userID, entry)
		})
	}, nil
}

func (l *LockTable) ref(userID string) *lockEntry {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[userID]
	if !ok {
		entry = &lockEntry{token: make(chan struct{}, 1)}
		l.entries[userID] = entry
	}
	entry.refs++
	return entry
}

func (l *LockTable) unref(userID string, entry *lockEntry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry.refs--
	if entry.refs == 0 {
		delete(l.entries, userID)
	}
}

// Len returns the number of users currently held or awaited
func (l *LockTable) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}
