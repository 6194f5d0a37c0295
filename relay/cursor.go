package relay

import (
	"context"
	"fmt"
	"sync"
)

// CursorStore persists, per (principal, feed), the sequence of the last
// record the session fully decided - forwarded or skipped. A reconnecting
// viewer resumes after this sequence, not after the last sequence the
// source produced.
type CursorStore interface {
	// Load returns the stored cursor. ok is false when the pair has no
	// cursor yet (first session).
	Load(ctx context.Context, principalId string, feedId string) (lastForwardedSequence uint64, ok bool, err error)
	Store(ctx context.Context, principalId string, feedId string, lastForwardedSequence uint64) error
}

type MemoryCursorStore struct {
	stateLock sync.Mutex
	cursors   map[string]uint64
}

func NewMemoryCursorStore() *MemoryCursorStore {
	return &MemoryCursorStore{
		cursors: map[string]uint64{},
	}
}

func (self *MemoryCursorStore) Load(ctx context.Context, principalId string, feedId string) (uint64, bool, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	lastForwardedSequence, ok := self.cursors[cursorKey(principalId, feedId)]
	return lastForwardedSequence, ok, nil
}

func (self *MemoryCursorStore) Store(ctx context.Context, principalId string, feedId string, lastForwardedSequence uint64) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.cursors[cursorKey(principalId, feedId)] = lastForwardedSequence
	return nil
}

func cursorKey(principalId string, feedId string) string {
	return fmt.Sprintf("%s/%s", principalId, feedId)
}

// SessionTable enforces at most one active session per (principal, feed).
// A second session for the same pair takes over ownership of the cursor:
// the previous session is cancelled and the takeover blocks until it
// releases, so a trailing cursor write from the old session can never land
// after the new session has started writing.
type SessionTable struct {
	stateLock sync.Mutex
	sessions  map[string]*sessionEntry
}

type sessionEntry struct {
	cancel context.CancelFunc
	// closed on release
	done     chan struct{}
	doneOnce sync.Once
}

func NewSessionTable() *SessionTable {
	return &SessionTable{
		sessions: map[string]*sessionEntry{},
	}
}

// Acquire cancels any previous session for the pair, waits for it to
// release, then registers `cancel` as the active session. The returned
// release must be called on session end, after the last cursor write.
func (self *SessionTable) Acquire(principalId string, feedId string, cancel context.CancelFunc) func() {
	key := cursorKey(principalId, feedId)
	entry := &sessionEntry{
		cancel: cancel,
		done:   make(chan struct{}),
	}

	self.stateLock.Lock()
	previousEntry, ok := self.sessions[key]
	self.sessions[key] = entry
	self.stateLock.Unlock()

	if ok {
		previousEntry.cancel()
		<-previousEntry.done
	}

	return func() {
		entry.doneOnce.Do(func() {
			close(entry.done)
		})
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		if self.sessions[key] == entry {
			delete(self.sessions, key)
		}
	}
}

func (self *SessionTable) ActiveCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.sessions)
}
