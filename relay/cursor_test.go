package relay

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemoryCursorStore(t *testing.T) {
	ctx := context.Background()
	cursors := NewMemoryCursorStore()

	_, ok, err := cursors.Load(ctx, "p1", "f1")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	assert.Equal(t, nil, cursors.Store(ctx, "p1", "f1", 7))
	assert.Equal(t, nil, cursors.Store(ctx, "p1", "f2", 3))

	sequence, ok, err := cursors.Load(ctx, "p1", "f1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, uint64(7), sequence)

	// cursors are per (principal, feed)
	sequence, ok, err = cursors.Load(ctx, "p1", "f2")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, uint64(3), sequence)

	_, ok, _ = cursors.Load(ctx, "p2", "f1")
	assert.Equal(t, false, ok)
}

func TestSqliteCursorStore(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "cursors.db")

	cursors, err := NewSqliteCursorStore(path)
	assert.Equal(t, nil, err)

	_, ok, err := cursors.Load(ctx, "p1", "f1")
	assert.Equal(t, nil, err)
	assert.Equal(t, false, ok)

	assert.Equal(t, nil, cursors.Store(ctx, "p1", "f1", 1))
	// upsert advances in place
	assert.Equal(t, nil, cursors.Store(ctx, "p1", "f1", 12))

	sequence, ok, err := cursors.Load(ctx, "p1", "f1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, uint64(12), sequence)

	assert.Equal(t, nil, cursors.Close())

	// durable across reopen
	cursors, err = NewSqliteCursorStore(path)
	assert.Equal(t, nil, err)
	defer cursors.Close()

	sequence, ok, err = cursors.Load(ctx, "p1", "f1")
	assert.Equal(t, nil, err)
	assert.Equal(t, true, ok)
	assert.Equal(t, uint64(12), sequence)
}

func TestSessionTableTakeover(t *testing.T) {
	sessions := NewSessionTable()

	firstCancelled := false
	var releaseFirst func()
	releaseFirst = sessions.Acquire("p1", "f1", func() {
		// a cancelled session winds down and releases
		firstCancelled = true
		releaseFirst()
	})
	assert.Equal(t, 1, sessions.ActiveCount())
	assert.Equal(t, false, firstCancelled)

	// second session for the same pair takes over and cancels the first
	secondCancelled := false
	releaseSecond := sessions.Acquire("p1", "f1", func() {
		secondCancelled = true
	})
	assert.Equal(t, true, firstCancelled)
	assert.Equal(t, false, secondCancelled)
	assert.Equal(t, 1, sessions.ActiveCount())

	// a repeated stale release does not evict the takeover
	releaseFirst()
	assert.Equal(t, 1, sessions.ActiveCount())

	// a different pair is independent
	releaseOther := sessions.Acquire("p2", "f1", func() {})
	assert.Equal(t, 2, sessions.ActiveCount())

	releaseSecond()
	releaseOther()
	assert.Equal(t, 0, sessions.ActiveCount())
}

// the takeover blocks until the cancelled session releases, so the old
// session's final cursor write always lands before the new session's first
func TestSessionTableTakeoverWaitsForRelease(t *testing.T) {
	sessions := NewSessionTable()

	releaseFirst := sessions.Acquire("p1", "f1", func() {})

	acquired := make(chan struct{})
	released := make(chan struct{})
	go func() {
		release := sessions.Acquire("p1", "f1", func() {})
		close(acquired)
		release()
		close(released)
	}()

	select {
	case <-acquired:
		t.Fatal("takeover did not wait for the previous session to release")
	case <-time.After(100 * time.Millisecond):
	}

	releaseFirst()
	select {
	case <-acquired:
	case <-time.After(1 * time.Second):
		t.Fatal("takeover did not proceed after release")
	}

	<-released
	assert.Equal(t, 0, sessions.ActiveCount())
}
