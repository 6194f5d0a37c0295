package relay

import (
	"context"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestMemorySourceOneShot(t *testing.T) {
	ctx := context.Background()
	source := NewMemorySourceWithDefaults()

	source.Append("f1", "doc-1", "1-a", false)
	source.Append("f1", "doc-2", "1-b", false)
	source.Append("f1", "doc-1", "2-c", true)
	// other feeds do not bleed in
	source.Append("f2", "doc-9", "1-z", false)

	assert.Equal(t, uint64(3), source.LastSequence("f1"))

	stream, err := source.Open(ctx, "f1", 0, FeedModeOneShot)
	assert.Equal(t, nil, err)
	defer stream.Close()

	record, err := stream.Next(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(1), record.Sequence)
	assert.Equal(t, "doc-1", record.DocumentId)

	record, err = stream.Next(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(2), record.Sequence)

	record, err = stream.Next(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(3), record.Sequence)
	assert.Equal(t, true, record.Deleted)

	_, err = stream.Next(ctx)
	assert.Equal(t, ErrEndOfFeed, err)
}

func TestMemorySourceResume(t *testing.T) {
	ctx := context.Background()
	source := NewMemorySourceWithDefaults()

	for i := 0; i < 5; i += 1 {
		source.Append("f1", "doc", "1-a", false)
	}

	stream, err := source.Open(ctx, "f1", 3, FeedModeOneShot)
	assert.Equal(t, nil, err)
	defer stream.Close()

	record, err := stream.Next(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(4), record.Sequence)

	record, err = stream.Next(ctx)
	assert.Equal(t, nil, err)
	assert.Equal(t, uint64(5), record.Sequence)

	_, err = stream.Next(ctx)
	assert.Equal(t, ErrEndOfFeed, err)
}

func TestMemorySourceLive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	source := NewMemorySourceWithDefaults()

	stream, err := source.Open(ctx, "f1", 0, FeedModeLive)
	assert.Equal(t, nil, err)
	defer stream.Close()

	type next struct {
		record *ChangeRecord
		err    error
	}
	nexts := make(chan next, 1)
	go func() {
		record, err := stream.Next(ctx)
		nexts <- next{record, err}
	}()

	// the stream suspends until a record arrives
	select {
	case <-nexts:
		t.Fatal("live stream returned before any record")
	case <-time.After(100 * time.Millisecond):
	}

	source.Append("f1", "doc-1", "1-a", false)

	select {
	case n := <-nexts:
		assert.Equal(t, nil, n.err)
		assert.Equal(t, uint64(1), n.record.Sequence)
	case <-time.After(1 * time.Second):
		t.Fatal("live stream did not wake on append")
	}

	// cancellation unblocks a suspended stream
	go func() {
		record, err := stream.Next(ctx)
		nexts <- next{record, err}
	}()
	cancel()
	select {
	case n := <-nexts:
		assert.Equal(t, context.Canceled, n.err)
	case <-time.After(1 * time.Second):
		t.Fatal("live stream did not unblock on cancel")
	}
}

func TestMemorySourceHeartbeat(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	settings := DefaultMemorySourceSettings()
	settings.HeartbeatTimeout = 20 * time.Millisecond
	source := NewMemorySource(settings)

	stream, err := source.Open(ctx, "f1", 0, FeedModeLive)
	assert.Equal(t, nil, err)
	defer stream.Close()

	record, err := stream.Next(ctx)
	assert.Equal(t, nil, err)
	// nil record is the heartbeat marker
	if record != nil {
		t.Fatalf("expected heartbeat, got record seq=%d", record.Sequence)
	}
}
