package relay

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ChangeRecord describes one document mutation in a feed.
// Records are produced in strictly increasing sequence order and are
// immutable once produced.
type ChangeRecord struct {
	Sequence   uint64 `json:"seq"`
	DocumentId string `json:"id"`
	Revision   string `json:"rev"`
	Deleted    bool   `json:"deleted,omitempty"`
}

type FeedMode string

const (
	// drain the records currently in the feed, then end
	FeedModeOneShot FeedMode = "one-shot"
	// suspend awaiting new records until the session is cancelled
	FeedModeLive FeedMode = "live"
)

// returned by `RecordStream.Next` when a one-shot stream is drained
var ErrEndOfFeed = errors.New("end of feed")

// RecordSource supplies the ordered, resumable, unfiltered change feed.
// Implementations must be safe for many concurrent readers.
type RecordSource interface {
	// Open positions a stream after `fromSequence`.
	// `fromSequence` 0 starts from the beginning of the feed.
	Open(ctx context.Context, feedId string, fromSequence uint64, mode FeedMode) (RecordStream, error)
}

// RecordStream yields change records in sequence order.
// A nil record with a nil error is a heartbeat: the source had nothing to
// deliver within its heartbeat window. Heartbeats must be passed through to
// the viewer so client-side idle-timeout detection keeps working.
type RecordStream interface {
	Next(ctx context.Context) (*ChangeRecord, error)
	Close()
}

type MemorySourceSettings struct {
	HeartbeatTimeout time.Duration
}

func DefaultMemorySourceSettings() *MemorySourceSettings {
	return &MemorySourceSettings{
		HeartbeatTimeout: 30 * time.Second,
	}
}

// MemorySource is an in-process append-only record source.
// It backs single-node deployments and tests. Appends assign the next
// sequence for the feed and wake all live streams.
type MemorySource struct {
	settings *MemorySourceSettings

	stateLock    sync.Mutex
	feeds        map[string][]*ChangeRecord
	nextSequence map[string]uint64

	monitor *Monitor
}

func NewMemorySourceWithDefaults() *MemorySource {
	return NewMemorySource(DefaultMemorySourceSettings())
}

func NewMemorySource(settings *MemorySourceSettings) *MemorySource {
	return &MemorySource{
		settings:     settings,
		feeds:        map[string][]*ChangeRecord{},
		nextSequence: map[string]uint64{},
		monitor:      NewMonitor(),
	}
}

func (self *MemorySource) Append(feedId string, documentId string, revision string, deleted bool) *ChangeRecord {
	self.stateLock.Lock()
	sequence := self.nextSequence[feedId] + 1
	self.nextSequence[feedId] = sequence
	record := &ChangeRecord{
		Sequence:   sequence,
		DocumentId: documentId,
		Revision:   revision,
		Deleted:    deleted,
	}
	self.feeds[feedId] = append(self.feeds[feedId], record)
	self.stateLock.Unlock()

	self.monitor.NotifyAll()
	return record
}

// LastSequence returns the sequence of the most recent record in the feed.
func (self *MemorySource) LastSequence(feedId string) uint64 {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.nextSequence[feedId]
}

func (self *MemorySource) Open(ctx context.Context, feedId string, fromSequence uint64, mode FeedMode) (RecordStream, error) {
	return &memoryStream{
		source:       self,
		feedId:       feedId,
		mode:         mode,
		lastSequence: fromSequence,
	}, nil
}

type memoryStream struct {
	source *MemorySource
	feedId string
	mode   FeedMode

	lastSequence uint64
}

func (self *memoryStream) Next(ctx context.Context) (*ChangeRecord, error) {
	for {
		var notify <-chan struct{}

		self.source.stateLock.Lock()
		records := self.source.feeds[self.feedId]
		// records are append-only in sequence order, binary scan not needed
		var next *ChangeRecord
		for _, record := range records {
			if self.lastSequence < record.Sequence {
				next = record
				break
			}
		}
		if next == nil {
			notify = self.source.monitor.NotifyChannel()
		}
		self.source.stateLock.Unlock()

		if next != nil {
			self.lastSequence = next.Sequence
			return next, nil
		}

		if self.mode == FeedModeOneShot {
			return nil, ErrEndOfFeed
		}

		heartbeat := time.NewTimer(self.source.settings.HeartbeatTimeout)
		select {
		case <-ctx.Done():
			heartbeat.Stop()
			return nil, ctx.Err()
		case <-notify:
			heartbeat.Stop()
		case <-heartbeat.C:
			return nil, nil
		}
	}
}

func (self *memoryStream) Close() {
}
