package relay

import (
	"context"
	"errors"
	"time"

	"github.com/golang/glog"
)

type FeedProxySettings struct {
	// bounded document lookup fan-out. results are still applied to the
	// transport in source order
	LookupCount int
	// delay before the single retry of a transient lookup failure
	LookupRetryTimeout time.Duration
	// bound on records pulled but not yet written. when full, the proxy
	// stops pulling from the source
	BufferSize int
}

func DefaultFeedProxySettings() *FeedProxySettings {
	return &FeedProxySettings{
		LookupCount:        8,
		LookupRetryTimeout: 200 * time.Millisecond,
		BufferSize:         32,
	}
}

// FeedProxy runs one filtered feed session for one principal:
// pull -> lookup -> decide -> emit, in source sequence order.
//
// Invariants:
//   - a record whose current decision is deny is never written
//   - forwarded records are a subsequence of the source order
//   - the cursor only advances past fully decided records
type FeedProxy struct {
	ctx    context.Context
	cancel context.CancelFunc

	principal *Principal
	feedId    string
	mode      FeedMode
	// caller-supplied starting point. when nil, the stored cursor is used
	since *uint64

	source      RecordSource
	lookup      DocumentLookup
	policy      *Policy
	cursors     CursorStore
	transport   TransportWriter
	revocations RevocationSignal

	settings *FeedProxySettings

	sessionId Id
}

type pendingRecord struct {
	// nil record with nil err is a heartbeat
	record *ChangeRecord
	// terminal error from the source. ends the session
	err error

	result chan lookupResult
}

type lookupResult struct {
	document *Document
	err      error
}

func NewFeedProxyWithDefaults(
	ctx context.Context,
	principal *Principal,
	feedId string,
	mode FeedMode,
	since *uint64,
	source RecordSource,
	lookup DocumentLookup,
	policy *Policy,
	cursors CursorStore,
	transport TransportWriter,
	revocations RevocationSignal,
) *FeedProxy {
	return NewFeedProxy(
		ctx,
		principal,
		feedId,
		mode,
		since,
		source,
		lookup,
		policy,
		cursors,
		transport,
		revocations,
		DefaultFeedProxySettings(),
	)
}

func NewFeedProxy(
	ctx context.Context,
	principal *Principal,
	feedId string,
	mode FeedMode,
	since *uint64,
	source RecordSource,
	lookup DocumentLookup,
	policy *Policy,
	cursors CursorStore,
	transport TransportWriter,
	revocations RevocationSignal,
	settings *FeedProxySettings,
) *FeedProxy {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &FeedProxy{
		ctx:         cancelCtx,
		cancel:      cancel,
		principal:   principal,
		feedId:      feedId,
		mode:        mode,
		since:       since,
		source:      source,
		lookup:      lookup,
		policy:      policy,
		cursors:     cursors,
		transport:   transport,
		revocations: revocations,
		settings:    settings,
		sessionId:   NewId(),
	}
}

// Run blocks until the session ends: the source drains in one-shot mode,
// the transport closes, the context is cancelled, or the principal is
// revoked. The final cursor is persisted before return.
func (self *FeedProxy) Run() error {
	defer self.cancel()

	glog.Infof(
		"[session][%s]open principal = %s feed = %s mode = %s\n",
		self.sessionId,
		self.principal.Id,
		self.feedId,
		self.mode,
	)
	defer glog.Infof("[session][%s]close\n", self.sessionId)

	fromSequence := uint64(0)
	if self.since != nil {
		fromSequence = *self.since
	} else {
		storedSequence, ok, err := self.cursors.Load(self.ctx, self.principal.Id, self.feedId)
		if err != nil {
			return err
		}
		if ok {
			fromSequence = storedSequence
		}
	}

	if err := self.transport.WriteResume(fromSequence); err != nil {
		return err
	}

	stream, err := self.source.Open(self.ctx, self.feedId, fromSequence, self.mode)
	if err != nil {
		return err
	}
	defer stream.Close()

	// transport close or permission revocation tears the session down,
	// aborting in-flight lookups
	go HandleError(func() {
		defer self.cancel()

		var revoked <-chan struct{}
		if self.revocations != nil {
			revoked = self.revocations.Watch(self.ctx, self.principal.Id)
		}
		select {
		case <-self.ctx.Done():
		case <-self.transport.Done():
			glog.V(1).Infof("[session][%s]transport closed\n", self.sessionId)
		case <-revoked:
			glog.Infof("[session][%s]principal revoked. force reconnect.\n", self.sessionId)
		}
	})

	ordered := make(chan *pendingRecord, self.settings.BufferSize)
	lookupWork := make(chan *pendingRecord)

	// pull. the ordered channel is the in-flight bound: when the emit
	// side falls behind, sends block here and upstream pulling stops
	go HandleError(func() {
		defer close(lookupWork)
		for {
			record, err := stream.Next(self.ctx)
			pending := &pendingRecord{
				record: record,
				err:    err,
			}
			if err == nil && record != nil {
				pending.result = make(chan lookupResult, 1)
			}

			select {
			case ordered <- pending:
			case <-self.ctx.Done():
				return
			}
			if err != nil {
				return
			}
			if pending.result != nil {
				select {
				case lookupWork <- pending:
				case <-self.ctx.Done():
					return
				}
			}
		}
	}, self.cancel)

	for i := 0; i < self.settings.LookupCount; i += 1 {
		go HandleError(func() {
			for {
				select {
				case <-self.ctx.Done():
					return
				case pending, ok := <-lookupWork:
					if !ok {
						return
					}
					document, err := self.resolveDocument(pending.record)
					pending.result <- lookupResult{
						document: document,
						err:      err,
					}
				}
			}
		}, self.cancel)
	}

	return self.emit(fromSequence, ordered)
}

func (self *FeedProxy) emit(fromSequence uint64, ordered <-chan *pendingRecord) error {
	cursor := fromSequence
	for {
		var pending *pendingRecord
		select {
		case <-self.ctx.Done():
			return nil
		case pending = <-ordered:
		}

		if pending.err != nil {
			if errors.Is(pending.err, ErrEndOfFeed) {
				return self.transport.WriteEndOfFeed(cursor)
			}
			if self.ctx.Err() != nil {
				return nil
			}
			return pending.err
		}

		if pending.record == nil {
			// heartbeat passthrough so client idle-timeout detection
			// keeps working
			if err := self.transport.WriteHeartbeat(); err != nil {
				return err
			}
			continue
		}

		var result lookupResult
		select {
		case <-self.ctx.Done():
			return nil
		case result = <-pending.result:
		}

		record := pending.record
		decision := self.decide(record, result)
		glog.V(2).Infof(
			"[session][%s]seq = %d doc = %s %s\n",
			self.sessionId,
			record.Sequence,
			record.DocumentId,
			decision,
		)

		if decision == Allow {
			if err := self.transport.WriteRecord(record); err != nil {
				// cursor stays on the last fully written record so the
				// viewer resumes with this one
				return err
			}
		}

		cursor = record.Sequence
		if err := self.cursors.Store(self.ctx, self.principal.Id, self.feedId, cursor); err != nil {
			return err
		}
	}
}

// resolveDocument retries a transient failure once with bounded delay.
func (self *FeedProxy) resolveDocument(record *ChangeRecord) (*Document, error) {
	document, err := self.lookup.Get(self.ctx, record.DocumentId, record.Revision)
	if err == nil || !IsTransient(err) {
		return document, err
	}

	select {
	case <-self.ctx.Done():
		return nil, err
	case <-time.After(self.settings.LookupRetryTimeout):
	}

	return self.lookup.Get(self.ctx, record.DocumentId, record.Revision)
}

func (self *FeedProxy) decide(record *ChangeRecord, result lookupResult) Decision {
	if result.err == nil {
		return self.policy.Decide(self.principal, result.document)
	}

	if record.Deleted {
		// deletions are always forwarded so viewers drop locally cached
		// copies. withholding a tombstone would leave stale data on the
		// client forever, and a tombstone discloses nothing beyond the
		// document id the viewer already held
		return Allow
	}

	if errors.Is(result.err, ErrNotFound) {
		glog.V(1).Infof(
			"[session][%s]seq = %d doc = %s missing at rev = %s. deny.\n",
			self.sessionId,
			record.Sequence,
			record.DocumentId,
			record.Revision,
		)
		return Deny
	}

	// fail closed on ambiguous lookup failure, never leak. the viewer's
	// cursor silently skips real data here, so log the degraded fidelity
	glog.Infof(
		"[session][%s]degraded: skip seq = %d doc = %s on lookup error = %s\n",
		self.sessionId,
		record.Sequence,
		record.DocumentId,
		result.err,
	)
	return Deny
}
