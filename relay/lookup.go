package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// returned by `DocumentLookup.Get` when no document exists at the
// requested id and revision
var ErrNotFound = errors.New("document not found")

// TransientError wraps a lookup failure that may succeed on retry
// (timeout, store unavailable). Anything else is treated as permanent.
type TransientError struct {
	Err error
}

func (self *TransientError) Error() string {
	return fmt.Sprintf("transient lookup error: %s", self.Err)
}

func (self *TransientError) Unwrap() error {
	return self.Err
}

func IsTransient(err error) bool {
	var transientErr *TransientError
	return errors.As(err, &transientErr)
}

// DocumentLookup resolves a document id at a revision to its visibility
// projection. Implementations must be safe for many concurrent readers.
type DocumentLookup interface {
	Get(ctx context.Context, documentId string, revision string) (*Document, error)
}

// MemoryLookup is an in-process document lookup keyed by (id, revision).
type MemoryLookup struct {
	stateLock sync.Mutex
	documents map[string]*Document
}

func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{
		documents: map[string]*Document{},
	}
}

func (self *MemoryLookup) Put(document *Document, revision string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.documents[lookupKey(document.Id, revision)] = document
}

func (self *MemoryLookup) Remove(documentId string, revision string) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	delete(self.documents, lookupKey(documentId, revision))
}

func (self *MemoryLookup) Get(ctx context.Context, documentId string, revision string) (*Document, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	document, ok := self.documents[lookupKey(documentId, revision)]
	if !ok {
		return nil, ErrNotFound
	}
	return document, nil
}

func lookupKey(documentId string, revision string) string {
	return fmt.Sprintf("%s@%s", documentId, revision)
}
