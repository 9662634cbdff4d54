package storage

import (
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"docstore/internal/document"
)

// Store is the local document store.
type Store interface {
	// Get returns the stored document, tombstones included, or nil.
	Get(selfLink string) (*document.Document, error)
	// Put stores doc as the next version of its self link and returns what
	// was stored.
	Put(doc *document.Document) (*document.Document, error)
	// ApplyReplicated stores doc unchanged if it supersedes the current
	// version and reports whether it did.
	ApplyReplicated(doc *document.Document) (bool, error)
	Close() error
}

// Engines accepted by Open.
const (
	EngineMemory = "memory"
	EnginePebble = "pebble"
)

// Open creates the store for engine. dataDir is used by persistent engines.
func Open(engine, dataDir string) (Store, error) {
	switch engine {
	case "", EngineMemory:
		return NewInMemoryStore(), nil
	case EnginePebble:
		return OpenPebbleStore(dataDir, nil)
	default:
		return nil, fmt.Errorf("unknown storage engine %q", engine)
	}
}

// nextVersion fills the version fields of doc as the successor of prev.
func nextVersion(doc, prev *document.Document, now time.Time) *document.Document {
	next := doc.Copy()
	next.Version = 1
	next.UpdateTimeMicros = now.UnixMicro()
	if prev != nil {
		next.Version = prev.Version + 1
		if next.UpdateTimeMicros <= prev.UpdateTimeMicros {
			next.UpdateTimeMicros = prev.UpdateTimeMicros + 1
		}
	}
	return next
}

// InMemoryStore keeps documents in a concurrent map.
type InMemoryStore struct {
	data *xsync.MapOf[string, *document.Document]
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: xsync.NewMapOf[string, *document.Document]()}
}

func (s *InMemoryStore) Get(selfLink string) (*document.Document, error) {
	doc, ok := s.data.Load(selfLink)
	if !ok {
		return nil, nil
	}
	return doc.Copy(), nil
}

func (s *InMemoryStore) Put(doc *document.Document) (*document.Document, error) {
	stored, _ := s.data.Compute(doc.SelfLink, func(old *document.Document, loaded bool) (*document.Document, bool) {
		if !loaded {
			old = nil
		}
		return nextVersion(doc, old, time.Now()), false
	})
	return stored.Copy(), nil
}

func (s *InMemoryStore) ApplyReplicated(doc *document.Document) (bool, error) {
	applied := false
	s.data.Compute(doc.SelfLink, func(old *document.Document, loaded bool) (*document.Document, bool) {
		if loaded && !doc.Supersedes(old) {
			return old, false
		}
		applied = true
		return doc.Copy(), false
	})
	return applied, nil
}

// Len returns the number of stored documents, tombstones included.
func (s *InMemoryStore) Len() int {
	return s.data.Size()
}

func (s *InMemoryStore) Close() error {
	return nil
}
