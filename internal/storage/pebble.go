package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"

	"docstore/internal/document"
	"docstore/internal/encoding"
)

const documentKeyPrefix = "doc/"

// pebbleLogger routes Pebble's logging through zerolog.
type pebbleLogger struct{}

func (pebbleLogger) Infof(format string, args ...interface{}) {
	log.Debug().Msgf("[pebble] "+format, args...)
}

func (pebbleLogger) Errorf(format string, args ...interface{}) {
	log.Error().Msgf("[pebble] "+format, args...)
}

func (pebbleLogger) Fatalf(format string, args ...interface{}) {
	log.Fatal().Msgf("[pebble] "+format, args...)
}

// PebbleStore persists documents as msgpack values in Pebble.
type PebbleStore struct {
	db *pebble.DB
	// mu serializes read-modify-write cycles.
	mu sync.Mutex
}

// OpenPebbleStore opens or creates a store at path. opts may be nil.
func OpenPebbleStore(path string, opts *pebble.Options) (*PebbleStore, error) {
	if opts == nil {
		opts = &pebble.Options{}
	}
	if opts.Logger == nil {
		opts.Logger = pebbleLogger{}
	}
	db, err := pebble.Open(path, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db: %w", err)
	}
	return &PebbleStore{db: db}, nil
}

func documentKey(selfLink string) []byte {
	return []byte(documentKeyPrefix + selfLink)
}

func (s *PebbleStore) Get(selfLink string) (*document.Document, error) {
	val, closer, err := s.db.Get(documentKey(selfLink))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s: %w", selfLink, err)
	}
	defer closer.Close()

	var doc document.Document
	if err := encoding.Unmarshal(val, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", selfLink, err)
	}
	return &doc, nil
}

func (s *PebbleStore) Put(doc *document.Document) (*document.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.Get(doc.SelfLink)
	if err != nil {
		return nil, err
	}
	next := nextVersion(doc, prev, time.Now())
	if err := s.write(next); err != nil {
		return nil, err
	}
	return next.Copy(), nil
}

func (s *PebbleStore) ApplyReplicated(doc *document.Document) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prev, err := s.Get(doc.SelfLink)
	if err != nil {
		return false, err
	}
	if prev != nil && !doc.Supersedes(prev) {
		return false, nil
	}
	if err := s.write(doc); err != nil {
		return false, err
	}
	return true, nil
}

// SelfLinks returns every stored self link in key order.
func (s *PebbleStore) SelfLinks() ([]string, error) {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(documentKeyPrefix),
		UpperBound: []byte("doc0"),
	})
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	var links []string
	for iter.First(); iter.Valid(); iter.Next() {
		links = append(links, string(iter.Key()[len(documentKeyPrefix):]))
	}
	return links, iter.Error()
}

func (s *PebbleStore) write(doc *document.Document) error {
	data, err := encoding.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode %s: %w", doc.SelfLink, err)
	}
	if err := s.db.Set(documentKey(doc.SelfLink), data, pebble.Sync); err != nil {
		return fmt.Errorf("write %s: %w", doc.SelfLink, err)
	}
	return nil
}

func (s *PebbleStore) Close() error {
	return s.db.Close()
}
