// Package memstore is an in-memory docstore.Store.
package memstore

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/steveyegge/tasksync/internal/docstore"
)

type document struct {
	revision int64
	fields   map[string]any
}

// Store keeps documents in memory. Every mutation bumps the document
// revision and publishes the new snapshot to subscribers.
type Store struct {
	mu     sync.Mutex
	docs   map[string]*document
	hub    *docstore.Hub
	closed bool

	// failNext, when set, makes the next mutation fail with the error.
	failNext error
}

// New creates an empty store. If logger is nil, the hub's default is used.
func New(logger *log.Logger) *Store {
	return &Store{
		docs: make(map[string]*document),
		hub:  docstore.NewHub(logger),
	}
}

// FailNext makes the next mutating call return err without applying it.
// It lets callers exercise write-failure paths.
func (s *Store) FailNext(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = err
}

// Subscribers returns the number of live subscriptions on key.
func (s *Store) Subscribers(key string) int {
	return s.hub.Count(key)
}

// Subscribe implements docstore.Store.Subscribe.
func (s *Store) Subscribe(ctx context.Context, key string, fn docstore.Listener) (docstore.Unsubscribe, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, docstore.ErrClosed
	}
	return s.hub.Add(key, fn, s.snapshotLocked(key))
}

// Read implements docstore.Store.Read.
func (s *Store) Read(ctx context.Context, key string) (docstore.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return docstore.Snapshot{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return docstore.Snapshot{}, docstore.ErrClosed
	}
	snap := s.snapshotLocked(key)
	if !snap.Exists {
		return docstore.Snapshot{}, fmt.Errorf("%w: %s", docstore.ErrNotFound, key)
	}
	fields, err := docstore.Normalize(snap.Fields)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	snap.Fields = fields
	return snap, nil
}

// ArrayUnion implements docstore.Store.ArrayUnion.
func (s *Store) ArrayUnion(ctx context.Context, key, field string, element docstore.Element) error {
	_, err := s.mutate(ctx, key, func(fields map[string]any) (int, error) {
		changed, err := docstore.ApplyArrayUnion(fields, field, element)
		if changed {
			return 1, err
		}
		return 0, err
	})
	return err
}

// ArrayRemove implements docstore.Store.ArrayRemove.
func (s *Store) ArrayRemove(ctx context.Context, key, field string, element docstore.Element) (int, error) {
	return s.mutate(ctx, key, func(fields map[string]any) (int, error) {
		return docstore.ApplyArrayRemove(fields, field, element)
	})
}

// Overwrite implements docstore.Store.Overwrite.
func (s *Store) Overwrite(ctx context.Context, key, field string, elements []docstore.Element) error {
	_, err := s.mutate(ctx, key, func(fields map[string]any) (int, error) {
		return 1, docstore.ApplyOverwrite(fields, field, elements)
	})
	return err
}

// RemoveByKey implements docstore.Store.RemoveByKey.
func (s *Store) RemoveByKey(ctx context.Context, key, field, idField, id string) (int, error) {
	return s.mutate(ctx, key, func(fields map[string]any) (int, error) {
		return docstore.ApplyRemoveByKey(fields, field, idField, id)
	})
}

// UpdateByKey implements docstore.Store.UpdateByKey.
func (s *Store) UpdateByKey(ctx context.Context, key, field, idField, id string, changes map[string]any) (int, error) {
	return s.mutate(ctx, key, func(fields map[string]any) (int, error) {
		return docstore.ApplyUpdateByKey(fields, field, idField, id, changes)
	})
}

// CreateDocument implements docstore.Store.CreateDocument.
func (s *Store) CreateDocument(ctx context.Context, key string, fields map[string]any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return docstore.ErrClosed
	}
	if _, ok := s.docs[key]; ok {
		return fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, key)
	}
	s.docs[key] = &document{revision: 1, fields: norm}
	s.hub.Publish(s.snapshotLocked(key))
	return nil
}

// Close implements docstore.Store.Close.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.hub.Close()
	return nil
}

// mutate applies fn to a copy of the document and commits it when fn
// reports a change. Nothing is committed on error.
func (s *Store) mutate(ctx context.Context, key string, fn func(fields map[string]any) (int, error)) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, docstore.ErrClosed
	}
	if err := s.failNext; err != nil {
		s.failNext = nil
		return 0, err
	}

	doc, ok := s.docs[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", docstore.ErrNotFound, key)
	}

	working, err := docstore.Normalize(doc.fields)
	if err != nil {
		return 0, err
	}
	n, err := fn(working)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	doc.fields = working
	doc.revision++
	s.hub.Publish(s.snapshotLocked(key))
	return n, nil
}

func (s *Store) snapshotLocked(key string) docstore.Snapshot {
	doc, ok := s.docs[key]
	if !ok {
		return docstore.Snapshot{Key: key}
	}
	return docstore.Snapshot{
		Key:      key,
		Exists:   true,
		Revision: doc.revision,
		Fields:   doc.fields,
	}
}
