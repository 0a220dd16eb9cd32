// Package sqlitestore is a docstore.Store backed by an embedded SQLite
// database in WAL mode.
//
// Each document is one row of the documents table:
//
//	key       TEXT PRIMARY KEY   -- the user id
//	body      TEXT               -- JSON object holding the fields
//	revision  INTEGER            -- bumped on every committed change
//
// Mutations run in an immediate transaction that reads the row, applies the
// docstore.Apply* operation and writes it back, so each is atomic across
// every process sharing the file.
//
// Subscribers in the same process are notified directly after commit.
// Commits made by other processes are picked up by watching the database
// directory with fsnotify (the WAL file changes on every commit) and by a
// periodic poll; both compare stored revisions against the last published
// ones.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/steveyegge/tasksync/internal/docstore"
)

const schema = `
CREATE TABLE IF NOT EXISTS documents (
	key        TEXT PRIMARY KEY,
	body       TEXT NOT NULL,
	revision   INTEGER NOT NULL,
	updated_at TEXT NOT NULL
);
`

// Config holds configuration for the store.
type Config struct {
	// Path is the database file.
	Path string

	// DebounceInterval batches bursts of file events into one refresh.
	DebounceInterval time.Duration

	// PollInterval re-checks subscribed documents even without file
	// events. Zero disables polling.
	PollInterval time.Duration

	// Logger for store activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the database at path.
func DefaultConfig(path string) *Config {
	return &Config{
		Path:             path,
		DebounceInterval: 50 * time.Millisecond,
		PollInterval:     2 * time.Second,
		Logger:           log.New(os.Stderr, "[sqlitestore] ", log.LstdFlags),
	}
}

// Store implements docstore.Store on SQLite.
type Store struct {
	conn   *sql.DB
	config *Config
	logger *log.Logger
	hub    *docstore.Hub

	// mu serializes local commits with their publication and guards
	// published.
	mu        sync.Mutex
	published map[string]int64
	closed    bool

	watcher *fsnotify.Watcher
	dirty   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Open opens (creating if needed) the database at path with default
// configuration.
//
// The caller MUST call Close() when done.
func Open(path string) (*Store, error) {
	return OpenWithConfig(DefaultConfig(path))
}

// OpenWithConfig opens the database described by config.
func OpenWithConfig(config *Config) (*Store, error) {
	if config == nil || config.Path == "" {
		return nil, fmt.Errorf("database path cannot be empty")
	}
	def := DefaultConfig(config.Path)
	if config.DebounceInterval <= 0 {
		config.DebounceInterval = def.DebounceInterval
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	path, err := filepath.Abs(config.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve database path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := fmt.Sprintf("file:%s?_txlock=immediate&_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)", path)
	conn, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	if _, err := conn.Exec(schema); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		_ = watcher.Close()
		_ = conn.Close()
		return nil, fmt.Errorf("failed to watch database directory: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Store{
		conn:      conn,
		config:    config,
		logger:    config.Logger,
		hub:       docstore.NewHub(config.Logger),
		published: make(map[string]int64),
		watcher:   watcher,
		dirty:     make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	config.Path = path

	s.wg.Add(2)
	go s.watchFileEvents()
	go s.processChanges()

	return s, nil
}

// Subscribe implements docstore.Store.Subscribe.
func (s *Store) Subscribe(ctx context.Context, key string, fn docstore.Listener) (docstore.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, docstore.ErrClosed
	}
	snap, err := s.load(ctx, s.conn, key)
	if err != nil {
		return nil, err
	}
	if snap.Revision > s.published[key] {
		s.published[key] = snap.Revision
	}
	return s.hub.Add(key, fn, snap)
}

// Read implements docstore.Store.Read.
func (s *Store) Read(ctx context.Context, key string) (docstore.Snapshot, error) {
	if s.isClosed() {
		return docstore.Snapshot{}, docstore.ErrClosed
	}
	snap, err := s.load(ctx, s.conn, key)
	if err != nil {
		return docstore.Snapshot{}, err
	}
	if !snap.Exists {
		return docstore.Snapshot{}, fmt.Errorf("%w: %s", docstore.ErrNotFound, key)
	}
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
	norm, err := docstore.Normalize(fields)
	if err != nil {
		return err
	}
	body, err := json.Marshal(norm)
	if err != nil {
		return fmt.Errorf("failed to encode document: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return docstore.ErrClosed
	}

	res, err := s.conn.ExecContext(ctx, `
		INSERT INTO documents (key, body, revision, updated_at)
		VALUES (?, ?, 1, ?)
		ON CONFLICT(key) DO NOTHING
	`, key, string(body), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return unavailable("create document", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", docstore.ErrAlreadyExists, key)
	}

	s.publishLocked(docstore.Snapshot{Key: key, Exists: true, Revision: 1, Fields: norm})
	return nil
}

// Close stops watching, ends all subscriptions and closes the database.
// Performs a WAL checkpoint first.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	if err := s.watcher.Close(); err != nil {
		s.logger.Printf("Error closing watcher: %v", err)
	}
	s.wg.Wait()
	s.hub.Close()

	if _, err := s.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		s.logger.Printf("Warning: failed to checkpoint WAL: %v", err)
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}
	return nil
}

// Path returns the absolute database path.
func (s *Store) Path() string {
	return s.config.Path
}

// Refresh publishes any subscribed document whose stored revision is newer
// than the last one published. It runs on file events and on the poll
// interval; callers may also invoke it directly.
func (s *Store) Refresh(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return docstore.ErrClosed
	}

	for _, key := range s.hub.Keys() {
		snap, err := s.load(ctx, s.conn, key)
		if err != nil {
			return err
		}
		if snap.Revision > s.published[key] {
			s.logger.Printf("External change to %s (r%d)", key, snap.Revision)
			s.publishLocked(snap)
		}
	}
	return nil
}

type querier interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) load(ctx context.Context, q querier, key string) (docstore.Snapshot, error) {
	var body string
	var revision int64
	err := q.QueryRowContext(ctx, `SELECT body, revision FROM documents WHERE key = ?`, key).Scan(&body, &revision)
	if errors.Is(err, sql.ErrNoRows) {
		return docstore.Snapshot{Key: key}, nil
	}
	if err != nil {
		return docstore.Snapshot{}, unavailable("read document", err)
	}

	fields := map[string]any{}
	if err := json.Unmarshal([]byte(body), &fields); err != nil {
		return docstore.Snapshot{}, fmt.Errorf("failed to decode document %s: %w", key, err)
	}
	return docstore.Snapshot{Key: key, Exists: true, Revision: revision, Fields: fields}, nil
}

// mutate applies fn inside a write transaction and commits when fn reports
// a change.
func (s *Store) mutate(ctx context.Context, key string, fn func(fields map[string]any) (int, error)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, docstore.ErrClosed
	}

	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin transaction", err)
	}
	defer func() { _ = tx.Rollback() }()

	snap, err := s.load(ctx, tx, key)
	if err != nil {
		return 0, err
	}
	if !snap.Exists {
		return 0, fmt.Errorf("%w: %s", docstore.ErrNotFound, key)
	}

	n, err := fn(snap.Fields)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, nil
	}

	body, err := json.Marshal(snap.Fields)
	if err != nil {
		return 0, fmt.Errorf("failed to encode document: %w", err)
	}
	snap.Revision++
	if _, err := tx.ExecContext(ctx, `
		UPDATE documents SET body = ?, revision = ?, updated_at = ? WHERE key = ?
	`, string(body), snap.Revision, time.Now().UTC().Format(time.RFC3339Nano), key); err != nil {
		return 0, unavailable("write document", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit", err)
	}

	s.publishLocked(snap)
	return n, nil
}

func (s *Store) publishLocked(snap docstore.Snapshot) {
	if snap.Revision > s.published[snap.Key] {
		s.published[snap.Key] = snap.Revision
	}
	s.hub.Publish(snap)
}

func (s *Store) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// watchFileEvents marks the store dirty when the database or its WAL
// changes.
func (s *Store) watchFileEvents() {
	defer s.wg.Done()

	base := filepath.Base(s.config.Path)
	for {
		select {
		case <-s.ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !strings.HasPrefix(filepath.Base(event.Name), base) {
				continue
			}
			select {
			case s.dirty <- struct{}{}:
			default:
			}

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("Watcher error: %v", err)
		}
	}
}

// processChanges refreshes after a quiet debounce period following file
// events, and on every poll tick.
func (s *Store) processChanges() {
	defer s.wg.Done()

	var poll <-chan time.Time
	if s.config.PollInterval > 0 {
		ticker := time.NewTicker(s.config.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.dirty:
			debounce.Reset(s.config.DebounceInterval)
		case <-debounce.C:
			s.refresh()
		case <-poll:
			s.refresh()
		}
	}
}

func (s *Store) refresh() {
	if err := s.Refresh(s.ctx); err != nil && !errors.Is(err, docstore.ErrClosed) && s.ctx.Err() == nil {
		s.logger.Printf("Error refreshing subscriptions: %v", err)
	}
}

func unavailable(op string, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("failed to %s: %w", op, err)
	}
	return fmt.Errorf("%w: failed to %s: %w", docstore.ErrUnavailable, op, err)
}
