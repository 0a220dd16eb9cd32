// Package wsstore is a docstore.Store that talks to a docserver over a
// WebSocket.
//
// One server-side subscription is held per document key and fanned out to
// local listeners through a docstore.Hub. When the connection drops, every
// pending call fails and every subscription ends with ErrUnavailable; the
// next call dials again.
package wsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/steveyegge/tasksync/internal/docserver"
	"github.com/steveyegge/tasksync/internal/docstore"
)

// Config holds client configuration.
type Config struct {
	// URL of the server's WebSocket endpoint, e.g. ws://localhost:8080/ws
	URL string

	// DialTimeout bounds each connection attempt.
	DialTimeout time.Duration

	// RequestTimeout bounds calls whose context has no deadline.
	RequestTimeout time.Duration

	// Logger for client activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults for the server at url.
func DefaultConfig(url string) *Config {
	return &Config{
		URL:            url,
		DialTimeout:    10 * time.Second,
		RequestTimeout: 10 * time.Second,
		Logger:         log.New(os.Stderr, "[wsstore] ", log.LstdFlags),
	}
}

// Store implements docstore.Store against a remote docserver.
type Store struct {
	config *Config
	logger *log.Logger
	hub    *docstore.Hub

	// dialMu serializes dialing and subscription setup.
	dialMu sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	nextID  uint64
	pending map[uint64]chan docserver.Message
	byKey   map[string]*remoteSub
	bySub   map[uint64]*remoteSub
	closed  bool

	wg sync.WaitGroup
}

type remoteSub struct {
	id   uint64
	key  string
	refs int
	last docstore.Snapshot
	have bool
}

// Dial connects to the server described by config.
func Dial(ctx context.Context, config *Config) (*Store, error) {
	if config == nil || config.URL == "" {
		return nil, fmt.Errorf("server url cannot be empty")
	}
	def := DefaultConfig(config.URL)
	if config.DialTimeout <= 0 {
		config.DialTimeout = def.DialTimeout
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	s := &Store{
		config:  config,
		logger:  config.Logger,
		hub:     docstore.NewHub(config.Logger),
		pending: make(map[uint64]chan docserver.Message),
		byKey:   make(map[string]*remoteSub),
		bySub:   make(map[uint64]*remoteSub),
	}
	if _, err := s.connection(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Subscribe implements docstore.Store.Subscribe.
func (s *Store) Subscribe(ctx context.Context, key string, fn docstore.Listener) (docstore.Unsubscribe, error) {
	s.dialMu.Lock()
	defer s.dialMu.Unlock()

	s.mu.Lock()
	rs := s.byKey[key]
	s.mu.Unlock()

	var initial docstore.Snapshot
	fresh := rs == nil
	if fresh {
		conn, err := s.connectionLocked(ctx)
		if err != nil {
			return nil, err
		}

		s.mu.Lock()
		s.nextID++
		rs = &remoteSub{id: s.nextID, key: key}
		s.byKey[key] = rs
		s.bySub[rs.id] = rs
		s.mu.Unlock()

		reply, err := s.send(ctx, conn, docserver.Request{ID: rs.id, Op: docserver.OpSubscribe, Key: key})
		if err != nil {
			s.mu.Lock()
			s.dropLocked(rs)
			s.mu.Unlock()
			return nil, err
		}
		if reply.Snapshot != nil {
			initial = *reply.Snapshot
		}
		initial.Key = key
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.bySub[rs.id] != rs {
		return nil, fmt.Errorf("%w: subscription to %s ended", docstore.ErrUnavailable, key)
	}
	if fresh && (!rs.have || initial.Revision > rs.last.Revision) {
		rs.last, rs.have = initial, true
	}
	unsub, err := s.hub.Add(key, fn, rs.last)
	if err != nil {
		return nil, err
	}
	rs.refs++

	var once sync.Once
	return func() {
		once.Do(func() {
			unsub()
			s.release(rs)
		})
	}, nil
}

// Read implements docstore.Store.Read.
func (s *Store) Read(ctx context.Context, key string) (docstore.Snapshot, error) {
	reply, err := s.call(ctx, docserver.Request{Op: docserver.OpRead, Key: key})
	if err != nil {
		return docstore.Snapshot{}, err
	}
	if reply.Snapshot == nil {
		return docstore.Snapshot{}, fmt.Errorf("%w: read of %s returned no snapshot", docstore.ErrUnavailable, key)
	}
	return *reply.Snapshot, nil
}

// ArrayUnion implements docstore.Store.ArrayUnion.
func (s *Store) ArrayUnion(ctx context.Context, key, field string, element docstore.Element) error {
	_, err := s.call(ctx, docserver.Request{Op: docserver.OpArrayUnion, Key: key, Field: field, Element: element})
	return err
}

// ArrayRemove implements docstore.Store.ArrayRemove.
func (s *Store) ArrayRemove(ctx context.Context, key, field string, element docstore.Element) (int, error) {
	reply, err := s.call(ctx, docserver.Request{Op: docserver.OpArrayRemove, Key: key, Field: field, Element: element})
	return reply.Removed, err
}

// Overwrite implements docstore.Store.Overwrite.
func (s *Store) Overwrite(ctx context.Context, key, field string, elements []docstore.Element) error {
	if elements == nil {
		elements = []docstore.Element{}
	}
	_, err := s.call(ctx, docserver.Request{Op: docserver.OpOverwrite, Key: key, Field: field, Elements: elements})
	return err
}

// RemoveByKey implements docstore.Store.RemoveByKey.
func (s *Store) RemoveByKey(ctx context.Context, key, field, idField, id string) (int, error) {
	reply, err := s.call(ctx, docserver.Request{
		Op: docserver.OpRemoveByKey, Key: key, Field: field, IDField: idField, ElementID: id,
	})
	return reply.Removed, err
}

// UpdateByKey implements docstore.Store.UpdateByKey.
func (s *Store) UpdateByKey(ctx context.Context, key, field, idField, id string, changes map[string]any) (int, error) {
	reply, err := s.call(ctx, docserver.Request{
		Op: docserver.OpUpdateByKey, Key: key, Field: field, IDField: idField, ElementID: id, Changes: changes,
	})
	return reply.Matched, err
}

// CreateDocument implements docstore.Store.CreateDocument.
func (s *Store) CreateDocument(ctx context.Context, key string, fields map[string]any) error {
	_, err := s.call(ctx, docserver.Request{Op: docserver.OpCreate, Key: key, Fields: fields})
	return err
}

// Close ends all subscriptions and closes the connection.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	s.wg.Wait()
	s.hub.Close()
	return nil
}

// call sends req on the current connection, dialing if needed.
func (s *Store) call(ctx context.Context, req docserver.Request) (docserver.Message, error) {
	conn, err := s.connection(ctx)
	if err != nil {
		return docserver.Message{}, err
	}
	s.mu.Lock()
	s.nextID++
	req.ID = s.nextID
	s.mu.Unlock()
	return s.send(ctx, conn, req)
}

// send writes req and waits for its reply.
func (s *Store) send(ctx context.Context, conn *websocket.Conn, req docserver.Request) (docserver.Message, error) {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.RequestTimeout)
		defer cancel()
	}

	data, err := json.Marshal(req)
	if err != nil {
		return docserver.Message{}, fmt.Errorf("failed to encode request: %w", err)
	}

	ch := make(chan docserver.Message, 1)
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return docserver.Message{}, fmt.Errorf("%w: connection lost", docstore.ErrUnavailable)
	}
	s.pending[req.ID] = ch
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.pending, req.ID)
		s.mu.Unlock()
	}()

	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		return docserver.Message{}, fmt.Errorf("%w: failed to send %s: %w", docstore.ErrUnavailable, req.Op, err)
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return docserver.Message{}, fmt.Errorf("%w: connection lost during %s", docstore.ErrUnavailable, req.Op)
		}
		if !reply.OK {
			return reply, docserver.Decode(reply.Code, reply.Error)
		}
		return reply, nil
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return docserver.Message{}, fmt.Errorf("%w: %s timed out", docstore.ErrUnavailable, req.Op)
		}
		return docserver.Message{}, ctx.Err()
	}
}

func (s *Store) connection(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return nil, docstore.ErrClosed
	}
	if conn != nil {
		return conn, nil
	}

	s.dialMu.Lock()
	defer s.dialMu.Unlock()
	return s.connectionLocked(ctx)
}

// connectionLocked dials if there is no live connection. dialMu is held.
func (s *Store) connectionLocked(ctx context.Context) (*websocket.Conn, error) {
	s.mu.Lock()
	conn, closed := s.conn, s.closed
	s.mu.Unlock()
	if closed {
		return nil, docstore.ErrClosed
	}
	if conn != nil {
		return conn, nil
	}

	dctx, cancel := context.WithTimeout(ctx, s.config.DialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dctx, s.config.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to connect to %s: %w", docstore.ErrUnavailable, s.config.URL, err)
	}
	conn.SetReadLimit(4 << 20)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "")
		return nil, docstore.ErrClosed
	}
	s.conn = conn
	s.mu.Unlock()

	s.wg.Add(1)
	go s.readLoop(conn)

	s.logger.Printf("Connected to %s", s.config.URL)
	return conn, nil
}

// readLoop routes replies and pushes until the connection fails.
func (s *Store) readLoop(conn *websocket.Conn) {
	defer s.wg.Done()

	var cause error
	for {
		_, data, err := conn.Read(context.Background())
		if err != nil {
			cause = err
			break
		}

		var msg docserver.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			s.logger.Printf("Dropping malformed message: %v", err)
			continue
		}

		switch msg.Type {
		case docserver.MessageTypeReply:
			s.mu.Lock()
			ch := s.pending[msg.ID]
			delete(s.pending, msg.ID)
			s.mu.Unlock()
			if ch != nil {
				ch <- msg
			}

		case docserver.MessageTypeSnapshot:
			if msg.Snapshot == nil {
				continue
			}
			s.mu.Lock()
			if rs := s.bySub[msg.Sub]; rs != nil {
				snap := *msg.Snapshot
				if !rs.have || snap.Revision > rs.last.Revision {
					rs.last, rs.have = snap, true
					s.hub.Publish(snap)
				}
			}
			s.mu.Unlock()

		case docserver.MessageTypeError:
			s.mu.Lock()
			rs := s.bySub[msg.Sub]
			if rs != nil {
				s.dropLocked(rs)
			}
			s.mu.Unlock()
			if rs != nil {
				s.hub.Fail(rs.key, docserver.Decode(msg.Code, msg.Error))
			}
		}
	}

	s.mu.Lock()
	closed := s.closed
	if s.conn == conn {
		s.conn = nil
	}
	for id, ch := range s.pending {
		close(ch)
		delete(s.pending, id)
	}
	subs := s.byKey
	s.byKey = make(map[string]*remoteSub)
	s.bySub = make(map[uint64]*remoteSub)
	s.mu.Unlock()

	if closed {
		return
	}
	s.logger.Printf("Connection lost: %v", cause)
	for key := range subs {
		s.hub.Fail(key, fmt.Errorf("%w: connection lost", docstore.ErrUnavailable))
	}
}

// release drops one local reference to rs and cancels the server-side
// subscription when none remain.
func (s *Store) release(rs *remoteSub) {
	s.mu.Lock()
	if s.bySub[rs.id] != rs {
		s.mu.Unlock()
		return
	}
	rs.refs--
	if rs.refs > 0 {
		s.mu.Unlock()
		return
	}
	s.dropLocked(rs)
	conn, closed := s.conn, s.closed
	s.mu.Unlock()

	if conn == nil || closed {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), s.config.RequestTimeout)
		defer cancel()
		s.mu.Lock()
		s.nextID++
		id := s.nextID
		s.mu.Unlock()
		if _, err := s.send(ctx, conn, docserver.Request{ID: id, Op: docserver.OpUnsubscribe, Sub: rs.id}); err != nil {
			s.logger.Printf("Failed to cancel subscription to %s: %v", rs.key, err)
		}
	}()
}

func (s *Store) dropLocked(rs *remoteSub) {
	if s.byKey[rs.key] == rs {
		delete(s.byKey, rs.key)
	}
	delete(s.bySub, rs.id)
}
