// Package docserver serves a docstore.Store to remote clients.
//
// Clients speak a small JSON protocol over a WebSocket at /ws: each Request
// is answered by a reply Message with the same ID, and every subscription
// receives snapshot Messages until it is cancelled or ends with an error
// Message. A read-only HTTP endpoint, GET /documents/{key}, and /health are
// served alongside.
package docserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/gorilla/mux"

	"github.com/steveyegge/tasksync/internal/docstore"
)

// Config holds server configuration.
type Config struct {
	// Port to listen on (default: 8080, 0 picks a free port)
	Port int

	// RequestTimeout bounds each store call.
	RequestTimeout time.Duration

	// WriteTimeout bounds each message written to a client.
	WriteTimeout time.Duration

	// Logger for server activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Port:           8080,
		RequestTimeout: 10 * time.Second,
		WriteTimeout:   5 * time.Second,
		Logger:         log.New(os.Stderr, "[docserver] ", log.LstdFlags),
	}
}

// Server manages WebSocket clients of one store.
type Server struct {
	store    docstore.Store
	config   *Config
	addr     string
	listener net.Listener
	server   *http.Server

	clients   map[*client]bool
	clientsMu sync.RWMutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// client is one WebSocket connection and its live subscriptions.
type client struct {
	conn *websocket.Conn

	mu   sync.Mutex
	subs map[uint64]docstore.Unsubscribe
}

// NewServer creates a server for store. The store is not closed by Stop.
func NewServer(store docstore.Store, config *Config) *Server {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = def.RequestTimeout
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = def.WriteTimeout
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		store:   store,
		config:  config,
		addr:    fmt.Sprintf(":%d", config.Port),
		clients: make(map[*client]bool),
		ctx:     ctx,
		cancel:  cancel,
		logger:  config.Logger,
	}
}

// Handler returns the server's routes.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/ws", s.handleWebSocket)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/documents/{key}", s.handleDocument).Methods(http.MethodGet)
	return r
}

// Start begins serving in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Document server listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop closes every client, ending their subscriptions, and shuts down the
// HTTP server.
func (s *Server) Stop() error {
	s.logger.Println("Stopping document server")

	s.cancel()

	s.clientsMu.Lock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.Unlock()
	for _, c := range clients {
		s.removeClient(c, websocket.StatusGoingAway, "server shutting down")
	}

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
	}

	s.wg.Wait()
	s.logger.Println("Document server stopped")
	return nil
}

// GetAddr returns the server's listening address.
func (s *Server) GetAddr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the current number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// SubscriptionCount returns the number of live subscriptions across clients.
func (s *Server) SubscriptionCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	n := 0
	for c := range s.clients {
		c.mu.Lock()
		n += len(c.subs)
		c.mu.Unlock()
	}
	return n
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}
	conn.SetReadLimit(4 << 20)

	c := &client{conn: conn, subs: make(map[uint64]docstore.Unsubscribe)}

	s.clientsMu.Lock()
	s.clients[c] = true
	count := len(s.clients)
	s.clientsMu.Unlock()
	s.logger.Printf("Client connected (total: %d)", count)

	s.readLoop(c)
}

// readLoop handles the client's requests in order until it disconnects.
func (s *Server) readLoop(c *client) {
	defer s.removeClient(c, websocket.StatusNormalClosure, "")

	for {
		_, data, err := c.conn.Read(s.ctx)
		if err != nil {
			return
		}

		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			s.reply(c, Message{Type: MessageTypeReply, Error: err.Error(), Code: CodeBadRequest})
			continue
		}
		s.reply(c, s.handle(c, req))
	}
}

func (s *Server) handle(c *client, req Request) Message {
	if err := req.validate(); err != nil {
		return errorReply(req.ID, err)
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.RequestTimeout)
	defer cancel()

	reply := Message{Type: MessageTypeReply, ID: req.ID, OK: true}
	var err error

	switch req.Op {
	case OpSubscribe:
		var snap docstore.Snapshot
		snap, err = s.subscribe(ctx, c, req)
		reply.Snapshot = &snap

	case OpUnsubscribe:
		c.mu.Lock()
		unsub := c.subs[req.Sub]
		delete(c.subs, req.Sub)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}

	case OpRead:
		var snap docstore.Snapshot
		snap, err = s.store.Read(ctx, req.Key)
		reply.Snapshot = &snap

	case OpArrayUnion:
		err = s.store.ArrayUnion(ctx, req.Key, req.Field, req.Element)

	case OpArrayRemove:
		reply.Removed, err = s.store.ArrayRemove(ctx, req.Key, req.Field, req.Element)

	case OpOverwrite:
		err = s.store.Overwrite(ctx, req.Key, req.Field, req.Elements)

	case OpRemoveByKey:
		reply.Removed, err = s.store.RemoveByKey(ctx, req.Key, req.Field, req.IDField, req.ElementID)

	case OpUpdateByKey:
		reply.Matched, err = s.store.UpdateByKey(ctx, req.Key, req.Field, req.IDField, req.ElementID, req.Changes)

	case OpCreate:
		err = s.store.CreateDocument(ctx, req.Key, req.Fields)
	}

	if err != nil {
		return errorReply(req.ID, err)
	}
	return reply
}

// subscribe opens a store subscription forwarding to c, then reads the
// current document for the reply. A missing document is reported as a
// snapshot with Exists unset.
func (s *Server) subscribe(ctx context.Context, c *client, req Request) (docstore.Snapshot, error) {
	c.mu.Lock()
	_, dup := c.subs[req.ID]
	c.mu.Unlock()
	if dup {
		return docstore.Snapshot{}, fmt.Errorf("%w: subscription %d already exists", ErrBadRequest, req.ID)
	}

	sub := req.ID
	unsub, err := s.store.Subscribe(ctx, req.Key, func(snap docstore.Snapshot, err error) {
		s.push(c, sub, snap, err)
	})
	if err != nil {
		return docstore.Snapshot{}, err
	}
	c.mu.Lock()
	c.subs[sub] = unsub
	c.mu.Unlock()

	snap, err := s.store.Read(ctx, req.Key)
	if errors.Is(err, docstore.ErrNotFound) {
		return docstore.Snapshot{Key: req.Key}, nil
	}
	if err != nil {
		c.mu.Lock()
		delete(c.subs, sub)
		c.mu.Unlock()
		unsub()
		return docstore.Snapshot{}, err
	}
	return snap, nil
}

// push forwards one subscription callback to the client.
func (s *Server) push(c *client, sub uint64, snap docstore.Snapshot, err error) {
	c.mu.Lock()
	_, live := c.subs[sub]
	if err != nil {
		delete(c.subs, sub)
	}
	c.mu.Unlock()
	if !live {
		return
	}

	msg := Message{Type: MessageTypeSnapshot, Sub: sub, Snapshot: &snap}
	if err != nil {
		msg = Message{Type: MessageTypeError, Sub: sub, Error: err.Error(), Code: Code(err)}
	}
	s.reply(c, msg)
}

func (s *Server) reply(c *client, msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Printf("Failed to marshal message: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, s.config.WriteTimeout)
	defer cancel()
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		s.logger.Printf("Failed to send to client: %v", err)
		go s.removeClient(c, websocket.StatusInternalError, "write failed")
	}
}

// removeClient ends the client's subscriptions and closes its connection.
func (s *Server) removeClient(c *client, code websocket.StatusCode, reason string) {
	s.clientsMu.Lock()
	if _, exists := s.clients[c]; !exists {
		s.clientsMu.Unlock()
		return
	}
	delete(s.clients, c)
	count := len(s.clients)
	s.clientsMu.Unlock()

	c.mu.Lock()
	subs := c.subs
	c.subs = make(map[uint64]docstore.Unsubscribe)
	c.mu.Unlock()
	for _, unsub := range subs {
		unsub()
	}

	_ = c.conn.Close(code, reason)
	s.logger.Printf("Client disconnected (total: %d, released %d subscription(s))", count, len(subs))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":        "ok",
		"clients":       s.ClientCount(),
		"subscriptions": s.SubscriptionCount(),
	})
}

func (s *Server) handleDocument(w http.ResponseWriter, r *http.Request) {
	key := mux.Vars(r)["key"]

	ctx, cancel := context.WithTimeout(r.Context(), s.config.RequestTimeout)
	defer cancel()

	snap, err := s.store.Read(ctx, key)
	if err != nil {
		status := http.StatusInternalServerError
		switch Code(err) {
		case CodeNotFound:
			status = http.StatusNotFound
		case CodeUnavailable, CodeClosed:
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error(), "code": Code(err)})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(snap)
}

func errorReply(id uint64, err error) Message {
	return Message{Type: MessageTypeReply, ID: id, Error: err.Error(), Code: Code(err)}
}
