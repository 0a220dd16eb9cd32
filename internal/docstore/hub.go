package docstore

import (
	"log"
	"os"
	"sync"
)

// Hub fans committed snapshots out to subscribers.
//
// Each subscriber owns a goroutine and a one-slot mailbox. A newer snapshot
// replaces an undelivered older one, so a slow listener sees fewer
// snapshots but never an older one after a newer one. Backends call Publish
// while holding their write lock so mailbox order is commit order.
type Hub struct {
	mu     sync.Mutex
	subs   map[string]map[uint64]*subscriber
	nextID uint64
	closed bool
	logger *log.Logger
}

type subscriber struct {
	id  uint64
	key string
	fn  Listener

	mu      sync.Mutex
	pending *Snapshot
	err     error
	last    int64

	signal chan struct{}
	done   chan struct{}
	once   sync.Once
}

// NewHub creates an empty hub. If logger is nil, a default logger writing to
// stderr is used.
func NewHub(logger *log.Logger) *Hub {
	if logger == nil {
		logger = log.New(os.Stderr, "[docstore] ", log.LstdFlags)
	}
	return &Hub{
		subs:   make(map[string]map[uint64]*subscriber),
		logger: logger,
	}
}

// Add registers fn for key and queues initial as its first delivery.
func (h *Hub) Add(key string, fn Listener, initial Snapshot) (Unsubscribe, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	s := &subscriber{
		id:     h.nextID,
		key:    key,
		fn:     fn,
		last:   -1,
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	if h.subs[key] == nil {
		h.subs[key] = make(map[uint64]*subscriber)
	}
	h.subs[key][s.id] = s

	go s.run()
	s.offer(initial)

	return func() { h.remove(s) }, nil
}

// Publish delivers snap to every subscriber of snap.Key.
func (h *Hub) Publish(snap Snapshot) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for _, s := range h.subs[snap.Key] {
		s.offer(snap)
	}
}

// Fail ends every subscription on key with err.
func (h *Hub) Fail(key string, err error) {
	h.mu.Lock()
	subs := h.subs[key]
	delete(h.subs, key)
	h.mu.Unlock()

	for _, s := range subs {
		s.fail(err)
	}
	if len(subs) > 0 {
		h.logger.Printf("Ended %d subscription(s) on %s: %v", len(subs), key, err)
	}
}

// Keys returns the keys that currently have subscribers.
func (h *Hub) Keys() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	keys := make([]string, 0, len(h.subs))
	for k := range h.subs {
		keys = append(keys, k)
	}
	return keys
}

// Count returns the number of subscribers on key.
func (h *Hub) Count(key string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[key])
}

// Close ends all subscriptions with ErrClosed. Later Add calls fail.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	all := h.subs
	h.subs = make(map[string]map[uint64]*subscriber)
	h.mu.Unlock()

	for _, subs := range all {
		for _, s := range subs {
			s.fail(ErrClosed)
		}
	}
}

func (h *Hub) remove(s *subscriber) {
	h.mu.Lock()
	if subs, ok := h.subs[s.key]; ok {
		delete(subs, s.id)
		if len(subs) == 0 {
			delete(h.subs, s.key)
		}
	}
	h.mu.Unlock()

	s.stop()
}

func (s *subscriber) offer(snap Snapshot) {
	fields, err := Normalize(snap.Fields)
	if err != nil {
		s.fail(err)
		return
	}
	snap.Fields = fields

	s.mu.Lock()
	if snap.Revision < s.last || (s.pending != nil && snap.Revision < s.pending.Revision) {
		s.mu.Unlock()
		return
	}
	s.pending = &snap
	s.mu.Unlock()

	s.notify()
}

func (s *subscriber) fail(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()

	s.notify()
}

func (s *subscriber) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

func (s *subscriber) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case <-s.signal:
		}

		s.mu.Lock()
		snap, err := s.pending, s.err
		s.pending = nil
		if snap != nil {
			s.last = snap.Revision
		}
		s.mu.Unlock()

		select {
		case <-s.done:
			return
		default:
		}

		if snap != nil {
			s.fn(*snap, nil)
		}
		if err != nil {
			s.stop()
			s.fn(Snapshot{}, err)
			return
		}
	}
}
