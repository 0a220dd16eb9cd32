package tasksync

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"

	"github.com/steveyegge/tasksync/internal/docstore"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/task"
)

// Mode selects how updates and deletes reach the store.
type Mode int

const (
	// ModeKeyed treats the array as a set of records keyed by task id:
	// partial per-task updates and id-based deletes.
	ModeKeyed Mode = iota

	// ModeLegacy rewrites the whole array on toggle/edit and deletes by
	// value equality. Concurrent writes to different tasks are
	// last-writer-wins.
	ModeLegacy
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeKeyed:
		return "keyed"
	case ModeLegacy:
		return "legacy"
	default:
		return "unknown"
	}
}

// ParseMode parses "keyed" or "legacy".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "keyed":
		return ModeKeyed, nil
	case "legacy", "overwrite":
		return ModeLegacy, nil
	default:
		return ModeKeyed, fmt.Errorf("unknown sync mode %q (want keyed or legacy)", s)
	}
}

// Config holds configuration for the core.
type Config struct {
	// Field is the document field holding the task array.
	Field string

	// Mode selects keyed or legacy writes.
	Mode Mode

	// PreserveCompletionOnEdit keeps the completed flag across EditTask.
	// By default an edit resets it to false.
	PreserveCompletionOnEdit bool

	// Filter is the initial filter mode.
	Filter task.FilterMode

	// NewID mints task ids (default: task.NewID)
	NewID func() string

	// Logger for sync activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Field:  task.Field,
		Mode:   ModeKeyed,
		Filter: task.FilterAll,
		NewID:  task.NewID,
		Logger: log.New(os.Stderr, "[tasksync] ", log.LstdFlags),
	}
}

// Core keeps a user's task list in sync with their document.
//
// Store callbacks and user commands are serialized through one mutex, so
// each is applied as a discrete step. The lock is never held across a store
// call.
type Core struct {
	store    docstore.Store
	sessions *session.Manager
	config   *Config
	logger   *log.Logger

	mu       sync.Mutex
	raw      []task.Task // last snapshot's array; nil until loaded
	loaded   bool
	current  bool   // raw came from the live subscription
	revision int64  // of the live subscription's last snapshot
	gen      uint64 // bumped whenever raw is replaced
	filter   task.FilterMode
	view     View
	active   bool
	closed   bool
	hooked   bool
	subID    uint64
	unsub    docstore.Unsubscribe
	updates  chan View
	changed  chan struct{}
}

// New creates a core for the session held by sessions.
//
// The core does nothing until Activate. If config is nil, DefaultConfig is
// used; zero fields of a provided config take their defaults.
func New(store docstore.Store, sessions *session.Manager, config *Config) *Core {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Field == "" {
		config.Field = def.Field
	}
	if config.NewID == nil {
		config.NewID = def.NewID
	}
	if config.Logger == nil {
		config.Logger = def.Logger
	}

	return &Core{
		store:    store,
		sessions: sessions,
		config:   config,
		logger:   config.Logger,
		filter:   config.Filter,
		view:     View{State: StateLoading, Filter: config.Filter},
		updates:  make(chan View, 1),
		changed:  make(chan struct{}),
	}
}

// Activate opens the live subscription to the signed-in user's document.
//
// Exactly one subscription is live at a time. After a subscription error
// Activate may be called again; after Deactivate it returns ErrInactive.
// Logging out of the session deactivates the core.
func (c *Core) Activate(ctx context.Context) error {
	key, err := c.documentKey()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrInactive
	}
	if c.active {
		c.mu.Unlock()
		return ErrAlreadyActive
	}
	c.active = true
	c.subID++
	id := c.subID
	// Revisions are only ordered within one subscription, and commands wait
	// for its first snapshot.
	c.current = false
	c.revision = 0
	c.gen++
	hook := !c.hooked
	c.hooked = true
	c.view = View{State: StateLoading, Filter: c.filter, Tasks: nil}
	if c.loaded {
		// Keep showing the last known-good list while resubscribing.
		c.view.Tasks = c.filter.Apply(c.raw)
	}
	c.publishLocked()
	c.mu.Unlock()

	if hook {
		c.sessions.OnLogout(c.Deactivate)
	}

	unsub, err := c.store.Subscribe(ctx, key, func(snap docstore.Snapshot, err error) {
		c.handle(id, snap, err)
	})

	c.mu.Lock()
	if err != nil {
		if c.subID == id {
			c.failLocked(fmt.Errorf("failed to subscribe to %s: %w", key, err))
		}
		c.mu.Unlock()
		return fmt.Errorf("failed to subscribe to %s: %w", key, err)
	}
	if c.closed || !c.active || c.subID != id {
		closed, failure := c.closed, c.view.Err
		c.mu.Unlock()
		unsub()
		if closed {
			return ErrInactive
		}
		return failure
	}
	c.unsub = unsub
	c.mu.Unlock()

	c.logger.Printf("Subscribed to %s", key)
	return nil
}

// Deactivate ends the subscription and stops publishing. Updates is closed.
// It is idempotent.
func (c *Core) Deactivate() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.active = false
	unsub := c.unsub
	c.unsub = nil
	close(c.updates)
	close(c.changed)
	c.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	c.logger.Printf("Deactivated")
}

// View returns the current view.
func (c *Core) View() View {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.view.clone()
}

// Updates returns a channel carrying each new view. It holds only the
// newest undelivered view and is closed by Deactivate.
func (c *Core) Updates() <-chan View {
	return c.updates
}

// Await blocks until pred accepts the current view, ctx ends, or the core
// is deactivated.
func (c *Core) Await(ctx context.Context, pred func(View) bool) (View, error) {
	for {
		c.mu.Lock()
		v := c.view.clone()
		changed := c.changed
		closed := c.closed
		c.mu.Unlock()

		if pred(v) {
			return v, nil
		}
		if closed {
			return v, ErrInactive
		}

		select {
		case <-ctx.Done():
			return v, ctx.Err()
		case <-changed:
		}
	}
}

// Filter returns the active filter mode.
func (c *Core) Filter() task.FilterMode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.filter
}

// SetFilter changes the filter and re-derives the view from the last raw
// snapshot. No new subscription is opened.
func (c *Core) SetFilter(mode task.FilterMode) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.filter = mode
	c.view.Filter = mode
	if c.loaded {
		c.view.Tasks = mode.Apply(c.raw)
	}
	c.publishLocked()
}

// Raw returns a copy of the cached, unfiltered task list and whether a
// snapshot has been received.
func (c *Core) Raw() ([]task.Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return task.Clone(c.raw), c.loaded
}

// CreateTask appends a new task with a freshly minted id. The cached list
// is not touched; the task appears with the next snapshot.
func (c *Core) CreateTask(ctx context.Context, draft task.Draft) (task.Task, error) {
	key, err := c.commandKey()
	if err != nil {
		return task.Task{}, err
	}
	if err := draft.Validate(); err != nil {
		return task.Task{}, err
	}

	t := task.FromDraft(c.config.NewID(), draft)
	if err := c.store.ArrayUnion(ctx, key, c.config.Field, t.ToElement()); err != nil {
		return task.Task{}, fmt.Errorf("failed to create task: %w", err)
	}

	c.logger.Printf("Created task %s (%s)", t.ID, t.Description)
	return t, nil
}

// SetCompletion sets the completed flag of the task with id.
func (c *Core) SetCompletion(ctx context.Context, id string, completed bool) error {
	return c.update(ctx, "set completion of", id, func(t task.Task) (task.Task, map[string]any) {
		t.Completed = completed
		return t, map[string]any{"completed": completed}
	})
}

// EditTask replaces description, due date and notes of the task with id.
// Completion is reset to false unless PreserveCompletionOnEdit is set.
func (c *Core) EditTask(ctx context.Context, id string, fields task.Fields) error {
	if err := fields.Validate(); err != nil {
		return err
	}

	keep := c.config.PreserveCompletionOnEdit
	return c.update(ctx, "edit", id, func(t task.Task) (task.Task, map[string]any) {
		if keep {
			return t.Apply(fields, true), fields.Changes(nil)
		}
		reset := false
		return t.Apply(fields, false), fields.Changes(&reset)
	})
}

// DeleteTask removes t.
//
// In keyed mode the task is matched by id and ErrStaleMutation is returned
// if no task with that id remains. In legacy mode it is matched by value;
// a value that no longer equals the stored element removes nothing and
// returns ErrStaleMutation, leaving the stored array unchanged.
func (c *Core) DeleteTask(ctx context.Context, t task.Task) error {
	key, err := c.commandKey()
	if err != nil {
		return err
	}

	c.mu.Lock()
	base, gen, current := task.Clone(c.raw), c.gen, c.current
	c.mu.Unlock()

	var removed int
	switch c.config.Mode {
	case ModeLegacy:
		removed, err = c.store.ArrayRemove(ctx, key, c.config.Field, t.ToElement())
		if err != nil {
			return fmt.Errorf("failed to delete task %s: %w", t.ID, err)
		}
		if removed == 0 {
			c.logger.Printf("Delete of %s matched nothing: value is stale", t.ID)
			return fmt.Errorf("%w: task %s no longer matches the stored value", ErrStaleMutation, t.ID)
		}
		kept := base[:0]
		for _, cur := range base {
			if cur != t {
				kept = append(kept, cur)
			}
		}
		base = kept

	default:
		if current && task.IndexOf(base, t.ID) < 0 {
			return fmt.Errorf("%w: task %s is not in the list", ErrStaleMutation, t.ID)
		}
		removed, err = c.store.RemoveByKey(ctx, key, c.config.Field, task.IDField, t.ID)
		if err != nil {
			return fmt.Errorf("failed to delete task %s: %w", t.ID, err)
		}
		if removed == 0 {
			return fmt.Errorf("%w: task %s was already removed", ErrStaleMutation, t.ID)
		}
		if i := task.IndexOf(base, t.ID); i >= 0 {
			base = append(base[:i], base[i+1:]...)
		}
	}

	if current {
		c.adopt(gen, base)
	}
	c.logger.Printf("Deleted task %s", t.ID)
	return nil
}

// update runs the clone-then-write discipline shared by SetCompletion and
// EditTask: copy the cached list, change the copy, write it, and adopt the
// copy only once the store has accepted it.
func (c *Core) update(ctx context.Context, op, id string, change func(task.Task) (task.Task, map[string]any)) error {
	key, err := c.commandKey()
	if err != nil {
		return err
	}

	c.mu.Lock()
	if !c.current {
		c.mu.Unlock()
		return ErrNotLoaded
	}
	base, gen := task.Clone(c.raw), c.gen
	c.mu.Unlock()

	i := task.IndexOf(base, id)
	if i < 0 {
		return fmt.Errorf("%w: task %s is not in the list", ErrStaleMutation, id)
	}
	updated, changes := change(base[i])
	base[i] = updated

	switch c.config.Mode {
	case ModeLegacy:
		if err := c.store.Overwrite(ctx, key, c.config.Field, task.ToElements(base)); err != nil {
			return fmt.Errorf("failed to %s task %s: %w", op, id, err)
		}
	default:
		n, err := c.store.UpdateByKey(ctx, key, c.config.Field, task.IDField, id, changes)
		if err != nil {
			return fmt.Errorf("failed to %s task %s: %w", op, id, err)
		}
		if n == 0 {
			return fmt.Errorf("%w: task %s was removed", ErrStaleMutation, id)
		}
	}

	c.adopt(gen, base)
	c.logger.Printf("Updated task %s (%s)", id, op)
	return nil
}

// adopt installs a confirmed local copy as the cache, unless a snapshot or
// another command replaced the cache since the copy was taken. The next
// snapshot replaces it either way.
//
// The store does not report the revision a write committed at, so the copy
// keeps the revision of the snapshot it was cloned from. Until the write's
// own snapshot arrives the view may show the copy, then an intermediate
// snapshot from another writer that lacks this write, then the write.
// View.Revision only ever names a snapshot.
func (c *Core) adopt(gen uint64, tasks []task.Task) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.gen != gen {
		return
	}
	c.raw = tasks
	c.gen++
	if c.view.State == StateReady {
		c.view.Tasks = c.filter.Apply(c.raw)
		c.publishLocked()
	}
}

// handle applies one subscription callback.
func (c *Core) handle(id uint64, snap docstore.Snapshot, err error) {
	c.mu.Lock()

	if c.closed || !c.active || id != c.subID {
		c.mu.Unlock()
		return
	}

	if err != nil {
		unsub := c.failLocked(fmt.Errorf("subscription ended: %w", err))
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return
	}

	if !snap.Exists {
		unsub := c.failLocked(fmt.Errorf("%w: %s", ErrNotFound, snap.Key))
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return
	}

	if c.current && snap.Revision < c.revision {
		c.mu.Unlock()
		c.logger.Printf("Ignoring stale snapshot r%d (have r%d)", snap.Revision, c.revision)
		return
	}

	tasks, err := decode(snap, c.config.Field)
	if err != nil {
		unsub := c.failLocked(err)
		c.mu.Unlock()
		if unsub != nil {
			unsub()
		}
		return
	}

	c.raw = tasks
	c.loaded = true
	c.current = true
	c.revision = snap.Revision
	c.gen++
	c.view = View{
		State:    StateReady,
		Filter:   c.filter,
		Revision: snap.Revision,
		Tasks:    c.filter.Apply(tasks),
	}
	c.publishLocked()
	c.mu.Unlock()

	if dups := task.DuplicateIDs(tasks); len(dups) > 0 {
		c.logger.Printf("WARNING: duplicate task ids in r%d: %s", snap.Revision, strings.Join(dups, ", "))
	}
}

// failLocked ends the live subscription with err and returns its
// unsubscribe func for the caller to run after releasing the lock.
func (c *Core) failLocked(err error) docstore.Unsubscribe {
	c.active = false
	c.current = false
	c.gen++
	unsub := c.unsub
	c.unsub = nil

	c.view.State = StateFailed
	c.view.Err = err
	c.publishLocked()

	c.logger.Printf("Subscription failed: %v", err)
	return unsub
}

// publishLocked replaces any undelivered view with the current one and
// wakes Await callers.
func (c *Core) publishLocked() {
	if c.closed {
		return
	}
	v := c.view.clone()
	select {
	case <-c.updates:
	default:
	}
	c.updates <- v

	close(c.changed)
	c.changed = make(chan struct{})
}

func (c *Core) documentKey() (string, error) {
	s, err := c.sessions.Current()
	if err != nil {
		return "", err
	}
	return s.DocumentKey()
}

func (c *Core) commandKey() (string, error) {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return "", ErrInactive
	}
	return c.documentKey()
}

func decode(snap docstore.Snapshot, field string) ([]task.Task, error) {
	elements, err := snap.Array(field)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s from %s: %w", field, snap.Key, err)
	}
	tasks, err := task.FromElements(elements)
	if err != nil {
		return nil, fmt.Errorf("failed to decode %s from %s: %w", field, snap.Key, err)
	}
	return tasks, nil
}
