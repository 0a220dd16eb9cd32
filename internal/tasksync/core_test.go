package tasksync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/steveyegge/tasksync/internal/docstore"
	"github.com/steveyegge/tasksync/internal/docstore/memstore"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/task"
)

const testUser = "alice"

var quiet = log.New(io.Discard, "", 0)

// setupStore creates a store holding testUser's document with tasks.
func setupStore(t *testing.T, tasks ...task.Task) *memstore.Store {
	t.Helper()

	store := memstore.New(quiet)
	t.Cleanup(func() { store.Close() })

	fields := map[string]any{task.Field: task.ToElements(tasks)}
	if err := store.CreateDocument(context.Background(), testUser, fields); err != nil {
		t.Fatalf("failed to create document: %v", err)
	}
	return store
}

// setupCore signs testUser in and creates an inactive core over store.
func setupCore(t *testing.T, store docstore.Store, config *Config) (*Core, *session.Manager) {
	t.Helper()

	m := session.NewManager()
	if _, err := m.Login(testUser); err != nil {
		t.Fatalf("failed to log in: %v", err)
	}
	if config == nil {
		config = &Config{}
	}
	config.Logger = quiet

	c := New(store, m, config)
	t.Cleanup(c.Deactivate)
	return c, m
}

// activate starts the subscription and waits for the first snapshot.
func activate(t *testing.T, c *Core) View {
	t.Helper()

	if err := c.Activate(context.Background()); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	return await(t, c, func(v View) bool { return v.State == StateReady })
}

func await(t *testing.T, c *Core, pred func(View) bool) View {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	v, err := c.Await(ctx, pred)
	if err != nil {
		t.Fatalf("Await() failed: %v (last view: %+v)", err, v)
	}
	return v
}

func readTasks(t *testing.T, store docstore.Store) []task.Task {
	t.Helper()

	snap, err := store.Read(context.Background(), testUser)
	if err != nil {
		t.Fatalf("Read() failed: %v", err)
	}
	elements, err := snap.Array(task.Field)
	if err != nil {
		t.Fatalf("Array() failed: %v", err)
	}
	tasks, err := task.FromElements(elements)
	if err != nil {
		t.Fatalf("FromElements() failed: %v", err)
	}
	return tasks
}

func ids(tasks []task.Task) []string {
	out := make([]string, len(tasks))
	for i, t := range tasks {
		out[i] = t.ID
	}
	return out
}

func seqIDs() func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("t%d", n)
	}
}

// gatedStore holds snapshots until release is called, so tests can issue
// commands while the core has not yet seen the effect of earlier writes.
type gatedStore struct {
	*memstore.Store

	mu   sync.Mutex
	held []func()
}

func (g *gatedStore) Subscribe(ctx context.Context, key string, fn docstore.Listener) (docstore.Unsubscribe, error) {
	return g.Store.Subscribe(ctx, key, func(snap docstore.Snapshot, err error) {
		g.mu.Lock()
		g.held = append(g.held, func() { fn(snap, err) })
		g.mu.Unlock()
	})
}

func (g *gatedStore) waitHeld(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		g.mu.Lock()
		got := len(g.held)
		g.mu.Unlock()
		if got >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d held snapshots", n)
}

func (g *gatedStore) release() {
	g.mu.Lock()
	held := g.held
	g.held = nil
	g.mu.Unlock()
	for _, fn := range held {
		fn()
	}
}

// scriptedStore hands every subscription's listener to the test, which
// delivers snapshots and errors by hand. Writes go to the embedded store.
type scriptedStore struct {
	*memstore.Store

	mu        sync.Mutex
	listeners []docstore.Listener
}

func (s *scriptedStore) Subscribe(ctx context.Context, key string, fn docstore.Listener) (docstore.Unsubscribe, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
	return func() {}, nil
}

// send delivers to the listener of the n-th subscription.
func (s *scriptedStore) send(t *testing.T, n int, snap docstore.Snapshot, err error) {
	t.Helper()
	s.mu.Lock()
	if n >= len(s.listeners) {
		s.mu.Unlock()
		t.Fatalf("no subscription %d (have %d)", n, len(s.listeners))
	}
	fn := s.listeners[n]
	s.mu.Unlock()
	fn(snap, err)
}

func snapshotOf(revision int64, tasks ...task.Task) docstore.Snapshot {
	return docstore.Snapshot{
		Key:      testUser,
		Exists:   true,
		Revision: revision,
		Fields:   map[string]any{task.Field: task.ToElements(tasks)},
	}
}

func TestActivate_RequiresSession(t *testing.T) {
	store := setupStore(t)
	c := New(store, session.NewManager(), &Config{Logger: quiet})
	defer c.Deactivate()

	err := c.Activate(context.Background())
	if !errors.Is(err, ErrAuthRequired) {
		t.Fatalf("Activate() = %v, want ErrAuthRequired", err)
	}
	if !IsFatal(err) {
		t.Error("ErrAuthRequired should be fatal")
	}
	if _, err := c.CreateTask(context.Background(), task.Draft{Description: "x"}); !errors.Is(err, ErrAuthRequired) {
		t.Errorf("CreateTask() = %v, want ErrAuthRequired", err)
	}
}

func TestActivate_LoadsSnapshot(t *testing.T) {
	seed := []task.Task{
		{ID: "1", Description: "one"},
		{ID: "2", Description: "two", Completed: true},
	}
	store := setupStore(t, seed...)
	c, _ := setupCore(t, store, nil)

	if v := c.View(); v.State != StateLoading || v.Tasks != nil {
		t.Fatalf("initial view = %+v, want loading with no tasks", v)
	}

	v := activate(t, c)
	if !reflect.DeepEqual(v.Tasks, seed) {
		t.Errorf("view tasks = %+v, want %+v", v.Tasks, seed)
	}
	if store.Subscribers(testUser) != 1 {
		t.Errorf("expected exactly one subscription, got %d", store.Subscribers(testUser))
	}

	if err := c.Activate(context.Background()); !errors.Is(err, ErrAlreadyActive) {
		t.Errorf("second Activate() = %v, want ErrAlreadyActive", err)
	}
	if store.Subscribers(testUser) != 1 {
		t.Errorf("second Activate opened a subscription")
	}
}

func TestActivate_MissingDocument(t *testing.T) {
	store := memstore.New(quiet)
	defer store.Close()
	c, _ := setupCore(t, store, nil)

	if err := c.Activate(context.Background()); err != nil && !errors.Is(err, ErrNotFound) {
		t.Fatalf("Activate() = %v", err)
	}
	v := await(t, c, func(v View) bool { return v.State == StateFailed })
	if !errors.Is(v.Err, ErrNotFound) {
		t.Errorf("view error = %v, want ErrNotFound", v.Err)
	}

	// The failed subscription is released and the core may resubscribe.
	deadline := time.Now().Add(time.Second)
	for store.Subscribers(testUser) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := store.Subscribers(testUser); n != 0 {
		t.Errorf("subscription not released: %d", n)
	}

	if err := store.CreateDocument(context.Background(), testUser, map[string]any{task.Field: []any{}}); err != nil {
		t.Fatal(err)
	}
	v = activate(t, c)
	if len(v.Tasks) != 0 {
		t.Errorf("expected empty list, got %+v", v.Tasks)
	}
}

func TestCreateTask_RoundTrip(t *testing.T) {
	store := setupStore(t)
	c, _ := setupCore(t, store, &Config{NewID: seqIDs()})
	activate(t, c)

	created, err := c.CreateTask(context.Background(), task.Draft{Description: "Buy milk", DueDate: "2026-10-21", Notes: "2%"})
	if err != nil {
		t.Fatalf("CreateTask() failed: %v", err)
	}
	if created.ID != "t1" || created.Completed {
		t.Errorf("created = %+v", created)
	}

	v := await(t, c, func(v View) bool { return len(v.Tasks) == 1 })
	got := v.Tasks[0]
	if got != created {
		t.Errorf("snapshot task = %+v, want %+v", got, created)
	}
	if got.Description != "Buy milk" || got.Completed {
		t.Errorf("unexpected task %+v", got)
	}
}

func TestCreateTask_Invalid(t *testing.T) {
	store := setupStore(t)
	c, _ := setupCore(t, store, nil)

	if _, err := c.CreateTask(context.Background(), task.Draft{}); !errors.Is(err, task.ErrInvalid) {
		t.Errorf("CreateTask(empty) = %v, want task.ErrInvalid", err)
	}
	if tasks := readTasks(t, store); len(tasks) != 0 {
		t.Errorf("invalid draft was written: %+v", tasks)
	}
}

func TestCreateTask_UniqueIDs(t *testing.T) {
	store := setupStore(t)
	c, _ := setupCore(t, store, nil)
	activate(t, c)

	const n = 25
	for i := 0; i < n; i++ {
		if _, err := c.CreateTask(context.Background(), task.Draft{Description: "same text"}); err != nil {
			t.Fatalf("CreateTask() #%d failed: %v", i, err)
		}
	}

	v := await(t, c, func(v View) bool { return len(v.Tasks) == n })
	seen := make(map[string]bool)
	for _, tk := range v.Tasks {
		if seen[tk.ID] {
			t.Fatalf("duplicate id %s", tk.ID)
		}
		seen[tk.ID] = true
	}
}

func TestSetFilter_Idempotent(t *testing.T) {
	seed := []task.Task{
		{ID: "1", Description: "a"},
		{ID: "2", Description: "b", Completed: true},
		{ID: "3", Description: "c"},
	}
	store := setupStore(t, seed...)
	c, _ := setupCore(t, store, nil)
	activate(t, c)

	want := []task.Task{seed[0], seed[2]}
	for i := 0; i < 4; i++ {
		c.SetFilter(task.FilterIncomplete)
		if v := c.View(); !reflect.DeepEqual(v.Tasks, want) {
			t.Fatalf("iteration %d: view = %+v, want %+v", i, v.Tasks, want)
		}
	}

	// Switching back re-derives from the raw snapshot, not the filtered copy.
	c.SetFilter(task.FilterAll)
	if v := c.View(); !reflect.DeepEqual(v.Tasks, seed) {
		t.Errorf("view after FilterAll = %+v, want %+v", v.Tasks, seed)
	}
	if store.Subscribers(testUser) != 1 {
		t.Errorf("SetFilter must not open subscriptions")
	}
}

func TestSetFilter_BeforeLoad(t *testing.T) {
	store := setupStore(t, task.Task{ID: "1", Description: "a", Completed: true})
	c, _ := setupCore(t, store, nil)

	c.SetFilter(task.FilterIncomplete)
	if v := c.View(); v.State != StateLoading || v.Filter != task.FilterIncomplete {
		t.Fatalf("view = %+v", v)
	}

	v := activate(t, c)
	if len(v.Tasks) != 0 {
		t.Errorf("filter chosen before load was not applied: %+v", v.Tasks)
	}
}

func TestSetCompletion_VisibilityUnderFilter(t *testing.T) {
	for _, mode := range []Mode{ModeKeyed, ModeLegacy} {
		t.Run(mode.String(), func(t *testing.T) {
			store := setupStore(t,
				task.Task{ID: "1", Description: "one"},
				task.Task{ID: "2", Description: "two", Completed: true},
			)
			c, _ := setupCore(t, store, &Config{Mode: mode, Filter: task.FilterIncomplete})

			v := activate(t, c)
			if got := ids(v.Tasks); !reflect.DeepEqual(got, []string{"1"}) {
				t.Fatalf("view = %v, want [1]", got)
			}

			if err := c.SetCompletion(context.Background(), "1", true); err != nil {
				t.Fatalf("SetCompletion() failed: %v", err)
			}
			await(t, c, func(v View) bool { return v.State == StateReady && len(v.Tasks) == 0 })

			stored := readTasks(t, store)
			if !stored[0].Completed || !stored[1].Completed {
				t.Errorf("stored = %+v", stored)
			}
		})
	}
}

func TestSetCompletion_NotLoaded(t *testing.T) {
	store := setupStore(t, task.Task{ID: "1", Description: "one"})
	c, _ := setupCore(t, store, nil)

	if err := c.SetCompletion(context.Background(), "1", true); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("SetCompletion() before load = %v, want ErrNotLoaded", err)
	}
}

func TestSetCompletion_UnknownID(t *testing.T) {
	store := setupStore(t, task.Task{ID: "1", Description: "one"})
	c, _ := setupCore(t, store, nil)
	activate(t, c)

	if err := c.SetCompletion(context.Background(), "nope", true); !errors.Is(err, ErrStaleMutation) {
		t.Errorf("SetCompletion(unknown) = %v, want ErrStaleMutation", err)
	}
}

func TestSetCompletion_RemovedRemotely(t *testing.T) {
	base := memstore.New(quiet)
	defer base.Close()
	gs := &gatedStore{Store: base}
	if err := base.CreateDocument(context.Background(), testUser, map[string]any{
		task.Field: task.ToElements([]task.Task{{ID: "1", Description: "one"}}),
	}); err != nil {
		t.Fatal(err)
	}

	c, _ := setupCore(t, gs, nil)
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	gs.waitHeld(t, 1)
	gs.release()
	await(t, c, func(v View) bool { return v.State == StateReady })

	// Another client removes the task; this core has not seen it yet.
	if _, err := base.RemoveByKey(context.Background(), testUser, task.Field, task.IDField, "1"); err != nil {
		t.Fatal(err)
	}

	if err := c.SetCompletion(context.Background(), "1", true); !errors.Is(err, ErrStaleMutation) {
		t.Errorf("SetCompletion() = %v, want ErrStaleMutation", err)
	}
}

func TestWriteFailure_LeavesCacheUnchanged(t *testing.T) {
	for _, mode := range []Mode{ModeKeyed, ModeLegacy} {
		t.Run(mode.String(), func(t *testing.T) {
			seed := []task.Task{{ID: "1", Description: "one"}}
			store := setupStore(t, seed...)
			c, _ := setupCore(t, store, &Config{Mode: mode})
			activate(t, c)

			store.FailNext(fmt.Errorf("%w: connection reset", docstore.ErrUnavailable))
			err := c.SetCompletion(context.Background(), "1", true)
			if !errors.Is(err, ErrStoreUnavailable) {
				t.Fatalf("SetCompletion() = %v, want ErrStoreUnavailable", err)
			}
			if !IsRetryable(err) {
				t.Error("unavailable store errors should be retryable")
			}

			raw, _ := c.Raw()
			if !reflect.DeepEqual(raw, seed) {
				t.Errorf("cache changed on failure: %+v", raw)
			}
			if v := c.View(); !reflect.DeepEqual(v.Tasks, seed) {
				t.Errorf("view changed on failure: %+v", v.Tasks)
			}

			// Retrying the same command succeeds.
			if err := c.SetCompletion(context.Background(), "1", true); err != nil {
				t.Fatalf("retry failed: %v", err)
			}
		})
	}
}

func TestEditTask_ResetsCompletion(t *testing.T) {
	for _, mode := range []Mode{ModeKeyed, ModeLegacy} {
		t.Run(mode.String(), func(t *testing.T) {
			store := setupStore(t, task.Task{ID: "1", Description: "old", DueDate: "2026-01-01", Notes: "x", Completed: true})
			c, _ := setupCore(t, store, &Config{Mode: mode})
			activate(t, c)

			fields := task.Fields{Description: "new", DueDate: "2026-02-02", Notes: "y"}
			if err := c.EditTask(context.Background(), "1", fields); err != nil {
				t.Fatalf("EditTask() failed: %v", err)
			}

			want := task.Task{ID: "1", Description: "new", DueDate: "2026-02-02", Notes: "y", Completed: false}
			stored := readTasks(t, store)
			if len(stored) != 1 || stored[0] != want {
				t.Errorf("stored = %+v, want %+v", stored, want)
			}
			await(t, c, func(v View) bool { return len(v.Tasks) == 1 && v.Tasks[0] == want })
		})
	}
}

func TestEditTask_PreserveCompletion(t *testing.T) {
	for _, mode := range []Mode{ModeKeyed, ModeLegacy} {
		t.Run(mode.String(), func(t *testing.T) {
			store := setupStore(t, task.Task{ID: "1", Description: "old", Completed: true})
			c, _ := setupCore(t, store, &Config{Mode: mode, PreserveCompletionOnEdit: true})
			activate(t, c)

			if err := c.EditTask(context.Background(), "1", task.Fields{Description: "new"}); err != nil {
				t.Fatalf("EditTask() failed: %v", err)
			}

			stored := readTasks(t, store)
			if !stored[0].Completed || stored[0].Description != "new" {
				t.Errorf("stored = %+v", stored[0])
			}
		})
	}
}

func TestEditTask_Invalid(t *testing.T) {
	store := setupStore(t, task.Task{ID: "1", Description: "old"})
	c, _ := setupCore(t, store, nil)
	activate(t, c)

	if err := c.EditTask(context.Background(), "1", task.Fields{Description: ""}); !errors.Is(err, task.ErrInvalid) {
		t.Errorf("EditTask(empty) = %v, want task.ErrInvalid", err)
	}
	if stored := readTasks(t, store); stored[0].Description != "old" {
		t.Errorf("invalid edit was written: %+v", stored)
	}
}

func TestDeleteTask_Keyed(t *testing.T) {
	orig := task.Task{ID: "1", Description: "one"}
	store := setupStore(t, orig, task.Task{ID: "2", Description: "two"})
	c, _ := setupCore(t, store, &Config{Mode: ModeKeyed})
	activate(t, c)

	if err := c.SetCompletion(context.Background(), "1", true); err != nil {
		t.Fatal(err)
	}

	// The pre-toggle value still deletes by id.
	if err := c.DeleteTask(context.Background(), orig); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if got := ids(readTasks(t, store)); !reflect.DeepEqual(got, []string{"2"}) {
		t.Errorf("stored ids = %v, want [2]", got)
	}
	await(t, c, func(v View) bool { return reflect.DeepEqual(ids(v.Tasks), []string{"2"}) })

	if err := c.DeleteTask(context.Background(), orig); !errors.Is(err, ErrStaleMutation) {
		t.Errorf("second DeleteTask() = %v, want ErrStaleMutation", err)
	}
}

func TestDeleteTask_LegacyStaleValueIsNoOp(t *testing.T) {
	orig := task.Task{ID: "1", Description: "one"}

	base := memstore.New(quiet)
	defer base.Close()
	gs := &gatedStore{Store: base}
	if err := base.CreateDocument(context.Background(), testUser, map[string]any{
		task.Field: task.ToElements([]task.Task{orig}),
	}); err != nil {
		t.Fatal(err)
	}

	c, _ := setupCore(t, gs, &Config{Mode: ModeLegacy})
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	gs.waitHeld(t, 1)
	gs.release()
	await(t, c, func(v View) bool { return v.State == StateReady })

	// Toggle; its snapshot is held back so the core has no fresh snapshot.
	if err := c.SetCompletion(context.Background(), "1", true); err != nil {
		t.Fatal(err)
	}

	err := c.DeleteTask(context.Background(), orig)
	if !errors.Is(err, ErrStaleMutation) {
		t.Fatalf("DeleteTask(stale value) = %v, want ErrStaleMutation", err)
	}

	stored := readTasks(t, base)
	want := task.Task{ID: "1", Description: "one", Completed: true}
	if len(stored) != 1 || stored[0] != want {
		t.Errorf("stored array changed: %+v", stored)
	}
}

func TestDeleteTask_LegacyCurrentValue(t *testing.T) {
	orig := task.Task{ID: "1", Description: "one"}
	store := setupStore(t, orig)
	c, _ := setupCore(t, store, &Config{Mode: ModeLegacy})
	activate(t, c)

	if err := c.DeleteTask(context.Background(), orig); err != nil {
		t.Fatalf("DeleteTask() failed: %v", err)
	}
	if stored := readTasks(t, store); len(stored) != 0 {
		t.Errorf("stored = %+v, want empty", stored)
	}
}

func TestLegacy_SequentialTogglesKeepBothWrites(t *testing.T) {
	base := memstore.New(quiet)
	defer base.Close()
	gs := &gatedStore{Store: base}
	if err := base.CreateDocument(context.Background(), testUser, map[string]any{
		task.Field: task.ToElements([]task.Task{{ID: "1", Description: "one"}, {ID: "2", Description: "two"}}),
	}); err != nil {
		t.Fatal(err)
	}

	c, _ := setupCore(t, gs, &Config{Mode: ModeLegacy})
	if err := c.Activate(context.Background()); err != nil {
		t.Fatal(err)
	}
	gs.waitHeld(t, 1)
	gs.release()
	await(t, c, func(v View) bool { return v.State == StateReady })

	// Neither write's snapshot is delivered before the next command; the
	// confirmed copy is adopted so the second write builds on the first.
	if err := c.SetCompletion(context.Background(), "1", true); err != nil {
		t.Fatal(err)
	}
	if err := c.SetCompletion(context.Background(), "2", true); err != nil {
		t.Fatal(err)
	}

	stored := readTasks(t, base)
	if !stored[0].Completed || !stored[1].Completed {
		t.Errorf("a write was lost: %+v", stored)
	}
}

func TestKeyed_ConcurrentTogglesDoNotConflict(t *testing.T) {
	const n = 10
	seed := make([]task.Task, n)
	for i := range seed {
		seed[i] = task.Task{ID: fmt.Sprintf("%d", i), Description: "t"}
	}
	store := setupStore(t, seed...)
	c, _ := setupCore(t, store, &Config{Mode: ModeKeyed})
	activate(t, c)

	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := c.SetCompletion(context.Background(), id, true); err != nil {
				errs <- err
			}
		}(seed[i].ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("SetCompletion() failed: %v", err)
	}

	for _, tk := range readTasks(t, store) {
		if !tk.Completed {
			t.Errorf("task %s lost its update", tk.ID)
		}
	}
}

func TestHandle_IgnoresStaleRevision(t *testing.T) {
	store := setupStore(t, task.Task{ID: "1", Description: "one"})
	c, _ := setupCore(t, store, nil)
	activate(t, c)

	if _, err := c.CreateTask(context.Background(), task.Draft{Description: "two"}); err != nil {
		t.Fatal(err)
	}
	v := await(t, c, func(v View) bool { return len(v.Tasks) == 2 })

	c.mu.Lock()
	id := c.subID
	c.mu.Unlock()

	c.handle(id, docstore.Snapshot{
		Key:      testUser,
		Exists:   true,
		Revision: v.Revision - 1,
		Fields:   map[string]any{task.Field: []any{}},
	}, nil)

	if got := c.View(); len(got.Tasks) != 2 || got.Revision != v.Revision {
		t.Errorf("stale snapshot was applied: %+v", got)
	}
}

func TestSubscriptionError_FailsView(t *testing.T) {
	store := setupStore(t, task.Task{ID: "1", Description: "one"})
	c, _ := setupCore(t, store, nil)
	activate(t, c)

	store.Close()

	v := await(t, c, func(v View) bool { return v.State == StateFailed })
	if !errors.Is(v.Err, docstore.ErrClosed) {
		t.Errorf("view error = %v, want ErrClosed", v.Err)
	}
	if len(v.Tasks) != 1 {
		t.Errorf("failed view should keep last known-good tasks, got %+v", v.Tasks)
	}
}

// TestReactivate_AcceptsLowerRevision covers a backend whose revisions
// restart after the subscription drops.
func TestReactivate_AcceptsLowerRevision(t *testing.T) {
	store := &scriptedStore{Store: memstore.New(quiet)}
	t.Cleanup(func() { store.Close() })
	c, _ := setupCore(t, store, nil)
	ctx := context.Background()

	if err := c.Activate(ctx); err != nil {
		t.Fatalf("Activate() failed: %v", err)
	}
	store.send(t, 0, snapshotOf(7, task.Task{ID: "a", Description: "old"}), nil)
	await(t, c, func(v View) bool { return v.State == StateReady && v.Revision == 7 })

	store.send(t, 0, docstore.Snapshot{}, errors.New("connection reset"))
	await(t, c, func(v View) bool { return v.State == StateFailed })

	if err := c.SetCompletion(ctx, "a", true); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("SetCompletion() after failure = %v, want ErrNotLoaded", err)
	}

	if err := c.Activate(ctx); err != nil {
		t.Fatalf("second Activate() failed: %v", err)
	}
	if v := c.View(); v.State != StateLoading || len(v.Tasks) != 1 {
		t.Errorf("resubscribing view = %+v, want loading with last known-good tasks", v)
	}
	if err := c.EditTask(ctx, "a", task.Fields{Description: "edited"}); !errors.Is(err, ErrNotLoaded) {
		t.Errorf("EditTask() before new snapshot = %v, want ErrNotLoaded", err)
	}

	// The dropped subscription can no longer deliver.
	store.send(t, 0, snapshotOf(9, task.Task{ID: "z", Description: "ghost"}), nil)
	if v := c.View(); v.State != StateLoading {
		t.Errorf("old subscription was applied: %+v", v)
	}

	store.send(t, 1, snapshotOf(1), nil)
	v := await(t, c, func(v View) bool { return v.State == StateReady })
	if v.Revision != 1 || len(v.Tasks) != 0 {
		t.Errorf("view = %+v, want r1 with no tasks", v)
	}

	// Ordering still holds within the new subscription.
	store.send(t, 1, snapshotOf(3, task.Task{ID: "b", Description: "new"}), nil)
	store.send(t, 1, snapshotOf(2), nil)
	if v := c.View(); v.Revision != 3 || len(v.Tasks) != 1 || v.Tasks[0].ID != "b" {
		t.Errorf("view = %+v, want r3 with task b", v)
	}
}

func TestReactivate_RegistersLogoutHookOnce(t *testing.T) {
	store := &scriptedStore{Store: memstore.New(quiet)}
	t.Cleanup(func() { store.Close() })
	c, m := setupCore(t, store, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := c.Activate(ctx); err != nil {
			t.Fatalf("Activate() #%d failed: %v", i, err)
		}
		store.send(t, i, docstore.Snapshot{}, errors.New("connection reset"))
		await(t, c, func(v View) bool { return v.State == StateFailed })
	}
	if n := m.Hooks(); n != 1 {
		t.Errorf("logout hooks = %d, want 1", n)
	}

	m.Logout()
	if _, err := c.Await(ctx, func(View) bool { return false }); !errors.Is(err, ErrInactive) {
		t.Errorf("Await() after logout = %v, want ErrInactive", err)
	}
}

// TestAdopt_KeepsSnapshotRevision checks that a confirmed local copy shows
// the write without claiming a revision the core has not seen.
func TestAdopt_KeepsSnapshotRevision(t *testing.T) {
	base := setupStore(t, task.Task{ID: "1", Description: "one"})
	gs := &gatedStore{Store: base}
	c, _ := setupCore(t, gs, nil)
	ctx := context.Background()

	if err := c.Activate(ctx); err != nil {
		t.Fatal(err)
	}
	gs.waitHeld(t, 1)
	gs.release()
	before := await(t, c, func(v View) bool { return v.State == StateReady })

	if err := c.SetCompletion(ctx, "1", true); err != nil {
		t.Fatalf("SetCompletion() failed: %v", err)
	}
	v := c.View()
	if !v.Tasks[0].Completed {
		t.Errorf("adopted copy missing the write: %+v", v.Tasks)
	}
	if v.Revision != before.Revision {
		t.Errorf("Revision = %d, want %d until the write's snapshot arrives", v.Revision, before.Revision)
	}

	gs.waitHeld(t, 1)
	gs.release()
	after := await(t, c, func(v View) bool { return v.Revision > before.Revision })
	if !after.Tasks[0].Completed {
		t.Errorf("snapshot lost the write: %+v", after.Tasks)
	}
}

func TestDeactivate_StopsUpdates(t *testing.T) {
	store := setupStore(t, task.Task{ID: "1", Description: "one"})
	c, _ := setupCore(t, store, nil)
	before := activate(t, c)

	c.Deactivate()
	c.Deactivate()

	if n := store.Subscribers(testUser); n != 0 {
		t.Errorf("subscription still live after Deactivate: %d", n)
	}

	if err := store.ArrayUnion(context.Background(), testUser, task.Field, task.Task{ID: "2", Description: "two"}.ToElement()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(50 * time.Millisecond)

	if after := c.View(); !reflect.DeepEqual(after, before) {
		t.Errorf("view changed after Deactivate: %+v", after)
	}

	// Updates drains to closed.
	for range c.Updates() {
	}

	if err := c.Activate(context.Background()); !errors.Is(err, ErrInactive) {
		t.Errorf("Activate() after Deactivate = %v, want ErrInactive", err)
	}
	if _, err := c.CreateTask(context.Background(), task.Draft{Description: "x"}); !errors.Is(err, ErrInactive) {
		t.Errorf("CreateTask() after Deactivate = %v, want ErrInactive", err)
	}
}

func TestLogout_Deactivates(t *testing.T) {
	store := setupStore(t)
	c, m := setupCore(t, store, nil)
	activate(t, c)

	m.Logout()

	if n := store.Subscribers(testUser); n != 0 {
		t.Errorf("logout left %d subscription(s)", n)
	}
	if _, err := c.Await(context.Background(), func(View) bool { return false }); !errors.Is(err, ErrInactive) {
		t.Errorf("Await() after logout = %v, want ErrInactive", err)
	}
}

func TestUpdates_NewestWins(t *testing.T) {
	store := setupStore(t, task.Task{ID: "1", Description: "one", Completed: true})
	c, _ := setupCore(t, store, nil)
	activate(t, c)

	c.SetFilter(task.FilterIncomplete)
	c.SetFilter(task.FilterAll)
	c.SetFilter(task.FilterIncomplete)

	v := <-c.Updates()
	if v.Filter != task.FilterIncomplete || len(v.Tasks) != 0 {
		t.Errorf("Updates() delivered %+v, want the newest view", v)
	}
	select {
	case extra := <-c.Updates():
		t.Errorf("unexpected queued view %+v", extra)
	default:
	}
}

func TestParseMode(t *testing.T) {
	tests := []struct {
		in      string
		want    Mode
		wantErr bool
	}{
		{"", ModeKeyed, false},
		{"keyed", ModeKeyed, false},
		{"Legacy", ModeLegacy, false},
		{"overwrite", ModeLegacy, false},
		{"merge", ModeKeyed, true},
	}
	for _, tt := range tests {
		got, err := ParseMode(tt.in)
		if (err != nil) != tt.wantErr || (!tt.wantErr && got != tt.want) {
			t.Errorf("ParseMode(%q) = %v, %v", tt.in, got, err)
		}
	}
}
