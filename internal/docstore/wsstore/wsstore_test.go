package wsstore_test

import (
	"context"
	"errors"
	"io"
	"log"
	"testing"
	"time"

	"github.com/steveyegge/tasksync/internal/docserver"
	"github.com/steveyegge/tasksync/internal/docstore"
	"github.com/steveyegge/tasksync/internal/docstore/memstore"
	"github.com/steveyegge/tasksync/internal/docstore/wsstore"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/task"
	"github.com/steveyegge/tasksync/internal/tasksync"
)

var quiet = log.New(io.Discard, "", 0)

func setupServer(t *testing.T) (*docserver.Server, *memstore.Store) {
	t.Helper()

	backing := memstore.New(quiet)
	t.Cleanup(func() { backing.Close() })

	server := docserver.NewServer(backing, &docserver.Config{Port: 0, Logger: quiet})
	if err := server.Start(); err != nil {
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() { server.Stop() })
	return server, backing
}

func dial(t *testing.T, server *docserver.Server) *wsstore.Store {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	s, err := wsstore.Dial(ctx, &wsstore.Config{URL: "ws://" + server.GetAddr() + "/ws", Logger: quiet})
	if err != nil {
		t.Fatalf("Dial() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestDial_Errors(t *testing.T) {
	if _, err := wsstore.Dial(context.Background(), &wsstore.Config{}); err == nil {
		t.Error("expected error for empty url")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := wsstore.Dial(ctx, &wsstore.Config{URL: "ws://127.0.0.1:1/ws", Logger: quiet})
	if !errors.Is(err, docstore.ErrUnavailable) {
		t.Errorf("Dial(unreachable) = %v, want ErrUnavailable", err)
	}
}

func TestStore_Operations(t *testing.T) {
	server, _ := setupServer(t)
	s := dial(t, server)
	ctx := context.Background()

	if _, err := s.Read(ctx, "alice"); !errors.Is(err, docstore.ErrNotFound) {
		t.Fatalf("Read(missing) = %v, want ErrNotFound", err)
	}
	if err := s.CreateDocument(ctx, "alice", map[string]any{"tasks": []any{}}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateDocument(ctx, "alice", nil); !errors.Is(err, docstore.ErrAlreadyExists) {
		t.Errorf("second CreateDocument() = %v", err)
	}

	el := docstore.Element{"id": "1", "completed": false}
	if err := s.ArrayUnion(ctx, "alice", "tasks", el); err != nil {
		t.Fatal(err)
	}
	if n, err := s.UpdateByKey(ctx, "alice", "tasks", "id", "1", map[string]any{"completed": true}); err != nil || n != 1 {
		t.Fatalf("UpdateByKey() = %d, %v", n, err)
	}
	if n, err := s.UpdateByKey(ctx, "alice", "tasks", "id", "missing", map[string]any{"completed": true}); err != nil || n != 0 {
		t.Errorf("UpdateByKey(missing) = %d, %v", n, err)
	}
	if n, err := s.ArrayRemove(ctx, "alice", "tasks", el); err != nil || n != 0 {
		t.Errorf("ArrayRemove(stale) = %d, %v", n, err)
	}
	if err := s.Overwrite(ctx, "alice", "tasks", nil); err != nil {
		t.Fatal(err)
	}

	snap, err := s.Read(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if arr, _ := snap.Array("tasks"); len(arr) != 0 {
		t.Errorf("array = %v", arr)
	}
}

func TestStore_SubscriptionFanOut(t *testing.T) {
	server, backing := setupServer(t)
	s := dial(t, server)
	ctx := context.Background()
	backing.CreateDocument(ctx, "alice", map[string]any{"tasks": []any{}})

	a := make(chan int64, 10)
	b := make(chan int64, 10)
	unsubA, err := s.Subscribe(ctx, "alice", func(snap docstore.Snapshot, err error) {
		if err == nil {
			a <- snap.Revision
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	unsubB, err := s.Subscribe(ctx, "alice", func(snap docstore.Snapshot, err error) {
		if err == nil {
			b <- snap.Revision
		}
	})
	if err != nil {
		t.Fatal(err)
	}

	if server.SubscriptionCount() != 1 {
		t.Errorf("expected one server-side subscription, got %d", server.SubscriptionCount())
	}

	backing.ArrayUnion(ctx, "alice", "tasks", docstore.Element{"id": "1"})
	waitRevision(t, a, 2)
	waitRevision(t, b, 2)

	unsubA()
	unsubB()
	deadline := time.Now().Add(2 * time.Second)
	for server.SubscriptionCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if n := server.SubscriptionCount(); n != 0 {
		t.Errorf("server subscriptions after unsubscribe = %d", n)
	}
}

func TestStore_ConnectionLossEndsSubscriptions(t *testing.T) {
	server, backing := setupServer(t)
	s := dial(t, server)
	ctx := context.Background()
	backing.CreateDocument(ctx, "alice", nil)

	ended := make(chan error, 1)
	if _, err := s.Subscribe(ctx, "alice", func(_ docstore.Snapshot, err error) {
		if err != nil {
			ended <- err
		}
	}); err != nil {
		t.Fatal(err)
	}

	server.Stop()

	select {
	case err := <-ended:
		if !errors.Is(err, docstore.ErrUnavailable) {
			t.Errorf("subscription ended with %v, want ErrUnavailable", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("subscription did not end")
	}

	if err := s.ArrayUnion(ctx, "alice", "tasks", docstore.Element{"id": "1"}); !docstore.IsRetryable(err) {
		t.Errorf("write after connection loss = %v, want retryable", err)
	}
}

// Two clients of one server see each other's writes through the core.
func TestCoreOverWebSocket(t *testing.T) {
	server, backing := setupServer(t)
	ctx := context.Background()
	backing.CreateDocument(ctx, "alice", map[string]any{task.Field: []any{}})

	newCore := func() *tasksync.Core {
		m := session.NewManager()
		if _, err := m.Login("alice"); err != nil {
			t.Fatal(err)
		}
		c := tasksync.New(dial(t, server), m, &tasksync.Config{Logger: quiet})
		t.Cleanup(c.Deactivate)
		if err := c.Activate(ctx); err != nil {
			t.Fatalf("Activate() failed: %v", err)
		}
		return c
	}
	first, second := newCore(), newCore()

	created, err := first.CreateTask(ctx, task.Draft{Description: "shared"})
	if err != nil {
		t.Fatal(err)
	}

	wctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if _, err := second.Await(wctx, func(v tasksync.View) bool {
		_, ok := task.Find(v.Tasks, created.ID)
		return ok
	}); err != nil {
		t.Fatalf("second client never saw the task: %v", err)
	}

	if err := second.SetCompletion(ctx, created.ID, true); err != nil {
		t.Fatal(err)
	}
	if _, err := first.Await(wctx, func(v tasksync.View) bool {
		got, ok := task.Find(v.Tasks, created.ID)
		return ok && got.Completed
	}); err != nil {
		t.Fatalf("first client never saw the completion: %v", err)
	}
}

func waitRevision(t *testing.T, revs <-chan int64, want int64) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case rev := <-revs:
			if rev >= want {
				return
			}
		case <-deadline:
			t.Fatalf("timed out waiting for revision %d", want)
		}
	}
}
