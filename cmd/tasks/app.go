package main

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/steveyegge/tasksync/internal/config"
	"github.com/steveyegge/tasksync/internal/docstore"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/task"
	"github.com/steveyegge/tasksync/internal/tasksync"
)

// loadTimeout bounds the wait for the first snapshot.
const loadTimeout = 15 * time.Second

// app is a signed-in user's live task list.
type app struct {
	store    docstore.Store
	sessions *session.Manager
	core     *tasksync.Core
	user     string
}

func loadSession() (*session.Session, error) {
	s, err := session.Load(cfg.Session.File)
	if errors.Is(err, session.ErrAuthRequired) {
		return nil, fmt.Errorf("not signed in (run 'tasks login <user>'): %w", err)
	}
	return s, err
}

// openApp resumes the saved session, subscribes to the user's document and
// waits for the first snapshot.
func openApp(ctx context.Context) (*app, error) {
	s, err := loadSession()
	if err != nil {
		return nil, err
	}
	sessions := session.NewManager()
	if err := sessions.Resume(s); err != nil {
		return nil, err
	}

	store, err := config.OpenStore(ctx, cfg.Store, logging)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", cfg.Store.Backend, err)
	}

	coreConfig, err := cfg.CoreConfig(logging)
	if err != nil {
		store.Close()
		return nil, err
	}
	core := tasksync.New(store, sessions, coreConfig)

	a := &app{store: store, sessions: sessions, core: core, user: s.UserID}
	if err := core.Activate(ctx); err != nil {
		a.Close()
		return nil, initHint(s.UserID, err)
	}

	wctx, cancel := context.WithTimeout(ctx, loadTimeout)
	defer cancel()
	v, err := core.Await(wctx, func(v tasksync.View) bool { return v.State != tasksync.StateLoading })
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to load tasks: %w", err)
	}
	if v.State == tasksync.StateFailed {
		a.Close()
		return nil, initHint(s.UserID, v.Err)
	}
	return a, nil
}

func initHint(user string, err error) error {
	if errors.Is(err, tasksync.ErrNotFound) {
		return fmt.Errorf("no task list for %s (run 'tasks init'): %w", user, err)
	}
	return err
}

func (a *app) Close() {
	a.core.Deactivate()
	a.store.Close()
}

// resolve finds the cached task whose id is, or uniquely starts with, ref.
func (a *app) resolve(ref string) (task.Task, error) {
	raw, _ := a.core.Raw()
	return resolveTask(raw, ref)
}

func resolveTask(tasks []task.Task, ref string) (task.Task, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return task.Task{}, fmt.Errorf("task id cannot be empty")
	}
	if t, ok := task.Find(tasks, ref); ok {
		return t, nil
	}

	var matches []task.Task
	for _, t := range tasks {
		if strings.HasPrefix(t.ID, ref) {
			matches = append(matches, t)
		}
	}
	switch len(matches) {
	case 0:
		return task.Task{}, fmt.Errorf("no task with id %q", ref)
	case 1:
		return matches[0], nil
	default:
		return task.Task{}, fmt.Errorf("id %q is ambiguous (%d tasks match)", ref, len(matches))
	}
}
