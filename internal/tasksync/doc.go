// Package tasksync keeps one user's task list synchronized with their
// document in a docstore.Store.
//
// Overview
//
// The store holds a single document per user, keyed by the user id, with a
// "tasks" field containing an array of task objects. The core subscribes to
// that document, keeps the latest array as its cache, and derives a filtered
// view from it. User commands are translated into atomic array operations on
// the store; their effects come back through the subscription like any other
// client's writes.
//
//	session.Manager ──Login──▶ Core.Activate ──Subscribe──▶ docstore.Store
//	                                                          │
//	           View ◀── filter ◀── raw cache ◀── Snapshot ◀───┘
//	                                   │
//	   CreateTask/SetCompletion/EditTask/DeleteTask ──▶ ArrayUnion/UpdateByKey/...
//
// Usage
//
//	sessions := session.NewManager()
//	if _, err := sessions.Login("alice"); err != nil {
//	    return err
//	}
//
//	core := tasksync.New(store, sessions, nil)
//	if err := core.Activate(ctx); err != nil {
//	    return err
//	}
//	defer core.Deactivate()
//
//	for v := range core.Updates() {
//	    render(v)
//	}
//
// Write Modes
//
// ModeKeyed (the default) treats the array as records keyed by task id.
// Toggles and edits send only the changed keys of one task, and deletes match
// by id, so concurrent writes to different tasks never overwrite each other.
//
// ModeLegacy rewrites the whole array on every toggle or edit and deletes by
// exact value. Two clients editing different tasks at once are
// last-writer-wins. Deleting a task whose stored value changed since the
// client read it removes nothing and returns ErrStaleMutation.
//
// In both modes a command copies the cache, changes the copy, and adopts the
// copy only after the store accepted it. A failed write leaves the cache as
// it was.
//
// Concurrency
//
// Snapshot callbacks and commands are serialized through one mutex and the
// lock is never held across a store call. Writes are not serialized against
// each other: two rapid toggles of the same task may race at the store.
// Snapshots older than the last applied revision are ignored.
//
// Lifecycle
//
// Deactivate ends the subscription and closes Updates; no view is published
// afterwards. Logging out of the session deactivates the core.
package tasksync
