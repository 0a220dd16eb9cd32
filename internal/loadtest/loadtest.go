// Package loadtest drives many synchronized clients against one task
// document.
//
// Each simulated client is a tasksync.Core with its own session, all signed
// in as the same user. Every client repeatedly toggles the completion of its
// own task. Afterwards the stored document is checked: a task whose final
// completed flag differs from its client's last write is a lost update.
// Keyed mode is expected to lose nothing; legacy whole-array writes lose
// updates under contention.
package loadtest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"slices"
	"sync"
	"time"

	"github.com/steveyegge/tasksync/internal/docstore"
	"github.com/steveyegge/tasksync/internal/session"
	"github.com/steveyegge/tasksync/internal/task"
	"github.com/steveyegge/tasksync/internal/tasksync"
)

// Config controls a run.
type Config struct {
	// Clients is the number of concurrent cores.
	Clients int

	// OpsPerClient is how many completion toggles each client performs.
	OpsPerClient int

	// Mode is the write mode every client uses.
	Mode tasksync.Mode

	// LoadTimeout bounds the wait for each client's first snapshot.
	LoadTimeout time.Duration

	// Logger for run progress (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns a small keyed run.
func DefaultConfig() *Config {
	return &Config{
		Clients:      10,
		OpsPerClient: 20,
		Mode:         tasksync.ModeKeyed,
		LoadTimeout:  10 * time.Second,
		Logger:       log.New(os.Stderr, "[loadtest] ", log.LstdFlags),
	}
}

// LatencyStats summarizes command latencies.
type LatencyStats struct {
	Min      time.Duration `json:"min"`
	Max      time.Duration `json:"max"`
	Mean     time.Duration `json:"mean"`
	P50      time.Duration `json:"p50"`
	P95      time.Duration `json:"p95"`
	P99      time.Duration `json:"p99"`
	TotalOps int           `json:"total_ops"`
}

// Result is the outcome of one run.
type Result struct {
	Mode         string        `json:"mode"`
	Clients      int           `json:"clients"`
	OpsPerClient int           `json:"ops_per_client"`
	Elapsed      time.Duration `json:"elapsed"`
	Latency      LatencyStats  `json:"latency"`

	// Errors counts failed commands other than stale mutations.
	Errors int `json:"errors"`

	// Stale counts commands rejected with ErrStaleMutation.
	Stale int `json:"stale"`

	// LostUpdates counts tasks whose stored state is not their client's
	// last successful write.
	LostUpdates int `json:"lost_updates"`
}

// TaskID names the task owned by client i.
func TaskID(i int) string {
	return fmt.Sprintf("load-%04d", i)
}

// Seed writes one incomplete task per client to key, creating the document
// if needed.
func Seed(ctx context.Context, store docstore.Store, key string, clients int) error {
	tasks := make([]task.Task, clients)
	for i := range tasks {
		tasks[i] = task.Task{ID: TaskID(i), Description: fmt.Sprintf("Load task %d", i)}
	}

	err := store.CreateDocument(ctx, key, map[string]any{task.Field: []any{}})
	if err != nil && !errors.Is(err, docstore.ErrAlreadyExists) {
		return fmt.Errorf("failed to create document: %w", err)
	}
	if err := store.Overwrite(ctx, key, task.Field, task.ToElements(tasks)); err != nil {
		return fmt.Errorf("failed to seed tasks: %w", err)
	}
	return nil
}

type clientResult struct {
	durations []time.Duration
	errors    int
	stale     int
	// last is the last completed value the store accepted, if any.
	last    bool
	hasLast bool
}

// Run seeds key, runs the clients concurrently and checks the final
// document.
func Run(ctx context.Context, store docstore.Store, key string, config *Config) (*Result, error) {
	def := DefaultConfig()
	if config == nil {
		config = def
	}
	if config.Clients <= 0 || config.OpsPerClient <= 0 {
		return nil, fmt.Errorf("clients and ops per client must be positive")
	}
	if config.LoadTimeout <= 0 {
		config.LoadTimeout = def.LoadTimeout
	}
	logger := config.Logger
	if logger == nil {
		logger = def.Logger
	}

	if err := Seed(ctx, store, key, config.Clients); err != nil {
		return nil, err
	}

	quiet := log.New(io.Discard, "", 0)
	cores := make([]*tasksync.Core, 0, config.Clients)
	defer func() {
		for _, c := range cores {
			c.Deactivate()
		}
	}()

	for i := 0; i < config.Clients; i++ {
		sessions := session.NewManager()
		if _, err := sessions.Login(key); err != nil {
			return nil, err
		}
		core := tasksync.New(store, sessions, &tasksync.Config{Mode: config.Mode, Logger: quiet})
		cores = append(cores, core)
		if err := core.Activate(ctx); err != nil {
			return nil, fmt.Errorf("client %d failed to activate: %w", i, err)
		}
	}
	for i, core := range cores {
		wctx, cancel := context.WithTimeout(ctx, config.LoadTimeout)
		v, err := core.Await(wctx, func(v tasksync.View) bool { return v.State != tasksync.StateLoading })
		cancel()
		if err != nil {
			return nil, fmt.Errorf("client %d did not load: %w", i, err)
		}
		if v.State == tasksync.StateFailed {
			return nil, fmt.Errorf("client %d failed to load: %w", i, v.Err)
		}
	}
	logger.Printf("Running %d clients x %d ops (%s mode)", config.Clients, config.OpsPerClient, config.Mode)

	results := make([]clientResult, config.Clients)
	start := time.Now()

	var wg sync.WaitGroup
	for i, core := range cores {
		wg.Add(1)
		go func(i int, core *tasksync.Core) {
			defer wg.Done()

			r := &results[i]
			r.durations = make([]time.Duration, 0, config.OpsPerClient)
			id := TaskID(i)

			for j := 0; j < config.OpsPerClient; j++ {
				if ctx.Err() != nil {
					return
				}
				completed := j%2 == 0

				opStart := time.Now()
				err := core.SetCompletion(ctx, id, completed)
				r.durations = append(r.durations, time.Since(opStart))

				switch {
				case err == nil:
					r.last, r.hasLast = completed, true
				case errors.Is(err, tasksync.ErrStaleMutation):
					r.stale++
				default:
					r.errors++
				}
			}
		}(i, core)
	}
	wg.Wait()
	elapsed := time.Since(start)

	snap, err := store.Read(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to read final document: %w", err)
	}
	elements, err := snap.Array(task.Field)
	if err != nil {
		return nil, err
	}
	final, err := task.FromElements(elements)
	if err != nil {
		return nil, err
	}

	res := &Result{
		Mode:         config.Mode.String(),
		Clients:      config.Clients,
		OpsPerClient: config.OpsPerClient,
		Elapsed:      elapsed,
	}
	var all []time.Duration
	for i, r := range results {
		all = append(all, r.durations...)
		res.Errors += r.errors
		res.Stale += r.stale

		got, ok := task.Find(final, TaskID(i))
		switch {
		case !ok:
			res.LostUpdates++
		case r.hasLast && got.Completed != r.last:
			res.LostUpdates++
		}
	}
	res.Latency = computeLatencyStats(all)

	logger.Printf("Finished in %v: %d lost update(s), %d error(s)", elapsed.Round(time.Millisecond), res.LostUpdates, res.Errors)
	return res, nil
}

// computeLatencyStats calculates statistics from a slice of durations.
func computeLatencyStats(durations []time.Duration) LatencyStats {
	if len(durations) == 0 {
		return LatencyStats{}
	}

	sorted := slices.Clone(durations)
	slices.Sort(sorted)

	var sum time.Duration
	for _, d := range sorted {
		sum += d
	}

	pct := func(p int) time.Duration {
		return sorted[len(sorted)*p/100]
	}
	return LatencyStats{
		Min:      sorted[0],
		Max:      sorted[len(sorted)-1],
		Mean:     sum / time.Duration(len(sorted)),
		P50:      pct(50),
		P95:      pct(95),
		P99:      pct(99),
		TotalOps: len(sorted),
	}
}

// Print writes a human-readable summary.
func (r *Result) Print(w io.Writer) {
	fmt.Fprintf(w, "Mode: %s (%d clients x %d ops, %v)\n", r.Mode, r.Clients, r.OpsPerClient, r.Elapsed.Round(time.Millisecond))
	fmt.Fprintf(w, "  Total Ops:     %d\n", r.Latency.TotalOps)
	fmt.Fprintf(w, "  Errors:        %d\n", r.Errors)
	fmt.Fprintf(w, "  Stale:         %d\n", r.Stale)
	fmt.Fprintf(w, "  Lost Updates:  %d\n", r.LostUpdates)
	fmt.Fprintf(w, "  Min:           %v\n", r.Latency.Min)
	fmt.Fprintf(w, "  P50 (Median):  %v\n", r.Latency.P50)
	fmt.Fprintf(w, "  Mean:          %v\n", r.Latency.Mean)
	fmt.Fprintf(w, "  P95:           %v\n", r.Latency.P95)
	fmt.Fprintf(w, "  P99:           %v\n", r.Latency.P99)
	fmt.Fprintf(w, "  Max:           %v\n", r.Latency.Max)
}
