package scanner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/maxvaer/fofasweep/internal/record"
)

// Deduplicator decides whether a record is new. Accept must check and insert
// the host in one atomic step.
type Deduplicator interface {
	Accept(ctx context.Context, rec record.Record) (bool, error)
}

// Sink durably stores accepted records.
type Sink interface {
	Append(rec record.Record) error
}

// Reporter receives human-readable per-query error messages.
type Reporter interface {
	Report(message string)
}

// RunStats aggregates the counters of one run.
type RunStats struct {
	Queries          int // queries handed to Run
	Submitted        int // tasks a worker picked up
	Completed        int // succeeded or empty
	Failed           int
	Empty            int
	Skipped          int // never submitted (stopped early)
	RecordsFetched   int
	RecordsAccepted  int
	RecordsInvalid   int
	RecordsDuplicate int
	TimedOut         bool
	Elapsed          time.Duration
}

// QueryReport is passed to Dispatcher.OnResult once per terminal task.
type QueryReport struct {
	Result    TaskResult
	Accepted  int
	Invalid   int
	Duplicate int
}

// Dispatcher runs a list of queries through the worker pool and folds the
// results into the seen set and the sink.
type Dispatcher struct {
	Client   Querier
	Limiter  *Limiter
	Retry    *RetryPolicy
	Dedup    Deduplicator
	Sink     Sink
	Reporter Reporter // nil = discard
	Workers  int
	Pauser   *Pauser
	Timeout  time.Duration // whole-run limit, 0 disables

	// OnAccept is called for every record appended to the sink.
	OnAccept func(rec record.Record, query string)
	// OnResult is called once per terminal task, after its records are stored.
	OnResult func(rep QueryReport, stats RunStats)
	// Checkpoint, if set, is called every CheckpointEvery while running and
	// once at the end.
	Checkpoint      func()
	CheckpointEvery time.Duration
	// Observe and OnRetry are forwarded to the worker pool.
	Observe func(t Task, s TaskState)
	OnRetry func(t Task, o Outcome, attempt int, wait time.Duration)
}

// Run executes every query and returns the aggregated statistics once all
// submitted tasks are terminal. The error is non-nil only for fatal
// conditions, in which case the returned stats cover the work done so far.
func (d *Dispatcher) Run(ctx context.Context, queries []string) (RunStats, error) {
	start := time.Now()
	stats := RunStats{Queries: len(queries)}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if d.Timeout > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(runCtx, d.Timeout)
		defer cancelTimeout()
	}

	tasks := make([]Task, len(queries))
	for i, q := range queries {
		tasks[i] = Task{Index: i, Query: q}
	}

	retry := d.Retry
	if retry == nil {
		retry = &RetryPolicy{}
	}
	results := RunWorkerPool(runCtx, d.Client, tasks, WorkerConfig{
		Workers: d.Workers,
		Limiter: d.Limiter,
		Retry:   retry,
		Pauser:  d.Pauser,
		Observe: d.Observe,
		OnRetry: d.OnRetry,
	})

	done := make(chan struct{})
	var g errgroup.Group

	g.Go(func() error {
		defer close(done)
		// Store operations must not be interrupted halfway by a stop signal.
		storeCtx := context.WithoutCancel(ctx)
		var fatal error
		for res := range results {
			if fatal != nil {
				continue
			}
			if err := d.collect(storeCtx, res, &stats); err != nil {
				fatal = err
				cancel()
			}
		}
		return fatal
	})

	if d.Checkpoint != nil && d.CheckpointEvery > 0 {
		g.Go(func() error {
			ticker := time.NewTicker(d.CheckpointEvery)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					d.Checkpoint()
				case <-done:
					return nil
				}
			}
		})
	}

	err := g.Wait()
	if d.Checkpoint != nil {
		d.Checkpoint()
	}

	stats.Skipped = stats.Queries - stats.Submitted
	stats.TimedOut = errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	stats.Elapsed = time.Since(start)
	return stats, err
}

// collect folds one task result into stats and the stores. Only the
// collector goroutine calls it, so stats need no lock.
func (d *Dispatcher) collect(ctx context.Context, res TaskResult, stats *RunStats) error {
	stats.Submitted++
	rep := QueryReport{Result: res}

	switch res.State {
	case StateFailed:
		stats.Failed++
		d.report(res.Err.Error())
	case StateEmptyResult:
		stats.Completed++
		stats.Empty++
	case StateSucceeded:
		stats.Completed++
		for _, raw := range res.Rows {
			stats.RecordsFetched++
			rec, err := record.FromRaw(raw)
			if err != nil {
				stats.RecordsInvalid++
				rep.Invalid++
				continue
			}
			fresh, err := d.Dedup.Accept(ctx, rec)
			if err != nil {
				return &PersistenceError{Op: "dedup " + rec.Host, Err: err}
			}
			if !fresh {
				stats.RecordsDuplicate++
				rep.Duplicate++
				continue
			}
			if err := d.Sink.Append(rec); err != nil {
				return &PersistenceError{Op: "append " + rec.Host, Err: err}
			}
			stats.RecordsAccepted++
			rep.Accepted++
			if d.OnAccept != nil {
				d.OnAccept(rec, res.Task.Query)
			}
		}
	default:
		return fmt.Errorf("task %d reported non-terminal state %s", res.Task.Index, res.State)
	}

	if d.OnResult != nil {
		d.OnResult(rep, *stats)
	}
	return nil
}

func (d *Dispatcher) report(msg string) {
	if d.Reporter != nil {
		d.Reporter.Report(msg)
	}
}
