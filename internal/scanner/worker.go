package scanner

import (
	"context"
	"sync"
	"time"
)

// Querier issues one search attempt. *Client implements it.
type Querier interface {
	Query(ctx context.Context, query string) Outcome
}

// WorkerConfig holds options for the worker pool.
type WorkerConfig struct {
	Workers int
	Limiter *Limiter
	Retry   *RetryPolicy
	Pauser  *Pauser // nil = no pause support

	// Observe, if set, is called on every state transition of every task.
	// It runs on worker goroutines and must be safe for concurrent use.
	Observe func(t Task, s TaskState)
	// OnRetry, if set, is called before every retry wait of every task.
	OnRetry func(t Task, o Outcome, attempt int, wait time.Duration)
}

// RunWorkerPool fans tasks out across a fixed number of workers and returns
// a channel of terminal results in completion order. The channel is closed
// once every picked-up task has reported. After ctx is done no new task is
// started; tasks never picked up produce no result.
func RunWorkerPool(ctx context.Context, q Querier, tasks []Task, cfg WorkerConfig) <-chan TaskResult {
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	tasksCh := make(chan Task)
	resultsCh := make(chan TaskResult, workers)

	var wg sync.WaitGroup

	// Producer: feed tasks into channel.
	go func() {
		defer close(tasksCh)
		for _, t := range tasks {
			cfg.observe(t, StatePending)
			select {
			case tasksCh <- t:
			case <-ctx.Done():
				return
			}
		}
	}()

	// Workers: consume tasks, produce results.
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for t := range tasksCh {
				if cfg.Pauser != nil {
					if err := cfg.Pauser.WaitContext(ctx); err != nil {
						return
					}
				}
				if ctx.Err() != nil {
					return
				}
				resultsCh <- runTask(ctx, q, t, cfg)
			}
		}()
	}

	// Closer: when all workers finish, close the results channel.
	go func() {
		wg.Wait()
		close(resultsCh)
	}()

	return resultsCh
}

func runTask(ctx context.Context, q Querier, t Task, cfg WorkerConfig) TaskResult {
	start := time.Now()

	policy := *cfg.Retry
	policy.OnRetry = func(o Outcome, attempt int, wait time.Duration) {
		cfg.observe(t, StateRetryWait)
		if cfg.Retry.OnRetry != nil {
			cfg.Retry.OnRetry(o, attempt, wait)
		}
		if cfg.OnRetry != nil {
			cfg.OnRetry(t, o, attempt, wait)
		}
	}

	rep, err := policy.Do(ctx, func(ctx context.Context) (Outcome, error) {
		cfg.observe(t, StateRateLimitWait)
		if cfg.Limiter != nil {
			if err := cfg.Limiter.Wait(ctx); err != nil {
				return Outcome{}, err
			}
		}
		cfg.observe(t, StateRequesting)
		// An attempt that has started runs to completion even when the
		// run is stopping, so its records can still be persisted.
		o := q.Query(context.WithoutCancel(ctx), t.Query)
		if cfg.Limiter != nil {
			cfg.Limiter.Record(o)
		}
		return o, nil
	})

	res := TaskResult{Task: t, Report: rep, Duration: time.Since(start)}
	switch {
	case err != nil:
		res.State = StateFailed
		res.Err = &QueryFailed{Query: t.Query, Attempts: rep.Attempts, Err: err}
	case rep.Outcome.Kind == OutcomeEmpty:
		res.State = StateEmptyResult
	default:
		res.State = StateSucceeded
		res.Rows = rep.Outcome.Rows
	}
	cfg.observe(t, res.State)
	return res
}

func (c WorkerConfig) observe(t Task, s TaskState) {
	if c.Observe != nil {
		c.Observe(t, s)
	}
}
