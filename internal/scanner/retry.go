package scanner

import (
	"context"
	"math/rand/v2"
	"time"
)

// minRateLimitWait keeps a run of "Retry-After: 0" responses from spinning.
const minRateLimitWait = time.Second

// RetryPolicy decides, per failed attempt, whether to try again and how
// long to wait first. Rate-limit waits do not consume the retry budget but
// are capped in total per query by MaxRateLimitWait.
type RetryPolicy struct {
	MaxRetries       int
	BaseDelay        time.Duration
	Jitter           float64 // extra random fraction of each backoff, 0 disables
	MaxRateLimitWait time.Duration

	// OnRetry, if set, is called before every wait.
	OnRetry func(o Outcome, attempt int, wait time.Duration)
	// Sleep is used for every wait; nil means a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// RetryReport summarises the attempts made for one query.
type RetryReport struct {
	Outcome       Outcome // last outcome observed
	Attempts      int
	Backoff       time.Duration // total wait after server and transport errors
	RateLimitWait time.Duration // total wait after rate limits
}

// Backoff returns the un-jittered wait before retry number attempt (0-based).
func (p *RetryPolicy) Backoff(attempt int) time.Duration {
	return p.BaseDelay << attempt
}

// Do runs attempt until it yields a terminal outcome, the budget runs out,
// or ctx is cancelled. The returned error is nil for OK and empty outcomes,
// a *PermanentAPIError for client errors, a *TransientAPIError once retries
// or the rate-limit cap are exhausted, and ctx.Err() on cancellation.
func (p *RetryPolicy) Do(ctx context.Context, attempt func(context.Context) (Outcome, error)) (RetryReport, error) {
	var rep RetryReport
	retries := 0

	for {
		o, err := attempt(ctx)
		if err != nil {
			return rep, err
		}
		rep.Attempts++
		rep.Outcome = o

		if o.Terminal() {
			if o.Kind == OutcomeClientError {
				return rep, outcomeError(o)
			}
			return rep, nil
		}

		var wait time.Duration
		if o.Kind == OutcomeRateLimited {
			wait = max(o.RetryAfter, minRateLimitWait)
			if rep.RateLimitWait+wait > p.MaxRateLimitWait {
				return rep, outcomeError(o)
			}
			rep.RateLimitWait += wait
		} else {
			if retries >= p.MaxRetries {
				return rep, outcomeError(o)
			}
			wait = p.jittered(p.Backoff(retries))
			retries++
			rep.Backoff += wait
		}

		if p.OnRetry != nil {
			p.OnRetry(o, rep.Attempts, wait)
		}
		if err := p.sleep(ctx, wait); err != nil {
			return rep, err
		}
	}
}

func (p *RetryPolicy) jittered(d time.Duration) time.Duration {
	if p.Jitter <= 0 || d <= 0 {
		return d
	}
	return d + time.Duration(rand.Float64()*p.Jitter*float64(d))
}

func (p *RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	return sleepContext(ctx, d)
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
