package scanner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scripted returns the outcomes in order, repeating the last one.
func scripted(outcomes ...Outcome) (func(context.Context) (Outcome, error), *int) {
	calls := 0
	return func(context.Context) (Outcome, error) {
		o := outcomes[min(calls, len(outcomes)-1)]
		calls++
		return o, nil
	}, &calls
}

func recordingPolicy(maxRetries int) (*RetryPolicy, *[]time.Duration) {
	var waits []time.Duration
	return &RetryPolicy{
		MaxRetries:       maxRetries,
		BaseDelay:        time.Second,
		MaxRateLimitWait: time.Minute,
		Sleep: func(_ context.Context, d time.Duration) error {
			waits = append(waits, d)
			return nil
		},
	}, &waits
}

func TestRetry_ServerErrorExhaustsBudget(t *testing.T) {
	p, waits := recordingPolicy(3)
	attempt, calls := scripted(Outcome{Kind: OutcomeServerError, Status: 503})

	rep, err := p.Do(context.Background(), attempt)

	var transient *TransientAPIError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, 503, transient.Outcome.Status)
	assert.Equal(t, 4, *calls, "1 + MaxRetries attempts")
	assert.Equal(t, 4, rep.Attempts)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}, *waits)
	assert.Equal(t, 7*time.Second, rep.Backoff)
}

func TestRetry_TransportErrorThenSuccess(t *testing.T) {
	p, waits := recordingPolicy(3)
	attempt, calls := scripted(
		Outcome{Kind: OutcomeTransportError, Err: errors.New("reset")},
		Outcome{Kind: OutcomeOK, Rows: [][]any{{"a"}}},
	)

	rep, err := p.Do(context.Background(), attempt)
	require.NoError(t, err)
	assert.Equal(t, 2, *calls)
	assert.Equal(t, OutcomeOK, rep.Outcome.Kind)
	assert.Equal(t, []time.Duration{time.Second}, *waits)
}

func TestRetry_TerminalOutcomesNotRetried(t *testing.T) {
	for _, o := range []Outcome{
		{Kind: OutcomeOK},
		{Kind: OutcomeEmpty},
		{Kind: OutcomeClientError, Status: 401},
	} {
		t.Run(o.Kind.String(), func(t *testing.T) {
			p, waits := recordingPolicy(3)
			attempt, calls := scripted(o)
			_, err := p.Do(context.Background(), attempt)
			assert.Equal(t, 1, *calls)
			assert.Empty(t, *waits)
			if o.Kind == OutcomeClientError {
				var perm *PermanentAPIError
				assert.ErrorAs(t, err, &perm)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRetry_RateLimitDoesNotUseBudget(t *testing.T) {
	p, waits := recordingPolicy(1)
	attempt, calls := scripted(
		Outcome{Kind: OutcomeRateLimited, RetryAfter: 5 * time.Second},
		Outcome{Kind: OutcomeRateLimited, RetryAfter: 5 * time.Second},
		Outcome{Kind: OutcomeServerError, Status: 500},
		Outcome{Kind: OutcomeOK},
	)

	rep, err := p.Do(context.Background(), attempt)
	require.NoError(t, err)
	assert.Equal(t, 4, *calls)
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second, time.Second}, *waits)
	assert.Equal(t, 10*time.Second, rep.RateLimitWait)
}

func TestRetry_RateLimitWaitCapped(t *testing.T) {
	p, waits := recordingPolicy(3)
	p.MaxRateLimitWait = 25 * time.Second
	attempt, calls := scripted(Outcome{Kind: OutcomeRateLimited, RetryAfter: 10 * time.Second})

	rep, err := p.Do(context.Background(), attempt)
	var transient *TransientAPIError
	require.ErrorAs(t, err, &transient)
	assert.Equal(t, OutcomeRateLimited, transient.Outcome.Kind)
	assert.Equal(t, 3, *calls)
	assert.Len(t, *waits, 2)
	assert.Equal(t, 20*time.Second, rep.RateLimitWait)
}

func TestRetry_ZeroRetryAfterStillWaits(t *testing.T) {
	p, waits := recordingPolicy(0)
	attempt, _ := scripted(
		Outcome{Kind: OutcomeRateLimited, RetryAfter: 0},
		Outcome{Kind: OutcomeOK},
	)
	_, err := p.Do(context.Background(), attempt)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{minRateLimitWait}, *waits)
}

func TestRetry_JitterOnlyAdds(t *testing.T) {
	p := &RetryPolicy{BaseDelay: time.Second, Jitter: 0.5}
	for i := 0; i < 50; i++ {
		d := p.jittered(p.Backoff(1))
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.Less(t, d, 3*time.Second)
	}
}

func TestRetry_CancelDuringBackoff(t *testing.T) {
	p := &RetryPolicy{MaxRetries: 3, BaseDelay: time.Hour}
	attempt, calls := scripted(Outcome{Kind: OutcomeServerError, Status: 500})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := p.Do(ctx, attempt)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, *calls)
	assert.Less(t, time.Since(start), time.Second)
}

func TestRetry_OnRetryCalledBeforeEachWait(t *testing.T) {
	p, _ := recordingPolicy(2)
	var seen []int
	p.OnRetry = func(_ Outcome, attempt int, _ time.Duration) { seen = append(seen, attempt) }
	attempt, _ := scripted(Outcome{Kind: OutcomeServerError})

	_, _ = p.Do(context.Background(), attempt)
	assert.Equal(t, []int{1, 2}, seen)
}
