package scanner

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"
)

// Limiter spaces out request starts across every worker sharing it. Each
// permit is granted at least a random delay in [minDelay, maxDelay) after the
// previous permit. With adaptive mode enabled, rate-limit signals add an
// extra penalty that doubles on every 429 and decays on healthy responses.
type Limiter struct {
	mu          sync.Mutex
	minDelay    time.Duration
	maxDelay    time.Duration
	last        time.Time // start of the previously permitted request
	penalty     time.Duration
	maxPenalty  time.Duration
	consecutive int // consecutive throttle signals
	adaptive    bool
	quiet       bool
}

// NewLimiter creates a limiter with the given spacing bounds. A maxDelay
// below minDelay is treated as equal to it.
func NewLimiter(minDelay, maxDelay time.Duration, adaptive, quiet bool) *Limiter {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &Limiter{
		minDelay:   minDelay,
		maxDelay:   maxDelay,
		maxPenalty: 30 * time.Second,
		adaptive:   adaptive,
		quiet:      quiet,
	}
}

// Wait blocks until the caller may start its request or ctx is done. The
// slot is reserved under the lock so concurrent callers never share one.
func (l *Limiter) Wait(ctx context.Context) error {
	l.mu.Lock()
	now := time.Now()
	slot := now
	if !l.last.IsZero() {
		if earliest := l.last.Add(l.spacing()); earliest.After(now) {
			slot = earliest
		}
	}
	l.last = slot
	l.mu.Unlock()

	return sleepContext(ctx, time.Until(slot))
}

// spacing draws the delay for the next slot. Caller holds l.mu.
func (l *Limiter) spacing() time.Duration {
	d := l.minDelay
	if span := l.maxDelay - l.minDelay; span > 0 {
		d += rand.N(span)
	}
	return d + l.penalty
}

// Penalty returns the current adaptive penalty added to every slot.
func (l *Limiter) Penalty() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.penalty
}

// Record updates the adaptive penalty from the outcome of one attempt.
func (l *Limiter) Record(o Outcome) {
	if !l.adaptive {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	switch o.Kind {
	case OutcomeRateLimited:
		l.consecutive++
		l.raise(fmt.Sprintf("Rate limited (HTTP %d)", o.Status))
	case OutcomeTransportError:
		// Timeouts and resets count only once they repeat.
		l.consecutive++
		if l.consecutive >= 3 {
			l.raise("Multiple errors")
		}
	default:
		l.consecutive = 0
		if l.penalty == 0 {
			return
		}
		p := l.penalty / 2
		if p < 50*time.Millisecond {
			p = 0
		}
		if p != l.penalty {
			l.penalty = p
			if !l.quiet && p > 0 {
				fmt.Fprintf(os.Stderr, "\n[+] Recovering, extra spacing now %s\n", p)
			}
		}
	}
}

// raise doubles the penalty up to maxPenalty. Caller holds l.mu.
func (l *Limiter) raise(reason string) {
	p := l.penalty * 2
	if p < 500*time.Millisecond {
		p = 500 * time.Millisecond
	}
	if p > l.maxPenalty {
		p = l.maxPenalty
	}
	if p != l.penalty {
		l.penalty = p
		if !l.quiet {
			fmt.Fprintf(os.Stderr, "\n[!] %s, backing off to +%s per request\n", reason, p)
		}
	}
}
