package scanner

import (
	"context"
	"sync"
	"time"
)

// Pauser gates workers between queries. Queries already in flight are not
// interrupted; a worker checks the gate before taking its next task.
type Pauser struct {
	mu     sync.Mutex
	gate   chan struct{} // open in the running state, replaced on pause
	since  time.Time     // start of the current pause
	paused time.Duration // finished pauses
}

// NewPauser returns a running gate.
func NewPauser() *Pauser {
	gate := make(chan struct{})
	close(gate)
	return &Pauser{gate: gate}
}

// WaitContext returns once the gate is open or ctx is done.
func (p *Pauser) WaitContext(ctx context.Context) error {
	p.mu.Lock()
	gate := p.gate
	p.mu.Unlock()

	select {
	case <-gate:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Toggle pauses a running gate or resumes a paused one and reports whether
// it is paused afterwards.
func (p *Pauser) Toggle() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.since.IsZero() {
		p.paused += time.Since(p.since)
		p.since = time.Time{}
		close(p.gate)
		return false
	}
	p.since = time.Now()
	p.gate = make(chan struct{})
	return true
}

func (p *Pauser) IsPaused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return !p.since.IsZero()
}

// PausedDuration is the time spent paused so far, counting a pause that is
// still going on.
func (p *Pauser) PausedDuration() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.since.IsZero() {
		return p.paused
	}
	return p.paused + time.Since(p.since)
}
