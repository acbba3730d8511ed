package output

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Progress tracks and displays run progress on stderr.
type Progress struct {
	mu       sync.Mutex // serialises writes to out
	out      io.Writer
	total    int
	done     atomic.Int64
	failed   atomic.Int64
	accepted atomic.Int64
	start    time.Time
	stop     chan struct{}
	finished chan struct{}
	quiet    bool
	paused   func() bool
}

// NewProgress creates a progress tracker for total queries. Call Start() to
// begin display updates. paused may be nil.
func NewProgress(total int, quiet bool, paused func() bool) *Progress {
	return &Progress{
		out:      os.Stderr,
		total:    total,
		start:    time.Now(),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
		quiet:    quiet,
		paused:   paused,
	}
}

// Start begins periodically printing progress to stderr.
func (p *Progress) Start() {
	if p.quiet {
		close(p.finished)
		return
	}
	go func() {
		defer close(p.finished)
		ticker := time.NewTicker(500 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				p.mu.Lock()
				p.draw()
				p.mu.Unlock()
			case <-p.stop:
				p.mu.Lock()
				p.draw()
				fmt.Fprint(p.out, "\n")
				p.mu.Unlock()
				return
			}
		}
	}()
}

// Update sets the counters shown on the line.
func (p *Progress) Update(done, failed, accepted int) {
	p.done.Store(int64(done))
	p.failed.Store(int64(failed))
	p.accepted.Store(int64(accepted))
}

// Printf prints a message on its own line above the progress line.
func (p *Progress) Printf(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.quiet {
		fmt.Fprint(p.out, "\r\033[K")
	}
	fmt.Fprintf(p.out, format, args...)
}

// Stop ends the progress display and waits for the final redraw.
func (p *Progress) Stop() {
	close(p.stop)
	<-p.finished
}

func (p *Progress) draw() {
	fmt.Fprint(p.out, p.line(time.Since(p.start)))
}

func (p *Progress) line(elapsed time.Duration) string {
	done := p.done.Load()
	pct := float64(0)
	if p.total > 0 {
		pct = float64(done) / float64(p.total) * 100
	}

	eta := ""
	if done > 0 && done < int64(p.total) {
		remaining := elapsed / time.Duration(done) * time.Duration(int64(p.total)-done)
		eta = fmt.Sprintf(" | ETA: %s", remaining.Round(time.Second))
	}
	state := ""
	if p.paused != nil && p.paused() {
		state = " | PAUSED"
	}

	return fmt.Sprintf("\r\033[K[%3.0f%%] %d/%d queries | New: %d | Failed: %d | %s%s%s",
		pct, done, p.total, p.accepted.Load(), p.failed.Load(),
		elapsed.Round(time.Second), eta, state)
}
