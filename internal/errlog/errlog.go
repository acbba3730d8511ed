// Package errlog appends timestamped error lines to a flat log file and
// echoes them to the console.
package errlog

import (
	"fmt"
	"os"
	"sync"
	"time"
)

// TimeFormat is the timestamp layout of each log line.
const TimeFormat = "2006-01-02 15:04:05"

// Log is a Reporter that writes "[YYYY-MM-DD HH:MM:SS] message" lines. The
// file is opened on the first report, so a clean run leaves no log behind.
type Log struct {
	mu    sync.Mutex
	path  string
	f     *os.File
	count int
	err   error // first write failure; later reports only echo

	// Echo, if set, receives every message for console display.
	Echo func(msg string)
	now  func() time.Time
}

// New returns a log writing to path. An empty path only echoes.
func New(path string) *Log {
	return &Log{path: path, now: time.Now}
}

// Report records msg. Write failures never propagate: the log is a
// diagnostic side channel and must not stop a run.
func (l *Log) Report(msg string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.count++
	if l.Echo != nil {
		l.Echo(msg)
	}
	if l.path == "" || l.err != nil {
		return
	}
	if l.f == nil {
		l.f, l.err = os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if l.err != nil {
			fmt.Fprintf(os.Stderr, "[!] Cannot open error log %s: %v\n", l.path, l.err)
			return
		}
	}
	if _, err := fmt.Fprintf(l.f, "[%s] %s\n", l.now().Format(TimeFormat), msg); err != nil {
		l.err = err
		fmt.Fprintf(os.Stderr, "[!] Cannot write error log %s: %v\n", l.path, err)
	}
}

// Reportf formats and records a message.
func (l *Log) Reportf(format string, args ...any) {
	l.Report(fmt.Sprintf(format, args...))
}

// Count returns the number of messages reported.
func (l *Log) Count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.count
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Close closes the log file if it was opened.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
