// Package hook runs a user command for every newly accepted record.
package hook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/maxvaer/fofasweep/internal/record"
)

// Timeout bounds a single hook invocation.
const Timeout = 30 * time.Second

type payload struct {
	record.Record
	Query string `json:"query"`
}

// Runner executes a shell command for each accepted record. Commands run on
// a small pool of goroutines so a slow hook does not stall the run; Close
// waits for queued invocations.
type Runner struct {
	cmd   string
	quiet bool
	out   io.Writer
	queue chan payload
	wg    sync.WaitGroup
}

// NewRunner creates a hook runner with the given concurrency. cmd may use
// the {host} {ip} {port} {protocol} {title} {query} placeholders.
func NewRunner(cmd string, concurrency int, quiet bool) *Runner {
	r := &Runner{
		cmd:   cmd,
		quiet: quiet,
		out:   os.Stderr,
		queue: make(chan payload, 64),
	}
	for i := 0; i < max(concurrency, 1); i++ {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for p := range r.queue {
				r.run(p)
			}
		}()
	}
	return r
}

// Enqueue schedules the hook for rec found by query.
func (r *Runner) Enqueue(rec record.Record, query string) {
	r.queue <- payload{Record: rec, Query: query}
}

// Close stops accepting work and waits for queued hooks to finish.
func (r *Runner) Close() {
	close(r.queue)
	r.wg.Wait()
}

// run executes the command with the record as JSON on stdin. Errors are
// reported but never stop the run.
func (r *Runner) run(p payload) {
	data, err := json.Marshal(p)
	if err != nil {
		fmt.Fprintf(r.out, "[hook] marshal error: %v\n", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), Timeout)
	defer cancel()

	shell, args := shellCommand()
	cmd := exec.CommandContext(ctx, shell, append(args, r.expand(p))...)
	cmd.Stdin = bytes.NewReader(data)
	cmd.Env = env(p)
	cmd.Stderr = r.out

	output, err := cmd.Output()
	if err != nil {
		if !r.quiet {
			fmt.Fprintf(r.out, "[hook] %s: error: %v\n", p.Host, err)
		}
		return
	}
	if len(output) > 0 && !r.quiet {
		fmt.Fprintf(r.out, "[hook] %s", output)
	}
}

// expand substitutes placeholders. Values come from remote data and are
// quoted for the shell that runs the command.
func (r *Runner) expand(p payload) string {
	q := quote
	if runtime.GOOS == "windows" {
		q = cmdQuote
	}
	return strings.NewReplacer(
		"{host}", q(p.Host),
		"{ip}", q(p.IP),
		"{port}", q(p.Port),
		"{protocol}", q(p.Protocol),
		"{title}", q(p.Title),
		"{query}", q(p.Query),
	).Replace(r.cmd)
}

// env exposes the record as FOFASWEEP_* variables, which reach the hook
// without passing through shell parsing.
func env(p payload) []string {
	return append(os.Environ(),
		"FOFASWEEP_HOST="+p.Host,
		"FOFASWEEP_IP="+p.IP,
		"FOFASWEEP_PORT="+p.Port,
		"FOFASWEEP_PROTOCOL="+p.Protocol,
		"FOFASWEEP_TITLE="+p.Title,
		"FOFASWEEP_QUERY="+p.Query,
	)
}

// quote single-quotes s for a POSIX shell.
func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

// cmdQuote caret-escapes the characters cmd.exe treats specially and drops
// line breaks, which would end the command.
func cmdQuote(s string) string {
	var b strings.Builder
	for _, c := range s {
		switch c {
		case '\r', '\n':
			b.WriteByte(' ')
		case '^', '&', '|', '<', '>', '(', ')', '%', '!', '"':
			b.WriteByte('^')
			b.WriteRune(c)
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func shellCommand() (string, []string) {
	if runtime.GOOS == "windows" {
		return "cmd", []string{"/C"}
	}
	return "sh", []string{"-c"}
}
