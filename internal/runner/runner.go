package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/maxvaer/fofasweep/internal/config"
	"github.com/maxvaer/fofasweep/internal/errlog"
	"github.com/maxvaer/fofasweep/internal/filter"
	"github.com/maxvaer/fofasweep/internal/hook"
	"github.com/maxvaer/fofasweep/internal/netutil"
	"github.com/maxvaer/fofasweep/internal/output"
	"github.com/maxvaer/fofasweep/internal/queries"
	"github.com/maxvaer/fofasweep/internal/record"
	"github.com/maxvaer/fofasweep/internal/resume"
	"github.com/maxvaer/fofasweep/internal/scanner"
	"github.com/maxvaer/fofasweep/pkg/version"
)

// checkpointEvery is how often the resume file is saved during a run.
const checkpointEvery = 30 * time.Second

// seedBatch is the number of replayed records handed to the seen set at once.
const seedBatch = 512

// retrySleep overrides the retry wait; tests set it to observe waits
// without sleeping.
var retrySleep func(ctx context.Context, d time.Duration) error

// Summary describes a finished run.
type Summary struct {
	Stats    scanner.RunStats
	Output   string
	Existing int // records already in the store before the run
	Resumed  int // queries skipped because the resume file marks them done
	Errors   int
	ErrorLog string
}

// Run executes the full sweep: resolve queries, open the store, seed the
// seen set, dispatch and print the summary. Per-query failures are logged
// and do not make Run fail; configuration and persistence errors do.
func Run(ctx context.Context, opts *config.Options) error {
	_, err := run(ctx, opts)
	return err
}

func run(ctx context.Context, opts *config.Options) (*Summary, error) {
	// 1. Resolve queries.
	qs, err := resolveQueries(opts)
	if err != nil {
		return nil, err
	}
	sum := &Summary{ErrorLog: opts.ErrorLog}

	// 2. Pick the output store; a resume file pins it.
	outPath := opts.OutputPath(time.Now())
	var resumeState *resume.State
	if opts.ResumeFile != "" {
		existing, err := resume.Load(opts.ResumeFile)
		if err != nil {
			return nil, &config.Error{Field: "resume-file", Reason: "unusable", Err: err}
		}
		if existing != nil && opts.OutputFile == "" {
			outPath = existing.Output
		}
		if existing != nil && existing.Output == outPath {
			resumeState = existing
			before := len(qs)
			qs = resumeState.FilterRemaining(qs)
			sum.Resumed = before - len(qs)
			logf(opts, "[+] Resuming into %s: skipping %d completed queries\n", outPath, sum.Resumed)
		} else {
			resumeState = resume.New(opts.ResumeFile, outPath, len(qs))
		}
	}
	sum.Output = outPath

	if len(qs) == 0 {
		if sum.Resumed > 0 {
			logf(opts, "[!] All %d queries already completed per %s, removing it\n", sum.Resumed, opts.ResumeFile)
			if err := resumeState.Remove(); err != nil {
				logf(opts, "[!] Could not remove resume file: %v\n", err)
			}
			return sum, nil
		}
		logf(opts, "[!] No queries to run\n")
		return sum, nil
	}

	// 3. Client, store and seen set.
	client, err := scanner.NewClient(opts)
	if err != nil {
		return nil, &config.Error{Field: "api", Reason: "cannot build client", Err: err}
	}

	sink, err := output.Open(opts.OutputFormat, outPath, opts.BOM)
	if err != nil {
		return nil, &scanner.PersistenceError{Op: "open " + outPath, Err: err}
	}
	defer sink.Close()

	dedup, closeDedup, err := openDedup(ctx, opts)
	if err != nil {
		return nil, err
	}
	defer closeDedup()

	sum.Existing, err = seed(ctx, sink, dedup)
	if err != nil {
		return nil, &scanner.PersistenceError{Op: "seed from " + outPath, Err: err}
	}

	if !opts.Quiet {
		printBanner(opts, len(qs), outPath)
		if sum.Existing > 0 {
			fmt.Fprintf(os.Stderr, "[*] Loaded %d existing records for dedup\n", sum.Existing)
		}
	}

	// 4. Console, error log, pause toggle, hooks.
	pauser, restoreTerm := startStdinToggle(opts.Quiet)
	defer restoreTerm()

	var paused func() bool
	if pauser != nil {
		paused = pauser.IsPaused
	}
	progress := output.NewProgress(len(qs), opts.Quiet, paused)

	elog := errlog.New(opts.ErrorLog)
	defer elog.Close()
	if !opts.Quiet {
		elog.Echo = func(msg string) { progress.Printf("[!] Error: %s\n", msg) }
	}

	var hookRunner *hook.Runner
	if opts.OnRecordCmd != "" {
		hookRunner = hook.NewRunner(opts.OnRecordCmd, opts.Workers, opts.Quiet)
	}

	// 5. Dispatch.
	d := &scanner.Dispatcher{
		Client:   client,
		Limiter:  scanner.NewLimiter(opts.MinDelay, opts.MaxDelay, opts.AdaptiveThrottle, opts.Quiet),
		Retry:    retryPolicy(opts),
		Dedup:    dedup,
		Sink:     sink,
		Reporter: elog,
		Workers:  opts.Workers,
		Pauser:   pauser,
		Timeout:  opts.MaxRuntime,
		OnRetry: func(t scanner.Task, o scanner.Outcome, attempt int, wait time.Duration) {
			if o.Kind == scanner.OutcomeRateLimited {
				elog.Reportf("%s -> rate limited, waiting %s", t.Query, wait)
				return
			}
			logProgress(opts, progress, "[*] Retry %d for %s in %s: %s\n", attempt, shorten(t.Query), wait.Round(time.Millisecond), o)
		},
		OnResult: func(rep scanner.QueryReport, st scanner.RunStats) {
			progress.Update(st.Completed+st.Failed, st.Failed, st.RecordsAccepted)
			q := rep.Result.Task.Query
			switch rep.Result.State {
			case scanner.StateSucceeded:
				logProgress(opts, progress, "[√] %s -> new: %d total: %d\n", shorten(q), rep.Accepted, st.RecordsAccepted)
			case scanner.StateEmptyResult:
				logProgress(opts, progress, "[!] No results: %s\n", shorten(q))
			}
			if resumeState != nil && rep.Result.State != scanner.StateFailed {
				resumeState.MarkCompleted(q)
			}
		},
	}
	if hookRunner != nil {
		d.OnAccept = hookRunner.Enqueue
	}
	if resumeState != nil {
		d.CheckpointEvery = checkpointEvery
		d.Checkpoint = func() {
			if err := resumeState.Save(); err != nil {
				elog.Reportf("saving resume file: %v", err)
			}
		}
	}

	progress.Start()
	stats, runErr := d.Run(ctx, qs)
	progress.Stop()
	if hookRunner != nil {
		hookRunner.Close()
	}

	sum.Stats = stats
	sum.Errors = elog.Count()

	// 6. Resume file and summary.
	clean := runErr == nil && ctx.Err() == nil && stats.Skipped == 0 && stats.Failed == 0
	if resumeState != nil {
		if clean {
			_ = resumeState.Remove()
		} else if !opts.Quiet {
			fmt.Fprintf(os.Stderr, "[*] Progress saved to %s, rerun with --resume-file to continue\n", opts.ResumeFile)
		}
	}

	if !opts.Quiet {
		printSummary(sum, ctx.Err() != nil)
	}
	return sum, runErr
}

// resolveQueries merges the query file, the targets file and inline queries.
// A missing query file is fatal unless another source supplied queries.
func resolveQueries(opts *config.Options) ([]string, error) {
	var fromTargets []string
	if opts.TargetsFile != "" {
		targets, err := netutil.LoadTargets(opts.TargetsFile)
		if err != nil {
			return nil, &config.Error{Field: "targets", Reason: "unreadable", Err: err}
		}
		var rejected []error
		fromTargets, rejected = netutil.Queries(targets, opts.SplitCIDR)
		for _, err := range rejected {
			logf(opts, "[!] Skipping target: %v\n", err)
		}
	}
	inline := slices.Concat(opts.Queries, fromTargets)

	var base []string
	if opts.QueriesFile != "" {
		loaded, err := queries.Load(opts.QueriesFile)
		switch {
		case err == nil:
			base = loaded
		case errors.Is(err, os.ErrNotExist) && len(inline) > 0:
			// Other sources given; the default file is optional.
		default:
			return nil, &config.Error{Field: "queries", Reason: "query source unavailable", Err: err}
		}
	}
	return queries.Merge(base, inline...), nil
}

// openDedup builds the seen set: always an in-memory set, backed by redis
// when configured.
func openDedup(ctx context.Context, opts *config.Options) (filter.Set, func(), error) {
	chain := filter.NewChain(filter.NewSeenSet())
	if opts.RedisAddr == "" {
		return chain, func() {}, nil
	}
	rs, client, err := filter.NewRedisSet(ctx, opts.RedisAddr, opts.RedisPrefix, opts.RedisTTL)
	if err != nil {
		return nil, nil, &config.Error{Field: "redis", Reason: "unreachable", Err: err}
	}
	chain.Add(rs)
	logf(opts, "[+] Sharing seen hosts via redis at %s\n", opts.RedisAddr)
	return chain, func() { client.Close() }, nil
}

// seed replays the store into the seen set and returns the record count.
func seed(ctx context.Context, sink output.Sink, set filter.Set) (int, error) {
	n := 0
	batch := make([]record.Record, 0, seedBatch)
	err := sink.Replay(func(r record.Record) error {
		n++
		batch = append(batch, r)
		if len(batch) < seedBatch {
			return nil
		}
		err := set.Seed(ctx, batch...)
		batch = batch[:0]
		return err
	})
	if err != nil {
		return n, err
	}
	if len(batch) > 0 {
		if err := set.Seed(ctx, batch...); err != nil {
			return n, err
		}
	}
	return n, nil
}

func retryPolicy(opts *config.Options) *scanner.RetryPolicy {
	return &scanner.RetryPolicy{
		MaxRetries:       opts.MaxRetries,
		BaseDelay:        opts.RetryBase,
		Jitter:           opts.RetryJitter,
		MaxRateLimitWait: opts.MaxRateLimitWait,
		Sleep:            retrySleep,
	}
}

// shorten trims long queries for per-query console lines.
func shorten(q string) string {
	const limit = 50
	if utf8.RuneCountInString(q) <= limit {
		return q
	}
	return string([]rune(q)[:limit]) + "..."
}

func logf(opts *config.Options, format string, args ...any) {
	if !opts.Quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

func logProgress(opts *config.Options, p *output.Progress, format string, args ...any) {
	if !opts.Quiet {
		p.Printf(format, args...)
	}
}

func printSummary(sum *Summary, interrupted bool) {
	st := sum.Stats
	fmt.Fprintln(os.Stderr)
	switch {
	case interrupted:
		fmt.Fprintf(os.Stderr, "[!] Interrupted: %d queries not started\n", st.Skipped)
	case st.TimedOut:
		fmt.Fprintf(os.Stderr, "[!] Max runtime reached: %d queries not started\n", st.Skipped)
	default:
		fmt.Fprintf(os.Stderr, "[√] All queries processed\n")
	}
	fmt.Fprintf(os.Stderr, "=== Summary ===\n")
	fmt.Fprintf(os.Stderr, "Queries:     %d run, %d failed, %d empty", st.Submitted, st.Failed, st.Empty)
	if sum.Resumed > 0 {
		fmt.Fprintf(os.Stderr, ", %d resumed", sum.Resumed)
	}
	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "Records:     %d fetched, %d new, %d duplicate, %d invalid\n",
		st.RecordsFetched, st.RecordsAccepted, st.RecordsDuplicate, st.RecordsInvalid)
	fmt.Fprintf(os.Stderr, "Elapsed:     %s\n", st.Elapsed.Round(10*time.Millisecond))
	fmt.Fprintf(os.Stderr, "Output:      %s\n", sum.Output)
	if sum.Errors > 0 {
		fmt.Fprintf(os.Stderr, "[!] %d errors logged, see %s\n", sum.Errors, sum.ErrorLog)
	}
}

func printBanner(opts *config.Options, queryCount int, outPath string) {
	const (
		cyan   = "\033[36m"
		white  = "\033[97m"
		dim    = "\033[2m"
		yellow = "\033[33m"
		reset  = "\033[0m"
	)

	c, w, d, y, rs := cyan, white, dim, yellow, reset
	if opts.NoColor {
		c, w, d, y, rs = "", "", "", "", ""
	}

	fmt.Fprintf(os.Stderr, `
%s    ____        ____      _____                            %s
%s   / __/___    / __/___ _/ ___/      _____  ___  ____      %s
%s  / /_/ __ \  / /_/ __ '/\__ \ | /| / / _ \/ _ \/ __ \     %s
%s / __/ /_/ / / __/ /_/ /___/ / |/ |/ /  __/  __/ /_/ /     %s
%s/_/  \____/ /_/  \__,_//____/|__/|__/\___/\___/ .___/ %sv%s%s
%s                                             /_/          %s
%s    FOFA query sweeper with dedup            %s
`,
		c, rs,
		c, rs,
		c, rs,
		c, rs,
		c, d, version.Version, rs,
		c, rs,
		w, rs,
	)

	dedup := "memory"
	if opts.RedisAddr != "" {
		dedup = "memory + redis"
	}

	fmt.Fprintf(os.Stderr, "%s  ──────────────────────────────────────%s\n", d, rs)
	fmt.Fprintf(os.Stderr, "  %sQueries:%s      %s%d%s\n", d, rs, w, queryCount, rs)
	fmt.Fprintf(os.Stderr, "  %sWorkers:%s      %s%d%s\n", d, rs, y, opts.Workers, rs)
	fmt.Fprintf(os.Stderr, "  %sDelay:%s        %s%s - %s%s\n", d, rs, w, opts.MinDelay, opts.MaxDelay, rs)
	fmt.Fprintf(os.Stderr, "  %sPage size:%s    %s%d%s\n", d, rs, w, opts.PageSize, rs)
	fmt.Fprintf(os.Stderr, "  %sOutput:%s       %s%s (%s)%s\n", d, rs, w, outPath, opts.OutputFormat, rs)
	fmt.Fprintf(os.Stderr, "  %sDedup:%s        %s%s%s\n", d, rs, w, dedup, rs)
	if strings.TrimSpace(opts.OnRecordCmd) != "" {
		fmt.Fprintf(os.Stderr, "  %sHook:%s         %s%s%s\n", d, rs, w, opts.OnRecordCmd, rs)
	}
	fmt.Fprintf(os.Stderr, "%s  ──────────────────────────────────────%s\n\n", d, rs)
}
