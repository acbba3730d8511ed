package runner

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/maxvaer/fofasweep/internal/config"
	"github.com/maxvaer/fofasweep/internal/resume"
)

const sampleBody = `{"error":false,"size":1,"page":1,"results":[["a.com","1.2.3.4","Test","80","http"]]}`

// fofaServer fakes the search endpoint. respond receives the decoded query
// and the 1-based attempt number for that query.
type fofaServer struct {
	*httptest.Server
	mu       sync.Mutex
	attempts map[string]int
}

func newFofaServer(t *testing.T, respond func(w http.ResponseWriter, query string, attempt int)) *fofaServer {
	t.Helper()
	fs := &fofaServer{attempts: make(map[string]int)}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, err := base64.StdEncoding.DecodeString(r.URL.Query().Get("qbase64"))
		if err != nil {
			http.Error(w, "bad qbase64", http.StatusBadRequest)
			return
		}
		q := string(raw)
		fs.mu.Lock()
		fs.attempts[q]++
		n := fs.attempts[q]
		fs.mu.Unlock()
		respond(w, q, n)
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fofaServer) attemptsFor(q string) int {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.attempts[q]
}

func writeQueries(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "queries.txt")
	if err := os.WriteFile(path, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func testOpts(t *testing.T, serverURL, queriesPath string) *config.Options {
	t.Helper()
	dir := t.TempDir()
	opts := config.Defaults()
	opts.APIURL = serverURL
	opts.Email = "user@example.com"
	opts.Key = "secret"
	opts.QueriesFile = queriesPath
	opts.Workers = 2
	opts.MinDelay = 0
	opts.MaxDelay = 0
	opts.Timeout = 5 * time.Second
	opts.RetryBase = time.Millisecond
	opts.Quiet = true
	opts.NoColor = true
	opts.OutputFile = filepath.Join(dir, "out.csv")
	opts.ErrorLog = filepath.Join(dir, "errors.txt")
	return &opts
}

func readOutput(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSweepWritesNewRecords(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, _ string, _ int) {
		fmt.Fprint(w, sampleBody)
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="test"`))

	sum, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	want := "host,ip,title,port,protocol\na.com,1.2.3.4,Test,80,http\n"
	if got := readOutput(t, opts.OutputFile); got != want {
		t.Errorf("output = %q, want %q", got, want)
	}
	st := sum.Stats
	if st.Submitted != 1 || st.RecordsAccepted != 1 || st.Failed != 0 {
		t.Errorf("stats = %+v, want submitted 1, accepted 1, failed 0", st)
	}
}

func TestSweepSkipsPreseededHost(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, _ string, _ int) {
		fmt.Fprint(w, sampleBody)
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="test"`))
	existing := "host,ip,title,port,protocol\na.com,9.9.9.9,Old,443,https\n"
	if err := os.WriteFile(opts.OutputFile, []byte(existing), 0644); err != nil {
		t.Fatal(err)
	}

	sum, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	if sum.Existing != 1 {
		t.Errorf("Existing = %d, want 1", sum.Existing)
	}
	if sum.Stats.RecordsAccepted != 0 || sum.Stats.RecordsDuplicate != 1 {
		t.Errorf("stats = %+v, want accepted 0, duplicate 1", sum.Stats)
	}
	if got := readOutput(t, opts.OutputFile); got != existing {
		t.Errorf("output changed:\n%s", got)
	}
}

func TestSweepSecondRunAddsNothing(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, q string, _ int) {
		fmt.Fprintf(w, `{"results":[["%s.com","1.1.1.1","","80","http"],["shared.com","1.1.1.2","","443","https"]]}`, strings.Trim(q, `title="`))
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="x"`, `title="y"`, `title="z"`))

	first, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if first.Stats.RecordsAccepted != 4 {
		t.Fatalf("first run accepted %d, want 4", first.Stats.RecordsAccepted)
	}

	second, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if second.Stats.RecordsAccepted != 0 {
		t.Errorf("second run accepted %d, want 0", second.Stats.RecordsAccepted)
	}
	if n := strings.Count(readOutput(t, opts.OutputFile), "shared.com"); n != 1 {
		t.Errorf("shared.com appears %d times, want 1", n)
	}
}

func TestSweepCountsInvalidRows(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, _ string, _ int) {
		fmt.Fprint(w, `{"results":[["short.com","1.2.3.4","x"],["a.com","1.2.3.4",null,80,"http"]]}`)
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="test"`))

	sum, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	if sum.Stats.RecordsInvalid != 1 || sum.Stats.RecordsAccepted != 1 || sum.Stats.Failed != 0 {
		t.Errorf("stats = %+v, want invalid 1, accepted 1, failed 0", sum.Stats)
	}
	out := readOutput(t, opts.OutputFile)
	if strings.Contains(out, "short.com") {
		t.Error("invalid row was written")
	}
	if !strings.Contains(out, "a.com,1.2.3.4,,80,http") {
		t.Errorf("null title or numeric port not normalised:\n%s", out)
	}
}

func TestSweepWaitsOutRateLimit(t *testing.T) {
	var mu sync.Mutex
	var waits []time.Duration
	retrySleep = func(_ context.Context, d time.Duration) error {
		mu.Lock()
		waits = append(waits, d)
		mu.Unlock()
		return nil
	}
	t.Cleanup(func() { retrySleep = nil })

	srv := newFofaServer(t, func(w http.ResponseWriter, _ string, attempt int) {
		if attempt == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		fmt.Fprint(w, sampleBody)
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="test"`))

	sum, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	if len(waits) != 1 || waits[0] != 5*time.Second {
		t.Errorf("waits = %v, want [5s]", waits)
	}
	if sum.Stats.RecordsAccepted != 1 {
		t.Errorf("accepted = %d, want 1", sum.Stats.RecordsAccepted)
	}
	// The wait is logged like any other error line.
	if !strings.Contains(readOutput(t, opts.ErrorLog), "rate limited, waiting 5s") {
		t.Error("rate-limit wait not logged")
	}
}

func TestSweepServerErrorExhaustsRetries(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, q string, _ int) {
		if q == `title="bad"` {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, sampleBody)
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="bad"`, `title="good"`))
	opts.MaxRetries = 2

	sum, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}

	if got := srv.attemptsFor(`title="bad"`); got != 3 {
		t.Errorf("attempts = %d, want 3", got)
	}
	st := sum.Stats
	if st.Failed != 1 || st.Completed != 1 || st.Completed+st.Failed != st.Submitted {
		t.Errorf("stats = %+v", st)
	}
	if !strings.Contains(readOutput(t, opts.ErrorLog), `title=\"bad\"`) {
		t.Error("failed query not in error log")
	}
	if sum.Errors != 1 {
		t.Errorf("Errors = %d, want 1", sum.Errors)
	}
}

func TestSweepClientErrorNotRetried(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, _ string, _ int) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":true,"errmsg":"invalid key"}`)
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="test"`))

	sum, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if got := srv.attemptsFor(`title="test"`); got != 1 {
		t.Errorf("attempts = %d, want 1", got)
	}
	if sum.Stats.Failed != 1 {
		t.Errorf("failed = %d, want 1", sum.Stats.Failed)
	}
}

func TestSweepMissingQueryFile(t *testing.T) {
	opts := testOpts(t, "http://127.0.0.1:1", filepath.Join(t.TempDir(), "nope.txt"))

	err := Run(context.Background(), opts)
	var cfgErr *config.Error
	if !errors.As(err, &cfgErr) {
		t.Fatalf("err = %v, want *config.Error", err)
	}
}

func TestSweepEmptyQueryFileIsNoWork(t *testing.T) {
	opts := testOpts(t, "http://127.0.0.1:1", writeQueries(t, "", "# nothing here"))

	if err := Run(context.Background(), opts); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(opts.OutputFile); !os.IsNotExist(err) {
		t.Error("output created for an empty query list")
	}
}

func TestSweepResumeSkipsCompleted(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, _ string, _ int) {
		fmt.Fprint(w, sampleBody)
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="a"`, `title="b"`))
	opts.ResumeFile = filepath.Join(t.TempDir(), "resume.json")

	st := resume.New(opts.ResumeFile, opts.OutputFile, 2)
	st.MarkCompleted(`title="a"`)
	if err := st.Save(); err != nil {
		t.Fatal(err)
	}

	sum, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Resumed != 1 || sum.Stats.Submitted != 1 {
		t.Errorf("resumed %d, submitted %d; want 1 and 1", sum.Resumed, sum.Stats.Submitted)
	}
	if srv.attemptsFor(`title="a"`) != 0 {
		t.Error("completed query was requested again")
	}
	if _, err := os.Stat(opts.ResumeFile); !os.IsNotExist(err) {
		t.Error("resume file not removed after a clean run")
	}
}

func TestSweepAllCompletedRemovesResumeFile(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, _ string, _ int) {
		fmt.Fprint(w, sampleBody)
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="a"`))
	opts.ResumeFile = filepath.Join(t.TempDir(), "resume.json")

	st := resume.New(opts.ResumeFile, opts.OutputFile, 1)
	st.MarkCompleted(`title="a"`)
	if err := st.Save(); err != nil {
		t.Fatal(err)
	}

	sum, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Resumed != 1 || sum.Stats.Submitted != 0 {
		t.Errorf("resumed %d, submitted %d; want 1 and 0", sum.Resumed, sum.Stats.Submitted)
	}
	if _, err := os.Stat(opts.ResumeFile); !os.IsNotExist(err) {
		t.Error("resume file kept after every query was already completed")
	}

	// The next invocation starts from scratch.
	if _, err := run(context.Background(), opts); err != nil {
		t.Fatal(err)
	}
	if srv.attemptsFor(`title="a"`) != 1 {
		t.Errorf("attempts = %d, want 1", srv.attemptsFor(`title="a"`))
	}
}

func TestSweepTargetsBecomeQueries(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, _ string, _ int) {
		fmt.Fprint(w, `{"results":[]}`)
	})
	targets := filepath.Join(t.TempDir(), "targets.txt")
	if err := os.WriteFile(targets, []byte("a.com\n8.8.8.0/24\n10.0.0.1\n"), 0644); err != nil {
		t.Fatal(err)
	}
	opts := testOpts(t, srv.URL, filepath.Join(t.TempDir(), "absent.txt"))
	opts.TargetsFile = targets

	sum, err := run(context.Background(), opts)
	if err != nil {
		t.Fatal(err)
	}
	if sum.Stats.Empty != 2 {
		t.Errorf("empty = %d, want 2", sum.Stats.Empty)
	}
	for _, q := range []string{`domain="a.com"`, `ip="8.8.8.0/24"`} {
		if srv.attemptsFor(q) != 1 {
			t.Errorf("query %s not sent", q)
		}
	}
}

func TestSweepCancelledBeforeStart(t *testing.T) {
	srv := newFofaServer(t, func(w http.ResponseWriter, _ string, _ int) {
		fmt.Fprint(w, sampleBody)
	})
	opts := testOpts(t, srv.URL, writeQueries(t, `title="a"`, `title="b"`, `title="c"`))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	sum, err := run(ctx, opts)
	if err != nil {
		t.Fatal(err)
	}
	st := sum.Stats
	if st.Completed+st.Failed != st.Submitted || st.Submitted+st.Skipped != 3 {
		t.Errorf("stats = %+v", st)
	}
}

func TestShorten(t *testing.T) {
	long := strings.Repeat("标题", 30)
	got := shorten(long)
	if !strings.HasSuffix(got, "...") || len([]rune(got)) != 53 {
		t.Errorf("shorten(%d runes) = %q", len([]rune(long)), got)
	}
	if shorten("short") != "short" {
		t.Error("short query changed")
	}
}
