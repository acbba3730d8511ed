package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/maxvaer/fofasweep/internal/config"
	"github.com/maxvaer/fofasweep/internal/runner"
	"github.com/maxvaer/fofasweep/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

var (
	opts       = config.Defaults()
	configPath string
	envFile    string
)

type flagGroup struct {
	title string
	flags []string
}

var helpGroups = []flagGroup{
	{"INPUT", []string{"queries-file", "query", "targets", "split-cidr"}},
	{"API", []string{"email", "key", "api-url", "page-size", "timeout", "user-agent", "proxy"}},
	{"RATE-LIMIT", []string{"workers", "min-delay", "max-delay", "adaptive-throttle", "max-runtime"}},
	{"RETRY", []string{"max-retries", "retry-base", "retry-jitter", "max-rate-limit-wait"}},
	{"OUTPUT", []string{"output", "output-dir", "format", "bom", "error-log", "quiet", "no-color", "on-record"}},
	{"DEDUP", []string{"redis", "redis-prefix", "redis-ttl"}},
	{"CONFIGURATION", []string{"config", "env-file", "resume-file"}},
}

var rootCmd = &cobra.Command{
	Use:     "fofasweep [flags]",
	Short:   "Run a list of FOFA queries and collect deduplicated assets",
	Version: version.Version,
	Long: `fofasweep runs every query in a list against the FOFA search API with
bounded concurrency and global request pacing, retries transient failures,
and appends each newly seen host to an output store that later runs
deduplicate against.`,
	Example: `  fofasweep -f fofa_queries.txt
  fofasweep -Q 'title="login" && country="NL"' -o login.csv
  fofasweep -t targets.txt --split-cidr -w 5 --page-size 10000
  fofasweep -f queries.txt --format sqlite -o assets.db --resume-file sweep.state
  fofasweep -f queries.txt --redis localhost:6379 --on-record "notify {host}"
  FOFA_EMAIL=me@example.com FOFA_KEY=... fofasweep -c fofasweep.yaml`,
	PreRunE: chainPreRun(loadConfig, func(cmd *cobra.Command, args []string) error {
		// An explicit -o chooses the format from its extension unless --format is given.
		if !cmd.Flags().Changed("format") && cmd.Flags().Changed("output") {
			if f := config.FormatForPath(opts.OutputFile); f != "" {
				opts.OutputFormat = f
			}
		}
		return opts.Validate()
	}),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()
		return runner.Run(ctx, &opts)
	},
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	f := rootCmd.Flags()
	d := config.Defaults()

	// Input
	f.StringVarP(&opts.QueriesFile, "queries-file", "f", d.QueriesFile, "File with one FOFA query per line")
	f.StringArrayVarP(&opts.Queries, "query", "Q", nil, "Query to run (repeatable, added to the file's queries)")
	f.StringVarP(&opts.TargetsFile, "targets", "t", "", "File of domains, IPs and CIDRs to turn into queries")
	f.BoolVar(&opts.SplitCIDR, "split-cidr", false, "Split target ranges wider than /24 into /24 queries")

	// API
	f.StringVar(&opts.Email, "email", "", "FOFA account email (or FOFA_EMAIL)")
	f.StringVar(&opts.Key, "key", "", "FOFA API key (or FOFA_KEY)")
	f.StringVar(&opts.APIURL, "api-url", d.APIURL, "Search endpoint")
	f.IntVarP(&opts.PageSize, "page-size", "s", d.PageSize, "Results requested per query")
	f.DurationVar(&opts.Timeout, "timeout", d.Timeout, "HTTP request timeout")
	f.StringVar(&opts.UserAgent, "user-agent", "", "Custom User-Agent string")
	f.StringVar(&opts.Proxy, "proxy", "", "HTTP/SOCKS proxy URL")

	// Rate limit
	f.IntVarP(&opts.Workers, "workers", "w", d.Workers, "Number of concurrent workers")
	f.DurationVar(&opts.MinDelay, "min-delay", d.MinDelay, "Minimum spacing between request starts")
	f.DurationVar(&opts.MaxDelay, "max-delay", d.MaxDelay, "Maximum spacing between request starts")
	f.BoolVar(&opts.AdaptiveThrottle, "adaptive-throttle", false, "Add extra spacing while the API rate limits")
	f.DurationVar(&opts.MaxRuntime, "max-runtime", 0, "Stop starting new queries after this long (0 to disable)")

	// Retry
	f.IntVar(&opts.MaxRetries, "max-retries", d.MaxRetries, "Retries after server or network errors")
	f.DurationVar(&opts.RetryBase, "retry-base", d.RetryBase, "First backoff, doubled on every retry")
	f.Float64Var(&opts.RetryJitter, "retry-jitter", 0, "Random extra backoff as a fraction (e.g. 0.2)")
	f.DurationVar(&opts.MaxRateLimitWait, "max-rate-limit-wait", d.MaxRateLimitWait, "Give up on a query after waiting this long for rate limits")

	// Output
	f.StringVarP(&opts.OutputFile, "output", "o", "", "Output file (default: timestamped file in --output-dir)")
	f.StringVarP(&opts.OutputDir, "output-dir", "d", d.OutputDir, "Directory for timestamped output files")
	f.StringVar(&opts.OutputFormat, "format", d.OutputFormat, "Output format: csv, jsonl, sqlite")
	f.BoolVar(&opts.BOM, "bom", false, "Start new CSV files with a UTF-8 BOM (for Excel)")
	f.StringVar(&opts.ErrorLog, "error-log", d.ErrorLog, "File that collects error lines")
	f.BoolVarP(&opts.Quiet, "quiet", "q", false, "Minimal output")
	f.BoolVar(&opts.NoColor, "no-color", false, "Disable colored output")
	f.StringVar(&opts.OnRecordCmd, "on-record", "", "Shell command to run for each new record (JSON on stdin, FOFASWEEP_* env vars)")

	// Dedup
	f.StringVar(&opts.RedisAddr, "redis", "", "Redis address or URL for a shared seen-host set")
	f.StringVar(&opts.RedisPrefix, "redis-prefix", d.RedisPrefix, "Key prefix for seen hosts in redis")
	f.DurationVar(&opts.RedisTTL, "redis-ttl", 0, "Expire seen hosts in redis after this long (0 to keep)")

	// Configuration
	f.StringVarP(&configPath, "config", "c", "", "YAML config file (default: ./"+config.DefaultConfigFile+" if present)")
	f.StringVar(&envFile, "env-file", ".env", "Dotenv file with FOFA_EMAIL / FOFA_KEY")
	f.StringVar(&opts.ResumeFile, "resume-file", "", "File to save/load completed queries for resume")

	// Custom help: categorized flags like httpx.
	rootCmd.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		w := os.Stderr
		fmt.Fprint(w, helpBanner(cmd.Version))
		fmt.Fprintf(w, "%s\n\nUsage:\n  %s\n", cmd.Long, cmd.UseLine())
		fmt.Fprintf(w, "\nExamples:\n%s\n", cmd.Example)
		fmt.Fprintf(w, "\nFlags:\n")
		for _, g := range helpGroups {
			fmt.Fprintf(w, "\n%s:\n", g.title)
			for _, name := range g.flags {
				if f := cmd.Flags().Lookup(name); f != nil {
					fmt.Fprintln(w, formatFlag(f))
				}
			}
		}
		fmt.Fprintln(w)
	})
}

// loadConfig layers defaults, the config file and the environment under
// the flags the user actually set.
func loadConfig(cmd *cobra.Command, args []string) error {
	set := changedFlags(cmd.Flags())

	merged := config.Defaults()
	path, required := configPath, true
	if path == "" {
		path, required = config.DefaultConfigFile, false
	}
	loaded, err := config.LoadFile(path, &merged, required)
	if err != nil {
		return err
	}
	if err := config.LoadEnv(&merged, envFile); err != nil {
		return err
	}

	// The flags point into opts, so overwrite it in place and replay them.
	opts = merged
	if err := set.apply(cmd.Flags()); err != nil {
		return err
	}
	if loaded && !opts.Quiet {
		fmt.Fprintf(os.Stderr, "[+] Loaded config from %s\n", path)
	}
	return nil
}

// flagValues remembers explicitly set flags so they can be reapplied.
type flagValues map[string][]string

func changedFlags(fs *pflag.FlagSet) flagValues {
	set := flagValues{}
	fs.Visit(func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			set[f.Name] = sv.GetSlice()
			return
		}
		set[f.Name] = []string{f.Value.String()}
	})
	return set
}

func (v flagValues) apply(fs *pflag.FlagSet) error {
	for name, vals := range v {
		f := fs.Lookup(name)
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			if err := sv.Replace(vals); err != nil {
				return fmt.Errorf("--%s: %w", name, err)
			}
			continue
		}
		if err := f.Value.Set(vals[0]); err != nil {
			return fmt.Errorf("--%s: %w", name, err)
		}
	}
	return nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// chainPreRun combines two PreRunE functions.
func chainPreRun(first, second func(*cobra.Command, []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		if first != nil {
			if err := first(cmd, args); err != nil {
				return err
			}
		}
		return second(cmd, args)
	}
}

func formatFlag(f *pflag.Flag) string {
	var left string
	if f.Shorthand != "" {
		left = fmt.Sprintf("-%s, --%s", f.Shorthand, f.Name)
	} else {
		left = fmt.Sprintf("    --%s", f.Name)
	}

	typ := f.Value.Type()
	if typ != "bool" {
		left += " " + typ
	}

	// Pad to fixed column width for aligned descriptions.
	const col = 40
	for len(left) < col {
		left += " "
	}

	right := f.Usage
	def := f.DefValue
	if def != "" && def != "false" && def != "0" && def != "0s" && def != "[]" {
		right += fmt.Sprintf(" (default %s)", def)
	}

	return "   " + left + right
}

func helpBanner(ver string) string {
	if ver != "dev" && ver != "" && !strings.HasPrefix(ver, "v") {
		ver = "v" + ver
	}
	return fmt.Sprintf(`
    ____        ____      _____
   / __/___    / __/___ _/ ___/      _____  ___  ____
  / /_/ __ \  / /_/ __ '/\__ \ | /| / / _ \/ _ \/ __ \
 / __/ /_/ / / __/ /_/ /___/ / |/ |/ /  __/  __/ /_/ /
/_/  \____/ /_/  \__,_//____/|__/|__/\___/\___/ .___/  %s
                                             /_/

`, ver)
}
