package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DefaultAPIURL is the FOFA search endpoint.
const DefaultAPIURL = "https://fofa.info/api/v1/search/all"

// DefaultConfigFile is read when present and no --config is given.
const DefaultConfigFile = "fofasweep.yaml"

// Output formats.
const (
	FormatCSV    = "csv"
	FormatJSONL  = "jsonl"
	FormatSQLite = "sqlite"
)

// Options holds all configuration for a fofasweep run.
type Options struct {
	// Input
	QueriesFile string   `yaml:"queries_file"`
	TargetsFile string   `yaml:"targets_file"` // domains, IPs, CIDRs turned into queries
	Queries     []string `yaml:"queries"`
	SplitCIDR   bool     `yaml:"split_cidr"` // break ranges wider than /24 into /24 queries

	// API
	APIURL    string        `yaml:"api_url"`
	Email     string        `yaml:"email"`
	Key       string        `yaml:"key"`
	PageSize  int           `yaml:"page_size"`
	Timeout   time.Duration `yaml:"timeout"`
	UserAgent string        `yaml:"user_agent"`
	Proxy     string        `yaml:"proxy"`

	// Rate limit
	Workers          int           `yaml:"workers"`
	MinDelay         time.Duration `yaml:"min_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	AdaptiveThrottle bool          `yaml:"adaptive_throttle"`
	MaxRuntime       time.Duration `yaml:"max_runtime"` // 0 = unlimited

	// Retry
	MaxRetries       int           `yaml:"max_retries"`
	RetryBase        time.Duration `yaml:"retry_base"`
	RetryJitter      float64       `yaml:"retry_jitter"`
	MaxRateLimitWait time.Duration `yaml:"max_rate_limit_wait"`

	// Output
	OutputFile   string `yaml:"output_file"` // explicit path; overrides OutputDir naming
	OutputDir    string `yaml:"output_dir"`
	OutputFormat string `yaml:"output_format"` // "csv", "jsonl", "sqlite"
	BOM          bool   `yaml:"bom"`
	ErrorLog     string `yaml:"error_log"`
	Quiet        bool   `yaml:"quiet"`
	NoColor      bool   `yaml:"no_color"`

	// Dedup
	RedisAddr   string        `yaml:"redis_addr"`
	RedisPrefix string        `yaml:"redis_prefix"`
	RedisTTL    time.Duration `yaml:"redis_ttl"`

	// Resume & hooks
	ResumeFile  string `yaml:"resume_file"`
	OnRecordCmd string `yaml:"on_record"`
}

// Defaults returns the built-in configuration.
func Defaults() Options {
	return Options{
		QueriesFile:      "fofa_queries.txt",
		APIURL:           DefaultAPIURL,
		PageSize:         1000,
		Timeout:          30 * time.Second,
		Workers:          3,
		MinDelay:         1500 * time.Millisecond,
		MaxDelay:         3 * time.Second,
		MaxRetries:       3,
		RetryBase:        2 * time.Second,
		MaxRateLimitWait: 2 * time.Minute,
		OutputDir:        "results",
		OutputFormat:     FormatCSV,
		ErrorLog:         "fofa_error_log.txt",
		RedisPrefix:      "fofasweep:seen:",
	}
}

// Error reports configuration that prevents a run from starting.
type Error struct {
	Field  string
	Reason string
	Err    error
}

func (e *Error) Error() string {
	msg := "config"
	if e.Field != "" {
		msg += ": " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// LoadFile overlays the YAML file at path onto opts. Keys missing from the
// file leave the existing values alone. When required is false a missing
// file is not an error. It returns whether a file was read.
func LoadFile(path string, opts *Options, required bool) (bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !required {
			return false, nil
		}
		return false, &Error{Field: "config file", Reason: "reading " + path, Err: err}
	}
	if err := yaml.Unmarshal(data, opts); err != nil {
		return false, &Error{Field: "config file", Reason: "parsing " + path, Err: err}
	}
	return true, nil
}

// LoadEnv overlays environment variables onto opts, after loading any .env
// files given (missing ones are ignored). Credentials normally come from
// here so they never have to sit in a config file.
func LoadEnv(opts *Options, envFiles ...string) error {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, os.ErrNotExist) {
			return &Error{Field: "env file", Reason: "loading " + f, Err: err}
		}
	}

	if v := os.Getenv("FOFA_EMAIL"); v != "" {
		opts.Email = v
	}
	if v := os.Getenv("FOFA_KEY"); v != "" {
		opts.Key = v
	}
	if v := os.Getenv("FOFA_API_URL"); v != "" {
		opts.APIURL = v
	}
	if v := os.Getenv("FOFASWEEP_REDIS_ADDR"); v != "" {
		opts.RedisAddr = v
	}
	if v := os.Getenv("FOFASWEEP_WORKERS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return &Error{Field: "FOFASWEEP_WORKERS", Reason: "not an integer", Err: err}
		}
		opts.Workers = n
	}
	return nil
}

// Validate checks that the options describe a runnable configuration.
func (o *Options) Validate() error {
	if o.Email == "" || o.Key == "" {
		return &Error{Field: "credentials", Reason: "FOFA email and key are required (--email/--key, FOFA_EMAIL/FOFA_KEY or config file)"}
	}
	if o.Workers < 1 {
		return &Error{Field: "workers", Reason: "must be at least 1"}
	}
	if o.PageSize < 1 {
		return &Error{Field: "page-size", Reason: "must be at least 1"}
	}
	if o.MinDelay < 0 || o.MaxDelay < 0 {
		return &Error{Field: "delay", Reason: "must not be negative"}
	}
	if o.MaxDelay < o.MinDelay {
		return &Error{Field: "delay", Reason: fmt.Sprintf("max delay %s is below min delay %s", o.MaxDelay, o.MinDelay)}
	}
	if o.MaxRetries < 0 {
		return &Error{Field: "max-retries", Reason: "must not be negative"}
	}
	if o.RetryJitter < 0 {
		return &Error{Field: "retry-jitter", Reason: "must not be negative"}
	}
	if o.Timeout <= 0 {
		return &Error{Field: "timeout", Reason: "must be positive"}
	}
	switch o.OutputFormat {
	case FormatCSV, FormatJSONL, FormatSQLite:
	default:
		return &Error{Field: "format", Reason: fmt.Sprintf("unknown output format %q (csv, jsonl, sqlite)", o.OutputFormat)}
	}
	return nil
}

// OutputPath returns the store to write to: OutputFile when set, otherwise
// a timestamped name inside OutputDir.
func (o *Options) OutputPath(now time.Time) string {
	if o.OutputFile != "" {
		return o.OutputFile
	}
	ext := o.OutputFormat
	if ext == FormatSQLite {
		ext = "db"
	}
	name := fmt.Sprintf("fofa_results_%s.%s", now.Format("20060102_150405"), ext)
	return filepath.Join(o.OutputDir, name)
}

// FormatForPath guesses an output format from a file extension. It returns
// "" when the extension is not recognised.
func FormatForPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		return FormatCSV
	case ".jsonl", ".ndjson":
		return FormatJSONL
	case ".db", ".sqlite", ".sqlite3":
		return FormatSQLite
	}
	return ""
}
