package scanner

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maxvaer/fofasweep/internal/config"
	"github.com/maxvaer/fofasweep/internal/record"
)

// DefaultRetryAfter is used when a 429 response carries no usable
// Retry-After header.
const DefaultRetryAfter = 10 * time.Second

// maxBodyBytes bounds how much of a response body is read.
const maxBodyBytes = 64 << 20

// rateLimitPhrases mark a 200 response with "error": true as throttling
// rather than a permanent failure.
var rateLimitPhrases = []string{
	"请求太多",
	"稍后再试",
	"请求频率过高",
	"请求过于频繁",
	"rate limit",
	"too many requests",
	"api limit",
}

// searchResponse is the subset of the FOFA search/all response we use.
// Results is a pointer so a missing field can be told apart from an empty one.
type searchResponse struct {
	Error   bool               `json:"error"`
	ErrMsg  string             `json:"errmsg"`
	Size    int                `json:"size"`
	Page    int                `json:"page"`
	Mode    string             `json:"mode"`
	Query   string             `json:"query"`
	Results *[]json.RawMessage `json:"results"`
}

// Client issues single search requests against the FOFA API and classifies
// the outcome. It performs no retries itself.
type Client struct {
	client     *http.Client
	endpoint   *url.URL
	email      string
	key        string
	pageSize   int
	userAgent  string
	retryAfter time.Duration
}

// NewClient creates a Client from the provided options.
func NewClient(opts *config.Options) (*Client, error) {
	endpoint, err := url.Parse(opts.APIURL)
	if err != nil {
		return nil, fmt.Errorf("invalid API URL %q: %w", opts.APIURL, err)
	}
	if endpoint.Scheme == "" || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid API URL %q: scheme and host required", opts.APIURL)
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: opts.Timeout,
		}).DialContext,
		MaxIdleConnsPerHost: opts.Workers,
		MaxIdleConns:        opts.Workers,
	}

	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("invalid proxy URL %q: %w", opts.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	ua := opts.UserAgent
	if ua == "" {
		ua = "fofasweep/1.0"
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   opts.Timeout,
		},
		endpoint:   endpoint,
		email:      opts.Email,
		key:        opts.Key,
		pageSize:   opts.PageSize,
		userAgent:  ua,
		retryAfter: DefaultRetryAfter,
	}, nil
}

// requestURL builds the search URL for query.
func (c *Client) requestURL(query string) string {
	params := url.Values{}
	params.Set("email", c.email)
	params.Set("key", c.key)
	params.Set("qbase64", base64.StdEncoding.EncodeToString([]byte(query)))
	params.Set("fields", record.Fields)
	params.Set("size", strconv.Itoa(c.pageSize))
	params.Set("page", "1")

	u := *c.endpoint
	u.RawQuery = params.Encode()
	return u.String()
}

// Query sends one search request and classifies the response.
func (c *Client) Query(ctx context.Context, query string) Outcome {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.requestURL(query), nil)
	if err != nil {
		return Outcome{Kind: OutcomeTransportError, Err: err}
	}
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return Outcome{Kind: OutcomeTransportError, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return Outcome{Kind: OutcomeTransportError, Err: fmt.Errorf("reading response body: %w", err)}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return c.decode(body)
	case resp.StatusCode == http.StatusTooManyRequests:
		return Outcome{
			Kind:       OutcomeRateLimited,
			Status:     resp.StatusCode,
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.retryAfter),
		}
	case resp.StatusCode >= 500:
		return Outcome{Kind: OutcomeServerError, Status: resp.StatusCode}
	default:
		return Outcome{
			Kind:   OutcomeClientError,
			Status: resp.StatusCode,
			Err:    errors.New(snippet(body)),
		}
	}
}

func (c *Client) decode(body []byte) Outcome {
	var sr searchResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Outcome{Kind: OutcomeTransportError, Err: fmt.Errorf("decoding response: %w", err)}
	}
	if sr.Error {
		if looksRateLimited(sr.ErrMsg) {
			return Outcome{Kind: OutcomeRateLimited, Status: http.StatusOK, RetryAfter: c.retryAfter}
		}
		return Outcome{Kind: OutcomeClientError, Status: http.StatusOK, Err: errors.New(sr.ErrMsg)}
	}
	if sr.Results == nil {
		return Outcome{Kind: OutcomeTransportError, Err: errors.New("response has no results field")}
	}
	if len(*sr.Results) == 0 {
		return Outcome{Kind: OutcomeEmpty}
	}

	rows := make([][]any, 0, len(*sr.Results))
	for _, raw := range *sr.Results {
		var row []any
		if err := json.Unmarshal(raw, &row); err != nil {
			// A scalar row cannot hold five fields; keep it so it is
			// counted as invalid instead of vanishing.
			var v any
			_ = json.Unmarshal(raw, &v)
			row = []any{v}
		}
		rows = append(rows, row)
	}
	return Outcome{Kind: OutcomeOK, Rows: rows}
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, fallback time.Duration) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return fallback
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return fallback
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d.Round(time.Second)
		}
		return 0
	}
	return fallback
}

func looksRateLimited(msg string) bool {
	msg = strings.ToLower(msg)
	for _, p := range rateLimitPhrases {
		if strings.Contains(msg, p) {
			return true
		}
	}
	return false
}

func snippet(body []byte) string {
	s := string(bytes.TrimSpace(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	if s == "" {
		s = "empty body"
	}
	return s
}
