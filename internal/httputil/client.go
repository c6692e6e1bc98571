// Package httputil provides the resilient outbound HTTP client and small
// helpers shared by HTTP handlers.
package httputil

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/R3E-Network/pricewatch/pkg/logger"
)

// =============================================================================
// Errors
// =============================================================================

// ErrRateLimited is returned when an origin answered 429 or is cooling down.
var ErrRateLimited = errors.New("origin rate limited")

// CooldownError carries the origin and the instant its cooldown ends.
type CooldownError struct {
	Origin string
	Until  time.Time
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("%s: %s cooling down until %s", ErrRateLimited, e.Origin, e.Until.UTC().Format(time.RFC3339))
}

// Unwrap lets errors.Is(err, ErrRateLimited) match.
func (e *CooldownError) Unwrap() error { return ErrRateLimited }

// TransportError wraps the last network failure once retries are exhausted.
type TransportError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("request %s failed after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// =============================================================================
// Client
// =============================================================================

// ClientConfig configures the resilient client.
type ClientConfig struct {
	Timeout     time.Duration
	Concurrency int
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	Jitter      bool
	UserAgent   string
	Logger      *logger.Logger
	HTTPClient  *http.Client
}

// FetchOptions overrides the client defaults for one call.
type FetchOptions struct {
	Method     string
	Body       io.Reader
	Timeout    time.Duration
	MaxRetries *int
}

// Response is a fully buffered HTTP response.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r != nil && r.StatusCode >= 200 && r.StatusCode <= 299
}

// Client performs outbound requests with bounded concurrency, exponential
// backoff on server errors and per-origin cooldown after 429 responses.
type Client struct {
	httpClient *http.Client
	sem        *semaphore.Weighted
	maxRetries int
	baseDelay  time.Duration
	maxDelay   time.Duration
	jitter     bool
	userAgent  string
	timeout    time.Duration
	log        *logger.Logger

	mu        sync.Mutex
	cooldowns map[string]time.Time

	// overridable in tests
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
	rand  func() float64
}

// NewClient builds a Client, applying defaults for zero values.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 5
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = time.Second
	}
	maxDelay := cfg.MaxDelay
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	log := cfg.Logger
	if log == nil {
		log = logger.NewDefault("httpclient")
	}

	return &Client{
		httpClient: httpClient,
		sem:        semaphore.NewWeighted(int64(concurrency)),
		maxRetries: maxRetries,
		baseDelay:  baseDelay,
		maxDelay:   maxDelay,
		jitter:     cfg.Jitter,
		userAgent:  cfg.UserAgent,
		timeout:    timeout,
		log:        log,
		cooldowns:  make(map[string]time.Time),
		now:        time.Now,
		sleep:      sleepContext,
		rand:       rand.Float64,
	}
}

// Fetch issues a request to rawURL with the given query params and headers.
// Responses with status >= 500 and transport failures are retried; a 429
// puts the origin into cooldown and fails fast with a *CooldownError. Every
// other status is returned to the caller unchanged.
func (c *Client) Fetch(ctx context.Context, rawURL string, params url.Values, headers map[string]string, opts FetchOptions) (*Response, error) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url: %w", err)
	}
	if len(params) > 0 {
		q := target.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		target.RawQuery = q.Encode()
	}
	origin := target.Scheme + "://" + target.Host

	if until, cooling := c.cooldownUntil(origin); cooling {
		return nil, &CooldownError{Origin: origin, Until: until}
	}

	method := opts.Method
	if method == "" {
		method = http.MethodGet
	}
	var body []byte
	if opts.Body != nil {
		body, err = io.ReadAll(opts.Body)
		if err != nil {
			return nil, fmt.Errorf("read request body: %w", err)
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	maxRetries := c.maxRetries
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		maxRetries = *opts.MaxRetries
	}

	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer c.sem.Release(1)

	var lastErr error
	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, method, target.String(), body, headers, timeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			if attempt < maxRetries {
				delay := c.backoff(attempt)
				c.log.WithFields(map[string]interface{}{
					"origin":  origin,
					"attempt": attempt + 1,
				}).WithError(err).Debugf("transport error, retrying in %s", delay)
				if waitErr := c.sleep(ctx, delay); waitErr != nil {
					return nil, waitErr
				}
				continue
			}
			return nil, &TransportError{URL: target.String(), Attempts: attempt + 1, Err: lastErr}
		}

		switch {
		case resp.StatusCode == http.StatusTooManyRequests:
			wait := parseRetryAfter(resp.Header.Get("Retry-After"), c.now())
			if wait <= 0 {
				wait = c.backoff(attempt)
			}
			until := c.setCooldown(origin, wait)
			c.log.WithField("origin", origin).Warnf("rate limited, cooling down for %s", wait)
			return nil, &CooldownError{Origin: origin, Until: until}
		case resp.StatusCode >= 500 && attempt < maxRetries:
			delay := c.backoff(attempt)
			c.log.WithFields(map[string]interface{}{
				"origin":  origin,
				"attempt": attempt + 1,
				"status":  resp.StatusCode,
			}).Debugf("server error, retrying in %s", delay)
			if waitErr := c.sleep(ctx, delay); waitErr != nil {
				return nil, waitErr
			}
			continue
		default:
			return resp, nil
		}
	}
}

// Get is Fetch with default options.
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values) (*Response, error) {
	return c.Fetch(ctx, rawURL, params, nil, FetchOptions{})
}

// CooldownRemaining returns how long the origin of rawURL stays blocked.
func (c *Client) CooldownRemaining(rawURL string) time.Duration {
	target, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}
	until, cooling := c.cooldownUntil(target.Scheme + "://" + target.Host)
	if !cooling {
		return 0
	}
	return until.Sub(c.now())
}

func (c *Client) do(ctx context.Context, method, target string, body []byte, headers map[string]string, timeout time.Duration) (*Response, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := ReadAllStrict(resp.Body, 8<<20)
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

// backoff returns min(base*2^attempt, max), optionally with full jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			delay = c.maxDelay
			break
		}
	}
	if delay > c.maxDelay {
		delay = c.maxDelay
	}
	if c.jitter {
		delay = time.Duration(c.rand() * float64(delay))
	}
	return delay
}

func (c *Client) cooldownUntil(origin string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	until, ok := c.cooldowns[origin]
	if !ok {
		return time.Time{}, false
	}
	if !c.now().Before(until) {
		delete(c.cooldowns, origin)
		return time.Time{}, false
	}
	return until, true
}

func (c *Client) setCooldown(origin string, wait time.Duration) time.Time {
	until := c.now().Add(wait)
	c.mu.Lock()
	if existing, ok := c.cooldowns[origin]; !ok || until.After(existing) {
		c.cooldowns[origin] = until
	} else {
		until = existing
	}
	c.mu.Unlock()
	return until
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(header string, now time.Time) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		if seconds < 0 {
			return 0
		}
		return time.Duration(seconds) * time.Second
	}
	if at, err := http.ParseTime(header); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
