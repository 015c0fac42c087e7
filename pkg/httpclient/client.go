package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/danhnguyen123/data-engineering-outsource/pkg/metrics"
	"github.com/danhnguyen123/data-engineering-outsource/pkg/tracing"
)

const (
	DefaultTimeout = 30 * time.Second

	// MaxResponseSize is the maximum response body size (32MB)
	MaxResponseSize = 32 * 1024 * 1024
)

// DefaultRetryStatuses are the status codes retried by default.
var DefaultRetryStatuses = []int{500, 502, 503, 504}

// Client wraps net/http with logging, size limits and status retries
type Client struct {
	client *http.Client
	logger ectologger.Logger
	retry  RetryConfig
}

// Config holds HTTP client configuration
type Config struct {
	Timeout         time.Duration
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	Retry           RetryConfig
}

// RetryConfig controls status-code retries with exponential backoff.
type RetryConfig struct {
	MaxRetries int
	Backoff    time.Duration
	Statuses   []int
}

func DefaultConfig() Config {
	return Config{
		Timeout:         DefaultTimeout,
		MaxIdleConns:    100,
		IdleConnTimeout: 90 * time.Second,
		Retry: RetryConfig{
			MaxRetries: 10,
			Backoff:    500 * time.Millisecond,
			Statuses:   DefaultRetryStatuses,
		},
	}
}

func NewClient(cfg Config, logger ectologger.Logger) *Client {
	transport := &http.Transport{
		Proxy:           http.ProxyFromEnvironment,
		MaxIdleConns:    cfg.MaxIdleConns,
		IdleConnTimeout: cfg.IdleConnTimeout,
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retry.Statuses == nil {
		cfg.Retry.Statuses = DefaultRetryStatuses
	}

	return &Client{
		client: &http.Client{
			Transport: transport,
			Timeout:   cfg.Timeout,
		},
		logger: logger,
		retry:  cfg.Retry,
	}
}

// Response represents an HTTP response
type Response struct {
	StatusCode  int
	Headers     http.Header
	Body        []byte
	ContentType string
	Duration    time.Duration
}

// JSON decodes the body into dest
func (r *Response) JSON(dest any) error {
	if err := json.Unmarshal(r.Body, dest); err != nil {
		return fmt.Errorf("failed to decode response body: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx responses
type StatusError struct {
	StatusCode int
	Body       string
	What       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: status_code: %d, error: %s", e.What, e.StatusCode, e.Body)
}

// Check returns a StatusError unless the response is 2xx
func (r *Response) Check(what string) error {
	if IsSuccessStatus(r.StatusCode) {
		return nil
	}
	body := string(r.Body)
	if len(body) > 2048 {
		body = body[:2048]
	}
	return &StatusError{StatusCode: r.StatusCode, Body: body, What: what}
}

// Do executes req, retrying configured statuses and transport errors.
// A request with a body must have GetBody set (http.NewRequest does this for bytes readers).
func (c *Client) Do(ctx context.Context, req *http.Request) (*Response, error) {
	ctx, span := tracing.StartSpan(ctx, "HTTP "+req.Method)
	defer span.End()

	var lastErr error
	for attempt := 0; attempt <= c.retry.MaxRetries; attempt++ {
		if attempt > 0 {
			wait := c.retry.Backoff * time.Duration(1<<uint(min(attempt-1, 6)))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
			if req.GetBody != nil {
				body, err := req.GetBody()
				if err != nil {
					return nil, fmt.Errorf("failed to rewind request body: %w", err)
				}
				req.Body = body
			}
		}

		resp, err := c.do(ctx, req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, err
			}
			continue
		}
		if c.retryable(resp.StatusCode) && attempt < c.retry.MaxRetries {
			c.logger.WithContext(ctx).Warnf("HTTP %s %s -> %d, retrying (attempt %d)", req.Method, redact(req.URL), resp.StatusCode, attempt+1)
			lastErr = resp.Check("retryable status")
			continue
		}
		return resp, nil
	}

	tracing.RecordError(span, lastErr)
	return nil, lastErr
}

func (c *Client) do(ctx context.Context, req *http.Request) (*Response, error) {
	start := time.Now()

	resp, err := c.client.Do(req.WithContext(ctx))
	if err != nil {
		metrics.RecordHTTPRequest(req.Method, "error", time.Since(start).Seconds())
		c.logger.WithContext(ctx).WithError(err).Errorf("HTTP request failed: %s %s", req.Method, redact(req.URL))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > MaxResponseSize {
		return nil, fmt.Errorf("response body too large: %d bytes (max %d)", len(body), MaxResponseSize)
	}

	duration := time.Since(start)
	metrics.RecordHTTPRequest(req.Method, strconv.Itoa(resp.StatusCode), duration.Seconds())
	c.logger.WithContext(ctx).Debugf("HTTP %s %s -> %d (%s)", req.Method, redact(req.URL), resp.StatusCode, duration)

	return &Response{
		StatusCode:  resp.StatusCode,
		Headers:     resp.Header,
		Body:        body,
		ContentType: resp.Header.Get("Content-Type"),
		Duration:    duration,
	}, nil
}

func (c *Client) retryable(status int) bool {
	for _, s := range c.retry.Statuses {
		if s == status {
			return true
		}
	}
	return false
}

// Get performs a GET request with optional query params
func (c *Client) Get(ctx context.Context, rawURL string, params url.Values, headers map[string]string) (*Response, error) {
	if len(params) > 0 {
		rawURL = rawURL + "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	setHeaders(req, headers)
	return c.Do(ctx, req)
}

// PostJSON posts body encoded as JSON
func (c *Client) PostJSON(ctx context.Context, rawURL string, headers map[string]string, body any) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	setHeaders(req, headers)
	return c.Do(ctx, req)
}

// PostForm posts url-encoded form values
func (c *Client) PostForm(ctx context.Context, rawURL string, headers map[string]string, form url.Values) (*Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rawURL, bytes.NewReader([]byte(form.Encode())))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	setHeaders(req, headers)
	return c.Do(ctx, req)
}

func setHeaders(req *http.Request, headers map[string]string) {
	for key, value := range headers {
		req.Header.Set(key, value)
	}
}

// redact drops query strings, which carry access tokens for some sources.
func redact(u *url.URL) string {
	c := *u
	c.RawQuery = ""
	return c.String()
}

// IsSuccessStatus returns true if the status code indicates success
func IsSuccessStatus(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
