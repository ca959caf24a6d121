package storage

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	uberratelimit "go.uber.org/ratelimit"

	"vodgate/work/client"
	"vodgate/work/config"
	"vodgate/work/logger"
	"vodgate/work/metrics"
)

// Object is the result of a successful storage fetch. Status is either 200
// or 206; Header carries the upstream entity headers the proxy propagates
// (Content-Range, Content-Length, Content-Type, ETag, Last-Modified,
// Accept-Ranges). The caller owns Body and must close it.
type Object struct {
	Status int
	Header http.Header
	Body   io.ReadCloser
}

// breakerGate is the slice of the circuit breaker the storage client needs.
type breakerGate interface {
	IsOpen() bool
	RecordFailure()
	RecordSuccess()
}

// Client fetches objects from the storage backend with bounded retries, a
// circuit-breaker gate, and outbound request smoothing.
//
// Retry policy:
//   - network errors, timeouts, 5xx and 429 responses are retryable
//   - 404 maps to ErrNotFound and is never retried
//   - any other 4xx maps to ErrUpstream and is never retried
//
// The breaker is consulted once before the first attempt; an open breaker
// fails fast with ErrCircuitOpen and no request leaves the process. The
// breaker records one failure per exhausted logical fetch, not one per
// attempt, and one success per fetch that returns object bytes. Answers
// that map straight to caller errors (404, other 4xx) leave the breaker
// untouched: they are neither evidence of backend health nor of outage.
type Client struct {
	http      *client.StorageHTTPClient
	breaker   breakerGate
	outbound  uberratelimit.Limiter
	endpoint  string
	bucket    string
	maxRetry  int
	baseDelay time.Duration
	maxDelay  time.Duration
	obfuscate bool
	sleep     func(context.Context, time.Duration) error
}

// NewClient builds a storage client from the storage section of the config.
func NewClient(cfg config.StorageConfig, hc *client.StorageHTTPClient, brk breakerGate) *Client {
	return &Client{
		http:      hc,
		breaker:   brk,
		outbound:  uberratelimit.New(cfg.RequestsPerSecond),
		endpoint:  cfg.Endpoint,
		bucket:    cfg.Bucket,
		maxRetry:  cfg.MaxRetries,
		baseDelay: cfg.RetryBaseDelay,
		maxDelay:  cfg.RetryMaxDelay,
		obfuscate: cfg.ObfuscateKeys,
		sleep:     sleepCtx,
	}
}

// objectURL joins the endpoint, bucket and key into the upstream URL.
func (c *Client) objectURL(key string) string {
	return fmt.Sprintf("%s/%s/%s", c.endpoint, c.bucket, key)
}

// FetchRange fetches an object, optionally with a Range header. rangeHeader
// is passed through verbatim when non-empty; the upstream decides whether to
// answer 206 or 200, and either is returned as-is so the proxy can relay
// exactly what storage produced.
func (c *Client) FetchRange(ctx context.Context, key, rangeHeader string) (*Object, error) {
	if c.breaker.IsOpen() {
		logger.Debug("{storage - FetchRange} Breaker open, failing fast for %s", c.maskKey(key))
		return nil, ErrCircuitOpen
	}

	url := c.objectURL(key)
	delay := c.baseDelay
	var lastErr error

	for attempt := 0; attempt <= c.maxRetry; attempt++ {
		if attempt > 0 {
			metrics.StorageRetries.Inc()
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay = delay * 3 / 2
			if delay > c.maxDelay {
				delay = c.maxDelay
			}
		}

		c.outbound.Take()

		obj, retryable, err := c.attempt(ctx, url, rangeHeader)
		if err == nil {
			c.breaker.RecordSuccess()
			return obj, nil
		}
		if !retryable {
			return nil, err
		}

		lastErr = err
		logger.Debug("{storage - FetchRange} Attempt %d/%d for %s failed: %v",
			attempt+1, c.maxRetry+1, c.maskKey(key), err)
	}

	c.breaker.RecordFailure()
	return nil, fmt.Errorf("%w: %s: %v", ErrRetryExhausted, key, lastErr)
}

// Fetch fetches the whole object.
func (c *Client) Fetch(ctx context.Context, key string) (*Object, error) {
	return c.FetchRange(ctx, key, "")
}

// Head fetches object metadata without the body. Same breaker gate as
// FetchRange, single attempt: callers use Head for cheap existence probes
// and retrying those just delays the real fetch.
func (c *Client) Head(ctx context.Context, key string) (http.Header, error) {
	if c.breaker.IsOpen() {
		return nil, ErrCircuitOpen
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.objectURL(key), nil)
	if err != nil {
		return nil, err
	}

	c.outbound.Take()
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("network").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		c.breaker.RecordSuccess()
		return resp.Header, nil
	case resp.StatusCode == http.StatusNotFound:
		return nil, ErrNotFound
	default:
		return nil, fmt.Errorf("storage status %d", resp.StatusCode)
	}
}

// attempt runs a single GET. It returns the object on success, or an error
// plus whether that error is worth another attempt.
func (c *Client) attempt(ctx context.Context, url, rangeHeader string) (*Object, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, err
	}
	if rangeHeader != "" {
		req.Header.Set("Range", rangeHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		metrics.StorageErrors.WithLabelValues("network").Inc()
		return nil, true, err
	}

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusPartialContent:
		return &Object{
			Status: resp.StatusCode,
			Header: resp.Header,
			Body:   resp.Body,
		}, false, nil

	case resp.StatusCode == http.StatusNotFound:
		drain(resp)
		metrics.StorageErrors.WithLabelValues("not_found").Inc()
		return nil, false, ErrNotFound

	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		drain(resp)
		metrics.StorageErrors.WithLabelValues("server").Inc()
		return nil, true, fmt.Errorf("storage status %d", resp.StatusCode)

	default:
		drain(resp)
		metrics.StorageErrors.WithLabelValues("client").Inc()
		return nil, false, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
}

// maskKey hides the object key in log lines when obfuscation is enabled,
// keeping only the extension so lines stay greppable by asset class.
func (c *Client) maskKey(key string) string {
	if !c.obfuscate {
		return key
	}
	if i := strings.LastIndex(key, "."); i >= 0 {
		return "***" + key[i:]
	}
	return "***"
}

// drain discards and closes a response body so the connection can be reused.
func drain(resp *http.Response) {
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	resp.Body.Close()
}

// sleepCtx sleeps for d unless ctx is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
