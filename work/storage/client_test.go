package storage

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vodgate/work/breaker"
	"vodgate/work/client"
	"vodgate/work/config"
)

// fakeBreaker records gate interactions without any threshold logic.
type fakeBreaker struct {
	open      bool
	failures  int
	successes int
}

func (f *fakeBreaker) IsOpen() bool   { return f.open }
func (f *fakeBreaker) RecordFailure() { f.failures++ }
func (f *fakeBreaker) RecordSuccess() { f.successes++ }

func newTestClient(t *testing.T, upstream *httptest.Server, brk breakerGate) *Client {
	t.Helper()
	cfg := config.StorageConfig{
		Endpoint:          upstream.URL,
		Bucket:            "vod",
		RequestsPerSecond: 1000,
		MaxRetries:        3,
		RetryBaseDelay:    time.Millisecond,
		RetryMaxDelay:     5 * time.Millisecond,
	}
	return NewClient(cfg, client.NewStorageHTTPClient(), brk)
}

func TestFetchSuccessPropagatesHeadersAndBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/vod/hls/42/playlist.m3u8", r.URL.Path)
		w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
		w.Header().Set("ETag", `"abc123"`)
		w.WriteHeader(http.StatusOK)
		io.WriteString(w, "#EXTM3U\n")
	}))
	defer upstream.Close()

	brk := &fakeBreaker{}
	c := newTestClient(t, upstream, brk)

	obj, err := c.Fetch(context.Background(), "hls/42/playlist.m3u8")
	require.NoError(t, err)
	defer obj.Body.Close()

	assert.Equal(t, http.StatusOK, obj.Status)
	assert.Equal(t, `"abc123"`, obj.Header.Get("ETag"))
	body, _ := io.ReadAll(obj.Body)
	assert.Equal(t, "#EXTM3U\n", string(body))
	assert.Equal(t, 1, brk.successes)
	assert.Equal(t, 0, brk.failures)
}

func TestFetchRangePassesRangeThrough(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "bytes=0-1023", r.Header.Get("Range"))
		w.Header().Set("Content-Range", "bytes 0-1023/4096")
		w.WriteHeader(http.StatusPartialContent)
		io.WriteString(w, strings.Repeat("x", 1024))
	}))
	defer upstream.Close()

	c := newTestClient(t, upstream, &fakeBreaker{})

	obj, err := c.FetchRange(context.Background(), "hls/42/720p/seg_000.ts", "bytes=0-1023")
	require.NoError(t, err)
	defer obj.Body.Close()

	assert.Equal(t, http.StatusPartialContent, obj.Status)
	assert.Equal(t, "bytes 0-1023/4096", obj.Header.Get("Content-Range"))
}

func TestFetchRetriesServerErrorsThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 2 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer upstream.Close()

	brk := &fakeBreaker{}
	c := newTestClient(t, upstream, brk)

	obj, err := c.Fetch(context.Background(), "hls/42/720p/seg_000.ts")
	require.NoError(t, err)
	obj.Body.Close()

	assert.Equal(t, int32(3), calls.Load())
	assert.Equal(t, 1, brk.successes)
	assert.Equal(t, 0, brk.failures, "a fetch that eventually succeeds is not a breaker failure")
}

func TestFetchExhaustedRetriesRecordOneBreakerFailure(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer upstream.Close()

	brk := &fakeBreaker{}
	c := newTestClient(t, upstream, brk)

	_, err := c.Fetch(context.Background(), "hls/42/720p/seg_000.ts")
	require.ErrorIs(t, err, ErrRetryExhausted)

	assert.Equal(t, int32(4), calls.Load(), "initial attempt plus three retries")
	assert.Equal(t, 1, brk.failures, "one breaker failure per logical fetch, not per attempt")
}

func TestFetchNotFoundIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	brk := &fakeBreaker{}
	c := newTestClient(t, upstream, brk)

	_, err := c.Fetch(context.Background(), "hls/42/missing.ts")
	require.ErrorIs(t, err, ErrNotFound)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, brk.failures, "a missing object is not a backend outage")
	assert.Equal(t, 0, brk.successes, "a missing object is no evidence of backend health either")
}

func TestNotFoundLeavesAccumulatedFailuresAlone(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	brk := breaker.New(5, time.Minute)
	for i := 0; i < 4; i++ {
		brk.RecordFailure()
	}
	c := newTestClient(t, upstream, brk)

	_, err := c.Fetch(context.Background(), "hls/42/missing.ts")
	require.ErrorIs(t, err, ErrNotFound)

	assert.Equal(t, 4, brk.FailureCount(), "interleaved 404s must not reset the failure count")
	assert.False(t, brk.IsOpen())
}

func TestFetchFailsFastWhenBreakerOpen(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
	}))
	defer upstream.Close()

	brk := &fakeBreaker{open: true}
	c := newTestClient(t, upstream, brk)

	_, err := c.Fetch(context.Background(), "hls/42/playlist.m3u8")
	require.ErrorIs(t, err, ErrCircuitOpen)
	assert.Equal(t, int32(0), calls.Load(), "no request may leave the process")
}

func TestFetchOtherClientErrorsAreNotRetried(t *testing.T) {
	var calls atomic.Int32
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusForbidden)
	}))
	defer upstream.Close()

	brk := &fakeBreaker{}
	c := newTestClient(t, upstream, brk)

	_, err := c.Fetch(context.Background(), "hls/42/playlist.m3u8")
	require.ErrorIs(t, err, ErrUpstream)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 0, brk.successes+brk.failures, "caller errors leave the breaker untouched")
}

func TestHeadReturnsMetadataWithoutBody(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("Content-Length", "4096")
		w.Header().Set("Content-Type", "video/mp2t")
	}))
	defer upstream.Close()

	c := newTestClient(t, upstream, &fakeBreaker{})

	hdr, err := c.Head(context.Background(), "hls/42/720p/seg_000.ts")
	require.NoError(t, err)
	assert.Equal(t, "video/mp2t", hdr.Get("Content-Type"))
}

func TestHeadMapsNotFound(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer upstream.Close()

	c := newTestClient(t, upstream, &fakeBreaker{})

	_, err := c.Head(context.Background(), "hls/42/missing.ts")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMaskKeyHidesPathWhenObfuscationEnabled(t *testing.T) {
	c := &Client{obfuscate: true}
	assert.Equal(t, "***.ts", c.maskKey("hls/42/720p/seg_000.ts"))
	assert.Equal(t, "***", c.maskKey("hls/42/720p"))

	c.obfuscate = false
	assert.Equal(t, "hls/42/720p/seg_000.ts", c.maskKey("hls/42/720p/seg_000.ts"))
}

func TestSignedURLStableWithinBucketAndVerifies(t *testing.T) {
	now := time.Unix(1_700_000_010, 0)
	s := NewSigner("https://store.example.com", "vod", "secret", 5*time.Minute)
	s.SetNow(func() time.Time { return now })

	url1 := s.SignURL("hls/42/720p/seg_000.ts")

	// later in the same expiry bucket the URL is byte-identical
	now = now.Add(90 * time.Second)
	url2 := s.SignURL("hls/42/720p/seg_000.ts")
	assert.Equal(t, url1, url2)

	// the signature round-trips through Verify
	parsed, err := url.Parse(url1)
	require.NoError(t, err)
	expires, err := strconv.ParseInt(parsed.Query().Get("expires"), 10, 64)
	require.NoError(t, err)
	sig := parsed.Query().Get("sig")

	assert.True(t, s.Verify("hls/42/720p/seg_000.ts", expires, sig))
	assert.False(t, s.Verify("hls/42/720p/seg_001.ts", expires, sig))
}
