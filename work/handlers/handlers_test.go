package handlers

import (
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vodgate/work/auth"
	"vodgate/work/breaker"
	"vodgate/work/cache"
	"vodgate/work/client"
	"vodgate/work/config"
	"vodgate/work/middleware"
	"vodgate/work/movies"
	"vodgate/work/playlist"
	"vodgate/work/proxy"
	"vodgate/work/ratelimit"
	"vodgate/work/storage"
)

// newTestRouter builds the full routed surface over a fake storage
// upstream, the way main wires it.
func newTestRouter(t *testing.T) (*mux.Router, *auth.Verifier, *movies.Catalog) {
	t.Helper()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "playlist.m3u8") {
			io.WriteString(w, "#EXTM3U\n#EXT-X-STREAM-INF:BANDWIDTH=2800000\n720p/playlist.m3u8\n")
			return
		}
		io.WriteString(w, "bytes")
	}))
	t.Cleanup(upstream.Close)

	catalog, err := movies.Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { catalog.Close() })
	require.NoError(t, catalog.Add(&movies.Movie{ID: "42", VideoPath: "uploads/42.mp4"}))
	require.NoError(t, catalog.MarkConverted("42", "hls/42"))
	require.NoError(t, catalog.Add(&movies.Movie{ID: "99", VideoPath: "uploads/99.mp4"}))

	cfg := &config.Config{
		BaseURL: "https://vod.example.com",
		Storage: config.StorageConfig{
			Endpoint:          upstream.URL,
			Bucket:            "vod",
			RequestsPerSecond: 1000,
			MaxRetries:        1,
			RetryBaseDelay:    time.Millisecond,
			RetryMaxDelay:     time.Millisecond,
			PlaylistTimeout:   time.Second,
			SegmentTimeout:    time.Second,
		},
		RateLimit: config.RateLimitConfig{WindowLength: time.Minute},
	}

	verifier := auth.NewVerifier("secret")
	p := proxy.New(cfg,
		storage.NewClient(cfg.Storage, client.NewStorageHTTPClient(), breaker.New(100, time.Minute)),
		catalog,
		ratelimit.New(time.Minute, 100, 100),
		verifier,
		playlist.NewAuthorizer(playlist.ModeProxy, cfg.BaseURL, nil),
		cache.New(false, 0, 0))

	router := mux.NewRouter()
	router.Use(middleware.CORS)
	New(p, catalog).Register(router)
	return router, verifier, catalog
}

func TestRoutedMasterPlaylist(t *testing.T) {
	router, verifier, _ := newTestRouter(t)

	r := httptest.NewRequest("GET", "/hls/42/playlist.m3u8?token="+verifier.Issue("c1", time.Hour), nil)
	r.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Body.String(), "https://vod.example.com/hls/42/720p/playlist.m3u8?token=")
}

func TestPreflightAnswersWithoutToken(t *testing.T) {
	router, _, _ := newTestRouter(t)

	r := httptest.NewRequest("OPTIONS", "/hls/42/720p/seg_000.ts", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Headers"), "Range")
}

func TestConversionWebhookFlipsReadiness(t *testing.T) {
	router, verifier, _ := newTestRouter(t)

	// not ready yet: playlist route answers 404
	r := httptest.NewRequest("GET", "/hls/99/playlist.m3u8?token="+verifier.Issue("c1", time.Hour), nil)
	r.RemoteAddr = "10.0.0.1:5000"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusNotFound, w.Code)

	r = httptest.NewRequest("POST", "/webhook/conversion/99", strings.NewReader(`{"hlsPath":"hls/99"}`))
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	require.Equal(t, http.StatusNoContent, w.Code)

	r = httptest.NewRequest("GET", "/hls/99/playlist.m3u8?token="+verifier.Issue("c1", time.Hour), nil)
	r.RemoteAddr = "10.0.0.1:5000"
	w = httptest.NewRecorder()
	router.ServeHTTP(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestConversionWebhookUnknownMovie(t *testing.T) {
	router, _, _ := newTestRouter(t)

	r := httptest.NewRequest("POST", "/webhook/conversion/nope", strings.NewReader(`{}`))
	w := httptest.NewRecorder()
	router.ServeHTTP(w, r)

	assert.Equal(t, http.StatusNotFound, w.Code)
}
