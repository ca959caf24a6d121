package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/grafana/regexp"

	"vodgate/work/auth"
	"vodgate/work/cache"
	"vodgate/work/config"
	"vodgate/work/logger"
	"vodgate/work/metrics"
	"vodgate/work/movies"
	"vodgate/work/playlist"
	"vodgate/work/ratelimit"
	"vodgate/work/storage"
)

// Path components are validated before they are joined into storage keys.
// Anything with a separator, a dot-dot or an unexpected extension never
// reaches the backend.
var (
	bitrateRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)
	segmentRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}\.(ts|m4s|mp4|aac|vtt)$`)
	rangeRe   = regexp.MustCompile(`^bytes=\d*-\d*$`)
)

// Proxy serves playlists and segments out of object storage with the full
// precondition chain in front: rate limits, then the playback token, then
// catalog readiness, then path validation, and only then a storage fetch.
// The ordering is load-shedding first; the cheapest checks run before
// anything that costs a database row or a network round trip.
type Proxy struct {
	cfg        *config.Config
	store      *storage.Client
	catalog    *movies.Catalog
	limiter    *ratelimit.Limiter
	verifier   *auth.Verifier
	authorizer *playlist.Authorizer
	plCache    *cache.PlaylistCache
}

// New wires a Proxy from its collaborators.
func New(cfg *config.Config, store *storage.Client, catalog *movies.Catalog,
	limiter *ratelimit.Limiter, verifier *auth.Verifier,
	authorizer *playlist.Authorizer, plCache *cache.PlaylistCache) *Proxy {
	return &Proxy{
		cfg:        cfg,
		store:      store,
		catalog:    catalog,
		limiter:    limiter,
		verifier:   verifier,
		authorizer: authorizer,
		plCache:    plCache,
	}
}

// Reconfigure swaps in a freshly loaded config after a graceful restart.
// Collaborators keep their state; only settings read per request move over.
func (p *Proxy) Reconfigure(cfg *config.Config) {
	p.cfg = cfg
}

// ServeMaster serves the rewritten master playlist for a movie.
func (p *Proxy) ServeMaster(w http.ResponseWriter, r *http.Request, movieID string) {
	token, ok := p.precheck(w, r, "")
	if !ok {
		return
	}
	m, err := p.catalog.GetReady(movieID)
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	key := cache.Key(movieID, "", token)
	if body, hit := p.plCache.Get(key); hit {
		p.writePlaylist(w, body, "public, max-age=300")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.Storage.PlaylistTimeout)
	defer cancel()

	body, err := p.fetchAll(ctx, m.HLSPath+"/playlist.m3u8")
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	if kind, err := playlist.Classify(body); err != nil || kind != playlist.KindMaster {
		logger.Error("{proxy - ServeMaster} Stored master playlist for %s is not a master playlist (err=%v)", movieID, err)
		p.writeStatus(w, http.StatusBadGateway, "malformed playlist")
		return
	}

	rewritten := p.authorizer.RewriteMaster(body, movieID, token)
	p.plCache.Set(key, rewritten)
	p.writePlaylist(w, rewritten, "public, max-age=300")
}

// ServeBitrate serves the rewritten bitrate playlist for one rendition.
func (p *Proxy) ServeBitrate(w http.ResponseWriter, r *http.Request, movieID, bitrate string) {
	token, ok := p.precheck(w, r, "")
	if !ok {
		return
	}
	m, err := p.catalog.GetReady(movieID)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	if !bitrateRe.MatchString(bitrate) {
		p.writeStatus(w, http.StatusBadRequest, "malformed path")
		return
	}

	key := cache.Key(movieID, bitrate, token)
	if body, hit := p.plCache.Get(key); hit {
		p.writePlaylist(w, body, "public, max-age=60")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.Storage.PlaylistTimeout)
	defer cancel()

	body, err := p.fetchAll(ctx, fmt.Sprintf("%s/%s/playlist.m3u8", m.HLSPath, bitrate))
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	if kind, err := playlist.Classify(body); err != nil || kind != playlist.KindMedia {
		logger.Error("{proxy - ServeBitrate} Stored bitrate playlist for %s/%s is not a media playlist (err=%v)", movieID, bitrate, err)
		p.writeStatus(w, http.StatusBadGateway, "malformed playlist")
		return
	}

	rewritten := p.authorizer.RewriteBitrate(body, movieID, bitrate, token)
	p.plCache.Set(key, rewritten)
	p.writePlaylist(w, rewritten, "public, max-age=60")
}

// ServeSegment proxies one media segment, honoring an optional Range
// header. Segment requests additionally consume the per-(client, segment)
// rate limit so one stuck player retrying a single segment cannot burn the
// whole client budget.
func (p *Proxy) ServeSegment(w http.ResponseWriter, r *http.Request, movieID, bitrate, segment string) {
	_, ok := p.precheck(w, r, movieID+"/"+bitrate+"/"+segment)
	if !ok {
		return
	}
	m, err := p.catalog.GetReady(movieID)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	if !bitrateRe.MatchString(bitrate) || !segmentRe.MatchString(segment) {
		p.writeStatus(w, http.StatusBadRequest, "malformed segment path")
		return
	}

	if r.Method == http.MethodHead {
		p.serveHead(w, r, fmt.Sprintf("%s/%s/%s", m.HLSPath, bitrate, segment),
			"public, max-age=31536000, immutable")
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" && !rangeRe.MatchString(rangeHeader) {
		p.writeError(w, r, storage.ErrBadRange)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.Storage.SegmentTimeout)
	defer cancel()

	obj, err := p.store.FetchRange(ctx, fmt.Sprintf("%s/%s/%s", m.HLSPath, bitrate, segment), rangeHeader)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	defer obj.Body.Close()

	copyEntityHeaders(w, obj)
	// converted segments are content-addressed by path and never change
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	w.WriteHeader(obj.Status)

	n := p.relay(w, obj)
	metrics.BytesServed.WithLabelValues("segment").Add(float64(n))
}

// precheck runs the rate limit and token stages of the precondition chain
// and writes the rejection when one fails. segmentKey is empty for requests
// that are not segment-specific. The catalog stage stays with the caller:
// playlist and segment routes require a converted rendition, the
// progressive route only an existing movie.
func (p *Proxy) precheck(w http.ResponseWriter, r *http.Request, segmentKey string) (string, bool) {
	res := p.limiter.Check(clientIP(r), segmentKey)
	if !res.Allowed {
		logger.Debug("{proxy - precheck} Rate limited %s scope=%s", clientIP(r), res.Scope)
		w.Header().Set("Retry-After", res.RetryAfter(time.Now()))
		writeRateHeaders(w, res)
		p.writeStatus(w, http.StatusTooManyRequests, "rate limit exceeded")
		return "", false
	}
	writeRateHeaders(w, res)

	token := auth.FromRequest(r)
	if _, err := p.verifier.Validate(token); err != nil {
		logger.Debug("{proxy - precheck} Token rejected on %s: %v", r.URL.Path, err)
		p.writeStatus(w, http.StatusUnauthorized, "invalid token")
		return "", false
	}

	return token, true
}

// serveHead answers a metadata probe with a storage HEAD, sparing the
// backend a full body fetch.
func (p *Proxy) serveHead(w http.ResponseWriter, r *http.Request, key, cacheControl string) {
	ctx, cancel := context.WithTimeout(r.Context(), p.cfg.Storage.PlaylistTimeout)
	defer cancel()

	hdr, err := p.store.Head(ctx, key)
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	copyEntityHeaders(w, &storage.Object{Header: hdr})
	w.Header().Set("Cache-Control", cacheControl)
	w.WriteHeader(http.StatusOK)
}

// fetchAll fetches a whole object body.
func (p *Proxy) fetchAll(ctx context.Context, key string) ([]byte, error) {
	obj, err := p.store.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	defer obj.Body.Close()
	return readAll(obj)
}

// writePlaylist writes a rewritten playlist body with HLS content type.
func (p *Proxy) writePlaylist(w http.ResponseWriter, body []byte, cacheControl string) {
	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", cacheControl)
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	metrics.BytesServed.WithLabelValues("playlist").Add(float64(len(body)))
}

// writeError maps a pipeline error to its response status.
func (p *Proxy) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, movies.ErrUnknownMovie):
		p.writeStatus(w, http.StatusNotFound, "unknown movie")
	case errors.Is(err, movies.ErrNotReady):
		p.writeStatus(w, http.StatusNotFound, "movie not ready")
	case errors.Is(err, storage.ErrNotFound):
		p.writeStatus(w, http.StatusNotFound, "not found")
	case errors.Is(err, storage.ErrBadRange):
		p.writeStatus(w, http.StatusBadRequest, "malformed range")
	case errors.Is(err, storage.ErrCircuitOpen), errors.Is(err, storage.ErrRetryExhausted):
		w.Header().Set("Retry-After", "5")
		p.writeStatus(w, http.StatusServiceUnavailable, "storage unavailable")
	case errors.Is(err, context.Canceled):
		// client went away mid-request, nothing to write
	default:
		logger.Error("{proxy - writeError} Unmapped error on %s: %v", r.URL.Path, err)
		p.writeStatus(w, http.StatusBadGateway, "upstream error")
	}
}

func (p *Proxy) writeStatus(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// writeRateHeaders reports the consulted limit on every response.
func writeRateHeaders(w http.ResponseWriter, res ratelimit.Result) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", res.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", res.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", res.ResetAt.Unix()))
}

// copyEntityHeaders propagates the upstream entity headers the player needs
// for range bookkeeping and caching.
func copyEntityHeaders(w http.ResponseWriter, obj *storage.Object) {
	for _, h := range []string{
		"Content-Type", "Content-Length", "Content-Range",
		"Accept-Ranges", "ETag", "Last-Modified",
	} {
		if v := obj.Header.Get(h); v != "" {
			w.Header().Set(h, v)
		}
	}
	if w.Header().Get("Accept-Ranges") == "" {
		w.Header().Set("Accept-Ranges", "bytes")
	}
}

// clientIP extracts the client identity for rate limiting: the first
// X-Forwarded-For hop when present, the connection address otherwise.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
