package proxy

import (
	"context"
	"io"
	"net/http"

	"github.com/valyala/bytebufferpool"

	"vodgate/work/logger"
	"vodgate/work/metrics"
	"vodgate/work/storage"
)

// relayBufferSize is the copy buffer size for streaming bodies to clients.
const relayBufferSize = 64 * 1024

// ServeProgressive streams the original upload with byte-range support, for
// clients that sidestep HLS and pull the file progressively. The Range
// header passes through to storage untouched except for syntax validation,
// so seeks map one-to-one onto upstream range GETs.
func (p *Proxy) ServeProgressive(w http.ResponseWriter, r *http.Request, movieID string) {
	if _, ok := p.precheck(w, r, ""); !ok {
		return
	}

	// progressive playback works off the source file, so readiness of the
	// HLS rendition is not required here
	m, err := p.catalog.Get(movieID)
	if err != nil {
		p.writeError(w, r, err)
		return
	}

	if r.Method == http.MethodHead {
		p.serveHead(w, r, m.VideoPath, "public, max-age=3600")
		return
	}

	rangeHeader := r.Header.Get("Range")
	if rangeHeader != "" && !rangeRe.MatchString(rangeHeader) {
		p.writeError(w, r, storage.ErrBadRange)
		return
	}

	obj, err := p.store.FetchRange(r.Context(), m.VideoPath, rangeHeader)
	if err != nil {
		p.writeError(w, r, err)
		return
	}
	defer obj.Body.Close()

	copyEntityHeaders(w, obj)
	w.Header().Set("Cache-Control", "public, max-age=3600")
	w.WriteHeader(obj.Status)

	n := p.relay(w, obj)
	metrics.BytesServed.WithLabelValues("progressive").Add(float64(n))
	logger.Debug("{proxy - ServeProgressive} Streamed %d bytes of %s", n, movieID)
}

// relay copies the object body to the client through a pooled buffer and
// returns the byte count. A mid-stream error is logged, not written: the
// status line is already on the wire.
func (p *Proxy) relay(w http.ResponseWriter, obj *storage.Object) int64 {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if cap(buf.B) < relayBufferSize {
		buf.B = make([]byte, relayBufferSize)
	}

	n, err := io.CopyBuffer(w, obj.Body, buf.B[:cap(buf.B)])
	if err != nil && err != context.Canceled {
		logger.Debug("{proxy - relay} Copy interrupted after %d bytes: %v", n, err)
	}
	return n
}

// readAll reads a whole object body through a pooled buffer. Used for
// playlists, which are small.
func readAll(obj *storage.Object) ([]byte, error) {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if _, err := buf.ReadFrom(obj.Body); err != nil {
		return nil, err
	}

	out := make([]byte, buf.Len())
	copy(out, buf.B)
	return out, nil
}
