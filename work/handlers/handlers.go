package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"vodgate/work/logger"
	"vodgate/work/middleware"
	"vodgate/work/movies"
	"vodgate/work/proxy"
)

// Handlers binds the HTTP surface to the proxy and catalog. The handlers
// themselves stay thin: extract route variables, delegate, and let the
// proxy own status mapping.
type Handlers struct {
	proxy   *proxy.Proxy
	catalog *movies.Catalog
}

// New creates the handler set.
func New(p *proxy.Proxy, catalog *movies.Catalog) *Handlers {
	return &Handlers{proxy: p, catalog: catalog}
}

// Register attaches all playback and webhook routes to the router.
// Playlists are gzipped; segment and progressive bodies are compressed
// media already and go out as-is.
func (h *Handlers) Register(r *mux.Router) {
	r.HandleFunc("/hls/{movieId}/playlist.m3u8", middleware.Gzip(h.masterPlaylist)).Methods("GET", "OPTIONS")
	r.HandleFunc("/hls/{movieId}/{bitrate}/playlist.m3u8", middleware.Gzip(h.bitratePlaylist)).Methods("GET", "OPTIONS")
	r.HandleFunc("/hls/{movieId}/{bitrate}/{segment}", h.segment).Methods("GET", "HEAD", "OPTIONS")
	r.HandleFunc("/stream/{movieId}", h.progressive).Methods("GET", "HEAD", "OPTIONS")
	r.HandleFunc("/webhook/conversion/{movieId}", h.conversionWebhook).Methods("POST")
}

func (h *Handlers) masterPlaylist(w http.ResponseWriter, r *http.Request) {
	h.proxy.ServeMaster(w, r, mux.Vars(r)["movieId"])
}

func (h *Handlers) bitratePlaylist(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.proxy.ServeBitrate(w, r, vars["movieId"], vars["bitrate"])
}

func (h *Handlers) segment(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	h.proxy.ServeSegment(w, r, vars["movieId"], vars["bitrate"], vars["segment"])
}

func (h *Handlers) progressive(w http.ResponseWriter, r *http.Request) {
	h.proxy.ServeProgressive(w, r, mux.Vars(r)["movieId"])
}

// conversionWebhook is called by the conversion worker when a movie's HLS
// rendition lands in storage. It flips the catalog's ready flag; the body
// optionally carries the rendition's storage prefix.
func (h *Handlers) conversionWebhook(w http.ResponseWriter, r *http.Request) {
	movieID := mux.Vars(r)["movieId"]

	var body struct {
		HLSPath string `json:"hlsPath"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "malformed body", http.StatusBadRequest)
		return
	}
	if body.HLSPath == "" {
		body.HLSPath = "hls/" + movieID
	}

	if err := h.catalog.MarkConverted(movieID, body.HLSPath); err != nil {
		if errors.Is(err, movies.ErrUnknownMovie) {
			http.Error(w, "unknown movie", http.StatusNotFound)
			return
		}
		logger.Error("{handlers - conversionWebhook} Marking %s failed: %v", movieID, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
