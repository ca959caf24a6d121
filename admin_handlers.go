package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/crypto/bcrypt"

	"vodgate/work/breaker"
	"vodgate/work/cache"
	"vodgate/work/config"
	"vodgate/work/logger"
	"vodgate/work/movies"
	"vodgate/work/ratelimit"
)

// StatsResponse represents system statistics exposed through the admin API,
// providing operational metrics for monitoring, debugging, and capacity
// planning purposes.
type StatsResponse struct {
	TotalMovies     int    `json:"totalMovies"`
	ReadyMovies     int    `json:"readyMovies"`
	RateWindows     int    `json:"rateWindows"`
	BreakerFailures int    `json:"breakerFailures"`
	BreakerOpen     bool   `json:"breakerOpen"`
	CachedPlaylists int    `json:"cachedPlaylists"`
	Uptime          string `json:"uptime"`
	MemoryUsage     string `json:"memoryUsage"`
	Goroutines      int    `json:"goroutines"`
	HLSMode         string `json:"hlsMode"`
	Version         string `json:"version"`
}

var (
	// startTime anchors the uptime reported by the stats endpoint
	startTime = time.Now()

	// restartChan provides a signaling mechanism for graceful application
	// restart without dropping the listener
	restartChan = make(chan bool, 1)
)

// setupAdminRoutes attaches the admin API. Everything except the health
// probe sits behind basic auth checked against the bcrypt hash in config.
func setupAdminRoutes(router *mux.Router, cfg *config.Config, catalog *movies.Catalog,
	limiter *ratelimit.Limiter, brk *breaker.Breaker, plCache *cache.PlaylistCache) {

	router.HandleFunc("/admin/api/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"status": "ok", "version": Version})
	}).Methods("GET")

	router.HandleFunc("/admin/api/stats", requireAdmin(cfg, func(w http.ResponseWriter, r *http.Request) {
		total, ready, err := catalog.Counts()
		if err != nil {
			logger.Error("{admin - stats} Catalog count failed: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}

		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(StatsResponse{
			TotalMovies:     total,
			ReadyMovies:     ready,
			RateWindows:     limiter.WindowCount(),
			BreakerFailures: brk.FailureCount(),
			BreakerOpen:     brk.IsOpen(),
			CachedPlaylists: plCache.Len(),
			Uptime:          time.Since(startTime).Round(time.Second).String(),
			MemoryUsage:     formatBytes(mem.Alloc),
			Goroutines:      runtime.NumGoroutine(),
			HLSMode:         cfg.HLSMode,
			Version:         Version,
		})
	})).Methods("GET")

	router.HandleFunc("/admin/api/loglevel", requireAdmin(cfg, func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Level string `json:"level"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			http.Error(w, "malformed body", http.StatusBadRequest)
			return
		}

		switch strings.ToLower(body.Level) {
		case "debug", "info", "warn", "error":
		default:
			http.Error(w, "unknown level", http.StatusBadRequest)
			return
		}

		logger.SetLogLevel(body.Level)
		logger.Info("{admin - loglevel} Log level set to %s", strings.ToUpper(body.Level))
		w.WriteHeader(http.StatusNoContent)
	})).Methods("POST")

	router.HandleFunc("/admin/api/reload", requireAdmin(cfg, func(w http.ResponseWriter, r *http.Request) {
		select {
		case restartChan <- true:
			w.WriteHeader(http.StatusAccepted)
		default:
			http.Error(w, "restart already pending", http.StatusConflict)
		}
	})).Methods("POST")
}

// requireAdmin gates a handler behind basic auth. The configured credential
// is a bcrypt hash, so config files never hold the plaintext password.
func requireAdmin(cfg *config.Config, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		_, pass, ok := r.BasicAuth()
		if !ok || bcrypt.CompareHashAndPassword([]byte(cfg.AdminPassHash), []byte(pass)) != nil {
			w.Header().Set("WWW-Authenticate", `Basic realm="vodgate admin"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// formatBytes renders a byte count in human units.
func formatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %s", float64(n)/float64(div), []string{"KB", "MB", "GB", "TB"}[exp])
}
