package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// RequestsTotal counts HTTP requests to the streaming surface by route and
// final status code.
var RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vodgate_requests_total",
	Help: "Total HTTP requests handled",
}, []string{"route", "status"})

// RateLimitRejections counts requests rejected by the fixed-window limiter.
// The "scope" label distinguishes the general per-client limit from the
// per-(client, segment) limit.
var RateLimitRejections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vodgate_rate_limit_rejections_total",
	Help: "Requests rejected by rate limiting",
}, []string{"scope"})

// BreakerOpen reports whether the storage circuit breaker is currently open
// (1) or closed (0).
var BreakerOpen = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "vodgate_breaker_open",
	Help: "Storage circuit breaker state (1=open)",
})

// StorageRetries counts individual retry attempts against the object store.
var StorageRetries = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vodgate_storage_retries_total",
	Help: "Retry attempts against the storage backend",
})

// StorageErrors counts failed storage operations by classification.
var StorageErrors = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vodgate_storage_errors_total",
	Help: "Failed storage operations",
}, []string{"kind"})

// BytesServed counts bytes proxied to clients by asset class
// (playlist, segment, progressive).
var BytesServed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vodgate_bytes_served_total",
	Help: "Bytes served to clients",
}, []string{"class"})

// PlaylistCacheHits counts rewritten-playlist cache hits and misses.
var PlaylistCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "vodgate_playlist_cache_total",
	Help: "Rewritten playlist cache lookups",
}, []string{"result"})

// StallsDetected counts stall ticks observed by playback controllers.
var StallsDetected = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vodgate_stalls_detected_total",
	Help: "Playback stall ticks detected",
})

// RangeSkips counts play-head jumps past blacklisted ranges.
var RangeSkips = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vodgate_range_skips_total",
	Help: "Play head jumps past failed ranges",
})

// ChunkEvictions counts LRU evictions of completed chunk-range bookkeeping.
var ChunkEvictions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "vodgate_chunk_evictions_total",
	Help: "LRU evictions of completed chunk ranges",
})
