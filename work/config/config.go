package config

import (
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"os"
	"sync"
	"time"
)

// Config holds all application configuration values for the vodgate server.
// It covers the HTTP surface, the object storage backend, rate limiting,
// circuit breaking, playlist authorization, and the player-side controllers.
type Config struct {
	BaseURL       string        `json:"baseURL"`       // Public base URL of this gateway (used when rewriting playlist URIs)
	ListenPort    int           `json:"listenPort"`    // TCP port the HTTP server binds to
	HLSMode       string        `json:"hlsMode"`       // Playlist rewrite mode: "proxy" or "hybrid"
	Debug         bool          `json:"debug"`         // Enable debug logging
	CatalogPath   string        `json:"catalogPath"`   // Path to the sqlite movie catalog database
	TokenSecret   string        `json:"tokenSecret"`   // HMAC secret for stream token signature validation
	SigningSecret string        `json:"signingSecret"` // HMAC secret for hybrid-mode signed storage URLs
	AdminPassHash string        `json:"adminPassHash"` // bcrypt hash guarding the admin API
	CacheEnabled  bool          `json:"cacheEnabled"`  // Whether the rewritten-playlist cache is enabled
	CacheDuration time.Duration `json:"cacheDuration"` // TTL for cached rewritten playlists
	CacheMaxSize  int           `json:"cacheMaxSize"`  // Maximum number of cached playlist entries

	Storage   StorageConfig   `json:"storage"`   // Object storage backend settings
	RateLimit RateLimitConfig `json:"rateLimit"` // Fixed-window rate limiting settings
	Breaker   BreakerConfig   `json:"breaker"`   // Circuit breaker settings
	Playback  PlaybackConfig  `json:"playback"`  // Progressive-fallback buffer manager settings
	ABR       ABRConfig       `json:"abr"`       // Adaptive bitrate controller settings
}

// StorageConfig describes the object storage backend that holds HLS segments,
// playlists, and progressive video files, plus the retry policy used when
// fetching from it.
type StorageConfig struct {
	Endpoint          string        `json:"endpoint"`          // Base URL of the object store (S3/R2-style HTTP endpoint)
	Bucket            string        `json:"bucket"`            // Bucket name prepended to object keys
	RequestsPerSecond int           `json:"requestsPerSecond"` // Outbound request smoothing toward the backend
	MaxRetries        int           `json:"maxRetries"`        // Retry attempts after the first try for retryable failures
	RetryBaseDelay    time.Duration `json:"retryBaseDelay"`    // First backoff delay, multiplied ~1.5x per attempt
	RetryMaxDelay     time.Duration `json:"retryMaxDelay"`     // Backoff cap
	PlaylistTimeout   time.Duration `json:"playlistTimeout"`   // Per-call timeout for playlist-sized objects
	SegmentTimeout    time.Duration `json:"segmentTimeout"`    // Per-call timeout for segment/range fetches
	SignedURLWindow   time.Duration `json:"signedURLWindow"`   // Expiry bucket for hybrid-mode signed URLs
	ObfuscateKeys     bool          `json:"obfuscateKeys"`     // Mask object keys in log lines
}

// RateLimitConfig describes the two fixed-window limits protecting the
// segment-serving surface: a general per-client cap and a tighter
// per-(client, segment) cap that absorbs retry storms from stuck players.
type RateLimitConfig struct {
	WindowLength  time.Duration `json:"windowLength"`  // Fixed window size shared by both scopes
	ClientLimit   int           `json:"clientLimit"`   // Requests per window per client identity
	SegmentLimit  int           `json:"segmentLimit"`  // Requests per window per (client, segment) pair
	SweepInterval time.Duration `json:"sweepInterval"` // Background sweep cadence for expired windows
}

// BreakerConfig describes the circuit breaker guarding the storage backend.
type BreakerConfig struct {
	FailureThreshold int           `json:"failureThreshold"` // Failures before the breaker opens
	OpenTimeout      time.Duration `json:"openTimeout"`      // Cooldown after which the breaker lazily resets
}

// PlaybackConfig describes the buffer manager used on the progressive
// (non-segmented) fallback path.
type PlaybackConfig struct {
	WorkerThreads    int           `json:"workerThreads"`    // Size of the shared worker pool running fetch bodies and resume waiters
	BytesPerSecond   int64         `json:"bytesPerSecond"`   // Bitrate-derived estimate mapping playback time to byte offsets
	ChunkSize        int64         `json:"chunkSize"`        // Bytes fetched per chunk request
	MaxCachedChunks  int           `json:"maxCachedChunks"`  // LRU cap on completed-range bookkeeping
	MaxInFlight      int           `json:"maxInFlight"`      // Concurrent chunk fetch cap
	LowWatermarkSecs float64       `json:"lowWatermarkSecs"` // Preload when buffered-ahead falls below this
	MinAheadSecs     float64       `json:"minAheadSecs"`     // Skip preload when less than this remains ahead (avoids redundant requests)
	StallPoll        time.Duration `json:"stallPoll"`        // Poll cadence of the stall recovery loop
	StallPollBudget  int           `json:"stallPollBudget"`  // Poll attempts before a forced resume
	PreloadTimeout   time.Duration `json:"preloadTimeout"`   // Network timeout for preload fetches
	PrimaryTimeout   time.Duration `json:"primaryTimeout"`   // Network timeout for stall-driven primary fetches
}

// ABRConfig describes the stall/skip control loop of the adaptive bitrate
// playback controller.
type ABRConfig struct {
	TickInterval       time.Duration `json:"tickInterval"`       // StallWatcher cadence while playing
	ApproachTolerance  float64       `json:"approachTolerance"`  // Seconds before a failed range that still count as "at" it
	SkipOffset         float64       `json:"skipOffset"`         // Seconds past a failed range end the play head jumps to
	ResumeDistance     float64       `json:"resumeDistance"`     // Resume suspended loading within this many seconds of a range end
	GenericFatalBudget int           `json:"genericFatalBudget"` // Non-segment-specific fatal errors tolerated before surfacing failure
}

// configFile mirrors Config for JSON unmarshaling with duration fields as
// strings (e.g. "60s", "5m"), parsed into time.Duration during load.
type configFile struct {
	BaseURL       string `json:"baseURL"`
	ListenPort    int    `json:"listenPort"`
	HLSMode       string `json:"hlsMode"`
	Debug         bool   `json:"debug"`
	CatalogPath   string `json:"catalogPath"`
	TokenSecret   string `json:"tokenSecret"`
	SigningSecret string `json:"signingSecret"`
	AdminPassHash string `json:"adminPassHash"`
	CacheEnabled  bool   `json:"cacheEnabled"`
	CacheDuration string `json:"cacheDuration"`
	CacheMaxSize  int    `json:"cacheMaxSize"`

	Storage struct {
		Endpoint          string `json:"endpoint"`
		Bucket            string `json:"bucket"`
		RequestsPerSecond int    `json:"requestsPerSecond"`
		MaxRetries        int    `json:"maxRetries"`
		RetryBaseDelay    string `json:"retryBaseDelay"`
		RetryMaxDelay     string `json:"retryMaxDelay"`
		PlaylistTimeout   string `json:"playlistTimeout"`
		SegmentTimeout    string `json:"segmentTimeout"`
		SignedURLWindow   string `json:"signedURLWindow"`
		ObfuscateKeys     bool   `json:"obfuscateKeys"`
	} `json:"storage"`

	RateLimit struct {
		WindowLength  string `json:"windowLength"`
		ClientLimit   int    `json:"clientLimit"`
		SegmentLimit  int    `json:"segmentLimit"`
		SweepInterval string `json:"sweepInterval"`
	} `json:"rateLimit"`

	Breaker struct {
		FailureThreshold int    `json:"failureThreshold"`
		OpenTimeout      string `json:"openTimeout"`
	} `json:"breaker"`

	Playback struct {
		WorkerThreads    int     `json:"workerThreads"`
		BytesPerSecond   int64   `json:"bytesPerSecond"`
		ChunkSize        int64   `json:"chunkSize"`
		MaxCachedChunks  int     `json:"maxCachedChunks"`
		MaxInFlight      int     `json:"maxInFlight"`
		LowWatermarkSecs float64 `json:"lowWatermarkSecs"`
		MinAheadSecs     float64 `json:"minAheadSecs"`
		StallPoll        string  `json:"stallPoll"`
		StallPollBudget  int     `json:"stallPollBudget"`
		PreloadTimeout   string  `json:"preloadTimeout"`
		PrimaryTimeout   string  `json:"primaryTimeout"`
	} `json:"playback"`

	ABR struct {
		TickInterval       string  `json:"tickInterval"`
		ApproachTolerance  float64 `json:"approachTolerance"`
		SkipOffset         float64 `json:"skipOffset"`
		ResumeDistance     float64 `json:"resumeDistance"`
		GenericFatalBudget int     `json:"genericFatalBudget"`
	} `json:"abr"`
}

var (
	configCache *Config      // Cached configuration instance (singleton)
	configMutex sync.RWMutex // Mutex for safe concurrent access to configCache
)

// DefaultConfigPath is where LoadConfig looks unless VODGATE_CONFIG overrides it.
const DefaultConfigPath = "/settings/config.json"

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from VODGATE_CONFIG or the default path.
//   - Falls back to default config if the file is missing or invalid.
//   - Runs validation to ensure safe defaults.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// Double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := os.Getenv("VODGATE_CONFIG")
	if configPath == "" {
		configPath = DefaultConfigPath
	}

	config, err := loadFromFile(configPath)
	if err != nil {
		log.Printf("Failed to load config from %s: %v", configPath, err)
		log.Printf("Falling back to default configuration...")
		config = getDefaultConfig()
	}

	validateAndSetDefaults(config)
	configCache = config
	return config
}

// ClearConfigCache drops the cached configuration so the next LoadConfig call
// re-reads the file. Used by the admin reload path.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// loadFromFile reads and parses the JSON config file, converting string
// duration fields into time.Duration values.
func loadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cf configFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg := &Config{
		BaseURL:       cf.BaseURL,
		ListenPort:    cf.ListenPort,
		HLSMode:       cf.HLSMode,
		Debug:         cf.Debug,
		CatalogPath:   cf.CatalogPath,
		TokenSecret:   cf.TokenSecret,
		SigningSecret: cf.SigningSecret,
		AdminPassHash: cf.AdminPassHash,
		CacheEnabled:  cf.CacheEnabled,
		CacheDuration: parseDuration(cf.CacheDuration, time.Minute),
		CacheMaxSize:  cf.CacheMaxSize,
		Storage: StorageConfig{
			Endpoint:          cf.Storage.Endpoint,
			Bucket:            cf.Storage.Bucket,
			RequestsPerSecond: cf.Storage.RequestsPerSecond,
			MaxRetries:        cf.Storage.MaxRetries,
			RetryBaseDelay:    parseDuration(cf.Storage.RetryBaseDelay, 200*time.Millisecond),
			RetryMaxDelay:     parseDuration(cf.Storage.RetryMaxDelay, 2*time.Second),
			PlaylistTimeout:   parseDuration(cf.Storage.PlaylistTimeout, 8*time.Second),
			SegmentTimeout:    parseDuration(cf.Storage.SegmentTimeout, 30*time.Second),
			SignedURLWindow:   parseDuration(cf.Storage.SignedURLWindow, 5*time.Minute),
			ObfuscateKeys:     cf.Storage.ObfuscateKeys,
		},
		RateLimit: RateLimitConfig{
			WindowLength:  parseDuration(cf.RateLimit.WindowLength, time.Minute),
			ClientLimit:   cf.RateLimit.ClientLimit,
			SegmentLimit:  cf.RateLimit.SegmentLimit,
			SweepInterval: parseDuration(cf.RateLimit.SweepInterval, 5*time.Minute),
		},
		Breaker: BreakerConfig{
			FailureThreshold: cf.Breaker.FailureThreshold,
			OpenTimeout:      parseDuration(cf.Breaker.OpenTimeout, 30*time.Second),
		},
		Playback: PlaybackConfig{
			WorkerThreads:    cf.Playback.WorkerThreads,
			BytesPerSecond:   cf.Playback.BytesPerSecond,
			ChunkSize:        cf.Playback.ChunkSize,
			MaxCachedChunks:  cf.Playback.MaxCachedChunks,
			MaxInFlight:      cf.Playback.MaxInFlight,
			LowWatermarkSecs: cf.Playback.LowWatermarkSecs,
			MinAheadSecs:     cf.Playback.MinAheadSecs,
			StallPoll:        parseDuration(cf.Playback.StallPoll, 500*time.Millisecond),
			StallPollBudget:  cf.Playback.StallPollBudget,
			PreloadTimeout:   parseDuration(cf.Playback.PreloadTimeout, 8*time.Second),
			PrimaryTimeout:   parseDuration(cf.Playback.PrimaryTimeout, 30*time.Second),
		},
		ABR: ABRConfig{
			TickInterval:       parseDuration(cf.ABR.TickInterval, 500*time.Millisecond),
			ApproachTolerance:  cf.ABR.ApproachTolerance,
			SkipOffset:         cf.ABR.SkipOffset,
			ResumeDistance:     cf.ABR.ResumeDistance,
			GenericFatalBudget: cf.ABR.GenericFatalBudget,
		},
	}

	return cfg, nil
}

// parseDuration parses a duration string, returning the fallback for empty
// or malformed values.
func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		log.Printf("Invalid duration %q, using %s", s, fallback)
		return fallback
	}
	return d
}

// getDefaultConfig returns a configuration suitable for local development.
func getDefaultConfig() *Config {
	return &Config{
		BaseURL:       "http://localhost:8080",
		ListenPort:    8080,
		HLSMode:       "proxy",
		CatalogPath:   "/data/catalog.db",
		CacheEnabled:  true,
		CacheDuration: time.Minute,
		CacheMaxSize:  256,
	}
}

// validateAndSetDefaults ensures every field the serving and playback paths
// depend on has a safe value, so a sparse config file cannot produce a
// zero-window limiter or an instantly-open breaker.
func validateAndSetDefaults(cfg *Config) {
	if cfg.ListenPort <= 0 || cfg.ListenPort > 65535 {
		cfg.ListenPort = 8080
	}
	if cfg.HLSMode != "proxy" && cfg.HLSMode != "hybrid" {
		cfg.HLSMode = "proxy"
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.ListenPort)
	}
	if u, err := url.Parse(cfg.BaseURL); err != nil || u.Scheme == "" {
		log.Printf("Invalid baseURL %q, using http://localhost:%d", cfg.BaseURL, cfg.ListenPort)
		cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.ListenPort)
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = time.Minute
	}
	if cfg.CacheMaxSize <= 0 {
		cfg.CacheMaxSize = 256
	}

	if cfg.Storage.RequestsPerSecond <= 0 {
		cfg.Storage.RequestsPerSecond = 50
	}
	if cfg.Storage.MaxRetries <= 0 {
		cfg.Storage.MaxRetries = 3
	}
	if cfg.Storage.RetryBaseDelay <= 0 {
		cfg.Storage.RetryBaseDelay = 200 * time.Millisecond
	}
	if cfg.Storage.RetryMaxDelay <= 0 {
		cfg.Storage.RetryMaxDelay = 2 * time.Second
	}
	if cfg.Storage.PlaylistTimeout <= 0 {
		cfg.Storage.PlaylistTimeout = 8 * time.Second
	}
	if cfg.Storage.SegmentTimeout <= 0 {
		cfg.Storage.SegmentTimeout = 30 * time.Second
	}
	if cfg.Storage.SignedURLWindow <= 0 {
		cfg.Storage.SignedURLWindow = 5 * time.Minute
	}

	if cfg.RateLimit.WindowLength <= 0 {
		cfg.RateLimit.WindowLength = time.Minute
	}
	if cfg.RateLimit.ClientLimit <= 0 {
		cfg.RateLimit.ClientLimit = 100
	}
	if cfg.RateLimit.SegmentLimit <= 0 {
		cfg.RateLimit.SegmentLimit = 5
	}
	if cfg.RateLimit.SweepInterval <= 0 {
		cfg.RateLimit.SweepInterval = 5 * time.Minute
	}

	if cfg.Breaker.FailureThreshold <= 0 {
		cfg.Breaker.FailureThreshold = 5
	}
	if cfg.Breaker.OpenTimeout <= 0 {
		cfg.Breaker.OpenTimeout = 30 * time.Second
	}

	if cfg.Playback.WorkerThreads <= 0 {
		cfg.Playback.WorkerThreads = 4
	}
	if cfg.Playback.BytesPerSecond <= 0 {
		cfg.Playback.BytesPerSecond = 500 * 1024
	}
	if cfg.Playback.ChunkSize <= 0 {
		cfg.Playback.ChunkSize = 2 * 1024 * 1024
	}
	if cfg.Playback.MaxCachedChunks <= 0 {
		cfg.Playback.MaxCachedChunks = 10
	}
	if cfg.Playback.MaxInFlight <= 0 {
		cfg.Playback.MaxInFlight = 2
	}
	if cfg.Playback.LowWatermarkSecs <= 0 {
		cfg.Playback.LowWatermarkSecs = 10
	}
	if cfg.Playback.MinAheadSecs <= 0 {
		cfg.Playback.MinAheadSecs = 5
	}
	if cfg.Playback.StallPoll <= 0 {
		cfg.Playback.StallPoll = 500 * time.Millisecond
	}
	if cfg.Playback.StallPollBudget <= 0 {
		cfg.Playback.StallPollBudget = 10
	}
	if cfg.Playback.PreloadTimeout <= 0 {
		cfg.Playback.PreloadTimeout = 8 * time.Second
	}
	if cfg.Playback.PrimaryTimeout <= 0 {
		cfg.Playback.PrimaryTimeout = 30 * time.Second
	}

	if cfg.ABR.TickInterval <= 0 {
		cfg.ABR.TickInterval = 500 * time.Millisecond
	}
	if cfg.ABR.ApproachTolerance <= 0 {
		cfg.ABR.ApproachTolerance = 0.5
	}
	if cfg.ABR.SkipOffset <= 0 || cfg.ABR.SkipOffset > 1.0 {
		cfg.ABR.SkipOffset = 0.25
	}
	if cfg.ABR.ResumeDistance <= 0 {
		cfg.ABR.ResumeDistance = 3.0
	}
	if cfg.ABR.GenericFatalBudget <= 0 {
		cfg.ABR.GenericFatalBudget = 3
	}
}
