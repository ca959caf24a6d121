package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vodgate/work/auth"
	"vodgate/work/breaker"
	"vodgate/work/cache"
	"vodgate/work/client"
	"vodgate/work/config"
	"vodgate/work/handlers"
	"vodgate/work/logger"
	"vodgate/work/middleware"
	"vodgate/work/movies"
	"vodgate/work/playlist"
	"vodgate/work/proxy"
	"vodgate/work/ratelimit"
	"vodgate/work/storage"
)

var (
	Version = "v0.1.0" // default version
)

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()

	if cfg.Debug {
		logger.SetLogLevel("debug")
	}

	// open the movie catalog
	catalog, err := movies.Open(cfg.CatalogPath)
	if err != nil {
		logger.Error("{main} Failed to open catalog: %v", err)
		os.Exit(1)
	}
	defer catalog.Close()

	// storage path: breaker gates the retrying client
	brk := breaker.New(cfg.Breaker.FailureThreshold, cfg.Breaker.OpenTimeout)
	store := storage.NewClient(cfg.Storage, client.NewStorageHTTPClient(), brk)

	// playback tokens and hybrid-mode URL signing
	verifier := auth.NewVerifier(cfg.TokenSecret)
	signer := storage.NewSigner(cfg.Storage.Endpoint, cfg.Storage.Bucket,
		cfg.SigningSecret, cfg.Storage.SignedURLWindow)
	authorizer := playlist.NewAuthorizer(playlist.Mode(cfg.HLSMode), cfg.BaseURL, signer)

	// rate limiting with its background window sweep
	limiter := ratelimit.New(cfg.RateLimit.WindowLength, cfg.RateLimit.ClientLimit, cfg.RateLimit.SegmentLimit)
	limiter.StartSweep(cfg.RateLimit.SweepInterval)
	defer limiter.StopSweep()

	// playlist cache
	plCache := cache.New(cfg.CacheEnabled, cfg.CacheMaxSize, cfg.CacheDuration)

	// the serving core
	proxyInstance := proxy.New(cfg, store, catalog, limiter, verifier, authorizer, plCache)

	// Setup HTTP routes
	router := mux.NewRouter()
	router.Use(middleware.CORS, middleware.Metrics)

	handlers.New(proxyInstance, catalog).Register(router)

	// Metrics handler
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// add the admin routes
	setupAdminRoutes(router, cfg, catalog, limiter, brk, plCache)

	addr := fmt.Sprintf(":%d", cfg.ListenPort)

	// show info
	logger.Info("Starting vodgate %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - HLS Mode: %s", cfg.HLSMode)
	logger.Info("  - Storage Endpoint: %s", cfg.Storage.Endpoint)
	logger.Info("  - Storage Bucket: %s", cfg.Storage.Bucket)
	logger.Info("  - Rate Limit: %d/client, %d/segment per %s",
		cfg.RateLimit.ClientLimit, cfg.RateLimit.SegmentLimit, cfg.RateLimit.WindowLength)
	logger.Info("  - Breaker: opens at %d failures, %s cooldown",
		cfg.Breaker.FailureThreshold, cfg.Breaker.OpenTimeout)
	logger.Info("  - Playlist Cache Enabled: %v", cfg.CacheEnabled)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)

	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// gracefully restart if it's requested to do.
	go func() {

		// start a loop
		for {
			<-restartChan

			logger.Info("{main} Graceful restart requested...")

			// CLEAR CONFIG CACHE FIRST
			config.ClearConfigCache()

			// Reload config from file
			newConfig := config.LoadConfig()
			proxyInstance.Reconfigure(newConfig)

			// drop cached playlists built under the old config
			plCache.Purge()

			if newConfig.Debug {
				logger.SetLogLevel("debug")
			} else {
				logger.SetLogLevel("info")
			}

			logger.Info("{main} Graceful restart completed")
		}

	}()

	// stop serving cleanly on SIGINT/SIGTERM
	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
		<-sig

		logger.Info("{main} Shutting down...")
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}()

	// fire us up
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed to start: %v", err)
		os.Exit(1)
	}

}
