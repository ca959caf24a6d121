package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func loadFrom(t *testing.T, body string) *Config {
	t.Helper()
	t.Setenv("VODGATE_CONFIG", writeConfig(t, body))
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)
	return LoadConfig()
}

func TestLoadConfigParsesDurationsAndNesting(t *testing.T) {
	cfg := loadFrom(t, `{
		"baseURL": "https://vod.example.com",
		"listenPort": 9090,
		"hlsMode": "hybrid",
		"storage": {
			"endpoint": "https://store.example.com",
			"bucket": "vod",
			"retryBaseDelay": "100ms",
			"segmentTimeout": "20s",
			"obfuscateKeys": true
		},
		"rateLimit": {
			"windowLength": "30s",
			"clientLimit": 50
		}
	}`)

	assert.Equal(t, "https://vod.example.com", cfg.BaseURL)
	assert.Equal(t, 9090, cfg.ListenPort)
	assert.Equal(t, "hybrid", cfg.HLSMode)
	assert.Equal(t, 100*time.Millisecond, cfg.Storage.RetryBaseDelay)
	assert.Equal(t, 20*time.Second, cfg.Storage.SegmentTimeout)
	assert.True(t, cfg.Storage.ObfuscateKeys)
	assert.Equal(t, 30*time.Second, cfg.RateLimit.WindowLength)
	assert.Equal(t, 50, cfg.RateLimit.ClientLimit)
}

func TestSparseConfigGetsReferenceDefaults(t *testing.T) {
	cfg := loadFrom(t, `{}`)

	assert.Equal(t, time.Minute, cfg.RateLimit.WindowLength)
	assert.Equal(t, 100, cfg.RateLimit.ClientLimit)
	assert.Equal(t, 5, cfg.RateLimit.SegmentLimit)
	assert.Equal(t, 5, cfg.Breaker.FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.Breaker.OpenTimeout)
	assert.Equal(t, 3, cfg.Storage.MaxRetries)
	assert.Equal(t, 4, cfg.Playback.WorkerThreads)
	assert.Equal(t, 10, cfg.Playback.MaxCachedChunks)
	assert.Equal(t, 2, cfg.Playback.MaxInFlight)
	assert.Equal(t, 500*time.Millisecond, cfg.ABR.TickInterval)
	assert.Equal(t, 0.5, cfg.ABR.ApproachTolerance)
	assert.Equal(t, 3, cfg.ABR.GenericFatalBudget)
	assert.Equal(t, "proxy", cfg.HLSMode)
}

func TestInvalidValuesAreClamped(t *testing.T) {
	cfg := loadFrom(t, `{
		"listenPort": 700000,
		"hlsMode": "direct",
		"baseURL": "not a url at all",
		"abr": {"skipOffset": 4.5}
	}`)

	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, "proxy", cfg.HLSMode)
	assert.Equal(t, 0.25, cfg.ABR.SkipOffset, "skip offset must stay within (0, 1.0]")
}

func TestLoadConfigCachesUntilCleared(t *testing.T) {
	path := writeConfig(t, `{"listenPort": 9001}`)
	t.Setenv("VODGATE_CONFIG", path)
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	first := LoadConfig()
	require.Equal(t, 9001, first.ListenPort)

	require.NoError(t, os.WriteFile(path, []byte(`{"listenPort": 9002}`), 0o644))
	assert.Equal(t, 9001, LoadConfig().ListenPort, "cached config survives file edits")

	ClearConfigCache()
	assert.Equal(t, 9002, LoadConfig().ListenPort)
}

func TestMissingFileFallsBackToDefaults(t *testing.T) {
	t.Setenv("VODGATE_CONFIG", filepath.Join(t.TempDir(), "missing.json"))
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)

	cfg := LoadConfig()
	assert.Equal(t, 8080, cfg.ListenPort)
	assert.Equal(t, "proxy", cfg.HLSMode)
}
