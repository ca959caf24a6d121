package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	"vodgate/work/logger"
	"vodgate/work/metrics"
)

// PlaylistCache caches rewritten playlist bodies. Keys carry the movie,
// bitrate and a hash of the playback token, so one client's tokened
// playlist is never served to another. Segment bytes are never cached
// here; this cache only spares the storage round trip and the rewrite for
// the small, hot playlist files.
type PlaylistCache struct {
	cache   *otter.Cache[string, []byte]
	enabled bool
}

// New creates a PlaylistCache holding at most maxSize entries for ttl each.
// A disabled cache is valid and misses on every Get.
func New(enabled bool, maxSize int, ttl time.Duration) *PlaylistCache {
	if !enabled {
		return &PlaylistCache{enabled: false}
	}

	c := otter.Must(&otter.Options[string, []byte]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, []byte](ttl),
	})

	logger.Info("{cache - New} Playlist cache enabled, max %d entries, ttl %s", maxSize, ttl)
	return &PlaylistCache{cache: c, enabled: true}
}

// Key builds a cache key from the playlist identity and the playback token.
// The token is hashed so credentials never sit in cache keys. bitrate is
// empty for master playlists.
func Key(movieID, bitrate, token string) string {
	sum := sha256.Sum256([]byte(token))
	return fmt.Sprintf("%s/%s/%s", movieID, bitrate, hex.EncodeToString(sum[:8]))
}

// Get returns the cached playlist body for key, if present.
func (p *PlaylistCache) Get(key string) ([]byte, bool) {
	if !p.enabled {
		return nil, false
	}
	body, ok := p.cache.GetIfPresent(key)
	if ok {
		metrics.PlaylistCacheHits.WithLabelValues("hit").Inc()
	} else {
		metrics.PlaylistCacheHits.WithLabelValues("miss").Inc()
	}
	return body, ok
}

// Set stores a playlist body under key.
func (p *PlaylistCache) Set(key string, body []byte) {
	if !p.enabled {
		return
	}
	p.cache.Set(key, body)
}

// Purge drops every cached entry. Used by the admin reload endpoint.
func (p *PlaylistCache) Purge() {
	if !p.enabled {
		return
	}
	p.cache.InvalidateAll()
}

// Len reports the estimated entry count for the admin stats endpoint.
func (p *PlaylistCache) Len() int {
	if !p.enabled {
		return 0
	}
	return p.cache.EstimatedSize()
}
