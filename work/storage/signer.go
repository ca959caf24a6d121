package storage

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// Signer produces expiring signed URLs for segment objects so hybrid-mode
// playlists can point players straight at storage. Expiry times are rounded
// up to the end of a fixed-size bucket, which keeps every URL in one
// playlist rewrite identical and therefore cacheable.
type Signer struct {
	endpoint string
	bucket   string
	secret   []byte
	window   time.Duration
	now      func() time.Time
}

// NewSigner creates a Signer over the given endpoint and bucket. window is
// the expiry bucket size; signed URLs live for at least window and at most
// twice that.
func NewSigner(endpoint, bucket, secret string, window time.Duration) *Signer {
	return &Signer{
		endpoint: endpoint,
		bucket:   bucket,
		secret:   []byte(secret),
		window:   window,
		now:      time.Now,
	}
}

// SetNow overrides the signer's clock. Test hook.
func (s *Signer) SetNow(now func() time.Time) {
	s.now = now
}

// SignURL returns a direct storage URL for key carrying a bucketed expiry
// and an HMAC-SHA256 signature over key and expiry.
func (s *Signer) SignURL(key string) string {
	expires := s.expiry()
	return fmt.Sprintf("%s/%s/%s?expires=%d&sig=%s",
		s.endpoint, s.bucket, key, expires, s.signature(key, expires))
}

// Verify checks a signature produced by SignURL against key and expiry.
func (s *Signer) Verify(key string, expires int64, sig string) bool {
	if s.now().Unix() > expires {
		return false
	}
	return hmac.Equal([]byte(sig), []byte(s.signature(key, expires)))
}

// expiry returns the unix time of the end of the bucket after the current
// one, so a URL signed late in a bucket still has at least a full window of
// life left.
func (s *Signer) expiry() int64 {
	bucket := int64(s.window.Seconds())
	now := s.now().Unix()
	return (now/bucket + 2) * bucket
}

func (s *Signer) signature(key string, expires int64) string {
	mac := hmac.New(sha256.New, s.secret)
	fmt.Fprintf(mac, "%s|%d", key, expires)
	return hex.EncodeToString(mac.Sum(nil))
}
