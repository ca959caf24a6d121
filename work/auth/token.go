package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Errors returned by token validation. Handlers map all three to 401; they
// are distinct so the rejection reason can be logged.
var (
	ErrMissingToken = errors.New("missing playback token")
	ErrInvalidToken = errors.New("invalid playback token")
	ErrExpiredToken = errors.New("expired playback token")
)

// Verifier issues and validates playback tokens. A token is
// base64url(clientID:expiresUnix) joined with a hex HMAC-SHA256 signature
// by a dot. Tokens ride on playlist URIs as a query parameter, so the
// alphabet has to stay URL-safe.
type Verifier struct {
	secret []byte
	now    func() time.Time
}

// NewVerifier creates a Verifier with the given HMAC secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{
		secret: []byte(secret),
		now:    time.Now,
	}
}

// SetNow overrides the verifier's clock. Test hook.
func (v *Verifier) SetNow(now func() time.Time) {
	v.now = now
}

// Issue mints a token for clientID valid for ttl.
func (v *Verifier) Issue(clientID string, ttl time.Duration) string {
	payload := fmt.Sprintf("%s:%d", clientID, v.now().Add(ttl).Unix())
	encoded := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return encoded + "." + v.sign(encoded)
}

// Validate checks the token's signature and expiry and returns the client
// identity it was issued to.
func (v *Verifier) Validate(token string) (string, error) {
	if token == "" {
		return "", ErrMissingToken
	}

	encoded, sig, ok := strings.Cut(token, ".")
	if !ok {
		return "", ErrInvalidToken
	}
	if !hmac.Equal([]byte(sig), []byte(v.sign(encoded))) {
		return "", ErrInvalidToken
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", ErrInvalidToken
	}
	clientID, expStr, ok := strings.Cut(string(payload), ":")
	if !ok {
		return "", ErrInvalidToken
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil {
		return "", ErrInvalidToken
	}
	if v.now().Unix() > exp {
		return "", ErrExpiredToken
	}

	return clientID, nil
}

func (v *Verifier) sign(encoded string) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write([]byte(encoded))
	return hex.EncodeToString(mac.Sum(nil))
}

// FromRequest extracts the playback token from the request: the token query
// parameter first, then a Bearer Authorization header. Returns the empty
// string when neither is present.
func FromRequest(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return ""
}
