package playlist

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/grafov/m3u8"

	"vodgate/work/logger"
	"vodgate/work/storage"
)

// Mode selects how segment URIs are rewritten.
//
// In proxy mode every URI points back at this service, which fetches from
// storage on the player's behalf. In hybrid mode playlists still flow
// through the service but segment URIs become signed direct-to-storage
// URLs, taking segment bytes off the proxy's network path.
type Mode string

const (
	ModeProxy  Mode = "proxy"
	ModeHybrid Mode = "hybrid"
)

// Kind is the playlist classification produced by Classify.
type Kind int

const (
	KindMaster Kind = iota
	KindMedia
)

// Authorizer rewrites playlist URI lines to carry playback tokens and point
// at the right serving surface.
//
// Rewriting is line-oriented: only URI lines (lines that do not start with
// '#') are touched, and every other line, including all #EXT directives,
// blank lines and their CR suffixes, passes through byte for byte. A URI
// that already carries a token or signature parameter is left alone, so
// rewriting is idempotent in both modes and a twice-proxied playlist does
// not end up double-wrapped.
type Authorizer struct {
	mode    Mode
	baseURL string
	signer  *storage.Signer
}

// NewAuthorizer creates an Authorizer. signer is only consulted in hybrid
// mode and may be nil in proxy mode.
func NewAuthorizer(mode Mode, baseURL string, signer *storage.Signer) *Authorizer {
	return &Authorizer{
		mode:    mode,
		baseURL: strings.TrimRight(baseURL, "/"),
		signer:  signer,
	}
}

// Classify parses the playlist far enough to tell a master playlist from a
// media (bitrate) playlist.
func Classify(content []byte) (Kind, error) {
	_, listType, err := m3u8.DecodeFrom(bytes.NewReader(content), true)
	if err != nil {
		return 0, fmt.Errorf("classify playlist: %w", err)
	}
	if listType == m3u8.MASTER {
		return KindMaster, nil
	}
	return KindMedia, nil
}

// RewriteMaster rewrites variant URIs in a master playlist to point at this
// service's bitrate playlist route with the playback token attached.
// Variant URIs are expected in the storage layout's relative form,
// "<bitrate>/playlist.m3u8".
func (a *Authorizer) RewriteMaster(content []byte, movieID, token string) []byte {
	return a.rewriteLines(content, func(uri string) string {
		return injectToken(fmt.Sprintf("%s/hls/%s/%s", a.baseURL, movieID, uri), token)
	})
}

// RewriteBitrate rewrites segment URIs in a bitrate playlist. Proxy mode
// points them at this service's segment route with the token attached;
// hybrid mode replaces them with signed direct storage URLs.
func (a *Authorizer) RewriteBitrate(content []byte, movieID, bitrate, token string) []byte {
	if a.mode == ModeHybrid {
		return a.rewriteLines(content, func(uri string) string {
			return a.signer.SignURL(fmt.Sprintf("hls/%s/%s/%s", movieID, bitrate, uri))
		})
	}
	return a.rewriteLines(content, func(uri string) string {
		return injectToken(fmt.Sprintf("%s/hls/%s/%s/%s", a.baseURL, movieID, bitrate, uri), token)
	})
}

// rewriteLines applies rewrite to every URI line and leaves everything else
// untouched. Lines produced by an earlier rewrite pass are skipped.
func (a *Authorizer) rewriteLines(content []byte, rewrite func(uri string) string) []byte {
	lines := strings.Split(string(content), "\n")
	rewritten := 0

	for i, line := range lines {
		uri, cr := strings.CutSuffix(line, "\r")
		trimmed := strings.TrimSpace(uri)
		if trimmed == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		if alreadyAuthorized(trimmed) {
			continue
		}

		out := rewrite(trimmed)
		if cr {
			out += "\r"
		}
		lines[i] = out
		rewritten++
	}

	logger.Debug("{playlist - rewriteLines} Rewrote %d URI lines", rewritten)
	return []byte(strings.Join(lines, "\n"))
}

// injectToken appends the token query parameter, respecting an existing
// query string.
func injectToken(uri, token string) string {
	sep := "?"
	if strings.Contains(uri, "?") {
		sep = "&"
	}
	return uri + sep + "token=" + token
}

// alreadyAuthorized reports whether the URI's query string carries a token
// parameter (proxy mode) or a signed-URL signature (hybrid mode), marking
// it as the output of an earlier rewrite pass.
func alreadyAuthorized(uri string) bool {
	_, query, ok := strings.Cut(uri, "?")
	if !ok {
		return false
	}
	for _, param := range strings.Split(query, "&") {
		if strings.HasPrefix(param, "token=") || strings.HasPrefix(param, "sig=") {
			return true
		}
	}
	return false
}
