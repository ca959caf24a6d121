package playlist

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"vodgate/work/storage"
)

const masterPlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-STREAM-INF:BANDWIDTH=2800000,RESOLUTION=1280x720
720p/playlist.m3u8
#EXT-X-STREAM-INF:BANDWIDTH=5000000,RESOLUTION=1920x1080
1080p/playlist.m3u8
`

const bitratePlaylist = `#EXTM3U
#EXT-X-VERSION:3
#EXT-X-TARGETDURATION:4
#EXT-X-MEDIA-SEQUENCE:0
#EXTINF:4.000000,
seg_000.ts
#EXTINF:4.000000,
seg_001.ts
#EXT-X-ENDLIST
`

func TestClassify(t *testing.T) {
	kind, err := Classify([]byte(masterPlaylist))
	require.NoError(t, err)
	assert.Equal(t, KindMaster, kind)

	kind, err = Classify([]byte(bitratePlaylist))
	require.NoError(t, err)
	assert.Equal(t, KindMedia, kind)
}

func TestRewriteMasterInjectsTokenAndBase(t *testing.T) {
	a := NewAuthorizer(ModeProxy, "https://vod.example.com/", nil)

	out := string(a.RewriteMaster([]byte(masterPlaylist), "42", "tok123"))

	assert.Contains(t, out, "https://vod.example.com/hls/42/720p/playlist.m3u8?token=tok123")
	assert.Contains(t, out, "https://vod.example.com/hls/42/1080p/playlist.m3u8?token=tok123")
}

func TestRewritePreservesDirectiveLinesByteForByte(t *testing.T) {
	a := NewAuthorizer(ModeProxy, "https://vod.example.com", nil)

	out := string(a.RewriteBitrate([]byte(bitratePlaylist), "42", "720p", "tok123"))

	for _, line := range strings.Split(bitratePlaylist, "\n") {
		if strings.HasPrefix(line, "#") {
			assert.Contains(t, out, line+"\n")
		}
	}
	assert.Contains(t, out, "/hls/42/720p/seg_000.ts?token=tok123")
	assert.Contains(t, out, "/hls/42/720p/seg_001.ts?token=tok123")
}

func TestRewriteIsIdempotent(t *testing.T) {
	a := NewAuthorizer(ModeProxy, "https://vod.example.com", nil)

	once := a.RewriteBitrate([]byte(bitratePlaylist), "42", "720p", "tok123")
	twice := a.RewriteBitrate(once, "42", "720p", "tok123")

	assert.Equal(t, string(once), string(twice))
	assert.Equal(t, 2, strings.Count(string(twice), "token="))
}

func TestRewriteHybridIsIdempotent(t *testing.T) {
	signer := storage.NewSigner("https://store.example.com", "vod", "secret", 5*time.Minute)
	a := NewAuthorizer(ModeHybrid, "https://vod.example.com", signer)

	once := a.RewriteBitrate([]byte(bitratePlaylist), "42", "720p", "tok123")
	twice := a.RewriteBitrate(once, "42", "720p", "tok123")

	assert.Equal(t, string(once), string(twice), "signed URLs must not be wrapped again")
	assert.Equal(t, 2, strings.Count(string(twice), "sig="))
}

func TestRewritePreservesCRLF(t *testing.T) {
	crlf := strings.ReplaceAll(bitratePlaylist, "\n", "\r\n")
	a := NewAuthorizer(ModeProxy, "https://vod.example.com", nil)

	out := string(a.RewriteBitrate([]byte(crlf), "42", "720p", "tok"))

	assert.Contains(t, out, "#EXT-X-TARGETDURATION:4\r\n")
	assert.Contains(t, out, "seg_000.ts?token=tok\r\n")
}

func TestRewriteBitrateHybridSignsStorageURLs(t *testing.T) {
	signer := storage.NewSigner("https://store.example.com", "vod", "secret", 5*time.Minute)
	a := NewAuthorizer(ModeHybrid, "https://vod.example.com", signer)

	out := string(a.RewriteBitrate([]byte(bitratePlaylist), "42", "720p", "tok123"))

	assert.Contains(t, out, "https://store.example.com/vod/hls/42/720p/seg_000.ts?expires=")
	assert.Contains(t, out, "&sig=")
	assert.NotContains(t, out, "token=tok123", "hybrid segments carry signatures, not playback tokens")
}

func TestRewriteSkipsAlreadyTokenedLines(t *testing.T) {
	pl := "#EXTM3U\n#EXTINF:4.0,\nhttps://other.example.com/seg_000.ts?token=old\n"
	a := NewAuthorizer(ModeProxy, "https://vod.example.com", nil)

	out := string(a.RewriteBitrate([]byte(pl), "42", "720p", "new"))

	assert.Contains(t, out, "?token=old")
	assert.NotContains(t, out, "token=new")
}
