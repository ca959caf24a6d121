package movies

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestAddAndGet(t *testing.T) {
	c := openTestCatalog(t)

	require.NoError(t, c.Add(&Movie{
		ID:        "42",
		Title:     "Big Buck Bunny",
		VideoPath: "uploads/42/source.mp4",
	}))

	m, err := c.Get("42")
	require.NoError(t, err)
	assert.Equal(t, "Big Buck Bunny", m.Title)
	assert.False(t, m.HLSReady)
}

func TestGetUnknownMovie(t *testing.T) {
	c := openTestCatalog(t)

	_, err := c.Get("nope")
	assert.ErrorIs(t, err, ErrUnknownMovie)
}

func TestGetReadyGatesOnConversion(t *testing.T) {
	c := openTestCatalog(t)
	require.NoError(t, c.Add(&Movie{ID: "42", VideoPath: "uploads/42/source.mp4"}))

	_, err := c.GetReady("42")
	assert.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, c.MarkConverted("42", "hls/42"))

	m, err := c.GetReady("42")
	require.NoError(t, err)
	assert.Equal(t, "hls/42", m.HLSPath)
	assert.True(t, m.HLSReady)
}

func TestMarkConvertedUnknownMovie(t *testing.T) {
	c := openTestCatalog(t)

	err := c.MarkConverted("nope", "hls/nope")
	assert.ErrorIs(t, err, ErrUnknownMovie)
}

func TestCounts(t *testing.T) {
	c := openTestCatalog(t)
	require.NoError(t, c.Add(&Movie{ID: "a", VideoPath: "uploads/a.mp4"}))
	require.NoError(t, c.Add(&Movie{ID: "b", VideoPath: "uploads/b.mp4"}))
	require.NoError(t, c.MarkConverted("b", "hls/b"))

	total, ready, err := c.Counts()
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Equal(t, 1, ready)
}
