package device

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zuri-labs/zuri/internal/content"
)

type staticFetcher map[string]string

func (f staticFetcher) Fetch(_ context.Context, url string) (io.ReadCloser, error) {
	body, ok := f[url]
	if !ok {
		return nil, &APIError{Status: 404}
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func openLibrary(t *testing.T, dir string) *Library {
	t.Helper()
	lib, err := OpenLibrary(dir, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })
	return lib
}

func TestLibrary_DownloadVerifiesChecksum(t *testing.T) {
	dir := t.TempDir()
	lib := openLibrary(t, dir)
	fetch := staticFetcher{"http://cdn/story.mp3": "once upon a time"}

	item := content.Item{
		ContentID: "story_001",
		Title:     "The Brave Little Star",
		FileURL:   "http://cdn/story.mp3",
		Checksum:  sum("once upon a time"),
	}
	lc, err := lib.Download(context.Background(), fetch, item)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "story_001.mp3"), lc.FilePath)

	data, err := os.ReadFile(lc.FilePath)
	require.NoError(t, err)
	assert.Equal(t, "once upon a time", string(data))

	got, ok := lib.Get("story_001")
	require.True(t, ok)
	assert.Equal(t, item.Checksum, got.Checksum)
}

func TestLibrary_ChecksumMismatchLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	lib := openLibrary(t, dir)
	fetch := staticFetcher{"http://cdn/story.mp3": "tampered"}

	_, err := lib.Download(context.Background(), fetch, content.Item{
		ContentID: "story_001",
		FileURL:   "http://cdn/story.mp3",
		Checksum:  sum("once upon a time"),
	})
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, ok := lib.Get("story_001")
	assert.False(t, ok)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, strings.HasPrefix(e.Name(), "story_001"), "left %s behind", e.Name())
	}
}

func TestLibrary_IndexSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	lib, err := OpenLibrary(dir, zerolog.Nop())
	require.NoError(t, err)

	_, err = lib.Download(context.Background(), staticFetcher{"u": "x"}, content.Item{ContentID: "a", FileURL: "u"})
	require.NoError(t, err)
	require.NoError(t, lib.Close())

	lib = openLibrary(t, dir)
	list, err := lib.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "a", list[0].ContentID)

	require.NoError(t, lib.Remove("a"))
	_, ok := lib.Get("a")
	assert.False(t, ok)
	_, err = os.Stat(filepath.Join(dir, "a.mp3"))
	assert.True(t, os.IsNotExist(err))
}

func TestLibrary_GetIgnoresMissingFile(t *testing.T) {
	lib := openLibrary(t, t.TempDir())
	lc, err := lib.Download(context.Background(), staticFetcher{"u": "x"}, content.Item{ContentID: "a", FileURL: "u"})
	require.NoError(t, err)
	require.NoError(t, os.Remove(lc.FilePath))

	_, ok := lib.Get("a")
	assert.False(t, ok)
}
