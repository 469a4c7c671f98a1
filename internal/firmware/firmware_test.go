package firmware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(b []byte) string {
	h := sha256.Sum256(b)
	return hex.EncodeToString(h[:])
}

func TestStoreImportListRemove(t *testing.T) {
	s, err := NewStore(filepath.Join(t.TempDir(), "fw"))
	require.NoError(t, err)

	src := filepath.Join(t.TempDir(), "v1.2.0.bin")
	data := []byte("bootloader image")
	require.NoError(t, os.WriteFile(src, data, 0o644))

	img, err := s.ImportFile(src)
	require.NoError(t, err)
	assert.Equal(t, "v1.2.0", img.Version)
	assert.Equal(t, int64(len(data)), img.Size)
	assert.Equal(t, sum(data), img.SHA256)

	got, err := s.Get("v1.2.0")
	require.NoError(t, err)
	assert.Equal(t, data, got)

	_, err = s.Save("readback/sim", []byte{1, 2, 3})
	require.NoError(t, err)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 2)

	require.NoError(t, s.Remove("v1.2.0"))
	require.NoError(t, s.Remove("v1.2.0"))
	_, err = s.Get("v1.2.0")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestStoreHasDropsCorruptImage(t *testing.T) {
	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Save("1.0", []byte("abc"))
	require.NoError(t, err)

	assert.True(t, s.Has("1.0", ""))
	assert.True(t, s.Has("1.0", sum([]byte("abc"))))
	assert.False(t, s.Has("1.0", sum([]byte("abd"))))
	assert.False(t, s.Has("1.0", ""))
}

func TestFetchFromIndex(t *testing.T) {
	image := []byte("release 2.0 payload")
	mux := http.NewServeMux()
	var srvURL string
	mux.HandleFunc("/index.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`releases:
  - version: "1.0"
    created: 2025-01-01T00:00:00Z
    url: ` + srvURL + `/1.0.bin
  - version: "2.0"
    created: 2026-03-01T00:00:00Z
    url: ` + srvURL + `/2.0.bin
    sha256: ` + sum(image) + `
  - version: "broken"
`))
	})
	downloads := 0
	mux.HandleFunc("/2.0.bin", func(w http.ResponseWriter, r *http.Request) {
		downloads++
		w.Write(image)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()
	srvURL = srv.URL

	c := NewIndexClient(srv.URL + "/index.yaml")
	releases, err := c.Releases(context.Background())
	require.NoError(t, err)
	require.Len(t, releases, 2)
	assert.Equal(t, "2.0", releases[0].Version)

	latest, err := c.Latest(context.Background())
	require.NoError(t, err)

	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	var last int64
	img, err := s.Fetch(context.Background(), *latest, func(cur, _ int64, _ string) { last = cur })
	require.NoError(t, err)
	assert.Equal(t, sum(image), img.SHA256)
	assert.Equal(t, int64(len(image)), last)

	_, err = s.Fetch(context.Background(), *latest, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, downloads)

	_, err = c.Find(context.Background(), "3.0")
	assert.Error(t, err)
}

func TestFetchChecksumMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	s, err := NewStore(t.TempDir())
	require.NoError(t, err)
	_, err = s.Fetch(context.Background(), Release{Version: "1.0", URL: srv.URL, SHA256: sum([]byte("genuine"))}, nil)
	assert.ErrorIs(t, err, ErrChecksumMismatch)
	assert.False(t, s.Has("1.0", ""))
}

func TestIndexNotConfigured(t *testing.T) {
	_, err := NewIndexClient("").Releases(context.Background())
	assert.ErrorIs(t, err, ErrNoIndex)
}
