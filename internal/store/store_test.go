package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbuttnakedgang/holter/internal/sim"
)

func TestExtractMetadata(t *testing.T) {
	data := sim.Recording(4, 64)
	data[2*64+20] ^= 0xFF

	meta := ExtractMetadata(data, 64, ContentHash(data))
	assert.Equal(t, 4, meta.Blocks)
	assert.Equal(t, 1, meta.Invalid)
	assert.Equal(t, uint32(0), meta.FirstSeq)
	assert.Equal(t, uint32(3), meta.LastSeq)
	assert.Equal(t, 1, meta.Events)
	assert.Equal(t, map[string]int{"ECG": 3, "REO": 3}, meta.Points)
}

func TestImportDeduplicates(t *testing.T) {
	s, err := Open(t.TempDir(), 64)
	require.NoError(t, err)
	data := sim.Recording(3, 64)

	hash, isNew, err := s.Import(data, Source{Device: "SIM-0001", Method: "download", Timestamp: time.Now()})
	require.NoError(t, err)
	assert.True(t, isNew)
	assert.Equal(t, ContentHash(data), hash)
	assert.Len(t, ShortHash(hash), 12)

	again, isNew, err := s.Import(data, Source{Method: "import", Filename: "rec.bin"})
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, hash, again)

	meta, err := s.GetMetadata(hash)
	require.NoError(t, err)
	assert.Len(t, meta.Sources, 2)
	assert.Equal(t, 3, meta.Blocks)

	list, err := s.List()
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "SIM-0001", list[0].Device)
	assert.Equal(t, hash, list[0].Hash)

	out := filepath.Join(t.TempDir(), "out.bin")
	require.NoError(t, s.Export(hash, out))
	got, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestResolve(t *testing.T) {
	s, err := Open(t.TempDir(), 64)
	require.NoError(t, err)
	hash, _, err := s.Import(sim.Recording(2, 64), Source{Method: "import"})
	require.NoError(t, err)

	for _, ref := range []string{hash, ShortHash(hash), hashToFilename(hash)[:6]} {
		got, err := s.Resolve(ref)
		require.NoError(t, err, ref)
		assert.Equal(t, hash, got)
	}

	_, err = s.Resolve("ffffffffffff")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Resolve("")
	assert.ErrorIs(t, err, ErrNotFound)
}
