package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbuttnakedgang/holter/internal/protocol"
	"github.com/openbuttnakedgang/holter/internal/sim"
)

func buildDemo(t *testing.T) *Registry {
	t.Helper()
	r, err := Build([]byte(sim.Schema))
	require.NoError(t, err)
	return r
}

func TestBuildPathsUnique(t *testing.T) {
	r := buildDemo(t)
	paths := r.Paths()
	require.Len(t, paths, r.Len())

	seen := map[string]int{}
	for _, p := range paths {
		seen[p]++
		n, err := r.Lookup(p)
		require.NoError(t, err)
		assert.Equal(t, p, n.Path)
	}
	for p, c := range seen {
		assert.Equal(t, 1, c, p)
	}
	assert.Len(t, r.Leaves(), 16)
	assert.Equal(t, "/cfg", paths[0])
}

func TestBuildAccessAndTypes(t *testing.T) {
	r := buildDemo(t)
	tests := []struct {
		path   string
		tag    protocol.Tag
		access Access
	}{
		{"/info/serial", protocol.TagStr, ReadOnly},
		{"/info/uptime", protocol.TagU32, ReadOnly},
		{"/io/file/pos", protocol.TagU32, ReadWrite},
		{"/io/file/start", protocol.TagUnit, WriteOnly},
		{"/ctrl/reboot", protocol.TagUnit, WriteOnly},
		{"/cfg/gain", protocol.TagI16, ReadWrite},
		{"/cfg/key", protocol.TagBytes, ReadWrite},
		{"/cfg/seed", protocol.TagU32, ReadOnly},
		{"/cfg/calib", protocol.TagI32, WriteOnly},
	}
	for _, tt := range tests {
		n, err := r.Lookup(tt.path)
		require.NoError(t, err, tt.path)
		assert.True(t, n.Leaf, tt.path)
		assert.Equal(t, tt.tag, n.Tag, tt.path)
		assert.Equal(t, tt.access, n.Access, tt.path)
	}

	sec, err := r.Lookup("/io/file")
	require.NoError(t, err)
	assert.False(t, sec.Leaf)
	assert.Len(t, sec.Children, 3)
}

func TestBuildRejectsMalformed(t *testing.T) {
	for name, schema := range map[string]string{
		"not json":        `{`,
		"array root":      `[1]`,
		"unknown type":    `{"a": "f64"}`,
		"number leaf":     `{"a": 3}`,
		"bad access":      `{"a": {"@access": "XX", "b": "u8"}}`,
		"leaf children":   `{"a": {"@type": "u8", "b": "u8"}}`,
		"non string type": `{"a": {"@type": 5}}`,
		"slash in key":    `{"a/b": "u8"}`,
	} {
		_, err := Build([]byte(schema))
		assert.ErrorIs(t, err, ErrSchema, name)
	}
}

func TestFoldAndVisible(t *testing.T) {
	r := buildDemo(t)
	nodes, depths := r.Visible()
	require.Len(t, nodes, 4)
	assert.Equal(t, []int{0, 0, 0, 0}, depths)

	require.NoError(t, r.ToggleFold("/io"))
	require.NoError(t, r.ToggleFold("/io/file"))
	nodes, depths = r.Visible()
	var paths []string
	for _, n := range nodes {
		paths = append(paths, n.Path)
	}
	assert.Equal(t, []string{"/cfg", "/ctrl", "/info", "/io", "/io/file", "/io/file/len", "/io/file/pos", "/io/file/start"}, paths)
	assert.Equal(t, []int{0, 0, 0, 0, 1, 2, 2, 2}, depths)

	assert.ErrorIs(t, r.ToggleFold("/io/file/len"), ErrNotLeaf)
	assert.ErrorIs(t, r.ToggleFold("/missing"), ErrUnknownPath)
}

func TestRequests(t *testing.T) {
	r := buildDemo(t)

	msg, err := r.ReadRequest("/info/serial")
	require.NoError(t, err)
	assert.Equal(t, protocol.ReadRequest("/info/serial"), msg)

	_, err = r.ReadRequest("/ctrl/reboot")
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = r.WriteRequest("/info/serial", "x")
	assert.ErrorIs(t, err, ErrAccessDenied)
	_, err = r.ReadRequest("/cfg")
	assert.ErrorIs(t, err, ErrNotLeaf)

	msg, err = r.WriteRequest("/cfg/gain", "-40")
	require.NoError(t, err)
	assert.Equal(t, protocol.WriteRequest("/cfg/gain", protocol.I16(-40)), msg)
}

func TestUnitWriteAcceptsOnlyEmptyInput(t *testing.T) {
	r := buildDemo(t)

	for _, in := range []string{"", "()", "  "} {
		msg, err := r.WriteRequest("/ctrl/reboot", in)
		require.NoError(t, err, "%q", in)
		assert.Equal(t, protocol.Unit{}, msg.Value)
	}
	for _, in := range []string{"1", "true", "x", "( )"} {
		_, err := r.WriteRequest("/ctrl/reboot", in)
		var pe *ValueParseError
		require.ErrorAs(t, err, &pe, "%q", in)
		assert.ErrorIs(t, err, ErrValueParse)
	}
}

func TestSetValueAndInput(t *testing.T) {
	r := buildDemo(t)
	require.NoError(t, r.SetValue("/cfg/rate", protocol.U16(250)))
	require.NoError(t, r.SetInput("/cfg/rate", "300"))

	n, err := r.Lookup("/cfg/rate")
	require.NoError(t, err)
	assert.Equal(t, protocol.U16(250), n.Value)
	assert.Equal(t, "300", n.Input)

	assert.ErrorIs(t, r.SetValue("/cfg/rate", protocol.U8(1)), ErrValueParse)
	assert.ErrorIs(t, r.SetInput("/cfg", "x"), ErrNotLeaf)
}
