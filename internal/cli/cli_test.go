package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/protocol"
	"github.com/openbuttnakedgang/holter/internal/registry"
	"github.com/openbuttnakedgang/holter/internal/sim"
	"github.com/openbuttnakedgang/holter/internal/store"
)

func parse(t *testing.T, args ...string) (*CLI, *kong.Context) {
	t.Helper()
	var cli CLI
	parser, err := kong.New(&cli, kong.Name("holter"), kong.Exit(func(int) { t.Fatal("exit") }))
	require.NoError(t, err)
	ctx, err := parser.Parse(args)
	require.NoError(t, err)
	return &cli, ctx
}

// simConfig writes a config selecting the simulated device and a private
// cache directory.
func simConfig(t *testing.T) (path, cache string) {
	t.Helper()
	dir := t.TempDir()
	cache = filepath.Join(dir, "cache")
	path = filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("transport: sim\ncache_dir: "+cache+"\n"), 0644))
	return path, cache
}

func TestParseCommands(t *testing.T) {
	_, ctx := parse(t)
	assert.Equal(t, "tui", ctx.Command())

	cli, _ := parse(t, "-t", "sim", "write", "/cfg/gain", "5")
	assert.Equal(t, "sim", cli.Transport)
	assert.Equal(t, "/cfg/gain", cli.Write.Path)
	assert.Equal(t, "5", cli.Write.Value)

	cli, ctx = parse(t, "vis", "-g", "REO", "-d", "2s")
	assert.Equal(t, "vis", ctx.Command())
	assert.Equal(t, "REO", cli.Vis.Group)

	_, ctx = parse(t, "dfu", "write", "--version", "1.2.0")
	assert.Equal(t, "dfu write", ctx.Command())
}

func TestSetupAppliesOverrides(t *testing.T) {
	path, cache := simConfig(t)
	cli := &CLI{Config: path, Strict: true, Schema: "schema.json"}
	cfg, err := cli.setup()
	require.NoError(t, err)
	assert.Equal(t, config.TransportSim, cfg.Transport)
	assert.Equal(t, cache, cfg.CacheDir)
	assert.True(t, cfg.Strict)
	assert.Equal(t, "schema.json", cfg.Schema)

	cli = &CLI{Config: path, Transport: "usb"}
	cfg, err = cli.setup()
	require.NoError(t, err)
	assert.Equal(t, config.TransportUSB, cfg.Transport)
}

func TestRunAgainstSimulator(t *testing.T) {
	path, _ := simConfig(t)

	cli, ctx := parse(t, "--config", path, "write", "/cfg/gain", "7")
	require.NoError(t, ctx.Run(cli))

	cli, ctx = parse(t, "--config", path, "read", "/info/serial")
	require.NoError(t, ctx.Run(cli))

	cli, ctx = parse(t, "--config", path, "read", "/nope")
	assert.ErrorIs(t, ctx.Run(cli), registry.ErrUnknownPath)
}

func TestDownloadArchivesRecording(t *testing.T) {
	path, cache := simConfig(t)
	out := filepath.Join(t.TempDir(), "rec.bin")

	cli, ctx := parse(t, "--config", path, "download", "--store", out)
	require.NoError(t, ctx.Run(cli))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, sim.Recording(24, 0x800), data)

	s, err := store.Open(store.DefaultPath(cache), 0x800)
	require.NoError(t, err)
	entries, err := s.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, store.ContentHash(data), entries[0].Hash)
	assert.Equal(t, 24, entries[0].Blocks)

	export := filepath.Join(t.TempDir(), "copy.bin")
	cli, ctx = parse(t, "--config", path, "rec", "export", store.ShortHash(entries[0].Hash), export)
	require.NoError(t, ctx.Run(cli))
	got, err := os.ReadFile(export)
	require.NoError(t, err)
	assert.Equal(t, data, got)
}

func TestFirmwareStoreCommands(t *testing.T) {
	path, _ := simConfig(t)
	img := filepath.Join(t.TempDir(), "v2.0.1.bin")
	require.NoError(t, os.WriteFile(img, []byte{1, 2, 3, 4}, 0644))

	cli, ctx := parse(t, "--config", path, "fw", "import", img)
	require.NoError(t, ctx.Run(cli))
	cli, ctx = parse(t, "--config", path, "fw", "list")
	require.NoError(t, ctx.Run(cli))

	s, err := openStores(cli.cfg)
	require.NoError(t, err)
	data, err := s.firmware.Get("v2.0.1")
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4}, data)

	cli, ctx = parse(t, "--config", path, "fw", "remove", "v2.0.1")
	require.NoError(t, ctx.Run(cli))
	assert.False(t, s.firmware.Has("v2.0.1", ""))
}

func TestFormatNode(t *testing.T) {
	leaf := registry.Node{Name: "gain", Leaf: true, Tag: protocol.TagI16, Access: registry.ReadWrite, Value: protocol.I16(-3)}
	assert.Equal(t, "  gain               i16    RW  = -3", formatNode(leaf, 1))
	assert.Equal(t, "cfg/", formatNode(registry.Node{Name: "cfg"}, 0))
}
