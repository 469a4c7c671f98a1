package tui

import (
	"context"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbuttnakedgang/holter/internal/app"
	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/protocol"
	"github.com/openbuttnakedgang/holter/internal/schema"
	"github.com/openbuttnakedgang/holter/internal/sim"
	"github.com/openbuttnakedgang/holter/internal/store"
	"github.com/openbuttnakedgang/holter/internal/telemetry"
)

func newTestModel(t *testing.T, rec *store.Store) Model {
	t.Helper()
	cfg := config.Default()
	cfg.Transport = config.TransportSim
	conn := &sim.Connector{Device: sim.NewHolter(), Identity: sim.HolterIdentity}
	ctrl := app.New(cfg, conn, schema.Static(sim.Schema))
	t.Cleanup(func() { ctrl.Disconnect() })

	ctx := context.Background()
	m := NewModel(ctx, ctrl, nil, rec)
	m = update(t, m, connectCmd(ctx, ctrl)())
	require.True(t, m.connected, m.errorMsg)
	return m
}

func update(t *testing.T, m Model, msg tea.Msg) Model {
	t.Helper()
	next, _ := m.Update(msg)
	return next.(Model)
}

func press(t *testing.T, m Model, k string) (Model, tea.Cmd) {
	t.Helper()
	var msg tea.KeyMsg
	switch k {
	case "enter":
		msg = tea.KeyMsg{Type: tea.KeyEnter}
	case "esc":
		msg = tea.KeyMsg{Type: tea.KeyEsc}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
	next, cmd := m.Update(msg)
	return next.(Model), cmd
}

// runAll executes cmd and any batched commands in order and collects the
// resulting messages.
func runAll(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var out []tea.Msg
		for _, c := range batch {
			out = append(out, runAll(c)...)
		}
		return out
	}
	if msg == nil {
		return nil
	}
	return []tea.Msg{msg}
}

func cursorTo(t *testing.T, m Model, path string) Model {
	t.Helper()
	nodes, _ := m.visibleNodes()
	for i, n := range nodes {
		if n.Path == path {
			m.cursor = i
			return m
		}
	}
	t.Fatalf("%s not visible", path)
	return m
}

func TestMainMenuNavigation(t *testing.T) {
	m := newTestModel(t, nil)
	assert.Contains(t, m.View(), "Registers")
	assert.Contains(t, m.View(), sim.HolterIdentity.String())
	bar := m.renderStatusBar()
	assert.Contains(t, bar, "online")
	assert.Contains(t, bar, "application")
	assert.Contains(t, bar, "idle")
	assert.Contains(t, bar, "ECG stopped")

	m, _ = press(t, m, "j")
	m, _ = press(t, m, "j")
	assert.Equal(t, 2, m.cursor)
	m, _ = press(t, m, "enter")
	assert.Equal(t, ViewTelemetry, m.view)

	m, _ = press(t, m, "esc")
	assert.Equal(t, ViewMain, m.view)
	assert.Equal(t, 2, m.cursor)
}

func TestRegisterTreeFoldAndWrite(t *testing.T) {
	m := newTestModel(t, nil)
	m.enter(ViewRegisters)

	nodes, _ := m.visibleNodes()
	folded := len(nodes)
	m = cursorTo(t, m, "/cfg")
	m, _ = press(t, m, "enter")
	nodes, _ = m.visibleNodes()
	assert.Greater(t, len(nodes), folded)
	assert.Contains(t, m.View(), "▾ cfg/")

	m = cursorTo(t, m, "/cfg/gain")
	m, _ = press(t, m, "e")
	require.True(t, m.editing)
	m.input.SetValue("-7")
	m, cmd := press(t, m, "enter")
	assert.False(t, m.editing)
	require.NotNil(t, cmd)
	for _, msg := range runAll(cmd) {
		m = update(t, m, msg)
	}
	assert.Empty(t, m.errorMsg)
	assert.Equal(t, "Wrote /cfg/gain = -7", m.statusMsg)

	n, ok := m.selectedNode()
	require.True(t, ok)
	assert.Equal(t, protocol.I16(-7), n.Value)
	assert.Contains(t, m.View(), "= -7")
}

func TestRegisterReadOnlyLeafReads(t *testing.T) {
	m := newTestModel(t, nil)
	m.enter(ViewRegisters)
	m = cursorTo(t, m, "/info")
	m, _ = press(t, m, "enter")
	m = cursorTo(t, m, "/info/serial")

	m, cmd := press(t, m, "enter")
	assert.False(t, m.editing)
	assert.Equal(t, "/info/serial", m.pending)
	for _, msg := range runAll(cmd) {
		m = update(t, m, msg)
	}
	assert.Empty(t, m.pending)
	assert.Contains(t, m.statusMsg, sim.HolterIdentity.Serial)
}

func TestDownloadArchivesRecording(t *testing.T) {
	rec, err := store.Open(t.TempDir(), 0x800)
	require.NoError(t, err)
	m := newTestModel(t, rec)
	m.enter(ViewRecording)

	m, cmd := press(t, m, "enter")
	assert.Equal(t, opDownload, m.operation)
	assert.True(t, m.progress.IsActive())
	for _, msg := range runAll(cmd) {
		m = update(t, m, msg)
	}
	assert.Empty(t, m.operation)
	assert.Empty(t, m.errorMsg)
	assert.Contains(t, m.statusMsg, "Downloaded 24 blocks")
	assert.Contains(t, m.statusMsg, "archived as")

	entries, err := rec.List()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 24, entries[0].Blocks)
}

func TestTelemetryStartStop(t *testing.T) {
	m := newTestModel(t, nil)
	m.enter(ViewTelemetry)
	for m.ctrl.SelectedGroup() != telemetry.GroupAccIn {
		m, _ = press(t, m, "g")
	}

	m, cmd := press(t, m, "s")
	require.NotNil(t, m.sink)
	sink := m.sink
	batch, ok := cmd().(tea.BatchMsg)
	require.True(t, ok)
	require.Len(t, batch, 2)

	done := make(chan tea.Msg, 1)
	go func() { done <- batch[0]() }()

	m = update(t, m, batch[1]())
	require.NotNil(t, m.latest)
	assert.Equal(t, telemetry.GroupAccIn, m.latest.Group)
	assert.Equal(t, 1, m.samples)
	assert.Contains(t, m.View(), "streaming")

	m, _ = press(t, m, "s")
	go func() {
		for range sink {
		}
	}()
	m = update(t, m, <-done)
	assert.Nil(t, m.sink)
	assert.Empty(t, m.errorMsg)
	assert.Contains(t, m.statusMsg, "Telemetry stopped")
	assert.False(t, m.ctrl.TelemetryRunning())
}

func TestDisconnectDetected(t *testing.T) {
	m := newTestModel(t, nil)
	require.NoError(t, m.ctrl.Disconnect())

	m = update(t, m, connectionCheckMsg{})
	assert.False(t, m.connected)
	assert.Equal(t, "Device disconnected", m.errorMsg)
	assert.Contains(t, m.View(), "Offline")
	assert.Contains(t, m.renderStatusBar(), "offline")
}

func TestWindow(t *testing.T) {
	first, last := window(0, 5, 10)
	assert.Equal(t, [2]int{0, 5}, [2]int{first, last})
	first, last = window(50, 100, 10)
	assert.Equal(t, [2]int{45, 55}, [2]int{first, last})
	first, last = window(99, 100, 10)
	assert.Equal(t, [2]int{90, 100}, [2]int{first, last})
}

func TestSparkline(t *testing.T) {
	assert.Equal(t, "", sparkline(nil))
	assert.Equal(t, "▁▁", sparkline([]int32{3, 3}))
	assert.Equal(t, "▁█", sparkline([]int32{-10, 10}))
}
