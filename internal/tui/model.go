package tui

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/filepicker"
	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"

	"github.com/openbuttnakedgang/holter/internal/app"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/firmware"
	"github.com/openbuttnakedgang/holter/internal/protocol"
	"github.com/openbuttnakedgang/holter/internal/registry"
	"github.com/openbuttnakedgang/holter/internal/store"
	"github.com/openbuttnakedgang/holter/internal/telemetry"
)

// View represents the current screen.
type View int

const (
	ViewMain View = iota
	ViewRegisters
	ViewRecording
	ViewTelemetry
	ViewFirmware
)

const (
	opDownload = "download"
	opFlash    = "flash"
	opReadBack = "readback"
)

// historyLen is the number of first-channel values kept for the sparkline.
const historyLen = 48

var groups = []telemetry.Group{telemetry.GroupECG, telemetry.GroupREO, telemetry.GroupAccIn}

// MenuItem represents a selectable menu item.
type MenuItem struct {
	Title       string
	Description string
	View        View
}

// Model is the main application state.
type Model struct {
	ctx  context.Context
	ctrl *app.Controller
	fw   *firmware.Store
	rec  *store.Store

	view          View
	cursor        int
	cursorHistory map[View]int
	menuItems     []MenuItem

	width  int
	height int

	connected  bool
	connecting bool
	errorMsg   string
	statusMsg  string

	// Register editing
	editing  bool
	editPath string
	input    textinput.Model
	pending  string // path of the register being read or written

	// Long operations
	progress   ProgressState
	progressCh chan progressUpdateMsg
	operation  string

	recordings []store.IndexEntry
	images     []firmware.Image
	confirm    string // image version waiting for a second select

	// Telemetry
	sink    chan telemetry.Sample
	latest  *telemetry.Sample
	history []int32
	samples int

	filepicker       filepicker.Model
	filePickerActive bool

	keys    KeyMap
	help    help.Model
	spinner spinner.Model
	styles  Styles
}

// Messages for async operations
type connectMsg struct{ err error }

type connectionCheckMsg time.Time

type registerMsg struct {
	path  string
	write bool
	value protocol.Value
	err   error
}

type refreshMsg struct{ err error }

type storeListMsg struct {
	recordings []store.IndexEntry
	images     []firmware.Image
	err        error
}

type firmwareImportedMsg struct {
	image firmware.Image
	err   error
}

type sampleMsg telemetry.Sample

type telemetryDoneMsg struct{ err error }

// NewModel creates a model driving ctrl. fw and rec may be nil, which
// hides the matching store features.
func NewModel(ctx context.Context, ctrl *app.Controller, fw *firmware.Store, rec *store.Store) Model {
	s := spinner.New()
	s.Spinner = spinner.Dot
	s.Style = lipgloss.NewStyle().Foreground(lipgloss.Color("205"))

	ti := textinput.New()
	ti.CharLimit = 256
	ti.Width = 40

	fp := filepicker.New()
	fp.AllowedTypes = []string{".bin"}
	fp.DirAllowed = true
	fp.FileAllowed = true
	fp.ShowHidden = false
	fp.ShowPermissions = false
	fp.ShowSize = true
	fp.SetHeight(15)
	if cwd, err := os.Getwd(); err == nil {
		fp.CurrentDirectory = cwd
	}

	return Model{
		ctx:           ctx,
		ctrl:          ctrl,
		fw:            fw,
		rec:           rec,
		view:          ViewMain,
		cursorHistory: make(map[View]int),
		menuItems: []MenuItem{
			{Title: "Registers", Description: "Browse, read and write the device command tree", View: ViewRegisters},
			{Title: "Recording", Description: "Download the stored recording into the archive", View: ViewRecording},
			{Title: "Telemetry", Description: "Stream live ECG, REO or accelerometer samples", View: ViewTelemetry},
			{Title: "Firmware", Description: "Flash or read back the application image", View: ViewFirmware},
		},
		connecting: true,
		input:      ti,
		progress:   NewProgressState(),
		filepicker: fp,
		keys:       DefaultKeyMap(),
		help:       help.New(),
		spinner:    s,
		styles:     DefaultStyles(),
	}
}

// Init starts the spinner, connects and begins watching the link.
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		m.spinner.Tick,
		connectCmd(m.ctx, m.ctrl),
		connectionCheckCmd(),
	)
}

// Update handles messages and updates the model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	if m.filePickerActive {
		return m.updateFilePicker(msg)
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		if m.editing {
			return m.updateEditor(msg)
		}
		return m.handleKey(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.help.Width = msg.Width

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)

	case connectMsg:
		m.connecting = false
		if msg.err != nil {
			m.connected = false
			m.errorMsg = msg.err.Error()
			m.statusMsg = "Press 'c' to retry"
		} else {
			m.connected = true
			m.errorMsg = ""
			m.statusMsg = ""
			m.cursor = min(m.cursor, m.maxCursor())
		}

	case connectionCheckMsg:
		if m.connected && !m.connecting && !m.ctrl.Connected() {
			m.handleDisconnect()
		}
		cmds = append(cmds, connectionCheckCmd())

	case registerMsg:
		m.pending = ""
		if msg.err != nil {
			m.setError(msg.err)
			break
		}
		verb := "Read"
		if msg.write {
			verb = "Wrote"
		}
		m.statusMsg = fmt.Sprintf("%s %s = %s", verb, msg.path, registry.FormatValue(msg.value))

	case refreshMsg:
		m.pending = ""
		if msg.err != nil {
			m.setError(msg.err)
		} else {
			m.statusMsg = "Refreshed all readable registers"
		}

	case storeListMsg:
		if msg.err != nil {
			m.errorMsg = msg.err.Error()
		}
		m.recordings = msg.recordings
		m.images = msg.images
		m.cursor = min(m.cursor, m.maxCursor())

	case firmwareImportedMsg:
		if msg.err != nil {
			m.errorMsg = fmt.Sprintf("Import failed: %v", msg.err)
			break
		}
		m.statusMsg = fmt.Sprintf("Imported %s (%s)", msg.image.Version, humanize.IBytes(uint64(msg.image.Size)))
		cmds = append(cmds, loadStoresCmd(m.fw, m.rec))

	case progressUpdateMsg:
		if msg.operation == m.operation {
			m.progress.Update(msg.progress.Percent(), msg.progress.Phase)
		}
		cmds = append(cmds, waitProgress(m.progressCh))

	case progressCompleteMsg:
		m.progress.Complete()
		m.operation = ""
		m.errorMsg = ""
		m.statusMsg = msg.message
		cmds = append(cmds, loadStoresCmd(m.fw, m.rec))

	case progressErrorMsg:
		m.progress.Complete()
		m.operation = ""
		m.setError(fmt.Errorf("%s failed: %w", msg.operation, msg.err))

	case sampleMsg:
		s := telemetry.Sample(msg)
		m.latest = &s
		m.samples++
		if len(s.Values) > 0 {
			m.history = append(m.history, s.Values[0])
			if len(m.history) > historyLen {
				m.history = m.history[len(m.history)-historyLen:]
			}
		}
		if m.sink != nil {
			cmds = append(cmds, waitSample(m.sink))
		}

	case telemetryDoneMsg:
		m.sink = nil
		if msg.err != nil {
			m.setError(msg.err)
		} else {
			m.statusMsg = fmt.Sprintf("Telemetry stopped after %d samples", m.samples)
		}
	}

	return m, tea.Batch(cmds...)
}

// setError shows err and notices a lost link.
func (m *Model) setError(err error) {
	m.errorMsg = err.Error()
	if m.connected && !m.ctrl.Connected() {
		m.handleDisconnect()
	}
}

func (m *Model) handleDisconnect() {
	m.connected = false
	m.editing = false
	m.confirm = ""
	if m.errorMsg == "" {
		m.errorMsg = "Device disconnected"
	}
	m.statusMsg = "Press 'c' to reconnect"
	if m.view == ViewRegisters {
		m.cursor = 0
	}
}

func (m Model) updateEditor(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.Type {
	case tea.KeyEsc:
		m.editing = false
		m.input.Blur()
		return m, nil
	case tea.KeyEnter:
		m.editing = false
		m.input.Blur()
		m.pending = m.editPath
		return m, writeCmd(m.ctx, m.ctrl, m.editPath, m.input.Value())
	}
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

func (m Model) updateFilePicker(msg tea.Msg) (tea.Model, tea.Cmd) {
	if k, ok := msg.(tea.KeyMsg); ok && (k.String() == "esc" || k.String() == "q") {
		m.filePickerActive = false
		return m, nil
	}
	var cmd tea.Cmd
	m.filepicker, cmd = m.filepicker.Update(msg)
	if didSelect, path := m.filepicker.DidSelectFile(msg); didSelect {
		m.filePickerActive = false
		m.statusMsg = "Importing " + filepath.Base(path) + "..."
		return m, importFirmwareFileCmd(m.fw, path)
	}
	return m, cmd
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if m.confirm != "" && !key.Matches(msg, m.keys.Select) {
		m.confirm = ""
		m.statusMsg = "Flash cancelled"
	}

	switch {
	case key.Matches(msg, m.keys.Quit):
		if m.sink != nil {
			m.ctrl.StopTelemetry()
		}
		return m, tea.Quit

	case key.Matches(msg, m.keys.Help):
		m.help.ShowAll = !m.help.ShowAll

	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}

	case key.Matches(msg, m.keys.Down):
		if m.cursor < m.maxCursor() {
			m.cursor++
		}

	case key.Matches(msg, m.keys.Back), key.Matches(msg, m.keys.Left):
		m.goBack()

	case key.Matches(msg, m.keys.Select), key.Matches(msg, m.keys.Right):
		return m.handleSelect()

	case key.Matches(msg, m.keys.Connect):
		if !m.connecting && !m.busy() {
			m.connecting = true
			m.errorMsg = ""
			m.statusMsg = ""
			return m, connectCmd(m.ctx, m.ctrl)
		}

	case key.Matches(msg, m.keys.Refresh):
		return m.handleRefresh()

	case key.Matches(msg, m.keys.Edit):
		if m.view == ViewRegisters {
			if n, ok := m.selectedNode(); ok && n.Leaf && n.Access.Write {
				return m.startEditing(n)
			}
		}

	case key.Matches(msg, m.keys.Group):
		if m.view == ViewTelemetry {
			m.ctrl.SelectGroup(nextGroup(m.ctrl.SelectedGroup()))
			m.latest = nil
			m.history = nil
		}

	case key.Matches(msg, m.keys.Stream):
		if m.view == ViewTelemetry {
			return m.toggleTelemetry()
		}
	}

	return m, nil
}

func (m *Model) goBack() {
	if m.view == ViewMain {
		return
	}
	m.cursorHistory[m.view] = m.cursor
	m.view = ViewMain
	m.cursor = m.cursorHistory[ViewMain]
	m.errorMsg = ""
	m.statusMsg = ""
}

func (m *Model) enter(v View) {
	m.cursorHistory[m.view] = m.cursor
	m.view = v
	m.cursor = m.cursorHistory[v]
	m.errorMsg = ""
	m.statusMsg = ""
	m.cursor = min(m.cursor, m.maxCursor())
}

func (m Model) handleSelect() (tea.Model, tea.Cmd) {
	switch m.view {
	case ViewMain:
		if m.cursor >= len(m.menuItems) {
			return m, nil
		}
		m.enter(m.menuItems[m.cursor].View)
		switch m.view {
		case ViewRecording, ViewFirmware:
			return m, loadStoresCmd(m.fw, m.rec)
		}

	case ViewRegisters:
		n, ok := m.selectedNode()
		if !ok {
			return m, nil
		}
		if !n.Leaf {
			if err := m.ctrl.ToggleFold(n.Path); err != nil {
				m.setError(err)
			}
			m.cursor = min(m.cursor, m.maxCursor())
			return m, nil
		}
		if n.Access.Write {
			return m.startEditing(n)
		}
		return m.readNode(n)

	case ViewRecording:
		return m.startDownload()

	case ViewTelemetry:
		return m.toggleTelemetry()

	case ViewFirmware:
		return m.selectFirmware()
	}
	return m, nil
}

func (m Model) handleRefresh() (tea.Model, tea.Cmd) {
	switch m.view {
	case ViewRegisters:
		if !m.connected || m.pending != "" {
			return m, nil
		}
		n, ok := m.selectedNode()
		if ok && n.Leaf {
			return m.readNode(n)
		}
		m.pending = "/"
		m.statusMsg = "Refreshing..."
		return m, refreshCmd(m.ctx, m.ctrl)
	case ViewRecording, ViewFirmware:
		return m, loadStoresCmd(m.fw, m.rec)
	}
	return m, nil
}

func (m Model) readNode(n registry.Node) (tea.Model, tea.Cmd) {
	if !n.Access.Read {
		m.errorMsg = n.Path + " is write-only"
		return m, nil
	}
	m.pending = n.Path
	return m, readCmd(m.ctx, m.ctrl, n.Path)
}

func (m Model) startEditing(n registry.Node) (tea.Model, tea.Cmd) {
	m.editing = true
	m.editPath = n.Path
	m.errorMsg = ""
	m.input.Prompt = n.Name + " (" + n.Tag.String() + ") > "
	switch {
	case n.Input != "":
		m.input.SetValue(n.Input)
	case n.Value != nil:
		m.input.SetValue(registry.FormatValue(n.Value))
	default:
		m.input.SetValue("")
	}
	m.input.CursorEnd()
	return m, m.input.Focus()
}

// busy reports whether a long operation or telemetry holds the device.
func (m Model) busy() bool {
	return m.operation != "" || m.sink != nil
}

func (m Model) startOperation(op, description string, run func(device.ProgressCallback) (string, error)) (tea.Model, tea.Cmd) {
	if !m.connected {
		m.errorMsg = "Not connected"
		return m, nil
	}
	if m.busy() {
		m.errorMsg = "Another operation is running"
		return m, nil
	}
	ch := make(chan progressUpdateMsg, 16)
	m.operation = op
	m.progressCh = ch
	m.errorMsg = ""
	m.statusMsg = ""
	m.progress.Start(description)

	report := progressReporter(op, ch)
	work := func() tea.Msg {
		defer close(ch)
		message, err := run(report)
		if err != nil {
			return progressErrorMsg{operation: op, err: err}
		}
		return progressCompleteMsg{operation: op, message: message}
	}
	return m, tea.Batch(work, waitProgress(ch))
}

func (m Model) startDownload() (tea.Model, tea.Cmd) {
	ctx, ctrl, rec := m.ctx, m.ctrl, m.rec
	return m.startOperation(opDownload, "Downloading recording...", func(report device.ProgressCallback) (string, error) {
		var buf bytes.Buffer
		stats, err := ctrl.DownloadFile(ctx, &buf, 0, report)
		if err != nil {
			return "", err
		}
		summary := fmt.Sprintf("Downloaded %d blocks (%s)", stats.Blocks, humanize.IBytes(uint64(stats.Bytes)))
		if rec == nil {
			return summary, nil
		}
		hash, isNew, err := rec.Import(buf.Bytes(), store.Source{
			Device:    ctrl.Descriptor(),
			Timestamp: time.Now(),
			Method:    "download",
		})
		if err != nil {
			return "", fmt.Errorf("archive: %w", err)
		}
		if !isNew {
			return summary + ", already archived as " + store.ShortHash(hash), nil
		}
		return summary + ", archived as " + store.ShortHash(hash), nil
	})
}

func (m Model) selectFirmware() (tea.Model, tea.Cmd) {
	switch i := m.cursor; {
	case i < len(m.images):
		img := m.images[i]
		if m.confirm != img.Version {
			m.confirm = img.Version
			m.statusMsg = fmt.Sprintf("Press enter again to flash %s", img.Version)
			return m, nil
		}
		m.confirm = ""
		return m.startFlash(img)
	case i == len(m.images):
		if m.fw == nil {
			return m, nil
		}
		m.filePickerActive = true
		return m, m.filepicker.Init()
	default:
		return m.startReadBack()
	}
}

func (m Model) startFlash(img firmware.Image) (tea.Model, tea.Cmd) {
	ctx, ctrl, fw := m.ctx, m.ctrl, m.fw
	return m.startOperation(opFlash, "Flashing "+img.Version+"...", func(report device.ProgressCallback) (string, error) {
		data, err := fw.Get(img.Version)
		if err != nil {
			return "", err
		}
		if err := ctrl.FirmwareDownload(ctx, data, report); err != nil {
			return "", err
		}
		return fmt.Sprintf("Flashed %s (%s)", img.Version, humanize.IBytes(uint64(len(data)))), nil
	})
}

func (m Model) startReadBack() (tea.Model, tea.Cmd) {
	ctx, ctrl, fw := m.ctx, m.ctrl, m.fw
	return m.startOperation(opReadBack, "Reading firmware...", func(report device.ProgressCallback) (string, error) {
		data, err := ctrl.FirmwareUpload(ctx, report)
		if err != nil {
			return "", err
		}
		if fw == nil {
			return fmt.Sprintf("Read %s", humanize.IBytes(uint64(len(data)))), nil
		}
		img, err := fw.Save("readback-"+time.Now().Format("20060102-150405"), data)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("Saved %s (%s)", img.Version, humanize.IBytes(uint64(img.Size))), nil
	})
}

func (m Model) toggleTelemetry() (tea.Model, tea.Cmd) {
	if m.sink != nil {
		m.ctrl.StopTelemetry()
		m.statusMsg = "Stopping..."
		return m, nil
	}
	if !m.connected {
		m.errorMsg = "Not connected"
		return m, nil
	}
	if m.operation != "" {
		m.errorMsg = "Another operation is running"
		return m, nil
	}
	sink := make(chan telemetry.Sample, 64)
	errc, err := m.ctrl.StartTelemetry(m.ctx, sink)
	if err != nil {
		m.setError(err)
		return m, nil
	}
	m.sink = sink
	m.latest = nil
	m.history = nil
	m.samples = 0
	m.errorMsg = ""
	m.statusMsg = "Streaming " + m.ctrl.SelectedGroup().String()
	wait := func() tea.Msg {
		return telemetryDoneMsg{err: <-errc}
	}
	return m, tea.Batch(wait, waitSample(sink))
}

func nextGroup(g telemetry.Group) telemetry.Group {
	for i, c := range groups {
		if c == g {
			return groups[(i+1)%len(groups)]
		}
	}
	return groups[0]
}

// visibleNodes returns the expanded part of the command tree.
func (m Model) visibleNodes() ([]registry.Node, []int) {
	if !m.connected {
		return nil, nil
	}
	r := m.ctrl.Registry()
	if r == nil {
		return nil, nil
	}
	return r.Visible()
}

func (m Model) selectedNode() (registry.Node, bool) {
	nodes, _ := m.visibleNodes()
	if m.cursor < 0 || m.cursor >= len(nodes) {
		return registry.Node{}, false
	}
	return nodes[m.cursor], true
}

func (m Model) maxCursor() int {
	switch m.view {
	case ViewMain:
		return len(m.menuItems) - 1
	case ViewRegisters:
		nodes, _ := m.visibleNodes()
		return max(len(nodes)-1, 0)
	case ViewFirmware:
		return len(m.images) + 1
	}
	return 0
}

// View renders the UI.
func (m Model) View() string {
	if m.filePickerActive {
		return m.viewFilePicker()
	}

	var content string
	switch m.view {
	case ViewMain:
		content = m.viewMain()
	case ViewRegisters:
		content = m.viewRegisters()
	case ViewRecording:
		content = m.viewRecording()
	case ViewTelemetry:
		content = m.viewTelemetry()
	case ViewFirmware:
		content = m.viewFirmware()
	}

	helpView := m.help.View(m.keys)
	return m.styles.App.Render(m.styles.Content.Render(content) + "\n" + m.renderStatusBar() + "\n" + helpView)
}

func (m Model) renderTitleBar(title string) string {
	var status string
	switch {
	case m.connecting:
		status = m.spinner.View() + " Connecting..."
	case m.connected:
		status = m.styles.Success.Render("●") + " " + m.ctrl.Descriptor()
	default:
		status = m.styles.StatusOffline.Render("○ Offline")
	}
	return m.styles.Title.Render(title) + " " + m.styles.TitleBar.Render(status) + "\n"
}

// renderStatusBar shows the link, the device personality, the firmware
// transfer machine and the telemetry stream.
func (m Model) renderStatusBar() string {
	field := func(k, v string) string {
		return m.styles.StatusKey.Render(k) + m.styles.StatusValue.Render(v)
	}
	link := m.styles.StatusOffline.Render("offline")
	if m.connected {
		link = m.styles.StatusOnline.Render("online")
	}
	vis := "stopped"
	if m.sink != nil {
		vis = "streaming"
	}
	return m.styles.StatusBar.Render(
		m.styles.StatusKey.Render("link") + link + "  " +
			field("mode", m.ctrl.Kind().String()) +
			field("dfu", m.ctrl.DFUState()) +
			field("vis", m.ctrl.SelectedGroup().String()+" "+vis),
	)
}

func (m Model) renderFooter() string {
	var b strings.Builder
	if m.progress.IsActive() {
		b.WriteString("\n" + m.progress.View() + "\n")
	}
	if m.errorMsg != "" {
		b.WriteString("\n" + m.styles.Error.Render("Error: "+m.errorMsg) + "\n")
	}
	if m.statusMsg != "" {
		b.WriteString("\n" + m.styles.Muted.Render(m.statusMsg) + "\n")
	}
	return b.String()
}

func (m Model) renderCursor(i int, text string) string {
	if i == m.cursor {
		return m.styles.MenuItemSelected.Render("> "+text) + "\n"
	}
	return m.styles.MenuItem.Render("  "+text) + "\n"
}

func (m Model) viewMain() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Holter"))

	for i, item := range m.menuItems {
		b.WriteString(m.renderCursor(i, item.Title))
		b.WriteString(m.styles.MenuItemDim.Render(item.Description) + "\n")
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) viewRegisters() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Registers"))

	nodes, depths := m.visibleNodes()
	if len(nodes) == 0 {
		if m.connected {
			b.WriteString(m.styles.Muted.Render("No command tree loaded (bootloader?)") + "\n")
		} else {
			b.WriteString(m.styles.Muted.Render("Connect a device to browse its registers") + "\n")
		}
		b.WriteString(m.renderFooter())
		return b.String()
	}

	first, last := window(m.cursor, len(nodes), m.treeRows())
	for i := first; i < last; i++ {
		b.WriteString(m.renderCursor(i, m.formatNode(nodes[i], depths[i])))
	}
	if last < len(nodes) {
		b.WriteString(m.styles.Muted.Render(fmt.Sprintf("  ... %d more", len(nodes)-last)) + "\n")
	}

	if m.editing {
		b.WriteString("\n" + m.input.View() + "\n")
		b.WriteString(m.styles.Muted.Render("enter: write  esc: cancel") + "\n")
	}
	if m.pending != "" {
		b.WriteString("\n" + m.spinner.View() + " " + m.pending + "\n")
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) formatNode(n registry.Node, depth int) string {
	indent := strings.Repeat("  ", depth)
	if !n.Leaf {
		marker := "▾"
		if n.Folded {
			marker = "▸"
		}
		return indent + m.styles.Section.Render(marker+" "+n.Name+"/")
	}
	line := m.styles.Leaf.Render(fmt.Sprintf("%-18s %-6s %-3s", n.Name, n.Tag, n.Access))
	if n.Value != nil {
		line += " = " + registry.FormatValue(n.Value)
	}
	if n.Path == m.pending {
		line += " " + m.styles.Reading.Render("...")
	}
	return indent + "  " + line
}

// treeRows is how many tree lines fit on screen.
func (m Model) treeRows() int {
	if m.height == 0 {
		return 20
	}
	return max(m.height-12, 5)
}

// window returns the slice bounds of a list of n lines showing rows lines
// around cursor.
func window(cursor, n, rows int) (int, int) {
	if n <= rows {
		return 0, n
	}
	first := max(cursor-rows/2, 0)
	first = min(first, n-rows)
	return first, first + rows
}

func (m Model) viewRecording() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Recording"))

	b.WriteString(m.renderCursor(0, "Download recording from device"))
	b.WriteString("\n")

	if m.rec == nil {
		b.WriteString(m.styles.Muted.Render("Archive unavailable") + "\n")
	} else if len(m.recordings) == 0 {
		b.WriteString(m.styles.Muted.Render("No recordings archived yet") + "\n")
	} else {
		b.WriteString(m.styles.Subtitle.Render("Archived recordings") + "\n")
		for _, e := range m.recordings {
			line := fmt.Sprintf("  %s  %5d blocks  %3d bad  %4d events  %s",
				store.ShortHash(e.Hash), e.Blocks, e.Invalid, e.Events, humanize.Time(e.CreatedAt))
			b.WriteString(m.styles.Value.Render(line) + "\n")
		}
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) viewTelemetry() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Telemetry"))

	state := m.styles.Muted.Render("stopped")
	if m.sink != nil {
		state = m.styles.Success.Render("streaming")
	}
	b.WriteString(m.styles.Label.Render("Group") + m.styles.Highlight.Render(m.ctrl.SelectedGroup().String()) + "\n")
	b.WriteString(m.styles.Label.Render("State") + state + "\n")
	b.WriteString(m.styles.Label.Render("Samples") + m.styles.Value.Render(fmt.Sprint(m.samples)) + "\n\n")

	if m.latest != nil {
		for i, v := range m.latest.Values {
			b.WriteString(m.styles.Label.Render(fmt.Sprintf("ch%d", i)) + m.styles.Value.Render(fmt.Sprintf("%8d", v)) + "\n")
		}
		b.WriteString("\n" + m.styles.Highlight.Render(sparkline(m.history)) + "\n")
	} else {
		b.WriteString(m.styles.Muted.Render("g: change group  s: start/stop") + "\n")
	}
	b.WriteString(m.renderFooter())
	return b.String()
}

var sparkBlocks = []rune("▁▂▃▄▅▆▇█")

// sparkline scales values to block characters.
func sparkline(values []int32) string {
	if len(values) == 0 {
		return ""
	}
	lo, hi := values[0], values[0]
	for _, v := range values {
		lo = min(lo, v)
		hi = max(hi, v)
	}
	out := make([]rune, len(values))
	for i, v := range values {
		idx := 0
		if hi > lo {
			idx = int(int64(v-lo) * int64(len(sparkBlocks)-1) / int64(hi-lo))
		}
		out[i] = sparkBlocks[idx]
	}
	return string(out)
}

func (m Model) viewFirmware() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Firmware"))

	if m.connected && m.ctrl.Kind() != device.KindBootloader {
		b.WriteString(m.styles.Warning.Render("Flashing needs the device in bootloader mode") + "\n\n")
	}

	if len(m.images) == 0 {
		b.WriteString(m.styles.Muted.Render("No firmware images stored") + "\n")
	}
	for i, img := range m.images {
		line := fmt.Sprintf("%-24s %10s  %s", img.Version, humanize.IBytes(uint64(img.Size)), humanize.Time(img.Modified))
		if m.confirm == img.Version {
			line += "  " + m.styles.Warning.Render("[confirm]")
		}
		b.WriteString(m.renderCursor(i, line))
	}
	b.WriteString("\n")
	b.WriteString(m.renderCursor(len(m.images), "Import file..."))
	b.WriteString(m.renderCursor(len(m.images)+1, "Read image from device"))
	b.WriteString(m.renderFooter())
	return b.String()
}

func (m Model) viewFilePicker() string {
	var b strings.Builder
	b.WriteString(m.renderTitleBar("Import Firmware"))
	b.WriteString(m.styles.Muted.Render("Select a .bin file (esc to cancel)") + "\n\n")
	b.WriteString(m.filepicker.View())
	return m.styles.App.Render(b.String())
}

// Commands

func connectCmd(ctx context.Context, ctrl *app.Controller) tea.Cmd {
	return func() tea.Msg {
		return connectMsg{err: ctrl.Connect(ctx)}
	}
}

func connectionCheckCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return connectionCheckMsg(t)
	})
}

func readCmd(ctx context.Context, ctrl *app.Controller, path string) tea.Cmd {
	return func() tea.Msg {
		v, err := ctrl.Read(ctx, path)
		return registerMsg{path: path, value: v, err: err}
	}
}

func writeCmd(ctx context.Context, ctrl *app.Controller, path, text string) tea.Cmd {
	return func() tea.Msg {
		v, err := ctrl.Write(ctx, path, text)
		return registerMsg{path: path, write: true, value: v, err: err}
	}
}

func refreshCmd(ctx context.Context, ctrl *app.Controller) tea.Cmd {
	return func() tea.Msg {
		return refreshMsg{err: ctrl.Refresh(ctx)}
	}
}

func loadStoresCmd(fw *firmware.Store, rec *store.Store) tea.Cmd {
	return func() tea.Msg {
		var msg storeListMsg
		var errs []error
		if rec != nil {
			entries, err := rec.List()
			msg.recordings = entries
			errs = append(errs, err)
		}
		if fw != nil {
			images, err := fw.List()
			msg.images = images
			errs = append(errs, err)
		}
		msg.err = errors.Join(errs...)
		return msg
	}
}

func importFirmwareFileCmd(fw *firmware.Store, path string) tea.Cmd {
	return func() tea.Msg {
		img, err := fw.ImportFile(path)
		return firmwareImportedMsg{image: img, err: err}
	}
}

// waitSample delivers the next telemetry sample. It yields nothing once the
// stream closed sink.
func waitSample(sink <-chan telemetry.Sample) tea.Cmd {
	return func() tea.Msg {
		s, ok := <-sink
		if !ok {
			return nil
		}
		return sampleMsg(s)
	}
}
