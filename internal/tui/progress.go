package tui

import (
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/openbuttnakedgang/holter/internal/device"
)

// ProgressState tracks an ongoing operation with progress.
type ProgressState struct {
	progress    progress.Model
	percent     float64
	description string
	isActive    bool
}

// NewProgressState creates a new progress tracking state.
func NewProgressState() ProgressState {
	p := progress.New(
		progress.WithDefaultGradient(),
		progress.WithWidth(40),
	)
	return ProgressState{
		progress: p,
	}
}

// Start begins tracking a new operation.
func (p *ProgressState) Start(description string) {
	p.isActive = true
	p.percent = 0
	p.description = description
}

// Update updates the progress percentage (0.0 to 1.0).
func (p *ProgressState) Update(percent float64, description string) {
	p.percent = percent
	if description != "" {
		p.description = description
	}
}

// Complete marks the operation as complete.
func (p *ProgressState) Complete() {
	p.percent = 1.0
	p.isActive = false
}

// IsActive returns whether an operation is in progress.
func (p *ProgressState) IsActive() bool {
	return p.isActive
}

// View renders the progress bar.
func (p ProgressState) View() string {
	if !p.isActive {
		return ""
	}
	descStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	return descStyle.Render(p.description) + "\n" + p.progress.ViewAs(p.percent)
}

// Progress update messages for async operations

// progressUpdateMsg reports progress during an operation.
type progressUpdateMsg struct {
	operation string
	progress  device.TransferProgress
}

// progressCompleteMsg signals an operation completed.
type progressCompleteMsg struct {
	operation string
	message   string
}

// progressErrorMsg signals an operation failed.
type progressErrorMsg struct {
	operation string
	err       error
}

// progressReporter returns a callback that forwards progress to ch without
// blocking the operation.
func progressReporter(operation string, ch chan<- progressUpdateMsg) device.ProgressCallback {
	return func(current, total int64, description string) {
		msg := progressUpdateMsg{
			operation: operation,
			progress:  device.TransferProgress{Bytes: current, TotalBytes: total, Phase: description},
		}
		select {
		case ch <- msg:
		default:
		}
	}
}

// waitProgress delivers the next progress update. It yields nothing once the
// operation closed ch.
func waitProgress(ch <-chan progressUpdateMsg) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		if !ok {
			return nil
		}
		return msg
	}
}
