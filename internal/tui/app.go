package tui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/app"
	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/firmware"
	"github.com/openbuttnakedgang/holter/internal/store"
)

// DebugLog receives log output while the TUI owns the terminal in verbose
// mode.
const DebugLog = "holter-debug.log"

// Run starts the TUI application and blocks until the user quits or ctx is
// done.
func Run(ctx context.Context, ctrl *app.Controller, fw *firmware.Store, rec *store.Store) error {
	restore := redirectLogs()
	defer restore()

	m := NewModel(ctx, ctrl, fw, rec)
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx))

	if _, err := p.Run(); err != nil {
		if errors.Is(err, tea.ErrProgramKilled) && ctx.Err() != nil {
			return nil
		}
		fmt.Fprintf(os.Stderr, "Error running TUI: %v\n", err)
		return err
	}

	return nil
}

// redirectLogs keeps log lines from corrupting the alternate screen.
func redirectLogs() func() {
	prev := logrus.StandardLogger().Out
	if !config.Verbose {
		logrus.SetOutput(io.Discard)
		return func() { logrus.SetOutput(prev) }
	}
	f, err := tea.LogToFile(DebugLog, "")
	if err != nil {
		logrus.SetOutput(io.Discard)
		return func() { logrus.SetOutput(prev) }
	}
	logrus.SetOutput(f)
	return func() {
		logrus.SetOutput(prev)
		f.Close()
	}
}
