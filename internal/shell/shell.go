// Package shell provides a line-oriented register console on top of the
// controller.
package shell

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/openbuttnakedgang/holter/internal/app"
	"github.com/openbuttnakedgang/holter/internal/protocol"
	"github.com/openbuttnakedgang/holter/internal/registry"
	"github.com/openbuttnakedgang/holter/internal/telemetry"
)

// Shell handles interactive mode.
type Shell struct {
	ctrl *app.Controller
	rl   *readline.Instance
}

// New creates a shell with completion for register paths.
func New(ctrl *app.Controller) (*Shell, error) {
	s := &Shell{ctrl: ctrl}
	paths := readline.PcItemDynamic(s.paths)
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "holter> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("help"),
			readline.PcItem("info"),
			readline.PcItem("connect"),
			readline.PcItem("disconnect"),
			readline.PcItem("tree"),
			readline.PcItem("refresh"),
			readline.PcItem("read", paths),
			readline.PcItem("write", paths),
			readline.PcItem("fold", paths),
			readline.PcItem("vis",
				readline.PcItem("ECG"),
				readline.PcItem("REO"),
				readline.PcItem("ACC_IN"),
			),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	s.rl = rl
	return s, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

func (s *Shell) paths(string) []string {
	r := s.ctrl.Registry()
	if r == nil {
		return nil
	}
	return r.Paths()
}

// Run reads commands until quit, EOF or ctx is done.
func (s *Shell) Run(ctx context.Context) error {
	defer s.rl.Close()
	out := s.rl.Stdout()
	printHelp(out)

	for {
		if ctx.Err() != nil {
			return nil
		}
		line, err := s.rl.Readline()
		if err != nil {
			if errors.Is(err, readline.ErrInterrupt) {
				continue
			}
			fmt.Fprintln(out, "Exiting...")
			return nil
		}
		if quit := Exec(ctx, s.ctrl, out, line); quit {
			return nil
		}
	}
}

// Exec runs one command line and reports whether the shell should exit.
func Exec(ctx context.Context, ctrl *app.Controller, out io.Writer, line string) bool {
	input := strings.TrimSpace(line)
	if input == "" {
		return false
	}
	cmd, rest, _ := strings.Cut(input, " ")
	rest = strings.TrimSpace(rest)

	var err error
	switch strings.ToLower(cmd) {
	case "help", "?":
		printHelp(out)
	case "info", "i":
		fmt.Fprintln(out, ctrl.Descriptor())
	case "connect", "c":
		if err = ctrl.Connect(ctx); err == nil {
			fmt.Fprintln(out, ctrl.Descriptor())
		}
	case "disconnect":
		err = ctrl.Disconnect()
	case "tree", "t":
		err = printTree(ctrl, out)
	case "refresh":
		err = ctrl.Refresh(ctx)
	case "fold", "f":
		err = ctrl.ToggleFold(rest)
	case "read", "r":
		var v protocol.Value
		if v, err = ctrl.Read(ctx, rest); err == nil {
			fmt.Fprintf(out, "%s = %s\n", rest, registry.FormatValue(v))
		}
	case "write", "w":
		path, text, _ := strings.Cut(rest, " ")
		var v protocol.Value
		if v, err = ctrl.Write(ctx, path, strings.TrimSpace(text)); err == nil {
			fmt.Fprintf(out, "%s <- %s\n", path, registry.FormatValue(v))
		}
	case "vis", "v":
		err = visSamples(ctx, ctrl, out, rest)
	case "quit", "exit", "q":
		fmt.Fprintln(out, "Exiting...")
		return true
	default:
		fmt.Fprintf(out, "Unknown command: %s (type 'help' for commands)\n", cmd)
		return false
	}
	if err != nil {
		fmt.Fprintf(out, "Error: %v\n", err)
	}
	return false
}

func printHelp(out io.Writer) {
	fmt.Fprintln(out, `
Holter Commands:
  Device:
    info               - Show the connected device
    connect            - Connect (or reconnect) to the device
    disconnect         - Close the link

  Registers:
    tree               - Print the register tree
    fold <path>        - Fold or unfold a section
    read <path>        - Read a register
    write <path> [val] - Write a register (no value for actions)
    refresh            - Read every readable register

  Telemetry:
    vis <group> [n]    - Print n samples of ECG, REO or ACC_IN (default 10)

  quit                 - Exit`)
}

func printTree(ctrl *app.Controller, out io.Writer) error {
	r := ctrl.Registry()
	if r == nil {
		return app.ErrNoRegistry
	}
	nodes, depths := r.Visible()
	for i, n := range nodes {
		indent := strings.Repeat("  ", depths[i])
		switch {
		case !n.Leaf && n.Folded:
			fmt.Fprintf(out, "%s+ %s/\n", indent, n.Name)
		case !n.Leaf:
			fmt.Fprintf(out, "%s- %s/\n", indent, n.Name)
		case n.Value != nil:
			fmt.Fprintf(out, "%s  %s %s %s = %s\n", indent, n.Name, n.Tag, n.Access, registry.FormatValue(n.Value))
		default:
			fmt.Fprintf(out, "%s  %s %s %s\n", indent, n.Name, n.Tag, n.Access)
		}
	}
	return nil
}

func visSamples(ctx context.Context, ctrl *app.Controller, out io.Writer, args string) error {
	fields := strings.Fields(args)
	if len(fields) == 0 {
		return fmt.Errorf("usage: vis <group> [n]")
	}
	group, err := telemetry.ParseGroup(fields[0])
	if err != nil {
		return err
	}
	want := 10
	if len(fields) > 1 {
		if want, err = strconv.Atoi(fields[1]); err != nil || want <= 0 {
			return fmt.Errorf("invalid sample count %q", fields[1])
		}
	}

	ctrl.SelectGroup(group)
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	sink := make(chan telemetry.Sample, want)
	errc, err := ctrl.StartTelemetry(ctx, sink)
	if err != nil {
		return err
	}

	got := 0
	for s := range sink {
		if got == want {
			continue
		}
		fmt.Fprintf(out, "%s %v\n", s.Group, s.Values)
		if got++; got == want {
			ctrl.StopTelemetry()
		}
	}
	return <-errc
}
