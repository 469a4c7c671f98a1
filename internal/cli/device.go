package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/registry"
	"github.com/openbuttnakedgang/holter/internal/shell"
	"github.com/openbuttnakedgang/holter/internal/store"
	"github.com/openbuttnakedgang/holter/internal/telemetry"
)

// --- Device Commands ---

type InfoCmd struct{}

func (c *InfoCmd) Run(globals *CLI) error {
	ctrl, done, err := globals.connected()
	if err != nil {
		return err
	}
	defer done()

	id, kind, _ := ctrl.Session().Identity()
	fmt.Println(ctrl.Descriptor())
	fmt.Printf("  Kind:         %s\n", kind)
	fmt.Printf("  Manufacturer: %s\n", id.Manufacturer)
	fmt.Printf("  Product:      %s\n", id.Product)
	fmt.Printf("  Serial:       %s\n", id.Serial)
	fmt.Printf("  USB ID:       %04x:%04x\n", id.VendorID, id.ProductID)
	if r := ctrl.Registry(); r != nil {
		fmt.Printf("  Registers:    %d\n", len(r.Leaves()))
	}
	return nil
}

type TreeCmd struct {
	Refresh bool `short:"r" help:"Read every readable register first"`
}

func (c *TreeCmd) Run(globals *CLI) error {
	ctrl, done, err := globals.connected()
	if err != nil {
		return err
	}
	defer done()

	r := ctrl.Registry()
	if r == nil {
		return fmt.Errorf("%s has no register tree", ctrl.Descriptor())
	}
	if c.Refresh {
		if err := ctrl.Refresh(globals.Context()); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
		}
	}
	nodes, depths := r.Visible()
	for i, n := range nodes {
		fmt.Println(formatNode(n, depths[i]))
	}
	return nil
}

// formatNode renders one tree line: name, type and access, and the last
// known value.
func formatNode(n registry.Node, depth int) string {
	indent := strings.Repeat("  ", depth)
	if !n.Leaf {
		return fmt.Sprintf("%s%s/", indent, n.Name)
	}
	line := fmt.Sprintf("%s%-*s %-6s %s", indent, max(20-2*depth, 1), n.Name, n.Tag, n.Access)
	if n.Value != nil {
		line += "  = " + registry.FormatValue(n.Value)
	}
	return line
}

type ReadCmd struct {
	Path string `arg:"" help:"Register path, e.g. /info/serial"`
}

func (c *ReadCmd) Run(globals *CLI) error {
	ctrl, done, err := globals.connected()
	if err != nil {
		return err
	}
	defer done()

	v, err := ctrl.Read(globals.Context(), c.Path)
	if err != nil {
		return err
	}
	fmt.Println(registry.FormatValue(v))
	return nil
}

type WriteCmd struct {
	Path  string `arg:"" help:"Register path"`
	Value string `arg:"" optional:"" help:"Value literal (omit for actions)"`
}

func (c *WriteCmd) Run(globals *CLI) error {
	ctrl, done, err := globals.connected()
	if err != nil {
		return err
	}
	defer done()

	v, err := ctrl.Write(globals.Context(), c.Path, c.Value)
	if err != nil {
		return err
	}
	fmt.Printf("%s <- %s\n", c.Path, registry.FormatValue(v))
	return nil
}

type DownloadCmd struct {
	Output string `arg:"" type:"path" help:"Output file"`
	Blocks uint32 `short:"n" help:"Blocks to request (0 uses the device count)"`
	Store  bool   `short:"s" help:"Also import the recording into the archive"`
}

func (c *DownloadCmd) Run(globals *CLI) error {
	ctrl, done, err := globals.connected()
	if err != nil {
		return err
	}
	defer done()

	f, err := os.Create(c.Output)
	if err != nil {
		return fmt.Errorf("failed to create output: %w", err)
	}
	defer f.Close()

	blocks := c.Blocks
	if blocks == 0 {
		blocks = globals.cfg.File.Blocks
	}
	stats, err := ctrl.DownloadFile(globals.Context(), f, blocks, printProgress)
	fmt.Println()
	if err != nil {
		os.Remove(c.Output)
		return err
	}
	fmt.Printf("Saved %d blocks (%s) to %s", stats.Blocks, humanize.IBytes(uint64(stats.Bytes)), c.Output)
	if stats.Mismatched > 0 {
		fmt.Printf(", %d short transfers", stats.Mismatched)
	}
	fmt.Println()

	if !c.Store {
		return nil
	}
	data, err := os.ReadFile(c.Output)
	if err != nil {
		return err
	}
	stores, err := openStores(globals.cfg)
	if err != nil {
		return err
	}
	hash, isNew, err := stores.recordings.Import(data, store.Source{
		Device:    ctrl.Descriptor(),
		Timestamp: time.Now(),
		Method:    "download",
		Filename:  c.Output,
	})
	if err != nil {
		return fmt.Errorf("failed to archive: %w", err)
	}
	reportImport(hash, isNew)
	return nil
}

func printProgress(current, total int64, description string) {
	if total <= 0 {
		fmt.Printf("\r%s: %s", description, humanize.IBytes(uint64(current)))
		return
	}
	fmt.Printf("\r%s: %s / %s (%.0f%%)   ", description,
		humanize.IBytes(uint64(current)), humanize.IBytes(uint64(total)), 100*float64(current)/float64(total))
}

type VisCmd struct {
	Group    string        `short:"g" default:"ECG" help:"Sensor group: ECG, REO or ACC_IN"`
	Duration time.Duration `short:"d" help:"Stop after this long (default: until interrupted)"`
}

func (c *VisCmd) Run(globals *CLI) error {
	group, err := telemetry.ParseGroup(c.Group)
	if err != nil {
		return err
	}
	ctrl, done, err := globals.connected()
	if err != nil {
		return err
	}
	defer done()
	ctrl.SelectGroup(group)

	ctx := globals.Context()
	if c.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Duration)
		defer cancel()
	}

	sink := make(chan telemetry.Sample, 64)
	errc, err := ctrl.StartTelemetry(ctx, sink)
	if err != nil {
		return err
	}

	n := 0
	for s := range sink {
		n++
		fmt.Printf("%s", s.Group)
		for _, v := range s.Values {
			fmt.Printf(" %6d", v)
		}
		fmt.Println()
	}
	err = <-errc
	fmt.Fprintf(os.Stderr, "%d samples\n", n)
	if errors.Is(err, device.ErrEndpointStall) {
		return fmt.Errorf("telemetry stopped by device: %w", err)
	}
	return err
}

type ShellCmd struct{}

func (c *ShellCmd) Run(globals *CLI) error {
	ctrl, release, err := globals.controller()
	if err != nil {
		return err
	}
	defer release()
	defer ctrl.Disconnect()

	sh, err := shell.New(ctrl)
	if err != nil {
		return err
	}
	logrus.SetOutput(sh.Stdout())
	if err := ctrl.Connect(globals.Context()); err != nil {
		fmt.Fprintf(sh.Stdout(), "Not connected: %v\n", err)
	} else {
		fmt.Fprintln(sh.Stdout(), ctrl.Descriptor())
	}
	return sh.Run(globals.Context())
}
