package cli

import (
	"context"
	"fmt"

	"github.com/openbuttnakedgang/holter/internal/app"
	"github.com/openbuttnakedgang/holter/internal/ble"
	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/schema"
	"github.com/openbuttnakedgang/holter/internal/sim"
	"github.com/openbuttnakedgang/holter/internal/tui"
	"github.com/openbuttnakedgang/holter/internal/usb"
)

// CLI is the root command structure for holter.
type CLI struct {
	Verbose   bool   `short:"v" help:"Enable verbose debug output"`
	Config    string `short:"c" type:"path" help:"Config file (default $XDG_CONFIG_HOME/holter/config.yaml)"`
	Transport string `short:"t" enum:",usb,ble,sim" default:"" help:"Transport: usb, ble or sim"`
	Schema    string `help:"Register schema file or URL"`
	Strict    bool   `help:"Fail on unexpected DFU status or block mismatch"`
	LogLevel  string `name:"log-level" help:"Log level (debug, info, warn, error)"`
	LogJSON   bool   `name:"log-json" help:"Log as JSON"`

	// Default command - TUI
	Tui TuiCmd `cmd:"" default:"withargs" help:"Launch interactive TUI (default)"`

	Info     InfoCmd     `cmd:"" help:"Show the connected device"`
	Tree     TreeCmd     `cmd:"" help:"Print the register tree"`
	Read     ReadCmd     `cmd:"" help:"Read a register"`
	Write    WriteCmd    `cmd:"" help:"Write a register"`
	Download DownloadCmd `cmd:"" help:"Download the stored recording"`
	Vis      VisCmd      `cmd:"" help:"Stream live telemetry"`
	Shell    ShellCmd    `cmd:"" help:"Interactive register shell"`
	Dfu      DfuCmd      `cmd:"" help:"Firmware transfer with a device in bootloader mode"`
	Fw       FwCmd       `cmd:"" help:"Local firmware image store"`
	Rec      RecCmd      `cmd:"" help:"Recordings archive"`

	ctx context.Context
	cfg config.Config
}

// Context returns the command context, set by the caller with WithContext.
func (g *CLI) Context() context.Context {
	if g.ctx == nil {
		return context.Background()
	}
	return g.ctx
}

// WithContext sets the context commands run under.
func (g *CLI) WithContext(ctx context.Context) { g.ctx = ctx }

// setup loads the config, applies flag overrides and installs logging.
func (g *CLI) setup() (config.Config, error) {
	config.Verbose = g.Verbose
	cfg, err := config.Load(g.Config)
	if err != nil {
		return cfg, err
	}
	if g.Transport != "" {
		cfg.Transport = g.Transport
	}
	if g.Schema != "" {
		cfg.Schema = g.Schema
	}
	if g.Strict {
		cfg.Strict = true
	}
	if g.LogLevel != "" {
		cfg.Log.Level = g.LogLevel
	}
	if g.LogJSON {
		cfg.Log.JSON = true
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	if err := config.SetupLogging(cfg.Log.Level, cfg.Log.JSON); err != nil {
		return cfg, err
	}
	g.cfg = cfg
	return cfg, nil
}

// backend builds the connector and schema source for cfg.Transport.
// The returned release func frees transport resources.
func backend(cfg config.Config) (device.Connector, schema.Source, func(), error) {
	cacheRoot, err := cfg.CachePath()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("resolve cache dir: %w", err)
	}
	var src schema.Source = schema.NewLoader(cfg.Schema, cacheRoot)

	switch cfg.Transport {
	case config.TransportUSB:
		c := usb.NewConnector(cfg.USB, cfg.DFU.Interface)
		return c, src, func() { c.Close() }, nil
	case config.TransportBLE:
		return ble.NewConnector(cfg.BLE, cfg.USB.VendorID, cfg.USB.AppProductID), src, func() {}, nil
	case config.TransportSim:
		if cfg.Schema == "" {
			src = schema.Static(sim.Schema)
		}
		return &sim.Connector{Device: sim.NewHolter(), Identity: sim.HolterIdentity}, src, func() {}, nil
	}
	return nil, nil, nil, fmt.Errorf("unknown transport %q", cfg.Transport)
}

// controller returns a controller for the configured device. It does not
// connect.
func (g *CLI) controller() (*app.Controller, func(), error) {
	cfg, err := g.setup()
	if err != nil {
		return nil, nil, err
	}
	conn, src, release, err := backend(cfg)
	if err != nil {
		return nil, nil, err
	}
	return app.New(cfg, conn, src), release, nil
}

// connected returns a controller with the device already connected.
func (g *CLI) connected() (*app.Controller, func(), error) {
	ctrl, release, err := g.controller()
	if err != nil {
		return nil, nil, err
	}
	if err := ctrl.Connect(g.Context()); err != nil {
		release()
		return nil, nil, err
	}
	return ctrl, func() {
		ctrl.Disconnect()
		release()
	}, nil
}

// --- TUI Command ---

type TuiCmd struct{}

func (c *TuiCmd) Run(globals *CLI) error {
	ctrl, release, err := globals.controller()
	if err != nil {
		return err
	}
	defer release()
	defer ctrl.Disconnect()

	stores, err := openStores(globals.cfg)
	if err != nil {
		return err
	}
	return tui.Run(globals.Context(), ctrl, stores.firmware, stores.recordings)
}
