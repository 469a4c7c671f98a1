// Package app ties the device session, command registry and long-running
// tasks together behind the operations the user interfaces call.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/dfu"
	"github.com/openbuttnakedgang/holter/internal/protocol"
	"github.com/openbuttnakedgang/holter/internal/registry"
	"github.com/openbuttnakedgang/holter/internal/schema"
	"github.com/openbuttnakedgang/holter/internal/telemetry"
	"github.com/openbuttnakedgang/holter/internal/transfer"
)

// NoDevice is the descriptor shown while nothing is connected.
const NoDevice = "No connected devices!"

// ErrNoRegistry is returned by register operations before a schema is loaded.
var ErrNoRegistry = errors.New("app: no command tree loaded")

// Controller is safe for concurrent use; device operations are serialized
// by the session.
type Controller struct {
	cfg     config.Config
	session *device.Session
	schemas schema.Source
	stream  *telemetry.Stream
	updater *dfu.Updater
	sleep   func(context.Context, time.Duration) error

	mu       sync.Mutex
	rng      *rand.Rand
	registry *registry.Registry
}

// New builds a controller for the devices reached through connector.
func New(cfg config.Config, connector device.Connector, schemas schema.Source) *Controller {
	s := device.NewSession(connector,
		device.WithProductIDs(device.ProductIDs{
			Application: cfg.USB.AppProductID,
			Bootloader:  cfg.USB.LoaderProductID,
		}),
		device.WithTimeouts(device.Timeouts{
			Command: cfg.Timeouts.Command,
			Sized:   cfg.Timeouts.Sized,
		}),
	)
	c := &Controller{
		cfg:     cfg,
		session: s,
		schemas: schemas,
		stream:  telemetry.NewStream(s, cfg.Vis.FrameSize),
		updater: dfu.New(s, dfu.Options{Strict: cfg.Strict, ManifestPolls: cfg.DFU.ManifestPolls}),
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		sleep:   sleepContext,
	}
	if g, err := telemetry.ParseGroup(cfg.Vis.Group); err == nil {
		c.stream.Select(g)
	}
	return c
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Session exposes the underlying session.
func (c *Controller) Session() *device.Session { return c.session }

// Connect opens the device, retrying transient failures with backoff, and
// loads the command tree when the device is new.
func (c *Controller) Connect(ctx context.Context) error {
	attempts := max(c.cfg.Reconnect.MaxAttempts, 1)
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		var reconnected bool
		reconnected, err = c.session.Connect(ctx)
		if err == nil {
			return c.loadRegistry(ctx, reconnected)
		}
		if errors.Is(err, device.ErrSecurityDenied) || errors.Is(err, device.ErrNoDeviceSelected) {
			logrus.WithError(err).Info("connect aborted")
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		delay := c.backoff(attempt)
		logrus.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"retry":   delay,
		}).Warn("connect failed")
		if attempt == attempts {
			break
		}
		if err := c.sleep(ctx, delay); err != nil {
			return err
		}
	}
	return fmt.Errorf("connect failed after %d attempts: %w", attempts, err)
}

func (c *Controller) backoff(attempt int) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return NextBackoffDelay(c.cfg.Reconnect, attempt, c.rng)
}

func (c *Controller) loadRegistry(ctx context.Context, reconnected bool) error {
	id, kind, _ := c.session.Identity()

	c.mu.Lock()
	defer c.mu.Unlock()
	if kind != device.KindApplication {
		c.registry = nil
		return nil
	}
	if reconnected && c.registry != nil {
		logrus.WithField("device", id.String()).Debug("reusing command tree")
		return nil
	}

	data, err := c.schemas.Load(ctx, id)
	if err != nil {
		c.registry = nil
		return fmt.Errorf("load schema: %w", err)
	}
	reg, err := registry.Build(data)
	if err != nil {
		c.registry = nil
		return err
	}
	c.registry = reg
	logrus.WithFields(logrus.Fields{"device": id.String(), "leaves": len(reg.Leaves())}).Info("command tree loaded")
	return nil
}

// Disconnect closes the link and discards the command tree.
func (c *Controller) Disconnect() error {
	c.stream.Stop()
	c.mu.Lock()
	c.registry = nil
	c.mu.Unlock()
	return c.session.Close()
}

// Connected reports whether a device link is up.
func (c *Controller) Connected() bool {
	return c.session.State() == device.StateConnected
}

// Descriptor returns the line describing the connected device.
func (c *Controller) Descriptor() string {
	id, kind, ok := c.session.Identity()
	if !ok {
		return NoDevice
	}
	if kind == device.KindBootloader {
		return id.String() + " (bootloader)"
	}
	return id.String()
}

// Kind returns the personality of the connected device.
func (c *Controller) Kind() device.Kind {
	_, kind, ok := c.session.Identity()
	if !ok {
		return device.KindUnknown
	}
	return kind
}

// Registry returns the command tree, or nil while disconnected or before a
// schema was loaded.
func (c *Controller) Registry() *registry.Registry {
	if !c.Connected() {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.registry
}

func (c *Controller) reg() (*registry.Registry, error) {
	if !c.Connected() {
		return nil, device.ErrNotConnected
	}
	r := c.Registry()
	if r == nil {
		return nil, ErrNoRegistry
	}
	return r, nil
}

// Read fetches the leaf at path and stores the result in the tree.
func (c *Controller) Read(ctx context.Context, path string) (protocol.Value, error) {
	r, err := c.reg()
	if err != nil {
		return nil, err
	}
	req, err := r.ReadRequest(path)
	if err != nil {
		return nil, err
	}
	reply, err := c.session.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := r.SetValue(path, reply.Value); err != nil {
		return nil, fmt.Errorf("%w: %w", device.ErrProtocol, err)
	}
	return reply.Value, nil
}

// Write parses text for the leaf at path and sends it.
func (c *Controller) Write(ctx context.Context, path, text string) (protocol.Value, error) {
	r, err := c.reg()
	if err != nil {
		return nil, err
	}
	if err := r.SetInput(path, text); err != nil {
		return nil, err
	}
	req, err := r.WriteRequest(path, text)
	if err != nil {
		return nil, err
	}
	reply, err := c.session.Call(ctx, req)
	if err != nil {
		return nil, err
	}
	n, _ := r.Lookup(path)
	if n.Access.Read {
		if err := r.SetValue(path, reply.Value); err != nil {
			return nil, fmt.Errorf("%w: %w", device.ErrProtocol, err)
		}
	}
	return reply.Value, nil
}

// Refresh reads every readable leaf. Device-side refusals are collected;
// a link failure stops the walk.
func (c *Controller) Refresh(ctx context.Context) error {
	r, err := c.reg()
	if err != nil {
		return err
	}
	var errs []error
	for _, n := range r.Leaves() {
		if !n.Access.Read {
			continue
		}
		if _, err := c.Read(ctx, n.Path); err != nil {
			var re *device.ReplyError
			if !errors.As(err, &re) && !errors.Is(err, device.ErrProtocol) {
				return err
			}
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// ToggleFold folds or unfolds the section at path.
func (c *Controller) ToggleFold(path string) error {
	r, err := c.reg()
	if err != nil {
		return err
	}
	return r.ToggleFold(path)
}

// DownloadFile reads the stored recording into w.
func (c *Controller) DownloadFile(ctx context.Context, w io.Writer, blocks uint32, progress device.ProgressCallback) (transfer.Stats, error) {
	if k := c.Kind(); k == device.KindBootloader {
		return transfer.Stats{}, fmt.Errorf("%w: recording download needs the application", device.ErrWrongDeviceType)
	}
	return transfer.Download(ctx, c.session, w, transfer.Options{
		Blocks:          blocks,
		BlockSize:       c.cfg.File.BlockSize,
		MaxTransferSize: c.cfg.File.MaxTransferSize,
		Strict:          c.cfg.Strict,
		Progress:        progress,
	})
}

// StartTelemetry streams samples of the selected group to sink until
// StopTelemetry is called or ctx is done. sink is closed when the stream
// ends, then the returned channel yields its result.
func (c *Controller) StartTelemetry(ctx context.Context, sink chan<- telemetry.Sample) (<-chan error, error) {
	if k := c.Kind(); k == device.KindBootloader {
		return nil, fmt.Errorf("%w: telemetry needs the application", device.ErrWrongDeviceType)
	}
	return c.stream.Start(ctx, sink)
}

func (c *Controller) StopTelemetry()                { c.stream.Stop() }
func (c *Controller) TelemetryRunning() bool        { return c.stream.Running() }
func (c *Controller) SelectGroup(g telemetry.Group) { c.stream.Select(g) }
func (c *Controller) SelectedGroup() telemetry.Group {
	return c.stream.Selected()
}

// FirmwareDownload writes image to a device in bootloader mode.
func (c *Controller) FirmwareDownload(ctx context.Context, image []byte, progress device.ProgressCallback) error {
	return c.updater.Download(ctx, image, progress)
}

// FirmwareUpload reads the firmware image back from a device in bootloader mode.
func (c *Controller) FirmwareUpload(ctx context.Context, progress device.ProgressCallback) ([]byte, error) {
	return c.updater.Upload(ctx, progress)
}

// DFUState returns the firmware transfer machine state.
func (c *Controller) DFUState() string { return c.updater.State() }
