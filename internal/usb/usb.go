// Package usb reaches the recorder over libusb. The application exposes a
// vendor interface with one command pipe pair and two bulk IN pipes; the
// bootloader exposes a DFU interface driven by control transfers.
package usb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/device"
)

// Connector opens the first attached recorder matching the configured ids.
type Connector struct {
	cfg          config.USBConfig
	dfuInterface int

	mu  sync.Mutex
	ctx *gousb.Context
}

// NewConnector creates a connector. Close releases the libusb context.
func NewConnector(cfg config.USBConfig, dfuInterface uint16) *Connector {
	return &Connector{cfg: cfg, dfuInterface: int(dfuInterface)}
}

func (c *Connector) usbContext() *gousb.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		c.ctx = gousb.NewContext()
	}
	return c.ctx
}

// Close releases the libusb context.
func (c *Connector) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ctx == nil {
		return nil
	}
	err := c.ctx.Close()
	c.ctx = nil
	return err
}

func (c *Connector) matches(desc *gousb.DeviceDesc) bool {
	if uint16(desc.Vendor) != c.cfg.VendorID {
		return false
	}
	pid := uint16(desc.Product)
	return pid == c.cfg.AppProductID || pid == c.cfg.LoaderProductID
}

// Connect opens the device and claims the interface for its personality.
func (c *Connector) Connect(ctx context.Context) (device.Transport, device.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, device.Identity{}, err
	}

	devs, err := c.usbContext().OpenDevices(c.matches)
	if len(devs) == 0 {
		if err != nil {
			return nil, device.Identity{}, classify(err)
		}
		return nil, device.Identity{}, fmt.Errorf("%w: no recorder %04x attached", device.ErrNoDeviceSelected, c.cfg.VendorID)
	}
	dev := devs[0]
	for _, extra := range devs[1:] {
		logrus.WithField("device", extra.String()).Warn("ignoring additional recorder")
		extra.Close()
	}

	id := identify(dev)
	var t device.Transport
	if id.ProductID == c.cfg.LoaderProductID {
		t, err = c.openLoader(dev)
	} else {
		t, err = c.openApp(dev)
	}
	if err != nil {
		dev.Close()
		return nil, device.Identity{}, classify(err)
	}
	return t, id, nil
}

func identify(dev *gousb.Device) device.Identity {
	id := device.Identity{
		VendorID:  uint16(dev.Desc.Vendor),
		ProductID: uint16(dev.Desc.Product),
	}
	// String descriptors are optional.
	id.Manufacturer, _ = dev.Manufacturer()
	id.Product, _ = dev.Product()
	id.Serial, _ = dev.SerialNumber()
	return id
}

func (c *Connector) claim(dev *gousb.Device, iface int) (*gousb.Config, *gousb.Interface, error) {
	if err := dev.SetAutoDetach(true); err != nil {
		return nil, nil, fmt.Errorf("auto detach: %w", err)
	}
	cfg, err := dev.Config(1)
	if err != nil {
		return nil, nil, fmt.Errorf("select configuration: %w", err)
	}
	intf, err := cfg.Interface(iface, 0)
	if err != nil {
		cfg.Close()
		return nil, nil, fmt.Errorf("claim interface %d: %w", iface, err)
	}
	return cfg, intf, nil
}

func (c *Connector) openApp(dev *gousb.Device) (device.Transport, error) {
	cfg, intf, err := c.claim(dev, c.cfg.Interface)
	if err != nil {
		return nil, err
	}
	l := &appLink{link: link{dev: dev, cfg: cfg, intf: intf}}
	if err := l.endpoints(c.cfg); err != nil {
		l.Close()
		return nil, err
	}
	return l, nil
}

func (c *Connector) openLoader(dev *gousb.Device) (device.Transport, error) {
	cfg, intf, err := c.claim(dev, c.dfuInterface)
	if err != nil {
		return nil, err
	}
	return &loaderLink{link: link{dev: dev, cfg: cfg, intf: intf}, pipe: dev, iface: uint16(c.dfuInterface)}, nil
}

// classify maps libusb failures onto the session error kinds.
func classify(err error) error {
	switch {
	case errors.Is(err, gousb.ErrorAccess):
		return fmt.Errorf("%w: %v", device.ErrSecurityDenied, err)
	case errors.Is(err, gousb.ErrorNoDevice), errors.Is(err, gousb.ErrorNotFound):
		return fmt.Errorf("%w: %v", device.ErrNoDeviceSelected, err)
	}
	return err
}
