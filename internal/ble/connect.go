// Package ble reaches the recorder through its Bluetooth LE UART bridge.
// The bridge only runs in the application firmware, so firmware updates
// still need USB.
package ble

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/device"
)

// Connector scans for a recorder advertising the configured name.
type Connector struct {
	cfg       config.BLEConfig
	vendorID  uint16
	productID uint16

	enableOnce sync.Once
	enableErr  error

	mu      sync.Mutex
	current *link
	address string
}

// NewConnector creates a connector. Connected devices report vendorID and
// productID so the session sees the application personality.
func NewConnector(cfg config.BLEConfig, vendorID, productID uint16) *Connector {
	return &Connector{cfg: cfg, vendorID: vendorID, productID: productID}
}

func (c *Connector) enable(adapter *bluetooth.Adapter) error {
	c.enableOnce.Do(func() {
		c.enableErr = adapter.Enable()
		if c.enableErr != nil {
			return
		}
		adapter.SetConnectHandler(func(d bluetooth.Device, connected bool) {
			if connected {
				return
			}
			c.mu.Lock()
			l, addr := c.current, c.address
			c.mu.Unlock()
			if l != nil && d.Address.String() == addr {
				logrus.WithField("address", addr).Warn("recorder disconnected")
				l.markLost()
			}
		})
	})
	return c.enableErr
}

// matchName reports whether an advertised name belongs to a recorder.
func matchName(advertised, want string) bool {
	if advertised == "" || want == "" {
		return false
	}
	return strings.HasPrefix(strings.ToLower(advertised), strings.ToLower(want))
}

// Connect scans until a recorder is seen or the scan timeout passes, then
// subscribes to its UART bridge.
func (c *Connector) Connect(ctx context.Context) (device.Transport, device.Identity, error) {
	adapter := bluetooth.DefaultAdapter
	if err := c.enable(adapter); err != nil {
		return nil, device.Identity{}, fmt.Errorf("%w: enable bluetooth: %v", device.ErrSecurityDenied, err)
	}

	result, err := c.scan(ctx, adapter)
	if err != nil {
		return nil, device.Identity{}, err
	}
	addr := result.Address.String()
	logrus.WithFields(logrus.Fields{"name": result.LocalName(), "address": addr}).Info("connecting")

	dev, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, device.Identity{}, fmt.Errorf("connect %s: %w", addr, err)
	}

	rx, tx, err := discover(dev)
	if err != nil {
		dev.Disconnect()
		return nil, device.Identity{}, err
	}

	l := newLink(rx.WriteWithoutResponse, dev.Disconnect)
	if err := tx.EnableNotifications(l.handleNotification); err != nil {
		dev.Disconnect()
		return nil, device.Identity{}, fmt.Errorf("enable notifications: %w", err)
	}

	c.mu.Lock()
	c.current, c.address = l, addr
	c.mu.Unlock()

	return l, device.Identity{
		Product:   result.LocalName(),
		Serial:    addr,
		VendorID:  c.vendorID,
		ProductID: c.productID,
	}, nil
}

func (c *Connector) scan(ctx context.Context, adapter *bluetooth.Adapter) (bluetooth.ScanResult, error) {
	scanCtx := ctx
	if c.cfg.ScanTimeout > 0 {
		var cancel context.CancelFunc
		scanCtx, cancel = context.WithTimeout(ctx, c.cfg.ScanTimeout)
		defer cancel()
	}
	stop := context.AfterFunc(scanCtx, func() { adapter.StopScan() })
	defer stop()

	var found bluetooth.ScanResult
	var ok bool
	err := adapter.Scan(func(adapter *bluetooth.Adapter, result bluetooth.ScanResult) {
		name := result.LocalName()
		if config.Verbose && name != "" {
			config.Debugf("  Found: '%s' (%s)", name, result.Address.String())
		}
		if !ok && matchName(name, c.cfg.Name) {
			found, ok = result, true
			adapter.StopScan()
		}
	})
	if err != nil {
		return found, fmt.Errorf("scan: %w", err)
	}
	if !ok {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		return found, fmt.Errorf("%w: no recorder named %q in range", device.ErrNoDeviceSelected, c.cfg.Name)
	}
	return found, nil
}

func discover(dev bluetooth.Device) (rx, tx *bluetooth.DeviceCharacteristic, err error) {
	config.Debugf("Discovering services...")
	services, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("discover services: %w", err)
	}

	var nus *bluetooth.DeviceService
	for i := range services {
		if strings.EqualFold(services[i].UUID().String(), NUSServiceUUID) {
			nus = &services[i]
			break
		}
	}
	if nus == nil {
		return nil, nil, fmt.Errorf("%w: UART service not found", device.ErrWrongDeviceType)
	}

	chars, err := nus.DiscoverCharacteristics(nil)
	if err != nil {
		return nil, nil, fmt.Errorf("discover characteristics: %w", err)
	}
	for i := range chars {
		uuid := chars[i].UUID().String()
		config.Debugf("Found characteristic: %s", uuid)
		switch {
		case strings.EqualFold(uuid, NUSRXCharUUID):
			rx = &chars[i]
		case strings.EqualFold(uuid, NUSTXCharUUID):
			tx = &chars[i]
		}
	}
	if rx == nil || tx == nil {
		return nil, nil, fmt.Errorf("%w: UART characteristics not found", device.ErrWrongDeviceType)
	}
	return rx, tx, nil
}
