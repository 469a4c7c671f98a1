package usb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/dfu"
)

// DFU class request types: class, interface recipient.
const (
	reqTypeOut uint8 = 0x21
	reqTypeIn  uint8 = 0xA1
)

type link struct {
	dev  *gousb.Device
	cfg  *gousb.Config
	intf *gousb.Interface
}

func (l *link) Close() error {
	if l.intf != nil {
		l.intf.Close()
	}
	var err error
	if l.cfg != nil {
		err = l.cfg.Close()
	}
	if cerr := l.dev.Close(); err == nil {
		err = cerr
	}
	return err
}

// appLink carries the command channel and the file and vis pipes.
type appLink struct {
	link
	cmdOut *gousb.OutEndpoint
	cmdIn  *gousb.InEndpoint
	fileIn *gousb.InEndpoint
	visIn  *gousb.InEndpoint
}

func (l *appLink) endpoints(cfg config.USBConfig) error {
	var err error
	if l.cmdOut, err = l.intf.OutEndpoint(cfg.CmdOut); err != nil {
		return fmt.Errorf("command OUT endpoint: %w", err)
	}
	if l.cmdIn, err = l.intf.InEndpoint(cfg.CmdIn); err != nil {
		return fmt.Errorf("command IN endpoint: %w", err)
	}
	if l.fileIn, err = l.intf.InEndpoint(cfg.FileIn); err != nil {
		return fmt.Errorf("file IN endpoint: %w", err)
	}
	if l.visIn, err = l.intf.InEndpoint(cfg.VisIn); err != nil {
		return fmt.Errorf("vis IN endpoint: %w", err)
	}
	return nil
}

func (l *appLink) Send(ctx context.Context, data []byte) error {
	n, err := l.cmdOut.WriteContext(ctx, data)
	if err != nil {
		return err
	}
	if n != len(data) {
		return fmt.Errorf("short write: %d of %d bytes", n, len(data))
	}
	return nil
}

func (l *appLink) ReceiveChunk(ctx context.Context) ([]byte, error) {
	buf := make([]byte, device.ChunkSize)
	n, err := l.cmdIn.ReadContext(ctx, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (l *appLink) ReceiveSized(ctx context.Context, ch device.Channel, n int) ([]byte, device.Status, error) {
	ep := l.fileIn
	if ch == device.ChannelVis {
		ep = l.visIn
	}
	buf := make([]byte, n)
	got, err := ep.ReadContext(ctx, buf)
	if errors.Is(err, gousb.TransferStall) {
		return nil, device.StatusStall, nil
	}
	if err != nil {
		return nil, device.StatusOK, err
	}
	return buf[:got], device.StatusOK, nil
}

// Reset re-enumerates the device so the firmware drops any half-finished
// transfer state.
func (l *appLink) Reset(ctx context.Context) error {
	return l.dev.Reset()
}

// controlPipe is the default control endpoint of a device.
type controlPipe interface {
	Control(rType, request uint8, val, idx uint16, data []byte) (int, error)
}

// loaderLink speaks DFU class requests on the bootloader interface.
type loaderLink struct {
	link
	pipe  controlPipe
	iface uint16
}

func (l *loaderLink) Send(context.Context, []byte) error {
	return fmt.Errorf("%w: bootloader has no command channel", device.ErrWrongDeviceType)
}

func (l *loaderLink) ReceiveChunk(context.Context) ([]byte, error) {
	return nil, fmt.Errorf("%w: bootloader has no command channel", device.ErrWrongDeviceType)
}

func (l *loaderLink) ReceiveSized(context.Context, device.Channel, int) ([]byte, device.Status, error) {
	return nil, device.StatusOK, fmt.Errorf("%w: bootloader has no bulk pipes", device.ErrWrongDeviceType)
}

// Reset clears a latched error status, then aborts any pending DFU
// operation. ABORT stalls while the device is in dfuERROR. A bus reset
// would leave DFU mode.
func (l *loaderLink) Reset(ctx context.Context) error {
	buf := make([]byte, 6)
	n, err := l.ControlIn(ctx, dfu.ReqGetStatus, 0, buf)
	if err != nil {
		return fmt.Errorf("GETSTATUS: %w", err)
	}
	st, err := dfu.ParseStatus(buf[:n])
	if err != nil {
		return err
	}
	if !st.OK() {
		logrus.WithFields(logrus.Fields{
			"status": st.Status,
			"state":  st.State,
		}).Warn("clearing latched DFU error")
		if err := l.ControlOut(ctx, dfu.ReqClrStatus, 0, nil); err != nil {
			return fmt.Errorf("CLRSTATUS: %w", err)
		}
	}
	if err := l.ControlOut(ctx, dfu.ReqAbort, 0, nil); err != nil {
		return fmt.Errorf("ABORT: %w", err)
	}
	return nil
}

func (l *loaderLink) timeout(ctx context.Context) {
	if l.dev == nil {
		return
	}
	if dl, ok := ctx.Deadline(); ok {
		l.dev.ControlTimeout = max(time.Until(dl), time.Millisecond)
	}
}

func (l *loaderLink) ControlOut(ctx context.Context, request uint8, value uint16, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.timeout(ctx)
	_, err := l.pipe.Control(reqTypeOut, request, value, l.iface, data)
	return controlError(err)
}

func (l *loaderLink) ControlIn(ctx context.Context, request uint8, value uint16, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	l.timeout(ctx)
	n, err := l.pipe.Control(reqTypeIn, request, value, l.iface, buf)
	if err != nil {
		return 0, controlError(err)
	}
	return n, nil
}

// controlError reports a stalled control pipe as a stall.
func controlError(err error) error {
	if errors.Is(err, gousb.ErrorPipe) {
		return fmt.Errorf("%w: %v", device.ErrEndpointStall, err)
	}
	return err
}
