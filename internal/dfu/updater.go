package dfu

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/looplab/fsm"
	"github.com/sirupsen/logrus"

	"github.com/openbuttnakedgang/holter/internal/device"
)

// Machine states.
const (
	MachineIdle     = "idle"
	MachineDownload = "download"
	MachineManifest = "manifest"
	MachineUpload   = "upload"
	MachineError    = "error"
)

const (
	evDownload = "download"
	evManifest = "manifest"
	evUpload   = "upload"
	evFinish   = "finish"
	evFail     = "fail"
	evRecover  = "recover"
)

var ErrManifestTimeout = errors.New("dfu: device did not finish manifestation")

type Options struct {
	// Strict turns a failed GETSTATUS into an error instead of a warning.
	Strict bool
	// ManifestPolls bounds GETSTATUS polling after the last block.
	ManifestPolls int
}

// Updater runs DFU transfers on a session. Calls are serialized by the
// session.
type Updater struct {
	session *device.Session
	opts    Options
	machine *fsm.FSM
	sleep   func(context.Context, time.Duration) error
}

// New returns an Updater bound to s.
func New(s *device.Session, opts Options) *Updater {
	if opts.ManifestPolls <= 0 {
		opts.ManifestPolls = 50
	}
	u := &Updater{session: s, opts: opts, sleep: sleepContext}
	u.machine = fsm.NewFSM(
		MachineIdle,
		fsm.Events{
			{Name: evDownload, Src: []string{MachineIdle}, Dst: MachineDownload},
			{Name: evManifest, Src: []string{MachineDownload}, Dst: MachineManifest},
			{Name: evUpload, Src: []string{MachineIdle}, Dst: MachineUpload},
			{Name: evFinish, Src: []string{MachineManifest, MachineUpload}, Dst: MachineIdle},
			{Name: evFail, Src: []string{MachineDownload, MachineManifest, MachineUpload}, Dst: MachineError},
			{Name: evRecover, Src: []string{MachineError}, Dst: MachineIdle},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logrus.WithFields(logrus.Fields{"from": e.Src, "to": e.Dst}).Debug("dfu state")
			},
		},
	)
	return u
}

// State returns the current machine state.
func (u *Updater) State() string {
	return u.machine.Current()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (u *Updater) checkKind() error {
	_, kind, ok := u.session.Identity()
	if !ok {
		return device.ErrNotConnected
	}
	if kind != device.KindBootloader {
		return fmt.Errorf("%w: firmware transfer needs the bootloader, device is %s", device.ErrWrongDeviceType, kind)
	}
	return nil
}

// begin moves the machine from idle (recovering a previous failure) via ev.
func (u *Updater) begin(ctx context.Context, ev string) error {
	if u.machine.Is(MachineError) {
		if err := u.machine.Event(ctx, evRecover); err != nil {
			return err
		}
	}
	return u.machine.Event(ctx, ev)
}

func (u *Updater) fail(ctx context.Context, err error) error {
	_ = u.machine.Event(ctx, evFail)
	return err
}

// Download writes image to the device and waits for manifestation.
func (u *Updater) Download(ctx context.Context, image []byte, progress device.ProgressCallback) error {
	if err := u.checkKind(); err != nil {
		return err
	}
	return u.session.Exclusive(ctx, func(c *device.Conn) error {
		if c.Kind() != device.KindBootloader {
			return device.ErrWrongDeviceType
		}
		if err := u.begin(ctx, evDownload); err != nil {
			return err
		}
		if err := u.clearError(ctx, c); err != nil {
			return u.fail(ctx, err)
		}

		total := int64(len(image))
		block := 0
		for off := 0; off < len(image); off += TransferSize {
			pkt := image[off:min(off+TransferSize, len(image))]
			if err := c.ControlOut(ctx, ReqDnload, uint16(block), pkt); err != nil {
				return u.fail(ctx, fmt.Errorf("DNLOAD block %d: %w", block, err))
			}
			st, err := u.getStatus(ctx, c)
			if err != nil {
				return u.fail(ctx, err)
			}
			if err := u.inspect(st, block); err != nil {
				return u.fail(ctx, err)
			}
			block++
			progress.Report(int64(off+len(pkt)), total, "downloading")
		}

		if err := c.ControlOut(ctx, ReqDnload, uint16(block), nil); err != nil {
			return u.fail(ctx, fmt.Errorf("final DNLOAD: %w", err))
		}
		st, err := u.getStatus(ctx, c)
		if err != nil {
			return u.fail(ctx, err)
		}
		if err := u.inspect(st, block); err != nil {
			return u.fail(ctx, err)
		}

		if err := u.machine.Event(ctx, evManifest); err != nil {
			return u.fail(ctx, err)
		}
		progress.Report(total, total, "manifesting")
		if err := u.waitManifest(ctx, c, st); err != nil {
			return u.fail(ctx, err)
		}
		logrus.WithField("bytes", total).Info("firmware download complete")
		return u.machine.Event(ctx, evFinish)
	})
}

// clearError sends CLRSTATUS when the device still reports the failure of
// an earlier transfer. DNLOAD is refused until the status is cleared.
func (u *Updater) clearError(ctx context.Context, c *device.Conn) error {
	st, err := u.getStatus(ctx, c)
	if err != nil {
		return err
	}
	if st.OK() {
		return nil
	}
	logrus.WithFields(logrus.Fields{
		"status": st.Status,
		"state":  st.State,
	}).Warn("clearing latched DFU error")
	if err := c.ControlOut(ctx, ReqClrStatus, 0, nil); err != nil {
		return fmt.Errorf("CLRSTATUS: %w", err)
	}
	return nil
}

func (u *Updater) waitManifest(ctx context.Context, c *device.Conn, st Status) error {
	for polls := 0; ; polls++ {
		switch st.State {
		case StateIdle, StateManifestWaitReset:
			return nil
		case StateError:
			return &StatusError{Status: st, Block: -1}
		}
		if polls >= u.opts.ManifestPolls {
			return fmt.Errorf("%w: still %s after %d polls", ErrManifestTimeout, st.State, polls)
		}
		if err := u.sleep(ctx, st.PollTimeout); err != nil {
			return err
		}
		var err error
		if st, err = u.getStatus(ctx, c); err != nil {
			return err
		}
	}
}

// Upload reads the firmware image back from the device.
func (u *Updater) Upload(ctx context.Context, progress device.ProgressCallback) ([]byte, error) {
	if err := u.checkKind(); err != nil {
		return nil, err
	}
	var image []byte
	err := u.session.Exclusive(ctx, func(c *device.Conn) error {
		if c.Kind() != device.KindBootloader {
			return device.ErrWrongDeviceType
		}
		if err := u.begin(ctx, evUpload); err != nil {
			return err
		}

		st, err := u.getState(ctx, c)
		if err != nil {
			return u.fail(ctx, err)
		}
		if st == StateError {
			if err := c.ControlOut(ctx, ReqClrStatus, 0, nil); err != nil {
				return u.fail(ctx, err)
			}
		}

		buf := make([]byte, TransferSize)
		for block := 0; ; block++ {
			n, err := c.ControlIn(ctx, ReqUpload, uint16(block), buf)
			if err != nil {
				return u.fail(ctx, fmt.Errorf("UPLOAD block %d: %w", block, err))
			}
			image = append(image, buf[:n]...)
			progress.Report(int64(len(image)), 0, "uploading")
			if n < TransferSize {
				break
			}
			if st, err = u.getState(ctx, c); err != nil {
				return u.fail(ctx, err)
			}
			if st == StateIdle {
				break
			}
			if st == StateError {
				return u.fail(ctx, fmt.Errorf("dfu: device entered %s during upload", st))
			}
		}
		logrus.WithField("bytes", len(image)).Info("firmware upload complete")
		return u.machine.Event(ctx, evFinish)
	})
	if err != nil {
		return nil, err
	}
	return image, nil
}

func (u *Updater) getStatus(ctx context.Context, c *device.Conn) (Status, error) {
	buf := make([]byte, 6)
	n, err := c.ControlIn(ctx, ReqGetStatus, 0, buf)
	if err != nil {
		return Status{}, fmt.Errorf("GETSTATUS: %w", err)
	}
	st, err := ParseStatus(buf[:n])
	if err != nil {
		return Status{}, err
	}
	logrus.WithFields(logrus.Fields{
		"status": st.Status,
		"state":  st.State,
		"poll":   st.PollTimeout,
	}).Debug("dfu status")
	return st, nil
}

func (u *Updater) getState(ctx context.Context, c *device.Conn) (State, error) {
	buf := make([]byte, 1)
	n, err := c.ControlIn(ctx, ReqGetState, 0, buf)
	if err != nil {
		return 0, fmt.Errorf("GETSTATE: %w", err)
	}
	if n < 1 {
		return 0, errors.New("dfu: empty GETSTATE reply")
	}
	return State(buf[0]), nil
}

// inspect applies the strictness policy to a per-block status.
func (u *Updater) inspect(st Status, block int) error {
	if st.OK() {
		return nil
	}
	err := &StatusError{Status: st, Block: block}
	if u.opts.Strict {
		return err
	}
	logrus.WithError(err).Warn("ignoring DFU status")
	return nil
}
