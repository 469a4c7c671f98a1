package app

import (
	"bytes"
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openbuttnakedgang/holter/internal/config"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/protocol"
	"github.com/openbuttnakedgang/holter/internal/registry"
	"github.com/openbuttnakedgang/holter/internal/schema"
	"github.com/openbuttnakedgang/holter/internal/sim"
	"github.com/openbuttnakedgang/holter/internal/telemetry"
)

type countingSource struct {
	data  []byte
	loads int
}

func (s *countingSource) Load(context.Context, device.Identity) ([]byte, error) {
	s.loads++
	return s.data, nil
}

func newController(t *testing.T, conn *sim.Connector, src schema.Source) (*Controller, *[]time.Duration) {
	t.Helper()
	cfg := config.Default()
	cfg.Transport = config.TransportSim
	c := New(cfg, conn, src)
	var slept []time.Duration
	c.rng = nil
	c.sleep = func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}
	return c, &slept
}

func TestNextBackoffDelay(t *testing.T) {
	cfg := config.Backoff{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: time.Second}
	assert.Equal(t, 100*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
	assert.Equal(t, 200*time.Millisecond, NextBackoffDelay(cfg, 2, nil))
	assert.Equal(t, 800*time.Millisecond, NextBackoffDelay(cfg, 4, nil))
	assert.Equal(t, time.Second, NextBackoffDelay(cfg, 9, nil))
	assert.Equal(t, time.Duration(0), NextBackoffDelay(config.Backoff{}, 3, nil))

	cfg.Jitter = 0.1
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 20; i++ {
		d := NextBackoffDelay(cfg, 1, rng)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}
}

func TestConnectRetriesThenLoadsSchema(t *testing.T) {
	conn := &sim.Connector{
		Device:   sim.NewHolter(),
		Identity: sim.HolterIdentity,
		Errors:   []error{errors.New("usb: busy"), errors.New("usb: busy")},
	}
	src := &countingSource{data: []byte(sim.Schema)}
	c, slept := newController(t, conn, src)

	assert.Equal(t, NoDevice, c.Descriptor())
	assert.Nil(t, c.Registry())

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 3, conn.Attempts())
	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, *slept)
	assert.Equal(t, 1, src.loads)
	require.NotNil(t, c.Registry())
	assert.Equal(t, sim.HolterIdentity.String(), c.Descriptor())
	assert.Equal(t, device.KindApplication, c.Kind())

	// Same device again keeps the tree.
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 1, src.loads)

	require.NoError(t, c.Disconnect())
	assert.Nil(t, c.Registry())
	assert.Equal(t, NoDevice, c.Descriptor())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, 2, src.loads)
}

func TestConnectDoesNotRetryDenied(t *testing.T) {
	for _, cause := range []error{device.ErrSecurityDenied, device.ErrNoDeviceSelected} {
		conn := &sim.Connector{Device: sim.NewHolter(), Identity: sim.HolterIdentity, Errors: []error{cause}}
		c, slept := newController(t, conn, schema.Static(sim.Schema))
		err := c.Connect(context.Background())
		assert.ErrorIs(t, err, cause)
		assert.Equal(t, 1, conn.Attempts())
		assert.Empty(t, *slept)
	}
}

func TestConnectGivesUp(t *testing.T) {
	busy := errors.New("usb: busy")
	conn := &sim.Connector{Device: sim.NewHolter(), Identity: sim.HolterIdentity}
	for i := 0; i < 10; i++ {
		conn.Errors = append(conn.Errors, busy)
	}
	c, slept := newController(t, conn, schema.Static(sim.Schema))

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, busy)
	assert.Equal(t, 5, conn.Attempts())
	assert.Len(t, *slept, 4)
}

func TestConcurrentConnect(t *testing.T) {
	busy := errors.New("usb: busy")
	conn := &sim.Connector{Device: sim.NewHolter(), Identity: sim.HolterIdentity}
	for i := 0; i < 12; i++ {
		conn.Errors = append(conn.Errors, busy)
	}
	cfg := config.Default()
	cfg.Transport = config.TransportSim
	cfg.Reconnect.Jitter = 0.5
	c := New(cfg, conn, schema.Static(sim.Schema))
	c.sleep = func(context.Context, time.Duration) error { return nil }
	t.Cleanup(func() { c.Disconnect() })

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- c.Connect(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			assert.ErrorIs(t, err, busy)
		}
	}
	assert.GreaterOrEqual(t, conn.Attempts(), 12)

	require.NoError(t, c.Connect(context.Background()))
	assert.NotNil(t, c.Registry())
}

func connected(t *testing.T) (*Controller, *sim.Device) {
	t.Helper()
	d := sim.NewHolter()
	c, _ := newController(t, &sim.Connector{Device: d, Identity: sim.HolterIdentity}, schema.Static(sim.Schema))
	require.NoError(t, c.Connect(context.Background()))
	return c, d
}

func TestReadWrite(t *testing.T) {
	c, d := connected(t)
	ctx := context.Background()

	v, err := c.Read(ctx, "/cfg/gain")
	require.NoError(t, err)
	assert.Equal(t, protocol.I16(12), v)
	n, err := c.Registry().Lookup("/cfg/gain")
	require.NoError(t, err)
	assert.Equal(t, protocol.I16(12), n.Value)

	v, err = c.Write(ctx, "/cfg/gain", "-40")
	require.NoError(t, err)
	assert.Equal(t, protocol.I16(-40), v)
	got, _ := d.Leaf("/cfg/gain")
	assert.Equal(t, protocol.I16(-40), got)

	_, err = c.Write(ctx, "/cfg/gain", "40000")
	assert.ErrorIs(t, err, registry.ErrValueParse)

	_, err = c.Write(ctx, "/info/serial", `"x"`)
	assert.ErrorIs(t, err, registry.ErrAccessDenied)

	_, err = c.Read(ctx, "/ctrl/reboot")
	assert.ErrorIs(t, err, registry.ErrAccessDenied)
	_, err = c.Write(ctx, "/ctrl/reboot", "")
	require.NoError(t, err)

	before := len(d.Requests())
	_, err = c.Write(ctx, "/cfg/rate", "fast")
	assert.Error(t, err)
	assert.Equal(t, before, len(d.Requests()))
}

func TestWriteRejectsMistypedEcho(t *testing.T) {
	c, d := connected(t)
	d.Override = func(req protocol.Message) (protocol.Message, bool) {
		if req.Code != protocol.CodeWrite {
			return protocol.Message{}, false
		}
		return protocol.Message{Code: protocol.CodeOKWrite, Path: req.Path, Value: protocol.Str("oops")}, true
	}

	_, err := c.Write(context.Background(), "/cfg/gain", "5")
	assert.ErrorIs(t, err, device.ErrProtocol)
	assert.ErrorIs(t, err, registry.ErrValueParse)
	n, err := c.Registry().Lookup("/cfg/gain")
	require.NoError(t, err)
	assert.NotEqual(t, protocol.I16(5), n.Value)
	assert.True(t, c.Connected())

	// Write-only leaves keep no value, so their echo is not checked.
	_, err = c.Write(context.Background(), "/cfg/calib", "9")
	assert.NoError(t, err)
}

func TestRefresh(t *testing.T) {
	c, _ := connected(t)
	require.NoError(t, c.Refresh(context.Background()))

	n, err := c.Registry().Lookup("/info/fw_version")
	require.NoError(t, err)
	assert.Equal(t, protocol.Str("1.4.2-sim"), n.Value)
	n, _ = c.Registry().Lookup("/cfg/calib")
	assert.Nil(t, n.Value)
}

func TestToggleFold(t *testing.T) {
	c, _ := connected(t)
	before, _ := c.Registry().Visible()
	require.NoError(t, c.ToggleFold("/cfg"))
	after, _ := c.Registry().Visible()
	assert.Greater(t, len(after), len(before))
	assert.ErrorIs(t, c.ToggleFold("/nope"), registry.ErrUnknownPath)
}

func TestOperationsAfterLinkLoss(t *testing.T) {
	c, d := connected(t)
	d.FailNext(errors.New("usb: no device"))

	_, err := c.Read(context.Background(), "/cfg/gain")
	assert.ErrorIs(t, err, device.ErrTransport)
	assert.False(t, c.Connected())

	_, err = c.Read(context.Background(), "/cfg/gain")
	assert.ErrorIs(t, err, device.ErrNotConnected)
	assert.Equal(t, NoDevice, c.Descriptor())
}

func TestDownloadFile(t *testing.T) {
	c, _ := connected(t)
	var out bytes.Buffer
	stats, err := c.DownloadFile(context.Background(), &out, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, uint32(24), stats.Blocks)
	assert.Equal(t, sim.Recording(24, 0x800), out.Bytes())
}

func TestTelemetry(t *testing.T) {
	c, d := connected(t)
	d.VisInterval = time.Millisecond
	c.SelectGroup(telemetry.GroupAccIn)

	sink := make(chan telemetry.Sample, 8)
	done, err := c.StartTelemetry(context.Background(), sink)
	require.NoError(t, err)
	assert.True(t, c.TelemetryRunning())

	select {
	case s := <-sink:
		assert.Equal(t, telemetry.GroupAccIn, s.Group)
		assert.Len(t, s.Values, 3)
	case <-time.After(2 * time.Second):
		t.Fatal("no sample")
	}
	c.StopTelemetry()
	for range sink {
	}
	require.NoError(t, <-done)
	assert.False(t, c.TelemetryRunning())
	assert.True(t, c.Connected())
}

func TestFirmwareRoundTrip(t *testing.T) {
	img := bytes.Repeat([]byte{0xA5}, 200)
	d := sim.NewBootloader(img)
	c, _ := newController(t, &sim.Connector{Device: d, Identity: sim.BootloaderIdentity}, schema.Static(sim.Schema))
	require.NoError(t, c.Connect(context.Background()))
	assert.Nil(t, c.Registry())
	assert.Contains(t, c.Descriptor(), "bootloader")

	_, err := c.Read(context.Background(), "/cfg/gain")
	assert.ErrorIs(t, err, ErrNoRegistry)
	_, err = c.DownloadFile(context.Background(), &bytes.Buffer{}, 0, nil)
	assert.ErrorIs(t, err, device.ErrWrongDeviceType)

	require.NoError(t, c.FirmwareDownload(context.Background(), img, nil))
	assert.Equal(t, img, d.Image())

	got, err := c.FirmwareUpload(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, img, got)
	assert.Equal(t, "idle", c.DFUState())
}

func TestFirmwareNeedsBootloader(t *testing.T) {
	c, _ := connected(t)
	err := c.FirmwareDownload(context.Background(), []byte{1}, nil)
	assert.ErrorIs(t, err, device.ErrWrongDeviceType)
}
