package sim

import (
	"errors"
	"math"
	"time"

	"github.com/openbuttnakedgang/holter/internal/block"
	"github.com/openbuttnakedgang/holter/internal/device"
	"github.com/openbuttnakedgang/holter/internal/protocol"
)

// HolterIdentity is reported by the simulated recorder in application mode.
var HolterIdentity = device.Identity{
	Product:      "Holter",
	Serial:       "SIM-0001",
	Manufacturer: "openbuttnakedgang",
	VendorID:     0x0483,
	ProductID:    0xBABA,
}

// BootloaderIdentity is reported in bootloader mode.
var BootloaderIdentity = device.Identity{
	Product:      "Holter DFU",
	Serial:       "SIM-0001",
	Manufacturer: "openbuttnakedgang",
	VendorID:     0x0483,
	ProductID:    0xDEDA,
}

// Schema describes the registers of NewHolter.
const Schema = `{
  "@access": "RO",
  "info": {
    "serial": "str",
    "fw_version": "str",
    "uptime": "u32"
  },
  "io": {
    "@access": "RW",
    "file": {
      "pos": "u32",
      "len": "u32",
      "start": "()"
    }
  },
  "ctrl": {
    "@access": "RW",
    "vis": "bool",
    "led": "u8",
    "reboot": "()"
  },
  "cfg": {
    "@access": "RW",
    "name": "str",
    "gain": {"@type": "i16"},
    "rate": "u16",
    "offset": "i8",
    "key": "[u8]",
    "seed": {"@type": "u32", "@access": "RO"},
    "calib": {"@type": "i32", "@access": "WO"}
  }
}`

// NewHolter returns a recorder with the registers in Schema, a stored
// recording of 24 blocks and a synthetic telemetry source.
func NewHolter() *Device {
	d := New()
	d.SetLeaf("/info/serial", protocol.Str(HolterIdentity.Serial), true)
	d.SetLeaf("/info/fw_version", protocol.Str("1.4.2-sim"), true)
	d.SetLeaf("/info/uptime", protocol.U32(3600), true)
	d.SetLeaf(PathFilePos, protocol.U32(0), false)
	d.SetLeaf(PathFileLen, protocol.U32(0), false)
	d.SetLeaf(PathFileStart, protocol.Unit{}, false)
	d.SetLeaf(PathVis, protocol.Bool(false), false)
	d.SetLeaf("/ctrl/led", protocol.U8(0), false)
	d.SetLeaf("/ctrl/reboot", protocol.Unit{}, false)
	d.SetLeaf("/cfg/name", protocol.Str("patient-0"), false)
	d.SetLeaf("/cfg/gain", protocol.I16(12), false)
	d.SetLeaf("/cfg/rate", protocol.U16(500), false)
	d.SetLeaf("/cfg/offset", protocol.I8(-3), false)
	d.SetLeaf("/cfg/key", protocol.Bytes{0xde, 0xad}, false)
	d.SetLeaf("/cfg/seed", protocol.U32(0x5eed), true)
	d.SetLeaf("/cfg/calib", protocol.I32(0), false)
	d.SetFile(Recording(24, d.BlockSize))
	d.VisSource = func(seq uint32) []byte { return Frame(seq, block.Size) }
	d.VisInterval = 20 * time.Millisecond
	return d
}

// NewBootloader returns a recorder in DFU mode holding image.
func NewBootloader(image []byte) *Device {
	d := New()
	d.UploadImage = image
	return d
}

// Recording builds n blocks of synthetic data.
func Recording(n, blockSize int) []byte {
	out := make([]byte, 0, n*blockSize)
	for i := 0; i < n; i++ {
		out = append(out, Frame(uint32(i), blockSize)...)
	}
	return out
}

// Frame builds one block of interleaved ECG, REO and accelerometer points.
func Frame(seq uint32, size int) []byte {
	b := block.NewBuilder(seq, size)
	if seq%16 == 0 {
		_ = b.AddEvent([]byte("marker"))
	}
	for i := 0; ; i++ {
		t := float64(seq)*64 + float64(i)
		ecg := make([]int32, 8)
		for ch := range ecg {
			ecg[ch] = int32(100 * 1000 * math.Sin(2*math.Pi*t/250+float64(ch)))
		}
		if errors.Is(b.AddPoint(block.GroupECG, ecg...), block.ErrFull) {
			break
		}
		if i%2 == 0 {
			reo := int32(50 * 500 * math.Cos(2*math.Pi*t/400))
			if errors.Is(b.AddPoint(block.GroupREO, reo), block.ErrFull) {
				break
			}
		}
		if i%8 == 0 {
			acc := []int32{
				int32(8 * 100 * math.Sin(t/90)),
				int32(8 * 100 * math.Cos(t/90)),
				8 * 1000,
			}
			if errors.Is(b.AddPoint(block.GroupAccIn, acc...), block.ErrFull) {
				break
			}
		}
	}
	return b.Bytes()
}
