package ble

import "time"

// Nordic UART service exposed by the recorder's radio bridge.
const (
	// NUSServiceUUID is the UART bridge service
	NUSServiceUUID = "6E400001-B5A3-F393-E0A9-E50E24DCCA9E"

	// NUSRXCharUUID is written by the host (command OUT)
	NUSRXCharUUID = "6E400002-B5A3-F393-E0A9-E50E24DCCA9E"

	// NUSTXCharUUID notifies the host; the first byte selects the channel
	NUSTXCharUUID = "6E400003-B5A3-F393-E0A9-E50E24DCCA9E"
)

// Channel prefixes on TX notifications. A notification carrying only the
// prefix marks the end of a file or vis stream, the equivalent of an
// endpoint stall on USB.
const (
	prefixCmd  byte = 0
	prefixFile byte = 1
	prefixVis  byte = 2
)

const (
	// writeChunk is the largest write without response on a 247 byte MTU.
	writeChunk = 244
	// writeGap paces fragments so the bridge UART keeps up.
	writeGap = 10 * time.Millisecond
	// pipeLimit bounds the bytes buffered per channel before notifications
	// are dropped.
	pipeLimit = 4 << 20
)
