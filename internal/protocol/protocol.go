// Package protocol defines the xpalm wire formats: the one-byte discovery exchange,
// the 4-byte control frames and the 6-byte axis datagrams.
package protocol

import (
	"encoding/binary"
	"fmt"

	"github.com/xpalm/xpalm/device/xbox360"
)

const (
	DiscoveryPort  = 45783
	ControlPort    = 45784
	DataPort       = 45784
	MulticastGroup = "224.3.29.115"
)

// Discovery markers.
const (
	Query    byte = 0
	Announce byte = 1
)

// Control and data opcodes.
const (
	OpConnect byte = 0
	OpButtons byte = 2
	OpAxis    byte = 3
	OpTrigger byte = 4
	OpProbe   byte = 6
)

// Button sub-selectors.
const (
	ButtonsClear byte = 0
	ButtonsSet   byte = 1
)

const (
	FrameSize    = 4
	DatagramSize = 6

	// Accepted is the single byte sent after a successful admission.
	Accepted byte = 1
)

// Frame is one control-channel frame: [opcode, sub, payload_lo, payload_hi].
type Frame [FrameSize]byte

// ProbeReply is the echo sent for an OpProbe frame.
var ProbeReply = Frame{OpProbe, 0, 0, 0}

func (f Frame) Op() byte  { return f[0] }
func (f Frame) Sub() byte { return f[1] }

// Payload returns bytes 2-3 as little-endian uint16.
func (f Frame) Payload() uint16 { return binary.LittleEndian.Uint16(f[2:4]) }

// AxisUpdate is a decoded data-plane datagram.
type AxisUpdate struct {
	Stick xbox360.Side
	X, Y  int16
}

// ParseAxis decodes a data-plane datagram. It reports false for short datagrams,
// opcodes other than OpAxis and unknown stick selectors.
func ParseAxis(b []byte) (AxisUpdate, bool) {
	if len(b) < DatagramSize || b[0] != OpAxis {
		return AxisUpdate{}, false
	}
	stick := xbox360.Side(b[1])
	if stick != xbox360.Left && stick != xbox360.Right {
		return AxisUpdate{}, false
	}
	return AxisUpdate{
		Stick: stick,
		X:     int16(binary.LittleEndian.Uint16(b[2:4])),
		Y:     int16(binary.LittleEndian.Uint16(b[4:6])),
	}, true
}

// EncodeAxis builds a data-plane datagram.
func EncodeAxis(u AxisUpdate) []byte {
	b := make([]byte, DatagramSize)
	b[0] = OpAxis
	b[1] = byte(u.Stick)
	binary.LittleEndian.PutUint16(b[2:4], uint16(u.X))
	binary.LittleEndian.PutUint16(b[4:6], uint16(u.Y))
	return b
}

// AnnounceMessage builds the discovery reply: the announce marker followed by the raw
// display name. Receivers rely on the datagram boundary for the length.
func AnnounceMessage(name string) []byte {
	msg := make([]byte, 0, 1+len(name))
	msg = append(msg, Announce)
	return append(msg, name...)
}

// TriggerDecoding selects how a trigger frame payload becomes a 0-255 magnitude.
//
// Two client revisions disagree: one sends the magnitude as a little-endian value,
// the other sends a pressed flag in the high byte that the host scales by 255.
// Which one is intended is still an open product decision, so both are supported.
type TriggerDecoding string

const (
	// TriggerRaw reads the payload as a little-endian magnitude clamped to 255.
	TriggerRaw TriggerDecoding = "raw"
	// TriggerBinary computes high_byte*255 clamped to 255, so the result is 0 or 255.
	TriggerBinary TriggerDecoding = "binary"
)

// Validate rejects unknown decodings.
func (d TriggerDecoding) Validate() error {
	switch d {
	case TriggerRaw, TriggerBinary:
		return nil
	default:
		return fmt.Errorf("unknown trigger decoding %q", string(d))
	}
}

// Magnitude decodes the payload of a trigger frame.
func (d TriggerDecoding) Magnitude(f Frame) uint8 {
	switch d {
	case TriggerBinary:
		if f[3] == 0 {
			return 0
		}
		return 255
	default:
		v := f.Payload()
		if v > 255 {
			return 255
		}
		return uint8(v)
	}
}
