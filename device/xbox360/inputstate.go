// Package xbox360 holds the input-state snapshot of the emulated Xbox 360 wired pad
// and its encoding on the driver stream.
package xbox360

import (
	"encoding/binary"
	"io"
)

// StreamStateSize is the size of an encoded InputState on a device stream.
const StreamStateSize = 14

// InputState is the full controller snapshot pushed to the driver on every change.
// Values follow XInput's XINPUT_GAMEPAD.
type InputState struct {
	Buttons uint16
	// Triggers: 0-255
	LT, RT uint8
	// Sticks: signed 16-bit, 0 is centered
	LX, LY int16
	RX, RY int16
}

// Press sets the given button bits.
func (x *InputState) Press(mask uint16) { x.Buttons |= mask }

// Release clears the given button bits.
func (x *InputState) Release(mask uint16) { x.Buttons &^= mask }

// SetTrigger sets the magnitude of one trigger. Unknown sides are ignored.
func (x *InputState) SetTrigger(side Side, v uint8) {
	switch side {
	case Left:
		x.LT = v
	case Right:
		x.RT = v
	}
}

// SetStick sets both axes of one stick. Unknown sides are ignored.
func (x *InputState) SetStick(side Side, sx, sy int16) {
	switch side {
	case Left:
		x.LX, x.LY = sx, sy
	case Right:
		x.RX, x.RY = sx, sy
	}
}

// MarshalBinary encodes the state in the 14-byte stream layout:
//
//	0-3:   Buttons (little-endian uint32, upper half zero)
//	4:     LT
//	5:     RT
//	6-7:   LX
//	8-9:   LY
//	10-11: RX
//	12-13: RY
func (x *InputState) MarshalBinary() ([]byte, error) {
	b := make([]byte, StreamStateSize)
	binary.LittleEndian.PutUint32(b[0:4], uint32(x.Buttons))
	b[4] = x.LT
	b[5] = x.RT
	binary.LittleEndian.PutUint16(b[6:8], uint16(x.LX))
	binary.LittleEndian.PutUint16(b[8:10], uint16(x.LY))
	binary.LittleEndian.PutUint16(b[10:12], uint16(x.RX))
	binary.LittleEndian.PutUint16(b[12:14], uint16(x.RY))
	return b, nil
}

// UnmarshalBinary decodes the 14-byte stream layout.
func (x *InputState) UnmarshalBinary(data []byte) error {
	if len(data) < StreamStateSize {
		return io.ErrUnexpectedEOF
	}
	x.Buttons = uint16(binary.LittleEndian.Uint32(data[0:4]))
	x.LT = data[4]
	x.RT = data[5]
	x.LX = int16(binary.LittleEndian.Uint16(data[6:8]))
	x.LY = int16(binary.LittleEndian.Uint16(data[8:10]))
	x.RX = int16(binary.LittleEndian.Uint16(data[10:12]))
	x.RY = int16(binary.LittleEndian.Uint16(data[12:14]))
	return nil
}
