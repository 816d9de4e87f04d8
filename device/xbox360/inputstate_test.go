package xbox360_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xpalm/xpalm/device/xbox360"
)

func TestStreamEncoding(t *testing.T) {
	type testCase struct {
		name     string
		state    xbox360.InputState
		expected []byte
	}

	cases := []testCase{
		{
			name:     "neutral",
			state:    xbox360.InputState{},
			expected: make([]byte, xbox360.StreamStateSize),
		},
		{
			name: "buttons triggers sticks",
			state: xbox360.InputState{
				Buttons: xbox360.ButtonA | xbox360.ButtonDPadUp,
				LT:      0x10,
				RT:      0xff,
				LX:      16,
				LY:      32,
				RX:      -1,
				RY:      -32768,
			},
			expected: []byte{
				0x01, 0x10, 0x00, 0x00,
				0x10,
				0xff,
				0x10, 0x00,
				0x20, 0x00,
				0xff, 0xff,
				0x00, 0x80,
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			b, err := tc.state.MarshalBinary()
			require.NoError(t, err)
			assert.Equal(t, tc.expected, b)

			var back xbox360.InputState
			require.NoError(t, back.UnmarshalBinary(b))
			assert.Equal(t, tc.state, back)
		})
	}
}

func TestUnmarshalShort(t *testing.T) {
	var s xbox360.InputState
	assert.Error(t, s.UnmarshalBinary(make([]byte, xbox360.StreamStateSize-1)))
}

func TestMutators(t *testing.T) {
	var s xbox360.InputState
	s.Press(xbox360.ButtonA | xbox360.ButtonB)
	s.Release(xbox360.ButtonA)
	assert.Equal(t, uint16(xbox360.ButtonB), s.Buttons)

	s.SetTrigger(xbox360.Left, 7)
	s.SetTrigger(xbox360.Right, 9)
	s.SetTrigger(xbox360.Side(5), 100)
	assert.Equal(t, uint8(7), s.LT)
	assert.Equal(t, uint8(9), s.RT)

	s.SetStick(xbox360.Left, 1, 2)
	s.SetStick(xbox360.Right, -3, -4)
	s.SetStick(xbox360.Side(9), 100, 100)
	assert.Equal(t, [4]int16{1, 2, -3, -4}, [4]int16{s.LX, s.LY, s.RX, s.RY})
}
