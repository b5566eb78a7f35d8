package protocol

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFixedCommands(t *testing.T) {
	for _, op := range Opcodes() {
		b, err := Encode(op, nil)
		require.NoError(t, err)
		assert.Equal(t, []byte{0xFF, 0x03, byte(op)}, b, op.String())
	}
}

func TestEncodeSubscriptionMatchesFirmwareBytes(t *testing.T) {
	b, err := Encode(PIDStreamNew, []byte{0x00, 0x0C, 0x00, 0x33})
	require.NoError(t, err)
	assert.Equal(t, []byte{0xFF, 0x07, 0x05, 0x00, 0x0C, 0x00, 0x33}, b)
}

func TestAckFrame(t *testing.T) {
	assert.Equal(t, []byte{0xFF, 0x03, 0x01}, AckFrame)
	assert.Equal(t, AckFrame, MustEncode(Ack))
}

func TestEncodePayloadTooLarge(t *testing.T) {
	_, err := Encode(PIDStreamReport, make([]byte, MaxPayload+1))
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	b, err := Encode(PIDStreamReport, make([]byte, MaxPayload))
	require.NoError(t, err)
	assert.Len(t, b, MaxFrameSize)
}

func TestRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x00},
		{0x0A},
		[]byte("01.00.00"),
		[]byte("12.5;7;bad;3.0"),
		bytes.Repeat([]byte{0xFF}, MaxPayload),
	}
	for _, op := range Opcodes() {
		for _, p := range payloads {
			b, err := Encode(op, p)
			require.NoError(t, err)

			f, rest, err := Cut(b)
			require.NoError(t, err)
			assert.Empty(t, rest)
			assert.Equal(t, op, f.Opcode)
			assert.Equal(t, len(p), len(f.Payload))
			if len(p) > 0 {
				assert.Equal(t, p, f.Payload)
			}
		}
	}
}

func TestDecodeIgnoresTerminator(t *testing.T) {
	raw := append(MustEncode(FirmwareReport, []byte("01.00.00")...), '\n')
	f, err := Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, FirmwareReport, f.Opcode)
	assert.Equal(t, "01.00.00", string(f.Payload))
}

func TestDecodeLengthConventions(t *testing.T) {
	version := []byte("01.00.00")
	line := func(length byte) []byte {
		raw := append([]byte{0xFF, length, byte(FirmwareReport)}, version...)
		return append(raw, '\n')
	}
	testCases := []struct {
		name string
		raw  []byte
	}{
		{"opcode, payload and terminator", line(byte(2 + len(version)))},
		{"whole frame without terminator", line(byte(3 + len(version)))},
		{"whole frame with terminator", line(byte(4 + len(version)))},
		{"no terminator", MustEncode(FirmwareReport, version...)},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			f, err := Decode(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, FirmwareReport, f.Opcode)
			assert.Equal(t, "01.00.00", string(f.Payload))
		})
	}

	f, err := Decode([]byte{0xFF, 0x02, byte(Ack), '\n'})
	require.NoError(t, err)
	assert.Equal(t, Frame{Opcode: Ack}, f)
}

func TestCutStream(t *testing.T) {
	stream := append(MustEncode(PIDStreamNew, 0x00, 0x0A), AckFrame...)

	f, rest, err := Cut(stream)
	require.NoError(t, err)
	assert.Equal(t, Frame{Opcode: PIDStreamNew, Payload: []byte{0x00, 0x0A}}, f)

	f, rest, err = Cut(rest)
	require.NoError(t, err)
	assert.Equal(t, Ack, f.Opcode)
	assert.Empty(t, rest)

	_, _, err = Cut([]byte{0xFF, 0x06, 0x05, 0x00})
	assert.ErrorIs(t, err, ErrTruncated)
	_, _, err = Cut([]byte{0xFE, 0x03, 0x01})
	assert.ErrorIs(t, err, ErrBadMarker)
}

func TestDecodeErrors(t *testing.T) {
	testCases := []struct {
		name string
		raw  []byte
		kind FrameErrorKind
		is   error
	}{
		{"empty", nil, TooShort, ErrTooShort},
		{"one byte", []byte{0xFF}, TooShort, ErrTooShort},
		{"newline only", []byte{'\n'}, TooShort, ErrTooShort},
		{"no marker", []byte{0x00, 0x03, 0x01}, BadMarker, ErrBadMarker},
		{"length past end", []byte{0xFF, 0x08, 0x09, '1', '\n'}, Truncated, ErrTruncated},
		{"length below minimum", []byte{0xFF, 0x01, 0x09}, Truncated, ErrTruncated},
		{"no opcode", []byte{0xFF, 0x02}, Truncated, ErrTruncated},
		{"marker and length only", []byte{0xFF, 0x03}, Truncated, ErrTruncated},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Decode(tc.raw)
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.is))

			var fe *FrameError
			require.True(t, errors.As(err, &fe))
			assert.Equal(t, tc.kind, fe.Kind)
			assert.Equal(t, len(tc.raw), fe.Len)
		})
	}
}

func TestDecodeDoesNotAlias(t *testing.T) {
	raw := MustEncode(PIDStreamReport, '1', ';', '2')
	f, err := Decode(raw)
	require.NoError(t, err)
	raw[3] = '9'
	assert.Equal(t, "1;2", string(f.Payload))
}

func TestFrameString(t *testing.T) {
	assert.Equal(t, "ACK", Frame{Opcode: Ack}.String())
	assert.Equal(t, "LCD_FORCE_BRIGHTNESS [50]", Frame{Opcode: LCDForceBrightness, Payload: []byte{0x50}}.String())
}
