package protocol

import (
	"errors"
	"fmt"
)

// Frame layout, shared with the MCU firmware:
//
//	[0] start marker (0xFF)
//	[1] length: total frame bytes, marker and length byte included
//	[2] opcode
//	[3..length-1] payload
//
// Frames from the MCU are followed by a '\n' line terminator. Depending on
// the firmware build the length byte is 2+len(payload) or 3+len(payload),
// the latter sometimes counting the terminator too. There is no checksum.
const (
	StartMarker  byte = 0xFF
	Terminator   byte = '\n'
	MaxFrameSize      = 0xFF

	markerPos    = 0
	lengthPos    = 1
	opcodePos    = 2
	dataStartPos = 3

	headerSize = dataStartPos

	// minDeclared is the smallest length any firmware build writes:
	// opcode plus terminator.
	minDeclared = 2
)

// MaxPayload is the largest payload that fits in a single frame.
const MaxPayload = MaxFrameSize - headerSize

// FrameErrorKind classifies a framing failure.
type FrameErrorKind int

const (
	TooShort FrameErrorKind = iota + 1
	Truncated
	BadMarker
)

func (k FrameErrorKind) String() string {
	switch k {
	case TooShort:
		return "too_short"
	case Truncated:
		return "truncated"
	case BadMarker:
		return "bad_marker"
	default:
		return "unknown"
	}
}

var (
	ErrTooShort        = errors.New("protocol: frame too short")
	ErrTruncated       = errors.New("protocol: frame truncated")
	ErrBadMarker       = errors.New("protocol: missing start marker")
	ErrPayloadTooLarge = errors.New("protocol: payload too large")
)

// FrameError describes why raw bytes could not be decoded into a Frame.
type FrameError struct {
	Kind     FrameErrorKind
	Len      int // bytes available
	Declared int // length byte, when present
}

func (e *FrameError) Error() string {
	switch e.Kind {
	case TooShort:
		return fmt.Sprintf("protocol: frame too short (%d bytes)", e.Len)
	case Truncated:
		return fmt.Sprintf("protocol: frame truncated (declared %d, have %d)", e.Declared, e.Len)
	case BadMarker:
		return fmt.Sprintf("protocol: missing start marker (%d bytes)", e.Len)
	}
	return "protocol: invalid frame"
}

// Is lets errors.Is match a FrameError against the sentinel for its kind.
func (e *FrameError) Is(target error) bool {
	switch target {
	case ErrTooShort:
		return e.Kind == TooShort
	case ErrTruncated:
		return e.Kind == Truncated
	case ErrBadMarker:
		return e.Kind == BadMarker
	}
	return false
}

// Frame is one decoded protocol frame.
type Frame struct {
	Opcode  Opcode
	Payload []byte
}

// Bytes encodes the frame for the wire.
func (f Frame) Bytes() ([]byte, error) {
	return Encode(f.Opcode, f.Payload)
}

func (f Frame) String() string {
	if len(f.Payload) == 0 {
		return f.Opcode.String()
	}
	return fmt.Sprintf("%s [% X]", f.Opcode, f.Payload)
}

// AckFrame is the positive acknowledgment the host sends for
// PID_STREAM_REPORT and POWER_DISABLE.
var AckFrame = []byte{StartMarker, headerSize, byte(Ack)}

// Encode builds a wire frame for op with the given payload.
func Encode(op Opcode, payload []byte) ([]byte, error) {
	if len(payload) > MaxPayload {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayload)
	}
	b := make([]byte, headerSize+len(payload))
	b[markerPos] = StartMarker
	b[lengthPos] = byte(len(b))
	b[opcodePos] = byte(op)
	copy(b[dataStartPos:], payload)
	return b, nil
}

// MustEncode is Encode for payloads known to fit; it panics otherwise.
func MustEncode(op Opcode, payload ...byte) []byte {
	b, err := Encode(op, payload)
	if err != nil {
		panic(err)
	}
	return b
}

// Decode parses one line received from the MCU. The payload runs from the
// data offset to the trailing '\n', or to the end of raw when the line has
// no terminator. Firmware builds disagree on whether the length byte counts
// the marker and the terminator, so it is only checked against the bytes
// actually received. The returned payload does not alias raw.
func Decode(raw []byte) (Frame, error) {
	if len(raw) < 2 {
		return Frame{}, &FrameError{Kind: TooShort, Len: len(raw)}
	}
	if raw[markerPos] != StartMarker {
		return Frame{}, &FrameError{Kind: BadMarker, Len: len(raw)}
	}
	declared := int(raw[lengthPos])
	if declared < minDeclared || declared > len(raw) || len(raw) < headerSize {
		return Frame{}, &FrameError{Kind: Truncated, Len: len(raw), Declared: declared}
	}

	end := len(raw)
	if end > dataStartPos && raw[end-1] == Terminator {
		end--
	}
	f := Frame{Opcode: Opcode(raw[opcodePos])}
	if end > dataStartPos {
		f.Payload = append([]byte(nil), raw[dataStartPos:end]...)
	}
	return f, nil
}

// Cut splits the first frame off b, a stream of unterminated frames as
// Encode writes them, and returns it with the remaining bytes.
func Cut(b []byte) (Frame, []byte, error) {
	if len(b) < 2 {
		return Frame{}, nil, &FrameError{Kind: TooShort, Len: len(b)}
	}
	if b[markerPos] != StartMarker {
		return Frame{}, nil, &FrameError{Kind: BadMarker, Len: len(b)}
	}
	declared := int(b[lengthPos])
	if declared < headerSize || declared > len(b) {
		return Frame{}, nil, &FrameError{Kind: Truncated, Len: len(b), Declared: declared}
	}
	f := Frame{Opcode: Opcode(b[opcodePos])}
	if declared > dataStartPos {
		f.Payload = append([]byte(nil), b[dataStartPos:declared]...)
	}
	return f, b[declared:], nil
}
