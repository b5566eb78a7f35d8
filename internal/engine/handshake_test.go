package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

var firmwareReq = []byte{0xFF, 0x03, 0x15}

func TestHandshakeVerifiesInOneAttempt(t *testing.T) {
	l := newFakeLink(mcuLine(protocol.FirmwareReport, "01.00.00"))
	e := New(l, testOptions(nil))

	assert.Equal(t, Unverified, e.Handshake.State())
	require.NoError(t, e.Handshake.Run(context.Background()))

	assert.Equal(t, Verified, e.Handshake.State())
	assert.True(t, e.Handshake.IsVerified())
	assert.Equal(t, "01.00.00", e.Handshake.Version())
	assert.Equal(t, 1, e.Handshake.Attempts())
	assert.Equal(t, [][]byte{firmwareReq}, l.written())
}

func TestHandshakeMismatchRetries(t *testing.T) {
	l := newFakeLink(
		mcuLine(protocol.FirmwareReport, "00.99.00"),
		mcuLine(protocol.FirmwareReport, "00.99.00"),
	)
	opts := testOptions(nil)
	opts.Handshake.MaxAttempts = 2
	opts.Handshake.RetryDelay = 20 * time.Millisecond
	e := New(l, opts)

	var states []HandshakeState
	l.onWrite = func([]byte) { states = append(states, e.Handshake.State()) }

	start := time.Now()
	err := e.Handshake.Run(context.Background())
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrHandshakeFailed))
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, 2, herr.Attempts)
	assert.Equal(t, "00.99.00", herr.LastVersion)
	assert.Equal(t, "01.00.00", herr.Expected)

	// The second request follows a mismatch that left the state Unverified.
	assert.Equal(t, []HandshakeState{Unverified, Unverified}, states)
	assert.Equal(t, [][]byte{firmwareReq, firmwareReq}, l.written())
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Equal(t, Failed, e.Handshake.State())
}

func TestHandshakeMismatchThenMatch(t *testing.T) {
	l := newFakeLink(
		mcuLine(protocol.FirmwareReport, "00.99.00"),
		mcuLine(protocol.FirmwareReport, "01.00.00"),
	)
	e := New(l, testOptions(nil))

	require.NoError(t, e.Handshake.Run(context.Background()))
	assert.Equal(t, 2, e.Handshake.Attempts())
	assert.Len(t, l.written(), 2)
}

func TestHandshakeIgnoresOtherFrames(t *testing.T) {
	l := newFakeLink(
		mcuLine(protocol.PIDStreamReport, "1;2"),
		[]byte{'\n'},
		mcuLine(protocol.FirmwareReport, "01.00.00"),
	)
	e := New(l, testOptions(nil))

	require.NoError(t, e.Handshake.Run(context.Background()))
	assert.Equal(t, 3, e.Handshake.Attempts())
}

func TestHandshakeNoReply(t *testing.T) {
	l := newFakeLink()
	e := New(l, testOptions(nil))

	err := e.Handshake.Run(context.Background())
	var herr *HandshakeError
	require.True(t, errors.As(err, &herr))
	assert.Equal(t, 3, herr.Attempts)
	assert.Empty(t, herr.LastVersion)
	assert.Contains(t, err.Error(), "no firmware report")
}

func TestHandshakeCancelled(t *testing.T) {
	l := newFakeLink()
	opts := testOptions(nil)
	opts.Handshake.RetryDelay = time.Hour
	e := New(l, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	err := e.Handshake.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, Unverified, e.Handshake.State())
	assert.Len(t, l.written(), 1)
}

func TestHandshakeWriteFailureCountsAsAttempt(t *testing.T) {
	l := newFakeLink()
	l.writeErr = errors.New("tx broken")
	e := New(l, testOptions(nil))

	err := e.Handshake.Run(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, 3, e.Handshake.Attempts())
	assert.Equal(t, 0, l.reads)
}

func TestHandshakeRunWhenVerified(t *testing.T) {
	l := newFakeLink(mcuLine(protocol.FirmwareReport, "01.00.00"))
	e := New(l, testOptions(nil))
	require.NoError(t, e.Handshake.Run(context.Background()))

	require.NoError(t, e.Handshake.Run(context.Background()))
	assert.Len(t, l.written(), 1)
}

func TestHandshakeReportWhileVerified(t *testing.T) {
	l := newFakeLink(mcuLine(protocol.FirmwareReport, "01.00.00"))
	e := New(l, testOptions(nil))
	require.NoError(t, e.Handshake.Run(context.Background()))

	assert.True(t, e.Handshake.OnReport(protocol.Frame{Opcode: protocol.FirmwareReport, Payload: []byte("01.00.00")}))
	assert.True(t, e.Handshake.IsVerified())

	assert.False(t, e.Handshake.OnReport(protocol.Frame{Opcode: protocol.FirmwareReport, Payload: []byte("02.00.00")}))
	assert.Equal(t, Unverified, e.Handshake.State())
	assert.Equal(t, "02.00.00", e.Handshake.Version())
}

func TestHandshakeReset(t *testing.T) {
	l := newFakeLink(mcuLine(protocol.FirmwareReport, "01.00.00"))
	e := New(l, testOptions(nil))
	require.NoError(t, e.Handshake.Run(context.Background()))

	e.Handshake.Reset()
	assert.False(t, e.Handshake.IsVerified())
	assert.Equal(t, 0, e.Handshake.Attempts())
}

func TestHandshakeConfigDefaults(t *testing.T) {
	var cfg HandshakeConfig
	cfg.applyDefaults()
	assert.Equal(t, "01.00.00", cfg.ExpectedVersion)
	assert.Equal(t, time.Second, cfg.RetryDelay)
	assert.Equal(t, DefaultMaxAttempts, cfg.MaxAttempts)
}

func TestHandshakeTrimsVersion(t *testing.T) {
	l := newFakeLink(mcuLine(protocol.FirmwareReport, "01.00.00\n"))
	e := New(l, testOptions(nil))
	require.NoError(t, e.Handshake.Run(context.Background()))
}

func TestHandshakeShortLengthByte(t *testing.T) {
	// Firmware that writes opcode+payload+terminator in the length byte.
	line := append([]byte{0xFF, 0x0A, byte(protocol.FirmwareReport)}, "01.00.00\n"...)
	e := New(newFakeLink(line), testOptions(nil))

	require.NoError(t, e.Handshake.Run(context.Background()))
	assert.Equal(t, "01.00.00", e.Handshake.Version())
}
