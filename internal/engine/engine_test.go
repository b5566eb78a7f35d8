package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

// startedEngine returns an engine that has completed the handshake, with
// the write log cleared.
func startedEngine(t *testing.T, host HostControl) (*Engine, *fakeLink) {
	t.Helper()
	l := newFakeLink(mcuLine(protocol.FirmwareReport, "01.00.00"))
	if fh, ok := host.(*fakeHost); ok {
		fh.link = l
	}
	e := New(l, testOptions(host))
	require.NoError(t, e.Start(context.Background()))
	l.mu.Lock()
	l.writes = nil
	*l.events = nil
	l.mu.Unlock()
	return e, l
}

func TestPollBeforeStart(t *testing.T) {
	l := newFakeLink(mcuLine(protocol.PIDStreamReport, "1;2"))
	e := New(l, testOptions(nil))

	values, err := e.Poll()
	assert.ErrorIs(t, err, ErrNotVerified)
	assert.Equal(t, []float64{0, 0, 0, 0}, values)
	assert.Equal(t, 1, l.pending())
}

func TestPollReport(t *testing.T) {
	e, l := startedEngine(t, nil)
	l.push(mcuLine(protocol.PIDStreamReport, "12.5;7;bad;3.0"))

	values, err := e.Poll()
	require.NoError(t, err)
	assert.Equal(t, []float64{12.5, 7, 0, 3}, values)
	assert.Equal(t, [][]byte{protocol.AckFrame}, l.written())
	assert.False(t, e.Status().Updated.IsZero())
}

func TestPollShortReadIsNoop(t *testing.T) {
	e, l := startedEngine(t, nil)
	e.Channels().Seed([]float64{1, 2, 3, 4})

	for _, raw := range [][]byte{nil, {'\n'}} {
		l.push(raw)
		values, err := e.Poll()
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3, 4}, values)
	}
	assert.Empty(t, l.written())
}

func TestPollReadErrorIsNoop(t *testing.T) {
	e, l := startedEngine(t, nil)
	e.Channels().Seed([]float64{1, 2, 3, 4})
	l.readErr = errors.New("device unplugged")

	for i := 1; i <= 3; i++ {
		values, err := e.Poll()
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3, 4}, values)
		assert.Equal(t, i, e.ReadFailures())
	}
	assert.Equal(t, 3, e.Status().ReadErrs)

	l.readErr = nil
	_, err := e.Poll()
	require.NoError(t, err)
	assert.Zero(t, e.ReadFailures())
}

func TestPollDropsBadFrames(t *testing.T) {
	e, l := startedEngine(t, nil)
	l.push(
		[]byte{0x00, 0x03, 0x09, '\n'},
		[]byte{0xFF, 0x20, 0x09, '1', '\n'},
	)

	for i := 0; i < 2; i++ {
		_, err := e.Poll()
		require.NoError(t, err)
	}
	assert.Empty(t, l.written())
	assert.Equal(t, 0, l.pending())
}

func TestPollAckAndUnknown(t *testing.T) {
	e, l := startedEngine(t, nil)
	e.Channels().Seed([]float64{1, 2, 3, 4})
	l.push(
		mcuLine(protocol.Ack, ""),
		mcuLine(protocol.Nack, ""),
		mcuLine(protocol.Heartbeat, ""),
		mcuLine(protocol.Opcode(0x42), "future"),
	)

	for i := 0; i < 4; i++ {
		values, err := e.Poll()
		require.NoError(t, err)
		assert.Equal(t, []float64{1, 2, 3, 4}, values)
	}
	assert.Empty(t, l.written())
	assert.True(t, e.Handshake.IsVerified())
}

func TestPollFirmwareReportMismatchRequiresHandshake(t *testing.T) {
	e, l := startedEngine(t, nil)
	l.push(mcuLine(protocol.FirmwareReport, "02.00.00"))

	_, err := e.Poll()
	require.NoError(t, err)

	_, err = e.Poll()
	assert.ErrorIs(t, err, ErrNotVerified)

	l.push(mcuLine(protocol.FirmwareReport, "01.00.00"))
	require.NoError(t, e.Start(context.Background()))
	_, err = e.Poll()
	assert.NoError(t, err)
}

func TestPollShutdownRequest(t *testing.T) {
	host := &fakeHost{}
	e, l := startedEngine(t, host)
	l.push(
		mcuLine(protocol.PowerDisable, ""),
		mcuLine(protocol.PIDStreamReport, "1;2"),
	)

	_, err := e.Poll()
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, []string{"write:ACK", "host:shutdown"}, l.eventLog())
	assert.Equal(t, 1, host.shutdowns)
	assert.True(t, e.Halted())

	// Nothing else is read, written or dispatched.
	_, err = e.Poll()
	assert.ErrorIs(t, err, ErrHalted)
	assert.Equal(t, 1, l.pending())
	assert.Len(t, l.written(), 1)

	_, err = e.Execute(Command{Name: CmdPowerCycle})
	assert.ErrorIs(t, err, ErrHalted)
	_, err = e.Submit(context.Background(), Command{Name: CmdPowerCycle})
	assert.ErrorIs(t, err, ErrHalted)
	assert.ErrorIs(t, e.Start(context.Background()), ErrHalted)
	assert.Equal(t, 1, host.shutdowns)
	assert.True(t, e.Status().Halted)
}

func TestSubmitRunsOnPoll(t *testing.T) {
	e, l := startedEngine(t, nil)

	var (
		wg  sync.WaitGroup
		r   Receipt
		err error
	)
	wg.Add(1)
	go func() {
		defer wg.Done()
		r, err = e.Submit(context.Background(), Command{Name: CmdLCDBrightness, Value: 40})
	}()

	require.Eventually(t, func() bool { return len(e.queue) == 1 }, time.Second, time.Millisecond)
	assert.Empty(t, l.written())

	_, perr := e.Poll()
	require.NoError(t, perr)
	wg.Wait()

	require.NoError(t, err)
	assert.Equal(t, protocol.LCDForceBrightness, r.Opcode)
	assert.Equal(t, [][]byte{{0xFF, 0x04, 0x0D, 40}}, l.written())
}

func TestSubmitQueueFull(t *testing.T) {
	l := newFakeLink()
	opts := testOptions(nil)
	opts.QueueSize = 1
	e := New(l, opts)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := e.Submit(ctx, Command{Name: CmdPowerCycle})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	_, err = e.Submit(context.Background(), Command{Name: CmdPowerCycle})
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestQueuedCommandWrittenBeforeShutdown(t *testing.T) {
	e, l := startedEngine(t, &fakeHost{})

	done := make(chan error, 1)
	go func() {
		_, err := e.Submit(context.Background(), Command{Name: CmdUSBOn})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(e.queue) == 1 }, time.Second, time.Millisecond)

	// The queued command is written before the read that halts the engine.
	l.push(mcuLine(protocol.PowerDisable, ""))
	_, err := e.Poll()
	assert.ErrorIs(t, err, ErrHalted)
	assert.NoError(t, <-done)
	assert.Equal(t, []string{"write:USB_ENABLE", "write:ACK", "host:shutdown"}, l.eventLog())
}

func TestSubmitQueuedAfterDrainSeesHalt(t *testing.T) {
	e, _ := startedEngine(t, &fakeHost{})

	done := make(chan error, 1)
	go func() {
		_, err := e.Submit(context.Background(), Command{Name: CmdUSBOn})
		done <- err
	}()
	require.Eventually(t, func() bool { return len(e.queue) == 1 }, time.Second, time.Millisecond)

	// Halting without draining leaves the request with no reply.
	e.halt()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrHalted)
	case <-time.After(time.Second):
		t.Fatal("Submit still waiting after halt")
	}
}

func TestStartSendsReadyAndSubscription(t *testing.T) {
	l := newFakeLink(mcuLine(protocol.FirmwareReport, "01.00.00"))
	opts := testOptions(nil)
	opts.AnnounceReady = true
	opts.PIDs = []PID{0x0C, 0x33}
	e := New(l, opts)

	require.NoError(t, e.Start(context.Background()))
	assert.Equal(t, [][]byte{
		{0xFF, 0x03, 0x15},
		{0xFF, 0x03, 0x04},
		{0xFF, 0x07, 0x05, 0x00, 0x0C, 0x00, 0x33},
	}, l.written())

	st := e.Status()
	assert.True(t, st.Verified)
	assert.Equal(t, "verified", st.State)
	assert.Equal(t, "01.00.00", st.Firmware)
	assert.Equal(t, []PID{0x0C, 0x33}, st.PIDs)
}

func TestStartHandshakeFailure(t *testing.T) {
	l := newFakeLink(mcuLine(protocol.FirmwareReport, "00.99.00"))
	opts := testOptions(nil)
	opts.PIDs = []PID{0x0C}
	e := New(l, opts)

	err := e.Start(context.Background())
	assert.ErrorIs(t, err, ErrHandshakeFailed)
	assert.Equal(t, "failed", e.Status().State)
	for _, w := range l.written() {
		assert.Equal(t, firmwareReq, w)
	}
}

func TestResetHardware(t *testing.T) {
	e, l := startedEngine(t, nil)
	l.push(mcuLine(protocol.FirmwareReport, "01.00.00"))

	require.NoError(t, e.ResetHardware(context.Background()))
	assert.Equal(t, [][]byte{firmwareReq}, l.written())
	assert.True(t, e.Handshake.IsVerified())
}
