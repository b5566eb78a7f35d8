package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/metrics"
	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

// Link is the serial connection the engine drives. *link.Conn implements it.
type Link interface {
	ReadLine(timeout time.Duration) ([]byte, error)
	Write(b []byte) (int, error)
}

// Options configures an Engine.
type Options struct {
	Channels      int           // channel vector size
	ReadTimeout   time.Duration // per Poll read; 0 uses the link default
	Handshake     HandshakeConfig
	Host          HostControl
	PIDs          []PID // subscription sent after the handshake
	AnnounceReady bool  // send SYS_READY after the handshake
	QueueSize     int
	Logger        *zap.Logger
	Metrics       *metrics.Metrics
}

const defaultQueueSize = 16

// Engine is the MCU protocol engine. One goroutine owns it: that goroutine
// runs Start and then calls Poll repeatedly. Other goroutines read Channels
// and Status, and send commands through Submit.
type Engine struct {
	link    Link
	opts    Options
	log     *zap.Logger
	metrics *metrics.Metrics

	channels  *Channels
	Handshake *Handshake
	Stream    *PIDStream
	Power     *Power

	queue    chan request
	halted   atomic.Bool
	haltOnce sync.Once
	haltCh   chan struct{} // closed once halted

	readFailures atomic.Int64 // consecutive failed link reads
}

type request struct {
	cmd   Command
	reply chan result
}

type result struct {
	receipt Receipt
	err     error
}

// New creates an engine on an open link.
func New(l Link, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	e := &Engine{
		link:     l,
		opts:     opts,
		log:      opts.Logger.Named("engine"),
		metrics:  opts.Metrics,
		channels: NewChannels(opts.Channels),
		queue:    make(chan request, opts.QueueSize),
		haltCh:   make(chan struct{}),
	}
	tx := func(name string) *sender {
		return &sender{link: l, log: opts.Logger.Named(name), metrics: opts.Metrics}
	}
	e.Handshake = newHandshake(opts.Handshake, tx("handshake"))
	e.Stream = newPIDStream(tx("stream"), e.channels)
	e.Power = newPower(tx("power"), opts.Host)
	return e
}

// Start blocks until the MCU firmware is verified, then announces the host
// and sends the configured subscription.
func (e *Engine) Start(ctx context.Context) error {
	if e.halted.Load() {
		return ErrHalted
	}
	if err := e.Handshake.Run(ctx); err != nil {
		return err
	}
	if e.opts.AnnounceReady {
		if _, err := e.Power.SignalReady(); err != nil {
			return err
		}
	}
	if len(e.opts.PIDs) > 0 {
		if _, err := e.Stream.RequestSubscription(e.opts.PIDs); err != nil {
			return fmt.Errorf("engine: initial subscription: %w", err)
		}
	}
	return nil
}

// ResetHardware forgets the verified firmware and runs Start again.
func (e *Engine) ResetHardware(ctx context.Context) error {
	e.Handshake.Reset()
	return e.Start(ctx)
}

// Poll writes queued commands, reads one line from the link and dispatches
// it. It always returns the current channel vector. A short or undecodable
// read is a no-op, and so is a failed read, which ReadFailures counts so
// the caller can slow down. ErrHalted means the host is shutting down and Poll must
// not be called again; ErrNotVerified means Start must be rerun.
func (e *Engine) Poll() ([]float64, error) {
	if e.halted.Load() {
		return e.channels.Snapshot(), ErrHalted
	}
	if !e.Handshake.IsVerified() {
		return e.channels.Snapshot(), ErrNotVerified
	}

	e.drainQueue()

	raw, err := e.link.ReadLine(e.opts.ReadTimeout)
	if err != nil {
		e.metrics.ReadError()
		e.readFailures.Add(1)
		return e.channels.Snapshot(), nil
	}
	e.readFailures.Store(0)
	// There shall always be an opcode and EOL.
	if len(raw) < 2 {
		e.log.Debug("short data packet", zap.Int("len", len(raw)), zap.Binary("data", raw))
		return e.channels.Snapshot(), nil
	}

	f, err := protocol.Decode(raw)
	if err != nil {
		var fe *protocol.FrameError
		if errors.As(err, &fe) {
			e.metrics.FramingError(fe.Kind.String())
		}
		e.log.Info("dropping frame", zap.Error(err), zap.Binary("data", raw))
		return e.channels.Snapshot(), nil
	}
	e.metrics.Frame(f.Opcode.String())
	return e.dispatch(f)
}

func (e *Engine) dispatch(f protocol.Frame) ([]float64, error) {
	switch f.Opcode {
	case protocol.FirmwareReport:
		e.Handshake.OnReport(f)
	case protocol.PowerDisable:
		e.halt()
		if err := e.Power.OnShutdownRequest(f); err != nil {
			e.log.Error("shutdown request not completed", zap.Error(err))
		}
		e.failPending(ErrHalted)
		return e.channels.Snapshot(), ErrHalted
	case protocol.Ack:
		e.log.Debug(">> ACK")
	case protocol.Nack:
		e.log.Warn(">> NACK", zap.Binary("payload", f.Payload))
	case protocol.Heartbeat, protocol.SysReady:
		e.log.Debug("rx", zap.Stringer("frame", f))
	case protocol.PIDStreamReport:
		values, _ := e.Stream.OnReport(f)
		return values, nil
	default:
		e.log.Info("ignoring frame", zap.Stringer("frame", f))
	}
	return e.channels.Snapshot(), nil
}

// Submit queues cmd for the goroutine that drives Poll and waits for its
// receipt. A command whose ctx expires may still be written later.
func (e *Engine) Submit(ctx context.Context, cmd Command) (Receipt, error) {
	if e.halted.Load() {
		return Receipt{}, ErrHalted
	}
	req := request{cmd: cmd, reply: make(chan result, 1)}
	select {
	case e.queue <- req:
	default:
		return Receipt{}, ErrQueueFull
	}
	select {
	case res := <-req.reply:
		return res.receipt, res.err
	case <-e.haltCh:
		// A request queued after failPending drained the queue gets no reply.
		select {
		case res := <-req.reply:
			return res.receipt, res.err
		default:
			return Receipt{}, ErrHalted
		}
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	}
}

func (e *Engine) halt() {
	e.halted.Store(true)
	e.haltOnce.Do(func() { close(e.haltCh) })
}

func (e *Engine) drainQueue() {
	for {
		select {
		case req := <-e.queue:
			r, err := e.Execute(req.cmd)
			req.reply <- result{receipt: r, err: err}
		default:
			return
		}
	}
}

func (e *Engine) failPending(err error) {
	for {
		select {
		case req := <-e.queue:
			req.reply <- result{err: err}
		default:
			return
		}
	}
}

// Channels returns the live channel vector.
func (e *Engine) Channels() *Channels { return e.channels }

// ReadFailures returns the number of link reads that have failed in a row.
func (e *Engine) ReadFailures() int { return int(e.readFailures.Load()) }

// Halted reports whether a host shutdown has been invoked.
func (e *Engine) Halted() bool { return e.halted.Load() }

// Status is a point-in-time view of the engine for the display layer.
type Status struct {
	State    string    `json:"state"`
	Verified bool      `json:"verified"`
	Firmware string    `json:"firmware,omitempty"`
	Attempts int       `json:"attempts"`
	Halted   bool      `json:"halted"`
	ReadErrs int       `json:"readErrors"`
	PIDs     []PID     `json:"pids"`
	Updated  time.Time `json:"updated"`
}

func (e *Engine) Status() Status {
	state := e.Handshake.State()
	return Status{
		State:    state.String(),
		Verified: state == Verified,
		Firmware: e.Handshake.Version(),
		Attempts: e.Handshake.Attempts(),
		Halted:   e.halted.Load(),
		ReadErrs: e.ReadFailures(),
		PIDs:     e.Stream.Subscribed(),
		Updated:  e.channels.Updated(),
	}
}
