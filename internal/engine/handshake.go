package engine

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

// HandshakeState is the firmware verification state.
type HandshakeState int

const (
	Unverified HandshakeState = iota
	AwaitingResponse
	Verified
	Failed
)

func (s HandshakeState) String() string {
	switch s {
	case Unverified:
		return "unverified"
	case AwaitingResponse:
		return "awaiting_response"
	case Verified:
		return "verified"
	case Failed:
		return "failed"
	}
	return "unknown"
}

const (
	DefaultFirmwareVersion = "01.00.00"
	DefaultRetryDelay      = time.Second
	DefaultMaxAttempts     = 30
)

// HandshakeConfig controls the startup firmware check.
type HandshakeConfig struct {
	ExpectedVersion string
	RetryDelay      time.Duration // wait between request and read
	MaxAttempts     int
	ResponseTimeout time.Duration // read timeout after the delay; 0 uses the link default
}

func (c *HandshakeConfig) applyDefaults() {
	if c.ExpectedVersion == "" {
		c.ExpectedVersion = DefaultFirmwareVersion
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
}

// Handshake blocks startup until the MCU reports the expected firmware
// version. The MCU ignores every other command until then.
type Handshake struct {
	cfg HandshakeConfig
	tx  *sender

	mu       sync.Mutex
	state    HandshakeState
	version  string
	attempts int
}

func newHandshake(cfg HandshakeConfig, tx *sender) *Handshake {
	cfg.applyDefaults()
	return &Handshake{cfg: cfg, tx: tx}
}

// Run requests the firmware version until it matches or MaxAttempts is
// reached. It returns nil immediately if already verified.
func (h *Handshake) Run(ctx context.Context) error {
	if h.IsVerified() {
		return nil
	}
	h.tx.log.Info("initializing hardware", zap.String("expected", h.cfg.ExpectedVersion))

	for attempt := 1; attempt <= h.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			h.setState(Unverified)
			return err
		}
		h.mu.Lock()
		h.attempts = attempt
		h.mu.Unlock()

		h.tx.log.Info("requesting firmware version", zap.Int("attempt", attempt), zap.Int("max", h.cfg.MaxAttempts))
		if _, err := h.tx.send(protocol.FirmwareReq, nil, "firmware request"); err != nil {
			h.tx.metrics.Handshake("write_error")
			if err := sleepCtx(ctx, h.cfg.RetryDelay); err != nil {
				return err
			}
			continue
		}
		h.setState(AwaitingResponse)

		// Give the MCU time to receive the request and respond.
		if err := sleepCtx(ctx, h.cfg.RetryDelay); err != nil {
			h.setState(Unverified)
			return err
		}

		raw, err := h.tx.link.ReadLine(h.cfg.ResponseTimeout)
		if err != nil {
			h.tx.metrics.ReadError()
		}
		if h.handleResponse(raw) {
			h.tx.metrics.Handshake("verified")
			return nil
		}
	}

	h.mu.Lock()
	h.state = Failed
	herr := &HandshakeError{Attempts: h.attempts, Expected: h.cfg.ExpectedVersion, LastVersion: h.version}
	h.mu.Unlock()
	h.tx.log.Error("firmware handshake failed", zap.Error(herr))
	return herr
}

// handleResponse processes the line read after a firmware request.
func (h *Handshake) handleResponse(raw []byte) bool {
	f, err := protocol.Decode(raw)
	if err != nil {
		h.tx.log.Info("no firmware report received", zap.Int("bytes", len(raw)), zap.Error(err))
		h.tx.metrics.Handshake("no_reply")
		h.setState(Unverified)
		return false
	}
	if f.Opcode != protocol.FirmwareReport {
		h.tx.log.Info("unexpected frame during handshake", zap.Stringer("frame", f))
		h.tx.metrics.Handshake("no_reply")
		h.setState(Unverified)
		return false
	}
	if !h.OnReport(f) {
		h.tx.metrics.Handshake("mismatch")
		return false
	}
	return true
}

// OnReport handles a FIRMWARE_REPORT frame and reports whether the
// firmware is verified afterwards. A mismatching report while verified
// means the MCU was reset or reflashed, so verification starts over.
func (h *Handshake) OnReport(f protocol.Frame) bool {
	version := strings.TrimSpace(strings.Trim(string(f.Payload), "\x00"))

	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = version
	match := version == h.cfg.ExpectedVersion

	switch h.state {
	case AwaitingResponse:
		h.tx.log.Info("firmware version received", zap.String("version", version))
		if match {
			h.tx.log.Info("firmware up to date")
			h.state = Verified
			return true
		}
		h.tx.log.Warn("firmware update required", zap.String("version", version), zap.String("expected", h.cfg.ExpectedVersion))
		h.state = Unverified
		return false
	case Verified:
		if match {
			h.tx.log.Debug("firmware version", zap.String("version", version))
			return true
		}
		h.tx.log.Warn("firmware version changed, verification required", zap.String("version", version))
		h.state = Unverified
		return false
	default:
		h.tx.log.Info("firmware version report", zap.String("version", version), zap.Stringer("state", h.state))
		return false
	}
}

func (h *Handshake) setState(s HandshakeState) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != Verified {
		h.state = s
	}
}

// Reset returns to Unverified, e.g. after a hardware reset of the MCU.
func (h *Handshake) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = Unverified
	h.attempts = 0
}

func (h *Handshake) State() HandshakeState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handshake) IsVerified() bool { return h.State() == Verified }

// Version returns the last version string the MCU reported.
func (h *Handshake) Version() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.version
}

// Attempts returns the number of requests made by the current or last run.
func (h *Handshake) Attempts() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.attempts
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
