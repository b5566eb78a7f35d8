// Package mcusim is an in-memory MCU for demo mode and tests. It speaks
// the same framed protocol as the firmware over a link.Port.
package mcusim

import (
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

// ErrClosed is returned by Read and Write after Close.
var ErrClosed = errors.New("mcusim: port closed")

// Config describes the simulated board.
type Config struct {
	Version  string        // reported in FIRMWARE_REPORT
	Interval time.Duration // minimum time between PID reports
	Silent   bool          // never answer FIRMWARE_REQ
}

const (
	DefaultVersion  = "01.00.00"
	DefaultInterval = 50 * time.Millisecond
)

// Sim implements link.Port. Frames written by the host are decoded and
// answered; reports for the subscribed PIDs are emitted one at a time,
// each held until the host ACKs the previous one.
type Sim struct {
	cfg Config
	log *zap.Logger

	mu          sync.Mutex
	notify      chan struct{}
	out         []byte
	received    []protocol.Frame
	pids        []uint16
	awaitingAck bool
	lastReport  time.Time
	readTimeout time.Duration
	t           float64 // virtual time accumulator
	closed      bool
}

// New creates a simulated MCU.
func New(cfg Config, log *zap.Logger) *Sim {
	if cfg.Version == "" {
		cfg.Version = DefaultVersion
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Sim{
		cfg:         cfg,
		log:         log.Named("mcusim"),
		notify:      make(chan struct{}, 1),
		readTimeout: time.Second,
	}
}

// Read returns queued MCU output, waiting up to the read timeout. It
// returns 0, nil on timeout like a serial port.
func (s *Sim) Read(p []byte) (int, error) {
	s.mu.Lock()
	deadline := time.Now().Add(s.readTimeout)
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return 0, ErrClosed
		}
		s.maybeReport()
		if len(s.out) > 0 {
			n := copy(p, s.out)
			s.out = s.out[n:]
			s.mu.Unlock()
			return n, nil
		}
		wait := time.Until(deadline)
		if len(s.pids) > 0 && !s.awaitingAck {
			wait = min(wait, time.Until(s.lastReport.Add(s.cfg.Interval)))
		}
		s.mu.Unlock()

		if time.Until(deadline) <= 0 {
			return 0, nil
		}
		timer := time.NewTimer(max(wait, time.Millisecond))
		select {
		case <-s.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Write accepts one or more host frames.
func (s *Sim) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}

	for rest := p; len(rest) > 0; {
		f, next, err := protocol.Cut(rest)
		if err != nil {
			s.log.Warn("undecodable host data", zap.Error(err), zap.Binary("data", rest))
			break
		}
		s.received = append(s.received, f)
		s.handle(f)
		rest = next
	}
	return len(p), nil
}

func (s *Sim) handle(f protocol.Frame) {
	switch f.Opcode {
	case protocol.Ack:
		s.awaitingAck = false
		return
	case protocol.FirmwareReq:
		if !s.cfg.Silent {
			s.emit(protocol.FirmwareReport, []byte(s.cfg.Version))
		}
		return
	case protocol.PIDStreamNew:
		s.pids = decodePIDs(f.Payload)
		s.awaitingAck = false
	case protocol.PIDStreamAdd:
		s.pids = append(s.pids, decodePIDs(f.Payload)...)
	case protocol.PIDStreamRemove:
		for _, pid := range decodePIDs(f.Payload) {
			if i := slices.Index(s.pids, pid); i >= 0 {
				s.pids = slices.Delete(s.pids, i, i+1)
			}
		}
	case protocol.PIDStreamClear:
		s.pids = nil
	}
	s.log.Debug("rx", zap.Stringer("frame", f))
	s.emit(protocol.Ack, nil)
}

// RequestShutdown makes the MCU ask the host to power down.
func (s *Sim) RequestShutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emit(protocol.PowerDisable, nil)
}

// Inject queues raw bytes for the host to read.
func (s *Sim) Inject(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = append(s.out, b...)
	s.wake()
}

// Received returns every frame the host has written.
func (s *Sim) Received() []protocol.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.received)
}

// PIDs returns the current subscription.
func (s *Sim) PIDs() []uint16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pids)
}

func (s *Sim) ResetInputBuffer() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.out = nil
	return nil
}

func (s *Sim) SetReadTimeout(t time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readTimeout = t
	return nil
}

func (s *Sim) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.wake()
	return nil
}

// emit queues a frame and its line terminator. Callers hold mu.
func (s *Sim) emit(op protocol.Opcode, payload []byte) {
	raw, err := protocol.Encode(op, payload)
	if err != nil {
		s.log.Error("encode failed", zap.Stringer("opcode", op), zap.Error(err))
		return
	}
	s.out = append(s.out, raw...)
	s.out = append(s.out, protocol.Terminator)
	s.wake()
}

func (s *Sim) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// maybeReport queues the next PID report when one is due. Callers hold mu.
func (s *Sim) maybeReport() {
	if len(s.pids) == 0 || s.awaitingAck || time.Since(s.lastReport) < s.cfg.Interval {
		return
	}
	s.t += 0.05 // ~20Hz tick

	fields := make([]string, len(s.pids))
	for i, pid := range s.pids {
		fields[i] = strconv.FormatFloat(s.value(pid), 'f', 2, 64)
	}
	s.emit(protocol.PIDStreamReport, []byte(strings.Join(fields, ";")))
	s.awaitingAck = true
	s.lastReport = time.Now()
}

// value synthesizes a reading for a standard OBD-II PID.
func (s *Sim) value(pid uint16) float64 {
	// RPM cycles between idle and revving
	rpm := 850.0 + 4000.0*math.Sin(s.t*0.3)*math.Sin(s.t*0.3) + rand.Float64()*50
	tps := (rpm - 850) / (8000 - 850) * 100

	switch pid {
	case 0x04: // engine load %
		return tps*0.8 + 15
	case 0x05: // coolant °C
		return 85.0 + rand.Float64()*5
	case 0x0B: // MAP kPa
		return 30 + tps/100*170
	case 0x0C: // RPM
		return rpm
	case 0x0D: // speed km/h
		return tps / 100 * 220
	case 0x0F: // intake air °C
		return 30.0 + rand.Float64()*8
	case 0x11: // throttle %
		return tps
	case 0x33: // barometric kPa
		return 101
	case 0x42: // module voltage
		return 13.8 + rand.Float64()*0.4
	case 0x5C: // oil °C
		return 95 + tps/100*20
	}
	return 50 + 50*math.Sin(s.t+float64(pid))
}

func decodePIDs(payload []byte) []uint16 {
	pids := make([]uint16, 0, len(payload)/2)
	for i := 0; i+1 < len(payload); i += 2 {
		pids = append(pids, binary.BigEndian.Uint16(payload[i:]))
	}
	return pids
}
