package engine

import (
	"encoding/binary"
	"fmt"
	"math"
	"slices"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

// PID identifies a vehicle parameter. It is sent big-endian on the wire.
type PID uint16

func (p PID) String() string { return fmt.Sprintf("0x%04X", uint16(p)) }

// FieldSeparator splits the values of a PID_STREAM_REPORT payload.
const FieldSeparator = ";"

// ReportStats counts how the fields of one report were handled.
type ReportStats struct {
	Parsed  int
	Skipped int // fields that did not parse; their slots keep the old value
	Dropped int // fields beyond the channel vector
}

// PIDStream manages the PID subscription and decodes stream reports into
// the channel vector.
type PIDStream struct {
	tx       *sender
	channels *Channels

	mu   sync.Mutex
	pids []PID
}

func newPIDStream(tx *sender, channels *Channels) *PIDStream {
	return &PIDStream{tx: tx, channels: channels}
}

func encodePIDs(pids []PID) []byte {
	b := make([]byte, 0, 2*len(pids))
	for _, p := range pids {
		b = binary.BigEndian.AppendUint16(b, uint16(p))
	}
	return b
}

// RequestSubscription replaces the MCU's PID stream with pids. Report
// fields arrive in the same order.
func (s *PIDStream) RequestSubscription(pids []PID) (Receipt, error) {
	if len(pids) > s.channels.Len() {
		return Receipt{}, fmt.Errorf("%w: %d > %d", ErrTooManyPIDs, len(pids), s.channels.Len())
	}
	s.tx.log.Info("updating requirements", zap.Stringers("pids", pids))
	r, err := s.tx.send(protocol.PIDStreamNew, encodePIDs(pids), "PIDs updated")
	if err != nil {
		return r, err
	}
	s.mu.Lock()
	s.pids = slices.Clone(pids)
	s.mu.Unlock()
	return r, nil
}

// AddPID appends one PID to the current stream.
func (s *PIDStream) AddPID(pid PID) (Receipt, error) {
	s.mu.Lock()
	n := len(s.pids)
	s.mu.Unlock()
	if n+1 > s.channels.Len() {
		return Receipt{}, fmt.Errorf("%w: %d > %d", ErrTooManyPIDs, n+1, s.channels.Len())
	}
	r, err := s.tx.send(protocol.PIDStreamAdd, encodePIDs([]PID{pid}), "PID added")
	if err != nil {
		return r, err
	}
	s.mu.Lock()
	s.pids = append(s.pids, pid)
	s.mu.Unlock()
	return r, nil
}

// RemovePID drops one PID from the current stream.
func (s *PIDStream) RemovePID(pid PID) (Receipt, error) {
	r, err := s.tx.send(protocol.PIDStreamRemove, encodePIDs([]PID{pid}), "PID removed")
	if err != nil {
		return r, err
	}
	s.mu.Lock()
	if i := slices.Index(s.pids, pid); i >= 0 {
		s.pids = slices.Delete(s.pids, i, i+1)
	}
	s.mu.Unlock()
	return r, nil
}

// ClearPIDs empties the stream.
func (s *PIDStream) ClearPIDs() (Receipt, error) {
	r, err := s.tx.send(protocol.PIDStreamClear, nil, "PIDs cleared")
	if err != nil {
		return r, err
	}
	s.mu.Lock()
	s.pids = nil
	s.mu.Unlock()
	return r, nil
}

// Subscribed returns the PIDs in report order.
func (s *PIDStream) Subscribed() []PID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.pids)
}

// OnReport acknowledges a PID_STREAM_REPORT and applies its fields to the
// channel vector. The MCU holds the next report until it sees the ACK.
// Bad fields leave their slot untouched; the vector is committed once.
func (s *PIDStream) OnReport(f protocol.Frame) ([]float64, ReportStats) {
	s.tx.ack()

	var stats ReportStats
	next := s.channels.Snapshot()
	for i, field := range strings.Split(string(f.Payload), FieldSeparator) {
		field = strings.TrimSpace(field)
		if i >= len(next) {
			stats.Dropped++
			continue
		}
		v, err := strconv.ParseFloat(field, 64)
		if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
			s.tx.log.Debug("value error", zap.Int("slot", i), zap.String("field", field))
			stats.Skipped++
			continue
		}
		next[i] = v
		stats.Parsed++
	}

	s.channels.commit(next)
	s.tx.metrics.Fields(stats.Parsed, stats.Skipped, stats.Dropped)
	s.tx.metrics.Channels(next)
	if stats.Skipped > 0 || stats.Dropped > 0 {
		s.tx.log.Warn("partial PID report",
			zap.ByteString("payload", f.Payload),
			zap.Int("parsed", stats.Parsed),
			zap.Int("skipped", stats.Skipped),
			zap.Int("dropped", stats.Dropped))
	}
	return slices.Clone(next), stats
}
