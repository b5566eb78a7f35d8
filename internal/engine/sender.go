package engine

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/metrics"
	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

// Receipt describes a command written to the MCU.
type Receipt struct {
	ID      string          `json:"id"`
	Opcode  protocol.Opcode `json:"-"`
	Command string          `json:"command"`
	Written int             `json:"written"`
	Message string          `json:"message"`
}

// sender encodes and writes frames for the sub-controllers.
type sender struct {
	link    Link
	log     *zap.Logger
	metrics *metrics.Metrics
}

func (s *sender) send(op protocol.Opcode, payload []byte, what string) (Receipt, error) {
	r := Receipt{ID: uuid.NewString(), Opcode: op, Command: op.String()}

	frame, err := protocol.Encode(op, payload)
	if err != nil {
		r.Message = fmt.Sprintf("%s: %v", what, err)
		return r, fmt.Errorf("engine: encode %s: %w", op, err)
	}

	n, err := s.link.Write(frame)
	r.Written = n
	s.metrics.Command(op.String(), err)
	if err != nil {
		r.Message = fmt.Sprintf("%s failed after %d bytes: %v", what, n, err)
		s.log.Error(r.Message, zap.String("id", r.ID), zap.Stringer("opcode", op))
		return r, fmt.Errorf("engine: write %s: %w", op, err)
	}

	r.Message = fmt.Sprintf("%s: wrote %d bytes", what, n)
	s.log.Info(r.Message, zap.String("id", r.ID), zap.Stringer("opcode", op), zap.Binary("frame", frame))
	return r, nil
}

// ack writes the positive acknowledgment. Failures are logged only: the
// caller still handles the frame it is acknowledging.
func (s *sender) ack() {
	if _, err := s.link.Write(protocol.AckFrame); err != nil {
		s.log.Error("failed to write ACK", zap.Error(err))
		s.metrics.Command(protocol.Ack.String(), err)
		return
	}
	s.metrics.Command(protocol.Ack.String(), nil)
	s.log.Debug("<< ACK")
}
