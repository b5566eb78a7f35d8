package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrHalted is returned once a host shutdown has been invoked.
	ErrHalted = errors.New("engine: halted after host shutdown")
	// ErrNotVerified is returned by Poll until the firmware handshake completes.
	ErrNotVerified = errors.New("engine: firmware not verified")
	// ErrHandshakeFailed is wrapped by HandshakeError.
	ErrHandshakeFailed = errors.New("engine: firmware handshake failed")
	// ErrTooManyPIDs means a subscription exceeds the channel vector.
	ErrTooManyPIDs = errors.New("engine: too many PIDs for channel vector")
	// ErrQueueFull means the outbound command queue is saturated.
	ErrQueueFull = errors.New("engine: command queue full")
	// ErrUnknownCommand is returned for unrecognised command names.
	ErrUnknownCommand = errors.New("engine: unknown command")
	// ErrBadArgument is returned for a command argument out of range.
	ErrBadArgument = errors.New("engine: bad command argument")
)

// HandshakeError reports a handshake that ran out of attempts.
type HandshakeError struct {
	Attempts    int
	Expected    string
	LastVersion string // empty when the MCU never answered
}

func (e *HandshakeError) Error() string {
	if e.LastVersion == "" {
		return fmt.Sprintf("engine: firmware handshake failed after %d attempts: no firmware report", e.Attempts)
	}
	return fmt.Sprintf("engine: firmware handshake failed after %d attempts: got %q, want %q",
		e.Attempts, e.LastVersion, e.Expected)
}

func (e *HandshakeError) Unwrap() error { return ErrHandshakeFailed }
