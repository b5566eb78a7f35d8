package link

import (
	"bytes"
	"fmt"
	"sync"
	"time"

	"go.bug.st/serial"
	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

// Port is the part of serial.Port the link uses. The simulated MCU and
// test fakes implement it as well.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	ResetInputBuffer() error
	SetReadTimeout(t time.Duration) error
	Close() error
}

var _ Port = serial.Port(nil)

// headerSize is marker, length and opcode.
const headerSize = 3

// Conn owns the serial port to the MCU. Reads are line oriented; writes
// are raw frames. All port access is serialized on mu.
type Conn struct {
	mu      sync.Mutex
	port    Port
	cfg     Config
	log     *zap.Logger
	buf     []byte
	pending []byte
}

// Open opens the serial device described by cfg and flushes stale input.
func Open(cfg Config, log *zap.Logger) (*Conn, error) {
	cfg.applyDefaults()
	mode, err := cfg.Mode()
	if err != nil {
		return nil, err
	}
	path, err := resolvePort(cfg.PortPath)
	if err != nil {
		return nil, err
	}
	port, err := serial.Open(path, mode)
	if err != nil {
		return nil, fmt.Errorf("link: failed to open %s: %w", path, err)
	}
	cfg.PortPath = path

	c := New(port, cfg, log)
	if err := c.Flush(); err != nil {
		port.Close()
		return nil, fmt.Errorf("link: flush %s: %w", path, err)
	}
	c.log.Info("opened serial link",
		zap.String("port", path),
		zap.Int("baud", cfg.BaudRate),
		zap.Duration("read_timeout", cfg.ReadTimeout))
	return c, nil
}

// New wraps an already open port.
func New(port Port, cfg Config, log *zap.Logger) *Conn {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Conn{
		port: port,
		cfg:  cfg,
		log:  log,
		buf:  make([]byte, 256),
	}
}

// Config returns the connection parameters.
func (c *Conn) Config() Config { return c.cfg }

// ReadLine blocks up to timeout and returns the bytes received up to and
// including a '\n' terminator. On timeout it returns whatever arrived,
// possibly nothing. A non-positive timeout uses the configured default.
//
// When the buffered bytes begin with a start marker, a '\n' inside the
// declared frame length is payload, not a terminator.
func (c *Conn) ReadLine(timeout time.Duration) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if timeout <= 0 {
		timeout = c.cfg.ReadTimeout
	}
	deadline := time.Now().Add(timeout)

	for {
		if line, ok := c.cutLine(); ok {
			return line, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return c.takePending(), nil
		}
		if err := c.port.SetReadTimeout(remaining); err != nil {
			c.log.Error("set read timeout failed", zap.Error(err))
			return nil, fmt.Errorf("link: set read timeout: %w", err)
		}
		n, err := c.port.Read(c.buf)
		if err != nil {
			c.log.Error("error occurred when reading serial data", zap.Error(err))
			return nil, fmt.Errorf("link: read: %w", err)
		}
		if n == 0 {
			return c.takePending(), nil
		}
		c.pending = append(c.pending, c.buf[:n]...)
	}
}

// cutLine removes and returns the first complete line from pending.
func (c *Conn) cutLine() ([]byte, bool) {
	start := 0
	if len(c.pending) >= 2 && c.pending[0] == protocol.StartMarker {
		// The terminator may follow the frame or be counted as its last byte.
		start = max(int(c.pending[1])-1, headerSize)
	}
	if start > len(c.pending) {
		return nil, false
	}
	i := bytes.IndexByte(c.pending[start:], protocol.Terminator)
	if i < 0 {
		return nil, false
	}
	end := start + i + 1
	line := append([]byte(nil), c.pending[:end]...)
	c.pending = append(c.pending[:0], c.pending[end:]...)
	return line, true
}

func (c *Conn) takePending() []byte {
	if len(c.pending) == 0 {
		return nil
	}
	out := c.pending
	c.pending = nil
	return out
}

// Write sends raw bytes and returns the count written.
func (c *Conn) Write(b []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, err := c.port.Write(b)
	if err != nil {
		return n, fmt.Errorf("link: write: %w", err)
	}
	c.log.Debug("tx", zap.Binary("frame", b), zap.Int("written", n))
	return n, nil
}

// Flush discards buffered input, both in the port and any partial line.
func (c *Conn) Flush() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.pending = nil
	return c.port.ResetInputBuffer()
}

func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.port.Close()
}
