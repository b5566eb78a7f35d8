package engine

import (
	"sync"
	"time"

	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

// fakeLink replays scripted lines and records writes. Every write and
// host call is also appended to a shared event log for ordering checks.
type fakeLink struct {
	mu       sync.Mutex
	lines    [][]byte
	reads    int
	readErr  error
	writeErr error
	writes   [][]byte
	events   *[]string
	onWrite  func(b []byte)
}

func newFakeLink(lines ...[]byte) *fakeLink {
	return &fakeLink{lines: lines, events: &[]string{}}
}

func (l *fakeLink) ReadLine(time.Duration) ([]byte, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reads++
	if l.readErr != nil {
		return nil, l.readErr
	}
	if len(l.lines) == 0 {
		return nil, nil
	}
	line := l.lines[0]
	l.lines = l.lines[1:]
	return line, nil
}

func (l *fakeLink) Write(b []byte) (int, error) {
	l.mu.Lock()
	hook := l.onWrite
	if l.writeErr != nil {
		l.mu.Unlock()
		return 0, l.writeErr
	}
	l.writes = append(l.writes, append([]byte(nil), b...))
	name := "write"
	if f, _, err := protocol.Cut(b); err == nil {
		name = "write:" + f.Opcode.String()
	}
	*l.events = append(*l.events, name)
	l.mu.Unlock()
	if hook != nil {
		hook(b)
	}
	return len(b), nil
}

func (l *fakeLink) push(lines ...[]byte) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lines = append(l.lines, lines...)
}

func (l *fakeLink) written() [][]byte {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([][]byte(nil), l.writes...)
}

func (l *fakeLink) pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.lines)
}

func (l *fakeLink) eventLog() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), (*l.events)...)
}

// fakeHost records power calls instead of touching the test machine.
type fakeHost struct {
	link      *fakeLink
	shutdowns int
	reboots   int
	err       error
}

func (h *fakeHost) Shutdown() error {
	h.shutdowns++
	h.record("host:shutdown")
	return h.err
}

func (h *fakeHost) Reboot() error {
	h.reboots++
	h.record("host:reboot")
	return h.err
}

func (h *fakeHost) record(ev string) {
	if h.link == nil {
		return
	}
	h.link.mu.Lock()
	defer h.link.mu.Unlock()
	*h.link.events = append(*h.link.events, ev)
}

// mcuLine is a frame as the MCU sends it: encoded, then a newline.
func mcuLine(op protocol.Opcode, payload string) []byte {
	return append(protocol.MustEncode(op, []byte(payload)...), '\n')
}

func testOptions(host HostControl) Options {
	return Options{
		Channels: 4,
		Handshake: HandshakeConfig{
			RetryDelay:  time.Millisecond,
			MaxAttempts: 3,
		},
		Host: host,
	}
}
