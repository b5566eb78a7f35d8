package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 2 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendQueue  = 64
)

// hub fans encoded frames out to the connected dashboards. A peer whose
// queue is full misses that frame rather than stalling the others.
type hub struct {
	log   *zap.Logger
	mu    sync.RWMutex
	peers map[*peer]struct{}
}

type peer struct {
	conn  *websocket.Conn
	queue chan []byte
}

func newHub(log *zap.Logger) *hub {
	return &hub{log: log, peers: make(map[*peer]struct{})}
}

// attach registers conn, queues first, and starts its pumps.
func (h *hub) attach(conn *websocket.Conn, first []byte) {
	p := &peer{conn: conn, queue: make(chan []byte, sendQueue)}
	if first != nil {
		p.queue <- first
	}

	h.mu.Lock()
	h.peers[p] = struct{}{}
	n := len(h.peers)
	h.mu.Unlock()
	h.log.Info("ws client connected", zap.String("remote", conn.RemoteAddr().String()), zap.Int("total", n))

	go p.writePump()
	go h.readPump(p)
}

func (h *hub) publish(data []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for p := range h.peers {
		select {
		case p.queue <- data:
		default:
			h.log.Debug("ws client behind, frame dropped")
		}
	}
}

func (h *hub) size() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.peers)
}

// readPump discards client messages and detaches the peer once the
// connection fails or stops answering pings.
func (h *hub) readPump(p *peer) {
	defer func() {
		h.mu.Lock()
		delete(h.peers, p)
		n := len(h.peers)
		h.mu.Unlock()
		close(p.queue)
		h.log.Info("ws client disconnected", zap.Int("total", n))
	}()

	p.conn.SetReadLimit(maxBodyBytes)
	if err := p.conn.SetReadDeadline(time.Now().Add(pongWait)); err != nil {
		return
	}
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := p.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (p *peer) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		p.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-p.queue:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if !ok {
				// Best effort; the connection is closed either way.
				_ = p.conn.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			if err := p.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				return
			}
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
