// Package server runs the engine poll loop and exposes the live channel
// vector over websocket and a small HTTP API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shaunagostinho/dashbridge/internal/config"
	"github.com/shaunagostinho/dashbridge/internal/datalog"
	"github.com/shaunagostinho/dashbridge/internal/engine"
	"github.com/shaunagostinho/dashbridge/internal/metrics"
)

const (
	commandTimeout = 3 * time.Second
	maxBodyBytes   = 64 << 10
)

// Server drives the engine from one goroutine and broadcasts its channel
// vector to WebSocket clients.
type Server struct {
	cfg     *config.Config
	eng     *engine.Engine
	reg     *prometheus.Registry
	log     *zap.Logger
	datalog *datalog.Logger
	limiter *rate.Limiter

	hub      *hub
	upgrader websocket.Upgrader

	// start retry backoff
	retryDelay time.Duration
	maxDelay   time.Duration

	// pause between polls while link reads keep failing
	readPause    time.Duration
	maxReadPause time.Duration
}

// Frame is the JSON structure sent to all WebSocket clients.
type Frame struct {
	Channels []float64      `json:"channels"`
	PIDs     []string       `json:"pids"` // slot labels, e.g. "0x000C"
	Status   *engine.Status `json:"status,omitempty"`
	Stamp    int64          `json:"stamp"` // Unix ms
}

// New creates a new Server. reg may be nil, in which case /metrics is not
// served.
func New(cfg *config.Config, eng *engine.Engine, reg *prometheus.Registry, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	srvCfg, dlCfg := cfg.Snapshot()

	limit := rate.Limit(srvCfg.CommandRate)
	if srvCfg.CommandRate <= 0 {
		limit = rate.Inf
	}
	burst := srvCfg.CommandBurst
	if burst <= 0 {
		burst = 1
	}

	return &Server{
		cfg:     cfg,
		eng:     eng,
		reg:     reg,
		log:     log.Named("server"),
		datalog: datalog.New(dlCfg, log),
		limiter: rate.NewLimiter(limit, burst),
		hub:     newHub(log.Named("ws")),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		retryDelay:   time.Second,
		maxDelay:     60 * time.Second,
		readPause:    10 * time.Millisecond,
		maxReadPause: 2 * time.Second,
	}
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint
	mux.HandleFunc("/ws", s.handleWS)

	// Config API
	mux.HandleFunc("/api/config", s.handleConfig)

	// Engine API
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/status", s.handleStatus)

	if s.reg != nil {
		mux.Handle("/metrics", metrics.Handler(s.reg))
	}
	return mux
}

// Run starts the HTTP server, the engine loop and the broadcast loop.
func (s *Server) Run(ctx context.Context) error {
	srvCfg, _ := s.cfg.Snapshot()

	go s.RunEngine(ctx)
	go s.broadcastLoop(ctx)

	srv := &http.Server{
		Addr:    srvCfg.ListenAddr,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			s.log.Warn("http shutdown", zap.Error(err))
		}
	}()

	s.log.Info("listening", zap.String("addr", srvCfg.ListenAddr))
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// RunEngine owns the engine: it runs the handshake, then polls until ctx
// is done or the MCU requests a host shutdown. A lost verification reruns
// the handshake. While link reads keep failing, polls are spaced out with
// a doubling pause.
func (s *Server) RunEngine(ctx context.Context) {
	for {
		if err := s.startWithRetry(ctx); err != nil {
			return
		}
		var pause time.Duration
		for {
			if ctx.Err() != nil {
				return
			}
			_, err := s.eng.Poll()
			if errors.Is(err, engine.ErrHalted) {
				s.log.Info("host shutdown in progress, engine stopped")
				return
			}
			if errors.Is(err, engine.ErrNotVerified) {
				s.log.Warn("firmware verification lost, repeating handshake")
				break
			}

			failures := s.eng.ReadFailures()
			if failures == 0 {
				if pause > 0 {
					s.log.Info("link reads recovered")
				}
				pause = 0
				continue
			}
			if pause == 0 {
				pause = s.readPause
				s.log.Warn("link reads failing, slowing poll", zap.Duration("pause", pause))
			} else {
				pause = min(pause*2, s.maxReadPause)
			}
			select {
			case <-ctx.Done():
				return
			case <-time.After(pause):
			}
		}
	}
}

// startWithRetry runs engine.Start with exponential backoff. Starts at
// retryDelay, doubles each attempt up to maxDelay, and continues at the max
// interval indefinitely.
func (s *Server) startWithRetry(ctx context.Context) error {
	delay := s.retryDelay
	attempt := 0

	for {
		err := s.eng.Start(ctx)
		if err == nil {
			s.log.Info("engine started", zap.Int("attempt", attempt+1))
			return nil
		}
		if errors.Is(err, engine.ErrHalted) || ctx.Err() != nil {
			return err
		}
		attempt++
		s.log.Warn("engine start failed",
			zap.Int("attempt", attempt), zap.Error(err), zap.Duration("retry_in", delay))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}

		delay *= 2
		if delay > s.maxDelay {
			delay = s.maxDelay
		}
	}
}

func (s *Server) broadcastLoop(ctx context.Context) {
	srvCfg, _ := s.cfg.Snapshot()
	hz := srvCfg.PollHz
	if hz <= 0 {
		hz = 20
	}
	ticker := time.NewTicker(time.Second / time.Duration(hz))
	defer ticker.Stop()

	var lastUpdate time.Time
	for {
		select {
		case <-ctx.Done():
			s.datalog.Close()
			return
		case now := <-ticker.C:
			frame := s.snapshot(now)
			if s.hub.size() > 0 {
				data, err := json.Marshal(frame)
				if err != nil {
					s.log.Error("encode frame", zap.Error(err))
				} else {
					s.hub.publish(data)
				}
			}
			if frame.Status.Updated.After(lastUpdate) {
				lastUpdate = frame.Status.Updated
				s.datalog.Record(now, frame.Status.PIDs, frame.Channels)
			}
		}
	}
}

func (s *Server) snapshot(now time.Time) Frame {
	st := s.eng.Status()
	labels := make([]string, len(st.PIDs))
	for i, pid := range st.PIDs {
		labels[i] = pid.String()
	}
	return Frame{
		Channels: s.eng.Channels().Snapshot(),
		PIDs:     labels,
		Status:   &st,
		Stamp:    now.UnixMilli(),
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("ws upgrade error", zap.Error(err))
		return
	}
	first, err := json.Marshal(s.snapshot(time.Now()))
	if err != nil {
		s.log.Error("encode frame", zap.Error(err))
		first = nil
	}
	s.hub.attach(conn, first)
}

func (s *Server) handleConfig(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		data, err := s.cfg.ToJSON()
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(data)

	case http.MethodPost:
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		if err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		if err := s.cfg.UpdateFromJSON(body); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := s.cfg.Save(); err != nil {
			s.log.Error("config save failed", zap.Error(err))
		}
		_, dl := s.cfg.Snapshot()
		s.datalog.SetEnabled(dl.Enabled)

		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.limiter.Allow() {
		http.Error(w, "too many commands", http.StatusTooManyRequests)
		return
	}

	var cmd engine.Command
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&cmd); err != nil {
		http.Error(w, "bad request: "+err.Error(), http.StatusBadRequest)
		return
	}
	if !s.eng.Handshake.IsVerified() && !s.eng.Halted() {
		http.Error(w, engine.ErrNotVerified.Error(), http.StatusServiceUnavailable)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), commandTimeout)
	defer cancel()
	receipt, err := s.eng.Submit(ctx, cmd)
	if err != nil {
		s.log.Warn("command failed", zap.String("command", cmd.Name), zap.Error(err))
		http.Error(w, err.Error(), commandStatus(err))
		return
	}
	writeJSON(w, http.StatusOK, receipt)
}

func commandStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrUnknownCommand), errors.Is(err, engine.ErrBadArgument),
		errors.Is(err, engine.ErrTooManyPIDs):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrHalted), errors.Is(err, engine.ErrQueueFull):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.snapshot(time.Now()))
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	// Headers are already sent; a failure here is a broken client.
	_ = json.NewEncoder(w).Encode(v)
}
