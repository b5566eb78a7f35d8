package main

import (
	"io"

	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/config"
	"github.com/shaunagostinho/dashbridge/internal/engine"
	"github.com/shaunagostinho/dashbridge/internal/link"
	"github.com/shaunagostinho/dashbridge/internal/logging"
	"github.com/shaunagostinho/dashbridge/internal/mcusim"
	"github.com/shaunagostinho/dashbridge/internal/metrics"
)

// demoPIDs are streamed in demo mode when the config subscribes to nothing:
// RPM, speed, coolant and module voltage.
var demoPIDs = []engine.PID{0x0C, 0x0D, 0x05, 0x42}

// bridge is an engine on an open link, real or simulated.
type bridge struct {
	eng  *engine.Engine
	sim  *mcusim.Sim // nil unless demo
	conn io.Closer
}

// loadConfig reads the config file, logging through a bootstrap logger,
// then builds the configured logger.
func loadConfig(path string) (*config.Config, *zap.Logger, error) {
	boot, err := logging.New(logging.Config{Level: "info"})
	if err != nil {
		return nil, nil, err
	}
	cfg := config.LoadConfig(path, boot)
	boot.Sync()

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return nil, nil, err
	}
	return cfg, log, nil
}

// openBridge opens the serial link, or a simulated MCU in demo mode, and
// builds the engine on it. m may be nil.
func openBridge(cfg *config.Config, demo bool, log *zap.Logger, m *metrics.Metrics) (*bridge, error) {
	opts := cfg.EngineOptions()
	opts.Logger = log
	opts.Metrics = m

	b := &bridge{}
	var l engine.Link
	if demo {
		b.sim = mcusim.New(mcusim.Config{Version: opts.Handshake.ExpectedVersion}, log)
		conn := link.New(b.sim, cfg.LinkConfig(), log.Named("link"))
		l, b.conn = conn, conn
		opts.Host = engine.DryRunHost{Log: log.Named("host")}
		log.Info("demo mode: using simulated MCU")
	} else {
		conn, err := link.Open(cfg.LinkConfig(), log.Named("link"))
		if err != nil {
			return nil, err
		}
		l, b.conn = conn, conn
		opts.Host = cfg.HostControl(log.Named("host"))
	}

	b.eng = engine.New(l, opts)
	return b, nil
}

func (b *bridge) Close() error {
	return b.conn.Close()
}
