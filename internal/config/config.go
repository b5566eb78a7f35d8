// Package config loads the dashbridge YAML configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/dashbridge/internal/datalog"
	"github.com/shaunagostinho/dashbridge/internal/engine"
	"github.com/shaunagostinho/dashbridge/internal/link"
	"github.com/shaunagostinho/dashbridge/internal/logging"
)

// DefaultPath is used by Save when no file was loaded.
const DefaultPath = "/etc/dashbridge/config.yaml"

// Config holds all bridge configuration.
type Config struct {
	mu sync.RWMutex

	// Serial link to the MCU
	Link LinkConfig `yaml:"link" json:"link"`

	// Firmware check at startup
	Handshake HandshakeConfig `yaml:"handshake" json:"handshake"`

	// PID subscription
	Stream StreamConfig `yaml:"stream" json:"stream"`

	// Host power control
	Host HostConfig `yaml:"host" json:"host"`

	Logging logging.Config `yaml:"logging" json:"logging"`
	Datalog datalog.Config `yaml:"datalog" json:"datalog"`
	Server  ServerConfig   `yaml:"server" json:"server"`

	path string // file path for save/load
}

type LinkConfig struct {
	link.Config   `yaml:",inline"`
	ReadTimeoutMs int `yaml:"read_timeout_ms" json:"readTimeoutMs"`
}

type HandshakeConfig struct {
	FirmwareVersion   string `yaml:"firmware_version" json:"firmwareVersion"`
	MaxAttempts       int    `yaml:"max_attempts" json:"maxAttempts"`
	RetryDelayMs      int    `yaml:"retry_delay_ms" json:"retryDelayMs"`
	ResponseTimeoutMs int    `yaml:"response_timeout_ms" json:"responseTimeoutMs"`
}

type StreamConfig struct {
	Channels      int          `yaml:"channels" json:"channels"`
	PIDs          []engine.PID `yaml:"pids" json:"pids"` // e.g. [0x0C, 0x0D]
	AnnounceReady bool         `yaml:"announce_ready" json:"announceReady"`
}

type HostConfig struct {
	ShutdownCmd []string `yaml:"shutdown_cmd" json:"shutdownCmd"`
	RebootCmd   []string `yaml:"reboot_cmd" json:"rebootCmd"`
	DryRun      bool     `yaml:"dry_run" json:"dryRun"` // log instead of powering off
}

type ServerConfig struct {
	ListenAddr   string  `yaml:"listen_addr" json:"listenAddr"`
	PollHz       int     `yaml:"poll_hz" json:"pollHz"` // websocket broadcast rate
	CommandRate  float64 `yaml:"command_rate" json:"commandRate"`
	CommandBurst int     `yaml:"command_burst" json:"commandBurst"`
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	lc := link.DefaultConfig()
	return &Config{
		Link: LinkConfig{
			Config:        lc,
			ReadTimeoutMs: int(lc.ReadTimeout / time.Millisecond),
		},
		Handshake: HandshakeConfig{
			FirmwareVersion:   engine.DefaultFirmwareVersion,
			MaxAttempts:       engine.DefaultMaxAttempts,
			RetryDelayMs:      int(engine.DefaultRetryDelay / time.Millisecond),
			ResponseTimeoutMs: 0,
		},
		Stream: StreamConfig{
			Channels:      engine.DefaultChannels,
			PIDs:          nil,
			AnnounceReady: false,
		},
		Host: HostConfig{
			ShutdownCmd: engine.DefaultShutdownCmd,
			RebootCmd:   engine.DefaultRebootCmd,
			DryRun:      false,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
		Datalog: datalog.Config{
			Enabled:    false,
			Path:       datalog.DefaultPath,
			IntervalMs: 100,
		},
		Server: ServerConfig{
			ListenAddr:   ":8080",
			PollHz:       20,
			CommandRate:  5,
			CommandBurst: 10,
		},
	}
}

// LoadConfig reads config from a YAML file, then applies .env and environment
// variable overrides. Falls back to defaults if YAML not found.
func LoadConfig(path string, log *zap.Logger) *Config {
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("config")

	cfg := DefaultConfig()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Info("no config file, using defaults", zap.String("path", path))
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		log.Warn("error parsing config, using defaults", zap.String("path", path), zap.Error(err))
		cfg = DefaultConfig()
		cfg.path = path
	} else {
		log.Info("loaded config", zap.String("path", path))
	}

	for _, ep := range []string{filepath.Join(filepath.Dir(path), ".env"), ".env"} {
		loadEnvFile(ep, log)
	}
	cfg.applyEnv(os.LookupEnv)
	return cfg
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string { return c.path }

// LinkConfig returns the serial link parameters.
func (c *Config) LinkConfig() link.Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	lc := c.Link.Config
	lc.ReadTimeout = time.Duration(c.Link.ReadTimeoutMs) * time.Millisecond
	return lc
}

// EngineOptions returns the engine options without logger, metrics or host.
func (c *Config) EngineOptions() engine.Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return engine.Options{
		Channels: c.Stream.Channels,
		Handshake: engine.HandshakeConfig{
			ExpectedVersion: c.Handshake.FirmwareVersion,
			RetryDelay:      time.Duration(c.Handshake.RetryDelayMs) * time.Millisecond,
			MaxAttempts:     c.Handshake.MaxAttempts,
			ResponseTimeout: time.Duration(c.Handshake.ResponseTimeoutMs) * time.Millisecond,
		},
		PIDs:          append([]engine.PID(nil), c.Stream.PIDs...),
		AnnounceReady: c.Stream.AnnounceReady,
	}
}

// HostControl returns the host power interface for this config.
func (c *Config) HostControl(log *zap.Logger) engine.HostControl {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.Host.DryRun {
		return engine.DryRunHost{Log: log}
	}
	return engine.SystemHost{ShutdownCmd: c.Host.ShutdownCmd, RebootCmd: c.Host.RebootCmd, Log: log}
}

// Snapshot returns a copy of the server and datalog sections.
func (c *Config) Snapshot() (ServerConfig, datalog.Config) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Server, c.Datalog
}

// Save writes the config to its YAML file.
func (c *Config) Save() error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	path := c.path
	if path == "" {
		path = DefaultPath
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON merges a partial JSON document into the config. Objects
// merge key by key; any other value replaces what was there. The host
// section is ignored so remote callers cannot change the power commands.
func (c *Config) UpdateFromJSON(data []byte) error {
	var patch map[string]any
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("config: bad patch: %w", err)
	}
	delete(patch, "host")

	c.mu.Lock()
	defer c.mu.Unlock()

	tree, err := toTree(c)
	if err != nil {
		return err
	}
	mergeTree(tree, patch)
	merged, err := json.Marshal(tree)
	if err != nil {
		return fmt.Errorf("config: encode merged: %w", err)
	}
	return json.Unmarshal(merged, c)
}

func toTree(v any) (map[string]any, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("config: encode: %w", err)
	}
	var tree map[string]any
	if err := json.Unmarshal(raw, &tree); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	return tree, nil
}

func mergeTree(dst, src map[string]any) {
	for k, v := range src {
		sub, isObj := v.(map[string]any)
		cur, hasObj := dst[k].(map[string]any)
		if isObj && hasObj {
			mergeTree(cur, sub)
		} else {
			dst[k] = v
		}
	}
}
