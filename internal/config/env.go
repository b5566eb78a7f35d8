package config

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// envVar binds one environment variable to a config field.
type envVar struct {
	name string
	set  func(c *Config, v string)
}

func intVar(dst func(*Config) *int) func(*Config, string) {
	return func(c *Config, v string) {
		if n, err := strconv.Atoi(v); err == nil {
			*dst(c) = n
		}
	}
}

func boolVar(dst func(*Config) *bool) func(*Config, string) {
	return func(c *Config, v string) {
		switch strings.ToLower(v) {
		case "1", "true", "yes", "on":
			*dst(c) = true
		case "0", "false", "no", "off":
			*dst(c) = false
		}
	}
}

func stringVar(dst func(*Config) *string) func(*Config, string) {
	return func(c *Config, v string) { *dst(c) = v }
}

var envVars = []envVar{
	{"LINK_PORT", stringVar(func(c *Config) *string { return &c.Link.PortPath })},
	{"LINK_BAUD", intVar(func(c *Config) *int { return &c.Link.BaudRate })},
	{"LINK_TIMEOUT_MS", intVar(func(c *Config) *int { return &c.Link.ReadTimeoutMs })},
	{"FIRMWARE_VERSION", stringVar(func(c *Config) *string { return &c.Handshake.FirmwareVersion })},
	{"HANDSHAKE_MAX_ATTEMPTS", intVar(func(c *Config) *int { return &c.Handshake.MaxAttempts })},
	{"LISTEN_ADDR", stringVar(func(c *Config) *string { return &c.Server.ListenAddr })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_FORMAT", stringVar(func(c *Config) *string { return &c.Logging.Format })},
	{"DATALOG_ENABLED", boolVar(func(c *Config) *bool { return &c.Datalog.Enabled })},
	{"DATALOG_PATH", stringVar(func(c *Config) *string { return &c.Datalog.Path })},
	{"HOST_DRY_RUN", boolVar(func(c *Config) *bool { return &c.Host.DryRun })},
}

// applyEnv overrides fields from non-empty environment variables.
func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	for _, ev := range envVars {
		if v, ok := lookup(ev.name); ok && v != "" {
			ev.set(c, v)
		}
	}
}

// loadEnvFile exports KEY=VALUE pairs from path into the process
// environment. Non-empty variables already set win over the file.
func loadEnvFile(path string, log *zap.Logger) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()
	log.Info("loading .env", zap.String("path", path))

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		text := strings.TrimSpace(sc.Text())
		if text == "" || text[0] == '#' {
			continue
		}
		text = strings.TrimPrefix(text, "export ")
		key, val, ok := strings.Cut(text, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		if os.Getenv(key) != "" {
			continue
		}
		os.Setenv(key, strings.Trim(strings.TrimSpace(val), `"'`))
	}
}
