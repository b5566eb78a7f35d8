package engine

import (
	"fmt"
	"os/exec"
	"strings"

	"go.uber.org/zap"
)

// HostControl is the host operating system's power interface.
type HostControl interface {
	Shutdown() error
	Reboot() error
}

var (
	DefaultShutdownCmd = []string{"sudo", "nohup", "shutdown", "-h", "now"}
	DefaultRebootCmd   = []string{"sudo", "reboot"}
)

// SystemHost runs host power commands as child processes.
type SystemHost struct {
	ShutdownCmd []string
	RebootCmd   []string
	Log         *zap.Logger
}

func (h SystemHost) Shutdown() error {
	return h.run("shutdown", h.ShutdownCmd, DefaultShutdownCmd)
}

func (h SystemHost) Reboot() error {
	return h.run("reboot", h.RebootCmd, DefaultRebootCmd)
}

func (h SystemHost) run(what string, argv, fallback []string) error {
	if len(argv) == 0 {
		argv = fallback
	}
	if h.Log != nil {
		h.Log.Warn("invoking host "+what, zap.String("cmd", strings.Join(argv, " ")))
	}
	out, err := exec.Command(argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("host %s %q: %w: %s", what, strings.Join(argv, " "), err, strings.TrimSpace(string(out)))
	}
	return nil
}

// DryRunHost logs power requests instead of acting on them.
type DryRunHost struct {
	Log *zap.Logger
}

func (h DryRunHost) Shutdown() error {
	if h.Log != nil {
		h.Log.Warn("host shutdown requested (dry run)")
	}
	return nil
}

func (h DryRunHost) Reboot() error {
	if h.Log != nil {
		h.Log.Warn("host reboot requested (dry run)")
	}
	return nil
}
