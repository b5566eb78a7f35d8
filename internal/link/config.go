package link

import (
	"fmt"
	"strings"
	"time"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// Config holds the serial parameters for the MCU link. It is fixed for the
// lifetime of a connection.
type Config struct {
	PortPath    string        `yaml:"port_path" json:"portPath"` // e.g. /dev/ttyAMA0, or "auto"
	BaudRate    int           `yaml:"baud_rate" json:"baudRate"`
	Parity      string        `yaml:"parity" json:"parity"` // "none", "odd", "even"
	StopBits    int           `yaml:"stop_bits" json:"stopBits"`
	DataBits    int           `yaml:"data_bits" json:"dataBits"`
	ReadTimeout time.Duration `yaml:"-" json:"-"`
}

const (
	DefaultPortPath    = "/dev/ttyAMA0"
	DefaultBaudRate    = 57600
	DefaultReadTimeout = 5 * time.Second

	// AutoPort selects the first USB serial port found.
	AutoPort = "auto"
)

// DefaultConfig returns the parameters the dashboard MCU firmware uses.
func DefaultConfig() Config {
	return Config{
		PortPath:    DefaultPortPath,
		BaudRate:    DefaultBaudRate,
		Parity:      "none",
		StopBits:    1,
		DataBits:    8,
		ReadTimeout: DefaultReadTimeout,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.PortPath == "" {
		c.PortPath = d.PortPath
	}
	if c.BaudRate == 0 {
		c.BaudRate = d.BaudRate
	}
	if c.Parity == "" {
		c.Parity = d.Parity
	}
	if c.StopBits == 0 {
		c.StopBits = d.StopBits
	}
	if c.DataBits == 0 {
		c.DataBits = d.DataBits
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = d.ReadTimeout
	}
}

// Mode converts the config into a serial.Mode.
func (c Config) Mode() (*serial.Mode, error) {
	c.applyDefaults()
	mode := &serial.Mode{
		BaudRate: c.BaudRate,
		DataBits: c.DataBits,
	}
	switch strings.ToLower(c.Parity) {
	case "none", "n":
		mode.Parity = serial.NoParity
	case "odd", "o":
		mode.Parity = serial.OddParity
	case "even", "e":
		mode.Parity = serial.EvenParity
	default:
		return nil, fmt.Errorf("link: unsupported parity %q", c.Parity)
	}
	switch c.StopBits {
	case 1:
		mode.StopBits = serial.OneStopBit
	case 2:
		mode.StopBits = serial.TwoStopBits
	default:
		return nil, fmt.Errorf("link: unsupported stop bits %d", c.StopBits)
	}
	if c.DataBits < 5 || c.DataBits > 8 {
		return nil, fmt.Errorf("link: unsupported data bits %d", c.DataBits)
	}
	return mode, nil
}

// PortInfo describes a serial port found on the host.
type PortInfo struct {
	Name    string `json:"name"`
	USB     bool   `json:"usb"`
	VID     string `json:"vid,omitempty"`
	PID     string `json:"pid,omitempty"`
	Product string `json:"product,omitempty"`
}

// ListPorts enumerates serial ports on the host.
func ListPorts() ([]PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, fmt.Errorf("link: enumerate ports: %w", err)
	}
	out := make([]PortInfo, 0, len(ports))
	for _, p := range ports {
		out = append(out, PortInfo{
			Name:    p.Name,
			USB:     p.IsUSB,
			VID:     p.VID,
			PID:     p.PID,
			Product: p.Product,
		})
	}
	return out, nil
}

// resolvePort maps "auto" onto the first USB serial port.
func resolvePort(path string) (string, error) {
	if path != AutoPort {
		return path, nil
	}
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	for _, p := range ports {
		if p.USB {
			return p.Name, nil
		}
	}
	return "", fmt.Errorf("link: no USB serial ports found")
}
