package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// Command names accepted by Execute and Submit.
const (
	CmdFirmware       = "firmware"
	CmdPowerCycle     = "power-cycle"
	CmdPowerOn        = "power-on"
	CmdPowerOff       = "power-off"
	CmdUSBOn          = "usb-on"
	CmdUSBOff         = "usb-off"
	CmdUSBCycle       = "usb-cycle"
	CmdLCDOn          = "lcd-on"
	CmdLCDOff         = "lcd-off"
	CmdLCDCycle       = "lcd-cycle"
	CmdLCDBrightness  = "lcd-brightness"
	CmdLCDAuto        = "lcd-auto"
	CmdFirmwareUpdate = "firmware-update"
	CmdReady          = "ready"
	CmdHostReboot     = "host-reboot"
	CmdPIDs           = "pids"
	CmdPIDAdd         = "pid-add"
	CmdPIDRemove      = "pid-remove"
	CmdPIDClear       = "pid-clear"
)

// CommandNames lists every command name.
func CommandNames() []string {
	return []string{
		CmdFirmware, CmdPowerCycle, CmdPowerOn, CmdPowerOff,
		CmdUSBOn, CmdUSBOff, CmdUSBCycle,
		CmdLCDOn, CmdLCDOff, CmdLCDCycle, CmdLCDBrightness, CmdLCDAuto,
		CmdFirmwareUpdate, CmdReady, CmdHostReboot,
		CmdPIDs, CmdPIDAdd, CmdPIDRemove, CmdPIDClear,
	}
}

// Command is a request to write one command to the MCU.
type Command struct {
	Name  string `json:"name"`
	Value int    `json:"value,omitempty"` // lcd-brightness level
	PIDs  []PID  `json:"pids,omitempty"`  // pids, pid-add, pid-remove
}

// ParseCommand builds a Command from a name and string arguments, as given
// on the command line. PIDs accept decimal or 0x-prefixed hex.
func ParseCommand(name string, args []string) (Command, error) {
	cmd := Command{Name: strings.ToLower(strings.TrimSpace(name))}
	switch cmd.Name {
	case CmdLCDBrightness:
		if len(args) != 1 {
			return cmd, fmt.Errorf("%s takes one value (0-255)", cmd.Name)
		}
		v, err := strconv.ParseUint(args[0], 0, 8)
		if err != nil {
			return cmd, fmt.Errorf("%s: invalid brightness %q", cmd.Name, args[0])
		}
		cmd.Value = int(v)
	case CmdPIDs, CmdPIDAdd, CmdPIDRemove:
		if len(args) == 0 {
			return cmd, fmt.Errorf("%s needs at least one PID", cmd.Name)
		}
		if cmd.Name != CmdPIDs && len(args) != 1 {
			return cmd, fmt.Errorf("%s takes exactly one PID", cmd.Name)
		}
		for _, a := range args {
			v, err := strconv.ParseUint(a, 0, 16)
			if err != nil {
				return cmd, fmt.Errorf("%s: invalid PID %q", cmd.Name, a)
			}
			cmd.PIDs = append(cmd.PIDs, PID(v))
		}
	default:
		for _, n := range CommandNames() {
			if n == cmd.Name {
				return cmd, nil
			}
		}
		return cmd, fmt.Errorf("%w: %q", ErrUnknownCommand, name)
	}
	return cmd, nil
}

// Execute writes cmd on the calling goroutine. Only the goroutine that
// drives Poll may call it; others use Submit.
func (e *Engine) Execute(cmd Command) (Receipt, error) {
	if e.halted.Load() {
		return Receipt{}, ErrHalted
	}
	name := strings.ToLower(cmd.Name)
	switch name {
	case CmdFirmware:
		return e.Power.RequestFirmwareVersion()
	case CmdPowerCycle:
		return e.Power.CyclePower()
	case CmdPowerOn:
		return e.Power.EnablePower()
	case CmdPowerOff:
		return e.Power.DisablePower()
	case CmdUSBOn:
		return e.Power.EnableUSB()
	case CmdUSBOff:
		return e.Power.DisableUSB()
	case CmdUSBCycle:
		return e.Power.CycleUSB()
	case CmdLCDOn:
		return e.Power.EnableLCD()
	case CmdLCDOff:
		return e.Power.DisableLCD()
	case CmdLCDCycle:
		return e.Power.CycleLCD()
	case CmdLCDBrightness:
		if cmd.Value < 0 || cmd.Value > 0xFF {
			return Receipt{}, fmt.Errorf("%w: brightness %d out of range", ErrBadArgument, cmd.Value)
		}
		return e.Power.ForceLCDBrightness(byte(cmd.Value))
	case CmdLCDAuto:
		return e.Power.AutoLCDBrightness()
	case CmdFirmwareUpdate:
		return e.Power.RequestFirmwareUpdateMode()
	case CmdReady:
		return e.Power.SignalReady()
	case CmdHostReboot:
		return e.Power.CycleHostPower()
	case CmdPIDs:
		return e.Stream.RequestSubscription(cmd.PIDs)
	case CmdPIDAdd:
		if len(cmd.PIDs) != 1 {
			return Receipt{}, fmt.Errorf("%w: %s takes exactly one PID", ErrBadArgument, name)
		}
		return e.Stream.AddPID(cmd.PIDs[0])
	case CmdPIDRemove:
		if len(cmd.PIDs) != 1 {
			return Receipt{}, fmt.Errorf("%w: %s takes exactly one PID", ErrBadArgument, name)
		}
		return e.Stream.RemovePID(cmd.PIDs[0])
	case CmdPIDClear:
		return e.Stream.ClearPIDs()
	}
	return Receipt{}, fmt.Errorf("%w: %q", ErrUnknownCommand, cmd.Name)
}
