package protocol

import (
	"fmt"
	"strings"
)

// Opcode is the one-byte command code at offset 2 of every frame.
type Opcode byte

const (
	Reserved           Opcode = 0x00 // Reserved
	Ack                Opcode = 0x01 // Positive acknowledgment
	Nack               Opcode = 0x02 // Negative acknowledgment
	Heartbeat          Opcode = 0x03 // Heartbeat
	SysReady           Opcode = 0x04 // System ready (GUI)
	PIDStreamNew       Opcode = 0x05 // Clear current PID request and add new PID(s)
	PIDStreamAdd       Opcode = 0x06 // Add PID request to current stream
	PIDStreamRemove    Opcode = 0x07 // Remove PID request from current stream
	PIDStreamClear     Opcode = 0x08 // Clear all PID requests from current stream
	PIDStreamReport    Opcode = 0x09 // Report PID data
	LCDEnable          Opcode = 0x0A // Enable the LCD display
	LCDDisable         Opcode = 0x0B // Disable the LCD display
	LCDPowerCycle      Opcode = 0x0C // Power cycle the LCD display
	LCDForceBrightness Opcode = 0x0D // Force an LCD brightness (volatile)
	LCDAutoBrightness  Opcode = 0x0E // Re-enable standard LCD brightness control
	USBEnable          Opcode = 0x0F // Enable the USB power
	USBDisable         Opcode = 0x10 // Disable the USB power
	USBPowerCycle      Opcode = 0x11 // Power cycle the USB power
	PowerEnable        Opcode = 0x12 // Enable power
	PowerDisable       Opcode = 0x13 // Disable power
	PowerCycle         Opcode = 0x14 // Power cycle
	FirmwareReq        Opcode = 0x15 // Request firmware version
	FirmwareReport     Opcode = 0x16 // Report firmware version
	FirmwareUpdate     Opcode = 0x17 // Place device in firmware update mode
)

var opcodeNames = [...]string{
	Reserved:           "RESERVED",
	Ack:                "ACK",
	Nack:               "NACK",
	Heartbeat:          "HEARTBEAT",
	SysReady:           "SYS_READY",
	PIDStreamNew:       "PID_STREAM_NEW",
	PIDStreamAdd:       "PID_STREAM_ADD",
	PIDStreamRemove:    "PID_STREAM_REMOVE",
	PIDStreamClear:     "PID_STREAM_CLEAR",
	PIDStreamReport:    "PID_STREAM_REPORT",
	LCDEnable:          "LCD_ENABLE",
	LCDDisable:         "LCD_DISABLE",
	LCDPowerCycle:      "LCD_POWER_CYCLE",
	LCDForceBrightness: "LCD_FORCE_BRIGHTNESS",
	LCDAutoBrightness:  "LCD_AUTO_BRIGHTNESS",
	USBEnable:          "USB_ENABLE",
	USBDisable:         "USB_DISABLE",
	USBPowerCycle:      "USB_POWER_CYCLE",
	PowerEnable:        "POWER_ENABLE",
	PowerDisable:       "POWER_DISABLE",
	PowerCycle:         "POWER_CYCLE",
	FirmwareReq:        "FIRMWARE_REQ",
	FirmwareReport:     "FIRMWARE_REPORT",
	FirmwareUpdate:     "FIRMWARE_UPDATE",
}

// Known reports whether the byte is one of the defined opcodes.
func (o Opcode) Known() bool {
	return int(o) < len(opcodeNames)
}

func (o Opcode) String() string {
	if o.Known() {
		return opcodeNames[o]
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(o))
}

// Opcodes returns the closed opcode set in wire order.
func Opcodes() []Opcode {
	ops := make([]Opcode, len(opcodeNames))
	for i := range ops {
		ops[i] = Opcode(i)
	}
	return ops
}

// ParseOpcode looks an opcode up by symbolic name. Matching is
// case-insensitive and the firmware's "KE_" prefix is optional.
func ParseOpcode(name string) (Opcode, error) {
	n := strings.ToUpper(strings.TrimSpace(name))
	n = strings.TrimPrefix(n, "KE_")
	for i, s := range opcodeNames {
		if s == n {
			return Opcode(i), nil
		}
	}
	return 0, fmt.Errorf("protocol: unknown opcode %q", name)
}
