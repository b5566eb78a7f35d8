package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/shaunagostinho/dashbridge/internal/protocol"
)

// Power issues the MCU's power, USB and LCD lifecycle commands and handles
// MCU-initiated shutdown.
type Power struct {
	tx   *sender
	host HostControl
}

func newPower(tx *sender, host HostControl) *Power {
	if host == nil {
		host = DryRunHost{Log: tx.log}
	}
	return &Power{tx: tx, host: host}
}

func (p *Power) RequestFirmwareVersion() (Receipt, error) {
	return p.tx.send(protocol.FirmwareReq, nil, "firmware request")
}

// CyclePower asks the MCU to power cycle the system.
func (p *Power) CyclePower() (Receipt, error) {
	return p.tx.send(protocol.PowerCycle, nil, "power cycle")
}

func (p *Power) EnablePower() (Receipt, error) {
	return p.tx.send(protocol.PowerEnable, nil, "power enable")
}

func (p *Power) DisablePower() (Receipt, error) {
	return p.tx.send(protocol.PowerDisable, nil, "power disable")
}

func (p *Power) EnableUSB() (Receipt, error) {
	return p.tx.send(protocol.USBEnable, nil, "USB enable")
}

func (p *Power) DisableUSB() (Receipt, error) {
	return p.tx.send(protocol.USBDisable, nil, "USB disable")
}

func (p *Power) CycleUSB() (Receipt, error) {
	return p.tx.send(protocol.USBPowerCycle, nil, "USB power cycle")
}

func (p *Power) EnableLCD() (Receipt, error) {
	return p.tx.send(protocol.LCDEnable, nil, "LCD enable")
}

func (p *Power) DisableLCD() (Receipt, error) {
	return p.tx.send(protocol.LCDDisable, nil, "LCD disable")
}

func (p *Power) CycleLCD() (Receipt, error) {
	return p.tx.send(protocol.LCDPowerCycle, nil, "LCD power cycle")
}

// ForceLCDBrightness overrides the automatic backlight until
// AutoLCDBrightness or an MCU reset.
func (p *Power) ForceLCDBrightness(value byte) (Receipt, error) {
	return p.tx.send(protocol.LCDForceBrightness, []byte{value}, fmt.Sprintf("LCD brightness %d", value))
}

func (p *Power) AutoLCDBrightness() (Receipt, error) {
	return p.tx.send(protocol.LCDAutoBrightness, nil, "LCD auto brightness")
}

// RequestFirmwareUpdateMode places the MCU in its bootloader.
func (p *Power) RequestFirmwareUpdateMode() (Receipt, error) {
	return p.tx.send(protocol.FirmwareUpdate, nil, "firmware update mode")
}

// SignalReady tells the MCU the dashboard is up.
func (p *Power) SignalReady() (Receipt, error) {
	return p.tx.send(protocol.SysReady, nil, "system ready")
}

// CycleHostPower reboots the host itself, as opposed to CyclePower which
// cycles the rail through the MCU.
func (p *Power) CycleHostPower() (Receipt, error) {
	r := Receipt{Command: "HOST_REBOOT"}
	if err := p.host.Reboot(); err != nil {
		r.Message = fmt.Sprintf("host reboot failed: %v", err)
		p.tx.log.Error(r.Message)
		return r, err
	}
	r.Message = "host reboot issued"
	return r, nil
}

// OnShutdownRequest handles POWER_DISABLE from the MCU: acknowledge, then
// shut the host down. Nothing is written to the link afterwards.
func (p *Power) OnShutdownRequest(f protocol.Frame) error {
	p.tx.log.Warn("shutdown received", zap.Stringer("frame", f))
	p.tx.ack()
	if err := p.host.Shutdown(); err != nil {
		p.tx.log.Error("host shutdown failed", zap.Error(err))
		return err
	}
	return nil
}
