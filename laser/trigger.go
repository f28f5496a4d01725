package laser

import (
	"errors"

	"github.com/labcore/scopectl/hwport"
)

// SupportsTrigger returns true if the controller can trigger a camera
func (c *Control) SupportsTrigger() bool {
	return c.cfg.Type == DAQ && c.cfg.TriggerChannel != "" && c.cfg.FireChannel != ""
}

// SetupTriggerChannels configures the trigger output and fire input
func (c *Control) SetupTriggerChannels() error {
	if !c.SupportsTrigger() {
		return ErrTriggerUnsupported
	}
	if err := c.port.ConfigureChannel(c.cfg.TriggerChannel, hwport.Output); err != nil {
		return err
	}
	return c.port.ConfigureChannel(c.cfg.FireChannel, hwport.Input)
}

// SendTrigger pulses the camera trigger and arms the fire read.  A negative
// status means the camera did not acknowledge.
func (c *Control) SendTrigger() (hwport.Status, error) {
	if !c.SupportsTrigger() {
		return hwport.StatusMissed, ErrTriggerUnsupported
	}
	return c.port.SendTrigger(c.cfg.TriggerChannel, c.cfg.FireChannel)
}

// ReadFire reads the camera fire signal in volts
func (c *Control) ReadFire() (float64, error) {
	if !c.SupportsTrigger() {
		return 0, ErrTriggerUnsupported
	}
	return c.port.ReadChannel(c.cfg.FireChannel)
}

// ReleaseTriggerChannels releases the trigger output and fire input.  Both
// are attempted.
func (c *Control) ReleaseTriggerChannels() error {
	if !c.SupportsTrigger() {
		return ErrTriggerUnsupported
	}
	return errors.Join(
		c.port.ConfigureChannel(c.cfg.TriggerChannel, hwport.Released),
		c.port.ConfigureChannel(c.cfg.FireChannel, hwport.Released),
	)
}
