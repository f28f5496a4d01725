/*Package hwport describes the channel level capability set of a DAQ board.

Channels are named the way the vendor drivers name them, e.g. "/Dev1/AO0" or
"ao0".  A Port does not know what is attached to a channel; the laser and
sequencing code give channels their meaning.

The Mock type simulates a board closely enough to drive the scan, laser and
sequencing code without hardware, including the camera fire acknowledgement
and injected missed triggers.
*/
package hwport

import (
	"errors"
	"fmt"
)

var (
	// ErrDirection is generated when a channel is used against its configured direction
	ErrDirection = errors.New("channel used against its configured direction")

	// ErrNotConfigured is generated when a channel is used before ConfigureChannel
	ErrNotConfigured = errors.New("channel not configured")
)

// Direction is the configured direction of a channel
type Direction int

const (
	// Released channels have no task associated with them
	Released Direction = iota

	// Input channels are read from
	Input

	// Output channels are written to
	Output
)

func (d Direction) String() string {
	switch d {
	case Released:
		return "released"
	case Input:
		return "input"
	case Output:
		return "output"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// Status is the result of a trigger.  Negative values mean the camera did
// not acknowledge the trigger with its fire signal.
type Status int

const (
	// StatusOK means the trigger was acknowledged
	StatusOK Status = 0

	// StatusMissed means the trigger was not acknowledged
	StatusMissed Status = -1
)

// Missed returns true if the trigger was not acknowledged
func (s Status) Missed() bool {
	return s < 0
}

// VoltageSetter can set an analog output voltage
type VoltageSetter interface {
	// SetVoltage writes a voltage to an analog output channel
	SetVoltage(channel string, volts float64) error
}

// Port is the capability set consumed by the control logic.  Each call may
// block briefly while the driver talks to the board.
type Port interface {
	VoltageSetter

	// WriteChannel writes a value to a digital or analog output channel
	WriteChannel(channel string, value float64) error

	// ReadChannel reads the current value of an input channel
	ReadChannel(channel string) (float64, error)

	// SendTrigger pulses the trigger channel 0-1-0 and arms a read of the
	// fire channel.  The returned status is negative if no fire
	// acknowledgement was seen during the pulse.
	SendTrigger(trigger, fire string) (Status, error)

	// ConfigureChannel creates or releases the task behind a channel
	ConfigureChannel(channel string, dir Direction) error
}

// MultiLine is a light source that takes every line's intensity and emission
// state in a single call, like a Lumencor Celesta
type MultiLine interface {
	// SetLines sets the intensity (per mille) and emission state of each line
	SetLines(intensities []float64, on []bool) error
}
