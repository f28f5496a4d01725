package scan

import (
	"fmt"
	"math"
)

// AxisConstraint holds the hardware limits of one scanner axis
type AxisConstraint struct {
	// MinValue and MaxValue bound the reachable position
	MinValue float64 `json:"min_value" yaml:"MinValue"`
	MaxValue float64 `json:"max_value" yaml:"MaxValue"`

	// MinStep is the smallest commandable step
	MinStep float64 `json:"min_step" yaml:"MinStep"`

	// MinResolution and MaxResolution bound the number of points per line.
	// MaxResolution == 0 means unbounded.
	MinResolution int `json:"min_resolution" yaml:"MinResolution"`
	MaxResolution int `json:"max_resolution" yaml:"MaxResolution"`

	Unit string `json:"unit" yaml:"Unit"`
}

// CheckResolution returns an error if n is outside [MinResolution, MaxResolution]
func (a AxisConstraint) CheckResolution(n int) error {
	if n < a.MinResolution {
		return fmt.Errorf("resolution %d below minimum %d", n, a.MinResolution)
	}
	if a.MaxResolution > 0 && n > a.MaxResolution {
		return fmt.Errorf("resolution %d above maximum %d", n, a.MaxResolution)
	}
	return nil
}

// CheckValue returns an error if v is outside [MinValue, MaxValue]
func (a AxisConstraint) CheckValue(v float64) error {
	if math.IsNaN(v) || v < a.MinValue || v > a.MaxValue {
		return fmt.Errorf("%g%s outside [%g, %g]", v, a.Unit, a.MinValue, a.MaxValue)
	}
	return nil
}

// Channel is a data channel produced by the acquisition source
type Channel struct {
	Name string `json:"name" yaml:"Name"`
	Unit string `json:"unit" yaml:"Unit"`
}

// Constraints describe the scanner.  They are fixed for the life of a Machine.
type Constraints struct {
	// AxisNames is the declared order of the axes
	AxisNames []string `json:"axis_names" yaml:"AxisNames"`

	Axes map[string]AxisConstraint `json:"axes" yaml:"Axes"`

	Channels []Channel `json:"channels" yaml:"Channels"`
}

// Axis returns the constraint of a named axis
func (c Constraints) Axis(name string) (AxisConstraint, bool) {
	a, ok := c.Axes[name]
	return a, ok
}

// ChannelNames returns the names of the data channels in declared order
func (c Constraints) ChannelNames() []string {
	out := make([]string, len(c.Channels))
	for i, ch := range c.Channels {
		out[i] = ch.Name
	}
	return out
}

// DefaultConstraints returns the constraints of the simulated confocal rig:
// x, y, z in meters and phi in degrees, each +/- 100 um, with a fluorescence
// (c/s) and an "unfug" (bpm) channel
func DefaultConstraints() Constraints {
	c := Constraints{
		AxisNames: []string{"x", "y", "z", "phi"},
		Axes:      map[string]AxisConstraint{},
		Channels: []Channel{
			{Name: "fluorescence", Unit: "c/s"},
			{Name: "unfug", Unit: "bpm"},
		},
	}
	for _, ax := range c.AxisNames {
		unit := "m"
		if ax == "phi" {
			unit = "°"
		}
		c.Axes[ax] = AxisConstraint{
			MinValue:      -100e-6,
			MaxValue:      100e-6,
			MinStep:       1e-9,
			MinResolution: 2,
			Unit:          unit,
		}
	}
	return c
}
