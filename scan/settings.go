package scan

import (
	"errors"
	"fmt"
)

// ErrInvalidSettings is wrapped by every settings validation error
var ErrInvalidSettings = errors.New("invalid settings")

// ValidationError names the offending field of a rejected settings update
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Unwrap allows errors.Is(err, ErrInvalidSettings)
func (e *ValidationError) Unwrap() error {
	return ErrInvalidSettings
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// AxisPair is a (fast, slow) pair of axis names
type AxisPair [2]string

// Fast returns the axis swept within a line
func (p AxisPair) Fast() string { return p[0] }

// Slow returns the axis advanced once per line
func (p AxisPair) Slow() string { return p[1] }

func (p AxisPair) String() string {
	return p[0] + p[1]
}

// Settings is the scan geometry
type Settings struct {
	ScanAxes            []AxisPair            `json:"scan_axes" yaml:"ScanAxes"`
	PixelClockFrequency float64               `json:"pixel_clock_frequency" yaml:"PixelClockFrequency"`
	BackscanPoints      int                   `json:"backscan_points" yaml:"BackscanPoints"`
	Resolution          map[string]int        `json:"resolution" yaml:"Resolution"`
	Range               map[string][2]float64 `json:"range" yaml:"Range"`
}

// DefaultSettings returns every pair of axes in declared order, a 1 kHz
// pixel clock, 50 backscan points, 100 points per axis and the full range
// of each axis
func DefaultSettings(c Constraints) Settings {
	s := Settings{
		PixelClockFrequency: 1000,
		BackscanPoints:      50,
		Resolution:          map[string]int{},
		Range:               map[string][2]float64{},
	}
	for i, a := range c.AxisNames {
		for _, b := range c.AxisNames[i+1:] {
			s.ScanAxes = append(s.ScanAxes, AxisPair{a, b})
		}
		ac := c.Axes[a]
		res := 100
		if res < ac.MinResolution {
			res = ac.MinResolution
		}
		if ac.MaxResolution > 0 && res > ac.MaxResolution {
			res = ac.MaxResolution
		}
		s.Resolution[a] = res
		s.Range[a] = [2]float64{ac.MinValue, ac.MaxValue}
	}
	return s
}

// Clone returns a deep copy
func (s Settings) Clone() Settings {
	out := s
	out.ScanAxes = append([]AxisPair(nil), s.ScanAxes...)
	out.Resolution = make(map[string]int, len(s.Resolution))
	for k, v := range s.Resolution {
		out.Resolution[k] = v
	}
	out.Range = make(map[string][2]float64, len(s.Range))
	for k, v := range s.Range {
		out.Range[k] = v
	}
	return out
}

// HasAxes returns true if p is one of the configured scan axes
func (s Settings) HasAxes(p AxisPair) bool {
	for _, a := range s.ScanAxes {
		if a == p {
			return true
		}
	}
	return false
}

// SettingsUpdate is a partial update of Settings.  Nil / empty fields are
// left untouched.  Resolution and Range are merged per axis.
type SettingsUpdate struct {
	ScanAxes            []AxisPair            `json:"scan_axes,omitempty"`
	PixelClockFrequency *float64              `json:"pixel_clock_frequency,omitempty"`
	BackscanPoints      *int                  `json:"backscan_points,omitempty"`
	Resolution          map[string]int        `json:"resolution,omitempty"`
	Range               map[string][2]float64 `json:"range,omitempty"`
}

// Validate checks every provided field against the constraints
func (u SettingsUpdate) Validate(c Constraints) error {
	for _, p := range u.ScanAxes {
		if p[0] == p[1] {
			return invalid("scan_axes", "axis pair %v repeats an axis", p)
		}
		for _, ax := range p {
			if _, ok := c.Axes[ax]; !ok {
				return invalid("scan_axes", "axis %q is no valid axis for the scanner", ax)
			}
		}
	}
	if u.PixelClockFrequency != nil && !(*u.PixelClockFrequency >= 1) {
		return invalid("pixel_clock_frequency", "must be >= 1, got %g", *u.PixelClockFrequency)
	}
	if u.BackscanPoints != nil && *u.BackscanPoints < 1 {
		return invalid("backscan_points", "must be >= 1, got %d", *u.BackscanPoints)
	}
	for ax, res := range u.Resolution {
		ac, ok := c.Axes[ax]
		if !ok {
			return invalid("resolution", "axis %q is no valid axis for the scanner", ax)
		}
		if err := ac.CheckResolution(res); err != nil {
			return invalid("resolution", "axis %s: %v", ax, err)
		}
	}
	for ax, rng := range u.Range {
		ac, ok := c.Axes[ax]
		if !ok {
			return invalid("range", "axis %q is no valid axis for the scanner", ax)
		}
		if !(rng[0] < rng[1]) {
			return invalid("range", "axis %s: min %g not below max %g", ax, rng[0], rng[1])
		}
		if err := ac.CheckValue(rng[0]); err != nil {
			return invalid("range", "axis %s: %v", ax, err)
		}
		if err := ac.CheckValue(rng[1]); err != nil {
			return invalid("range", "axis %s: %v", ax, err)
		}
	}
	return nil
}

// Merge returns s with u applied.  It does not validate.
func (s Settings) Merge(u SettingsUpdate) Settings {
	out := s.Clone()
	if len(u.ScanAxes) > 0 {
		out.ScanAxes = append([]AxisPair(nil), u.ScanAxes...)
	}
	if u.PixelClockFrequency != nil {
		out.PixelClockFrequency = *u.PixelClockFrequency
	}
	if u.BackscanPoints != nil {
		out.BackscanPoints = *u.BackscanPoints
	}
	for k, v := range u.Resolution {
		out.Resolution[k] = v
	}
	for k, v := range u.Range {
		out.Range[k] = v
	}
	return out
}

// OptimizerAxis is the optimizer geometry of one axis.  Range is the full
// width of the sweep centered on the current target.
type OptimizerAxis struct {
	Resolution int     `json:"resolution" yaml:"Resolution"`
	Range      float64 `json:"range" yaml:"Range"`
}

// OptimizerSettings configures the position optimizer
type OptimizerSettings struct {
	// SettleTime is in seconds
	SettleTime     float64                  `json:"settle_time" yaml:"SettleTime"`
	PixelClock     float64                  `json:"pixel_clock" yaml:"PixelClock"`
	BackscanPoints int                      `json:"backscan_points" yaml:"BackscanPoints"`
	Sequence       []string                 `json:"sequence" yaml:"Sequence"`
	Axes           map[string]OptimizerAxis `json:"axes" yaml:"Axes"`
}

// DefaultOptimizerSettings returns a 0.1 s settle, 50 Hz clock, 20 backscan
// points, an xy then z sequence and 15 points over 1 um on every axis
func DefaultOptimizerSettings(c Constraints) OptimizerSettings {
	o := OptimizerSettings{
		SettleTime:     0.1,
		PixelClock:     50,
		BackscanPoints: 20,
		Sequence:       []string{"xy", "z"},
		Axes:           map[string]OptimizerAxis{},
	}
	for _, ax := range c.AxisNames {
		o.Axes[ax] = OptimizerAxis{Resolution: 15, Range: 1e-6}
	}
	return o
}

// Clone returns a deep copy
func (o OptimizerSettings) Clone() OptimizerSettings {
	out := o
	out.Sequence = append([]string(nil), o.Sequence...)
	out.Axes = make(map[string]OptimizerAxis, len(o.Axes))
	for k, v := range o.Axes {
		out.Axes[k] = v
	}
	return out
}

// OptimizerUpdate is a partial update of OptimizerSettings
type OptimizerUpdate struct {
	SettleTime     *float64                 `json:"settle_time,omitempty"`
	PixelClock     *float64                 `json:"pixel_clock,omitempty"`
	BackscanPoints *int                     `json:"backscan_points,omitempty"`
	Sequence       []string                 `json:"sequence,omitempty"`
	Axes           map[string]OptimizerAxis `json:"axes,omitempty"`
}

// Validate checks every provided field against the constraints
func (u OptimizerUpdate) Validate(c Constraints) error {
	if u.SettleTime != nil && !(*u.SettleTime >= 0) {
		return invalid("settle_time", "must be >= 0, got %g", *u.SettleTime)
	}
	if u.PixelClock != nil && !(*u.PixelClock >= 1) {
		return invalid("pixel_clock", "must be >= 1, got %g", *u.PixelClock)
	}
	if u.BackscanPoints != nil && *u.BackscanPoints < 1 {
		return invalid("backscan_points", "must be >= 1, got %d", *u.BackscanPoints)
	}
	for _, step := range u.Sequence {
		if step == "" {
			return invalid("sequence", "empty step")
		}
		// a step is either one axis name or a run of single letter axes
		if _, ok := c.Axes[step]; ok {
			continue
		}
		for _, r := range step {
			if _, ok := c.Axes[string(r)]; !ok {
				return invalid("sequence", "step %q names an unknown axis", step)
			}
		}
	}
	for ax, oa := range u.Axes {
		ac, ok := c.Axes[ax]
		if !ok {
			return invalid("axes", "axis %q is no valid axis for the scanner", ax)
		}
		if err := ac.CheckResolution(oa.Resolution); err != nil {
			return invalid("axes", "axis %s: %v", ax, err)
		}
		if !(oa.Range > 0) || oa.Range > ac.MaxValue-ac.MinValue {
			return invalid("axes", "axis %s: range %g outside (0, %g]", ax, oa.Range, ac.MaxValue-ac.MinValue)
		}
	}
	return nil
}

// Merge returns o with u applied.  It does not validate.
func (o OptimizerSettings) Merge(u OptimizerUpdate) OptimizerSettings {
	out := o.Clone()
	if u.SettleTime != nil {
		out.SettleTime = *u.SettleTime
	}
	if u.PixelClock != nil {
		out.PixelClock = *u.PixelClock
	}
	if u.BackscanPoints != nil {
		out.BackscanPoints = *u.BackscanPoints
	}
	if len(u.Sequence) > 0 {
		out.Sequence = append([]string(nil), u.Sequence...)
	}
	for k, v := range u.Axes {
		out.Axes[k] = v
	}
	return out
}
