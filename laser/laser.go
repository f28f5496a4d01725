/*Package laser controls the excitation lasers of the microscope.

A Control holds the intensity of every laser line in percent and converts it
into hardware units for the configured controller type:

	daq      voltage = percent * Vmax / 100 on the line's analog output
	fpga     the raw percentage, written to the line's register
	celesta  per mille intensities and an emission vector, set in one call

For DAQ controllers the Control also owns the camera trigger output and the
fire acknowledgement input used by triggered acquisitions.
*/
package laser

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/labcore/scopectl/events"
	"github.com/labcore/scopectl/hwport"
	"go.uber.org/zap"
)

var (
	// ErrUnknownLaser is returned for a label or wavelength not in the line table
	ErrUnknownLaser = errors.New("unknown laser line")

	// ErrIntensityRange is returned for an intensity outside [0, 100] percent
	ErrIntensityRange = errors.New("intensity outside [0, 100] %")

	// ErrTriggerUnsupported is returned by the trigger methods of non-DAQ controllers
	ErrTriggerUnsupported = errors.New("controller type does not support camera triggering")
)

// ControllerType selects the conversion from percent to hardware units
type ControllerType string

const (
	// DAQ drives each line with an analog voltage
	DAQ ControllerType = "daq"

	// FPGA takes the percentage directly
	FPGA ControllerType = "fpga"

	// Celesta is a Lumencor Celesta multi-line source
	Celesta ControllerType = "celesta"
)

// Line describes one laser line
type Line struct {
	// Label is the identifier of the line, e.g. "laser1"
	Label string `json:"label" yaml:"Label"`

	// Wavelength is a display identifier, e.g. "488 nm"
	Wavelength string `json:"wavelength" yaml:"Wavelength"`

	// Channel is the analog output, FPGA register or Celesta address of the line
	Channel string `json:"channel" yaml:"Channel"`

	// VoltageRange is the analog output range of a DAQ line
	VoltageRange [2]float64 `json:"voltage_range" yaml:"VoltageRange"`
}

// Config configures a Control
type Config struct {
	Type  ControllerType `json:"type" yaml:"Type"`
	Lines []Line         `json:"lines" yaml:"Lines"`

	// TriggerChannel is the digital output wired to the camera trigger input
	TriggerChannel string `json:"trigger_channel" yaml:"TriggerChannel"`

	// FireChannel is the analog input wired to the camera fire output
	FireChannel string `json:"fire_channel" yaml:"FireChannel"`
}

// DefaultConfig returns a four line DAQ setup with 0-5 V modulation inputs
func DefaultConfig() Config {
	return Config{
		Type: DAQ,
		Lines: []Line{
			{Label: "laser1", Wavelength: "405 nm", Channel: "/Dev1/AO0", VoltageRange: [2]float64{0, 5}},
			{Label: "laser2", Wavelength: "488 nm", Channel: "/Dev1/AO1", VoltageRange: [2]float64{0, 5}},
			{Label: "laser3", Wavelength: "561 nm", Channel: "/Dev1/AO2", VoltageRange: [2]float64{0, 5}},
			{Label: "laser4", Wavelength: "640 nm", Channel: "/Dev1/AO3", VoltageRange: [2]float64{0, 5}},
		},
		TriggerChannel: "/Dev1/port0/line0",
		FireChannel:    "/Dev1/AI0",
	}
}

// IntensityChanged is published whenever the intensity map or emission state changes
type IntensityChanged struct {
	Intensities map[string]float64 `json:"intensities"`
	Enabled     bool               `json:"enabled"`
}

// Topic satisfies events.Event
func (IntensityChanged) Topic() string { return events.TopicIntensity }

// Control owns the intensity map.  Control is safe for concurrent use.
type Control struct {
	mu        sync.Mutex
	cfg       Config
	port      hwport.Port
	multi     hwport.MultiLine
	intensity map[string]float64
	enabled   bool
	pub       events.Publisher
	log       *zap.Logger
}

// New returns a Control with every intensity at zero.  Celesta controllers
// require a port which also satisfies hwport.MultiLine.
func New(cfg Config, port hwport.Port, pub events.Publisher, log *zap.Logger) (*Control, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if len(cfg.Lines) == 0 {
		return nil, errors.New("laser: no lines configured")
	}
	seen := map[string]bool{}
	for _, l := range cfg.Lines {
		if l.Label == "" {
			return nil, errors.New("laser: line without label")
		}
		if seen[l.Label] {
			return nil, fmt.Errorf("laser: duplicate label %q", l.Label)
		}
		seen[l.Label] = true
	}
	c := &Control{
		cfg:       cfg,
		port:      port,
		intensity: map[string]float64{},
		pub:       events.OrDiscard(pub),
		log:       log.Named("laser"),
	}
	switch cfg.Type {
	case DAQ:
		if cfg.TriggerChannel == "" || cfg.FireChannel == "" {
			log.Warn("DAQ laser controller without trigger or fire channel, triggered acquisition unavailable")
		}
	case FPGA:
	case Celesta:
		multi, ok := port.(hwport.MultiLine)
		if !ok {
			return nil, fmt.Errorf("laser: port %T cannot drive a celesta", port)
		}
		c.multi = multi
	default:
		return nil, fmt.Errorf("laser: controller type %q is not covered", cfg.Type)
	}
	for _, l := range cfg.Lines {
		c.intensity[l.Label] = 0
	}
	return c, nil
}

// Type returns the controller type
func (c *Control) Type() ControllerType {
	return c.cfg.Type
}

// Lines returns the line table
func (c *Control) Lines() []Line {
	return append([]Line(nil), c.cfg.Lines...)
}

func normalize(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, " ", ""))
}

// LabelFor resolves a label or a wavelength identifier ("488 nm", "488nm")
// to the label of a line
func (c *Control) LabelFor(identifier string) (string, error) {
	id := normalize(identifier)
	for _, l := range c.cfg.Lines {
		if normalize(l.Label) == id || (l.Wavelength != "" && normalize(l.Wavelength) == id) {
			return l.Label, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownLaser, identifier)
}

// Intensities returns a snapshot of the intensity map
func (c *Control) Intensities() map[string]float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

func (c *Control) snapshot() map[string]float64 {
	out := make(map[string]float64, len(c.intensity))
	for k, v := range c.intensity {
		out[k] = v
	}
	return out
}

// Enabled returns true while the intensities are applied to the hardware
func (c *Control) Enabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.enabled
}

func (c *Control) publish() {
	c.pub.Publish(IntensityChanged{Intensities: c.snapshot(), Enabled: c.enabled})
}

// SetIntensity sets the intensity of one line in percent.  If the output is
// enabled the new value is applied immediately.
func (c *Control) SetIntensity(label string, pct float64) error {
	if !(pct >= 0 && pct <= 100) {
		return fmt.Errorf("%w: %g", ErrIntensityRange, pct)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.intensity[label]; !ok {
		c.log.Info("specified identifier not available", zap.String("label", label))
		return fmt.Errorf("%w: %q", ErrUnknownLaser, label)
	}
	c.intensity[label] = pct
	var err error
	if c.enabled {
		err = c.apply()
	}
	c.publish()
	return err
}

// ResetIntensities sets every intensity to zero.  The hardware is not
// touched.
func (c *Control) ResetIntensities() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.intensity {
		c.intensity[k] = 0
	}
	c.publish()
}

// Apply writes the intensity map to the hardware and marks the output enabled
func (c *Control) Apply() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = true
	err := c.apply()
	c.publish()
	return err
}

// apply is called with c.mu held
func (c *Control) apply() error {
	var errs []error
	switch c.cfg.Type {
	case DAQ:
		for _, l := range c.cfg.Lines {
			v := DAQVoltage(c.intensity[l.Label], l.VoltageRange[1])
			if err := c.port.SetVoltage(l.Channel, v); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", l.Label, err))
			}
		}
	case FPGA:
		for _, l := range c.cfg.Lines {
			if err := c.port.SetVoltage(l.Channel, c.intensity[l.Label]); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", l.Label, err))
			}
		}
	case Celesta:
		intens, on := CelestaVectors(c.cfg.Lines, c.intensity)
		if err := c.multi.SetLines(intens, on); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Off switches every line off.  The intensity map is kept so output can be
// restarted right away.
func (c *Control) Off() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.enabled = false
	var errs []error
	switch c.cfg.Type {
	case DAQ, FPGA:
		for _, l := range c.cfg.Lines {
			if err := c.port.SetVoltage(l.Channel, 0); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", l.Label, err))
			}
		}
	case Celesta:
		intens, on := CelestaVectors(c.cfg.Lines, c.intensity)
		for i := range on {
			on[i] = false
		}
		if err := c.multi.SetLines(intens, on); err != nil {
			errs = append(errs, err)
		}
	}
	c.publish()
	return errors.Join(errs...)
}

// DAQVoltage converts percent of full scale to volts
func DAQVoltage(pct, vmax float64) float64 {
	return pct * vmax / 100
}

// CelestaVectors converts an intensity map to per mille intensities and
// emission states in line table order.  A line emits when its intensity is
// nonzero.
func CelestaVectors(lines []Line, intensity map[string]float64) ([]float64, []bool) {
	intens := make([]float64, len(lines))
	on := make([]bool, len(lines))
	for i, l := range lines {
		pct := intensity[l.Label]
		intens[i] = pct * 10
		on[i] = pct != 0
	}
	return intens, on
}
