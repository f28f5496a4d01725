package hwport

import (
	"fmt"
	"sort"
	"sync"
)

// Call is one recorded call against a Mock
type Call struct {
	Op      string
	Channel string
	Value   float64
}

// TriggerRecord describes one SendTrigger call against a Mock
type TriggerRecord struct {
	// N is the 1-based call number
	N int

	// Missed is true if the trigger was reported as missed
	Missed bool

	// Active lists the output channels holding a nonzero value at the time
	// of the trigger, sorted
	Active []string
}

// Mock is a simulated DAQ board
type Mock struct {
	sync.Mutex

	// MissOn holds 1-based SendTrigger call numbers which report StatusMissed
	MissOn map[int]bool

	// FireHighReads is the number of reads of the fire channel that return
	// FireHigh after each trigger, before it drops to FireLow
	FireHighReads int

	// FireHigh and FireLow are the simulated fire signal levels in volts
	FireHigh, FireLow float64

	// Fail maps an operation name ("SetVoltage", "WriteChannel",
	// "ReadChannel", "SendTrigger", "ConfigureChannel") to an error it returns
	Fail map[string]error

	values   map[string]float64
	dirs     map[string]Direction
	fire     map[string]int
	calls    []Call
	triggers []TriggerRecord
	lines    [][]float64
	lineOn   [][]bool
}

// NewMock returns a Mock with a 5 V fire pulse lasting three reads
func NewMock() *Mock {
	return &Mock{
		MissOn:        map[int]bool{},
		FireHighReads: 3,
		FireHigh:      5,
		FireLow:       0,
		Fail:          map[string]error{},
		values:        map[string]float64{},
		dirs:          map[string]Direction{},
		fire:          map[string]int{},
	}
}

func (m *Mock) record(op, ch string, v float64) error {
	m.calls = append(m.calls, Call{Op: op, Channel: ch, Value: v})
	if err, ok := m.Fail[op]; ok && err != nil {
		return err
	}
	return nil
}

func (m *Mock) checkOutput(ch string) error {
	if d, ok := m.dirs[ch]; ok && d == Input {
		return fmt.Errorf("write to %s: %w", ch, ErrDirection)
	}
	return nil
}

// SetVoltage writes a voltage to an analog output
func (m *Mock) SetVoltage(channel string, volts float64) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record("SetVoltage", channel, volts); err != nil {
		return err
	}
	if err := m.checkOutput(channel); err != nil {
		return err
	}
	m.values[channel] = volts
	return nil
}

// WriteChannel writes a value to an output
func (m *Mock) WriteChannel(channel string, value float64) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record("WriteChannel", channel, value); err != nil {
		return err
	}
	if err := m.checkOutput(channel); err != nil {
		return err
	}
	m.values[channel] = value
	return nil
}

// ReadChannel reads a channel.  Fire channels armed by SendTrigger read high
// for FireHighReads calls, then low.  Other channels read back the last
// written value.
func (m *Mock) ReadChannel(channel string) (float64, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.record("ReadChannel", channel, 0); err != nil {
		return 0, err
	}
	if n, ok := m.fire[channel]; ok {
		if n > 0 {
			m.fire[channel] = n - 1
			return m.FireHigh, nil
		}
		return m.FireLow, nil
	}
	return m.values[channel], nil
}

// SendTrigger simulates a trigger pulse and arms the fire channel
func (m *Mock) SendTrigger(trigger, fire string) (Status, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.record("SendTrigger", trigger, 0); err != nil {
		return StatusMissed, err
	}
	if m.dirs[trigger] != Output {
		return StatusMissed, fmt.Errorf("trigger %s: %w", trigger, ErrNotConfigured)
	}
	if m.dirs[fire] != Input {
		return StatusMissed, fmt.Errorf("fire %s: %w", fire, ErrNotConfigured)
	}
	n := len(m.triggers) + 1
	rec := TriggerRecord{N: n, Missed: m.MissOn[n]}
	for ch, v := range m.values {
		if v != 0 && ch != trigger {
			rec.Active = append(rec.Active, ch)
		}
	}
	for i, line := range m.lines {
		if len(m.lineOn) > i {
			for j, on := range m.lineOn[i] {
				if on && line[j] != 0 {
					rec.Active = append(rec.Active, fmt.Sprintf("line%d", j+1))
				}
			}
		}
	}
	sort.Strings(rec.Active)
	m.triggers = append(m.triggers, rec)
	m.fire[fire] = m.FireHighReads
	if rec.Missed {
		return StatusMissed, nil
	}
	return StatusOK, nil
}

// ConfigureChannel sets the direction of a channel.  Releasing a channel
// forgets its value.
func (m *Mock) ConfigureChannel(channel string, dir Direction) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record("ConfigureChannel", channel, float64(dir)); err != nil {
		return err
	}
	if dir == Released {
		delete(m.dirs, channel)
		delete(m.values, channel)
		delete(m.fire, channel)
		return nil
	}
	m.dirs[channel] = dir
	return nil
}

// SetLines records a multi-line update.  Only the most recent update is
// considered active by SendTrigger.
func (m *Mock) SetLines(intensities []float64, on []bool) error {
	m.Lock()
	defer m.Unlock()
	if err := m.record("SetLines", "", float64(len(intensities))); err != nil {
		return err
	}
	if len(intensities) != len(on) {
		return fmt.Errorf("got %d intensities and %d emission states", len(intensities), len(on))
	}
	m.lines = [][]float64{append([]float64(nil), intensities...)}
	m.lineOn = [][]bool{append([]bool(nil), on...)}
	return nil
}

// Value returns the last value written to a channel
func (m *Mock) Value(channel string) float64 {
	m.Lock()
	defer m.Unlock()
	return m.values[channel]
}

// DirectionOf returns the configured direction of a channel
func (m *Mock) DirectionOf(channel string) Direction {
	m.Lock()
	defer m.Unlock()
	return m.dirs[channel]
}

// Lines returns the last multi-line update
func (m *Mock) Lines() ([]float64, []bool) {
	m.Lock()
	defer m.Unlock()
	if len(m.lines) == 0 {
		return nil, nil
	}
	return append([]float64(nil), m.lines[0]...), append([]bool(nil), m.lineOn[0]...)
}

// Calls returns a copy of every recorded call
func (m *Mock) Calls() []Call {
	m.Lock()
	defer m.Unlock()
	return append([]Call(nil), m.calls...)
}

// Triggers returns a copy of the trigger log
func (m *Mock) Triggers() []TriggerRecord {
	m.Lock()
	defer m.Unlock()
	out := make([]TriggerRecord, len(m.triggers))
	for i, t := range m.triggers {
		t.Active = append([]string(nil), t.Active...)
		out[i] = t
	}
	return out
}
