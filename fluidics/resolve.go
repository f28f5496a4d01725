// Package fluidics controls the odor delivery circuit of the fly arena.
//
// Four mass flow controllers feed the four quadrants of the arena through a
// set of solenoid valves.  An arena configuration (index, flow per quadrant)
// resolves to one setpoint per controller, and the observed valve vector is
// mapped back to the known circuit configuration it represents.
package fluidics

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownConfiguration is returned when a valve vector matches no known configuration
var ErrUnknownConfiguration = errors.New("valve state matches no known circuit configuration")

// Arena configuration indices
const (
	// ArenaOff stops every flow controller
	ArenaOff = 0

	// ArenaSplit feeds quadrants 1/3 from the odor circuit and 2/4 from MFC 4
	ArenaSplit = 1

	// ArenaOdor feeds every quadrant from the odor circuit, MFC 4 is off
	ArenaOdor = 2
)

// Resolution is the controller policy for an arena configuration
type Resolution struct {
	// Setpoints holds one flow in sL/min per mass flow controller
	Setpoints [4]float64 `json:"setpoints"`

	// ValvesEnabled is true when flow runs.  Manual valve changes are
	// refused while it is set.
	ValvesEnabled bool `json:"valves_enabled"`

	// AirFlow is false when the upstream air supply is stopped
	AirFlow bool `json:"air_flow"`

	// ConfigTag is the controller configuration sent with the setpoints
	ConfigTag int `json:"config_tag"`
}

// Resolve returns the setpoints and valve policy for arena configuration
// index with flow sL/min per quadrant
func Resolve(index int, flow float64) Resolution {
	switch {
	case index == ArenaOff || flow == 0:
		return Resolution{}
	case index == ArenaSplit:
		return Resolution{
			Setpoints:     [4]float64{flow, flow, 2 * flow, 2 * flow},
			ValvesEnabled: true,
			AirFlow:       true,
			ConfigTag:     1,
		}
	default:
		return Resolution{
			Setpoints:     [4]float64{2 * flow, 2 * flow, 4 * flow, 0},
			ValvesEnabled: true,
			AirFlow:       true,
			ConfigTag:     2,
		}
	}
}

// DefaultValveNames is the order of the valve vector of the arena circuit
var DefaultValveNames = []string{
	"odor_1", "odor_2", "odor_3", "odor_4",
	"mixing", "switch_purge_arena", "switch_quadrants", "3_way",
}

// ValveTable lists the known circuit configurations.  Configs[i] is a
// vector of 0/1 in the order of Names and Schemes[i] is the display asset
// of configuration i.  Configuration 0 is all-off.
type ValveTable struct {
	Names   []string `json:"names" yaml:"Names"`
	Configs [][]int  `json:"configs" yaml:"Configs"`
	Schemes []string `json:"schemes" yaml:"Schemes"`
}

// DefaultValveTable returns the all-off configuration and the circuit
// configurations set up by UpdateArena: quadrant pairs on separate
// circuits, every quadrant on the odor circuit, and separate circuits
// with the quadrant pairs swapped
func DefaultValveTable() ValveTable {
	return ValveTable{
		Names: append([]string(nil), DefaultValveNames...),
		Configs: [][]int{
			{0, 0, 0, 0, 0, 0, 0, 0},
			{0, 0, 0, 0, 1, 0, 0, 0},
			{0, 0, 0, 0, 1, 0, 0, 1},
			{0, 0, 0, 0, 1, 0, 1, 0},
		},
		Schemes: []string{
			"schemes/all_off.png",
			"schemes/split.png",
			"schemes/all_odor.png",
			"schemes/split_switched.png",
		},
	}
}

// Validate checks that every configuration has one 0/1 entry per valve and
// one scheme, and that configuration 0 is all-off
func (t ValveTable) Validate() error {
	if len(t.Names) == 0 {
		return errors.New("valve table has no valves")
	}
	seen := map[string]bool{}
	for _, n := range t.Names {
		if seen[n] {
			return fmt.Errorf("valve table names %q twice", n)
		}
		seen[n] = true
	}
	if len(t.Configs) == 0 {
		return errors.New("valve table has no configurations")
	}
	if len(t.Schemes) != len(t.Configs) {
		return fmt.Errorf("valve table has %d configurations and %d schemes", len(t.Configs), len(t.Schemes))
	}
	for i, c := range t.Configs {
		if len(c) != len(t.Names) {
			return fmt.Errorf("configuration %d has %d valves, expected %d", i, len(c), len(t.Names))
		}
		for _, v := range c {
			if v != 0 && v != 1 {
				return fmt.Errorf("configuration %d holds %d, valves are 0 or 1", i, v)
			}
			if i == 0 && v != 0 {
				return errors.New("configuration 0 must be all-off")
			}
		}
	}
	return nil
}

// Index returns the position of a valve in the vector
func (t ValveTable) Index(name string) (int, bool) {
	for i, n := range t.Names {
		if n == name {
			return i, true
		}
	}
	return 0, false
}

// Vector converts a valve state to a vector in table order.  Valves
// missing from the state are closed.
func (t ValveTable) Vector(s ValveState) []int {
	out := make([]int, len(t.Names))
	for i, n := range t.Names {
		if s[n] {
			out[i] = 1
		}
	}
	return out
}

// Lookup returns the index of the first configuration equal to state.
// Vectors which match nothing return ErrUnknownConfiguration, never the
// closest configuration.
func (t ValveTable) Lookup(state []int) (int, error) {
	for i, c := range t.Configs {
		if equal(c, state) {
			return i, nil
		}
	}
	return -1, fmt.Errorf("%w: %s", ErrUnknownConfiguration, vecString(state))
}

func equal(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func vecString(v []int) string {
	var b strings.Builder
	for _, x := range v {
		fmt.Fprint(&b, x)
	}
	return b.String()
}

// ValveState maps valve names to open (true) or closed
type ValveState map[string]bool

// Clone returns a copy
func (s ValveState) Clone() ValveState {
	out := make(ValveState, len(s))
	for k, v := range s {
		out[k] = v
	}
	return out
}
