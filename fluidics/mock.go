package fluidics

import (
	"fmt"
	"sync"
)

// MockMFC is a simulated bank of four flow controllers.  Measured rates
// equal the setpoints.
type MockMFC struct {
	sync.Mutex

	// Fail maps a method name to an error it returns
	Fail map[string]error

	setpoints [4]float64
	tag       int
	running   bool
	calls     []string
}

// NewMockMFC returns a stopped MockMFC
func NewMockMFC() *MockMFC {
	return &MockMFC{Fail: map[string]error{}}
}

func (m *MockMFC) call(name string) error {
	m.calls = append(m.calls, name)
	return m.Fail[name]
}

// StartFlow records the setpoints
func (m *MockMFC) StartFlow(setpoints [4]float64, tag int) error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("StartFlow"); err != nil {
		return err
	}
	m.setpoints, m.tag, m.running = setpoints, tag, true
	return nil
}

// StopFlow zeros the setpoints
func (m *MockMFC) StopFlow() error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("StopFlow"); err != nil {
		return err
	}
	m.setpoints, m.tag, m.running = [4]float64{}, 0, false
	return nil
}

// FlowRates returns the setpoints
func (m *MockMFC) FlowRates() ([]float64, error) {
	m.Lock()
	defer m.Unlock()
	if err := m.call("FlowRates"); err != nil {
		return nil, err
	}
	return append([]float64(nil), m.setpoints[:]...), nil
}

// Setpoints returns the last setpoints, tag and whether flow runs
func (m *MockMFC) Setpoints() ([4]float64, int, bool) {
	m.Lock()
	defer m.Unlock()
	return m.setpoints, m.tag, m.running
}

// Calls returns the names of every method called, in order
func (m *MockMFC) Calls() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.calls...)
}

// MockValves is a simulated valve board
type MockValves struct {
	sync.Mutex

	// Fail maps a valve name to an error returned when it is driven
	Fail map[string]error

	names []string
	state ValveState
	log   []string
}

// NewMockValves returns a board with every named valve closed
func NewMockValves(names []string) *MockValves {
	m := &MockValves{Fail: map[string]error{}, names: names, state: ValveState{}}
	for _, n := range names {
		m.state[n] = false
	}
	return m
}

// SetValve drives a valve
func (m *MockValves) SetValve(name string, open bool) error {
	m.Lock()
	defer m.Unlock()
	if _, ok := m.state[name]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownValve, name)
	}
	if err := m.Fail[name]; err != nil {
		return err
	}
	m.state[name] = open
	m.log = append(m.log, fmt.Sprintf("%s=%t", name, open))
	return nil
}

// Valves returns a copy of the valve state
func (m *MockValves) Valves() (ValveState, error) {
	m.Lock()
	defer m.Unlock()
	return m.state.Clone(), nil
}

// Log returns every valve change as name=bool, in order
func (m *MockValves) Log() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.log...)
}
