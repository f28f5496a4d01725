package camera

import (
	"errors"
	"fmt"
	"sync"
)

// MockState is the configuration held by a Mock
type MockState struct {
	Mode         AcquisitionMode
	Trigger      TriggerMode
	Gain         int
	Exposure     float64
	Kinetics     int
	Spooling     bool
	SpoolPath    string
	SpoolFormat  FileFormat
	ShutterOpen  bool
	Acquiring    bool
	Live, Saving bool
}

// Mock is a simulated camera recording every call
type Mock struct {
	sync.Mutex

	// Fail maps a method name to an error it returns
	Fail map[string]error

	state MockState
	calls []string
}

// NewMock returns an idle Mock in run till abort mode with internal triggering
func NewMock() *Mock {
	return &Mock{
		Fail:  map[string]error{},
		state: MockState{Mode: RunTillAbort, Trigger: Internal, Exposure: 0.1},
	}
}

func (m *Mock) call(name string) error {
	m.calls = append(m.calls, name)
	if err, ok := m.Fail[name]; ok {
		return err
	}
	return nil
}

// SetLive simulates the live mode of a GUI
func (m *Mock) SetLive(b bool) {
	m.Lock()
	defer m.Unlock()
	m.state.Live = b
}

// SetSaving simulates a recording in progress
func (m *Mock) SetSaving(b bool) {
	m.Lock()
	defer m.Unlock()
	m.state.Saving = b
}

// Live returns the simulated live state
func (m *Mock) Live() bool {
	m.Lock()
	defer m.Unlock()
	return m.state.Live
}

// Saving returns the simulated saving state
func (m *Mock) Saving() bool {
	m.Lock()
	defer m.Unlock()
	return m.state.Saving
}

// AbortAcquisition stops the acquisition
func (m *Mock) AbortAcquisition() error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("AbortAcquisition"); err != nil {
		return err
	}
	m.state.Acquiring = false
	return nil
}

// SetAcquisitionMode sets the mode
func (m *Mock) SetAcquisitionMode(mode AcquisitionMode) error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("SetAcquisitionMode"); err != nil {
		return err
	}
	m.state.Mode = mode
	return nil
}

// SetTriggerMode sets the trigger source
func (m *Mock) SetTriggerMode(t TriggerMode) error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("SetTriggerMode"); err != nil {
		return err
	}
	m.state.Trigger = t
	return nil
}

// SetGain sets the gain
func (m *Mock) SetGain(g int) error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("SetGain"); err != nil {
		return err
	}
	if g < 0 {
		return fmt.Errorf("gain %d is negative", g)
	}
	m.state.Gain = g
	return nil
}

// SetExposure sets the exposure time
func (m *Mock) SetExposure(s float64) error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("SetExposure"); err != nil {
		return err
	}
	if !(s > 0) {
		return fmt.Errorf("exposure %g s is not positive", s)
	}
	m.state.Exposure = s
	return nil
}

// SetNumberKinetics sets the length of the kinetic series
func (m *Mock) SetNumberKinetics(n int) error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("SetNumberKinetics"); err != nil {
		return err
	}
	m.state.Kinetics = n
	return nil
}

// SetSpool enables or disables spooling
func (m *Mock) SetSpool(enable bool, path string, format FileFormat) error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("SetSpool"); err != nil {
		return err
	}
	m.state.Spooling = enable
	m.state.SpoolPath = path
	m.state.SpoolFormat = format
	return nil
}

// SetShutter opens or closes the shutter
func (m *Mock) SetShutter(open bool) error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("SetShutter"); err != nil {
		return err
	}
	m.state.ShutterOpen = open
	return nil
}

// StartAcquisition starts acquiring
func (m *Mock) StartAcquisition() error {
	m.Lock()
	defer m.Unlock()
	if err := m.call("StartAcquisition"); err != nil {
		return err
	}
	if m.state.Acquiring {
		return errors.New("acquisition already running")
	}
	m.state.Acquiring = true
	return nil
}

// State returns a copy of the simulated configuration
func (m *Mock) State() MockState {
	m.Lock()
	defer m.Unlock()
	return m.state
}

// Calls returns the names of every method called, in order
func (m *Mock) Calls() []string {
	m.Lock()
	defer m.Unlock()
	return append([]string(nil), m.calls...)
}
