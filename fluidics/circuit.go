package fluidics

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/labcore/scopectl/events"
)

var (
	// ErrValvesLocked is returned for manual valve changes while flow runs
	ErrValvesLocked = errors.New("valves are locked while the flow controllers run")

	// ErrUnknownValve is returned for a valve name absent from the valve table
	ErrUnknownValve = errors.New("unknown valve")

	// ErrInvalidArena is returned for an arena index or flow out of range
	ErrInvalidArena = errors.New("invalid arena configuration")

	// ErrNoOdorSelected is returned by PrepareOdor without a selected odor
	ErrNoOdorSelected = errors.New("no odor selected")

	// ErrFlowStopped is returned by the odor workflow while the air flow is stopped
	ErrFlowStopped = errors.New("air flow is stopped")

	// ErrNotPreparing is returned by InjectOdor when no odor is being prepared
	ErrNotPreparing = errors.New("no odor is in preparation")

	// ErrInvalidOdor is returned by SelectOdor for an odor number without a line
	ErrInvalidOdor = errors.New("invalid odor")

	// ErrOdorBusy is returned by SelectOdor while an odor is prepared or injected
	ErrOdorBusy = errors.New("odor preparation or injection in progress")

	// ErrCalibrating is returned by arena and valve changes during a flow
	// controller calibration, and by a second calibration
	ErrCalibrating = errors.New("flow controller calibration in progress")
)

// MFC drives the four mass flow controllers of the circuit
type MFC interface {
	// StartFlow sends the setpoints in sL/min and the configuration tag
	StartFlow(setpoints [4]float64, tag int) error

	// StopFlow sets every controller to zero and stops the air supply
	StopFlow() error

	// FlowRates reads the measured flow of every controller in sL/min
	FlowRates() ([]float64, error)
}

// Valves drives the solenoid valves of the circuit
type Valves interface {
	SetValve(name string, open bool) error
	Valves() (ValveState, error)
}

// OdorPhase is the state of the odor workflow
type OdorPhase string

const (
	// OdorIdle means no odor is flowing
	OdorIdle OdorPhase = "idle"

	// OdorPreparing means the selected odor flows to the exhaust to equilibrate
	OdorPreparing OdorPhase = "preparing"

	// OdorInjecting means the selected odor flows to the arena
	OdorInjecting OdorPhase = "injecting"
)

// Config configures a Circuit
type Config struct {
	Table ValveTable `yaml:"Table"`

	// Odors is the number of odor lines, odor_1 through odor_N in the table
	Odors int `yaml:"Odors"`

	// EscalateUnknown stops the air flow when the valves reach a state
	// matching no known configuration
	EscalateUnknown bool `yaml:"EscalateUnknown"`

	// SuspendDelay is waited after suspending the flow measurement before
	// talking to the flow controllers
	SuspendDelay time.Duration `yaml:"SuspendDelay"`

	// CalibrationPeriod is the period of flow reads during a calibration
	CalibrationPeriod time.Duration `yaml:"CalibrationPeriod"`
}

// DefaultConfig returns the default valve table, four odors, a 2 s suspend
// delay and one calibration sample per second
func DefaultConfig() Config {
	return Config{
		Table:             DefaultValveTable(),
		Odors:             4,
		SuspendDelay:      2 * time.Second,
		CalibrationPeriod: time.Second,
	}
}

// Status is a snapshot of the circuit
type Status struct {
	Index      int        `json:"index"`
	Flow       float64    `json:"flow"`
	Resolution Resolution `json:"resolution"`
	Valves     ValveState `json:"valves"`
	Scheme     int        `json:"scheme"`
	SchemePath string     `json:"scheme_path,omitempty"`
	Known      bool       `json:"known"`
	Odor       int        `json:"odor"`
	OdorPhase  OdorPhase  `json:"odor_phase"`
	Measuring   bool       `json:"measuring"`
	Calibrating bool       `json:"calibrating"`
	FlowRates   []float64  `json:"flow_rates,omitempty"`
}

// Circuit is the odor delivery circuit of the arena.  It is safe for
// concurrent use.
type Circuit struct {
	cfg    Config
	mfc    MFC
	valves Valves
	pub    events.Publisher
	log    *zap.Logger

	mu     sync.Mutex
	index  int
	flow   float64
	res    Resolution
	state  ValveState
	odor   int
	phase  OdorPhase
	rates  []float64
	meas   *measurement
	period time.Duration
	cal    Calibration
	calRun *measurement
}

type measurement struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// NewCircuit returns a circuit in the all-off configuration.  The valve
// state is read from the driver.
func NewCircuit(cfg Config, mfc MFC, valves Valves, pub events.Publisher, log *zap.Logger) (*Circuit, error) {
	if err := cfg.Table.Validate(); err != nil {
		return nil, err
	}
	for i := 1; i <= cfg.Odors; i++ {
		if _, ok := cfg.Table.Index(odorValve(i)); !ok {
			return nil, fmt.Errorf("valve table has no %s valve", odorValve(i))
		}
	}
	if log == nil {
		log = zap.NewNop()
	}
	c := &Circuit{
		cfg:    cfg,
		mfc:    mfc,
		valves: valves,
		pub:    events.OrDiscard(pub),
		log:    log.Named("fluidics"),
		state:  ValveState{},
		phase:  OdorIdle,
	}
	st, err := valves.Valves()
	if err != nil {
		c.log.Warn("could not read valve state, assuming all closed", zap.Error(err))
	} else {
		for _, n := range cfg.Table.Names {
			c.state[n] = st[n]
		}
	}
	return c, nil
}

func odorValve(n int) string {
	return fmt.Sprintf("odor_%d", n)
}

// ArenaChanged is published after every arena update
type ArenaChanged struct {
	Index      int        `json:"index"`
	Flow       float64    `json:"flow"`
	Resolution Resolution `json:"resolution"`
}

func (ArenaChanged) Topic() string { return events.TopicArena }

// ValveStateChanged is published after every valve change
type ValveStateChanged struct {
	Valves     ValveState `json:"valves"`
	Scheme     int        `json:"scheme"`
	SchemePath string     `json:"scheme_path,omitempty"`
	Known      bool       `json:"known"`
}

func (ValveStateChanged) Topic() string { return events.TopicValve }

// FlowRatesMeasured is published by the flow measurement
type FlowRatesMeasured struct {
	Rates []float64 `json:"rates"`
}

func (FlowRatesMeasured) Topic() string { return events.TopicFlow }

// UpdateArena applies arena configuration index with flow sL/min per
// quadrant.  A running flow measurement is suspended while the flow
// controllers are reprogrammed.
func (c *Circuit) UpdateArena(ctx context.Context, index int, flow float64) (Resolution, error) {
	if index < ArenaOff || index > ArenaOdor {
		return Resolution{}, fmt.Errorf("%w: index %d outside [%d, %d]", ErrInvalidArena, index, ArenaOff, ArenaOdor)
	}
	if !(flow >= 0) {
		return Resolution{}, fmt.Errorf("%w: flow %g is negative", ErrInvalidArena, flow)
	}
	res := Resolve(index, flow)
	if c.Calibrating() {
		return Resolution{}, ErrCalibrating
	}

	period, suspended := c.suspendMeasurement()
	if suspended {
		if err := sleep(ctx, c.cfg.SuspendDelay); err != nil {
			c.StartMeasurement(period)
			return Resolution{}, err
		}
	}
	defer func() {
		if suspended {
			c.StartMeasurement(period)
		}
	}()

	return res, c.applyArena(index, flow, res)
}

// applyArena programs the flow controllers and routes the valves for res
func (c *Circuit) applyArena(index int, flow float64, res Resolution) error {
	c.mu.Lock()
	var err error
	if res.AirFlow {
		err = c.mfc.StartFlow(res.Setpoints, res.ConfigTag)
	} else {
		err = c.mfc.StopFlow()
	}
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("flow controllers: %w", err)
	}
	c.index, c.flow, c.res = index, flow, res

	// route the circuit: everything but the quadrant switch returns to
	// its initial state when the flow stops
	var errs []error
	if !res.AirFlow {
		c.phase = OdorIdle
		for _, n := range c.cfg.Table.Names {
			if n != "switch_quadrants" {
				errs = append(errs, c.setValve(n, false))
			}
		}
	} else {
		errs = append(errs, c.setValve("mixing", true))
		errs = append(errs, c.setValve("3_way", res.ConfigTag == 2))
	}
	c.mu.Unlock()

	c.log.Info("arena configuration applied",
		zap.Int("index", index), zap.Float64("flow", flow), zap.Float64s("setpoints", res.Setpoints[:]))
	c.pub.Publish(ArenaChanged{Index: index, Flow: flow, Resolution: res})
	c.publishValves()
	return errors.Join(errs...)
}

// setValve drives one valve, ignoring names absent from the table.  c.mu must be held.
func (c *Circuit) setValve(name string, open bool) error {
	if _, ok := c.cfg.Table.Index(name); !ok {
		return nil
	}
	if c.state[name] == open {
		return nil
	}
	if err := c.valves.SetValve(name, open); err != nil {
		return fmt.Errorf("valve %s: %w", name, err)
	}
	c.state[name] = open
	return nil
}

// SetValve opens or closes one valve by hand.  It is refused while the
// flow controllers run.
func (c *Circuit) SetValve(name string, open bool) error {
	c.mu.Lock()
	if _, ok := c.cfg.Table.Index(name); !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownValve, name)
	}
	if c.calRun != nil {
		c.mu.Unlock()
		return ErrCalibrating
	}
	if c.res.ValvesEnabled {
		c.mu.Unlock()
		return ErrValvesLocked
	}
	err := c.setValve(name, open)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.publishValves()
	return nil
}

// Valves returns a copy of the valve state
func (c *Circuit) Valves() ValveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Clone()
}

// DisplayConfig returns the configuration to display for a valve state.
// While the arena is off this is always configuration 0.
func (c *Circuit) DisplayConfig(state ValveState) (int, error) {
	c.mu.Lock()
	index := c.index
	c.mu.Unlock()
	return c.displayConfig(index, state)
}

func (c *Circuit) displayConfig(index int, state ValveState) (int, error) {
	if index == ArenaOff {
		return 0, nil
	}
	return c.cfg.Table.Lookup(c.cfg.Table.Vector(state))
}

// publishValves publishes the valve state and handles unknown configurations
func (c *Circuit) publishValves() {
	c.mu.Lock()
	state := c.state.Clone()
	index := c.index
	airFlow := c.res.AirFlow
	c.mu.Unlock()

	ev := ValveStateChanged{Valves: state}
	scheme, err := c.displayConfig(index, state)
	if err == nil {
		ev.Scheme, ev.Known = scheme, true
		ev.SchemePath = c.cfg.Table.Schemes[scheme]
	} else {
		ev.Scheme = -1
		c.log.Warn("valve state matches no known configuration", zap.Error(err))
	}
	c.pub.Publish(ev)

	if !ev.Known && c.cfg.EscalateUnknown && airFlow {
		c.log.Error("stopping air flow after unknown valve configuration")
		if _, err := c.UpdateArena(context.Background(), ArenaOff, 0); err != nil {
			c.log.Error("could not stop air flow", zap.Error(err))
		}
	}
}

// SelectOdor selects odor n (1-based) for preparation, 0 clears the selection
func (c *Circuit) SelectOdor(n int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 0 || n > c.cfg.Odors {
		return fmt.Errorf("%w: %d outside [0, %d]", ErrInvalidOdor, n, c.cfg.Odors)
	}
	if c.phase != OdorIdle && n != c.odor {
		return ErrOdorBusy
	}
	c.odor = n
	return nil
}

// PrepareOdor routes the selected odor through the mixing valve to the
// exhaust.  An injection in progress returns to preparation.
func (c *Circuit) PrepareOdor() error {
	c.mu.Lock()
	if c.odor == 0 {
		c.mu.Unlock()
		return ErrNoOdorSelected
	}
	if !c.res.AirFlow {
		c.mu.Unlock()
		return ErrFlowStopped
	}
	if c.phase == OdorPreparing {
		c.mu.Unlock()
		return nil
	}
	err := errors.Join(
		c.setValve("switch_purge_arena", false),
		c.setValve(odorValve(c.odor), true),
		c.setValve("mixing", true),
	)
	if err == nil {
		c.phase = OdorPreparing
	}
	odor := c.odor
	c.mu.Unlock()
	c.log.Info("preparing odor", zap.Int("odor", odor))
	c.publishValves()
	return err
}

// InjectOdor switches the prepared odor from the exhaust to the arena
func (c *Circuit) InjectOdor() error {
	c.mu.Lock()
	if !c.res.AirFlow {
		c.mu.Unlock()
		return ErrFlowStopped
	}
	if c.phase != OdorPreparing {
		c.mu.Unlock()
		return ErrNotPreparing
	}
	err := c.setValve("switch_purge_arena", true)
	if err == nil {
		c.phase = OdorInjecting
	}
	odor := c.odor
	c.mu.Unlock()
	c.log.Info("injecting odor", zap.Int("odor", odor))
	c.publishValves()
	return err
}

// StopOdor stops any preparation or injection.  Stopping an idle workflow
// is not an error.
func (c *Circuit) StopOdor() error {
	c.mu.Lock()
	var errs []error
	errs = append(errs, c.setValve("switch_purge_arena", false))
	for i := 1; i <= c.cfg.Odors; i++ {
		errs = append(errs, c.setValve(odorValve(i), false))
	}
	c.phase = OdorIdle
	c.mu.Unlock()
	c.publishValves()
	return errors.Join(errs...)
}

// SwitchQuadrants swaps the quadrant pairs fed by the two circuits
func (c *Circuit) SwitchQuadrants(on bool) error {
	c.mu.Lock()
	err := c.setValve("switch_quadrants", on)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	c.publishValves()
	return nil
}

// Status returns a snapshot of the circuit
func (c *Circuit) Status() Status {
	c.mu.Lock()
	st := Status{
		Index:      c.index,
		Flow:       c.flow,
		Resolution: c.res,
		Valves:     c.state.Clone(),
		Odor:       c.odor,
		OdorPhase:  c.phase,
		Measuring:   c.meas != nil,
		Calibrating: c.calRun != nil,
		FlowRates:   append([]float64(nil), c.rates...),
	}
	c.mu.Unlock()
	scheme, err := c.displayConfig(st.Index, st.Valves)
	if err == nil {
		st.Scheme, st.Known = scheme, true
		st.SchemePath = c.cfg.Table.Schemes[scheme]
	} else {
		st.Scheme = -1
	}
	return st
}

// StartMeasurement polls the flow controllers every period and publishes
// the rates.  Starting a running measurement does nothing.
func (c *Circuit) StartMeasurement(period time.Duration) {
	if period <= 0 {
		period = time.Second
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.meas != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &measurement{cancel: cancel, done: make(chan struct{})}
	c.meas = m
	c.period = period
	go c.measure(ctx, m, period)
}

func (c *Circuit) measure(ctx context.Context, m *measurement, period time.Duration) {
	defer close(m.done)
	tick := time.NewTicker(period)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		rates, err := c.mfc.FlowRates()
		if err != nil {
			c.log.Warn("could not read flow rates", zap.Error(err))
			continue
		}
		c.mu.Lock()
		c.rates = rates
		c.mu.Unlock()
		c.pub.Publish(FlowRatesMeasured{Rates: append([]float64(nil), rates...)})
	}
}

// StopMeasurement stops the flow measurement and waits for it to exit
func (c *Circuit) StopMeasurement() {
	c.suspendMeasurement()
}

func (c *Circuit) suspendMeasurement() (time.Duration, bool) {
	c.mu.Lock()
	m := c.meas
	c.meas = nil
	period := c.period
	c.mu.Unlock()
	if m == nil {
		return 0, false
	}
	m.cancel()
	<-m.done
	return period, true
}

// Close stops any calibration, the measurement and the air flow
func (c *Circuit) Close() error {
	c.AbortCalibration()
	c.waitCalibration()
	c.StopMeasurement()
	_, err := c.UpdateArena(context.Background(), ArenaOff, 0)
	return err
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
