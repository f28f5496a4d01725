/*Package scan implements a line by line raster scanner.

A Machine owns the scan geometry, the target position and one data buffer per
pair of scan axes.  Start launches a goroutine that acquires one line per
line interval, where the interval is the fast axis resolution divided by the
pixel clock frequency.  Lines are paced against the scan start time on the
monotonic clock, so jitter in acquisition does not accumulate.

Stop is cooperative: it sets a flag which the loop checks before every line.
A line which is being acquired always completes.

Observers receive StateChanged, LineDataChanged, SettingsChanged,
OptimizerSettingsChanged, PositionChanged and TargetChanged through an
events.Publisher.
*/
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/labcore/scopectl/events"
	"github.com/labcore/scopectl/util"
	"go.uber.org/zap"
)

var (
	// ErrScanInProgress is returned when a scan is started, or settings are
	// changed, while a scan runs
	ErrScanInProgress = errors.New("scan already in progress")

	// ErrNoScanRunning is returned when stopping an idle machine
	ErrNoScanRunning = errors.New("no scan running")

	// ErrInvalidAxes is returned when a scan is started on axes which are
	// not configured for scanning
	ErrInvalidAxes = errors.New("invalid scan axes")

	// ErrClosed is returned by commands on a closed Machine
	ErrClosed = errors.New("scan machine closed")
)

// RunState describes the scan in progress, or the last one when Running is false
type RunState struct {
	Running       bool          `json:"running"`
	Axes          AxisPair      `json:"axes"`
	LineCount     int           `json:"line_count"`
	StartTime     time.Time     `json:"start_time"`
	LineInterval  time.Duration `json:"line_interval"`
	StopRequested bool          `json:"stop_requested"`
	RunID         string        `json:"run_id"`
}

// Config holds the collaborators of a Machine.  Zero values are replaced
// with defaults by New.
type Config struct {
	Constraints Constraints
	Settings    *Settings
	Optimizer   *OptimizerSettings

	// Source defaults to a SimulatedSource
	Source LineSource

	Publisher events.Publisher

	// PositionRate limits PositionChanged events sent after SetTarget.
	// Zero means 10 ms.
	PositionRate time.Duration

	Recorder Recorder
	Logger   *zap.Logger
}

// Machine is the scan state machine.  Machines must be created with New.
type Machine struct {
	mu sync.Mutex

	constraints Constraints
	settings    Settings
	optimizer   OptimizerSettings
	target      map[string]float64
	position    map[string]float64
	data        map[AxisPair]*Data
	run         RunState
	done        chan struct{}
	closed      bool

	ctx    context.Context
	cancel context.CancelFunc

	source   LineSource
	pub      events.Publisher
	posPub   events.Publisher
	recorder Recorder
	log      *zap.Logger
}

// New creates a Machine.  The target starts at the center of every axis.
func New(cfg Config) *Machine {
	if len(cfg.Constraints.Axes) == 0 {
		cfg.Constraints = DefaultConstraints()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PositionRate == 0 {
		cfg.PositionRate = 10 * time.Millisecond
	}
	m := &Machine{
		constraints: cfg.Constraints,
		target:      map[string]float64{},
		position:    map[string]float64{},
		data:        map[AxisPair]*Data{},
		source:      cfg.Source,
		pub:         events.OrDiscard(cfg.Publisher),
		recorder:    cfg.Recorder,
		log:         cfg.Logger.Named("scan"),
	}
	m.posPub = events.NewThrottle(m.pub, cfg.PositionRate)
	if cfg.Settings != nil {
		m.settings = cfg.Settings.Clone()
	} else {
		m.settings = DefaultSettings(m.constraints)
	}
	if cfg.Optimizer != nil {
		m.optimizer = cfg.Optimizer.Clone()
	} else {
		m.optimizer = DefaultOptimizerSettings(m.constraints)
	}
	if m.source == nil {
		m.source = NewSimulatedSource(m.constraints, time.Now().UnixNano())
	}
	for _, ax := range m.constraints.AxisNames {
		ac := m.constraints.Axes[ax]
		m.target[ax] = (ac.MinValue + ac.MaxValue) / 2
		m.position[ax] = m.target[ax]
	}
	m.ctx, m.cancel = context.WithCancel(context.Background())
	return m
}

// Constraints returns the scanner constraints
func (m *Machine) Constraints() Constraints {
	return m.constraints
}

// Settings returns a copy of the current settings
func (m *Machine) Settings() Settings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.settings.Clone()
}

// OptimizerSettings returns a copy of the current optimizer settings
func (m *Machine) OptimizerSettings() OptimizerSettings {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.optimizer.Clone()
}

// State returns the current run state
func (m *Machine) State() RunState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.run
}

// Data returns a snapshot of the buffer of a pair of axes, or nil if no scan
// has been run on them
func (m *Machine) Data(axes AxisPair) *Data {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.data[axes]
	if !ok {
		return nil
	}
	return d.Clone()
}

// Target returns a copy of the target position
func (m *Machine) Target() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyPos(m.target)
}

// Position returns a copy of the scanner position
func (m *Machine) Position() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyPos(m.position)
}

func copyPos(p map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(p))
	for k, v := range p {
		out[k] = v
	}
	return out
}

// ApplySettings validates and applies a settings update.  Either the whole
// update is applied or nothing is.  Settings cannot change during a scan.
func (m *Machine) ApplySettings(u SettingsUpdate) error {
	m.mu.Lock()
	if m.run.Running {
		m.mu.Unlock()
		m.log.Warn("unable to change scan settings", zap.Error(ErrScanInProgress))
		return ErrScanInProgress
	}
	if err := u.Validate(m.constraints); err != nil {
		m.mu.Unlock()
		m.log.Error("rejected scan settings", zap.Error(err))
		return err
	}
	m.settings = m.settings.Merge(u)
	snap := m.settings.Clone()
	m.mu.Unlock()
	m.pub.Publish(SettingsChanged{Settings: snap})
	return nil
}

// ApplyOptimizerSettings validates and applies an optimizer settings update
func (m *Machine) ApplyOptimizerSettings(u OptimizerUpdate) error {
	m.mu.Lock()
	if err := u.Validate(m.constraints); err != nil {
		m.mu.Unlock()
		m.log.Error("rejected optimizer settings", zap.Error(err))
		return err
	}
	m.optimizer = m.optimizer.Merge(u)
	snap := m.optimizer.Clone()
	m.mu.Unlock()
	m.pub.Publish(OptimizerSettingsChanged{Settings: snap})
	return nil
}

// SetTarget moves the target of one or more axes.  Unknown axes and values
// outside the axis limits reject the whole call.
func (m *Machine) SetTarget(pos map[string]float64) error {
	m.mu.Lock()
	for ax, v := range pos {
		ac, ok := m.constraints.Axes[ax]
		if !ok {
			m.mu.Unlock()
			return invalid("target", "unknown scanner axis %q", ax)
		}
		if err := ac.CheckValue(v); err != nil {
			m.mu.Unlock()
			return invalid("target", "axis %s: %v", ax, err)
		}
	}
	for ax, v := range pos {
		m.target[ax] = v
		if !m.run.Running {
			m.position[ax] = v
		}
	}
	position := copyPos(m.position)
	m.mu.Unlock()
	m.pub.Publish(TargetChanged{Target: copyPos(pos)})
	m.posPub.Publish(PositionChanged{Position: position})
	return nil
}

// WatchPosition publishes the position every interval while no scan runs,
// until ctx is done
func (m *Machine) WatchPosition(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.mu.Lock()
			running := m.run.Running
			pos := copyPos(m.position)
			m.mu.Unlock()
			if !running {
				m.pub.Publish(PositionChanged{Position: pos})
			}
		}
	}
}

// Toggle starts a scan on axes if start is true, otherwise stops the
// running scan
func (m *Machine) Toggle(axes AxisPair, start bool) error {
	if start {
		return m.Start(axes)
	}
	return m.Stop()
}

type plan struct {
	axes      AxisPair
	rx, ry    int
	slowRange [2]float64
	interval  time.Duration
	start     time.Time
	positions map[string][]float64
	data      *Data
	runID     string
	done      chan struct{}
}

// Start begins a scan on axes.  It returns once the scan loop is running.
func (m *Machine) Start(axes AxisPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if m.run.Running {
		m.log.Error("unable to start scan", zap.Error(ErrScanInProgress))
		return ErrScanInProgress
	}
	if !m.settings.HasAxes(axes) {
		return fmt.Errorf("%w: %v is not one of %v", ErrInvalidAxes, axes, m.settings.ScanAxes)
	}
	snap := m.settings.Clone()
	for _, ax := range axes {
		ac, ok := m.constraints.Axes[ax]
		if !ok {
			return fmt.Errorf("%w: unknown axis %q", ErrInvalidAxes, ax)
		}
		if err := ac.CheckResolution(snap.Resolution[ax]); err != nil {
			return invalid("resolution", "axis %s: %v", ax, err)
		}
	}
	rx, ry := snap.Resolution[axes.Fast()], snap.Resolution[axes.Slow()]
	interval := util.SecsToDuration(float64(rx) / snap.PixelClockFrequency)
	if interval <= 0 {
		return invalid("pixel_clock_frequency", "line interval of %d points at %g Hz is not positive", rx, snap.PixelClockFrequency)
	}
	if err := m.source.Prepare(axes, snap); err != nil {
		return fmt.Errorf("preparing acquisition: %w", err)
	}

	fr := snap.Range[axes.Fast()]
	p := plan{
		axes:      axes,
		rx:        rx,
		ry:        ry,
		slowRange: snap.Range[axes.Slow()],
		interval:  interval,
		start:     time.Now(),
		positions: map[string][]float64{},
		data:      NewData(m.constraints, axes, rx, ry),
		runID:     uuid.NewString(),
		done:      make(chan struct{}),
	}
	for _, ax := range m.constraints.AxisNames {
		line := make([]float64, rx)
		for i := range line {
			line[i] = m.target[ax]
		}
		p.positions[ax] = line
	}
	p.positions[axes.Fast()] = util.Linspace(fr[0], fr[1], rx)

	m.data[axes] = p.data
	m.run = RunState{
		Running:      true,
		Axes:         axes,
		StartTime:    p.start,
		LineInterval: interval,
		RunID:        p.runID,
	}
	m.done = p.done
	m.log.Info("scan started",
		zap.String("axes", axes.String()),
		zap.Int("rx", rx), zap.Int("ry", ry),
		zap.Duration("lineInterval", interval),
		zap.String("run", p.runID))
	// published under the lock so that it precedes every line event
	m.pub.Publish(StateChanged{Running: true, Axes: axes, RunID: p.runID})
	go m.loop(p)
	return nil
}

// Stop requests the running scan to stop before its next line
func (m *Machine) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.run.Running {
		m.log.Error("unable to stop scan", zap.Error(ErrNoScanRunning))
		return ErrNoScanRunning
	}
	m.run.StopRequested = true
	return nil
}

// Wait blocks until the running scan, if any, has ended or ctx is done
func (m *Machine) Wait(ctx context.Context) error {
	m.mu.Lock()
	done := m.done
	m.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops any running scan, aborting an in-flight line wait, and waits
// for the loop to exit
func (m *Machine) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	if m.run.Running {
		m.run.StopRequested = true
	}
	done := m.done
	m.mu.Unlock()
	m.cancel()
	if done != nil {
		<-done
	}
	return nil
}

// sleepUntil blocks until the deadline on the monotonic clock, or ctx is done
func sleepUntil(ctx context.Context, deadline time.Time) error {
	d := time.Until(deadline)
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Machine) loop(p plan) {
	defer close(p.done)
	var runErr error
	for {
		m.mu.Lock()
		if m.run.StopRequested || m.run.LineCount >= p.ry || runErr != nil {
			m.finish(p, runErr)
			return
		}
		j := m.run.LineCount
		slow := p.slowRange[0]
		if p.ry > 1 {
			slow += (p.slowRange[1] - p.slowRange[0]) * float64(j) / float64(p.ry-1)
		}
		slowLine := p.positions[p.axes.Slow()]
		for i := range slowLine {
			slowLine[i] = slow
		}
		m.run.LineCount++
		n := m.run.LineCount
		m.mu.Unlock()

		if err := sleepUntil(m.ctx, p.start.Add(time.Duration(n)*p.interval)); err != nil {
			runErr = m.dropLine(err)
			continue
		}
		line, err := m.source.AcquireLine(m.ctx, j, p.positions)
		if err != nil {
			m.log.Error("line acquisition failed", zap.Int("line", j), zap.Error(err))
			runErr = m.dropLine(err)
			continue
		}

		m.mu.Lock()
		if err := p.data.AddLineData(p.positions, line, YIndex(j)); err != nil {
			m.run.LineCount--
			m.mu.Unlock()
			m.log.Error("line rejected by scan buffer", zap.Int("line", j), zap.Error(err))
			runErr = err
			continue
		}
		m.position[p.axes.Fast()] = p.positions[p.axes.Fast()][p.rx-1]
		m.position[p.axes.Slow()] = slow
		ev := LineDataChanged{
			Axes:      p.axes,
			RunID:     p.runID,
			Index:     j,
			LineCount: n,
			Line:      line,
			Data:      p.data.Clone(),
		}
		m.mu.Unlock()
		m.pub.Publish(ev)
	}
}

// dropLine takes back the count of a line that was never written
func (m *Machine) dropLine(err error) error {
	m.mu.Lock()
	m.run.LineCount--
	m.mu.Unlock()
	return err
}

// finish is called with m.mu held and releases it.  The final state event
// is published under the lock so that it precedes the next run's.
func (m *Machine) finish(p plan, runErr error) {
	run := m.run
	m.run.Running = false

	ev := StateChanged{Running: false, Axes: p.axes, RunID: p.runID, LineCount: run.LineCount}
	rec := RunRecord{
		ID:           p.runID,
		Axes:         p.axes,
		Resolution:   [2]int{p.rx, p.ry},
		LineInterval: p.interval,
		Lines:        run.LineCount,
		Stopped:      run.StopRequested,
		Start:        p.start,
		End:          time.Now(),
	}
	if runErr != nil {
		ev.Err = runErr.Error()
		rec.Err = runErr.Error()
	}
	m.pub.Publish(ev)
	m.mu.Unlock()
	m.log.Info("scan finished",
		zap.String("run", p.runID),
		zap.Int("lines", run.LineCount),
		zap.Bool("stopped", run.StopRequested),
		zap.NamedError("cause", runErr))
	if m.recorder != nil {
		if err := m.recorder.RecordScan(rec); err != nil {
			m.log.Warn("unable to record scan", zap.Error(err))
		}
	}
}
