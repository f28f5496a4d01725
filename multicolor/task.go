// Package multicolor runs triggered multicolor imaging sequences.
//
// A sequence is a list of (laser, intensity) entries, each imaged for a
// fixed number of frames.  Every frame turns on exactly one laser line,
// triggers the camera, and waits for the camera's fire signal to drop
// before turning the laser off again.  A missed trigger restarts the whole
// sequence from the first entry.
package multicolor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/labcore/scopectl/camera"
	"github.com/labcore/scopectl/events"
	"github.com/labcore/scopectl/laser"
)

var (
	// ErrCameraLive is returned by Start when the camera is in live mode
	ErrCameraLive = errors.New("camera is in live mode, stop live view before imaging")

	// ErrCameraSaving is returned by Start when the camera is writing a recording
	ErrCameraSaving = errors.New("camera is saving, wait for the recording to finish")

	// ErrSequenceRunning is returned by Start while a sequence is in progress
	ErrSequenceRunning = errors.New("imaging sequence already running")

	// ErrNotRunning is returned by Abort when no sequence is in progress
	ErrNotRunning = errors.New("no imaging sequence running")

	// ErrTooManyMissed is returned by Run when the number of restarts exceeds MaxRestarts
	ErrTooManyMissed = errors.New("too many missed triggers")

	// ErrFilterNotAllowed is returned by Start when a sequence entry uses a
	// laser line that is not permitted with the configured filter
	ErrFilterNotAllowed = errors.New("laser line not permitted with filter position")
)

// Phase is the lifecycle state of a Task
type Phase string

const (
	// Idle means no sequence is configured on the hardware
	Idle Phase = "idle"

	// Starting means a sequence holds the task and its config is being checked
	Starting Phase = "starting"

	// Running means the hardware is configured and frames may be triggered
	Running Phase = "running"

	// CleaningUp means the hardware is being restored
	CleaningUp Phase = "cleaning up"
)

// Options holds the timing of a Task
type Options struct {
	// SettleDelay is waited after setting an intensity and after turning the laser off
	SettleDelay time.Duration `yaml:"SettleDelay"`

	// PollInterval is the period of fire signal reads
	PollInterval time.Duration `yaml:"PollInterval"`

	// FireThreshold is the voltage at or below which the fire signal is released
	FireThreshold float64 `yaml:"FireThreshold"`

	// ShutterDelay is waited between opening the shutter and starting acquisition
	ShutterDelay time.Duration `yaml:"ShutterDelay"`

	// FilterPoll is the period of filter wheel position reads
	FilterPoll time.Duration `yaml:"FilterPoll"`

	// MaxRestarts bounds the number of whole sequence restarts, 0 is unbounded
	MaxRestarts int `yaml:"MaxRestarts"`

	// AllowedLines maps filter positions to the laser labels usable with
	// them.  Positions absent from the map permit every line.
	AllowedLines map[int][]string `yaml:"AllowedLines"`
}

// DefaultOptions returns 50 ms settling, 1 ms fire polling at 2.5 V, a 1 s
// shutter delay, 100 ms filter polling and unbounded restarts
func DefaultOptions() Options {
	return Options{
		SettleDelay:   50 * time.Millisecond,
		PollInterval:  time.Millisecond,
		FireThreshold: 2.5,
		ShutterDelay:  time.Second,
		FilterPoll:    100 * time.Millisecond,
	}
}

// Locker guards the laser routes of the HTTP server while a sequence owns the lasers
type Locker interface {
	Lock()
	Unlock()
}

// Record is the summary of one executed sequence
type Record struct {
	ID        string    `json:"id"`
	Sequence  []Step    `json:"sequence"`
	Entries   int       `json:"entries"`
	NumFrames int       `json:"num_frames"`
	Completed int       `json:"completed"`
	Missed    int       `json:"missed"`
	Restarts  int       `json:"restarts"`
	SpoolPath string    `json:"spool_path"`
	Err       string    `json:"err,omitempty"`
	Start     time.Time `json:"start"`
	End       time.Time `json:"end"`
}

// Recorder persists sequence records
type Recorder interface {
	RecordSequence(Record) error
}

// Deps are the collaborators of a Task.  Laser and Camera are required.
type Deps struct {
	Laser     *laser.Control
	Camera    camera.Triggered
	Wheel     FilterWheel
	Locker    Locker
	Publisher events.Publisher
	Recorder  Recorder
	Logger    *zap.Logger
}

// Step is a sequence entry resolved to a laser label
type Step struct {
	Label     string  `json:"label"`
	Intensity float64 `json:"intensity"`
}

// Status is a snapshot of a Task
type Status struct {
	Phase     Phase  `json:"phase"`
	RunID     string `json:"run_id,omitempty"`
	Sequence  []Step `json:"sequence,omitempty"`
	NumFrames int    `json:"num_frames"`
	Total     int    `json:"total"`
	Completed int    `json:"completed"`
	Missed    int    `json:"missed"`
	Restarts  int    `json:"restarts"`
	SpoolPath string `json:"spool_path,omitempty"`
}

// Task is a multicolor imaging sequencer.  One Task may run many sequences,
// one at a time.
type Task struct {
	laser *laser.Control
	cam   camera.Triggered
	wheel FilterWheel
	lock  Locker
	pub   events.Publisher
	rec   Recorder
	log   *zap.Logger
	opts  Options
	now   func() time.Time

	mu        sync.Mutex
	cancel    context.CancelFunc
	phase     Phase
	locked    bool
	runID     string
	cfg       UserConfig
	seq       []Step
	completed int
	missed    int
	restarts  int
	spool     string
	started   time.Time
}

// NewTask returns a new idle Task.  A zero Options uses DefaultOptions.
func NewTask(d Deps, opts Options) *Task {
	if opts.PollInterval == 0 && opts.SettleDelay == 0 && opts.FireThreshold == 0 &&
		opts.ShutterDelay == 0 && opts.FilterPoll == 0 && opts.MaxRestarts == 0 {
		allowed := opts.AllowedLines
		opts = DefaultOptions()
		opts.AllowedLines = allowed
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Millisecond
	}
	if opts.FilterPoll <= 0 {
		opts.FilterPoll = opts.PollInterval
	}
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Task{
		laser: d.Laser,
		cam:   d.Camera,
		wheel: d.Wheel,
		lock:  d.Locker,
		pub:   events.OrDiscard(d.Publisher),
		rec:   d.Recorder,
		log:   log,
		opts:  opts,
		now:   time.Now,
		phase: Idle,
	}
}

// Status returns a snapshot of the task
func (t *Task) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Status{
		Phase:     t.phase,
		RunID:     t.runID,
		Sequence:  append([]Step(nil), t.seq...),
		NumFrames: t.cfg.NumFrames,
		Total:     len(t.seq) * t.cfg.NumFrames,
		Completed: t.completed,
		Missed:    t.missed,
		Restarts:  t.restarts,
		SpoolPath: t.spool,
	}
}

func (t *Task) setPhase(p Phase, err error) {
	t.mu.Lock()
	t.phase = p
	ev := SequenceState{RunID: t.runID, Phase: p}
	t.mu.Unlock()
	if err != nil {
		ev.Err = err.Error()
	}
	t.pub.Publish(ev)
}

func (t *Task) cameraBusy() error {
	if t.cam.Live() {
		return ErrCameraLive
	}
	if t.cam.Saving() {
		return ErrCameraSaving
	}
	return nil
}

// Resolve maps the entries of a user config to laser labels and checks them
// against the filter rules.  It touches no hardware.
func (t *Task) Resolve(u UserConfig) ([]Step, error) {
	allowed, restricted := t.opts.AllowedLines[u.FilterPos]
	steps := make([]Step, 0, len(u.ImagingSequence))
	for i, e := range u.ImagingSequence {
		label, err := t.laser.LabelFor(e.Identifier)
		if err != nil {
			return nil, fmt.Errorf("imaging_sequence[%d]: %w", i, err)
		}
		if restricted && !contains(allowed, label) {
			return nil, fmt.Errorf("%w: %s at position %d", ErrFilterNotAllowed, label, u.FilterPos)
		}
		steps = append(steps, Step{Label: label, Intensity: e.Intensity})
	}
	return steps, nil
}

// Check runs every check StartConfig makes before touching the hardware
func (t *Task) Check(u UserConfig) error {
	if err := t.precheck(); err != nil {
		return err
	}
	_, err := t.check(u)
	return err
}

func (t *Task) check(u UserConfig) ([]Step, error) {
	if err := t.cameraBusy(); err != nil {
		return nil, err
	}
	if !t.laser.SupportsTrigger() {
		return nil, laser.ErrTriggerUnsupported
	}
	if err := u.Validate(); err != nil {
		t.log.Warn("invalid imaging sequence", zap.Error(err))
		return nil, err
	}
	steps, err := t.Resolve(u)
	if err != nil {
		t.log.Warn("invalid imaging sequence", zap.Error(err))
		return nil, err
	}
	return steps, nil
}

// claim moves an idle task to Starting, then runs the checks that touch no
// hardware.  A failed check returns the task to Idle.  Only one caller can
// hold a claim.
func (t *Task) claim(u UserConfig, cancel context.CancelFunc) ([]Step, error) {
	t.mu.Lock()
	if t.phase != Idle {
		t.mu.Unlock()
		return nil, ErrSequenceRunning
	}
	t.phase = Starting
	t.cancel = cancel
	t.mu.Unlock()

	steps, err := t.check(u)
	if err != nil {
		t.mu.Lock()
		t.phase = Idle
		t.cancel = nil
		t.mu.Unlock()
		return nil, err
	}
	return steps, nil
}

func contains(ss []string, s string) bool {
	for _, v := range ss {
		if v == s {
			return true
		}
	}
	return false
}

// Start loads the user config at path and prepares the hardware for a sequence
func (t *Task) Start(ctx context.Context, path string) error {
	if err := t.precheck(); err != nil {
		return err
	}
	u, err := LoadUserConfig(path)
	if err != nil {
		t.log.Warn("could not load imaging sequence", zap.String("path", path), zap.Error(err))
		return err
	}
	return t.StartConfig(ctx, u)
}

func (t *Task) precheck() error {
	t.mu.Lock()
	phase := t.phase
	t.mu.Unlock()
	if phase != Idle {
		return ErrSequenceRunning
	}
	if err := t.cameraBusy(); err != nil {
		return err
	}
	if !t.laser.SupportsTrigger() {
		return laser.ErrTriggerUnsupported
	}
	return nil
}

// StartConfig prepares the hardware for the sequence described by u.
// Every check happens before the first hardware call; once the hardware
// has been touched a failed Start must be followed by Cleanup.
func (t *Task) StartConfig(ctx context.Context, u UserConfig) error {
	steps, err := t.claim(u, nil)
	if err != nil {
		return err
	}
	return t.begin(ctx, u, steps)
}

// begin configures the hardware of a claimed task
func (t *Task) begin(ctx context.Context, u UserConfig, steps []Step) error {
	format, _ := u.Format()
	start := t.now()
	t.mu.Lock()
	t.phase = Running
	t.runID = uuid.NewString()
	t.cfg = u
	t.seq = steps
	t.completed, t.missed, t.restarts = 0, 0, 0
	t.spool = SpoolPath(u.SavePath, start)
	t.started = start
	runID, spool := t.runID, t.spool
	t.mu.Unlock()
	t.pub.Publish(SequenceState{RunID: runID, Phase: Running})
	t.log.Info("starting imaging sequence",
		zap.String("run", runID),
		zap.Int("entries", len(steps)),
		zap.Int("frames", u.NumFrames),
		zap.String("spool", spool))

	if t.lock != nil {
		t.lock.Lock()
		t.mu.Lock()
		t.locked = true
		t.mu.Unlock()
	}
	if t.wheel != nil {
		if err := t.moveFilter(ctx, u.FilterPos); err != nil {
			return err
		}
	}
	if err := t.laser.SetupTriggerChannels(); err != nil {
		return fmt.Errorf("setting up trigger channels: %w", err)
	}

	setup := []struct {
		name string
		fn   func() error
	}{
		{"abort acquisition", t.cam.AbortAcquisition},
		{"set acquisition mode", func() error { return t.cam.SetAcquisitionMode(camera.Kinetics) }},
		{"set trigger mode", func() error { return t.cam.SetTriggerMode(camera.External) }},
		{"set gain", func() error { return t.cam.SetGain(u.Gain) }},
		{"set exposure", func() error { return t.cam.SetExposure(u.Exposure) }},
		{"set number of kinetics", func() error { return t.cam.SetNumberKinetics(len(steps) * u.NumFrames) }},
		{"enable spool", func() error { return t.cam.SetSpool(true, spool, format) }},
		{"open shutter", func() error { return t.cam.SetShutter(true) }},
	}
	for _, s := range setup {
		if err := s.fn(); err != nil {
			return fmt.Errorf("camera: %s: %w", s.name, err)
		}
	}
	if err := sleep(ctx, t.opts.ShutterDelay); err != nil {
		return err
	}
	if err := t.cam.StartAcquisition(); err != nil {
		return fmt.Errorf("camera: start acquisition: %w", err)
	}
	return nil
}

func (t *Task) moveFilter(ctx context.Context, pos int) error {
	if err := t.wheel.SetPosition(pos); err != nil {
		return fmt.Errorf("filter wheel: %w", err)
	}
	tick := time.NewTicker(t.opts.FilterPoll)
	defer tick.Stop()
	for {
		cur, err := t.wheel.Position()
		if err != nil {
			return fmt.Errorf("filter wheel: %w", err)
		}
		if cur == pos {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// SpoolPath returns the spool file path of a sequence started at t under
// base, base/2006_01_02/150405_Stack/multicolor
func SpoolPath(base string, t time.Time) string {
	return filepath.Join(base, t.Format("2006_01_02"), t.Format("150405")+"_Stack", "multicolor")
}

// Run triggers every frame of the sequence, restarting from the first entry
// after each missed trigger.  It returns when every frame has been acquired,
// ctx is done, or a hardware call fails.
func (t *Task) Run(ctx context.Context) error {
	t.mu.Lock()
	phase := t.phase
	t.mu.Unlock()
	if phase != Running {
		return ErrNotRunning
	}
	for {
		restart, err := t.pass(ctx)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
		t.mu.Lock()
		t.restarts++
		n := t.restarts
		t.mu.Unlock()
		if t.opts.MaxRestarts > 0 && n > t.opts.MaxRestarts {
			return fmt.Errorf("%w: %d restarts", ErrTooManyMissed, n-1)
		}
	}
}

// pass runs the sequence once from the top.  restart is true if a trigger
// was missed.
func (t *Task) pass(ctx context.Context) (restart bool, err error) {
	t.mu.Lock()
	t.completed = 0
	seq, frames, runID := t.seq, t.cfg.NumFrames, t.runID
	t.mu.Unlock()
	total := len(seq) * frames

	for i, s := range seq {
		for f := 0; f < frames; f++ {
			if err := t.cameraBusy(); err != nil {
				return false, err
			}
			t.laser.ResetIntensities()
			if err := t.laser.SetIntensity(s.Label, s.Intensity); err != nil {
				return false, err
			}
			if err := sleep(ctx, t.opts.SettleDelay); err != nil {
				return false, err
			}
			if err := t.laser.Apply(); err != nil {
				return false, err
			}
			status, err := t.laser.SendTrigger()
			if err != nil {
				return false, err
			}
			if err := t.waitFire(ctx); err != nil {
				return false, err
			}
			if err := t.laser.Off(); err != nil {
				return false, err
			}
			if err := sleep(ctx, t.opts.SettleDelay); err != nil {
				return false, err
			}

			t.mu.Lock()
			if status.Missed() {
				t.missed++
				ev := TriggerMissed{RunID: runID, Entry: i, Frame: f, Label: s.Label, Missed: t.missed, Discarded: t.completed}
				t.mu.Unlock()
				t.log.Warn("missed trigger, restarting sequence",
					zap.String("laser", s.Label), zap.Int("frame", f), zap.Int("missed", ev.Missed))
				t.pub.Publish(ev)
				return true, nil
			}
			t.completed++
			ev := SequenceProgress{RunID: runID, Entry: i, Frame: f, Label: s.Label, Completed: t.completed, Total: total}
			t.mu.Unlock()
			t.pub.Publish(ev)
		}
	}
	return false, nil
}

func (t *Task) waitFire(ctx context.Context) error {
	tick := time.NewTicker(t.opts.PollInterval)
	defer tick.Stop()
	for {
		v, err := t.laser.ReadFire()
		if err != nil {
			return err
		}
		if v <= t.opts.FireThreshold {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-tick.C:
		}
	}
}

// Cleanup returns the lasers and camera to their idle state.  Every step is
// attempted; the errors of failed steps are joined.  Cleanup of an idle task
// does nothing.
func (t *Task) Cleanup(runErr error) error {
	t.mu.Lock()
	if t.phase == Idle {
		t.mu.Unlock()
		return nil
	}
	t.mu.Unlock()
	t.setPhase(CleaningUp, nil)

	var errs []error
	step := func(name string, err error) {
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	step("laser off", t.laser.Off())
	t.laser.ResetIntensities()
	step("release trigger channels", t.laser.ReleaseTriggerChannels())
	step("abort acquisition", t.cam.AbortAcquisition())
	t.mu.Lock()
	format, _ := t.cfg.Format()
	t.mu.Unlock()
	step("disable spool", t.cam.SetSpool(false, "", format))
	step("set acquisition mode", t.cam.SetAcquisitionMode(camera.RunTillAbort))
	step("set trigger mode", t.cam.SetTriggerMode(camera.Internal))

	t.mu.Lock()
	rec := Record{
		ID:        t.runID,
		Sequence:  append([]Step(nil), t.seq...),
		Entries:   len(t.seq),
		NumFrames: t.cfg.NumFrames,
		Completed: t.completed,
		Missed:    t.missed,
		Restarts:  t.restarts,
		SpoolPath: t.spool,
		Start:     t.started,
		End:       t.now(),
	}
	unlock := t.locked
	t.locked = false
	t.cancel = nil
	t.mu.Unlock()
	if unlock {
		t.lock.Unlock()
	}
	t.log.Info("imaging sequence finished",
		zap.String("run", rec.ID),
		zap.Int("completed", rec.Completed),
		zap.Int("missed", rec.Missed),
		zap.Int("restarts", rec.Restarts))

	if runErr != nil {
		rec.Err = runErr.Error()
	}
	if t.rec != nil {
		if err := t.rec.RecordSequence(rec); err != nil {
			t.log.Error("could not record imaging sequence", zap.Error(err))
		}
	}
	err := errors.Join(errs...)
	final := runErr
	if final == nil {
		final = err
	}
	t.setPhase(Idle, final)
	return err
}

// Execute starts, runs and cleans up a sequence.  Cleanup always runs once
// the hardware has been touched, including when ctx is cancelled or Abort
// is called.
func (t *Task) Execute(ctx context.Context, path string) (Status, error) {
	u, err := t.load(path)
	if err != nil {
		return t.Status(), err
	}
	return t.ExecuteConfig(ctx, u)
}

func (t *Task) load(path string) (UserConfig, error) {
	if err := t.precheck(); err != nil {
		return UserConfig{}, err
	}
	u, err := LoadUserConfig(path)
	if err != nil {
		t.log.Warn("could not load imaging sequence", zap.String("path", path), zap.Error(err))
	}
	return u, err
}

// ExecuteConfig is Execute with an already loaded config
func (t *Task) ExecuteConfig(ctx context.Context, u UserConfig) (Status, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	steps, err := t.claim(u, cancel)
	if err != nil {
		return t.Status(), err
	}
	return t.execute(ctx, u, steps)
}

// ExecuteAsync claims the task for u and returns once the config has been
// checked.  The sequence then runs in the background and done, if not nil,
// receives its outcome.
func (t *Task) ExecuteAsync(ctx context.Context, u UserConfig, done func(Status, error)) error {
	ctx, cancel := context.WithCancel(ctx)
	steps, err := t.claim(u, cancel)
	if err != nil {
		cancel()
		return err
	}
	go func() {
		defer cancel()
		st, err := t.execute(ctx, u, steps)
		if done != nil {
			done(st, err)
		}
	}()
	return nil
}

func (t *Task) execute(ctx context.Context, u UserConfig, steps []Step) (Status, error) {
	err := t.begin(ctx, u, steps)
	if err == nil {
		err = t.Run(ctx)
	}
	cerr := t.Cleanup(err)
	return t.Status(), errors.Join(err, cerr)
}

// Abort cancels the sequence started by Execute.  Cleanup still runs.
func (t *Task) Abort() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancel == nil {
		return ErrNotRunning
	}
	t.cancel()
	return nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}
