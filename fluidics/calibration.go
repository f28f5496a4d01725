package fluidics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/labcore/scopectl/events"
)

var (
	// ErrInvalidCalibration is returned for a non positive setpoint or duration
	ErrInvalidCalibration = errors.New("invalid calibration")

	// ErrNotCalibrating is returned by AbortCalibration without a calibration
	ErrNotCalibrating = errors.New("no calibration is running")
)

// Calibration is the record of a flow controller calibration.  Every
// controller runs at Setpoint while the flow is sampled; Mean and Std are
// per controller.
type Calibration struct {
	Running  bool          `json:"running"`
	Setpoint float64       `json:"setpoint"`
	Duration time.Duration `json:"duration"`
	Start    time.Time     `json:"start"`
	End      time.Time     `json:"end,omitempty"`
	Samples  [][]float64   `json:"samples,omitempty"`
	Mean     []float64     `json:"mean,omitempty"`
	Std      []float64     `json:"std,omitempty"`
	Aborted  bool          `json:"aborted"`
	Err      string        `json:"err,omitempty"`
}

// CalibrationChanged is published when a calibration starts and ends
type CalibrationChanged struct {
	Calibration
}

func (CalibrationChanged) Topic() string { return events.TopicCalibration }

// Calibrating returns true while a calibration runs
func (c *Circuit) Calibrating() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calRun != nil
}

// Calibration returns the running or last calibration
func (c *Circuit) Calibration() Calibration {
	c.mu.Lock()
	defer c.mu.Unlock()
	cal := c.cal
	cal.Samples = append([][]float64(nil), cal.Samples...)
	return cal
}

func (c *Circuit) claimCalibration(ctx context.Context, setpoint float64, d time.Duration) (context.Context, *measurement, error) {
	if !(setpoint > 0) {
		return nil, nil, fmt.Errorf("%w: setpoint %g is not positive", ErrInvalidCalibration, setpoint)
	}
	if d <= 0 {
		return nil, nil, fmt.Errorf("%w: duration %v is not positive", ErrInvalidCalibration, d)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calRun != nil {
		return nil, nil, ErrCalibrating
	}
	ctx, cancel := context.WithCancel(ctx)
	run := &measurement{cancel: cancel, done: make(chan struct{})}
	c.calRun = run
	c.cal = Calibration{Running: true, Setpoint: setpoint, Duration: d, Start: time.Now()}
	return ctx, run, nil
}

// Calibrate stops the arena, runs every flow controller at setpoint for d
// and samples the measured flow.  A running flow measurement is suspended
// for the duration and the flow is stopped at the end.  Cancelling ctx or
// AbortCalibration ends the calibration early, which is not an error.
func (c *Circuit) Calibrate(ctx context.Context, setpoint float64, d time.Duration) (Calibration, error) {
	ctx, run, err := c.claimCalibration(ctx, setpoint, d)
	if err != nil {
		return Calibration{}, err
	}
	return c.calibrate(ctx, run)
}

// StartCalibration is Calibrate in the background.  Argument and state
// errors are returned before it starts.
func (c *Circuit) StartCalibration(setpoint float64, d time.Duration) error {
	ctx, run, err := c.claimCalibration(context.Background(), setpoint, d)
	if err != nil {
		return err
	}
	go func() {
		if _, err := c.calibrate(ctx, run); err != nil {
			c.log.Error("flow controller calibration failed", zap.Error(err))
		}
	}()
	return nil
}

// AbortCalibration ends the running calibration
func (c *Circuit) AbortCalibration() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calRun == nil {
		return ErrNotCalibrating
	}
	c.calRun.cancel()
	return nil
}

func (c *Circuit) waitCalibration() {
	c.mu.Lock()
	run := c.calRun
	c.mu.Unlock()
	if run != nil {
		<-run.done
	}
}

func (c *Circuit) calibrate(ctx context.Context, run *measurement) (Calibration, error) {
	defer run.cancel()
	c.mu.Lock()
	setpoint, d := c.cal.Setpoint, c.cal.Duration
	c.mu.Unlock()
	c.log.Info("flow controller calibration started", zap.Float64("setpoint", setpoint), zap.Duration("duration", d))
	c.pub.Publish(CalibrationChanged{c.Calibration()})

	period, suspended := c.suspendMeasurement()
	var samples [][]float64
	err := func() error {
		if suspended {
			if err := sleep(ctx, c.cfg.SuspendDelay); err != nil {
				return err
			}
		}
		if err := c.applyArena(ArenaOff, 0, Resolve(ArenaOff, 0)); err != nil {
			return err
		}
		c.mu.Lock()
		err := c.mfc.StartFlow([4]float64{setpoint, setpoint, setpoint, setpoint}, 1)
		c.mu.Unlock()
		if err != nil {
			return fmt.Errorf("flow controllers: %w", err)
		}

		every := c.cfg.CalibrationPeriod
		if every <= 0 {
			every = time.Second
		}
		tick := time.NewTicker(every)
		defer tick.Stop()
		end := time.NewTimer(d)
		defer end.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-end.C:
				return nil
			case <-tick.C:
			}
			rates, err := c.mfc.FlowRates()
			if err != nil {
				c.log.Warn("could not read flow rates", zap.Error(err))
				continue
			}
			samples = append(samples, rates)
			c.mu.Lock()
			c.rates = rates
			c.cal.Samples = samples
			c.mu.Unlock()
			c.pub.Publish(FlowRatesMeasured{Rates: append([]float64(nil), rates...)})
		}
	}()

	aborted := errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
	if aborted {
		err = nil
	}
	c.mu.Lock()
	if serr := c.mfc.StopFlow(); serr != nil {
		err = errors.Join(err, fmt.Errorf("flow controllers: %w", serr))
	}
	c.index, c.flow, c.res = ArenaOff, 0, Resolve(ArenaOff, 0)
	mean, std := flowStats(samples)
	c.cal.Running = false
	c.cal.End = time.Now()
	c.cal.Samples = samples
	c.cal.Mean, c.cal.Std = mean, std
	c.cal.Aborted = aborted
	if err != nil {
		c.cal.Err = err.Error()
	}
	cal := c.cal
	c.calRun = nil
	c.mu.Unlock()
	close(run.done)

	if suspended {
		c.StartMeasurement(period)
	}
	c.log.Info("flow controller calibration finished",
		zap.Int("samples", len(samples)), zap.Float64s("mean", mean), zap.Float64s("std", std),
		zap.Bool("aborted", aborted), zap.Error(err))
	c.pub.Publish(CalibrationChanged{cal})
	return cal, err
}

// flowStats returns the mean and population standard deviation of every
// column of samples
func flowStats(samples [][]float64) (mean, std []float64) {
	if len(samples) == 0 {
		return nil, nil
	}
	n := len(samples[0])
	mean, std = make([]float64, n), make([]float64, n)
	for _, s := range samples {
		for i := 0; i < n && i < len(s); i++ {
			mean[i] += s[i]
		}
	}
	for i := range mean {
		mean[i] /= float64(len(samples))
	}
	for _, s := range samples {
		for i := 0; i < n && i < len(s); i++ {
			d := s[i] - mean[i]
			std[i] += d * d
		}
	}
	for i := range std {
		std[i] = math.Sqrt(std[i] / float64(len(samples)))
	}
	return mean, std
}
