package laser

import (
	"errors"
	"testing"

	"github.com/labcore/scopectl/events"
	"github.com/labcore/scopectl/hwport"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDAQ(t *testing.T) (*Control, *hwport.Mock) {
	port := hwport.NewMock()
	c, err := New(DefaultConfig(), port, nil, nil)
	require.NoError(t, err)
	return c, port
}

func TestDAQConversion(t *testing.T) {
	c, port := newDAQ(t)
	require.NoError(t, c.SetIntensity("laser2", 40))
	assert.Zero(t, port.Value("/Dev1/AO1"), "intensity must not reach the hardware before Apply")
	require.NoError(t, c.Apply())
	assert.InDelta(t, 2.0, port.Value("/Dev1/AO1"), 1e-12)
	assert.Zero(t, port.Value("/Dev1/AO0"))

	// enabled output follows intensity changes
	require.NoError(t, c.SetIntensity("laser2", 100))
	assert.InDelta(t, 5.0, port.Value("/Dev1/AO1"), 1e-12)

	require.NoError(t, c.Off())
	assert.Zero(t, port.Value("/Dev1/AO1"))
	assert.Equal(t, 100., c.Intensities()["laser2"], "Off keeps the intensity map")
	assert.False(t, c.Enabled())
}

func TestFPGAWritesRawPercent(t *testing.T) {
	port := hwport.NewMock()
	cfg := Config{Type: FPGA, Lines: []Line{{Label: "laser1", Channel: "405"}, {Label: "laser2", Channel: "488"}}}
	c, err := New(cfg, port, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.SetIntensity("laser1", 37.5))
	require.NoError(t, c.Apply())
	assert.Equal(t, 37.5, port.Value("405"))
	assert.False(t, c.SupportsTrigger())
	_, err = c.SendTrigger()
	assert.ErrorIs(t, err, ErrTriggerUnsupported)
}

func TestCelestaVectors(t *testing.T) {
	port := hwport.NewMock()
	cfg := Config{Type: Celesta, Lines: []Line{{Label: "l1", Channel: "1"}, {Label: "l2", Channel: "2"}, {Label: "l3", Channel: "3"}}}
	c, err := New(cfg, port, nil, nil)
	require.NoError(t, err)
	require.NoError(t, c.SetIntensity("l2", 25))
	require.NoError(t, c.Apply())
	intens, on := port.Lines()
	assert.Equal(t, []float64{0, 250, 0}, intens)
	assert.Equal(t, []bool{false, true, false}, on)

	require.NoError(t, c.Off())
	intens, on = port.Lines()
	assert.Equal(t, []float64{0, 250, 0}, intens)
	assert.Equal(t, []bool{false, false, false}, on)
}

type plainPort struct{ hwport.Port }

func TestCelestaNeedsMultiLinePort(t *testing.T) {
	cfg := Config{Type: Celesta, Lines: []Line{{Label: "l1"}}}
	_, err := New(cfg, plainPort{}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Type: "galvo", Lines: []Line{{Label: "l1"}}}, plainPort{}, nil, nil)
	assert.Error(t, err)
	_, err = New(Config{Type: DAQ, Lines: []Line{{Label: "a"}, {Label: "a"}}}, plainPort{}, nil, nil)
	assert.Error(t, err)
}

func TestSetIntensityValidation(t *testing.T) {
	c, _ := newDAQ(t)
	assert.ErrorIs(t, c.SetIntensity("laser9", 10), ErrUnknownLaser)
	assert.ErrorIs(t, c.SetIntensity("laser1", 101), ErrIntensityRange)
	assert.ErrorIs(t, c.SetIntensity("laser1", -1), ErrIntensityRange)
	for _, v := range c.Intensities() {
		assert.Zero(t, v)
	}
}

func TestResetIntensities(t *testing.T) {
	hub := events.NewHub()
	defer hub.Close()
	ch, err := hub.Subscribe("t", 16, events.TopicIntensity)
	require.NoError(t, err)
	port := hwport.NewMock()
	c, err := New(DefaultConfig(), port, hub, nil)
	require.NoError(t, err)
	require.NoError(t, c.SetIntensity("laser3", 80))
	c.ResetIntensities()
	assert.Equal(t, map[string]float64{"laser1": 0, "laser2": 0, "laser3": 0, "laser4": 0}, c.Intensities())
	first := (<-ch).(IntensityChanged)
	assert.Equal(t, 80., first.Intensities["laser3"])
	second := (<-ch).(IntensityChanged)
	assert.Zero(t, second.Intensities["laser3"])
}

func TestLabelFor(t *testing.T) {
	c, _ := newDAQ(t)
	for id, want := range map[string]string{"488 nm": "laser2", "640nm": "laser4", "laser1": "laser1", "561 NM": "laser3"} {
		got, err := c.LabelFor(id)
		require.NoError(t, err, id)
		assert.Equal(t, want, got, id)
	}
	_, err := c.LabelFor("532 nm")
	assert.ErrorIs(t, err, ErrUnknownLaser)
}

func TestTriggerChannels(t *testing.T) {
	c, port := newDAQ(t)
	require.True(t, c.SupportsTrigger())
	_, err := c.SendTrigger()
	assert.ErrorIs(t, err, hwport.ErrNotConfigured)

	require.NoError(t, c.SetupTriggerChannels())
	assert.Equal(t, hwport.Output, port.DirectionOf("/Dev1/port0/line0"))
	assert.Equal(t, hwport.Input, port.DirectionOf("/Dev1/AI0"))
	st, err := c.SendTrigger()
	require.NoError(t, err)
	assert.False(t, st.Missed())
	v, err := c.ReadFire()
	require.NoError(t, err)
	assert.Equal(t, 5., v)

	require.NoError(t, c.ReleaseTriggerChannels())
	assert.Equal(t, hwport.Released, port.DirectionOf("/Dev1/AI0"))
}

func TestApplyJoinsErrors(t *testing.T) {
	c, port := newDAQ(t)
	boom := errors.New("device gone")
	port.Fail["SetVoltage"] = boom
	err := c.Apply()
	assert.ErrorIs(t, err, boom)
	// every line was attempted
	n := 0
	for _, call := range port.Calls() {
		if call.Op == "SetVoltage" {
			n++
		}
	}
	assert.Equal(t, 4, n)
}
