package mccdaq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcore/scopectl/hwport"
)

// fakeDriver records every call; fireReads is the number of analog reads
// that return 5 V after the trigger bit goes high
type fakeDriver struct {
	calls     []string
	ain       map[int]float64
	bits      map[int]bool
	fireReads int
	pending   int
	failAIn   error
}

func newFake() *fakeDriver {
	return &fakeDriver{ain: map[int]float64{}, bits: map[int]bool{}}
}

func (f *fakeDriver) aOut(ch int, v float64) error {
	f.calls = append(f.calls, fmt.Sprintf("aOut %d %g", ch, v))
	return nil
}

func (f *fakeDriver) aIn(ch int) (float64, error) {
	f.calls = append(f.calls, fmt.Sprintf("aIn %d", ch))
	if f.failAIn != nil {
		return 0, f.failAIn
	}
	if f.pending > 0 {
		f.pending--
		return 5, nil
	}
	return f.ain[ch], nil
}

func (f *fakeDriver) dConfigBit(bit int, out bool) error {
	f.calls = append(f.calls, fmt.Sprintf("dConfigBit %d %v", bit, out))
	return nil
}

func (f *fakeDriver) dBitOut(bit int, high bool) error {
	f.calls = append(f.calls, fmt.Sprintf("dBitOut %d %v", bit, high))
	if high && !f.bits[bit] {
		f.pending = f.fireReads
	}
	f.bits[bit] = high
	return nil
}

func (f *fakeDriver) dBitIn(bit int) (bool, error) {
	f.calls = append(f.calls, fmt.Sprintf("dBitIn %d", bit))
	return f.bits[bit], nil
}

func (f *fakeDriver) close() error { return nil }

func TestParseChannel(t *testing.T) {
	cases := map[string]Channel{
		"ao0":               {AnalogOut, 0},
		"/Dev1/AO3":         {AnalogOut, 3},
		"AI7":               {AnalogIn, 7},
		"do2":               {Digital, 2},
		"dio5":              {Digital, 5},
		"/Dev1/port0/line0": {Digital, 0},
		"/Dev1/port1/line2": {Digital, 10},
	}
	for name, want := range cases {
		got, err := ParseChannel(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, got, name)
	}
	for _, name := range []string{"", "/Dev1/", "ctr0", "aoX", "port0/line9"} {
		_, err := ParseChannel(name)
		assert.ErrorIs(t, err, ErrChannelName, name)
	}
}

func TestWritesRouteToTheDriver(t *testing.T) {
	f := newFake()
	b := newBoard(f, DefaultConfig())
	require.NoError(t, b.SetVoltage("/Dev1/AO1", 2.5))
	require.NoError(t, b.ConfigureChannel("do3", hwport.Output))
	require.NoError(t, b.WriteChannel("do3", 1))
	require.NoError(t, b.ConfigureChannel("ai2", hwport.Input))
	f.ain[2] = 1.25
	v, err := b.ReadChannel("ai2")
	require.NoError(t, err)
	assert.Equal(t, 1.25, v)
	assert.Equal(t, []string{"aOut 1 2.5", "dConfigBit 3 true", "dBitOut 3 true", "aIn 2"}, f.calls)
}

func TestDirectionIsEnforced(t *testing.T) {
	b := newBoard(newFake(), DefaultConfig())
	assert.ErrorIs(t, b.SetVoltage("ai0", 1), hwport.ErrDirection)
	assert.ErrorIs(t, b.WriteChannel("do0", 1), hwport.ErrNotConfigured)
	assert.ErrorIs(t, b.ConfigureChannel("ao0", hwport.Input), hwport.ErrDirection)

	require.NoError(t, b.ConfigureChannel("do0", hwport.Input))
	assert.ErrorIs(t, b.WriteChannel("do0", 1), hwport.ErrDirection)
	require.NoError(t, b.ConfigureChannel("do0", hwport.Released))
	_, err := b.ReadChannel("do0")
	assert.ErrorIs(t, err, hwport.ErrNotConfigured)
}

func TestSendTrigger(t *testing.T) {
	f := newFake()
	b := newBoard(f, DefaultConfig())
	_, err := b.SendTrigger("/Dev1/port0/line0", "/Dev1/AI0")
	assert.ErrorIs(t, err, hwport.ErrNotConfigured)

	require.NoError(t, b.ConfigureChannel("/Dev1/port0/line0", hwport.Output))
	require.NoError(t, b.ConfigureChannel("/Dev1/AI0", hwport.Input))

	f.fireReads = 2
	st, err := b.SendTrigger("/Dev1/port0/line0", "/Dev1/AI0")
	require.NoError(t, err)
	assert.False(t, st.Missed())
	assert.False(t, f.bits[0], "trigger left high")

	f.fireReads = 0
	st, err = b.SendTrigger("/Dev1/port0/line0", "/Dev1/AI0")
	require.NoError(t, err)
	assert.True(t, st.Missed())
	assert.False(t, f.bits[0], "trigger left high")
}

func TestSendTriggerReadFailureLowersTrigger(t *testing.T) {
	f := newFake()
	f.failAIn = errors.New("usb gone")
	b := newBoard(f, DefaultConfig())
	require.NoError(t, b.ConfigureChannel("do0", hwport.Output))
	require.NoError(t, b.ConfigureChannel("ai0", hwport.Input))
	st, err := b.SendTrigger("do0", "ai0")
	assert.ErrorIs(t, err, f.failAIn)
	assert.True(t, st.Missed())
	assert.False(t, f.bits[0])
}

var _ hwport.Port = (*Board)(nil)
