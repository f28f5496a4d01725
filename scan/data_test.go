package scan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func lineOf(n int, v float64) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = v + float64(i)
	}
	return out
}

func fullLine(c Constraints, n int, v float64) (map[string][]float64, map[string][]float64) {
	pos := map[string][]float64{}
	for _, ax := range c.AxisNames {
		pos[ax] = lineOf(n, v)
	}
	data := map[string][]float64{}
	for _, ch := range c.ChannelNames() {
		data[ch] = lineOf(n, v*10)
	}
	return pos, data
}

func TestAddLineDataYIndexWritesColumn(t *testing.T) {
	c := DefaultConstraints()
	d := NewData(c, xy, 3, 4)
	pos, data := fullLine(c, 3, 1)
	require.NoError(t, d.AddLineData(pos, data, YIndex(2)))
	for i := 0; i < 3; i++ {
		assert.Equal(t, 10+float64(i), d.Channels["unfug"][i][2])
		assert.Equal(t, 1+float64(i), d.Positions["phi"][i][2])
		assert.Equal(t, 0., d.Channels["unfug"][i][1])
	}
	assert.Equal(t, []float64{10, 11, 12}, d.Column("fluorescence", 2))
}

func TestAddLineDataXIndexWritesRow(t *testing.T) {
	c := DefaultConstraints()
	d := NewData(c, xy, 3, 4)
	pos, data := fullLine(c, 4, 2)
	require.NoError(t, d.AddLineData(pos, data, XIndex(1)))
	assert.Equal(t, []float64{20, 21, 22, 23}, d.Channels["fluorescence"][1])
	assert.Equal(t, []float64{0, 0, 0, 0}, d.Channels["fluorescence"][0])
}

func TestAddLineDataRejectsWithoutPartialWrite(t *testing.T) {
	c := DefaultConstraints()
	d := NewData(c, xy, 3, 4)

	pos, data := fullLine(c, 3, 1)
	data["unfug"] = lineOf(2, 0)
	assert.Error(t, d.AddLineData(pos, data, YIndex(0)))

	pos, data = fullLine(c, 3, 1)
	delete(pos, "z")
	assert.Error(t, d.AddLineData(pos, data, YIndex(0)))

	pos, data = fullLine(c, 3, 1)
	assert.ErrorIs(t, d.AddLineData(pos, data, LineIndex{}), ErrLineIndex)
	assert.Error(t, d.AddLineData(pos, data, YIndex(4)))

	for _, g := range d.Channels {
		for _, row := range g {
			for _, v := range row {
				assert.Zero(t, v)
			}
		}
	}
	for _, g := range d.Positions {
		for _, row := range g {
			for _, v := range row {
				assert.Zero(t, v)
			}
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	c := DefaultConstraints()
	d := NewData(c, xy, 2, 2)
	cl := d.Clone()
	d.Channels["unfug"][0][0] = 5
	assert.Zero(t, cl.Channels["unfug"][0][0])
	assert.Equal(t, d.ChannelNames(), cl.ChannelNames())
	assert.Equal(t, "c/s", cl.Units["fluorescence"])
}

func TestDefaultSettingsCoverEveryPair(t *testing.T) {
	s := DefaultSettings(DefaultConstraints())
	assert.Len(t, s.ScanAxes, 6)
	assert.True(t, s.HasAxes(xy))
	assert.False(t, s.HasAxes(AxisPair{"y", "x"}))
	assert.NoError(t, SettingsUpdate{Resolution: s.Resolution, Range: s.Range, ScanAxes: s.ScanAxes}.Validate(DefaultConstraints()))
}
