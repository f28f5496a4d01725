package fluidics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve(t *testing.T) {
	r := Resolve(1, 2.0)
	assert.Equal(t, [4]float64{2, 2, 4, 4}, r.Setpoints)
	assert.True(t, r.ValvesEnabled)
	assert.True(t, r.AirFlow)
	assert.Equal(t, 1, r.ConfigTag)

	r = Resolve(0, 5.0)
	assert.Equal(t, [4]float64{}, r.Setpoints)
	assert.False(t, r.ValvesEnabled)
	assert.False(t, r.AirFlow)
	assert.Zero(t, r.ConfigTag)

	assert.Equal(t, Resolution{}, Resolve(2, 0), "zero flow stops everything")

	r = Resolve(2, 1.5)
	assert.Equal(t, [4]float64{3, 3, 6, 0}, r.Setpoints)
	assert.Equal(t, 2, r.ConfigTag)
	assert.Equal(t, r, Resolve(7, 1.5), "any other index uses the all-odor policy")
}

func TestValveTableLookup(t *testing.T) {
	tbl := DefaultValveTable()
	require.NoError(t, tbl.Validate())

	idx, err := tbl.Lookup([]int{0, 0, 0, 0, 1, 0, 0, 1})
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	// one bit away from configuration 1 is still no match
	_, err = tbl.Lookup([]int{0, 0, 0, 0, 1, 1, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownConfiguration)
	_, err = tbl.Lookup([]int{0, 0, 0})
	assert.ErrorIs(t, err, ErrUnknownConfiguration)
}

func TestValveTableFirstMatchWins(t *testing.T) {
	tbl := ValveTable{
		Names:   []string{"a", "b"},
		Configs: [][]int{{0, 0}, {1, 0}, {1, 0}},
		Schemes: []string{"off", "first", "second"},
	}
	require.NoError(t, tbl.Validate())
	idx, err := tbl.Lookup([]int{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 1, idx)
}

func TestValveTableValidate(t *testing.T) {
	bad := []ValveTable{
		{},
		{Names: []string{"a", "a"}, Configs: [][]int{{0, 0}}, Schemes: []string{"x"}},
		{Names: []string{"a"}, Configs: [][]int{{0}}, Schemes: nil},
		{Names: []string{"a"}, Configs: [][]int{{0, 1}}, Schemes: []string{"x"}},
		{Names: []string{"a"}, Configs: [][]int{{2}}, Schemes: []string{"x"}},
		{Names: []string{"a"}, Configs: [][]int{{1}}, Schemes: []string{"x"}},
	}
	for i, tbl := range bad {
		assert.Error(t, tbl.Validate(), "table %d", i)
	}
}

func TestVector(t *testing.T) {
	tbl := DefaultValveTable()
	v := tbl.Vector(ValveState{"mixing": true, "3_way": true, "not_a_valve": true})
	assert.Equal(t, []int{0, 0, 0, 0, 1, 0, 0, 1}, v)
}
