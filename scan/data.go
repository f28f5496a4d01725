package scan

import (
	"errors"
	"fmt"
)

// ErrLineIndex is returned by AddLineData for a malformed LineIndex
var ErrLineIndex = errors.New("must pass exactly one of an x index or a y index")

// LineIndex selects the line written by AddLineData.  Build one with XIndex
// or YIndex.
type LineIndex struct {
	x, y int
	set  int
}

// XIndex selects row i of the grid, a line of Ry points along the slow axis
func XIndex(i int) LineIndex { return LineIndex{x: i, set: 1} }

// YIndex selects column j of the grid, a line of Rx points along the fast axis
func YIndex(j int) LineIndex { return LineIndex{y: j, set: 2} }

// Data is the buffer of one scan.  Every channel and every axis position is
// stored as a [Rx][Ry] grid.
type Data struct {
	Axes       AxisPair `json:"axes"`
	Resolution [2]int   `json:"resolution"`

	// Channels maps channel name to its grid
	Channels map[string][][]float64 `json:"channels"`

	// Positions maps axis name to the position grid of that axis
	Positions map[string][][]float64 `json:"positions"`

	// Units maps channel and axis names to their unit
	Units map[string]string `json:"units"`

	channelOrder []string
	axisOrder    []string
}

func grid(rx, ry int) [][]float64 {
	backing := make([]float64, rx*ry)
	g := make([][]float64, rx)
	for i := range g {
		g[i] = backing[i*ry : (i+1)*ry : (i+1)*ry]
	}
	return g
}

// NewData allocates zeroed grids for every channel and axis of c
func NewData(c Constraints, axes AxisPair, rx, ry int) *Data {
	d := &Data{
		Axes:         axes,
		Resolution:   [2]int{rx, ry},
		Channels:     make(map[string][][]float64, len(c.Channels)),
		Positions:    make(map[string][][]float64, len(c.AxisNames)),
		Units:        map[string]string{},
		channelOrder: c.ChannelNames(),
		axisOrder:    append([]string(nil), c.AxisNames...),
	}
	for _, ch := range c.Channels {
		d.Channels[ch.Name] = grid(rx, ry)
		d.Units[ch.Name] = ch.Unit
	}
	for _, ax := range c.AxisNames {
		d.Positions[ax] = grid(rx, ry)
		d.Units[ax] = c.Axes[ax].Unit
	}
	return d
}

// ChannelNames returns the channel names in declared order
func (d *Data) ChannelNames() []string {
	return append([]string(nil), d.channelOrder...)
}

// AxisNames returns the axis names in declared order
func (d *Data) AxisNames() []string {
	return append([]string(nil), d.axisOrder...)
}

// AddLineData writes one line to every channel grid and every position grid.
// position must hold exactly the axes of the buffer and data exactly its
// channels, each with the length of the selected line.  Nothing is written
// unless every check passes.
func (d *Data) AddLineData(position, data map[string][]float64, idx LineIndex) error {
	rx, ry := d.Resolution[0], d.Resolution[1]
	var n int
	switch idx.set {
	case 1:
		if idx.x < 0 || idx.x >= rx {
			return fmt.Errorf("x index %d outside [0, %d)", idx.x, rx)
		}
		n = ry
	case 2:
		if idx.y < 0 || idx.y >= ry {
			return fmt.Errorf("y index %d outside [0, %d)", idx.y, ry)
		}
		n = rx
	default:
		return ErrLineIndex
	}
	if len(position) != len(d.axisOrder) {
		return fmt.Errorf("position must contain all available axes %v", d.axisOrder)
	}
	for _, ax := range d.axisOrder {
		line, ok := position[ax]
		if !ok {
			return fmt.Errorf("position must contain all available axes %v", d.axisOrder)
		}
		if len(line) != n {
			return fmt.Errorf("size of line position data array for %s must be %d but is %d", ax, n, len(line))
		}
	}
	if len(data) != len(d.channelOrder) {
		return fmt.Errorf("data must contain all available channels %v", d.channelOrder)
	}
	for _, ch := range d.channelOrder {
		line, ok := data[ch]
		if !ok {
			return fmt.Errorf("data must contain all available channels %v", d.channelOrder)
		}
		if len(line) != n {
			return fmt.Errorf("size of line data array for %s must be %d but is %d", ch, n, len(line))
		}
	}

	write := func(g [][]float64, line []float64) {
		if idx.set == 1 {
			copy(g[idx.x], line)
			return
		}
		for i := range g {
			g[i][idx.y] = line[i]
		}
	}
	for ax, line := range position {
		write(d.Positions[ax], line)
	}
	for ch, line := range data {
		write(d.Channels[ch], line)
	}
	return nil
}

// Column returns a copy of column j of a channel, the line written by YIndex(j)
func (d *Data) Column(channel string, j int) []float64 {
	g, ok := d.Channels[channel]
	if !ok || j < 0 || j >= d.Resolution[1] {
		return nil
	}
	out := make([]float64, len(g))
	for i := range g {
		out[i] = g[i][j]
	}
	return out
}

// Clone returns a deep copy
func (d *Data) Clone() *Data {
	out := &Data{
		Axes:         d.Axes,
		Resolution:   d.Resolution,
		Channels:     make(map[string][][]float64, len(d.Channels)),
		Positions:    make(map[string][][]float64, len(d.Positions)),
		Units:        make(map[string]string, len(d.Units)),
		channelOrder: append([]string(nil), d.channelOrder...),
		axisOrder:    append([]string(nil), d.axisOrder...),
	}
	cp := func(g [][]float64) [][]float64 {
		c := grid(d.Resolution[0], d.Resolution[1])
		for i := range g {
			copy(c[i], g[i])
		}
		return c
	}
	for k, g := range d.Channels {
		out.Channels[k] = cp(g)
	}
	for k, g := range d.Positions {
		out.Positions[k] = cp(g)
	}
	for k, v := range d.Units {
		out.Units[k] = v
	}
	return out
}
