package scan

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"

	"github.com/labcore/scopectl/util"
)

// LineSource acquires scan lines
type LineSource interface {
	// Prepare is called once when a scan starts, with the settings snapshot
	// of that scan
	Prepare(axes AxisPair, s Settings) error

	// AcquireLine returns one line per channel for slow axis index j.
	// position holds the commanded position of every axis along the line.
	AcquireLine(ctx context.Context, j int, position map[string][]float64) (map[string][]float64, error)
}

// SimulatedSource renders a field of randomly placed, rotated gaussian
// emitters with 10% uniform noise and serves it line by line.  Every
// channel receives the same data.
type SimulatedSource struct {
	// Channels are the channel names to produce
	Channels []string

	// Seed seeds the emitter placement
	Seed int64

	// MaxSpots caps the number of emitters; 0 means 500
	MaxSpots int

	mu    sync.Mutex
	image [][]float64
}

// NewSimulatedSource returns a SimulatedSource producing the channels of c
func NewSimulatedSource(c Constraints, seed int64) *SimulatedSource {
	return &SimulatedSource{Channels: c.ChannelNames(), Seed: seed}
}

type emitter struct {
	x0, y0, z0              float64
	sigX, sigY, sigZ, theta float64
}

const (
	simAmplitude = 200000.
	simOffset    = 20000.
	// one emitter per 5x5 um
	simAreaDensity = 1 / (5e-6 * 5e-6)
)

// Prepare renders the image for the scan
func (s *SimulatedSource) Prepare(axes AxisPair, st Settings) error {
	rx, ry := st.Resolution[axes.Fast()], st.Resolution[axes.Slow()]
	if rx < 1 || ry < 1 {
		return fmt.Errorf("simulated source: resolution %dx%d", rx, ry)
	}
	xr, yr := st.Range[axes.Fast()], st.Range[axes.Slow()]
	xSpan, ySpan := xr[1]-xr[0], yr[1]-yr[0]
	const zStart, zSpan = -5e-6, 10e-6

	maxSpots := s.MaxSpots
	if maxSpots == 0 {
		maxSpots = 500
	}
	nSpots := int(math.Round(simAreaDensity * xSpan * ySpan))
	if nSpots > maxSpots {
		nSpots = maxSpots
	}
	rng := rand.New(rand.NewSource(s.Seed))
	spots := make([]emitter, nSpots)
	for i := range spots {
		spots[i] = emitter{
			x0:    rng.Float64()*xSpan + xr[0],
			y0:    rng.Float64()*ySpan + yr[0],
			z0:    rng.Float64()*zSpan + zStart,
			sigX:  rng.Float64()*50e-9 + 150e-9,
			sigY:  rng.Float64()*50e-9 + 150e-9,
			sigZ:  rng.Float64()*100e-9 + 450e-9,
			theta: rng.Float64() * 2 * math.Pi,
		}
	}

	xs := util.Linspace(xr[0], xr[1], rx)
	ys := util.Linspace(yr[0], yr[1], ry)
	img := make([][]float64, rx)
	for i := range img {
		img[i] = make([]float64, ry)
		for j := range img[i] {
			img[i][j] = rng.Float64()*simAmplitude*0.1 + gaussEnsemble(spots, xs[i], ys[j])
		}
	}
	s.mu.Lock()
	s.image = img
	s.mu.Unlock()
	return nil
}

func gaussEnsemble(spots []emitter, x, y float64) float64 {
	var sum float64
	for _, e := range spots {
		sin2, cos2 := math.Sin(e.theta)*math.Sin(e.theta), math.Cos(e.theta)*math.Cos(e.theta)
		a := cos2/(2*e.sigX*e.sigX) + sin2/(2*e.sigY*e.sigY)
		b := math.Sin(2*e.theta)/(4*e.sigY*e.sigY) - math.Sin(2*e.theta)/(4*e.sigX*e.sigX)
		c := sin2/(2*e.sigX*e.sigX) + cos2/(2*e.sigY*e.sigY)
		zf := math.Exp(-(e.z0 * e.z0) / (2 * e.sigZ * e.sigZ))
		dx, dy := x-e.x0, y-e.y0
		sum += zf * math.Exp(-(a*dx*dx + 2*b*dx*dy + c*dy*dy))
	}
	return sum*(simAmplitude-simOffset) + simOffset
}

// AcquireLine returns column j of the rendered image for every channel
func (s *SimulatedSource) AcquireLine(ctx context.Context, j int, position map[string][]float64) (map[string][]float64, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.image == nil {
		return nil, fmt.Errorf("simulated source: not prepared")
	}
	if j < 0 || len(s.image) == 0 || j >= len(s.image[0]) {
		return nil, fmt.Errorf("simulated source: line %d out of range", j)
	}
	line := make([]float64, len(s.image))
	for i := range s.image {
		line[i] = s.image[i][j]
	}
	out := make(map[string][]float64, len(s.Channels))
	for _, ch := range s.Channels {
		out[ch] = append([]float64(nil), line...)
	}
	return out, nil
}
