package multicolor

import (
	"fmt"
	"sync"
)

// FilterWheel is a motorized filter wheel
type FilterWheel interface {
	// SetPosition commands a move to a 1-based position.  It may return
	// before the move completes.
	SetPosition(int) error

	// Position returns the current position
	Position() (int, error)
}

// MockWheel is a simulated filter wheel which reaches the commanded position
// after Lag reads of Position
type MockWheel struct {
	sync.Mutex

	// Slots is the number of positions
	Slots int

	// Lag is the number of Position calls a move takes
	Lag int

	pos, target, remaining int
}

// NewMockWheel returns a six position wheel at position 1
func NewMockWheel() *MockWheel {
	return &MockWheel{Slots: 6, pos: 1, target: 1}
}

// SetPosition starts a move
func (w *MockWheel) SetPosition(p int) error {
	w.Lock()
	defer w.Unlock()
	if p < 1 || p > w.Slots {
		return fmt.Errorf("filter position %d outside [1, %d]", p, w.Slots)
	}
	w.target = p
	w.remaining = w.Lag
	return nil
}

// Position returns the position, advancing a move in progress
func (w *MockWheel) Position() (int, error) {
	w.Lock()
	defer w.Unlock()
	if w.pos != w.target {
		if w.remaining > 0 {
			w.remaining--
		} else {
			w.pos = w.target
		}
	}
	return w.pos, nil
}
