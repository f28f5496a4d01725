/*Package mccdaq drives Measurement Computing DAQ boards through the uldaq
library as an hwport.Port.

The cgo binding is only compiled with the uldaq build tag, e.g.

	go build -tags uldaq ./cmd/scopesrv

without it Open returns ErrNoDriver.  Channel names follow the hwport
convention; "ao0", "ai3", "do2", "di1" and NI style "/Dev1/AO0" or
"/Dev1/port0/line2" are all understood.  Digital bits are numbered from the
first port, eight bits per port.
*/
package mccdaq

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labcore/scopectl/hwport"
)

var (
	// ErrNoDriver is returned by Open when the uldaq binding is not compiled in
	ErrNoDriver = errors.New("built without the uldaq driver")

	// ErrNoDevice is returned by Open when no board is attached
	ErrNoDevice = errors.New("no MCC DAQ device detected")

	// ErrChannelName is returned for a channel name that can not be parsed
	ErrChannelName = errors.New("unrecognized channel name")
)

// Kind is the kind of a channel
type Kind int

const (
	// AnalogOut is a D/A channel
	AnalogOut Kind = iota

	// AnalogIn is an A/D channel
	AnalogIn

	// Digital is a single bit of a digital port
	Digital
)

// Channel is a parsed channel name
type Channel struct {
	Kind  Kind
	Index int
}

// ParseChannel parses a channel name
func ParseChannel(name string) (Channel, error) {
	parts := strings.FieldsFunc(strings.ToLower(name), func(r rune) bool { return r == '/' })
	if len(parts) == 0 {
		return Channel{}, fmt.Errorf("%w: %q", ErrChannelName, name)
	}
	last := parts[len(parts)-1]
	if strings.HasPrefix(last, "line") && len(parts) > 1 && strings.HasPrefix(parts[len(parts)-2], "port") {
		port, err1 := strconv.Atoi(strings.TrimPrefix(parts[len(parts)-2], "port"))
		line, err2 := strconv.Atoi(strings.TrimPrefix(last, "line"))
		if err1 != nil || err2 != nil || port < 0 || line < 0 || line > 7 {
			return Channel{}, fmt.Errorf("%w: %q", ErrChannelName, name)
		}
		return Channel{Kind: Digital, Index: port*8 + line}, nil
	}
	prefixes := []struct {
		p string
		k Kind
	}{{"ao", AnalogOut}, {"ai", AnalogIn}, {"dio", Digital}, {"do", Digital}, {"di", Digital}}
	for _, pk := range prefixes {
		if !strings.HasPrefix(last, pk.p) {
			continue
		}
		idx, err := strconv.Atoi(last[len(pk.p):])
		if err != nil || idx < 0 {
			break
		}
		return Channel{Kind: pk.k, Index: idx}, nil
	}
	return Channel{}, fmt.Errorf("%w: %q", ErrChannelName, name)
}

// Config holds the trigger timing of a board
type Config struct {
	// FireThreshold is the fire input level in volts above which the camera
	// is considered to have fired
	FireThreshold float64 `koanf:"FireThreshold" yaml:"FireThreshold"`

	// PulseWidth is the length of the trigger pulse, during which the fire
	// input is polled
	PulseWidth time.Duration `koanf:"PulseWidth" yaml:"PulseWidth"`
}

// DefaultConfig returns a 2.5 V threshold and a 1 ms pulse
func DefaultConfig() Config {
	return Config{FireThreshold: 2.5, PulseWidth: time.Millisecond}
}

// driver is the set of uldaq calls a Board makes
type driver interface {
	aOut(ch int, volts float64) error
	aIn(ch int) (float64, error)
	dConfigBit(bit int, out bool) error
	dBitOut(bit int, high bool) error
	dBitIn(bit int) (bool, error)
	close() error
}

// Board is an MCC DAQ board
type Board struct {
	mu   sync.Mutex
	drv  driver
	cfg  Config
	dirs map[string]hwport.Direction
}

func newBoard(drv driver, cfg Config) *Board {
	if cfg.PulseWidth <= 0 {
		cfg.PulseWidth = DefaultConfig().PulseWidth
	}
	return &Board{drv: drv, cfg: cfg, dirs: map[string]hwport.Direction{}}
}

func (b *Board) output(name string) (Channel, error) {
	ch, err := ParseChannel(name)
	if err != nil {
		return ch, err
	}
	switch d := b.dirs[name]; {
	case d == hwport.Input, ch.Kind == AnalogIn:
		return ch, fmt.Errorf("write to %s: %w", name, hwport.ErrDirection)
	case ch.Kind == Digital && d != hwport.Output:
		return ch, fmt.Errorf("write to %s: %w", name, hwport.ErrNotConfigured)
	}
	return ch, nil
}

func (b *Board) write(name string, value float64) error {
	ch, err := b.output(name)
	if err != nil {
		return err
	}
	if ch.Kind == AnalogOut {
		return b.drv.aOut(ch.Index, value)
	}
	return b.drv.dBitOut(ch.Index, value != 0)
}

// SetVoltage writes a voltage to an analog output
func (b *Board) SetVoltage(channel string, volts float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(channel, volts)
}

// WriteChannel writes to an analog output, or sets a digital bit for any
// nonzero value
func (b *Board) WriteChannel(channel string, value float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.write(channel, value)
}

func (b *Board) read(name string) (float64, error) {
	ch, err := ParseChannel(name)
	if err != nil {
		return 0, err
	}
	switch ch.Kind {
	case AnalogIn:
		return b.drv.aIn(ch.Index)
	case Digital:
		if b.dirs[name] != hwport.Input {
			return 0, fmt.Errorf("read from %s: %w", name, hwport.ErrNotConfigured)
		}
		high, err := b.drv.dBitIn(ch.Index)
		if high {
			return 1, err
		}
		return 0, err
	}
	return 0, fmt.Errorf("read from %s: %w", name, hwport.ErrDirection)
}

// ReadChannel reads an analog input in volts, or a digital input as 0 or 1
func (b *Board) ReadChannel(channel string) (float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.read(channel)
}

// SendTrigger drives the trigger bit 0-1-0 and polls the fire input while
// it is high
func (b *Board) SendTrigger(trigger, fire string) (hwport.Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dirs[trigger] != hwport.Output {
		return hwport.StatusMissed, fmt.Errorf("trigger %s: %w", trigger, hwport.ErrNotConfigured)
	}
	if b.dirs[fire] != hwport.Input {
		return hwport.StatusMissed, fmt.Errorf("fire %s: %w", fire, hwport.ErrNotConfigured)
	}
	if err := b.write(trigger, 0); err != nil {
		return hwport.StatusMissed, err
	}
	if err := b.write(trigger, 1); err != nil {
		return hwport.StatusMissed, err
	}
	seen := false
	var readErr error
	deadline := time.Now().Add(b.cfg.PulseWidth)
	for !seen {
		v, err := b.read(fire)
		if err != nil {
			readErr = err
			break
		}
		seen = v > b.cfg.FireThreshold
		if time.Now().After(deadline) {
			break
		}
	}
	if err := b.write(trigger, 0); err != nil {
		return hwport.StatusMissed, errors.Join(readErr, err)
	}
	if readErr != nil {
		return hwport.StatusMissed, readErr
	}
	if !seen {
		return hwport.StatusMissed, nil
	}
	return hwport.StatusOK, nil
}

// ConfigureChannel sets the direction of a channel.  Digital bits are
// configured on the board; analog channels only have their direction
// recorded.
func (b *Board) ConfigureChannel(channel string, dir hwport.Direction) error {
	ch, err := ParseChannel(channel)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if dir == hwport.Released {
		delete(b.dirs, channel)
		if ch.Kind == Digital {
			return b.drv.dConfigBit(ch.Index, false)
		}
		return nil
	}
	if (ch.Kind == AnalogOut && dir == hwport.Input) || (ch.Kind == AnalogIn && dir == hwport.Output) {
		return fmt.Errorf("configure %s as %s: %w", channel, dir, hwport.ErrDirection)
	}
	if ch.Kind == Digital {
		if err := b.drv.dConfigBit(ch.Index, dir == hwport.Output); err != nil {
			return err
		}
	}
	b.dirs[channel] = dir
	return nil
}

// Close releases the board
func (b *Board) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.drv.close()
}
