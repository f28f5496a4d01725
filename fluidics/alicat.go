package fluidics

import (
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/tarm/serial"

	"github.com/labcore/scopectl/comm"
)

const (
	alicatTerm    = '\r'
	alicatMaxResp = 128
)

// AlicatBus drives four Alicat mass flow controllers sharing one RS-232
// line, addressed by unit id.  Replies are data frames,
//
//	A +014.70 +025.00 +02.004 +02.004 02.000 Air
//
// id, pressure, temperature, volumetric flow, mass flow, setpoint, gas.
type AlicatBus struct {
	pool  *comm.Pool
	Units [4]string
}

// AlicatSerConf makes a new serial.Config for an Alicat bus at the factory baud rate
func AlicatSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        19200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: time.Second}
}

// NewAlicatBus returns a bus with units A through D.  Connections are made
// by maker and closed after a minute without use.
func NewAlicatBus(maker comm.CreationFunc) *AlicatBus {
	return &AlicatBus{
		pool:  comm.NewPool(1, time.Minute, maker),
		Units: [4]string{"A", "B", "C", "D"},
	}
}

// AlicatFrame is a parsed data frame
type AlicatFrame struct {
	Unit        string
	Pressure    float64
	Temperature float64
	VolFlow     float64
	MassFlow    float64
	Setpoint    float64
	Gas         string
}

// ParseAlicatFrame parses a data frame
func ParseAlicatFrame(s string) (AlicatFrame, error) {
	f := strings.Fields(s)
	if len(f) < 7 {
		return AlicatFrame{}, fmt.Errorf("alicat: short data frame %q", s)
	}
	var nums [5]float64
	for i := range nums {
		v, err := strconv.ParseFloat(f[i+1], 64)
		if err != nil {
			return AlicatFrame{}, fmt.Errorf("alicat: field %d of %q: %w", i+1, s, err)
		}
		nums[i] = v
	}
	return AlicatFrame{
		Unit:        f[0],
		Pressure:    nums[0],
		Temperature: nums[1],
		VolFlow:     nums[2],
		MassFlow:    nums[3],
		Setpoint:    nums[4],
		Gas:         f[6],
	}, nil
}

// WriteRead sends one command and returns the reply without terminator
func (b *AlicatBus) WriteRead(cmd string) (resp string, err error) {
	conn, err := b.pool.Get()
	if err != nil {
		return "", err
	}
	defer func() { b.pool.ReturnWithError(conn, err) }()
	if _, err = io.WriteString(conn, cmd+string(alicatTerm)); err != nil {
		return "", err
	}
	// the controllers write replies a few bytes at a time; creep through
	// the response scanning for the terminator
	var workspace [alicatMaxResp]byte
	buf := workspace[:]
	n := 0
	for n < len(buf) {
		m, rerr := conn.Read(buf[n:])
		n += m
		if m > 0 && buf[n-1] == alicatTerm {
			return string(buf[:n-1]), nil
		}
		if rerr != nil {
			err = rerr
			return "", err
		}
	}
	err = errors.New("alicat: reply exceeds maximum length without terminator")
	return "", err
}

func (b *AlicatBus) frame(cmd, unit string) (AlicatFrame, error) {
	resp, err := b.WriteRead(cmd)
	if err != nil {
		return AlicatFrame{}, err
	}
	f, err := ParseAlicatFrame(resp)
	if err != nil {
		return f, err
	}
	if f.Unit != unit {
		return f, fmt.Errorf("alicat: reply from unit %s to a command for %s", f.Unit, unit)
	}
	return f, nil
}

// SetSetpoint sets the mass flow setpoint of one unit in sL/min
func (b *AlicatBus) SetSetpoint(unit string, sp float64) error {
	_, err := b.frame(fmt.Sprintf("%sS %.3f", unit, sp), unit)
	return err
}

// StartFlow sets the setpoint of every unit.  The configuration tag has
// no counterpart on Alicat controllers and is not sent.
func (b *AlicatBus) StartFlow(setpoints [4]float64, tag int) error {
	var errs []error
	for i, u := range b.Units {
		errs = append(errs, b.SetSetpoint(u, setpoints[i]))
	}
	return errors.Join(errs...)
}

// StopFlow zeros every setpoint
func (b *AlicatBus) StopFlow() error {
	return b.StartFlow([4]float64{}, 0)
}

// FlowRates polls the mass flow of every unit
func (b *AlicatBus) FlowRates() ([]float64, error) {
	out := make([]float64, len(b.Units))
	for i, u := range b.Units {
		f, err := b.frame(u, u)
		if err != nil {
			return nil, err
		}
		out[i] = f.MassFlow
	}
	return out, nil
}

// Close closes the idle connection
func (b *AlicatBus) Close() error {
	return b.pool.Close()
}
