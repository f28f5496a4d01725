package fluidics

import (
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/snksoft/crc"
	"github.com/tarm/serial"

	"github.com/labcore/scopectl/comm"
)

// messages to and from the valve board are ASCII, [PAYLOAD]*[CRC]\n where
// CRC is the CRC-16/XMODEM of PAYLOAD as four upper case hex digits.
//
// commands:
//	V <index> <0|1>   drive valve index, replies OK
//	V?                replies V <bits>, one 0/1 per valve in index order
//
// errors are replied as ERR <message>

const frameSep = '*'

var (
	crcTable = crc.NewTable(crc.XMODEM)

	// ErrChecksum is returned when a reply fails its CRC check
	ErrChecksum = errors.New("CRC mismatch, valve board state unknown")

	// ErrMalformed is returned for replies without a CRC field
	ErrMalformed = errors.New("malformed reply from valve board")

	// ErrDevice wraps ERR replies of the valve board
	ErrDevice = errors.New("valve board error")
)

func checksum(payload []byte) string {
	return fmt.Sprintf("%04X", crcTable.CalculateCRC(payload))
}

// Frame appends the CRC field to a payload
func Frame(payload []byte) []byte {
	out := make([]byte, 0, len(payload)+5)
	out = append(out, payload...)
	out = append(out, frameSep)
	return append(out, checksum(payload)...)
}

// Unframe checks and strips the CRC field of a frame
func Unframe(frame []byte) ([]byte, error) {
	frame = bytes.TrimRight(frame, "\r\n")
	idx := bytes.LastIndexByte(frame, frameSep)
	if idx < 0 || len(frame)-idx-1 != 4 {
		return nil, fmt.Errorf("%w: %q", ErrMalformed, frame)
	}
	payload, sum := frame[:idx], string(frame[idx+1:])
	if !strings.EqualFold(sum, checksum(payload)) {
		return nil, ErrChecksum
	}
	return payload, nil
}

// makeSerConf makes a new serial.Config for the valve board
func makeSerConf(addr string) *serial.Config {
	return &serial.Config{
		Name:        addr,
		Baud:        115200,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: 2 * time.Second}
}

// Arduino is the valve board of the circuit
type Arduino struct {
	*comm.RemoteDevice

	names []string
}

// NewArduino returns a valve board on serial port addr driving the named
// valves, in board index order
func NewArduino(addr string, names []string) *Arduino {
	term := comm.Terminators{Rx: '\n', Tx: '\n'}
	rd := comm.NewRemoteDevice(addr, true, &term, makeSerConf(addr))
	return &Arduino{RemoteDevice: rd, names: append([]string(nil), names...)}
}

// Command sends a payload and returns the checked reply payload
func (a *Arduino) Command(payload string) (string, error) {
	resp, err := a.OpenSendRecv(Frame([]byte(payload)))
	if err != nil {
		return "", err
	}
	body, err := Unframe(resp)
	if err != nil {
		return "", err
	}
	s := string(body)
	if strings.HasPrefix(s, "ERR") {
		return "", fmt.Errorf("%w: %s", ErrDevice, strings.TrimSpace(strings.TrimPrefix(s, "ERR")))
	}
	return s, nil
}

func (a *Arduino) index(name string) (int, error) {
	for i, n := range a.names {
		if n == name {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%w: %s", ErrUnknownValve, name)
}

// SetValve opens or closes a valve
func (a *Arduino) SetValve(name string, open bool) error {
	idx, err := a.index(name)
	if err != nil {
		return err
	}
	bit := 0
	if open {
		bit = 1
	}
	resp, err := a.Command(fmt.Sprintf("V %d %d", idx, bit))
	if err != nil {
		return err
	}
	if resp != "OK" {
		return fmt.Errorf("%w: %q", ErrMalformed, resp)
	}
	return nil
}

// Valves reads the state of every valve
func (a *Arduino) Valves() (ValveState, error) {
	resp, err := a.Command("V?")
	if err != nil {
		return nil, err
	}
	bits := strings.TrimPrefix(resp, "V ")
	if len(bits) != len(a.names) || bits == resp {
		return nil, fmt.Errorf("%w: %q for %d valves", ErrMalformed, resp, len(a.names))
	}
	out := make(ValveState, len(a.names))
	for i, n := range a.names {
		b, err := strconv.ParseBool(bits[i : i+1])
		if err != nil {
			return nil, fmt.Errorf("%w: %q", ErrMalformed, resp)
		}
		out[n] = b
	}
	return out, nil
}
