package fluidics

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeBoard emulates the valve board firmware
type fakeBoard struct {
	bits    []byte
	corrupt bool
}

func (f *fakeBoard) serve(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return
		}
		reply := f.handle(line)
		frame := Frame([]byte(reply))
		if f.corrupt {
			frame[0] ^= 0x20
		}
		c.Write(append(frame, '\n'))
	}
}

func (f *fakeBoard) handle(line []byte) string {
	payload, err := Unframe(line)
	if err != nil {
		return "ERR crc"
	}
	cmd := string(payload)
	if cmd == "V?" {
		return "V " + string(f.bits)
	}
	var idx, bit int
	if _, err := fmt.Sscanf(cmd, "V %d %d", &idx, &bit); err != nil {
		return "ERR syntax"
	}
	if idx < 0 || idx >= len(f.bits) {
		return "ERR index " + strconv.Itoa(idx)
	}
	f.bits[idx] = byte('0' + bit)
	return "OK"
}

func newTestArduino(f *fakeBoard, names []string) *Arduino {
	a := NewArduino("fake", names)
	a.Dial = func() (io.ReadWriteCloser, error) {
		x, y := net.Pipe()
		go f.serve(y)
		return x, nil
	}
	return a
}

func TestFrameRoundTrip(t *testing.T) {
	f := Frame([]byte("V 3 1"))
	assert.True(t, strings.HasPrefix(string(f), "V 3 1*"))
	assert.Len(t, f, len("V 3 1")+5)
	p, err := Unframe(append(f, '\n'))
	require.NoError(t, err)
	assert.Equal(t, "V 3 1", string(p))

	// CRC-16/XMODEM check value
	assert.Equal(t, "31C3", checksum([]byte("123456789")))

	_, err = Unframe([]byte("V 3 1*0000"))
	assert.ErrorIs(t, err, ErrChecksum)
	_, err = Unframe([]byte("OK"))
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestArduinoValves(t *testing.T) {
	board := &fakeBoard{bits: []byte("00000000")}
	a := newTestArduino(board, DefaultValveNames)
	defer a.Close()

	require.NoError(t, a.SetValve("mixing", true))
	require.NoError(t, a.SetValve("3_way", true))
	assert.Equal(t, "00001001", string(board.bits))

	st, err := a.Valves()
	require.NoError(t, err)
	assert.True(t, st["mixing"])
	assert.True(t, st["3_way"])
	assert.False(t, st["odor_1"])

	assert.ErrorIs(t, a.SetValve("nope", true), ErrUnknownValve)
}

func TestArduinoDeviceError(t *testing.T) {
	board := &fakeBoard{bits: []byte("00")}
	a := newTestArduino(board, []string{"a", "b", "c"})
	defer a.Close()
	err := a.SetValve("c", true)
	assert.ErrorIs(t, err, ErrDevice)
	assert.Contains(t, err.Error(), "index 2")

	_, err = a.Valves()
	assert.ErrorIs(t, err, ErrMalformed, "two bits reported for three valves")
}

func TestArduinoChecksumMismatch(t *testing.T) {
	board := &fakeBoard{bits: []byte("00000000"), corrupt: true}
	a := newTestArduino(board, DefaultValveNames)
	defer a.Close()
	assert.ErrorIs(t, a.SetValve("mixing", true), ErrChecksum)
}
