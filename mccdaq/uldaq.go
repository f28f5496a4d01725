//go:build cgo && uldaq

package mccdaq

/*
#cgo CFLAGS: -I/usr/local/include
#cgo LDFLAGS: -L/usr/local/lib -luldaq
#include <stdlib.h>
#include <uldaq.h>
*/
import "C"
import "fmt"

type uldaq struct {
	handle C.DaqDeviceHandle
}

func ulErr(op string, code C.UlError) error {
	if code == C.ERR_NO_ERROR {
		return nil
	}
	var buf [C.ERR_MSG_LEN]C.char
	C.ulGetErrMsg(code, &buf[0])
	return fmt.Errorf("%s: %s [%d]", op, C.GoString(&buf[0]), int(code))
}

// Open connects to the first MCC DAQ board found on any interface
func Open(cfg Config) (*Board, error) {
	var (
		ary     [1]C.DaqDeviceDescriptor
		numdevs C.uint = 1
	)
	if err := ulErr("device inventory", C.ulGetDaqDeviceInventory(C.ANY_IFC, &ary[0], &numdevs)); err != nil {
		return nil, err
	}
	if numdevs == 0 {
		return nil, ErrNoDevice
	}
	h := C.ulCreateDaqDevice(ary[0])
	if h == 0 {
		return nil, fmt.Errorf("connection to DAQ not opened properly")
	}
	if err := ulErr("connect", C.ulConnectDaqDevice(h)); err != nil {
		C.ulReleaseDaqDevice(h)
		return nil, err
	}
	return newBoard(&uldaq{handle: h}, cfg), nil
}

// BIP10VOLTS is bipolar, +/- 10V; AOUT_FF_DEFAULT applies calibration
// factors to scaled data
func (u *uldaq) aOut(ch int, volts float64) error {
	return ulErr("ulAOut", C.ulAOut(u.handle, C.int(ch), C.BIP10VOLTS, C.AOUT_FF_DEFAULT, C.double(volts)))
}

func (u *uldaq) aIn(ch int) (float64, error) {
	var v C.double
	err := ulErr("ulAIn", C.ulAIn(u.handle, C.int(ch), C.AI_SINGLE_ENDED, C.BIP10VOLTS, C.AIN_FF_DEFAULT, &v))
	return float64(v), err
}

func (u *uldaq) dConfigBit(bit int, out bool) error {
	dir := C.DigitalDirection(C.DD_INPUT)
	if out {
		dir = C.DD_OUTPUT
	}
	return ulErr("ulDConfigBit", C.ulDConfigBit(u.handle, C.FIRSTPORTA, C.int(bit), dir))
}

func (u *uldaq) dBitOut(bit int, high bool) error {
	var v C.uint
	if high {
		v = 1
	}
	return ulErr("ulDBitOut", C.ulDBitOut(u.handle, C.FIRSTPORTA, C.int(bit), v))
}

func (u *uldaq) dBitIn(bit int) (bool, error) {
	var v C.uint
	err := ulErr("ulDBitIn", C.ulDBitIn(u.handle, C.FIRSTPORTA, C.int(bit), &v))
	return v != 0, err
}

func (u *uldaq) close() error {
	err := ulErr("disconnect", C.ulDisconnectDaqDevice(u.handle))
	C.ulReleaseDaqDevice(u.handle)
	return err
}
