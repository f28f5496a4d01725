/*Package comm provides the transport used to talk to serial and TCP lab hardware.

Most usages of this package will boil down to:
	1.  embed a *RemoteDevice in a type that represents your hardware, created
		with NewRemoteDevice and the terminators and serial settings of the
		device.
	2.  write methods on that type that frame commands and parse responses,
		calling SendRecv for the round trip.

Devices which are better served by opening a connection per exchange and
closing it when idle use a Pool instead.

A minimal example for a sensor that responds to "RD?" with a reading:

	type Sensor struct {
		*comm.RemoteDevice
	}

	func (s *Sensor) Read() (float64, error) {
		resp, err := s.OpenSendRecv([]byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

var (
	// ErrNoSerialConf is generated when a serial RemoteDevice has no serial config
	ErrNoSerialConf = errors.New("serial device without serial config")

	// ErrNotConnected is generated when Send or Recv is called before Open
	ErrNotConnected = errors.New("conn is nil, not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// Terminators holds the receive and transmit termination bytes
type Terminators struct {
	Rx byte
	Tx byte
}

// CarriageReturn terminates both directions with \r
var CarriageReturn = Terminators{Rx: '\r', Tx: '\r'}

// Sender has a Send method that passes along a byte slice
type Sender interface {
	Send([]byte) error
}

// Recver has a Recv method that gets a byte slice
type Recver interface {
	Recv() ([]byte, error)
}

// SendRecver can send and recieve, and provides a method that sends then recieves
type SendRecver interface {
	Sender
	Recver

	SendRecv([]byte) ([]byte, error)
}

// Opener can open ("establish a connection" but in io language)
type Opener interface {
	Open() error
}

// A Communicator can Open, Send, Recv and Close
type Communicator interface {
	io.Closer
	Opener
	SendRecver
}

// CreationFunc is a function which returns a new "connection" to something.
// A closure should be used to encapsulate the variables needed.
type CreationFunc func() (io.ReadWriteCloser, error)

// SerialConnMaker returns a CreationFunc opening the serial port described by conf
func SerialConnMaker(conf *serial.Config) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		if conf == nil {
			return nil, ErrNoSerialConf
		}
		return serial.OpenPort(conf)
	}
}

// TCPConnMaker returns a CreationFunc dialing addr with TCPSetup
func TCPConnMaker(addr string, timeout time.Duration) CreationFunc {
	return func() (io.ReadWriteCloser, error) {
		return TCPSetup(addr, timeout)
	}
}

/*RemoteDevice has an address and implements Communicator.

Send, Recv and SendRecv hold an internal lock, so a RemoteDevice may be shared
between goroutines and exchanges are never interleaved.
*/
type RemoteDevice struct {
	Addr     string
	IsSerial bool
	Term     Terminators

	// SerConf is used to open the port when IsSerial is true
	SerConf *serial.Config

	// Dial overrides the serial and TCP openers when not nil
	Dial CreationFunc

	// Timeout bounds TCP connect, read, and write
	Timeout time.Duration

	mu   sync.Mutex
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// NewRemoteDevice creates a new RemoteDevice.  Nil terminators mean
// CarriageReturn.
func NewRemoteDevice(addr string, serial bool, term *Terminators, serConf *serial.Config) *RemoteDevice {
	rd := &RemoteDevice{
		Addr:     addr,
		IsSerial: serial,
		Term:     CarriageReturn,
		SerConf:  serConf,
		Timeout:  3 * time.Second,
	}
	if term != nil {
		rd.Term = *term
	}
	return rd
}

// Open the connection, if it is not already open
func (rd *RemoteDevice) Open() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn != nil {
		return nil
	}
	// serial adapters and embedded boards reset when the port is opened and
	// do not like being connection thrashed
	wasTimeout := false
	op := func() error {
		err := rd.open()
		if err != nil {
			errS := strings.ToLower(err.Error())
			if strings.Contains(errS, "refused") || errors.Is(err, ErrNoSerialConf) {
				return backoff.Permanent(err)
			}
			wasTimeout = true
			return err
		}
		wasTimeout = false
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      3 * time.Second,
		Clock:               backoff.SystemClock})
	if err == nil {
		return nil
	}
	if wasTimeout {
		return fmt.Errorf("connection timeout to %s: %w", rd.Addr, err)
	}
	return err
}

func (rd *RemoteDevice) open() error {
	var (
		conn io.ReadWriteCloser
		err  error
	)
	switch {
	case rd.Dial != nil:
		conn, err = rd.Dial()
	case rd.IsSerial:
		conn, err = SerialConnMaker(rd.SerConf)()
	default:
		conn, err = TCPSetup(rd.Addr, rd.Timeout)
	}
	if err != nil {
		return err
	}
	rd.conn = conn
	rd.rd = bufio.NewReader(conn)
	return nil
}

// Close the connection.  Closing a closed device is not an error.
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn = nil
	rd.rd = nil
	return err
}

// Connected returns true between a successful Open and Close
func (rd *RemoteDevice) Connected() bool {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.conn != nil
}

// Send writes data to the remote after appending the Tx terminator
func (rd *RemoteDevice) Send(b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.send(b)
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.conn == nil {
		return ErrNotConnected
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(buf, b...)
	buf = append(buf, rd.Term.Tx)
	_, err := rd.conn.Write(buf)
	return err
}

// Recv recieves data from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.recv()
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	buf, err := rd.rd.ReadBytes(rd.Term.Rx)
	if err != nil {
		if errors.Is(err, io.EOF) && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return buf[:len(buf)-1], nil
}

// SendRecv sends a buffer after appending the Tx terminator,
// then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if err := rd.send(b); err != nil {
		return nil, err
	}
	return rd.recv()
}

// OpenSendRecv opens the connection if needed, then calls SendRecv.  The
// connection is closed after a transport error so the next call reopens it.
func (rd *RemoteDevice) OpenSendRecv(b []byte) ([]byte, error) {
	if err := rd.Open(); err != nil {
		return nil, err
	}
	resp, err := rd.SendRecv(b)
	if err != nil && !errors.Is(err, ErrTerminatorNotFound) {
		rd.Close()
	}
	return resp, err
}

// TCPSetup opens a new TCP connection and sets a timeout on connect, read, and write
func TCPSetup(addr string, timeout time.Duration) (net.Conn, error) {
	conn, err := net.DialTimeout("tcp", addr, timeout)
	if err != nil {
		return nil, err
	}
	deadline := time.Now().Add(timeout)
	conn.SetReadDeadline(deadline)
	conn.SetWriteDeadline(deadline)
	return conn, nil
}
