package comm_test

import (
	"bufio"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/labcore/scopectl/comm"
)

// upperServer answers every \r terminated line with its upper case form
// terminated by \n
func upperServer(c net.Conn) {
	defer c.Close()
	r := bufio.NewReader(c)
	for {
		line, err := r.ReadString('\r')
		if err != nil {
			return
		}
		io.WriteString(c, strings.ToUpper(strings.TrimSuffix(line, "\r"))+"\n")
	}
}

func pipeDevice() *comm.RemoteDevice {
	rd := comm.NewRemoteDevice("pipe", true, &comm.Terminators{Rx: '\n', Tx: '\r'}, nil)
	rd.Dial = func() (io.ReadWriteCloser, error) {
		a, b := net.Pipe()
		go upperServer(b)
		return a, nil
	}
	return rd
}

func TestRemoteDeviceSendRecv(t *testing.T) {
	rd := pipeDevice()
	_, err := rd.SendRecv([]byte("x"))
	assert.ErrorIs(t, err, comm.ErrNotConnected)

	require.NoError(t, rd.Open())
	assert.True(t, rd.Connected())
	resp, err := rd.SendRecv([]byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO", string(resp))
	require.NoError(t, rd.Close())
	assert.False(t, rd.Connected())
	assert.NoError(t, rd.Close())
}

func TestRemoteDeviceConcurrentExchangesDoNotInterleave(t *testing.T) {
	rd := pipeDevice()
	var wg sync.WaitGroup
	words := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	for _, w := range words {
		wg.Add(1)
		go func(w string) {
			defer wg.Done()
			resp, err := rd.OpenSendRecv([]byte(w))
			assert.NoError(t, err)
			assert.Equal(t, strings.ToUpper(w), string(resp))
		}(w)
	}
	wg.Wait()
}

func TestSerialWithoutConfig(t *testing.T) {
	rd := comm.NewRemoteDevice("/dev/null", true, nil, nil)
	assert.Equal(t, comm.CarriageReturn, rd.Term)
	assert.ErrorIs(t, rd.Open(), comm.ErrNoSerialConf)
}

func TestTCPRemoteDevice(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go upperServer(c)
		}
	}()
	rd := comm.NewRemoteDevice(ln.Addr().String(), false, &comm.Terminators{Rx: '\n', Tx: '\r'}, nil)
	resp, err := rd.OpenSendRecv([]byte("tcp"))
	require.NoError(t, err)
	assert.Equal(t, "TCP", string(resp))
	rd.Close()
}

type fakeConn struct {
	io.ReadWriter
	closed bool
	mu     *sync.Mutex
}

func (f *fakeConn) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestPoolReusesAndBoundsConnections(t *testing.T) {
	var mu sync.Mutex
	made := 0
	maker := func() (io.ReadWriteCloser, error) {
		mu.Lock()
		defer mu.Unlock()
		made++
		return &fakeConn{mu: &mu}, nil
	}
	p := comm.NewPool(2, time.Hour, maker)
	a, err := p.Get()
	require.NoError(t, err)
	b, err := p.Get()
	require.NoError(t, err)
	assert.Equal(t, 2, p.Active())

	got := make(chan io.ReadWriter, 1)
	go func() {
		c, _ := p.Get()
		got <- c
	}()
	select {
	case <-got:
		t.Fatal("pool gave out more connections than its size")
	case <-time.After(20 * time.Millisecond):
	}
	p.Put(a)
	select {
	case c := <-got:
		assert.Same(t, a, c, "returned connection is reused")
	case <-time.After(time.Second):
		t.Fatal("Get did not unblock after Put")
	}
	p.Put(b)
	assert.Equal(t, 2, made)
	assert.Equal(t, 1, p.Idle())
}

func TestPoolReclaimsIdleConnections(t *testing.T) {
	var mu sync.Mutex
	conn := &fakeConn{mu: &mu}
	p := comm.NewPool(1, 5*time.Millisecond, func() (io.ReadWriteCloser, error) { return conn, nil })
	c, err := p.Get()
	require.NoError(t, err)
	p.Put(c)
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return conn.closed
	}, time.Second, time.Millisecond)
	assert.Zero(t, p.Idle())
}

func TestPoolReturnWithError(t *testing.T) {
	var mu sync.Mutex
	p := comm.NewPool(1, time.Hour, func() (io.ReadWriteCloser, error) { return &fakeConn{mu: &mu}, nil })

	c, _ := p.Get()
	p.ReturnWithError(c, errors.New("device said no"))
	assert.Equal(t, 1, p.Idle(), "protocol errors keep the connection")

	c, _ = p.Get()
	p.ReturnWithError(c, io.EOF)
	assert.Zero(t, p.Idle())
	assert.True(t, c.(*fakeConn).closed)

	require.NoError(t, p.Close())
	_, err := p.Get()
	assert.ErrorIs(t, err, comm.ErrPoolClosed)
}

func TestPoolMakerError(t *testing.T) {
	boom := errors.New("no port")
	p := comm.NewPool(1, time.Hour, func() (io.ReadWriteCloser, error) { return nil, boom })
	_, err := p.Get()
	assert.ErrorIs(t, err, boom)
	assert.Zero(t, p.Active(), "a failed Get holds no lease")
}
