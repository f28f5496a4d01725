package comm

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Get after Close
var ErrPoolClosed = errors.New("connection pool closed")

// Pool is a communication pool which holds one or more connections to a device
// that will be closed if they are not in use, and re-opened as needed.
// It is concurrent safe.  Pools must be created with NewPool.
type Pool struct {
	maker   CreationFunc
	timeout time.Duration // idle time after which free connections are closed

	lease chan struct{} // one token per connection that may exist

	mu     sync.Mutex
	free   []io.ReadWriteCloser
	timer  *time.Timer
	closed bool
}

// NewPool returns a pool of at most maxSize connections made by maker.  Free
// connections are closed after timeout without use.
func NewPool(maxSize int, timeout time.Duration, maker CreationFunc) *Pool {
	if maxSize < 1 {
		maxSize = 1
	}
	return &Pool{
		maker:   maker,
		timeout: timeout,
		lease:   make(chan struct{}, maxSize),
	}
}

// Get retrieves a connection, blocking until one is available if all are
// in use.  The caller has exclusive use of it until it is handed back with
// Put, ReturnWithError, or Destroy.
//
// If the error from Get is not nil, nothing must be handed back.
func (p *Pool) Get() (io.ReadWriter, error) {
	p.lease <- struct{}{}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.lease
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		c := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()
	c, err := p.maker()
	if err != nil {
		<-p.lease
		return nil, err
	}
	return c, nil
}

// Put restores a connection to the pool
func (p *Pool) Put(rw io.ReadWriter) {
	rwc := rw.(io.ReadWriteCloser)
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		rwc.Close()
		<-p.lease
		return
	}
	p.free = append(p.free, rwc)
	if p.timer == nil {
		p.timer = time.AfterFunc(p.timeout, p.reclaim)
	} else {
		p.timer.Reset(p.timeout)
	}
	p.mu.Unlock()
	<-p.lease
}

// Destroy immediately frees a connection from the pool.  This should be used
// instead of Put if the connection has gone bad.
func (p *Pool) Destroy(rw io.ReadWriter) {
	rw.(io.ReadWriteCloser).Close()
	<-p.lease
}

// ReturnWithError hands back a connection with Put, or Destroy if err is
// a transport error (EOF or a network error).  Protocol level errors keep
// the connection.
func (p *Pool) ReturnWithError(rw io.ReadWriter, err error) {
	var ne net.Error
	if err != nil && (errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &ne)) {
		p.Destroy(rw)
		return
	}
	p.Put(rw)
}

// Size returns the number of connections in the pool or given out from it
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free) + p.Active()
}

// Active returns the number of connections currently given out
func (p *Pool) Active() int {
	return len(p.lease)
}

// Idle returns the number of open connections waiting for use
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}

func (p *Pool) reclaim() {
	p.mu.Lock()
	free := p.free
	p.free = nil
	p.mu.Unlock()
	for _, c := range free {
		c.Close()
	}
}

// Close closes every free connection.  Connections given out are closed
// when they are handed back.
func (p *Pool) Close() error {
	p.mu.Lock()
	p.closed = true
	free := p.free
	p.free = nil
	if p.timer != nil {
		p.timer.Stop()
	}
	p.mu.Unlock()
	var errs []error
	for _, c := range free {
		errs = append(errs, c.Close())
	}
	return errors.Join(errs...)
}
