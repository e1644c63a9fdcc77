package net

import (
	"errors"
	"io"
	gonet "net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godzie44/go-uring/uring"
	"golang.org/x/sys/unix"

	"github.com/I-Missha/gonet_pace/ubalancer"
)

var ErrNoDeadline = errors.New("deadlines are not supported on uring connections")

// Conn is a TCP connection whose reads and writes are io_uring operations.
// One Read and one Write may run concurrently.
type Conn struct {
	fd       int
	balancer *ubalancer.UBalancer

	mu       sync.Mutex
	closed   bool
	inflight sync.WaitGroup

	local  gonet.Addr
	remote gonet.Addr

	rCount atomic.Int64
	wCount atomic.Int64
}

type opResult struct {
	res int32
	err error
}

func newConn(fd int, balancer *ubalancer.UBalancer, local, remote gonet.Addr) *Conn {
	return &Conn{
		fd:       fd,
		balancer: balancer,
		local:    local,
		remote:   remote,
	}
}

// begin registers an operation so Close waits for it before freeing the fd.
func (c *Conn) begin() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	c.inflight.Add(1)
	return true
}

func (c *Conn) submit(op uring.Operation) (int32, error) {
	ch := make(chan opResult, 1)
	err := c.balancer.PushOperation(op, func(res int32, err error) {
		ch <- opResult{res, err}
	})
	if err != nil {
		return 0, err
	}

	r := <-ch
	if r.err == nil && r.res < 0 {
		r.err = unix.Errno(-r.res)
	}
	return r.res, r.err
}

func (c *Conn) opError(op string, err error) error {
	return &gonet.OpError{Op: op, Net: "tcp", Source: c.local, Addr: c.remote, Err: err}
}

func (c *Conn) Read(b []byte) (int, error) {
	if !c.begin() {
		return 0, c.opError("read", gonet.ErrClosed)
	}
	defer c.inflight.Done()

	if len(b) == 0 {
		return 0, nil
	}

	for {
		res, err := c.submit(uring.Read(uintptr(c.fd), b, 0))
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return 0, c.opError("read", err)
		}
		if res == 0 {
			return 0, io.EOF
		}

		c.rCount.Add(int64(res))
		return int(res), nil
	}
}

func (c *Conn) Write(b []byte) (int, error) {
	if !c.begin() {
		return 0, c.opError("write", gonet.ErrClosed)
	}
	defer c.inflight.Done()

	written := 0
	for written < len(b) {
		res, err := c.submit(uring.Write(uintptr(c.fd), b[written:], 0))
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			continue
		}
		if err != nil {
			return written, c.opError("write", err)
		}
		if res == 0 {
			return written, c.opError("write", io.ErrUnexpectedEOF)
		}

		written += int(res)
	}

	c.wCount.Add(int64(written))
	return written, nil
}

// Close shuts the socket down so pending reads complete, waits for them and
// releases the descriptor.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return c.opError("close", gonet.ErrClosed)
	}
	c.closed = true
	c.mu.Unlock()

	if err := unix.Shutdown(c.fd, unix.SHUT_RDWR); err != nil && err != unix.ENOTCONN {
		c.inflight.Wait()
		unix.Close(c.fd)
		return c.opError("close", err)
	}
	c.inflight.Wait()
	return unix.Close(c.fd)
}

func (c *Conn) BytesRead() int64 {
	return c.rCount.Load()
}

func (c *Conn) BytesWritten() int64 {
	return c.wCount.Load()
}

func (c *Conn) LocalAddr() gonet.Addr {
	return c.local
}

func (c *Conn) RemoteAddr() gonet.Addr {
	return c.remote
}

// SetDeadline accepts only the zero time, which clears nothing.
func (c *Conn) SetDeadline(t time.Time) error {
	if t.IsZero() {
		return nil
	}
	return ErrNoDeadline
}

func (c *Conn) SetReadDeadline(t time.Time) error {
	return c.SetDeadline(t)
}

func (c *Conn) SetWriteDeadline(t time.Time) error {
	return c.SetDeadline(t)
}
