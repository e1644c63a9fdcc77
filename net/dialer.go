package net

import (
	"context"
	"errors"
	"fmt"
	gonet "net"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/I-Missha/gonet_pace/ubalancer"
)

var (
	ErrTimeout  = errors.New("connection timeout")
	ErrCanceled = errors.New("connection canceled")
)

// UringDialer connects with a plain blocking connect and hands the socket to
// a Conn whose reads and writes go through the balancer's rings.
type UringDialer struct {
	balancer *ubalancer.UBalancer
	success  atomic.Int64

	// Timeout bounds connect when the context has no deadline. Zero waits
	// for the kernel.
	Timeout time.Duration
}

func NewUringDialer(balancer *ubalancer.UBalancer) *UringDialer {
	return &UringDialer{
		balancer: balancer,
	}
}

func (d *UringDialer) Dial(network, address string) (gonet.Conn, error) {
	return d.DialContext(context.Background(), network, address)
}

func (d *UringDialer) DialContext(ctx context.Context, network, address string) (gonet.Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, ErrCanceled
	}

	addr, err := gonet.ResolveTCPAddr(network, address)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve address: %w", err)
	}

	family, sa := sockaddr(addr)
	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	timeout := d.Timeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
		if timeout <= 0 {
			unix.Close(fd)
			return nil, ErrTimeout
		}
	}
	if timeout > 0 {
		// connect on a blocking socket honors the send timeout
		tv := unix.NsecToTimeval(timeout.Nanoseconds())
		if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &tv); err != nil {
			unix.Close(fd)
			return nil, fmt.Errorf("failed to set connect timeout: %w", err)
		}
	}

	if err := connect(fd, sa); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EINPROGRESS) || errors.Is(err, unix.EAGAIN) {
			return nil, ErrTimeout
		}
		return nil, &gonet.OpError{Op: "dial", Net: network, Addr: addr, Err: err}
	}

	if ctx.Err() != nil {
		unix.Close(fd)
		return nil, ErrCanceled
	}

	if timeout > 0 {
		var zero unix.Timeval
		unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_SNDTIMEO, &zero)
	}
	if err := unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("failed to set TCP_NODELAY: %w", err)
	}

	d.success.Add(1)
	return newConn(fd, d.balancer, localAddr(fd), addr), nil
}

func (d *UringDialer) GetSuccessCount() int {
	return int(d.success.Load())
}

func connect(fd int, sa unix.Sockaddr) error {
	for {
		err := unix.Connect(fd, sa)
		if err != unix.EINTR {
			return err
		}
	}
}

func sockaddr(addr *gonet.TCPAddr) (int, unix.Sockaddr) {
	if ip4 := addr.IP.To4(); ip4 != nil {
		sa := &unix.SockaddrInet4{Port: addr.Port}
		copy(sa.Addr[:], ip4)
		return unix.AF_INET, sa
	}

	sa := &unix.SockaddrInet6{Port: addr.Port}
	copy(sa.Addr[:], addr.IP.To16())
	if addr.Zone != "" {
		if ifi, err := gonet.InterfaceByName(addr.Zone); err == nil {
			sa.ZoneId = uint32(ifi.Index)
		}
	}
	return unix.AF_INET6, sa
}

func localAddr(fd int) gonet.Addr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &gonet.TCPAddr{IP: gonet.IP(sa.Addr[:]).To16(), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &gonet.TCPAddr{IP: gonet.IP(sa.Addr[:]), Port: sa.Port}
	}
	return nil
}
