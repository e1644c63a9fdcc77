// Package upoll is a small edge-triggered readiness notifier over epoll.
// Sockets are registered under a caller chosen Token which comes back in every
// Event, so callers can index their own tables without a fd lookup.
package upoll

import (
	"errors"
	"fmt"
	"log"
	"math"
	"time"

	"golang.org/x/sys/unix"
)

type Token uint32

// ListenerToken is reserved for the listening socket; connection tokens must
// stay below it.
const ListenerToken Token = math.MaxUint32

type Interest uint8

const (
	Readable Interest = 1 << iota
	Writable
)

const DefaultCapacity = 1024

var ErrClosed = errors.New("poller closed")

type Event struct {
	Token       Token
	Readable    bool
	Writable    bool
	ReadClosed  bool
	WriteClosed bool
	Error       bool
}

type Poller struct {
	fd     int
	raw    []unix.EpollEvent
	events []Event
}

func New(capacity int) (*Poller, error) {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}

	return &Poller{
		fd:     fd,
		raw:    make([]unix.EpollEvent, capacity),
		events: make([]Event, 0, capacity),
	}, nil
}

func epollMask(interest Interest) uint32 {
	mask := uint32(unix.EPOLLET)
	if interest&Readable != 0 {
		mask |= unix.EPOLLIN | unix.EPOLLRDHUP
	}
	if interest&Writable != 0 {
		mask |= unix.EPOLLOUT
	}
	return mask
}

func (p *Poller) Register(fd int, token Token, interest Interest) error {
	if p.fd < 0 {
		return ErrClosed
	}

	ev := unix.EpollEvent{Events: epollMask(interest), Fd: int32(token)}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add fd=%d token=%d: %w", fd, token, err)
	}
	return nil
}

// Deregister is only needed when fd stays open; closing a fd removes it from
// the interest list.
func (p *Poller) Deregister(fd int) error {
	if p.fd < 0 {
		return ErrClosed
	}

	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del fd=%d: %w", fd, err)
	}
	return nil
}

// Poll waits for readiness. A zero timeout returns at once with whatever is
// ready, a negative timeout blocks until something is. Positive timeouts are
// rounded up to whole milliseconds. The returned slice is reused by the next
// call.
func (p *Poller) Poll(timeout time.Duration) ([]Event, error) {
	if p.fd < 0 {
		return nil, ErrClosed
	}

	msec := -1
	if timeout >= 0 {
		// round up so a positive timeout never turns into a busy poll
		msec = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}

	p.events = p.events[:0]
	n, err := unix.EpollWait(p.fd, p.raw, msec)
	if err != nil {
		if err == unix.EINTR {
			// runtime preemption signals land here, nothing happened
			return p.events, nil
		}
		return nil, fmt.Errorf("epoll_wait: %w", err)
	}

	for i := 0; i < n; i++ {
		p.events = append(p.events, decode(&p.raw[i]))
	}
	return p.events, nil
}

func decode(raw *unix.EpollEvent) Event {
	mask := raw.Events
	hup := mask&unix.EPOLLHUP != 0
	out := mask&unix.EPOLLOUT != 0
	errored := mask&unix.EPOLLERR != 0

	return Event{
		Token:       Token(uint32(raw.Fd)),
		Readable:    mask&(unix.EPOLLIN|unix.EPOLLPRI) != 0,
		Writable:    out,
		ReadClosed:  hup || mask&unix.EPOLLRDHUP != 0 || (mask&unix.EPOLLIN != 0 && errored),
		WriteClosed: hup || (out && errored) || mask == unix.EPOLLERR,
		Error:       errored,
	}
}

func (p *Poller) Close() error {
	if p.fd < 0 {
		return ErrClosed
	}

	err := unix.Close(p.fd)
	p.fd = -1
	if err != nil {
		log.Printf("[Poller] failed to close epoll fd: %v", err)
	}
	return err
}
