package userver

import (
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/I-Missha/gonet_pace/upoll"
	"github.com/I-Missha/gonet_pace/uwire"
)

type WriteResult uint8

const (
	WriteSkipped WriteResult = iota // blocked or not due yet
	WriteDone
	WriteBlocked
	WriteClosed
)

func (r WriteResult) String() string {
	switch r {
	case WriteSkipped:
		return "skipped"
	case WriteDone:
		return "done"
	case WriteBlocked:
		return "blocked"
	case WriteClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Conn is one accepted socket and its pacing state. It is owned by a single
// slot of the SlotTable and must only be touched from the loop goroutine.
type Conn struct {
	fd   int
	id   upoll.Token
	addr net.Addr

	buf []byte
	off int // bytes of the in-flight packet already sent

	writable bool
	period   uint64
	stamped  uint64 // stamp of the in-flight packet
	last     uint64 // stamp of the last completed packet
	written  bool

	packets    uint64
	wouldBlock uint64
}

func newConn(fd int, id upoll.Token, addr net.Addr, period time.Duration, packetSize int) *Conn {
	return &Conn{
		fd:       fd,
		id:       id,
		addr:     addr,
		buf:      uwire.NewPacket(packetSize),
		writable: true,
		period:   uint64(period),
	}
}

func (c *Conn) ID() upoll.Token {
	return c.id
}

func (c *Conn) Addr() net.Addr {
	return c.addr
}

func (c *Conn) Writable() bool {
	return c.writable
}

// SetWritable moves a blocked connection back to writable after a readiness
// event.
func (c *Conn) SetWritable() {
	c.writable = true
}

func (c *Conn) Packets() uint64 {
	return c.packets
}

func (c *Conn) due(now uint64) bool {
	return !c.written || (now >= c.last && now-c.last >= c.period)
}

// NextDue is how long until Write would send something at now. A packet that
// is half written is due immediately.
func (c *Conn) NextDue(now uint64) time.Duration {
	if c.off > 0 || c.due(now) {
		return 0
	}
	return time.Duration(c.last + c.period - now)
}

// Write sends at most one packet. A packet cut short by EAGAIN is finished
// first on the next writable pass, with the stamp it was given.
func (c *Conn) Write(now uint64) (WriteResult, error) {
	if !c.writable {
		return WriteSkipped, nil
	}

	if c.off == 0 {
		if !c.due(now) {
			return WriteSkipped, nil
		}
		uwire.Stamp(c.buf, now)
		c.stamped = now
	}

	for c.off < len(c.buf) {
		n, err := unix.Write(c.fd, c.buf[c.off:])
		if err != nil {
			switch err {
			case unix.EINTR:
				continue
			case unix.EAGAIN:
				c.writable = false
				c.wouldBlock++
				return WriteBlocked, nil
			case unix.ECONNRESET, unix.EPIPE:
				return WriteClosed, nil
			default:
				return WriteClosed, &Error{Kind: KindIO, Token: c.id, Op: "write", Err: err}
			}
		}
		if n == 0 {
			return WriteClosed, nil
		}
		c.off += n
	}

	c.off = 0
	c.last = c.stamped
	c.written = true
	c.packets++
	return WriteDone, nil
}

func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}
