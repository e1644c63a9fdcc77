package userver

import (
	"encoding/binary"
	"errors"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/I-Missha/gonet_pace/uwire"
)

const testPacketSize = 1024

// connPair returns a Conn writing into one end of a socketpair and the fd of
// the other end.
func connPair(t *testing.T, period time.Duration) (*Conn, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		t.Fatalf("socketpair failed: %v", err)
	}
	c := newConn(fds[0], 0, nil, period, testPacketSize)
	t.Cleanup(func() {
		c.Close()
		unix.Close(fds[1])
	})
	return c, fds[1]
}

// drain reads everything currently buffered on fd.
func drain(t *testing.T, fd int) []byte {
	t.Helper()
	var out []byte
	buf := make([]byte, 64*1024)
	for {
		n, err := unix.Read(fd, buf)
		if err == unix.EAGAIN {
			return out
		}
		if err != nil {
			t.Fatalf("read failed: %v", err)
		}
		if n == 0 {
			return out
		}
		out = append(out, buf[:n]...)
	}
}

func TestConnFirstWriteImmediate(t *testing.T) {
	c, peer := connPair(t, time.Second)

	res, err := c.Write(1000)
	if err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if res != WriteDone {
		t.Fatalf("Expected first write to go out, got %s", res)
	}

	data := drain(t, peer)
	if len(data) != testPacketSize {
		t.Fatalf("Expected %d bytes, got %d", testPacketSize, len(data))
	}
	if stamp := binary.LittleEndian.Uint64(data); stamp != 1000 {
		t.Errorf("Expected stamp 1000, got %d", stamp)
	}
}

func TestConnRateGate(t *testing.T) {
	period := 100 * time.Millisecond
	c, peer := connPair(t, period)

	start := uint64(time.Hour)
	if res, _ := c.Write(start); res != WriteDone {
		t.Fatalf("Expected first write, got %s", res)
	}

	if res, _ := c.Write(start + uint64(period) - 1); res != WriteSkipped {
		t.Errorf("Expected write before period to be skipped, got %s", res)
	}
	if d := c.NextDue(start + uint64(period) - 1); d != 1 {
		t.Errorf("Expected next write due in 1ns, got %s", d)
	}

	if res, _ := c.Write(start + uint64(period)); res != WriteDone {
		t.Errorf("Expected write at period boundary, got %s", res)
	}

	if got := len(drain(t, peer)); got != 2*testPacketSize {
		t.Errorf("Expected two packets, got %d bytes", got)
	}
}

func TestConnRateBound(t *testing.T) {
	period := 10 * time.Millisecond
	c, peer := connPair(t, period)

	// tick every 3ms over T=1s, draining so the socket never blocks
	start := uint64(time.Hour)
	total := uint64(time.Second)
	writes := 0
	for now := start; now <= start+total; now += uint64(3 * time.Millisecond) {
		res, err := c.Write(now)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		if res == WriteDone {
			writes++
		}
		drain(t, peer)
	}

	limit := int(total/uint64(period)) + 1
	if writes > limit {
		t.Errorf("Expected at most %d writes, got %d", limit, writes)
	}
	if writes < limit*3/4 {
		t.Errorf("Expected close to %d writes, got %d", limit, writes)
	}
}

func TestConnBlockedAndPartial(t *testing.T) {
	c, peer := connPair(t, time.Nanosecond)

	var received []byte
	now := uint64(1)
	blocked := false
	for i := 0; i < 100000 && !blocked; i++ {
		res, err := c.Write(now)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		blocked = res == WriteBlocked
		now++
	}
	if !blocked {
		t.Fatal("socket never reported EAGAIN")
	}
	if c.Writable() {
		t.Fatal("Expected connection to be blocked")
	}

	if res, _ := c.Write(now); res != WriteSkipped {
		t.Errorf("Expected blocked connection to skip, got %s", res)
	}

	received = append(received, drain(t, peer)...)
	c.SetWritable()

	// finish the interrupted packet and one more
	for done := 0; done < 2; {
		res, err := c.Write(now)
		if err != nil {
			t.Fatalf("Write failed: %v", err)
		}
		switch res {
		case WriteDone:
			done++
		case WriteBlocked:
			received = append(received, drain(t, peer)...)
			c.SetWritable()
		}
		now++
	}
	received = append(received, drain(t, peer)...)

	if len(received)%testPacketSize != 0 {
		t.Fatalf("Stream holds a torn packet: %d bytes", len(received))
	}

	var prev uint64
	for off := 0; off < len(received); off += testPacketSize {
		packet := received[off : off+testPacketSize]
		stamp, err := uwire.ReadStamp(packet)
		if err != nil {
			t.Fatalf("ReadStamp failed: %v", err)
		}
		if stamp < prev {
			t.Fatalf("Stamps went backwards at packet %d: %d < %d", off/testPacketSize, stamp, prev)
		}
		prev = stamp
		for i := uwire.StampSize; i < testPacketSize; i++ {
			if packet[i] != byte(i) {
				t.Fatalf("Packet %d filler corrupted at byte %d", off/testPacketSize, i)
			}
		}
	}
	if uint64(len(received)/testPacketSize) != c.Packets() {
		t.Errorf("Expected %d packets on the wire, got %d", c.Packets(), len(received)/testPacketSize)
	}
}

func TestConnPeerClosed(t *testing.T) {
	c, peer := connPair(t, time.Nanosecond)
	unix.Close(peer)

	res, err := c.Write(1)
	if err != nil {
		t.Fatalf("Expected closed peer to not be fatal, got %v", err)
	}
	if res != WriteClosed {
		t.Errorf("Expected WriteClosed, got %s", res)
	}
}

func TestConnBadFdIsFatal(t *testing.T) {
	c := newConn(-1, 4, nil, time.Second, testPacketSize)

	_, err := c.Write(1)
	if !IsKind(err, KindIO) {
		t.Fatalf("Expected io error, got %v", err)
	}

	var e *Error
	if !errors.As(err, &e) || e.Token != 4 {
		t.Errorf("Expected error for token 4, got %v", err)
	}
}
