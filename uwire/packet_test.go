package uwire

import (
	"encoding/binary"
	"testing"
)

func TestStampLittleEndian(t *testing.T) {
	p := NewPacket(DefaultPacketSize)
	Stamp(p, 0x0102030405060708)

	if got := binary.LittleEndian.Uint64(p); got != 0x0102030405060708 {
		t.Fatalf("Expected little endian stamp, got %x", got)
	}
	if p[0] != 0x08 || p[7] != 0x01 {
		t.Errorf("Unexpected byte order: % x", p[:StampSize])
	}
}

func TestStampKeepsFiller(t *testing.T) {
	p := NewPacket(64)
	Stamp(p, 42)

	if len(p) != 64 {
		t.Fatalf("Expected packet length 64, got %d", len(p))
	}
	for i := StampSize; i < len(p); i++ {
		if p[i] != byte(i) {
			t.Fatalf("Filler byte %d overwritten: %d", i, p[i])
		}
	}
}

func TestReadStamp(t *testing.T) {
	p := NewPacket(DefaultPacketSize)
	Stamp(p, 123456789)

	ns, err := ReadStamp(p)
	if err != nil {
		t.Fatalf("ReadStamp failed: %v", err)
	}
	if ns != 123456789 {
		t.Errorf("Expected 123456789, got %d", ns)
	}
}

func TestReadStampShort(t *testing.T) {
	if _, err := ReadStamp(make([]byte, 7)); err != ErrShortPacket {
		t.Errorf("Expected ErrShortPacket, got %v", err)
	}
}

func TestNewPacketMinimumSize(t *testing.T) {
	if p := NewPacket(3); len(p) != StampSize {
		t.Errorf("Expected packet of %d bytes, got %d", StampSize, len(p))
	}
}
