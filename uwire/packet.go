// Package uwire describes the server-to-client packet: a fixed-size buffer whose
// first 8 bytes are a little-endian CLOCK_MONOTONIC timestamp in nanoseconds.
// The remaining bytes are filler and carry no meaning.
package uwire

import (
	"errors"

	"github.com/tchajed/marshal"
)

const (
	DefaultPacketSize = 1024
	StampSize         = 8
)

var ErrShortPacket = errors.New("packet shorter than timestamp")

// NewPacket allocates a packet of the given size. Sizes below StampSize are
// rounded up so a stamp always fits.
func NewPacket(size int) []byte {
	if size < StampSize {
		size = StampSize
	}
	p := make([]byte, size)
	for i := StampSize; i < size; i++ {
		p[i] = byte(i)
	}
	return p
}

// Stamp overwrites the first StampSize bytes of p with ns. p must hold at least
// StampSize bytes.
func Stamp(p []byte, ns uint64) {
	// WriteInt appends into the spare capacity of p[:0], so no allocation happens
	copy(p[:StampSize], marshal.WriteInt(p[:0], ns))
}

func ReadStamp(p []byte) (uint64, error) {
	if len(p) < StampSize {
		return 0, ErrShortPacket
	}
	ns, _ := marshal.ReadInt(p)
	return ns, nil
}
