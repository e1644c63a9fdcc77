package uclock

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Now returns CLOCK_MONOTONIC in nanoseconds. The epoch is arbitrary, so values
// are only comparable within one host. Panics if the clock cannot be read.
func Now() uint64 {
	var ts unix.Timespec
	if err := unix.ClockGettime(unix.CLOCK_MONOTONIC, &ts); err != nil {
		panic(fmt.Errorf("clock_gettime failed: %w", err))
	}
	return uint64(ts.Sec)*1e9 + uint64(ts.Nsec)
}

// Since returns now-t, or 0 when t is in the future.
func Since(t uint64) uint64 {
	now := Now()
	if now < t {
		return 0
	}
	return now - t
}
