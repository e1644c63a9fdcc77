//go:build linux

package ucpu

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var ErrNoCPU = errors.New("no cpu given")

// PinTo restricts the calling thread to the given cpus. Callers that want the
// whole event loop pinned must call runtime.LockOSThread first.
func PinTo(cpus ...int) error {
	if len(cpus) == 0 {
		return ErrNoCPU
	}

	set := &unix.CPUSet{}
	for _, cpu := range cpus {
		set.Set(cpu)
	}

	if err := unix.SchedSetaffinity(0, set); err != nil {
		return fmt.Errorf("sched_setaffinity %v: %w", cpus, err)
	}

	verify := &unix.CPUSet{}
	if err := unix.SchedGetaffinity(0, verify); err != nil {
		return fmt.Errorf("sched_getaffinity: %w", err)
	}

	if verify.Count() != set.Count() {
		return fmt.Errorf("could not pin to cpus %v", cpus)
	}
	for _, cpu := range cpus {
		if !verify.IsSet(cpu) {
			return fmt.Errorf("could not pin to cpu %d", cpu)
		}
	}

	return nil
}

// Allowed returns the cpus the calling thread may currently run on.
func Allowed() ([]int, error) {
	set := &unix.CPUSet{}
	if err := unix.SchedGetaffinity(0, set); err != nil {
		return nil, err
	}

	var cpus []int
	for cpu := 0; cpu < len(set)*64; cpu++ {
		if set.IsSet(cpu) {
			cpus = append(cpus, cpu)
		}
	}
	return cpus, nil
}
