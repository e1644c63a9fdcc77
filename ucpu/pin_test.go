package ucpu

import (
	"runtime"
	"testing"
)

func TestPinTo(t *testing.T) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	cpus, err := Allowed()
	if err != nil {
		t.Fatalf("Allowed() failed: %v", err)
	}
	if len(cpus) == 0 {
		t.Fatal("Allowed() returned no cpus")
	}
	// restore the previous mask for the rest of the thread's life
	defer PinTo(cpus...)

	if err := PinTo(cpus[0]); err != nil {
		t.Fatalf("could not pin to cpu %d: %v", cpus[0], err)
	}

	pinned, err := Allowed()
	if err != nil {
		t.Fatalf("Allowed() failed: %v", err)
	}
	if len(pinned) != 1 || pinned[0] != cpus[0] {
		t.Errorf("Expected to run only on cpu %d, got %v", cpus[0], pinned)
	}

	if err := PinTo(cpus...); err != nil {
		t.Errorf("could not pin to all cpus %v: %v", cpus, err)
	}
}

func TestPinToNothing(t *testing.T) {
	if err := PinTo(); err != ErrNoCPU {
		t.Errorf("Expected ErrNoCPU, got %v", err)
	}
}
