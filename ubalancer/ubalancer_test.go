package ubalancer

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/godzie44/go-uring/uring"
)

func newBalancer(t *testing.T, numBatchers int, batchSize uint32) *UBalancer {
	t.Helper()

	balancer, err := New(numBatchers, batchSize)
	if err != nil {
		t.Skipf("io_uring unavailable: %v", err)
	}
	return balancer
}

func waitCount(t *testing.T, counter *atomic.Int64, want int64) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for counter.Load() < want {
		if time.Now().After(deadline) {
			t.Fatalf("Expected %d completions, got %d", want, counter.Load())
		}
		time.Sleep(time.Millisecond)
	}
}

func TestNewUBalancer(t *testing.T) {
	balancer := newBalancer(t, 2, 8)
	defer balancer.Close()

	if balancer.numBatchers != 2 || len(balancer.batchers) != 2 {
		t.Errorf("Expected 2 batchers, got %d/%d", balancer.numBatchers, len(balancer.batchers))
	}

	if balancer.IsFinished() {
		t.Error("Balancer finished right after creation")
	}
}

func TestNewUBalancerDefaults(t *testing.T) {
	balancer := newBalancer(t, 0, 0)
	defer balancer.Close()

	if balancer.numBatchers != DefaultNumBatchers {
		t.Errorf("Expected %d batchers by default, got %d", DefaultNumBatchers, balancer.numBatchers)
	}
}

func TestPushOperationDistribution(t *testing.T) {
	balancer := newBalancer(t, 3, 4)
	balancer.Run()
	defer balancer.Close()

	var completed atomic.Int64
	callback := func(result int32, err error) {
		if err == nil {
			completed.Add(1)
		}
	}

	for i := range 9 {
		if err := balancer.PushOperation(uring.Nop(), callback); err != nil {
			t.Errorf("Push %d failed: %v", i, err)
		}
	}

	waitCount(t, &completed, 9)
	if balancer.counter.Load() != 9 {
		t.Errorf("Expected counter 9, got %d", balancer.counter.Load())
	}
}

func TestConcurrentPushOperation(t *testing.T) {
	balancer := newBalancer(t, 4, 8)
	balancer.Run()
	defer balancer.Close()

	var completed atomic.Int64
	callback := func(result int32, err error) {
		completed.Add(1)
	}

	numGoroutines := 10
	operationsPerGoroutine := 20

	var wg sync.WaitGroup
	for i := range numGoroutines {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			for j := range operationsPerGoroutine {
				if err := balancer.PushOperation(uring.Nop(), callback); err != nil {
					t.Errorf("Goroutine %d, push %d: %v", id, j, err)
					return
				}
			}
		}(i)
	}
	wg.Wait()

	waitCount(t, &completed, int64(numGoroutines*operationsPerGoroutine))
}

func TestPushOperationErrors(t *testing.T) {
	balancer := newBalancer(t, 2, 4)
	callback := func(result int32, err error) {}

	if err := balancer.PushOperation(uring.Nop(), callback); err != ErrNotRunning {
		t.Errorf("Expected ErrNotRunning, got %v", err)
	}

	balancer.Run()
	balancer.Shutdown()
	balancer.Wait()

	if err := balancer.PushOperation(uring.Nop(), callback); err != ErrShutdown {
		t.Errorf("Expected ErrShutdown, got %v", err)
	}

	if err := balancer.Close(); err != nil {
		t.Errorf("Close failed: %v", err)
	}
}

func TestAutoFinish(t *testing.T) {
	balancer := newBalancer(t, 2, 4)
	balancer.Run()
	defer balancer.Close()

	select {
	case <-balancer.Done():
		t.Error("Done() closed before shutdown")
	default:
	}

	balancer.Shutdown()

	select {
	case <-balancer.Done():
	case <-time.After(time.Second):
		t.Error("Balancer did not finish within a second")
	}

	if !balancer.IsFinished() {
		t.Error("IsFinished() is false after Done()")
	}
}
