package ubalancer

import (
	"errors"
	"fmt"
	"log"
	"sync/atomic"

	"github.com/godzie44/go-uring/uring"

	"github.com/I-Missha/gonet_pace/ubatcher"
)

// UBalancer spreads operations over several UBatchers round-robin. Safe for
// use from many goroutines. It finishes on its own once every batcher has
// stopped.
type UBalancer struct {
	batchers    []*ubatcher.UBatcher
	numBatchers int
	counter     atomic.Uint64 // для round-robin
	shutdown    atomic.Bool
	running     atomic.Bool
	finished    atomic.Bool
	done        chan struct{}
}

const (
	DefaultNumBatchers = 4
	DefaultBatchSize   = 16
)

var (
	ErrNotRunning = errors.New("balancer is not running")
	ErrShutdown   = errors.New("balancer is shut down")
)

func New(numBatchers int, batchSize uint32) (*UBalancer, error) {
	if numBatchers <= 0 {
		numBatchers = DefaultNumBatchers
	}

	if batchSize == 0 {
		batchSize = DefaultBatchSize
	}

	batchers := make([]*ubatcher.UBatcher, 0, numBatchers)
	for i := 0; i < numBatchers; i++ {
		b, err := ubatcher.New(batchSize)
		if err != nil {
			for _, created := range batchers {
				created.Close()
			}
			return nil, fmt.Errorf("batcher %d: %w", i, err)
		}
		batchers = append(batchers, b)
	}

	log.Printf("[UBalancer] created with %d batchers", numBatchers)
	return &UBalancer{
		batchers:    batchers,
		numBatchers: numBatchers,
		done:        make(chan struct{}),
	}, nil
}

// PushOperation hands the operation to the next batcher.
func (ub *UBalancer) PushOperation(operation uring.Operation, cb ubatcher.Callback) error {
	if ub.finished.Load() || ub.shutdown.Load() {
		return ErrShutdown
	}
	if !ub.running.Load() {
		return ErrNotRunning
	}

	idx := ub.counter.Add(1) % uint64(ub.numBatchers)
	if err := ub.batchers[idx].PushOperation(operation, cb); err != nil {
		if errors.Is(err, ubatcher.ErrShutdown) {
			return ErrShutdown
		}
		return err
	}
	return nil
}

// Run starts every batcher; after it returns operations may be pushed from
// any goroutine.
func (ub *UBalancer) Run() {
	if !ub.running.CompareAndSwap(false, true) {
		log.Printf("[UBalancer] already running")
		return
	}

	for _, batcher := range ub.batchers {
		batcher.Run()
	}
	log.Printf("[UBalancer] started %d batchers", ub.numBatchers)

	go ub.monitor()
}

func (ub *UBalancer) Shutdown() {
	if !ub.shutdown.CompareAndSwap(false, true) {
		return
	}

	log.Printf("[UBalancer] shutting down")
	for _, batcher := range ub.batchers {
		batcher.Shutdown()
	}
}

// monitor ждёт завершения всех батчеров
func (ub *UBalancer) monitor() {
	for _, batcher := range ub.batchers {
		batcher.Wait()
	}

	ub.finished.Store(true)
	close(ub.done)
	log.Printf("[UBalancer] all batchers stopped")
}

func (ub *UBalancer) Wait() {
	if !ub.running.Load() {
		return
	}
	<-ub.done
}

// Close stops every batcher, waits for them and releases their rings.
func (ub *UBalancer) Close() error {
	ub.Shutdown()
	ub.Wait()

	var lastErr error
	for i, batcher := range ub.batchers {
		if err := batcher.Close(); err != nil {
			log.Printf("[UBalancer] failed to close batcher %d: %v", i, err)
			lastErr = err
		}
	}

	return lastErr
}

func (ub *UBalancer) Done() <-chan struct{} {
	return ub.done
}

func (ub *UBalancer) IsFinished() bool {
	return ub.finished.Load()
}
