package ubatcher

import (
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/godzie44/go-uring/uring"
)

// Callback receives the cqe result and its error. It runs on the completion
// goroutine and must not block.
type Callback func(result int32, err error)

// inside of uring event result we have user data, user data is request id and
// after getting cqe we can call the corresponding callback

type UBatcher struct {
	ring *uring.Ring

	callbackMut sync.Mutex
	callbacks   map[uint64]Callback
	nextID      uint64

	buffer        *Buffer
	batchSignal   chan struct{}
	batchSize     uint32
	flushInterval time.Duration

	shutdown atomic.Bool
	running  atomic.Bool
	cqDone   chan struct{}
	sqDone   chan struct{}
}

const (
	DefaultBatchSize     = 16
	DefaultFlushInterval = time.Millisecond // after this time we will submit the batch independent of the number of elements in the batch
	CQEventsToWait       = 1
	CQWaitTimeout        = 100 * time.Millisecond

	BufferSizeMultiplier = 64
	RingSizeMultiplier   = 256

	queueRetries = 10
)

var (
	ErrNoFastPoll = errors.New("io_uring fast poll is not supported by the kernel")
	ErrShutdown   = errors.New("batcher is shut down")
)

/*
the buffer is larger than the batch so pushing goroutines rarely wait for the
submit loop, and the ring is larger than the buffer because an overflowing
ring is a critical situation
*/
func New(size uint32) (*UBatcher, error) {
	if size == 0 {
		size = DefaultBatchSize
	}
	ringSize := size * RingSizeMultiplier
	bufferSize := size * BufferSizeMultiplier

	ring, err := uring.New(ringSize)
	if err != nil {
		return nil, fmt.Errorf("create ring of %d entries: %w", ringSize, err)
	}

	if ok := ring.Params.FastPollFeature(); !ok {
		ring.Close()
		return nil, ErrNoFastPoll
	}

	return &UBatcher{
		ring:          ring,
		callbacks:     make(map[uint64]Callback),
		nextID:        rand.Uint64(),
		buffer:        NewBuffer(bufferSize),
		batchSignal:   make(chan struct{}, 1),
		batchSize:     size,
		flushInterval: DefaultFlushInterval,
		cqDone:        make(chan struct{}),
		sqDone:        make(chan struct{}),
	}, nil
}

// SetFlushInterval must be called before Run.
func (u *UBatcher) SetFlushInterval(d time.Duration) {
	if d > 0 {
		u.flushInterval = d
	}
}

func (u *UBatcher) addToUring(operation uring.Operation, cb Callback) error {
	u.callbackMut.Lock()
	userData := u.nextID
	u.nextID++
	u.callbacks[userData] = cb
	u.callbackMut.Unlock()

	var err error
	for range queueRetries {
		// NextSQE is used inside of QueueSQE, the only error it returns is ErrSQOverflow
		err = u.ring.QueueSQE(operation, 0, userData)
		if err == nil {
			return nil
		}

		// make room by handing what we have to the kernel
		if _, serr := u.ring.Submit(); serr != nil {
			log.Printf("[UBatcher] submit on full queue failed: %v", serr)
		}
		time.Sleep(10 * time.Millisecond)
	}

	u.callbackMut.Lock()
	delete(u.callbacks, userData)
	u.callbackMut.Unlock()
	return err
}

// PushOperation queues the operation for the next batch. cb is called exactly
// once, with ErrShutdown if the batcher stops first.
func (u *UBatcher) PushOperation(operation uring.Operation, cb Callback) error {
	if u.shutdown.Load() {
		return ErrShutdown
	}

	entry := acquireEntry()
	entry.operation = operation
	entry.cb = cb

	if u.buffer.Put(entry) >= int(u.batchSize) {
		select {
		case u.batchSignal <- struct{}{}:
		default:
		}
	}
	return nil
}

func (u *UBatcher) CQEventsHandlerRun() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(u.cqDone)

	for !u.shutdown.Load() {
		_, err := u.ring.WaitCQEventsWithTimeout(CQEventsToWait, CQWaitTimeout)
		if err != nil {
			continue
		}

		u.processCQE()
	}
}

func (u *UBatcher) processCQE() {
	buf := acquireCQEBuffer()
	defer releaseCQEBuffer(buf)

	cqes := u.ring.PeekCQEventBatch(*buf)

	type completion struct {
		cb     Callback
		result int32
		err    error
	}
	done := make([]completion, 0, cqes)

	u.callbackMut.Lock()
	for i := 0; i < cqes; i++ {
		cqe := (*buf)[i]
		if cb, exists := u.callbacks[cqe.UserData]; exists {
			done = append(done, completion{cb: cb, result: cqe.Res, err: cqe.Error()})
			delete(u.callbacks, cqe.UserData)
		} else {
			log.Printf("[UBatcher] completion for unknown request %d", cqe.UserData)
		}
	}
	u.callbackMut.Unlock()

	u.ring.AdvanceCQ(uint32(cqes))

	for _, c := range done {
		invoke(c.cb, c.result, c.err)
	}
}

func invoke(cb Callback, result int32, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[UBatcher] callback panicked: %v", r)
		}
	}()
	cb(result, err)
}

func (u *UBatcher) handleBatch() {
	events := u.buffer.GetAll()
	defer releaseSlice(events)
	if len(events) == 0 {
		return
	}

	for _, e := range events {
		if err := u.addToUring(e.operation, e.cb); err != nil {
			log.Printf("[UBatcher] failed to queue operation: %v", err)
			invoke(e.cb, 0, err)
		}
		releaseEntry(e)
	}

	if _, err := u.ring.Submit(); err != nil {
		log.Printf("[UBatcher] submit failed: %v", err)
	}
}

func (u *UBatcher) SQEventsHandlerRun() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(u.sqDone)

	timer := time.NewTimer(u.flushInterval)
	defer timer.Stop()

	for !u.shutdown.Load() {
		select {
		case <-u.batchSignal:
			u.handleBatch()
			timer.Reset(u.flushInterval)

		case <-timer.C:
			u.handleBatch()
			timer.Reset(u.flushInterval)
		}
	}
}

func (u *UBatcher) Run() {
	if !u.running.CompareAndSwap(false, true) {
		return
	}
	go u.SQEventsHandlerRun()
	go u.CQEventsHandlerRun()
}

func (u *UBatcher) Shutdown() {
	u.shutdown.Store(true)
}

// Wait returns once both loops have exited. It returns at once if Run was
// never called.
func (u *UBatcher) Wait() {
	if !u.running.Load() {
		return
	}
	<-u.cqDone
	<-u.sqDone
}

// Close stops the loops, fails every operation still waiting for a
// completion and releases the ring.
func (u *UBatcher) Close() error {
	u.Shutdown()
	u.Wait()

	for _, e := range u.buffer.GetAll() {
		invoke(e.cb, 0, ErrShutdown)
		releaseEntry(e)
	}

	u.callbackMut.Lock()
	pending := u.callbacks
	u.callbacks = make(map[uint64]Callback)
	u.callbackMut.Unlock()
	for _, cb := range pending {
		invoke(cb, 0, ErrShutdown)
	}

	return u.ring.Close()
}
