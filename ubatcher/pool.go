package ubatcher

import (
	"sync"

	"github.com/godzie44/go-uring/uring"
)

type Entry struct {
	operation uring.Operation
	cb        Callback
}

var entryPool = sync.Pool{
	New: func() any { return &Entry{} },
}

func acquireEntry() *Entry {
	return entryPool.Get().(*Entry)
}

func releaseEntry(e *Entry) {
	e.operation = nil
	e.cb = nil
	entryPool.Put(e)
}

var slicePool sync.Pool

func acquireSlice(capacity int) []*Entry {
	if v := slicePool.Get(); v != nil {
		s := *v.(*[]*Entry)
		if cap(s) >= capacity {
			return s[:0]
		}
	}
	return make([]*Entry, 0, capacity)
}

func releaseSlice(s []*Entry) {
	clear(s)
	s = s[:0]
	slicePool.Put(&s)
}

const CQEBatchSize = 256

var cqeBufferPool = sync.Pool{
	New: func() any {
		buf := make([]*uring.CQEvent, CQEBatchSize)
		return &buf
	},
}

func acquireCQEBuffer() *[]*uring.CQEvent {
	return cqeBufferPool.Get().(*[]*uring.CQEvent)
}

func releaseCQEBuffer(buf *[]*uring.CQEvent) {
	clear(*buf)
	cqeBufferPool.Put(buf)
}
