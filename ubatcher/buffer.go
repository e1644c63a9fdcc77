package ubatcher

import (
	"sync"
)

// Buffer collects entries pushed from many goroutines until the submit loop
// drains them into the ring.
type Buffer struct {
	elements []*Entry
	mut      sync.Mutex
}

func NewBuffer(size uint32) *Buffer {
	return &Buffer{
		elements: acquireSlice(int(size)),
	}
}

func (b *Buffer) Put(e *Entry) int {
	b.mut.Lock()
	defer b.mut.Unlock()

	b.elements = append(b.elements, e)
	return len(b.elements)
}

func (b *Buffer) Size() int {
	b.mut.Lock()
	defer b.mut.Unlock()

	return len(b.elements)
}

// GetAll hands the pending entries to the caller, who returns the slice with
// releaseSlice once done.
func (b *Buffer) GetAll() []*Entry {
	b.mut.Lock()
	defer b.mut.Unlock()

	toRet := b.elements
	b.elements = acquireSlice(cap(toRet))
	return toRet
}
