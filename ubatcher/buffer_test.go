package ubatcher

import (
	"sync"
	"testing"
)

func TestBuffer_Put(t *testing.T) {
	buf := NewBuffer(5)
	entry := &Entry{}

	if n := buf.Put(entry); n != 1 {
		t.Errorf("Expected length 1, got %d", n)
	}

	if buf.elements[0] != entry {
		t.Error("Entry was not stored correctly")
	}
}

func TestBuffer_GetAll(t *testing.T) {
	buf := NewBuffer(5)
	entries := []*Entry{{}, {}, {}}

	for _, entry := range entries {
		buf.Put(entry)
	}

	retrieved := buf.GetAll()

	if len(retrieved) != 3 {
		t.Fatalf("Expected length 3, got %d", len(retrieved))
	}
	for i, entry := range entries {
		if retrieved[i] != entry {
			t.Errorf("Entry %d was not retrieved correctly", i)
		}
	}

	if buf.Size() != 0 {
		t.Errorf("Expected buffer to be empty after GetAll, got length %d", buf.Size())
	}
	if cap(buf.elements) < 5 {
		t.Errorf("Expected capacity of at least 5, got %d", cap(buf.elements))
	}
}

func TestBuffer_GetAllEmpty(t *testing.T) {
	buf := NewBuffer(5)
	retrieved := buf.GetAll()

	if len(retrieved) != 0 {
		t.Errorf("Expected empty slice, got length %d", len(retrieved))
	}
	releaseSlice(retrieved)
}

func TestBuffer_ConcurrentAccess(t *testing.T) {
	buf := NewBuffer(100)
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for range 10 {
				buf.Put(&Entry{})
			}
		}()
	}

	wg.Wait()

	retrieved := buf.GetAll()
	if len(retrieved) != 100 {
		t.Errorf("Expected 100 entries, got %d", len(retrieved))
	}
}

func TestEntryPoolResets(t *testing.T) {
	e := acquireEntry()
	e.cb = func(int32, error) {}
	releaseEntry(e)

	if e.cb != nil || e.operation != nil {
		t.Error("Released entry kept its fields")
	}
}
