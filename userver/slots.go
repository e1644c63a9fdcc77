package userver

import (
	"fmt"

	"github.com/I-Missha/gonet_pace/upoll"
)

// SlotTable maps tokens to connections by index. Slots are only appended at
// the end and emptied in place, so a token stays valid for its connection's
// lifetime and is never handed out twice within a round.
type SlotTable struct {
	slots []*Conn
	live  int
}

func NewSlotTable(capacity int) *SlotTable {
	return &SlotTable{
		slots: make([]*Conn, 0, capacity),
	}
}

// Next is the token the next appended connection will get.
func (t *SlotTable) Next() upoll.Token {
	return upoll.Token(len(t.slots))
}

// Len counts slots including empty ones.
func (t *SlotTable) Len() int {
	return len(t.slots)
}

func (t *SlotTable) Live() int {
	return t.live
}

func (t *SlotTable) Append(c *Conn) error {
	if c.id != t.Next() {
		return invariant(c.id, "append", fmt.Errorf("%w: id=%d next=%d", ErrIDMismatch, c.id, t.Next()))
	}
	t.slots = append(t.slots, c)
	t.live++
	return nil
}

// Get returns nil for an emptied slot.
func (t *SlotTable) Get(token upoll.Token) (*Conn, error) {
	if uint64(token) >= uint64(len(t.slots)) {
		return nil, invariant(token, "lookup", ErrOutOfRange)
	}
	return t.slots[token], nil
}

// Clear empties the slot and hands the connection back to the caller, who
// owns closing it.
func (t *SlotTable) Clear(token upoll.Token) *Conn {
	if uint64(token) >= uint64(len(t.slots)) {
		return nil
	}
	c := t.slots[token]
	if c != nil {
		t.slots[token] = nil
		t.live--
	}
	return c
}

// Reset drops every slot and rewinds Next to zero. Connections still in the
// table are closed.
func (t *SlotTable) Reset() {
	for _, c := range t.slots {
		if c != nil {
			c.Close()
		}
	}
	clear(t.slots)
	t.slots = t.slots[:0]
	t.live = 0
}

// Check verifies that every occupied slot holds the connection with its id.
func (t *SlotTable) Check() error {
	live := 0
	for i, c := range t.slots {
		if c == nil {
			continue
		}
		live++
		if c.id != upoll.Token(i) {
			return invariant(upoll.Token(i), "check", fmt.Errorf("%w: id=%d", ErrIDMismatch, c.id))
		}
	}
	if live != t.live {
		return invariant(upoll.ListenerToken, "check", fmt.Errorf("live count %d, found %d", t.live, live))
	}
	return nil
}
