package userver

import (
	"sync"
	"time"
)

const DefaultRoundLogSize = 64

// Round summarizes one benchmark round, from the first accepted connection to
// the reset that followed the last close.
type Round struct {
	Number      uint64        `msgpack:"number"`
	Rate        uint32        `msgpack:"rate"`
	Started     time.Time     `msgpack:"started"`
	Ended       time.Time     `msgpack:"ended"`
	Connections uint32        `msgpack:"connections"`
	Rejected    uint32        `msgpack:"rejected"`
	Packets     uint64        `msgpack:"packets"`
	WouldBlock  uint64        `msgpack:"would_block"`
	Duration    time.Duration `msgpack:"duration"`
}

// RoundLog keeps the most recent rounds. The loop appends, readers take copies.
type RoundLog struct {
	mu     sync.Mutex
	limit  int
	rounds []Round
}

func NewRoundLog(limit int) *RoundLog {
	if limit <= 0 {
		limit = DefaultRoundLogSize
	}
	return &RoundLog{
		limit:  limit,
		rounds: make([]Round, 0, limit),
	}
}

func (l *RoundLog) Add(r Round) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if len(l.rounds) == l.limit {
		copy(l.rounds, l.rounds[1:])
		l.rounds = l.rounds[:l.limit-1]
	}
	l.rounds = append(l.rounds, r)
}

func (l *RoundLog) Snapshot() []Round {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Round, len(l.rounds))
	copy(out, l.rounds)
	return out
}
