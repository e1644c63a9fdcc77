package upoll

import (
	"fmt"
	"time"
)

// Mode picks how long Poll may wait. Busy polling spins a core at 100% but
// never sleeps in the kernel while writes are pending.
type Mode uint8

const (
	ModeBusy Mode = iota
	ModeBlock
	ModeAdaptive
)

func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "busy":
		return ModeBusy, nil
	case "block":
		return ModeBlock, nil
	case "adaptive":
		return ModeAdaptive, nil
	default:
		return ModeBusy, fmt.Errorf("unknown poll mode %q", s)
	}
}

func (m Mode) String() string {
	switch m {
	case ModeBusy:
		return "busy"
	case ModeBlock:
		return "block"
	case ModeAdaptive:
		return "adaptive"
	default:
		return "unknown"
	}
}

// Timeout returns the poll timeout for an iteration with live connections
// whose earliest write is due in nextDue. idle bounds every blocking wait.
func (m Mode) Timeout(live int, nextDue, idle time.Duration) time.Duration {
	switch m {
	case ModeBlock:
		if live > 0 && nextDue < idle {
			if nextDue < 0 {
				return 0
			}
			return nextDue
		}
		return idle
	case ModeAdaptive:
		if live > 0 {
			return 0
		}
		return idle
	default:
		return 0
	}
}
