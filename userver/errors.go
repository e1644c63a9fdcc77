package userver

import (
	"errors"
	"fmt"

	"github.com/I-Missha/gonet_pace/upoll"
)

// ErrorKind classifies the failures that stop the event loop.
type ErrorKind uint8

const (
	KindIO ErrorKind = iota + 1
	KindAccept
	KindRegister
	KindPoll
	KindInvariant
)

func (k ErrorKind) String() string {
	switch k {
	case KindIO:
		return "io"
	case KindAccept:
		return "accept"
	case KindRegister:
		return "register"
	case KindPoll:
		return "poll"
	case KindInvariant:
		return "invariant"
	default:
		return "unknown"
	}
}

var (
	ErrClosed       = errors.New("server closed")
	ErrRunning      = errors.New("server already running")
	ErrIDMismatch   = errors.New("connection id does not match its slot")
	ErrOutOfRange   = errors.New("token outside of slot table")
	ErrInvalidReset = errors.New("slot table not empty after reset")
)

// Error is a fatal loop failure. Token is the connection involved, or
// upoll.ListenerToken for listener and loop wide failures.
type Error struct {
	Kind  ErrorKind
	Token upoll.Token
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Token == upoll.ListenerToken {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s token=%d: %v", e.Kind, e.Op, e.Token, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func IsKind(err error, kind ErrorKind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

func invariant(token upoll.Token, op string, err error) *Error {
	return &Error{Kind: KindInvariant, Token: token, Op: op, Err: err}
}
