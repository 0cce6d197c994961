// Package workflow holds the pieces shared by the collection and training
// state machines: the error taxonomy, session tokens and the exclusive
// workflow slot.
package workflow

import (
	"errors"
	"fmt"
)

// Kind classifies a failure so callers can decide how to present it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindTransientConnection is a network or timeout failure that the core
	// recovers from by retrying.
	KindTransientConnection
	// KindInvalidArgument is a malformed request.
	KindInvalidArgument
	// KindPreconditionFailed is an operation that conflicts with current state.
	KindPreconditionFailed
	// KindUpstreamFailure is an error reported by the training collaborator.
	KindUpstreamFailure
	// KindProtocol is an unparseable or invalid message from a collaborator.
	KindProtocol
	// KindConflict is a second start while one is still outstanding.
	KindConflict
	// KindNotFound is a reference to an unknown resource.
	KindNotFound
	// KindStaleToken is a token for a session or job that has been superseded.
	KindStaleToken
)

// Sentinels for errors.Is matching against a Kind.
var (
	ErrTransientConnection = errors.New("transient connection failure")
	ErrInvalidArgument     = errors.New("invalid argument")
	ErrPreconditionFailed  = errors.New("precondition failed")
	ErrUpstreamFailure     = errors.New("upstream failure")
	ErrProtocol            = errors.New("protocol error")
	ErrConflict            = errors.New("conflict")
	ErrNotFound            = errors.New("not found")
	ErrStaleToken          = errors.New("stale token")
)

var kindSentinels = map[Kind]error{
	KindTransientConnection: ErrTransientConnection,
	KindInvalidArgument:     ErrInvalidArgument,
	KindPreconditionFailed:  ErrPreconditionFailed,
	KindUpstreamFailure:     ErrUpstreamFailure,
	KindProtocol:            ErrProtocol,
	KindConflict:            ErrConflict,
	KindNotFound:            ErrNotFound,
	KindStaleToken:          ErrStaleToken,
}

func (k Kind) String() string {
	if s, ok := kindSentinels[k]; ok {
		return s.Error()
	}
	return "unknown"
}

// Error is the typed failure returned by workflow operations.
type Error struct {
	Op    string
	Kind  Kind
	State string // state of the component at the time of failure, if relevant
	Err   error
}

// E builds an *Error with a formatted cause.
func E(op string, kind Kind, state string, format string, args ...any) *Error {
	return &Error{Op: op, Kind: kind, State: state, Err: fmt.Errorf(format, args...)}
}

// Wrap builds an *Error around an existing cause.
func Wrap(op string, kind Kind, err error) *Error {
	return &Error{Op: op, Kind: kind, Err: err}
}

func (e *Error) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	if e.State != "" {
		msg += " (state " + e.State + ")"
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is the sentinel for this error's Kind.
func (e *Error) Is(target error) bool {
	s, ok := kindSentinels[e.Kind]
	return ok && s == target
}

// KindOf returns the Kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var we *Error
	if errors.As(err, &we) {
		return we.Kind
	}
	return KindUnknown
}

// StateOf returns the state attached to the first *Error in err's chain.
func StateOf(err error) string {
	var we *Error
	if errors.As(err, &we) {
		return we.State
	}
	return ""
}
