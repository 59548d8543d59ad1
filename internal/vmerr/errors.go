// Package vmerr defines the error taxonomy for VM lifecycle operations.
//
// Every error that leaves the orchestrator, the migration coordinator or the
// dispatcher carries a Kind. Callers branch on the kind with errors.Is against
// the sentinel values (ErrConcurrentOperation, ...) or with the IsX helpers,
// and decide whether to resubmit with Retryable.
package vmerr

import (
	"errors"
	"fmt"
)

// Kind categorizes a lifecycle failure.
type Kind string

const (
	// KindConcurrentOperation means another operation owns the VM.
	KindConcurrentOperation Kind = "ConcurrentOperation"
	// KindInsufficientCapacity means no destination satisfies the constraints.
	KindInsufficientCapacity Kind = "InsufficientCapacity"
	// KindResourceUnavailable means storage, network or a host could not be used.
	KindResourceUnavailable Kind = "ResourceUnavailable"
	// KindAgentUnavailable means the agent definitely did not run the command.
	KindAgentUnavailable Kind = "AgentUnavailable"
	// KindAgentTimeout means the agent did not answer in time. The command may
	// still be executing remotely; see Error.Active.
	KindAgentTimeout Kind = "AgentTimeout"
	// KindNoTransition means the state machine rejected a transition, either
	// because it is illegal or because the record changed underneath.
	KindNoTransition Kind = "NoTransition"
	// KindNotFound means the VM (or job) does not exist.
	KindNotFound Kind = "NotFound"
	// KindInvalidParameter means the request itself is unusable.
	KindInvalidParameter Kind = "InvalidParameter"
	// KindFatal means an invariant was violated.
	KindFatal Kind = "Fatal"
	// KindPending means a dispatched job did not finish within the wait
	// ceiling. It is not a failure.
	KindPending Kind = "Pending"
)

// Sentinels for errors.Is.
var (
	ErrConcurrentOperation  = errors.New("concurrent operation")
	ErrInsufficientCapacity = errors.New("insufficient capacity")
	ErrResourceUnavailable  = errors.New("resource unavailable")
	ErrAgentUnavailable     = errors.New("agent unavailable")
	ErrAgentTimeout         = errors.New("agent timeout")
	ErrNoTransition         = errors.New("no transition")
	ErrNotFound             = errors.New("not found")
	ErrInvalidParameter     = errors.New("invalid parameter")
	ErrFatal                = errors.New("fatal")
	ErrPending              = errors.New("pending")
)

var sentinels = map[Kind]error{
	KindConcurrentOperation:  ErrConcurrentOperation,
	KindInsufficientCapacity: ErrInsufficientCapacity,
	KindResourceUnavailable:  ErrResourceUnavailable,
	KindAgentUnavailable:     ErrAgentUnavailable,
	KindAgentTimeout:         ErrAgentTimeout,
	KindNoTransition:         ErrNoTransition,
	KindNotFound:             ErrNotFound,
	KindInvalidParameter:     ErrInvalidParameter,
	KindFatal:                ErrFatal,
	KindPending:              ErrPending,
}

// Error is a categorized lifecycle error.
type Error struct {
	Kind Kind
	// VMID identifies the VM the operation was acting on.
	VMID string
	// Op is the operation name, e.g. "start" or "migrate".
	Op string
	// Active is only meaningful for KindAgentTimeout: true when the command
	// may still be running on the host.
	Active bool
	Err    error
}

// Error returns "<op> vm <id>: <message>".
func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Err != nil {
		msg = e.Err.Error()
	}
	switch {
	case e.Op != "" && e.VMID != "":
		return fmt.Sprintf("%s vm %s: %s", e.Op, e.VMID, msg)
	case e.VMID != "":
		return fmt.Sprintf("vm %s: %s", e.VMID, msg)
	case e.Op != "":
		return fmt.Sprintf("%s: %s", e.Op, msg)
	default:
		return msg
	}
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for e.Kind.
func (e *Error) Is(target error) bool {
	return sentinels[e.Kind] == target
}

// New creates an Error of the given kind with a formatted message.
func New(kind Kind, vmID, op, format string, args ...interface{}) error {
	return &Error{Kind: kind, VMID: vmID, Op: op, Err: fmt.Errorf(format, args...)}
}

// Wrap categorizes err. If err already carries a kind, the existing kind is
// kept and only missing VM/op context is filled in.
func Wrap(kind Kind, vmID, op string, err error) error {
	if err == nil {
		return nil
	}
	var ve *Error
	if errors.As(err, &ve) {
		out := *ve
		if out.VMID == "" {
			out.VMID = vmID
		}
		if out.Op == "" {
			out.Op = op
		}
		return &out
	}
	return &Error{Kind: kind, VMID: vmID, Op: op, Err: err}
}

// Timeout creates a KindAgentTimeout error.
func Timeout(vmID, op string, active bool, err error) error {
	return &Error{Kind: KindAgentTimeout, VMID: vmID, Op: op, Active: active, Err: err}
}

// KindOf returns the kind carried by err, KindFatal for uncategorized errors,
// and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ve *Error
	if errors.As(err, &ve) {
		return ve.Kind
	}
	return KindFatal
}

// Retryable reports whether a caller may resubmit the operation.
// ConcurrentOperation is not retryable: another operation owns the VM.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindInsufficientCapacity, KindResourceUnavailable, KindAgentUnavailable,
		KindAgentTimeout, KindNoTransition, KindPending:
		return true
	default:
		return false
	}
}

// IsActiveTimeout reports whether err is an agent timeout where the command
// may still be executing remotely.
func IsActiveTimeout(err error) bool {
	var ve *Error
	return errors.As(err, &ve) && ve.Kind == KindAgentTimeout && ve.Active
}

// IsConcurrentOperation is a convenience checker for KindConcurrentOperation.
func IsConcurrentOperation(err error) bool {
	return errors.Is(err, ErrConcurrentOperation)
}

// IsNoTransition is a convenience checker for KindNoTransition.
func IsNoTransition(err error) bool {
	return errors.Is(err, ErrNoTransition)
}

// IsNotFound is a convenience checker for KindNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsPending is a convenience checker for KindPending.
func IsPending(err error) bool {
	return errors.Is(err, ErrPending)
}
