package lnconform

import (
	"fmt"
	"strings"
)

// FailureKind classifies why a conformance run stopped. Only
// ProtocolMismatch and OrderingViolation are retryable inside the
// OneOf/TryAny combinators; everything else aborts the run outright.
type FailureKind int

const (
	// ProtocolMismatch means a received message field differed from
	// the expected or derived value.
	ProtocolMismatch FailureKind = iota

	// UnresolvedReference means a script consumed a stash entry
	// before any event could have produced it. A script-authoring
	// bug, not a peer bug.
	UnresolvedReference

	// OrderingViolation means serial-id parity or uniqueness was
	// broken during interactive transaction construction.
	OrderingViolation

	// ConservationViolation means the finalized funding transaction
	// spends more than its inputs provide.
	ConservationViolation

	// Timeout means no message arrived within the receive bound.
	Timeout

	// ConnectionLost means the transport closed underneath us.
	ConnectionLost

	// ScriptError covers harness-authoring mistakes that are neither
	// stash references nor peer behavior, such as sending a message
	// with an unknown name.
	ScriptError
)

func (k FailureKind) String() string {
	switch k {
	case ProtocolMismatch:
		return "protocol mismatch"
	case UnresolvedReference:
		return "unresolved reference"
	case OrderingViolation:
		return "ordering violation"
	case ConservationViolation:
		return "conservation violation"
	case Timeout:
		return "timeout"
	case ConnectionLost:
		return "connection lost"
	case ScriptError:
		return "script error"
	}
	return "unknown failure"
}

// Failure is the structured error a run ends with. EventIndex is the
// position of the failing event in the top-level script, Message and
// Field name the offending wire data when applicable, and StashDump is
// the accumulated stash at the moment of failure.
type Failure struct {
	Kind       FailureKind
	EventIndex int
	Message    string
	Field      string
	Expected   string
	Actual     string
	Detail     string
	StashDump  string
	Wrapped    error
}

func (f *Failure) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s at event %d", f.Kind, f.EventIndex)
	if f.Message != "" {
		fmt.Fprintf(&sb, ", message %s", f.Message)
	}
	if f.Field != "" {
		fmt.Fprintf(&sb, ", field %s", f.Field)
	}
	if f.Expected != "" || f.Actual != "" {
		fmt.Fprintf(&sb, ": expected %s, got %s", f.Expected, f.Actual)
	}
	if f.Detail != "" {
		fmt.Fprintf(&sb, ": %s", f.Detail)
	}
	if f.Wrapped != nil {
		fmt.Fprintf(&sb, ": %v", f.Wrapped)
	}
	return sb.String()
}

func (f *Failure) Unwrap() error {
	return f.Wrapped
}

// Retryable reports whether the failure may be absorbed by a
// combinator alternative instead of ending the run.
func (f *Failure) Retryable() bool {
	return f.Kind == ProtocolMismatch || f.Kind == OrderingViolation
}

func newFailure(kind FailureKind, detail string, args ...interface{}) *Failure {
	return &Failure{Kind: kind, EventIndex: -1, Detail: fmt.Sprintf(detail, args...)}
}

// failureFrom coerces an arbitrary error into a *Failure, wrapping
// non-failure errors as the given kind.
func failureFrom(err error, kind FailureKind) *Failure {
	if f, ok := err.(*Failure); ok {
		return f
	}
	return &Failure{Kind: kind, EventIndex: -1, Wrapped: err}
}
