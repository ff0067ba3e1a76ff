// Portions Copyright 2016-2018 Dgraph Labs, Inc. are available under the Apache License v2.0.
// Portions Copyright 2022 Outcaste LLC are available under the Sustainable License v1.0.

package x

import "fmt"

// Kind enumerates the error kinds a modify operation can report. These are
// the kinds named in the core's error handling design, not Go type names:
// a single OpError carries one of them plus a diagnostic string.
type Kind int

const (
	// KindNone is the zero value; never attached to a returned error.
	KindNone Kind = iota
	// KindSuccess marks an ordinary successful modify, as distinct from
	// KindNoOperation's "would have succeeded but persisted nothing".
	KindSuccess
	KindInsufficientAccess
	KindReferral
	KindAssertionFailed
	KindNoSuchObject
	KindSchemaViolation
	KindTypeOrValueExists
	KindNoSuchAttribute
	KindConstraintViolation
	KindInvalidSyntax
	KindBusy
	KindOther
	KindAbandoned
	KindNoOperation
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "SUCCESS"
	case KindInsufficientAccess:
		return "INSUFFICIENT_ACCESS"
	case KindReferral:
		return "REFERRAL"
	case KindAssertionFailed:
		return "ASSERTION_FAILED"
	case KindNoSuchObject:
		return "NO_SUCH_OBJECT"
	case KindSchemaViolation:
		return "SCHEMA_VIOLATION"
	case KindTypeOrValueExists:
		return "TYPE_OR_VALUE_EXISTS"
	case KindNoSuchAttribute:
		return "NO_SUCH_ATTRIBUTE"
	case KindConstraintViolation:
		return "CONSTRAINT_VIOLATION"
	case KindInvalidSyntax:
		return "INVALID_SYNTAX"
	case KindBusy:
		return "BUSY"
	case KindOther:
		return "OTHER"
	case KindAbandoned:
		return "ABANDONED"
	case KindNoOperation:
		return "NO_OPERATION"
	default:
		return "NONE"
	}
}

// OpError is the error value returned across the core's surface. It carries
// a Kind for programmatic dispatch and a human-readable diagnostic, playing
// the role x.GqlError plays for the GraphQL layer elsewhere in this stack.
type OpError struct {
	Kind Kind
	Text string
}

func (e *OpError) Error() string {
	if e.Text == "" {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Text)
}

// Errorf builds an *OpError with a formatted diagnostic.
func Errorf(kind Kind, format string, args ...interface{}) *OpError {
	return &OpError{Kind: kind, Text: fmt.Sprintf(format, args...)}
}

// KindOf extracts the Kind from err, defaulting to KindOther for any error
// that didn't originate as an *OpError (e.g. one bubbled up raw from the KV
// store).
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if oe, ok := err.(*OpError); ok {
		return oe.Kind
	}
	return KindOther
}

// IsDeadlock reports whether err is the one error kind the Transaction
// Coordinator recovers from locally by retrying, rather than surfacing to
// the caller: deadlock is the only error recovered locally.
func IsDeadlock(err error) bool {
	de, ok := err.(*DeadlockError)
	return ok && de != nil
}

// DeadlockError marks a lock-conflict/deadlock/lock-not-granted outcome
// from the KV store or the entry cache's write-intent protocol.
type DeadlockError struct {
	Reason string
}

func (e *DeadlockError) Error() string {
	return "deadlock: " + e.Reason
}
