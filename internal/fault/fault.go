// Package fault classifies engine failures so that each stage can decide
// between retrying, isolating a partition or dead-lettering a record.
package fault

import (
	"context"
	"errors"
	"fmt"

	"connector/record"
)

// Kind is the failure category.
type Kind string

const (
	Unknown          Kind = "unknown"
	SourceTransient  Kind = "source_transient"
	SourceFatal      Kind = "source_fatal"
	SinkTransient    Kind = "sink_transient"
	SinkFatal        Kind = "sink_fatal"
	StoreUnavailable Kind = "store_unavailable"
	MalformedRecord  Kind = "malformed_record"
	// TransformTransient is a transform that could not run (plugin down,
	// cancelled); the record is retried, never dead-lettered.
	TransformTransient Kind = "transform_transient"
)

// Error carries enough context to resume a partition by hand.
type Error struct {
	Kind      Kind
	Op        string
	Partition string
	Cursor    record.Cursor
	Attempts  int
	Err       error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Partition != "" {
		msg += fmt.Sprintf(" partition=%s cursor=%q", e.Partition, e.Cursor)
	}
	if e.Attempts > 0 {
		msg += fmt.Sprintf(" attempts=%d", e.Attempts)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err stays nil.
func New(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf builds an error of kind from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Err: fmt.Errorf(format, args...)}
}

// At returns a copy of err annotated with the partition context. The kind
// of the innermost classified error is preserved.
func At(err error, partition string, cursor record.Cursor, attempts int) error {
	if err == nil {
		return nil
	}
	return &Error{
		Kind:      KindOf(err),
		Partition: partition,
		Cursor:    cursor,
		Attempts:  attempts,
		Err:       err,
	}
}

// KindOf returns the kind of the first classified error in the chain, or
// Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		if e.Kind == Unknown {
			return KindOf(e.Err)
		}
		return e.Kind
	}
	return Unknown
}

// Is reports whether err is classified as kind.
func Is(err error, kind Kind) bool { return KindOf(err) == kind }

// IsRetryable reports whether the failure should be retried locally.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case SourceTransient, SinkTransient, StoreUnavailable, TransformTransient:
		return true
	}
	return false
}

// IsFatal reports whether the failure must abort the affected partition or
// batch.
func IsFatal(err error) bool {
	switch KindOf(err) {
	case SourceFatal, SinkFatal:
		return true
	}
	return false
}

// Timeout classifies a per-call deadline as kind. It returns err unchanged
// when it is not a deadline.
func Timeout(kind Kind, op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: kind, Op: op, Err: err}
	}
	return err
}
