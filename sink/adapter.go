// Package sink defines the contract every sink adapter satisfies and the
// registry the pipeline compiler picks adapters from.
package sink

import (
	"context"
	"fmt"

	"connector/internal/fault"
	"connector/record"
)

// Result is the per-record verdict of a delivery call.
type Result int

const (
	OK Result = iota
	Retry
	Reject
)

func (r Result) String() string {
	switch r {
	case OK:
		return "ok"
	case Retry:
		return "retryable"
	case Reject:
		return "fatal"
	}
	return fmt.Sprintf("result(%d)", int(r))
}

// Outcome pairs a Result with the error that caused it.
type Outcome struct {
	Result Result
	Err    error
}

func Succeeded() Outcome { return Outcome{Result: OK} }
func Retryable(err error) Outcome {
	return Outcome{Result: Retry, Err: fault.New(fault.SinkTransient, "deliver", err)}
}
func Fatal(err error) Outcome {
	return Outcome{Result: Reject, Err: fault.New(fault.SinkFatal, "deliver", err)}
}
func FromError(err error) Outcome {
	switch {
	case err == nil:
		return Succeeded()
	case fault.IsFatal(err):
		return Outcome{Result: Reject, Err: err}
	default:
		return Outcome{Result: Retry, Err: err}
	}
}

// Adapter writes records to an external system.
type Adapter interface {
	// Deliver writes records in order. A non-nil error means the whole call
	// failed and is classified with fault (SinkTransient or SinkFatal).
	// Otherwise outcomes is either nil (everything succeeded) or holds one
	// entry per record.
	Deliver(ctx context.Context, partition string, records []record.Transformed) ([]Outcome, error)
	Close() error
}

// Decode fills a driver-specific config struct from the pipeline file.
type Decode func(v any) error

/*──────── registry ───────*/

type Factory func(ctx context.Context, decode Decode) (Adapter, error)

var reg = map[string]Factory{}

func Register(name string, f Factory) { reg[name] = f }

func New(ctx context.Context, name string, decode Decode) (Adapter, error) {
	if f, ok := reg[name]; ok {
		return f(ctx, decode)
	}
	return nil, fmt.Errorf("unknown sink %q", name)
}
