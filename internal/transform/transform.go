package transform

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"connector/internal/fault"
	"connector/record"
)

// Verdict is what a stage decided about a record.
type Verdict int

const (
	Keep Verdict = iota
	Drop
	Reject
	// Retry means the stage could not decide; the record must be offered
	// again later.
	Retry
)

func (v Verdict) String() string {
	switch v {
	case Keep:
		return "keep"
	case Drop:
		return "drop"
	case Reject:
		return "deadletter"
	case Retry:
		return "retry"
	}
	return fmt.Sprintf("verdict(%d)", int(v))
}

// Stage transforms one record in place. Returning an error rejects the
// record and the error text becomes the dead-letter reason, unless the
// verdict is Retry or the error is classified transient.
type Stage interface {
	Name() string
	Apply(ctx context.Context, r *record.Transformed) (Verdict, error)
}

// Func adapts a plain function to a Stage.
type Func struct {
	Label string
	Fn    func(ctx context.Context, r *record.Transformed) (Verdict, error)
}

func (f Func) Name() string { return f.Label }
func (f Func) Apply(ctx context.Context, r *record.Transformed) (Verdict, error) {
	return f.Fn(ctx, r)
}

// Result is the pipeline output for one item. Err is set for Retry.
type Result struct {
	Verdict    Verdict
	Record     record.Transformed
	DeadLetter record.DeadLetter
	Err        error
}

type Pipeline struct {
	stages []Stage
	now    func() time.Time
}

func NewPipeline(stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, now: time.Now}
}

// Len is the number of stages.
func (p *Pipeline) Len() int { return len(p.stages) }

// Apply runs every stage over it. It never panics.
func (p *Pipeline) Apply(ctx context.Context, it record.Item) (res Result) {
	cur := record.Transformed{
		Key:     it.Record.Key,
		Value:   it.Record.Payload,
		Headers: maps.Clone(it.Record.Headers),
		Cursor:  it.Cursor,
	}
	ctx = context.WithValue(ctx, partitionKey{}, it.Record.Partition)
	stage := ""
	defer func() {
		if r := recover(); r != nil {
			res = p.reject(it, stage, fmt.Errorf("panic: %v", r))
		}
	}()
	for _, s := range p.stages {
		stage = s.Name()
		v, err := s.Apply(ctx, &cur)
		if v == Retry || fault.IsRetryable(err) || (err != nil && ctx.Err() != nil) {
			if err == nil {
				err = errors.New("retry requested")
			}
			return Result{Verdict: Retry, Err: fault.New(fault.TransformTransient, "transform "+stage, err)}
		}
		if err != nil {
			return p.reject(it, stage, err)
		}
		switch v {
		case Drop:
			return Result{Verdict: Drop, Record: cur}
		case Reject:
			return p.reject(it, stage, fmt.Errorf("rejected"))
		}
	}
	cur.Cursor = it.Cursor
	return Result{Verdict: Keep, Record: cur}
}

func (p *Pipeline) reject(it record.Item, stage string, err error) Result {
	kind := fault.KindOf(err)
	if kind == fault.Unknown {
		kind = fault.MalformedRecord
	}
	// the record's own time keeps redelivered dead letters identical
	at := it.Record.Timestamp
	if at.IsZero() {
		at = p.now()
	}
	return Result{
		Verdict: Reject,
		DeadLetter: record.DeadLetter{
			Partition: it.Record.Partition,
			Cursor:    it.Cursor,
			Key:       it.Record.Key,
			Payload:   it.Record.Payload,
			Headers:   it.Record.Headers,
			Kind:      string(kind),
			Reason:    fmt.Sprintf("%s: %v", stage, err),
			At:        at.UTC(),
		},
	}
}

type partitionKey struct{}

// PartitionFrom returns the partition of the record being transformed.
func PartitionFrom(ctx context.Context) string {
	p, _ := ctx.Value(partitionKey{}).(string)
	return p
}

// Close releases stages that hold resources (plugin connections).
func (p *Pipeline) Close() error {
	var first error
	for _, s := range p.stages {
		if c, ok := s.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}

/*──────── registry ───────*/

// Decode fills a stage-specific config struct from the pipeline file.
type Decode func(v any) error

type Factory func(ctx context.Context, name string, decode Decode) (Stage, error)

var reg = map[string]Factory{}

func Register(kind string, f Factory) { reg[kind] = f }

// NewStage builds a stage of the given kind.
func NewStage(ctx context.Context, kind, name string, decode Decode) (Stage, error) {
	f, ok := reg[kind]
	if !ok {
		return nil, fmt.Errorf("unknown transform %q", kind)
	}
	if name == "" {
		name = kind
	}
	return f(ctx, name, decode)
}
