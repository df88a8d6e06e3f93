// Package source defines the contract every source adapter satisfies and
// the registry the pipeline compiler picks adapters from.
package source

import (
	"context"
	"iter"

	"connector/record"
)

// Adapter pulls records from an external system.
type Adapter interface {
	// Poll yields at most limit items positioned after since. Cursors are
	// non-decreasing within one sequence. A failure is yielded once, as the
	// last element, classified as fault.SourceTransient or fault.SourceFatal.
	Poll(ctx context.Context, partition string, since record.Cursor, limit int) iter.Seq2[record.Item, error]
	// Compare orders cursors issued by this adapter.
	Compare(a, b record.Cursor) int
	Close() error
}

// Discoverer is optional; adapters that implement it can enumerate their
// partitions when the pipeline file does not list them.
type Discoverer interface {
	Partitions(ctx context.Context) ([]string, error)
}

// Decode fills a driver-specific config struct from the pipeline file.
type Decode func(v any) error
