// Package record holds the data model shared by sources, sinks and the
// synchronization engine.
package record

import (
	"cmp"
	"strconv"
	"strings"
	"time"
)

// Cursor is an opaque position in a partition's stream. Only the source
// that issued it knows how to order it (see source.Adapter.Compare).
type Cursor string

// Initial is returned by checkpoint stores for partitions with no progress.
// It sorts before every cursor a source can issue.
const Initial Cursor = ""

// Compare orders two cursors. Implementations must treat Initial as the
// smallest value.
type Compare func(a, b Cursor) int

// Max returns the larger of a and b under cmp.
func Max(cmp Compare, a, b Cursor) Cursor {
	if cmp(a, b) >= 0 {
		return a
	}
	return b
}

// Record is one source-native change.
type Record struct {
	Partition string
	Key       []byte
	Payload   []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Item is what a poll yields: the record and the position right after it.
type Item struct {
	Record Record
	Cursor Cursor
}

// Transformed is a record ready for the sink.
type Transformed struct {
	Key     []byte
	Value   []byte
	Headers map[string]string
	Cursor  Cursor
}

// Size is the payload size used for batch byte thresholds.
func (t Transformed) Size() int { return len(t.Key) + len(t.Value) }

// DeadLetter is a record diverted from normal delivery.
type DeadLetter struct {
	Partition string            `json:"partition"`
	Cursor    Cursor            `json:"cursor"`
	Key       []byte            `json:"key,omitempty"`
	Payload   []byte            `json:"payload,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Kind      string            `json:"kind"`
	Reason    string            `json:"reason"`
	Attempts  int               `json:"attempts"`
	At        time.Time         `json:"at"`
}

// Batch is an ordered group of records bound to one partition. Cursor is
// the highest position observed while building it, including records that
// were filtered or dead-lettered, and becomes durable only once the whole
// batch is resolved.
type Batch struct {
	ID          string
	Partition   string
	Seq         uint64
	Records     []Transformed
	DeadLetters []DeadLetter
	Cursor      Cursor
	Items       int
	Bytes       int
}

// Empty reports whether the batch carries nothing to deliver.
func (b *Batch) Empty() bool { return len(b.Records) == 0 && len(b.DeadLetters) == 0 }

// CompareInt orders cursors that hold base-10 integers, such as log offsets.
// Initial sorts first; unparsable cursors fall back to string order after it.
func CompareInt(a, b Cursor) int {
	if a == b {
		return 0
	}
	if a == Initial {
		return -1
	}
	if b == Initial {
		return 1
	}
	x, errA := strconv.ParseInt(string(a), 10, 64)
	y, errB := strconv.ParseInt(string(b), 10, 64)
	if errA != nil || errB != nil {
		return strings.Compare(string(a), string(b))
	}
	return cmp.Compare(x, y)
}

// IntCursor formats n as a CompareInt cursor.
func IntCursor(n int64) Cursor { return Cursor(strconv.FormatInt(n, 10)) }
