// Package batch groups one partition's pipeline output into batches. It
// is passive: the owning partition task feeds it and asks when the hold
// deadline has passed.
package batch

import (
	"time"

	"github.com/google/uuid"

	"connector/record"
)

type Limits struct {
	MaxCount int
	MaxBytes int
	MaxHold  time.Duration
}

type Batcher struct {
	partition string
	limits    Limits
	cmp       record.Compare

	seq    uint64
	cur    *record.Batch
	opened time.Time
}

func New(partition string, limits Limits, cmp record.Compare) *Batcher {
	return &Batcher{partition: partition, limits: limits, cmp: cmp}
}

// AddRecord appends a record for delivery. A full batch is returned.
func (b *Batcher) AddRecord(now time.Time, r record.Transformed) *record.Batch {
	cur := b.open(now, r.Cursor)
	cur.Records = append(cur.Records, r)
	cur.Bytes += r.Size()
	return b.full()
}

// AddDeadLetter appends a record that will go to the dead-letter queue
// instead of the sink.
func (b *Batcher) AddDeadLetter(now time.Time, dl record.DeadLetter) *record.Batch {
	cur := b.open(now, dl.Cursor)
	cur.DeadLetters = append(cur.DeadLetters, dl)
	return b.full()
}

// AddSkipped accounts for a dropped record so its cursor is covered by the
// next commit.
func (b *Batcher) AddSkipped(now time.Time, cursor record.Cursor) *record.Batch {
	b.open(now, cursor)
	return b.full()
}

func (b *Batcher) open(now time.Time, cursor record.Cursor) *record.Batch {
	if b.cur == nil {
		b.cur = &record.Batch{Partition: b.partition, Cursor: cursor}
		b.opened = now
	}
	b.cur.Cursor = record.Max(b.cmp, b.cur.Cursor, cursor)
	b.cur.Items++
	return b.cur
}

func (b *Batcher) full() *record.Batch {
	if b.limits.MaxCount > 0 && b.cur.Items >= b.limits.MaxCount {
		return b.Flush()
	}
	if b.limits.MaxBytes > 0 && b.cur.Bytes >= b.limits.MaxBytes {
		return b.Flush()
	}
	return nil
}

// Pending is the number of items waiting in the open batch.
func (b *Batcher) Pending() int {
	if b.cur == nil {
		return 0
	}
	return b.cur.Items
}

// Deadline is when the open batch must be flushed. ok is false when
// nothing is pending.
func (b *Batcher) Deadline() (t time.Time, ok bool) {
	if b.cur == nil {
		return time.Time{}, false
	}
	return b.opened.Add(b.limits.MaxHold), true
}

// Due reports whether the oldest pending item has been held long enough.
func (b *Batcher) Due(now time.Time) bool {
	d, ok := b.Deadline()
	return ok && !now.Before(d)
}

// Flush closes the open batch and returns it, or nil when empty.
func (b *Batcher) Flush() *record.Batch {
	out := b.cur
	if out == nil {
		return nil
	}
	b.cur = nil
	b.seq++
	out.Seq = b.seq
	out.ID = uuid.NewString()
	return out
}
