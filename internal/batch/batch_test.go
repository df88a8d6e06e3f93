package batch

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connector/record"
)

var t0 = time.Unix(1_700_000_000, 0)

func rec(cursor int64, size int) record.Transformed {
	return record.Transformed{Value: make([]byte, size), Cursor: record.IntCursor(cursor)}
}

func TestFlushOnCount(t *testing.T) {
	b := New("p", Limits{MaxCount: 3, MaxHold: time.Hour}, record.CompareInt)
	require.Nil(t, b.AddRecord(t0, rec(1, 1)))
	require.Nil(t, b.AddSkipped(t0, "2"))
	out := b.AddDeadLetter(t0, record.DeadLetter{Cursor: "3"})
	require.NotNil(t, out)
	require.Equal(t, 3, out.Items)
	require.Len(t, out.Records, 1)
	require.Len(t, out.DeadLetters, 1)
	require.Equal(t, record.Cursor("3"), out.Cursor)
	require.Equal(t, 0, b.Pending())
}

func TestFlushOnBytes(t *testing.T) {
	b := New("p", Limits{MaxCount: 100, MaxBytes: 10, MaxHold: time.Hour}, record.CompareInt)
	require.Nil(t, b.AddRecord(t0, rec(1, 6)))
	out := b.AddRecord(t0, rec(2, 6))
	require.NotNil(t, out)
	require.Equal(t, 12, out.Bytes)
}

func TestHoldDeadline(t *testing.T) {
	b := New("p", Limits{MaxCount: 100, MaxHold: time.Second}, record.CompareInt)
	_, ok := b.Deadline()
	require.False(t, ok)
	require.False(t, b.Due(t0))

	b.AddRecord(t0, rec(1, 1))
	b.AddRecord(t0.Add(900*time.Millisecond), rec(2, 1))
	require.False(t, b.Due(t0.Add(999*time.Millisecond)), "hold is measured from the oldest item")
	require.True(t, b.Due(t0.Add(time.Second)))
}

func TestCursorIsHighestObserved(t *testing.T) {
	b := New("p", Limits{MaxHold: time.Hour}, record.CompareInt)
	b.AddRecord(t0, rec(9, 1))
	b.AddSkipped(t0, "10")
	b.AddRecord(t0, rec(8, 1))
	out := b.Flush()
	require.Equal(t, record.Cursor("10"), out.Cursor, "numeric order, including dropped items")
}

func TestSequenceStrictlyIncreases(t *testing.T) {
	b := New("p", Limits{MaxCount: 1}, record.CompareInt)
	var last uint64
	ids := map[string]bool{}
	for i := int64(1); i <= 5; i++ {
		out := b.AddRecord(t0, rec(i, 1))
		require.NotNil(t, out)
		require.Greater(t, out.Seq, last)
		require.False(t, ids[out.ID])
		last, ids[out.ID] = out.Seq, true
	}
	require.Nil(t, b.Flush())
}
