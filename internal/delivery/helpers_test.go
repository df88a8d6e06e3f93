package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connector/internal/checkpoint"
	"connector/internal/clock"
	"connector/internal/deadletter"
	"connector/internal/fault"
	"connector/record"
	"connector/sink"
)

// scriptedSink answers each Deliver call with fn and records what it saw.
type scriptedSink struct {
	mu        sync.Mutex
	calls     [][]record.Transformed
	delivered map[record.Cursor]bool
	fn        func(call int, recs []record.Transformed) ([]sink.Outcome, error)
}

func newScriptedSink(fn func(call int, recs []record.Transformed) ([]sink.Outcome, error)) *scriptedSink {
	return &scriptedSink{fn: fn, delivered: map[record.Cursor]bool{}}
}

func (s *scriptedSink) Deliver(ctx context.Context, _ string, recs []record.Transformed) ([]sink.Outcome, error) {
	s.mu.Lock()
	call := len(s.calls)
	s.calls = append(s.calls, append([]record.Transformed(nil), recs...))
	s.mu.Unlock()

	var (
		out []sink.Outcome
		err error
	)
	if s.fn != nil {
		out, err = s.fn(call, recs)
	}
	if err == nil {
		s.mu.Lock()
		for i, r := range recs {
			if out == nil || out[i].Result == sink.OK {
				s.delivered[r.Cursor] = true
			}
		}
		s.mu.Unlock()
	}
	return out, err
}

func (s *scriptedSink) Close() error { return nil }

func (s *scriptedSink) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func (s *scriptedSink) Delivered(c record.Cursor) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.delivered[c]
}

// recordingStore wraps a store, failing the first failures commits and
// recording every successful one.
type recordingStore struct {
	checkpoint.Store
	mu       sync.Mutex
	failures int
	commits  []record.Cursor
	onCommit func(record.Cursor)
}

func (s *recordingStore) Commit(ctx context.Context, p string, c record.Cursor) error {
	s.mu.Lock()
	if s.failures > 0 {
		s.failures--
		s.mu.Unlock()
		return fault.New(fault.StoreUnavailable, "commit", errors.New("disk unplugged"))
	}
	s.commits = append(s.commits, c)
	hook := s.onCommit
	s.mu.Unlock()
	if hook != nil {
		hook(c)
	}
	return s.Store.Commit(ctx, p, c)
}

func (s *recordingStore) Commits() []record.Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]record.Cursor(nil), s.commits...)
}

type harness struct {
	engine *Engine
	sink   *scriptedSink
	store  *recordingStore
	dlq    *deadletter.Memory
	clock  *clock.Instant
}

func newHarness(t *testing.T, cfg Config, s *scriptedSink) *harness {
	t.Helper()
	h := &harness{
		sink:  s,
		store: &recordingStore{Store: checkpoint.NewMemory(record.CompareInt)},
		dlq:   deadletter.NewMemory(),
		clock: clock.NewInstant(time.Unix(1_700_000_000, 0)),
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff.Base == 0 {
		cfg.Backoff = Backoff{Base: 100 * time.Millisecond, Cap: time.Second}
	}
	h.engine = New(context.Background(), "orders/0", cfg, Deps{
		Sink:        s,
		Store:       h.store,
		DeadLetters: h.dlq,
		Compare:     record.CompareInt,
		Clock:       h.clock,
	})
	return h
}

func (h *harness) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	require.NoError(t, h.engine.Drain(ctx))
}

func (h *harness) load(t *testing.T) record.Cursor {
	t.Helper()
	c, err := h.store.Load(context.Background(), "orders/0")
	require.NoError(t, err)
	return c
}

var seq uint64

// makeBatch builds a batch of records with cursors from..to inclusive.
func makeBatch(from, to int64) *record.Batch {
	seq++
	b := &record.Batch{ID: "b", Partition: "orders/0", Seq: seq}
	for c := from; c <= to; c++ {
		r := record.Transformed{Key: []byte("k"), Value: []byte("v"), Cursor: record.IntCursor(c)}
		b.Records = append(b.Records, r)
		b.Items++
		b.Bytes += r.Size()
	}
	b.Cursor = record.IntCursor(to)
	return b
}
