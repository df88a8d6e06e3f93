package delivery

import (
	"context"
	"errors"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connector/internal/checkpoint"
	"connector/internal/clock"
	"connector/internal/fault"
	"connector/record"
	"connector/sink"
)

func TestAckCommitsBatchCursor(t *testing.T) {
	h := newHarness(t, Config{MaxInFlight: 1}, newScriptedSink(nil))
	require.NoError(t, h.engine.Submit(context.Background(), makeBatch(1, 5)))
	h.drain(t)

	require.Equal(t, record.Cursor("5"), h.load(t))
	st := h.engine.Stats()
	require.EqualValues(t, 1, st.Acked)
	require.EqualValues(t, 5, st.Delivered)
	require.EqualValues(t, 1, st.Commits)
	require.Equal(t, 0, st.InFlight)
}

// Batches resolve in random order; commits must still follow submission
// order, and a cursor is committed only once every record up to it has
// been acknowledged by the sink.
func TestOutOfOrderAcksNeverCommitOutOfOrder(t *testing.T) {
	for round := 0; round < 20; round++ {
		rng := rand.New(rand.NewPCG(uint64(round), 7))
		var mu sync.Mutex
		delays := map[record.Cursor]time.Duration{}
		s := newScriptedSink(func(_ int, recs []record.Transformed) ([]sink.Outcome, error) {
			mu.Lock()
			d := delays[recs[len(recs)-1].Cursor]
			mu.Unlock()
			time.Sleep(d)
			return nil, nil
		})
		h := &harness{sink: s, store: &recordingStore{Store: checkpoint.NewMemory(record.CompareInt)}}
		h.store.onCommit = func(c record.Cursor) {
			upTo := record.CompareInt
			for i := int64(1); upTo(record.IntCursor(i), c) <= 0; i++ {
				if !s.Delivered(record.IntCursor(i)) {
					t.Errorf("commit %s before record %d was acknowledged", c, i)
					return
				}
			}
		}
		h.engine = New(context.Background(), "orders/0", Config{MaxInFlight: 8, MaxAttempts: 1}, Deps{
			Sink: s, Store: h.store, Compare: record.CompareInt,
		})

		const batches = 40
		for i := int64(0); i < batches; i++ {
			b := makeBatch(i*3+1, i*3+3)
			mu.Lock()
			delays[b.Cursor] = time.Duration(rng.IntN(3000)) * time.Microsecond
			mu.Unlock()
			require.NoError(t, h.engine.Submit(context.Background(), b))
		}
		h.drain(t)

		commits := h.store.Commits()
		require.NotEmpty(t, commits)
		for i := 1; i < len(commits); i++ {
			require.Positive(t, record.CompareInt(commits[i], commits[i-1]), "commits out of order: %v", commits)
		}
		require.Equal(t, record.IntCursor(batches*3), h.load(t))
	}
}

func TestTransientTwiceThenSuccess(t *testing.T) {
	var h *harness
	s := newScriptedSink(func(call int, _ []record.Transformed) ([]sink.Outcome, error) {
		if got, _ := h.store.Load(context.Background(), "orders/0"); got != record.Initial {
			t.Errorf("checkpoint moved to %q before the batch was acknowledged", got)
		}
		if call < 2 {
			return nil, fault.New(fault.SinkTransient, "deliver", errors.New("503"))
		}
		return nil, nil
	})
	h = newHarness(t, Config{
		MaxInFlight: 1,
		MaxAttempts: 5,
		Backoff:     Backoff{Base: 100 * time.Millisecond, Cap: 150 * time.Millisecond},
	}, s)

	require.NoError(t, h.engine.Submit(context.Background(), makeBatch(1, 3)))
	h.drain(t)

	require.Equal(t, 3, s.Calls())
	require.Equal(t, []time.Duration{100 * time.Millisecond, 150 * time.Millisecond}, h.clock.Waits(),
		"backoff doubles from base and is capped")
	require.Equal(t, record.Cursor("3"), h.load(t))
	st := h.engine.Stats()
	require.EqualValues(t, 3, st.Attempts)
	require.EqualValues(t, 2, st.Retries)
}

func TestRetriesOnlyRetryableRecords(t *testing.T) {
	s := newScriptedSink(func(call int, recs []record.Transformed) ([]sink.Outcome, error) {
		if call > 0 {
			return nil, nil
		}
		out := make([]sink.Outcome, len(recs))
		for i := range out {
			out[i] = sink.Succeeded()
		}
		out[1] = sink.Retryable(errors.New("throttled"))
		return out, nil
	})
	h := newHarness(t, Config{MaxInFlight: 1}, s)
	require.NoError(t, h.engine.Submit(context.Background(), makeBatch(1, 3)))
	h.drain(t)

	require.Len(t, s.calls, 2)
	require.Len(t, s.calls[1], 1)
	require.Equal(t, record.Cursor("2"), s.calls[1][0].Cursor)
	require.Equal(t, record.Cursor("3"), h.load(t))
}

func TestFatalRecordDeadLetteredOthersDelivered(t *testing.T) {
	const n = 5
	s := newScriptedSink(func(_ int, recs []record.Transformed) ([]sink.Outcome, error) {
		out := make([]sink.Outcome, len(recs))
		for i := range out {
			out[i] = sink.Succeeded()
		}
		out[2] = sink.Fatal(errors.New("schema mismatch"))
		return out, nil
	})
	h := newHarness(t, Config{MaxInFlight: 1}, s)
	require.NoError(t, h.engine.Submit(context.Background(), makeBatch(1, n)))
	h.drain(t)

	require.Equal(t, 1, s.Calls(), "fatal records are not retried")
	dead, err := h.dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, record.Cursor("3"), dead[0].Cursor)
	require.Equal(t, string(fault.SinkFatal), dead[0].Kind)

	st := h.engine.Stats()
	require.EqualValues(t, n-1, st.Delivered)
	require.EqualValues(t, 1, st.DeadLettered)
	require.Equal(t, record.IntCursor(n), h.load(t), "cursor covers every record of the batch")
}

func TestTransformDeadLettersStoredBeforeCommit(t *testing.T) {
	h := newHarness(t, Config{MaxInFlight: 1}, newScriptedSink(nil))
	b := makeBatch(1, 2)
	b.DeadLetters = []record.DeadLetter{{Partition: "orders/0", Cursor: "3", Kind: string(fault.MalformedRecord)}}
	b.Cursor = "3"
	h.store.onCommit = func(record.Cursor) {
		if n, _ := h.dlq.Len(context.Background()); n != 1 {
			t.Errorf("dead letters must be durable before the commit, queue has %d", n)
		}
	}
	require.NoError(t, h.engine.Submit(context.Background(), b))
	h.drain(t)
	require.Equal(t, record.Cursor("3"), h.load(t))
}

func TestExhaustedBatchIsDeadLetteredAndCommitted(t *testing.T) {
	s := newScriptedSink(func(int, []record.Transformed) ([]sink.Outcome, error) {
		return nil, errors.New("connection refused")
	})
	h := newHarness(t, Config{MaxInFlight: 1, MaxAttempts: 3}, s)
	require.NoError(t, h.engine.Submit(context.Background(), makeBatch(1, 2)))
	h.drain(t)

	require.Equal(t, 3, s.Calls())
	dead, _ := h.dlq.List(context.Background(), 0)
	require.Len(t, dead, 2)
	require.Equal(t, 3, dead[0].Attempts)
	require.Equal(t, string(fault.SinkTransient), dead[0].Kind)
	require.Equal(t, record.Cursor("2"), h.load(t))
}

func TestHaltPolicyStopsWithoutCommit(t *testing.T) {
	s := newScriptedSink(func(int, []record.Transformed) ([]sink.Outcome, error) {
		return nil, fault.New(fault.SinkFatal, "deliver", errors.New("403"))
	})
	h := newHarness(t, Config{MaxInFlight: 2, OnExhausted: HaltOnExhausted}, s)
	require.NoError(t, h.engine.Submit(context.Background(), makeBatch(1, 2)))

	require.Eventually(t, func() bool { return h.engine.Err() != nil }, 5*time.Second, time.Millisecond)
	err := h.engine.Submit(context.Background(), makeBatch(3, 4))
	require.Error(t, err)

	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, fault.SinkFatal, fe.Kind)
	require.Equal(t, "orders/0", fe.Partition)
	require.Equal(t, record.Initial, fe.Cursor)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.Error(t, h.engine.Drain(ctx))
	require.Equal(t, record.Initial, h.load(t))
	n, _ := h.dlq.Len(context.Background())
	require.Zero(t, n)
}

func TestStoreUnavailableRetriesCommitOnly(t *testing.T) {
	h := newHarness(t, Config{MaxInFlight: 1}, newScriptedSink(nil))
	h.store.failures = 3
	require.NoError(t, h.engine.Submit(context.Background(), makeBatch(1, 4)))
	h.drain(t)

	require.Equal(t, 1, h.sink.Calls(), "commit retries must not redeliver")
	require.Equal(t, record.Cursor("4"), h.load(t))
	require.Len(t, h.clock.Waits(), 3)
}

func TestBackpressureBlocksSubmit(t *testing.T) {
	release := make(chan struct{})
	s := newScriptedSink(func(int, []record.Transformed) ([]sink.Outcome, error) {
		<-release
		return nil, nil
	})
	h := newHarness(t, Config{MaxInFlight: 2}, s)
	require.NoError(t, h.engine.Submit(context.Background(), makeBatch(1, 1)))
	require.NoError(t, h.engine.Submit(context.Background(), makeBatch(2, 2)))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.engine.Submit(ctx, makeBatch(3, 3)), context.DeadlineExceeded)
	require.Equal(t, 2, h.engine.Stats().InFlight)

	close(release)
	h.drain(t)
	require.Equal(t, record.Cursor("2"), h.load(t))
}

func TestHardStopAbandonsRetryingBatch(t *testing.T) {
	hard, stop := context.WithCancel(context.Background())
	s := newScriptedSink(func(int, []record.Transformed) ([]sink.Outcome, error) {
		return nil, fault.New(fault.SinkTransient, "deliver", errors.New("busy"))
	})
	store := checkpoint.NewMemory(record.CompareInt)
	e := New(hard, "p", Config{MaxInFlight: 1, MaxAttempts: 100, Backoff: Backoff{Base: time.Hour, Cap: time.Hour}}, Deps{
		Sink: s, Store: store, Compare: record.CompareInt, Clock: clock.Real{},
	})
	require.NoError(t, e.Submit(context.Background(), makeBatch(1, 1)))
	require.Eventually(t, func() bool { return s.Calls() == 1 }, 5*time.Second, time.Millisecond)
	stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = e.Drain(ctx)
	got, _ := store.Load(context.Background(), "p")
	require.Equal(t, record.Initial, got, "an unresolved batch is never committed")
}
