package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"connector/internal/batch"
	"connector/internal/checkpoint"
	"connector/internal/deadletter"
	"connector/internal/delivery"
	"connector/internal/fault"
	"connector/internal/transform"
	"connector/record"
)

func testConfig() Config {
	return Config{
		Batch: batch.Limits{MaxCount: 5, MaxHold: 20 * time.Millisecond},
		Delivery: delivery.Config{
			MaxInFlight: 2,
			MaxAttempts: 3,
			Backoff:     delivery.Backoff{Base: time.Millisecond, Cap: 5 * time.Millisecond},
		},
		PollIdleWait:   5 * time.Millisecond,
		PollMaxRecords: 100,
	}
}

type run struct {
	cancel context.CancelFunc
	done   chan error
}

func start(s *Scheduler) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{cancel: cancel, done: make(chan error, 1)}
	go func() { r.done <- s.Run(ctx) }()
	return r
}

func (r *run) stop(t *testing.T) error {
	t.Helper()
	r.cancel()
	select {
	case err := <-r.done:
		return err
	case <-time.After(10 * time.Second):
		t.Fatal("scheduler did not stop")
		return nil
	}
}

func waitCommitted(t *testing.T, store checkpoint.Store, p string, want record.Cursor) {
	t.Helper()
	require.Eventually(t, func() bool {
		got, err := store.Load(context.Background(), p)
		return err == nil && got == want
	}, 10*time.Second, time.Millisecond, "partition %s never reached %s", p, want)
}

// P starts at C0; five records C1..C5 fill one batch; the sink acks it and
// the store then returns C5.
func TestBatchOfFiveAdvancesCheckpointFromC0ToC5(t *testing.T) {
	src := newMemSource()
	src.add("P", "c0", "r1", "r2", "r3", "r4", "r5")
	store := checkpoint.NewMemory(record.CompareInt)
	require.NoError(t, store.Commit(context.Background(), "P", "1"))
	snk := newCollectSink()

	cfg := testConfig()
	cfg.Batch.MaxHold = time.Hour
	s := New(cfg, Deps{Source: src, Sink: snk, Store: store}, []string{"P"})
	r := start(s)
	waitCommitted(t, store, "P", "6")
	require.NoError(t, r.stop(t))

	require.Equal(t, []string{"r1", "r2", "r3", "r4", "r5"}, snk.Got("P"))
	st := s.Status()
	require.Len(t, st, 1)
	require.Equal(t, Stopped, st[0].State)
	require.Equal(t, record.Cursor("6"), st[0].Committed)
}

func TestMalformedRecordIsDeadLetteredAndCovered(t *testing.T) {
	src := newMemSource()
	src.add("P", `{"n":1}`, `{"n":2}`, `{broken`, `{"n":4}`, `{"n":5}`)
	store := checkpoint.NewMemory(record.CompareInt)
	dlq := deadletter.NewMemory()
	snk := newCollectSink()
	v, err := transform.NewStage(context.Background(), "json_validate", "", nil)
	require.NoError(t, err)

	s := New(testConfig(), Deps{
		Source: src, Sink: snk, Store: store, DeadLetters: dlq,
		Pipeline: transform.NewPipeline(v),
	}, []string{"P"})
	r := start(s)
	waitCommitted(t, store, "P", "5")
	require.NoError(t, r.stop(t))

	require.Len(t, snk.Got("P"), 4)
	dead, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	require.Equal(t, record.Cursor("3"), dead[0].Cursor)
	require.Equal(t, string(fault.MalformedRecord), dead[0].Kind)
}

// A crash before the commit lands must lead to redelivery, never loss.
func TestReplayAfterCrashRedelivers(t *testing.T) {
	src := newMemSource()
	src.add("P", "a", "b", "c")
	store := checkpoint.NewMemory(record.CompareInt)

	down := &unavailableStore{Store: store}
	first := newCollectSink()
	cfg := testConfig()
	cfg.DrainTimeout = 50 * time.Millisecond
	s := New(cfg, Deps{Source: src, Sink: first, Store: down}, []string{"P"})
	r := start(s)
	require.Eventually(t, func() bool { return len(first.Got("P")) == 3 }, 10*time.Second, time.Millisecond)
	_ = r.stop(t)
	got, _ := store.Load(context.Background(), "P")
	require.Equal(t, record.Initial, got)

	second := newCollectSink()
	s = New(testConfig(), Deps{Source: src, Sink: second, Store: store}, []string{"P"})
	r = start(s)
	waitCommitted(t, store, "P", "3")
	require.NoError(t, r.stop(t))
	require.Equal(t, []string{"a", "b", "c"}, second.Got("P"))
}

type unavailableStore struct{ checkpoint.Store }

func (unavailableStore) Commit(context.Context, string, record.Cursor) error {
	return fault.New(fault.StoreUnavailable, "commit", errors.New("connection refused"))
}

func TestShutdownDrainsInFlightBatchAndStopsPolling(t *testing.T) {
	src := newMemSource()
	src.add("P", "a", "b")
	store := checkpoint.NewMemory(record.CompareInt)
	snk := newCollectSink()
	snk.gate = make(chan struct{})
	snk.started = make(chan struct{}, 1)

	s := New(testConfig(), Deps{Source: src, Sink: snk, Store: store}, []string{"P"})
	r := start(s)
	select {
	case <-snk.started:
	case <-time.After(10 * time.Second):
		t.Fatal("batch never dispatched")
	}

	r.cancel()
	time.Sleep(20 * time.Millisecond)
	polls := src.Polls("P")
	select {
	case <-r.done:
		t.Fatal("scheduler returned with a batch still in flight")
	default:
	}
	require.Equal(t, Draining, s.Status()[0].State)

	close(snk.gate)
	require.NoError(t, r.stop(t))
	require.Equal(t, polls, src.Polls("P"), "no poll after shutdown")
	got, _ := store.Load(context.Background(), "P")
	require.Equal(t, record.Cursor("2"), got)
	require.Equal(t, []string{"a", "b"}, snk.Got("P"))
}

func TestFatalSourceErrorIsolatesPartition(t *testing.T) {
	src := newMemSource()
	src.add("good", "1", "2", "3")
	src.add("bad", "x")
	src.errs["bad"] = []error{fault.New(fault.SourceFatal, "poll", errors.New("offset out of range"))}
	store := checkpoint.NewMemory(record.CompareInt)

	s := New(testConfig(), Deps{Source: src, Sink: newCollectSink(), Store: store}, []string{"good", "bad"})
	r := start(s)
	waitCommitted(t, store, "good", "3")
	require.Eventually(t, func() bool { return !s.Healthy() }, 10*time.Second, time.Millisecond)

	st := s.Status()
	require.Equal(t, "bad", st[0].Partition)
	require.Equal(t, Failed, st[0].State)
	require.Equal(t, fault.SourceFatal, st[0].Kind)
	require.Equal(t, Running, st[1].State)

	err := r.stop(t)
	require.Error(t, err)
	var fe *fault.Error
	require.ErrorAs(t, err, &fe)
	require.Equal(t, "bad", fe.Partition)
	require.Equal(t, record.Initial, fe.Cursor)
}

func TestTransientPollErrorsAreRetried(t *testing.T) {
	src := newMemSource()
	src.add("P", "a")
	transient := fault.New(fault.SourceTransient, "poll", errors.New("broker down"))
	src.errs["P"] = []error{transient, transient, nil}
	store := checkpoint.NewMemory(record.CompareInt)

	s := New(testConfig(), Deps{Source: src, Sink: newCollectSink(), Store: store}, []string{"P"})
	r := start(s)
	waitCommitted(t, store, "P", "1")
	require.NoError(t, r.stop(t))
}

func TestDiscoversPartitions(t *testing.T) {
	src := newMemSource()
	src.add("t/0", "a")
	src.add("t/1", "b")
	store := checkpoint.NewMemory(record.CompareInt)

	s := New(testConfig(), Deps{Source: discoveringSource{src}, Sink: newCollectSink(), Store: store}, nil)
	r := start(s)
	waitCommitted(t, store, "t/0", "1")
	waitCommitted(t, store, "t/1", "1")
	require.NoError(t, r.stop(t))
	require.Len(t, s.Status(), 2)
}

func TestNoPartitionsWithoutDiscovery(t *testing.T) {
	s := New(testConfig(), Deps{Source: newMemSource(), Sink: newCollectSink(), Store: checkpoint.NewMemory(record.CompareInt)}, nil)
	require.Error(t, s.Run(context.Background()))
}

func TestTransientTransformFailureIsRetriedInPlace(t *testing.T) {
	src := newMemSource()
	src.add("P", "a", "b", "c")
	store := checkpoint.NewMemory(record.CompareInt)
	dlq := deadletter.NewMemory()
	snk := newCollectSink()
	var failures atomic.Int32
	flaky := transform.Func{Label: "flaky", Fn: func(_ context.Context, r *record.Transformed) (transform.Verdict, error) {
		if string(r.Value) == "b" && failures.Add(1) <= 2 {
			return transform.Retry, errors.New("plugin unavailable")
		}
		return transform.Keep, nil
	}}

	s := New(testConfig(), Deps{
		Source: src, Sink: snk, Store: store, DeadLetters: dlq,
		Pipeline: transform.NewPipeline(flaky),
	}, []string{"P"})
	r := start(s)
	waitCommitted(t, store, "P", "3")
	require.NoError(t, r.stop(t))

	require.Equal(t, []string{"a", "b", "c"}, snk.Got("P"))
	dead, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, dead)
}

func TestShutdownDoesNotCancelInFlightTransform(t *testing.T) {
	src := newMemSource()
	src.add("P", "a", "b")
	store := checkpoint.NewMemory(record.CompareInt)
	dlq := deadletter.NewMemory()
	snk := newCollectSink()
	entered, release := make(chan struct{}), make(chan struct{})
	slow := transform.Func{Label: "slow", Fn: func(ctx context.Context, r *record.Transformed) (transform.Verdict, error) {
		if string(r.Value) != "b" {
			return transform.Keep, nil
		}
		close(entered)
		select {
		case <-release:
			return transform.Keep, nil
		case <-ctx.Done():
			return transform.Reject, ctx.Err()
		}
	}}

	s := New(testConfig(), Deps{
		Source: src, Sink: snk, Store: store, DeadLetters: dlq,
		Pipeline: transform.NewPipeline(slow),
	}, []string{"P"})
	r := start(s)
	<-entered
	r.cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)
	require.NoError(t, r.stop(t))

	dead, err := dlq.List(context.Background(), 0)
	require.NoError(t, err)
	require.Empty(t, dead)
	require.Equal(t, []string{"a", "b"}, snk.Got("P"))
	got, err := store.Load(context.Background(), "P")
	require.NoError(t, err)
	require.Equal(t, record.Cursor("2"), got)
}
