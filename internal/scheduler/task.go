package scheduler

import (
	"context"
	"log/slog"
	"sync"

	"connector/internal/batch"
	"connector/internal/clock"
	"connector/internal/delivery"
	"connector/internal/fault"
	"connector/internal/transform"
	"connector/record"
)

type State string

const (
	Starting State = "starting"
	Running  State = "running"
	Draining State = "draining"
	Stopped  State = "stopped"
	Failed   State = "failed"
)

// PartitionStatus is what an operator needs to resume a partition by hand.
type PartitionStatus struct {
	Partition string
	State     State
	Position  record.Cursor // last cursor read from the source
	Committed record.Cursor
	Polls     uint64
	Records   uint64
	Kind      fault.Kind
	Err       error
	Delivery  delivery.Stats
}

type task struct {
	s         *Scheduler
	partition string
	log       *slog.Logger

	mu      sync.Mutex
	state   State
	pos     record.Cursor
	polls   uint64
	records uint64
	err     error
	engine  *delivery.Engine
}

func (t *task) setState(st State) {
	t.mu.Lock()
	t.state = st
	t.mu.Unlock()
	t.s.deps.Observer.ObserveState(t.partition, st)
}

func (t *task) status() PartitionStatus {
	t.mu.Lock()
	st := PartitionStatus{
		Partition: t.partition,
		State:     t.state,
		Position:  t.pos,
		Polls:     t.polls,
		Records:   t.records,
		Err:       t.err,
	}
	eng := t.engine
	t.mu.Unlock()
	if eng != nil {
		st.Delivery = eng.Stats()
		st.Committed = st.Delivery.Committed
	}
	if st.Err != nil {
		st.Kind = fault.KindOf(st.Err)
	}
	return st
}

func (t *task) fail(err error, committed record.Cursor, attempts int) {
	err = fault.At(err, t.partition, committed, attempts)
	t.mu.Lock()
	t.err = err
	t.mu.Unlock()
	t.log.Error("partition failed", "err", err)
	t.setState(Failed)
}

// run is the partition task. ctx ends polling; hard bounds the drain.
func (t *task) run(ctx, hard context.Context) {
	s := t.s
	clk := s.deps.Clock

	committed, attempts, err := t.load(ctx)
	if err != nil {
		if ctx.Err() != nil {
			t.setState(Stopped)
			return
		}
		t.fail(err, record.Initial, attempts)
		return
	}

	eng := delivery.New(hard, t.partition, s.cfg.Delivery, delivery.Deps{
		Sink:        s.deps.Sink,
		Store:       s.deps.Store,
		DeadLetters: s.deps.DeadLetters,
		Compare:     s.deps.Source.Compare,
		Clock:       clk,
		Observer:    s.deps.Observer,
		Committed:   committed,
	})
	b := batch.New(t.partition, s.cfg.Batch, s.deps.Source.Compare)
	t.mu.Lock()
	t.engine, t.pos = eng, committed
	t.mu.Unlock()
	t.setState(Running)
	t.log.Info("partition started", "cursor", committed)

	// submit hands a batch over; once shutdown starts it falls back to the
	// hard context so a flushed batch is never lost in the handover.
	submit := func(out *record.Batch) error {
		if out == nil {
			return nil
		}
		err := eng.Submit(ctx, out)
		if err != nil && ctx.Err() != nil && eng.Err() == nil {
			err = eng.Submit(hard, out)
		}
		return err
	}

	var (
		failure      error
		pollFailures int
	)
loop:
	for ctx.Err() == nil {
		if err := eng.Err(); err != nil {
			failure = err
			break
		}
		n, err := t.pollOnce(ctx, hard, b, submit)
		if err != nil && ctx.Err() == nil {
			if eng.Err() != nil || fault.IsFatal(err) {
				failure = err
				break
			}
			pollFailures++
			if pollFailures >= s.cfg.Delivery.MaxAttempts && s.cfg.Delivery.MaxAttempts > 0 {
				attempts = pollFailures
				failure = err
				break
			}
			wait := s.cfg.Delivery.Backoff.Delay(pollFailures)
			t.log.Warn("poll failed; backing off", "attempt", pollFailures, "backoff", wait, "err", err)
			if clock.Sleep(ctx, clk, wait) != nil {
				break
			}
		} else if err == nil {
			pollFailures = 0
		}

		if b.Due(clk.Now()) {
			if err := submit(b.Flush()); err != nil {
				failure = err
				break
			}
		}
		if n > 0 {
			continue
		}

		wait := s.cfg.PollIdleWait
		if d, ok := b.Deadline(); ok {
			if until := d.Sub(clk.Now()); until < wait {
				wait = until
			}
		}
		select {
		case <-ctx.Done():
			break loop
		case <-clk.After(wait):
		}
	}

	t.setState(Draining)
	if eng.Err() == nil {
		if err := submit(b.Flush()); err != nil && failure == nil {
			failure = err
		}
	}
	if err := eng.Drain(hard); err != nil && failure == nil && hard.Err() == nil {
		failure = err
	}
	if failure != nil {
		if failure == eng.Err() {
			// already annotated by the engine
			t.mu.Lock()
			t.err = failure
			t.mu.Unlock()
			t.log.Error("partition failed", "err", failure)
			t.setState(Failed)
			return
		}
		t.fail(failure, eng.Committed(), max(attempts, pollFailures))
		return
	}
	t.setState(Stopped)
	t.log.Info("partition stopped", "committed", eng.Committed())
}

// load reads the checkpoint, retrying while the store is unavailable.
func (t *task) load(ctx context.Context) (record.Cursor, int, error) {
	s := t.s
	for attempt := 1; ; attempt++ {
		lctx, cancel := ctx, context.CancelFunc(func() {})
		if s.cfg.Delivery.CommitTimeout > 0 {
			lctx, cancel = context.WithTimeout(ctx, s.cfg.Delivery.CommitTimeout)
		}
		c, err := s.deps.Store.Load(lctx, t.partition)
		cancel()
		if err == nil {
			return c, attempt, nil
		}
		err = fault.Timeout(fault.StoreUnavailable, "checkpoint load", err)
		if !fault.Is(err, fault.StoreUnavailable) || ctx.Err() != nil {
			return record.Initial, attempt, err
		}
		wait := s.cfg.Delivery.Backoff.Delay(attempt)
		t.log.Warn("checkpoint store unavailable", "attempt", attempt, "backoff", wait, "err", err)
		if err := clock.Sleep(ctx, s.deps.Clock, wait); err != nil {
			return record.Initial, attempt, err
		}
	}
}

// pollOnce reads up to PollMaxRecords items, then transforms and batches
// them. The poll slot is held only while reading from the source.
// Transforms run under hard so that shutdown does not fail them. An item
// whose transform must be retried ends the round before it; the position
// stays behind it so the next poll reads it again.
func (t *task) pollOnce(ctx, hard context.Context, b *batch.Batcher, submit func(*record.Batch) error) (int, error) {
	s := t.s
	if s.sem != nil {
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return 0, err
		}
	}
	t.mu.Lock()
	since := t.pos
	t.polls++
	t.mu.Unlock()

	pctx, cancel := ctx, context.CancelFunc(func() {})
	if s.cfg.PollTimeout > 0 {
		pctx, cancel = context.WithTimeout(ctx, s.cfg.PollTimeout)
	}
	start := s.deps.Clock.Now()
	var (
		items   []record.Item
		pollErr error
	)
	for it, err := range s.deps.Source.Poll(pctx, t.partition, since, s.cfg.PollMaxRecords) {
		if err != nil {
			pollErr = fault.Timeout(fault.SourceTransient, "poll", err)
			break
		}
		items = append(items, it)
	}
	cancel()
	if s.sem != nil {
		s.sem.Release(1)
	}
	s.deps.Observer.ObservePoll(t.partition, len(items), s.deps.Clock.Now().Sub(start), pollErr)

	for _, it := range items {
		if it.Record.Partition == "" {
			it.Record.Partition = t.partition
		}
		res := s.deps.Pipeline.Apply(hard, it)
		if res.Verdict == transform.Retry {
			return len(items), res.Err
		}
		now := s.deps.Clock.Now()
		var full *record.Batch
		switch res.Verdict {
		case transform.Keep:
			full = b.AddRecord(now, res.Record)
		case transform.Drop:
			full = b.AddSkipped(now, it.Cursor)
		default:
			t.log.Warn("record dead-lettered", "cursor", it.Cursor, "reason", res.DeadLetter.Reason)
			full = b.AddDeadLetter(now, res.DeadLetter)
		}
		t.mu.Lock()
		t.pos = record.Max(s.deps.Source.Compare, t.pos, it.Cursor)
		t.records++
		t.mu.Unlock()
		if err := submit(full); err != nil {
			return len(items), err
		}
	}
	return len(items), pollErr
}
