// Package delivery drives batches of one partition to the sink and advances
// the partition's checkpoint.
//
// Each batch runs the state machine in state.go. Up to MaxInFlight batches
// are dispatched concurrently; a batch's cursor is committed only after it
// and every batch submitted before it have resolved, so the committed
// cursor never skips an unresolved batch and never moves backwards.
// Delivery is at-least-once: commits always follow acknowledgment.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"connector/internal/checkpoint"
	"connector/internal/clock"
	"connector/internal/deadletter"
	"connector/internal/fault"
	"connector/internal/logging"
	"connector/record"
	"connector/sink"
)

// Policy decides what happens when a batch cannot be delivered.
type Policy string

const (
	// DeadLetterOnExhausted diverts failed records and commits past them.
	DeadLetterOnExhausted Policy = "deadletter"
	// HaltOnExhausted stops the partition without committing the batch.
	HaltOnExhausted Policy = "halt"
)

var errWindowClosed = errors.New("delivery: engine drained")

type Config struct {
	MaxInFlight    int
	MaxAttempts    int
	Backoff        Backoff
	OnExhausted    Policy
	DeliverTimeout time.Duration
	CommitTimeout  time.Duration
}

// Observer receives delivery events, typically to export metrics.
type Observer interface {
	ObserveAttempt(partition, result string, took time.Duration)
	ObserveResolved(partition, state string, delivered, deadLettered int)
	ObserveCommit(partition string, err error)
	ObserveInFlight(partition string, n int)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, string, time.Duration) {}
func (nopObserver) ObserveResolved(string, string, int, int)     {}
func (nopObserver) ObserveCommit(string, error)                  {}
func (nopObserver) ObserveInFlight(string, int)                  {}

// Deps are the collaborators of one partition's engine.
type Deps struct {
	Sink        sink.Adapter
	Store       checkpoint.Store
	DeadLetters deadletter.Queue
	Compare     record.Compare
	Clock       clock.Clock
	Observer    Observer
	// Committed is the cursor loaded from the store at startup.
	Committed record.Cursor
}

// Stats is a point-in-time view of one partition's delivery.
type Stats struct {
	Submitted      uint64
	Acked          uint64
	DeadLettered   uint64 // batches
	Delivered      uint64 // records
	DeadLetterRecs uint64
	Attempts       uint64
	Retries        uint64
	Commits        uint64
	InFlight       int
	Unresolved     int
	Committed      record.Cursor
}

type counters struct {
	submitted, acked, deadLettered atomic.Uint64
	delivered, deadLetterRecs      atomic.Uint64
	attempts, retries, commits     atomic.Uint64
}

type Engine struct {
	partition string
	cfg       Config
	deps      Deps
	log       *slog.Logger

	hard  context.Context
	win   *window
	track *tracker[record.Cursor]
	wg    sync.WaitGroup

	mu        sync.Mutex
	target    record.Cursor
	committed record.Cursor
	err       error

	notify    chan struct{}
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	n counters
}

// New starts the engine's committer. hard bounds every retry loop: when it
// ends, unresolved batches are abandoned and will be redelivered after a
// restart.
func New(hard context.Context, partition string, cfg Config, deps Deps) *Engine {
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}
	if cfg.OnExhausted == "" {
		cfg.OnExhausted = DeadLetterOnExhausted
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.DeadLetters == nil {
		deps.DeadLetters = deadletter.NewMemory()
	}
	e := &Engine{
		partition: partition,
		cfg:       cfg,
		deps:      deps,
		log:       logging.Partition(partition),
		hard:      hard,
		win:       newWindow(cfg.MaxInFlight),
		track:     newTracker[record.Cursor](),
		target:    deps.Committed,
		committed: deps.Committed,
		notify:    make(chan struct{}, 1),
		closing:   make(chan struct{}),
		done:      make(chan struct{}),
	}
	go e.committer()
	return e
}

// Submit hands b to the engine. It blocks while the in-flight window is
// full and fails once the partition has halted.
func (e *Engine) Submit(ctx context.Context, b *record.Batch) error {
	if err := e.Err(); err != nil {
		return err
	}
	if err := e.win.Acquire(ctx); err != nil {
		return err
	}
	e.n.submitted.Add(1)
	e.deps.Observer.ObserveInFlight(e.partition, e.win.InFlight())
	resolve := e.track.Track(b.Cursor)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.win.Release()
			e.deps.Observer.ObserveInFlight(e.partition, e.win.InFlight())
		}()
		e.run(b, resolve)
	}()
	return nil
}

type rejected struct {
	rec record.Transformed
	err error
}

func (e *Engine) run(b *record.Batch, resolve func() (record.Cursor, bool)) {
	log := e.log.With("batch", b.ID, "seq", b.Seq)
	st := Pending
	outstanding := b.Records
	var (
		sinkDead  []record.DeadLetter
		lastErr   error
		attempt   int
		delivered int
	)
	step := func(ev Event) {
		next, err := Next(st, ev)
		if err != nil {
			panic(err)
		}
		st = next
	}

	for {
		step(evDispatch)
		attempt++
		var (
			retry []record.Transformed
			fatal []rejected
		)
		if len(outstanding) > 0 {
			var ok int
			ok, retry, fatal, lastErr = e.dispatch(outstanding)
			delivered += ok
		}
		for _, r := range fatal {
			sinkDead = append(sinkDead, e.deadLetter(r.rec, r.err, attempt))
		}

		if len(retry) == 0 {
			if len(sinkDead) == 0 {
				step(evAck)
			} else {
				step(evFatal)
			}
			break
		}
		step(evRetryable)
		if attempt >= e.cfg.MaxAttempts {
			step(evExhaust)
			for _, r := range retry {
				sinkDead = append(sinkDead, e.deadLetter(r, lastErr, attempt))
			}
			break
		}
		step(evRetry)
		e.n.retries.Add(1)
		wait := e.cfg.Backoff.Delay(attempt)
		log.Warn("delivery retry", "attempt", attempt, "outstanding", len(retry), "backoff", wait, "err", lastErr)
		if err := clock.Sleep(e.hard, e.deps.Clock, wait); err != nil {
			log.Warn("batch abandoned at shutdown", "cursor", b.Cursor, "attempt", attempt)
			return
		}
		outstanding = retry
	}

	if len(sinkDead) > 0 && e.cfg.OnExhausted == HaltOnExhausted {
		kind := fault.KindOf(lastErr)
		if kind == fault.Unknown {
			kind = fault.SinkFatal
		}
		e.fail(fault.At(&fault.Error{Kind: kind, Op: "deliver", Err: fmt.Errorf("%d records undeliverable: %w", len(sinkDead), lastErr)},
			e.partition, e.Committed(), attempt))
		return
	}

	dead := append(append([]record.DeadLetter(nil), b.DeadLetters...), sinkDead...)
	if len(dead) > 0 {
		if err := e.putDeadLetters(dead); err != nil {
			log.Warn("batch abandoned: dead letters not stored", "err", err)
			return
		}
	}

	switch st {
	case Acked:
		e.n.acked.Add(1)
	case DeadLettered:
		e.n.deadLettered.Add(1)
	}
	e.n.delivered.Add(uint64(delivered))
	e.n.deadLetterRecs.Add(uint64(len(dead)))
	e.deps.Observer.ObserveResolved(e.partition, st.String(), delivered, len(dead))
	log.Debug("batch resolved", "state", st, "delivered", delivered, "dead_letters", len(dead), "attempts", attempt)

	if cur, moved := resolve(); moved {
		e.offer(cur)
	}
}

// dispatch makes one sink call and sorts the outcome per record.
func (e *Engine) dispatch(records []record.Transformed) (ok int, retry []record.Transformed, fatal []rejected, lastErr error) {
	e.n.attempts.Add(1)
	ctx, cancel := e.callContext(e.cfg.DeliverTimeout)
	start := e.deps.Clock.Now()
	outcomes, err := e.deps.Sink.Deliver(ctx, e.partition, records)
	cancel()
	took := e.deps.Clock.Now().Sub(start)

	if err == nil && outcomes != nil && len(outcomes) != len(records) {
		err = fault.Newf(fault.SinkTransient, "sink returned %d outcomes for %d records", len(outcomes), len(records))
	}
	if err != nil {
		err = fault.Timeout(fault.SinkTransient, "deliver", err)
		if fault.KindOf(err) == fault.Unknown {
			err = fault.New(fault.SinkTransient, "deliver", err)
		}
		if fault.IsFatal(err) {
			for _, r := range records {
				fatal = append(fatal, rejected{r, err})
			}
			e.deps.Observer.ObserveAttempt(e.partition, "fatal", took)
			return 0, nil, fatal, err
		}
		e.deps.Observer.ObserveAttempt(e.partition, "retryable", took)
		return 0, records, nil, err
	}
	if outcomes == nil {
		e.deps.Observer.ObserveAttempt(e.partition, "ok", took)
		return len(records), nil, nil, nil
	}
	for i, o := range outcomes {
		switch o.Result {
		case sink.OK:
			ok++
		case sink.Reject:
			fatal = append(fatal, rejected{records[i], o.Err})
			lastErr = o.Err
		default:
			retry = append(retry, records[i])
			lastErr = o.Err
		}
	}
	result := "ok"
	if ok < len(records) {
		result = "partial"
	}
	e.deps.Observer.ObserveAttempt(e.partition, result, took)
	return ok, retry, fatal, lastErr
}

func (e *Engine) deadLetter(r record.Transformed, err error, attempts int) record.DeadLetter {
	kind := fault.KindOf(err)
	if kind == fault.Unknown {
		kind = fault.SinkTransient
	}
	reason := "undeliverable"
	if err != nil {
		reason = err.Error()
	}
	return record.DeadLetter{
		Partition: e.partition,
		Cursor:    r.Cursor,
		Key:       r.Key,
		Payload:   r.Value,
		Headers:   r.Headers,
		Kind:      string(kind),
		Reason:    reason,
		Attempts:  attempts,
		At:        e.deps.Clock.Now().UTC(),
	}
}

func (e *Engine) putDeadLetters(dead []record.DeadLetter) error {
	return e.retryStore("deadletter put", func(ctx context.Context) error {
		return e.deps.DeadLetters.Put(ctx, dead...)
	})
}

// retryStore retries fn while the store is unavailable, until the hard
// context ends.
func (e *Engine) retryStore(op string, fn func(ctx context.Context) error) error {
	for attempt := 1; ; attempt++ {
		ctx, cancel := e.callContext(e.cfg.CommitTimeout)
		err := fn(ctx)
		cancel()
		if err == nil {
			return nil
		}
		if e.hard.Err() != nil {
			return e.hard.Err()
		}
		err = fault.Timeout(fault.StoreUnavailable, op, err)
		if !fault.Is(err, fault.StoreUnavailable) {
			e.fail(fault.At(err, e.partition, e.Committed(), attempt))
			return err
		}
		wait := e.cfg.Backoff.Delay(attempt)
		e.log.Warn("store unavailable", "op", op, "attempt", attempt, "backoff", wait, "err", err)
		if err := clock.Sleep(e.hard, e.deps.Clock, wait); err != nil {
			return err
		}
	}
}

func (e *Engine) callContext(d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(e.hard, d)
	}
	return context.WithCancel(e.hard)
}

/* ───────────── committer ───────────── */

func (e *Engine) offer(cur record.Cursor) {
	e.mu.Lock()
	if e.deps.Compare(cur, e.target) > 0 {
		e.target = cur
	}
	e.mu.Unlock()
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

func (e *Engine) committer() {
	defer close(e.done)
	for {
		select {
		case <-e.notify:
			e.commitPending()
		case <-e.closing:
			e.commitPending()
			return
		case <-e.hard.Done():
			return
		}
	}
}

func (e *Engine) commitPending() {
	for {
		e.mu.Lock()
		target, committed := e.target, e.committed
		e.mu.Unlock()
		if e.deps.Compare(target, committed) <= 0 {
			return
		}
		err := e.retryStore("commit", func(ctx context.Context) error {
			err := e.deps.Store.Commit(ctx, e.partition, target)
			if err != nil {
				e.deps.Observer.ObserveCommit(e.partition, err)
			}
			return err
		})
		if err != nil {
			return
		}
		e.mu.Lock()
		e.committed = target
		e.mu.Unlock()
		e.n.commits.Add(1)
		e.deps.Observer.ObserveCommit(e.partition, nil)
		e.log.Debug("checkpoint committed", "cursor", target)
	}
}

/* ───────────── lifecycle ───────────── */

func (e *Engine) fail(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err == nil {
		e.err = err
		e.log.Error("partition halted", "err", err)
	}
}

// Err is the error that halted the partition, if any.
func (e *Engine) Err() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.err
}

// Committed is the last cursor durably committed.
func (e *Engine) Committed() record.Cursor {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.committed
}

// Drain waits for in-flight batches to resolve and for the final commit.
// No batch may be submitted after Drain is called.
func (e *Engine) Drain(ctx context.Context) error {
	idle := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(idle)
	}()
	select {
	case <-idle:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.closeOnce.Do(func() { close(e.closing) })
	select {
	case <-e.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	e.win.Close()
	return e.Err()
}

func (e *Engine) Stats() Stats {
	return Stats{
		Submitted:      e.n.submitted.Load(),
		Acked:          e.n.acked.Load(),
		DeadLettered:   e.n.deadLettered.Load(),
		Delivered:      e.n.delivered.Load(),
		DeadLetterRecs: e.n.deadLetterRecs.Load(),
		Attempts:       e.n.attempts.Load(),
		Retries:        e.n.retries.Load(),
		Commits:        e.n.commits.Load(),
		InFlight:       e.win.InFlight(),
		Unresolved:     e.track.Pending(),
		Committed:      e.Committed(),
	}
}
