// Package scheduler runs one task per partition: load the checkpoint, then
// poll, transform, batch and submit until shutdown. Partitions share only
// read-only configuration and the adapters' own pools; a partition that
// fails is stopped and reported without disturbing the others.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"connector/internal/batch"
	"connector/internal/checkpoint"
	"connector/internal/clock"
	"connector/internal/deadletter"
	"connector/internal/delivery"
	"connector/internal/logging"
	"connector/internal/transform"
	"connector/sink"
	"connector/source"
)

type Config struct {
	Batch    batch.Limits
	Delivery delivery.Config

	PollIdleWait       time.Duration
	PollMaxRecords     int
	PollTimeout        time.Duration
	MaxConcurrentPolls int
	// DrainTimeout bounds shutdown. Zero waits for every in-flight batch.
	DrainTimeout time.Duration
}

// Observer receives scheduler and delivery events.
type Observer interface {
	delivery.Observer
	ObservePoll(partition string, records int, took time.Duration, err error)
	ObserveState(partition string, state State)
}

type nopObserver struct{}

func (nopObserver) ObserveAttempt(string, string, time.Duration)  {}
func (nopObserver) ObserveResolved(string, string, int, int)      {}
func (nopObserver) ObserveCommit(string, error)                   {}
func (nopObserver) ObserveInFlight(string, int)                   {}
func (nopObserver) ObservePoll(string, int, time.Duration, error) {}
func (nopObserver) ObserveState(string, State)                    {}

type Deps struct {
	Source      source.Adapter
	Sink        sink.Adapter
	Store       checkpoint.Store
	DeadLetters deadletter.Queue
	Pipeline    *transform.Pipeline
	Clock       clock.Clock
	Observer    Observer
}

type Scheduler struct {
	cfg        Config
	deps       Deps
	partitions []string
	sem        *semaphore.Weighted

	mu    sync.Mutex
	tasks map[string]*task
}

func New(cfg Config, deps Deps, partitions []string) *Scheduler {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	if deps.Pipeline == nil {
		deps.Pipeline = transform.NewPipeline()
	}
	if deps.DeadLetters == nil {
		deps.DeadLetters = deadletter.NewMemory()
	}
	if cfg.PollMaxRecords <= 0 {
		cfg.PollMaxRecords = 500
	}
	if cfg.PollIdleWait <= 0 {
		cfg.PollIdleWait = 500 * time.Millisecond
	}
	s := &Scheduler{
		cfg:        cfg,
		deps:       deps,
		partitions: partitions,
		tasks:      make(map[string]*task),
	}
	if cfg.MaxConcurrentPolls > 0 {
		s.sem = semaphore.NewWeighted(int64(cfg.MaxConcurrentPolls))
	}
	return s
}

// Run blocks until ctx is cancelled and every partition has drained, or
// until every partition has stopped on its own. It returns the joined
// errors of failed partitions.
func (s *Scheduler) Run(ctx context.Context) error {
	parts, err := s.resolvePartitions(ctx)
	if err != nil {
		return err
	}
	if len(parts) == 0 {
		return errors.New("scheduler: no partitions")
	}

	hard, stop := context.WithCancel(context.WithoutCancel(ctx))
	defer stop()
	finished := make(chan struct{})
	defer close(finished)
	go func() {
		select {
		case <-ctx.Done():
		case <-finished:
			return
		}
		if s.cfg.DrainTimeout <= 0 {
			return
		}
		select {
		case <-s.deps.Clock.After(s.cfg.DrainTimeout):
			logging.L().Warn("drain timeout reached; abandoning in-flight batches", "timeout", s.cfg.DrainTimeout)
			stop()
		case <-finished:
		}
	}()

	var wg sync.WaitGroup
	for _, p := range parts {
		t := s.newTask(p)
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.run(ctx, hard)
		}()
	}
	wg.Wait()

	var errs []error
	for _, st := range s.Status() {
		if st.Err != nil {
			errs = append(errs, st.Err)
		}
	}
	return errors.Join(errs...)
}

func (s *Scheduler) resolvePartitions(ctx context.Context) ([]string, error) {
	if len(s.partitions) > 0 {
		return s.partitions, nil
	}
	d, ok := s.deps.Source.(source.Discoverer)
	if !ok {
		return nil, errors.New("scheduler: no partitions configured and the source cannot list them")
	}
	parts, err := d.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("scheduler: discover partitions: %w", err)
	}
	return parts, nil
}

func (s *Scheduler) newTask(p string) *task {
	t := &task{s: s, partition: p, log: logging.Partition(p), state: Starting}
	s.mu.Lock()
	s.tasks[p] = t
	s.mu.Unlock()
	return t
}

// Status returns a snapshot of every partition, sorted by id.
func (s *Scheduler) Status() []PartitionStatus {
	s.mu.Lock()
	tasks := make([]*task, 0, len(s.tasks))
	for _, t := range s.tasks {
		tasks = append(tasks, t)
	}
	s.mu.Unlock()
	out := make([]PartitionStatus, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, t.status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Partition < out[j].Partition })
	return out
}

// Healthy reports whether no partition has failed.
func (s *Scheduler) Healthy() bool {
	for _, st := range s.Status() {
		if st.State == Failed {
			return false
		}
	}
	return true
}
