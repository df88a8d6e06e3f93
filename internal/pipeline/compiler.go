// Package pipeline turns a pipeline file into connected adapters, state
// stores and a scheduler ready to run.
package pipeline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"connector/internal/checkpoint"
	"connector/internal/config"
	"connector/internal/deadletter"
	"connector/internal/scheduler"
	"connector/internal/spec"
	sqlitedb "connector/internal/storage/sqlite"
	"connector/internal/transform"
	"connector/record"
	"connector/sink"
	"connector/source"
)

// Pipeline is a compiled pipeline file. Close releases everything it opened.
type Pipeline struct {
	Spec   spec.File
	Engine config.Engine

	Source      source.Adapter
	Sink        sink.Adapter
	Transforms  *transform.Pipeline
	Store       checkpoint.Store
	DeadLetters deadletter.Queue

	closers []func() error
}

// Load reads the pipeline file and the engine file it names.
func Load(path string) (spec.File, config.Engine, error) {
	f, err := config.LoadPipelineSpec(path)
	if err != nil {
		return f, config.Engine{}, err
	}
	eng, err := config.LoadEngine(f.Engine)
	if err != nil {
		return f, eng, err
	}
	return f, eng, nil
}

// Compile loads path and opens every component. On error, whatever was
// already opened is closed.
func Compile(ctx context.Context, path string) (_ *Pipeline, err error) {
	f, eng, err := Load(path)
	if err != nil {
		return nil, err
	}
	p := &Pipeline{Spec: f, Engine: eng}
	defer func() {
		if err != nil {
			_ = p.Close()
		}
	}()

	if p.Source, err = OpenSource(ctx, f); err != nil {
		return nil, err
	}
	p.closers = append(p.closers, p.Source.Close)

	if p.Transforms, err = OpenTransforms(ctx, f); err != nil {
		return nil, err
	}
	p.closers = append(p.closers, p.Transforms.Close)

	if p.Sink, err = OpenSink(ctx, f); err != nil {
		return nil, err
	}
	p.closers = append(p.closers, p.Sink.Close)

	st, err := OpenState(f, p.Source.Compare)
	if err != nil {
		return nil, err
	}
	p.Store, p.DeadLetters = st.Store, st.DeadLetters
	p.closers = append(p.closers, st.Close)
	return p, nil
}

// Scheduler wires the compiled components into a scheduler.
func (p *Pipeline) Scheduler(obs scheduler.Observer) *scheduler.Scheduler {
	return scheduler.New(p.Engine.Scheduler(), scheduler.Deps{
		Source:      p.Source,
		Sink:        p.Sink,
		Store:       p.Store,
		DeadLetters: p.DeadLetters,
		Pipeline:    p.Transforms,
		Observer:    obs,
	}, p.Spec.Partitions)
}

// Close releases components in reverse opening order.
func (p *Pipeline) Close() error {
	var errs []error
	for i := len(p.closers) - 1; i >= 0; i-- {
		if err := p.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	p.closers = nil
	return errors.Join(errs...)
}

func OpenSource(ctx context.Context, f spec.File) (source.Adapter, error) {
	src, err := source.New(ctx, f.Source.Kind, f.Source.Decoder(f.Dir))
	if err != nil {
		return nil, fmt.Errorf("source %s: %w", f.Source.Kind, err)
	}
	return src, nil
}

func OpenSink(ctx context.Context, f spec.File) (sink.Adapter, error) {
	snk, err := sink.New(ctx, f.Sink.Kind, f.Sink.Decoder(f.Dir))
	if err != nil {
		return nil, fmt.Errorf("sink %s: %w", f.Sink.Kind, err)
	}
	return snk, nil
}

func OpenTransforms(ctx context.Context, f spec.File) (*transform.Pipeline, error) {
	stages := make([]transform.Stage, 0, len(f.Transforms))
	for _, t := range f.Transforms {
		st, err := transform.NewStage(ctx, t.Type, t.Name, t.Driver().Decoder(f.Dir))
		if err != nil {
			_ = transform.NewPipeline(stages...).Close()
			return nil, fmt.Errorf("transform %s: %w", t.Name, err)
		}
		stages = append(stages, st)
	}
	return transform.NewPipeline(stages...), nil
}

// State is the checkpoint store and dead-letter queue of a pipeline.
type State struct {
	Store       checkpoint.Store
	DeadLetters deadletter.Queue
	db          *sql.DB
}

// OpenState opens the configured backends. When both live in the same
// SQLite file they share one connection.
func OpenState(f spec.File, cmp record.Compare) (*State, error) {
	cp, dl := f.Checkpoint, f.DeadLetter
	if cp.Backend == "sqlite" && dl.Backend == "sqlite" && cp.Path == dl.Path {
		return openSharedSQLite(cp.Path, cmp)
	}
	store, err := checkpoint.New(checkpoint.Options{
		Backend:   cp.Backend,
		Path:      cp.Path,
		Endpoints: cp.Endpoints,
		Prefix:    cp.Prefix,
	}, cmp)
	if err != nil {
		return nil, err
	}
	q, err := deadletter.New(deadletter.Options{Backend: dl.Backend, Path: dl.Path})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &State{Store: store, DeadLetters: q}, nil
}

func openSharedSQLite(path string, cmp record.Compare) (*State, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, fmt.Errorf("state %s: %w", path, err)
	}
	store, err := checkpoint.NewSQLite(db, cmp)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q, err := deadletter.NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &State{Store: store, DeadLetters: q, db: db}, nil
}

func (s *State) Close() error {
	err := errors.Join(s.DeadLetters.Close(), s.Store.Close())
	if s.db != nil {
		err = errors.Join(err, s.db.Close())
	}
	return err
}
