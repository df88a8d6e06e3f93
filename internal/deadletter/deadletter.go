// Package deadletter keeps records diverted from normal delivery in a FIFO
// so that an operator can inspect and replay them.
package deadletter

import (
	"context"
	"fmt"
	"sync"

	"connector/record"
)

// Queue is a durable FIFO of dead letters.
type Queue interface {
	// Put appends entries atomically: either all are stored or none.
	Put(ctx context.Context, entries ...record.DeadLetter) error
	// Pop removes and returns the oldest entry. ok is false when empty.
	Pop(ctx context.Context) (entry record.DeadLetter, ok bool, err error)
	List(ctx context.Context, limit int) ([]record.DeadLetter, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend string
	Path    string
}

// New builds the queue named by opts.Backend.
func New(opts Options) (Queue, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite":
		return OpenSQLite(opts.Path)
	default:
		return nil, fmt.Errorf("deadletter: unsupported backend %q", opts.Backend)
	}
}

// Memory is a process-local queue. Entries are lost on exit.
type Memory struct {
	mu      sync.Mutex
	entries []record.DeadLetter
}

func NewMemory() *Memory { return &Memory{} }

func (m *Memory) Put(_ context.Context, entries ...record.DeadLetter) error {
	m.mu.Lock()
	m.entries = append(m.entries, entries...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Pop(context.Context) (record.DeadLetter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.entries) == 0 {
		return record.DeadLetter{}, false, nil
	}
	e := m.entries[0]
	m.entries = m.entries[1:]
	return e, true, nil
}

func (m *Memory) List(_ context.Context, limit int) ([]record.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := len(m.entries)
	if limit > 0 && limit < n {
		n = limit
	}
	return append([]record.DeadLetter(nil), m.entries[:n]...), nil
}

func (m *Memory) Len(context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries), nil
}

func (m *Memory) Close() error { return nil }
