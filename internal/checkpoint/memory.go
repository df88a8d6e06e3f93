package checkpoint

import (
	"context"
	"sync"

	"connector/record"
)

type Memory struct {
	cmp record.Compare

	mu      sync.RWMutex
	cursors map[string]record.Cursor
}

func NewMemory(cmp record.Compare) *Memory {
	return &Memory{cmp: cmp, cursors: make(map[string]record.Cursor)}
}

func (m *Memory) Load(_ context.Context, partition string) (record.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cursors[partition], nil
}

func (m *Memory) Commit(_ context.Context, partition string, cursor record.Cursor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cmp(cursor, m.cursors[partition]) > 0 {
		m.cursors[partition] = cursor
	}
	return nil
}

func (m *Memory) List(context.Context) (map[string]record.Cursor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]record.Cursor, len(m.cursors))
	for p, c := range m.cursors {
		out[p] = c
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
