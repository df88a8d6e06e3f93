package scheduler

import (
	"context"
	"iter"
	"sync"

	"connector/record"
	"connector/sink"
)

// memSource serves fixed records per partition with integer cursors.
type memSource struct {
	mu    sync.Mutex
	data  map[string][]record.Item
	polls map[string]int
	errs  map[string][]error // yielded on successive polls before data
}

func newMemSource() *memSource {
	return &memSource{data: map[string][]record.Item{}, polls: map[string]int{}, errs: map[string][]error{}}
}

func (m *memSource) add(partition string, payloads ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range payloads {
		n := int64(len(m.data[partition]) + 1)
		m.data[partition] = append(m.data[partition], record.Item{
			Record: record.Record{Partition: partition, Key: []byte(partition), Payload: []byte(p)},
			Cursor: record.IntCursor(n),
		})
	}
}

func (m *memSource) Poll(ctx context.Context, partition string, since record.Cursor, limit int) iter.Seq2[record.Item, error] {
	return func(yield func(record.Item, error) bool) {
		m.mu.Lock()
		m.polls[partition]++
		if errs := m.errs[partition]; len(errs) > 0 {
			// the last entry repeats forever; nil means healthy
			err := errs[0]
			if len(errs) > 1 {
				m.errs[partition] = errs[1:]
			}
			if err != nil {
				m.mu.Unlock()
				yield(record.Item{}, err)
				return
			}
		}
		var out []record.Item
		for _, it := range m.data[partition] {
			if record.CompareInt(it.Cursor, since) > 0 && len(out) < limit {
				out = append(out, it)
			}
		}
		m.mu.Unlock()
		for _, it := range out {
			if !yield(it, nil) {
				return
			}
		}
	}
}

func (m *memSource) Compare(a, b record.Cursor) int { return record.CompareInt(a, b) }
func (m *memSource) Close() error                   { return nil }

func (m *memSource) Polls(partition string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.polls[partition]
}

// discoveringSource also lists its partitions.
type discoveringSource struct{ *memSource }

func (d discoveringSource) Partitions(context.Context) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []string
	for p := range d.data {
		out = append(out, p)
	}
	return out, nil
}

// collectSink records every delivered value. When gate is set each call
// waits for it, and started is signalled on entry.
type collectSink struct {
	mu      sync.Mutex
	got     map[string][]string
	calls   int
	gate    chan struct{}
	started chan struct{}
}

func newCollectSink() *collectSink { return &collectSink{got: map[string][]string{}} }

func (c *collectSink) Deliver(ctx context.Context, partition string, recs []record.Transformed) ([]sink.Outcome, error) {
	c.mu.Lock()
	c.calls++
	gate, started := c.gate, c.started
	c.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	c.mu.Lock()
	for _, r := range recs {
		c.got[partition] = append(c.got[partition], string(r.Value))
	}
	c.mu.Unlock()
	return nil, nil
}

func (c *collectSink) Close() error { return nil }

func (c *collectSink) Got(partition string) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.got[partition]...)
}
