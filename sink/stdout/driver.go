// Package stdout prints delivered records, one line each. Useful for dry
// runs and for watching a pipeline by hand.
package stdout

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"

	"connector/record"
	"connector/sink"
)

/* ────────── public YAML config ────────── */
type Config struct {
	DelayMS      int    `yaml:"delay_ms"`      // artificial per-batch delay
	PrintCounter bool   `yaml:"print_counter"` // prepend seq#
	Format       string `yaml:"format"`        // raw|json (default raw)
}

/* ────────── driver ────────── */
type driver struct {
	cfg Config

	mu  sync.Mutex // guards out
	out io.Writer
	seq atomic.Uint64
}

func New(cfg Config, out io.Writer) sink.Adapter {
	if out == nil {
		out = os.Stdout
	}
	return &driver{cfg: cfg, out: out}
}

type line struct {
	Partition string            `json:"partition"`
	Cursor    record.Cursor     `json:"cursor"`
	Key       string            `json:"key,omitempty"`
	Value     json.RawMessage   `json:"value,omitempty"`
	Text      string            `json:"text,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

func (d *driver) Deliver(ctx context.Context, partition string, records []record.Transformed) ([]sink.Outcome, error) {
	if d.cfg.DelayMS > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(time.Duration(d.cfg.DelayMS) * time.Millisecond):
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	w := bufio.NewWriter(d.out)
	for _, r := range records {
		if d.cfg.PrintCounter {
			fmt.Fprintf(w, "[sink %06d] ", d.seq.Add(1))
		}
		if d.cfg.Format == "json" {
			l := line{Partition: partition, Cursor: r.Cursor, Key: string(r.Key), Headers: r.Headers}
			if json.Valid(r.Value) {
				l.Value = r.Value
			} else {
				l.Text = string(r.Value)
			}
			b, err := json.Marshal(l)
			if err != nil {
				return nil, err
			}
			w.Write(b)
		} else {
			fmt.Fprintf(w, "%s@%s %s", partition, r.Cursor, r.Value)
		}
		w.WriteByte('\n')
	}
	return nil, w.Flush()
}

func (d *driver) Close() error { return nil }

/* ────────── auto-register ────────── */
func init() {
	sink.Register("stdout", func(_ context.Context, decode sink.Decode) (sink.Adapter, error) {
		var cfg Config
		if err := decode(&cfg); err != nil {
			return nil, fmt.Errorf("stdout-sink: %w", err)
		}
		return New(cfg, nil), nil
	})
}
