// Package postgres polls tables by a strictly increasing cursor column.
// Each table is a partition; the row is encoded with row_to_json.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"connector/internal/fault"
	"connector/record"
	"connector/source"
)

type CursorType string

const (
	CursorInt       CursorType = "int"
	CursorText      CursorType = "text"
	CursorTimestamp CursorType = "timestamp"
)

type Config struct {
	DSN          string     `yaml:"dsn"`
	Schema       string     `yaml:"schema"`
	Tables       []string   `yaml:"tables"`
	CursorColumn string     `yaml:"cursor_column"`
	CursorType   CursorType `yaml:"cursor_type"`
	KeyColumn    string     `yaml:"key_column"`
	MaxConns     int32      `yaml:"max_conns"`
}

func (c *Config) applyDefaults() {
	if c.Schema == "" {
		c.Schema = "public"
	}
	if c.CursorType == "" {
		c.CursorType = CursorInt
	}
	if c.KeyColumn == "" {
		c.KeyColumn = c.CursorColumn
	}
}

func (c Config) validate() error {
	if c.CursorColumn == "" {
		return errors.New("postgres source: cursor_column required")
	}
	switch c.CursorType {
	case CursorInt, CursorText, CursorTimestamp:
	default:
		return fmt.Errorf("postgres source: cursor_type %q (want int|text|timestamp)", c.CursorType)
	}
	return nil
}

// querier is the slice of pgxpool.Pool the driver needs.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type Driver struct {
	cfg  Config
	db   querier
	pool *pgxpool.Pool
}

func New(ctx context.Context, cfg Config) (*Driver, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	pc, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("postgres source: %w", err)
	}
	if cfg.MaxConns > 0 {
		pc.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, pc)
	if err != nil {
		return nil, classify("postgres connect", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classify("postgres ping", err)
	}
	return &Driver{cfg: cfg, db: pool, pool: pool}, nil
}

func (d *Driver) Partitions(context.Context) ([]string, error) {
	return append([]string(nil), d.cfg.Tables...), nil
}

// Compare orders cursors as the query does. Timestamp cursors are rendered
// as fixed width UTC text so byte order matches time order.
func (d *Driver) Compare(a, b record.Cursor) int {
	if d.cfg.CursorType == CursorInt {
		return record.CompareInt(a, b)
	}
	return strings.Compare(string(a), string(b))
}

func (d *Driver) Poll(ctx context.Context, partition string, since record.Cursor, limit int) iter.Seq2[record.Item, error] {
	return func(yield func(record.Item, error) bool) {
		sql, args := buildQuery(d.cfg, partition, since, limit)
		rows, err := d.db.Query(ctx, sql, args...)
		if err != nil {
			yield(record.Item{}, classify("postgres poll", err))
			return
		}
		defer rows.Close()
		for rows.Next() {
			var cur, key, payload string
			if err := rows.Scan(&cur, &key, &payload); err != nil {
				yield(record.Item{}, classify("postgres scan", err))
				return
			}
			it := record.Item{
				Record: record.Record{
					Partition: partition,
					Key:       []byte(key),
					Payload:   []byte(payload),
				},
				Cursor: record.Cursor(cur),
			}
			if !yield(it, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(record.Item{}, classify("postgres poll", err))
		}
	}
}

func (d *Driver) Close() error {
	if d.pool != nil {
		d.pool.Close()
	}
	return nil
}

func cursorExpr(cfg Config) string {
	col := "t." + pgx.Identifier{cfg.CursorColumn}.Sanitize()
	switch cfg.CursorType {
	case CursorTimestamp:
		return `to_char(` + col + ` AT TIME ZONE 'UTC', 'YYYY-MM-DD"T"HH24:MI:SS.US"Z"')`
	default:
		return col + "::text"
	}
}

func buildQuery(cfg Config, table string, since record.Cursor, limit int) (string, []any) {
	col := "t." + pgx.Identifier{cfg.CursorColumn}.Sanitize()
	key := "t." + pgx.Identifier{cfg.KeyColumn}.Sanitize()
	rel := pgx.Identifier{cfg.Schema, table}.Sanitize()

	order := col
	if cfg.CursorType == CursorText {
		order = col + ` COLLATE "C"`
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s, %s::text, row_to_json(t)::text FROM %s t", cursorExpr(cfg), key, rel)
	args := []any{}
	if since != record.Initial {
		cast := ""
		switch cfg.CursorType {
		case CursorInt:
			cast = "::bigint"
		case CursorTimestamp:
			cast = "::timestamptz"
		case CursorText:
			cast = `::text COLLATE "C"`
		}
		args = append(args, string(since))
		fmt.Fprintf(&b, " WHERE %s > $%d%s", order, len(args), cast)
	}
	args = append(args, limit)
	fmt.Fprintf(&b, " ORDER BY %s LIMIT $%d", order, len(args))
	return b.String(), args
}

func classify(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fault.New(fault.SourceTransient, op, err)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "42"), // syntax / undefined object
			strings.HasPrefix(pgErr.Code, "22"), // data exception
			strings.HasPrefix(pgErr.Code, "28"): // auth
			return fault.New(fault.SourceFatal, op, err)
		}
	}
	return fault.New(fault.SourceTransient, op, err)
}

func init() {
	source.Register("postgres", func(ctx context.Context, decode source.Decode) (source.Adapter, error) {
		var cfg Config
		if err := decode(&cfg); err != nil {
			return nil, fmt.Errorf("postgres source config: %w", err)
		}
		return New(ctx, cfg)
	})
}
