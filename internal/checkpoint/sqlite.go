package checkpoint

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"connector/internal/fault"
	sqlitedb "connector/internal/storage/sqlite"
	"connector/record"
)

const checkpointSchema = `
CREATE TABLE IF NOT EXISTS checkpoints (
	partition TEXT PRIMARY KEY,
	cursor TEXT NOT NULL,
	updated_at_utc_ns INTEGER NOT NULL
);
`

// SQLite keeps one row per partition. Commit compares and upserts inside a
// single transaction, which SQLite serializes.
type SQLite struct {
	db    *sql.DB
	cmp   record.Compare
	owned bool
}

// OpenSQLite opens (or creates) the database at path.
func OpenSQLite(path string, cmp record.Compare) (*SQLite, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, fault.New(fault.StoreUnavailable, "checkpoint open", err)
	}
	s, err := NewSQLite(db, cmp)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	s.owned = true
	return s, nil
}

// NewSQLite uses an already opened database; Close leaves it open.
func NewSQLite(db *sql.DB, cmp record.Compare) (*SQLite, error) {
	if _, err := db.Exec(checkpointSchema); err != nil {
		return nil, fault.New(fault.StoreUnavailable, "checkpoint schema", err)
	}
	return &SQLite{db: db, cmp: cmp}, nil
}

func (s *SQLite) Load(ctx context.Context, partition string) (record.Cursor, error) {
	var c string
	err := s.db.QueryRowContext(ctx, `SELECT cursor FROM checkpoints WHERE partition=?`, partition).Scan(&c)
	if errors.Is(err, sql.ErrNoRows) {
		return record.Initial, nil
	}
	if err != nil {
		return record.Initial, fault.New(fault.StoreUnavailable, "checkpoint load", err)
	}
	return record.Cursor(c), nil
}

func (s *SQLite) Commit(ctx context.Context, partition string, cursor record.Cursor) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.New(fault.StoreUnavailable, "checkpoint commit", err)
	}
	defer func() { _ = tx.Rollback() }()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT cursor FROM checkpoints WHERE partition=?`, partition).Scan(&current)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fault.New(fault.StoreUnavailable, "checkpoint commit", err)
	}
	if s.cmp(cursor, record.Cursor(current)) <= 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO checkpoints(partition, cursor, updated_at_utc_ns) VALUES(?, ?, ?)
ON CONFLICT(partition) DO UPDATE SET cursor=excluded.cursor, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		partition, string(cursor), time.Now().UTC().UnixNano()); err != nil {
		return fault.New(fault.StoreUnavailable, "checkpoint commit", err)
	}
	if err := tx.Commit(); err != nil {
		return fault.New(fault.StoreUnavailable, "checkpoint commit", err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context) (map[string]record.Cursor, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT partition, cursor FROM checkpoints ORDER BY partition`)
	if err != nil {
		return nil, fault.New(fault.StoreUnavailable, "checkpoint list", err)
	}
	defer rows.Close()
	out := make(map[string]record.Cursor)
	for rows.Next() {
		var p, c string
		if err := rows.Scan(&p, &c); err != nil {
			return nil, fault.New(fault.StoreUnavailable, "checkpoint list", err)
		}
		out[p] = record.Cursor(c)
	}
	if err := rows.Err(); err != nil {
		return nil, fault.New(fault.StoreUnavailable, "checkpoint list", err)
	}
	return out, nil
}

func (s *SQLite) Close() error {
	if s.owned {
		return s.db.Close()
	}
	return nil
}
