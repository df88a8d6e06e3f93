package deadletter

import (
	"context"
	"database/sql"
	"errors"

	json "github.com/goccy/go-json"

	"connector/internal/fault"
	sqlitedb "connector/internal/storage/sqlite"
	"connector/record"
)

const deadLetterSchema = `
CREATE TABLE IF NOT EXISTS dead_letters (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	partition TEXT NOT NULL,
	cursor TEXT NOT NULL,
	kind TEXT NOT NULL,
	body BLOB NOT NULL,
	created_at_utc_ns INTEGER NOT NULL
);
`

// SQLite stores entries as JSON rows ordered by insertion id.
type SQLite struct {
	db    *sql.DB
	owned bool
}

func OpenSQLite(path string) (*SQLite, error) {
	db, err := sqlitedb.Open(path)
	if err != nil {
		return nil, fault.New(fault.StoreUnavailable, "deadletter open", err)
	}
	q, err := NewSQLite(db)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	q.owned = true
	return q, nil
}

// NewSQLite uses an already opened database; Close leaves it open.
func NewSQLite(db *sql.DB) (*SQLite, error) {
	if _, err := db.Exec(deadLetterSchema); err != nil {
		return nil, fault.New(fault.StoreUnavailable, "deadletter schema", err)
	}
	return &SQLite{db: db}, nil
}

func (q *SQLite) Put(ctx context.Context, entries ...record.DeadLetter) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fault.New(fault.StoreUnavailable, "deadletter put", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, e := range entries {
		body, err := json.Marshal(e)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO dead_letters(partition, cursor, kind, body, created_at_utc_ns) VALUES(?, ?, ?, ?, ?)`,
			e.Partition, string(e.Cursor), e.Kind, body, e.At.UTC().UnixNano()); err != nil {
			return fault.New(fault.StoreUnavailable, "deadletter put", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fault.New(fault.StoreUnavailable, "deadletter put", err)
	}
	return nil
}

func (q *SQLite) Pop(ctx context.Context) (record.DeadLetter, bool, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return record.DeadLetter{}, false, fault.New(fault.StoreUnavailable, "deadletter pop", err)
	}
	defer func() { _ = tx.Rollback() }()

	var (
		id   int64
		body []byte
	)
	err = tx.QueryRowContext(ctx, `SELECT id, body FROM dead_letters ORDER BY id LIMIT 1`).Scan(&id, &body)
	if errors.Is(err, sql.ErrNoRows) {
		return record.DeadLetter{}, false, nil
	}
	if err != nil {
		return record.DeadLetter{}, false, fault.New(fault.StoreUnavailable, "deadletter pop", err)
	}
	var e record.DeadLetter
	if err := json.Unmarshal(body, &e); err != nil {
		return record.DeadLetter{}, false, err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id=?`, id); err != nil {
		return record.DeadLetter{}, false, fault.New(fault.StoreUnavailable, "deadletter pop", err)
	}
	if err := tx.Commit(); err != nil {
		return record.DeadLetter{}, false, fault.New(fault.StoreUnavailable, "deadletter pop", err)
	}
	return e, true, nil
}

func (q *SQLite) List(ctx context.Context, limit int) ([]record.DeadLetter, error) {
	query := `SELECT body FROM dead_letters ORDER BY id`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fault.New(fault.StoreUnavailable, "deadletter list", err)
	}
	defer rows.Close()
	var out []record.DeadLetter
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fault.New(fault.StoreUnavailable, "deadletter list", err)
		}
		var e record.DeadLetter
		if err := json.Unmarshal(body, &e); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (q *SQLite) Len(ctx context.Context) (int, error) {
	var n int
	if err := q.db.QueryRowContext(ctx, `SELECT count(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fault.New(fault.StoreUnavailable, "deadletter len", err)
	}
	return n, nil
}

func (q *SQLite) Close() error {
	if q.owned {
		return q.db.Close()
	}
	return nil
}
