// Package checkpoint persists per-partition synchronization progress.
//
// Every backend is idempotent: committing a cursor that is equal to or
// older than the stored one leaves the store unchanged. Progress therefore
// never regresses, even when a late commit races a newer one.
package checkpoint

import (
	"context"
	"fmt"

	"connector/record"
)

// Store is the durable (partition -> cursor) map.
type Store interface {
	// Load returns record.Initial when the partition has no checkpoint.
	Load(ctx context.Context, partition string) (record.Cursor, error)
	// Commit is atomic per partition. Failures to reach the backing medium
	// are reported as fault.StoreUnavailable.
	Commit(ctx context.Context, partition string, cursor record.Cursor) error
	// List returns every stored checkpoint.
	List(ctx context.Context) (map[string]record.Cursor, error)
	Close() error
}

// Options selects and configures a backend.
type Options struct {
	Backend   string
	Path      string
	Endpoints []string
	Prefix    string
}

// New builds the store named by opts.Backend.
func New(opts Options, cmp record.Compare) (Store, error) {
	switch opts.Backend {
	case "", "memory":
		return NewMemory(cmp), nil
	case "sqlite":
		return OpenSQLite(opts.Path, cmp)
	case "etcd":
		return NewEtcd(opts.Endpoints, opts.Prefix, cmp)
	default:
		return nil, fmt.Errorf("checkpoint: unsupported backend %q", opts.Backend)
	}
}
