package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	clientv3 "go.etcd.io/etcd/client/v3"

	"connector/internal/testutil"
	"connector/record"
)

func testStoreContract(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	got, err := s.Load(ctx, "orders/0")
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if got != record.Initial {
		t.Fatalf("want initial sentinel, got %q", got)
	}

	if err := s.Commit(ctx, "orders/0", "5"); err != nil {
		t.Fatalf("commit 5: %v", err)
	}
	if got, _ := s.Load(ctx, "orders/0"); got != "5" {
		t.Fatalf("read-after-write: want 5, got %q", got)
	}

	// same and older cursors are no-ops
	for _, c := range []record.Cursor{"5", "3", record.Initial} {
		if err := s.Commit(ctx, "orders/0", c); err != nil {
			t.Fatalf("commit %q: %v", c, err)
		}
		if got, _ := s.Load(ctx, "orders/0"); got != "5" {
			t.Fatalf("commit %q regressed store to %q", c, got)
		}
	}

	// numeric, not lexical, ordering comes from the comparator
	if err := s.Commit(ctx, "orders/0", "10"); err != nil {
		t.Fatalf("commit 10: %v", err)
	}
	if got, _ := s.Load(ctx, "orders/0"); got != "10" {
		t.Fatalf("want 10, got %q", got)
	}

	// partitions are independent
	if err := s.Commit(ctx, "orders/1", "2"); err != nil {
		t.Fatalf("commit other partition: %v", err)
	}
	all, err := s.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if all["orders/0"] != "10" || all["orders/1"] != "2" || len(all) != 2 {
		t.Fatalf("unexpected list: %v", all)
	}
}

func testConcurrentCommitsNeverRegress(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 1; i <= 40; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			if err := s.Commit(ctx, "race", record.IntCursor(int64(n))); err != nil {
				t.Errorf("commit %d: %v", n, err)
			}
		}(i)
	}
	wg.Wait()
	if got, _ := s.Load(ctx, "race"); got != "40" {
		t.Fatalf("want highest cursor 40, got %q", got)
	}
}

func TestMemoryStore(t *testing.T) {
	testStoreContract(t, NewMemory(record.CompareInt))
	testConcurrentCommitsNeverRegress(t, NewMemory(record.CompareInt))
}

func TestSQLiteStore(t *testing.T) {
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "state", "connector.db"), record.CompareInt)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()
	testStoreContract(t, s)
	testConcurrentCommitsNeverRegress(t, s)
}

func TestSQLiteStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "connector.db")
	s, err := OpenSQLite(path, record.CompareInt)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Commit(context.Background(), "p", "7"); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s, err = OpenSQLite(path, record.CompareInt)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()
	if got, _ := s.Load(context.Background(), "p"); got != "7" {
		t.Fatalf("want 7 after reopen, got %q", got)
	}
}

func TestEtcdStore(t *testing.T) {
	if testing.Short() {
		t.Skip("embedded etcd")
	}
	endpoints := testutil.StartEmbeddedEtcd(t)
	cli, err := clientv3.New(clientv3.Config{Endpoints: endpoints})
	if err != nil {
		t.Fatalf("etcd client: %v", err)
	}
	t.Cleanup(func() { cli.Close() })

	prefix := fmt.Sprintf("/test/%s", t.Name())
	testStoreContract(t, NewEtcdFromClient(cli, prefix, record.CompareInt))
	testConcurrentCommitsNeverRegress(t, NewEtcdFromClient(cli, prefix+"-race", record.CompareInt))
}

func TestNew_UnknownBackend(t *testing.T) {
	if _, err := New(Options{Backend: "redis"}, record.CompareInt); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}
