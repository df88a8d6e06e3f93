package checkpoint

import (
	"context"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	clientv3 "go.etcd.io/etcd/client/v3"

	"connector/internal/fault"
	"connector/record"
)

const defaultEtcdPrefix = "/connector/checkpoints"

type etcdState struct {
	Cursor      string `json:"cursor"`
	UpdatedAtMs int64  `json:"updated_at_ms"`
}

// Etcd stores one key per partition under prefix. Commit is a
// compare-and-swap on the key's revision, retried on conflict.
type Etcd struct {
	client *clientv3.Client
	prefix string
	cmp    record.Compare
	owned  bool
}

// NewEtcd dials endpoints.
func NewEtcd(endpoints []string, prefix string, cmp record.Compare) (*Etcd, error) {
	if len(endpoints) == 0 {
		return nil, fmt.Errorf("checkpoint: etcd endpoints required")
	}
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fault.New(fault.StoreUnavailable, "checkpoint dial", err)
	}
	s := NewEtcdFromClient(cli, prefix, cmp)
	s.owned = true
	return s, nil
}

// NewEtcdFromClient shares an existing client; Close leaves it open.
func NewEtcdFromClient(cli *clientv3.Client, prefix string, cmp record.Compare) *Etcd {
	if prefix == "" {
		prefix = defaultEtcdPrefix
	}
	return &Etcd{client: cli, prefix: strings.TrimSuffix(prefix, "/"), cmp: cmp}
}

func (s *Etcd) key(partition string) string { return s.prefix + "/" + partition }

func (s *Etcd) Load(ctx context.Context, partition string) (record.Cursor, error) {
	resp, err := s.client.Get(ctx, s.key(partition))
	if err != nil {
		return record.Initial, fault.New(fault.StoreUnavailable, "checkpoint load", err)
	}
	if len(resp.Kvs) == 0 {
		return record.Initial, nil
	}
	st, err := decodeEtcdState(resp.Kvs[0].Value)
	if err != nil {
		return record.Initial, err
	}
	return record.Cursor(st.Cursor), nil
}

func (s *Etcd) Commit(ctx context.Context, partition string, cursor record.Cursor) error {
	key := s.key(partition)
	value, err := json.Marshal(etcdState{Cursor: string(cursor), UpdatedAtMs: time.Now().UnixMilli()})
	if err != nil {
		return err
	}
	for {
		resp, err := s.client.Get(ctx, key)
		if err != nil {
			return fault.New(fault.StoreUnavailable, "checkpoint commit", err)
		}
		guard := clientv3.Compare(clientv3.CreateRevision(key), "=", 0)
		if len(resp.Kvs) > 0 {
			kv := resp.Kvs[0]
			st, err := decodeEtcdState(kv.Value)
			if err != nil {
				return err
			}
			if s.cmp(cursor, record.Cursor(st.Cursor)) <= 0 {
				return nil
			}
			guard = clientv3.Compare(clientv3.ModRevision(key), "=", kv.ModRevision)
		}
		txn, err := s.client.Txn(ctx).
			If(guard).
			Then(clientv3.OpPut(key, string(value))).
			Commit()
		if err != nil {
			return fault.New(fault.StoreUnavailable, "checkpoint commit", err)
		}
		if txn.Succeeded {
			return nil
		}
		// lost the race; re-read and compare again
	}
}

func (s *Etcd) List(ctx context.Context) (map[string]record.Cursor, error) {
	resp, err := s.client.Get(ctx, s.prefix+"/", clientv3.WithPrefix())
	if err != nil {
		return nil, fault.New(fault.StoreUnavailable, "checkpoint list", err)
	}
	out := make(map[string]record.Cursor, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		st, err := decodeEtcdState(kv.Value)
		if err != nil {
			return nil, err
		}
		out[strings.TrimPrefix(string(kv.Key), s.prefix+"/")] = record.Cursor(st.Cursor)
	}
	return out, nil
}

func (s *Etcd) Close() error {
	if s.owned {
		return s.client.Close()
	}
	return nil
}

func decodeEtcdState(raw []byte) (etcdState, error) {
	var st etcdState
	if err := json.Unmarshal(raw, &st); err != nil {
		return st, fmt.Errorf("checkpoint: decode etcd value: %w", err)
	}
	return st, nil
}
