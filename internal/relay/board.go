package relay

import (
	"context"
	"strings"
	"sync"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// Board is the rendezvous bulletin board: parked beacons keyed by
// recipient hash prefix, readable by anyone who knows the prefix.
type Board interface {
	Put(ctx context.Context, key string, val []byte, ttl time.Duration) error
	GetPrefix(ctx context.Context, prefix string) (map[string][]byte, error)
}

// MemoryBoard is the in-process board used for tests and single-host
// deployments.
type MemoryBoard struct {
	mu    sync.Mutex
	items map[string]memoryItem
}

type memoryItem struct {
	val       []byte
	expiresAt time.Time
}

func NewMemoryBoard() *MemoryBoard {
	return &MemoryBoard{items: make(map[string]memoryItem)}
}

func (b *MemoryBoard) Put(_ context.Context, key string, val []byte, ttl time.Duration) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items[key] = memoryItem{
		val:       append([]byte(nil), val...),
		expiresAt: time.Now().Add(ttl),
	}
	return nil
}

func (b *MemoryBoard) GetPrefix(_ context.Context, prefix string) (map[string][]byte, error) {
	now := time.Now()
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[string][]byte)
	for k, item := range b.items {
		if item.expiresAt.Before(now) {
			delete(b.items, k)
			continue
		}
		if strings.HasPrefix(k, prefix) {
			out[k] = append([]byte(nil), item.val...)
		}
	}
	return out, nil
}

const etcdKeyspace = "/gridmesh/beacons/"

// EtcdBoard backs the rendezvous board with an etcd cluster. Beacon
// lifetime rides on etcd leases, so expired beacons vanish without a
// sweeper.
type EtcdBoard struct {
	cli *clientv3.Client
}

func NewEtcdBoard(endpoints []string) (*EtcdBoard, error) {
	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdBoard{cli: cli}, nil
}

func (b *EtcdBoard) Put(ctx context.Context, key string, val []byte, ttl time.Duration) error {
	lease, err := b.cli.Grant(ctx, int64(ttl/time.Second))
	if err != nil {
		return err
	}
	_, err = b.cli.Put(ctx, etcdKeyspace+key, string(val), clientv3.WithLease(lease.ID))
	return err
}

func (b *EtcdBoard) GetPrefix(ctx context.Context, prefix string) (map[string][]byte, error) {
	resp, err := b.cli.Get(ctx, etcdKeyspace+prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}
	out := make(map[string][]byte, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		key := strings.TrimPrefix(string(kv.Key), etcdKeyspace)
		out[key] = kv.Value
	}
	return out, nil
}

func (b *EtcdBoard) Close() error {
	return b.cli.Close()
}
