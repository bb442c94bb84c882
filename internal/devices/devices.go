// Package devices tracks which device fingerprints a merchant has already seen.
package devices

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Registry records a device observation and reports whether it was the first
// one for the merchant. Forget undoes a first observation whose token was
// never persisted.
type Registry interface {
	Observe(ctx context.Context, merchantID, deviceHash string) (firstSeen bool, err error)
	Forget(ctx context.Context, merchantID, deviceHash string) error
}

// SeenReader is the part of the ledger the store registry reads.
type SeenReader interface {
	DeviceSeen(merchantID, deviceHash string) (bool, error)
}

// StoreRegistry derives first-seen from previously issued tokens. Observations
// become durable when the token carrying the device hash is persisted.
type StoreRegistry struct {
	store SeenReader
}

func NewStoreRegistry(store SeenReader) *StoreRegistry {
	return &StoreRegistry{store: store}
}

func (r *StoreRegistry) Observe(_ context.Context, merchantID, deviceHash string) (bool, error) {
	if deviceHash == "" {
		return false, nil
	}
	seen, err := r.store.DeviceSeen(merchantID, deviceHash)
	if err != nil {
		return false, fmt.Errorf("device lookup: %w", err)
	}
	return !seen, nil
}

// Forget is a no-op: an unpersisted token leaves no trace to remove.
func (r *StoreRegistry) Forget(context.Context, string, string) error {
	return nil
}

// SetClient is the subset of the redis client the registry needs.
type SetClient interface {
	SAdd(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
	SRem(ctx context.Context, key string, members ...interface{}) *redis.IntCmd
}

// RedisRegistry keeps one set per merchant so several gateways share device
// history.
type RedisRegistry struct {
	client SetClient
	prefix string
}

func NewRedisRegistry(addr string, db int) *RedisRegistry {
	rdb := redis.NewClient(&redis.Options{
		Addr: addr,
		DB:   db,
	})
	return NewRedisRegistryWithClient(rdb)
}

func NewRedisRegistryWithClient(client SetClient) *RedisRegistry {
	return &RedisRegistry{client: client, prefix: "arcana:devices"}
}

func (r *RedisRegistry) Key(merchantID string) string {
	return fmt.Sprintf("%s:%s", r.prefix, merchantID)
}

func (r *RedisRegistry) Observe(ctx context.Context, merchantID, deviceHash string) (bool, error) {
	if deviceHash == "" {
		return false, nil
	}
	added, err := r.client.SAdd(ctx, r.Key(merchantID), deviceHash).Result()
	if err != nil {
		return false, fmt.Errorf("redis sadd: %w", err)
	}
	return added == 1, nil
}

func (r *RedisRegistry) Forget(ctx context.Context, merchantID, deviceHash string) error {
	if deviceHash == "" {
		return nil
	}
	if err := r.client.SRem(ctx, r.Key(merchantID), deviceHash).Err(); err != nil {
		return fmt.Errorf("redis srem: %w", err)
	}
	return nil
}

// MemoryRegistry is a process-local registry for tests and single-node runs.
type MemoryRegistry struct {
	mu   sync.Mutex
	seen map[string]map[string]struct{}
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{seen: map[string]map[string]struct{}{}}
}

func (r *MemoryRegistry) Observe(_ context.Context, merchantID, deviceHash string) (bool, error) {
	if deviceHash == "" {
		return false, nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	set, ok := r.seen[merchantID]
	if !ok {
		set = map[string]struct{}{}
		r.seen[merchantID] = set
	}
	if _, ok := set[deviceHash]; ok {
		return false, nil
	}
	set[deviceHash] = struct{}{}
	return true, nil
}

func (r *MemoryRegistry) Forget(_ context.Context, merchantID, deviceHash string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.seen[merchantID], deviceHash)
	return nil
}
