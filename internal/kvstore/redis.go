package kvstore

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on Redis. Each item is a hash under
// "<table>:<key>", and each table keeps a set of its keys under
// "tbl:<table>" so Scan never walks the whole keyspace.
type RedisStore struct {
	client *redis.Client
	ttls   map[string]time.Duration // optional per-table expiry
}

// NewRedisStore connects to Redis and verifies the connection.
func NewRedisStore(addr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: addr,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("kvstore: redis connection failed: %w", err)
	}

	return &RedisStore{
		client: client,
		ttls:   make(map[string]time.Duration),
	}, nil
}

// NewRedisStoreWithClient wraps an existing Redis client.
func NewRedisStoreWithClient(client *redis.Client) *RedisStore {
	return &RedisStore{
		client: client,
		ttls:   make(map[string]time.Duration),
	}
}

// SetTableTTL makes every item written to the table expire after d.
// Expired items vanish from Get and Scan without an explicit Delete.
func (s *RedisStore) SetTableTTL(table string, d time.Duration) {
	s.ttls[table] = d
}

func itemKey(table, key string) string {
	return table + ":" + key
}

func indexKey(table string) string {
	return "tbl:" + table
}

// Get retrieves the item hash. An empty hash means the key does not exist
// (or its TTL fired), which maps to ErrNotFound.
func (s *RedisStore) Get(ctx context.Context, table, key string) (Item, error) {
	result, err := s.client.HGetAll(ctx, itemKey(table, key)).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore: redis get %s/%s: %w", table, key, err)
	}
	if len(result) == 0 {
		return nil, ErrNotFound
	}
	return Item(result), nil
}

// Put writes the item hash, replacing any existing fields, and records the
// key in the table index.
func (s *RedisStore) Put(ctx context.Context, table, key string, item Item) error {
	fields := make(map[string]interface{}, len(item))
	for k, v := range item {
		fields[k] = v
	}

	k := itemKey(table, key)
	pipe := s.client.Pipeline()
	pipe.Del(ctx, k) // replace, don't merge
	pipe.HSet(ctx, k, fields)
	if ttl, ok := s.ttls[table]; ok {
		pipe.Expire(ctx, k, ttl)
	}
	pipe.SAdd(ctx, indexKey(table), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvstore: redis put %s/%s: %w", table, key, err)
	}
	return nil
}

// Update applies assignments via HSET and increments via HINCRBY in one
// pipeline. The item is created if it did not exist.
func (s *RedisStore) Update(ctx context.Context, table, key string, set map[string]string, incr map[string]int64) error {
	k := itemKey(table, key)
	pipe := s.client.Pipeline()
	if len(set) > 0 {
		fields := make(map[string]interface{}, len(set))
		for f, v := range set {
			fields[f] = v
		}
		pipe.HSet(ctx, k, fields)
	}
	for f, d := range incr {
		pipe.HIncrBy(ctx, k, f, d)
	}
	if ttl, ok := s.ttls[table]; ok {
		pipe.Expire(ctx, k, ttl)
	}
	pipe.SAdd(ctx, indexKey(table), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvstore: redis update %s/%s: %w", table, key, err)
	}
	return nil
}

// Scan reads the table index, fetches every item in one pipeline, and
// applies the filter. Keys whose hashes have expired are pruned from the
// index as a side effect.
func (s *RedisStore) Scan(ctx context.Context, table string, filter func(Item) bool) ([]Item, error) {
	keys, err := s.client.SMembers(ctx, indexKey(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("kvstore: redis scan %s: %w", table, err)
	}
	if len(keys) == 0 {
		return []Item{}, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, key := range keys {
		cmds[i] = pipe.HGetAll(ctx, itemKey(table, key))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("kvstore: redis scan %s: %w", table, err)
	}

	items := make([]Item, 0, len(keys))
	var stale []interface{}
	for i, cmd := range cmds {
		result, err := cmd.Result()
		if err != nil || len(result) == 0 {
			stale = append(stale, keys[i])
			continue
		}
		item := Item(result)
		if filter == nil || filter(item) {
			items = append(items, item)
		}
	}

	if len(stale) > 0 {
		s.client.SRem(ctx, indexKey(table), stale...)
	}
	return items, nil
}

// Delete removes the item and its index entry.
func (s *RedisStore) Delete(ctx context.Context, table, key string) error {
	pipe := s.client.Pipeline()
	pipe.Del(ctx, itemKey(table, key))
	pipe.SRem(ctx, indexKey(table), key)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("kvstore: redis delete %s/%s: %w", table, key, err)
	}
	return nil
}

// Close closes the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// Client exposes the underlying Redis client for packages that need raw
// Redis operations (e.g. rate limiting).
func (s *RedisStore) Client() *redis.Client {
	return s.client
}
