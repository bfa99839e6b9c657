package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore implements Storage using Redis.
//
// Per partition it keeps:
//
//	<prefix><name>:entries  HASH  key -> serialized entry
//	<prefix><name>:order    ZSET  key scored by insertion sequence
//	<prefix><name>:seq      STRING sequence counter
//
// and the set of partition names in <prefix>partitions.
type RedisStore struct {
	client  *redis.Client
	prefix  string
	maxSize int64 // Maximum size for cached objects
}

// RedisStoreConfig holds configuration for Redis store
type RedisStoreConfig struct {
	Addr     string
	Password string
	DB       int
	Prefix   string // Key prefix for all cache entries
	MaxSize  int64  // Maximum size for cached objects (default: 10MB)
}

// NewRedisStore creates a new Redis-based cache store
func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return NewRedisStoreWithClient(client, cfg.Prefix, cfg.MaxSize), nil
}

// NewRedisStoreWithClient wraps an existing client
func NewRedisStoreWithClient(client *redis.Client, prefix string, maxSize int64) *RedisStore {
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024 // 10MB default
	}
	if prefix == "" {
		prefix = "offlinecache:"
	}
	return &RedisStore{
		client:  client,
		prefix:  prefix,
		maxSize: maxSize,
	}
}

func (rs *RedisStore) namesKey() string {
	return rs.prefix + "partitions"
}

// Open returns the named partition, registering it on first use
func (rs *RedisStore) Open(ctx context.Context, name string) (Partition, error) {
	if name == "" {
		return nil, ErrPartitionName
	}
	if err := rs.client.SAdd(ctx, rs.namesKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to register partition %s: %w", name, err)
	}
	return &redisPartition{store: rs, name: name}, nil
}

// Names lists registered partitions
func (rs *RedisStore) Names(ctx context.Context) ([]string, error) {
	names, err := rs.client.SMembers(ctx, rs.namesKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list partitions: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// Drop deletes every key of a partition
func (rs *RedisStore) Drop(ctx context.Context, name string) (bool, error) {
	p := &redisPartition{store: rs, name: name}

	var removed *redis.IntCmd
	_, err := rs.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, rs.namesKey(), name)
		pipe.Del(ctx, p.entriesKey(), p.orderKey(), p.seqKey())
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to drop partition %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

// Close cleanly shuts down the Redis connection
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}

type redisPartition struct {
	store *RedisStore
	name  string
}

func (p *redisPartition) Name() string {
	return p.name
}

func (p *redisPartition) entriesKey() string {
	return p.store.prefix + p.name + ":entries"
}

func (p *redisPartition) orderKey() string {
	return p.store.prefix + p.name + ":order"
}

func (p *redisPartition) seqKey() string {
	return p.store.prefix + p.name + ":seq"
}

func (p *redisPartition) Keys(ctx context.Context) ([]string, error) {
	keys, err := p.store.client.ZRange(ctx, p.orderKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list keys: %w", err)
	}
	return keys, nil
}

// Match retrieves a cached response from Redis
func (p *redisPartition) Match(ctx context.Context, key string) (*Entry, bool, error) {
	raw, err := p.store.client.HGet(ctx, p.entriesKey(), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to get from Redis: %w", err)
	}

	var record storedRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, false, fmt.Errorf("failed to unmarshal entry: %w", err)
	}
	return &Entry{Meta: record.Meta, Body: record.Body}, true, nil
}

// Put stores a response in Redis
func (p *redisPartition) Put(ctx context.Context, key string, entry *Entry) error {
	// Check size limit
	if int64(len(entry.Body)) > p.store.maxSize {
		return fmt.Errorf("cache entry exceeds maximum size: %d > %d", len(entry.Body), p.store.maxSize)
	}

	client := p.store.client
	seq, err := client.Incr(ctx, p.seqKey()).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	meta := entry.Meta
	meta.Size = int64(len(entry.Body))
	raw, err := json.Marshal(storedRecord{Seq: uint64(seq), Meta: meta, Body: entry.Body})
	if err != nil {
		return fmt.Errorf("failed to marshal entry: %w", err)
	}

	// ZADD on an existing member rescores it, which moves it to the newest position
	_, err = client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, p.store.namesKey(), p.name)
		pipe.HSet(ctx, p.entriesKey(), key, raw)
		pipe.ZAdd(ctx, p.orderKey(), redis.Z{Score: float64(seq), Member: key})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to store in Redis: %w", err)
	}
	return nil
}

// Delete removes a cached entry from Redis
func (p *redisPartition) Delete(ctx context.Context, key string) (bool, error) {
	var removed *redis.IntCmd
	_, err := p.store.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.HDel(ctx, p.entriesKey(), key)
		pipe.ZRem(ctx, p.orderKey(), key)
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete from Redis: %w", err)
	}
	return removed.Val() > 0, nil
}
