// Package store remembers which creator identities a consumer already holds,
// so repeated exports into the same collection do not re-emit them.
package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Store keeps the identity ids delivered per collection.
type Store interface {
	// Seen returns the identity ids already delivered to collection.
	Seen(ctx context.Context, collection string) ([]string, error)
	// Add records identity ids as delivered to collection.
	Add(ctx context.Context, collection string, ids ...string) error
	Close() error
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
	// DialTimeout bounds the initial ping.
	DialTimeout time.Duration
}

// NewRedisClient connects to Redis and pings it.
func NewRedisClient(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	if opts.Addr == "" {
		opts.Addr = "localhost:6379"
	}
	if opts.DialTimeout == 0 {
		opts.DialTimeout = 5 * time.Second
	}

	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		PoolSize:    opts.PoolSize,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, opts.DialTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisStore keeps one Redis set per collection.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore wraps client. Keys are "{prefix}:identities:{collection}" and
// expire ttl after the last write; a zero ttl keeps them forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if prefix == "" {
		prefix = "stixforge"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, logger: logger}
}

func (s *RedisStore) key(collection string) string {
	return s.prefix + ":identities:" + collection
}

// Seen implements Store. Members come back sorted.
func (s *RedisStore) Seen(ctx context.Context, collection string) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.key(collection)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read identities of %s: %w", collection, err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Add implements Store.
func (s *RedisStore) Add(ctx context.Context, collection string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	members := make([]any, len(ids))
	for i, id := range ids {
		members[i] = id
	}

	key := s.key(collection)
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, key, members...)
	if s.ttl > 0 {
		pipe.Expire(ctx, key, s.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record identities of %s: %w", collection, err)
	}

	s.logger.Debug("Recorded identities",
		zap.String("collection", collection),
		zap.Strings("ids", ids),
	)
	return nil
}

// Close closes the Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// MemoryStore is an in-process Store for the CLI and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	sets map[string]map[string]struct{}
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sets: make(map[string]map[string]struct{})}
}

// Seen implements Store.
func (s *MemoryStore) Seen(_ context.Context, collection string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.sets[collection]))
	for id := range s.sets[collection] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Add implements Store.
func (s *MemoryStore) Add(_ context.Context, collection string, ids ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[collection]
	if !ok {
		set = make(map[string]struct{})
		s.sets[collection] = set
	}
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	return nil
}
