package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/pulsestack/pulse-apm/internal/models"
)

const recentKey = "pulse:entries:recent"

// RedisStore persists entries in Redis: each entry as a JSON value with TTL
// plus a bounded recent-id list for the read path.
type RedisStore struct {
	client      *redis.Client
	ttl         time.Duration
	recentLimit int64
}

// RedisOptions configures the Redis-backed store.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	MaxRetries   int
	DialTimeout  time.Duration
	EntryTTL     time.Duration
	RecentLimit  int
}

// NewRedisStore connects to Redis and pings it to fail fast on bad config.
func NewRedisStore(opts RedisOptions) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis addr is required")
	}
	if opts.EntryTTL <= 0 {
		opts.EntryTTL = time.Hour
	}
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = 1000
	}

	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		MaxRetries:   opts.MaxRetries,
		DialTimeout:  opts.DialTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}

	return &RedisStore{
		client:      client,
		ttl:         opts.EntryTTL,
		recentLimit: int64(opts.RecentLimit),
	}, nil
}

func entryKey(id string) string { return "pulse:entry:" + id }

// Record stores the entry and pushes its id onto the bounded recent list.
func (s *RedisStore) Record(ctx context.Context, entry models.Entry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}

	if err := s.client.Set(ctx, entryKey(entry.ID), data, s.ttl).Err(); err != nil {
		return fmt.Errorf("store entry: %w", err)
	}
	if err := s.client.LPush(ctx, recentKey, entry.ID).Err(); err != nil {
		return fmt.Errorf("push recent: %w", err)
	}
	s.client.LTrim(ctx, recentKey, 0, s.recentLimit-1)
	return nil
}

// RecordBatch stores entries one by one; the first failure aborts.
func (s *RedisStore) RecordBatch(ctx context.Context, entries []models.Entry) error {
	for _, e := range entries {
		if err := s.Record(ctx, e); err != nil {
			return err
		}
	}
	return nil
}

// Find walks the recent list newest-first and filters client-side.
func (s *RedisStore) Find(ctx context.Context, filter Filter) (FindResult, error) {
	ids, err := s.client.LRange(ctx, recentKey, 0, s.recentLimit-1).Result()
	if err != nil {
		return FindResult{}, fmt.Errorf("recent entries: %w", err)
	}

	matched := make([]models.Entry, 0)
	for _, id := range ids {
		data, err := s.client.Get(ctx, entryKey(id)).Result()
		if err != nil {
			continue // expired or evicted
		}
		var entry models.Entry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			continue
		}
		if filter.matches(entry) {
			matched = append(matched, entry)
		}
	}

	total := len(matched)
	start := filter.Offset
	if start > total {
		start = total
	}
	end := total
	if filter.Limit > 0 && start+filter.Limit < total {
		end = start + filter.Limit
	}

	return FindResult{
		Entries: matched[start:end],
		Total:   total,
		HasMore: end < total,
	}, nil
}

// FindByID fetches a single entry.
func (s *RedisStore) FindByID(ctx context.Context, id string) (*models.Entry, error) {
	data, err := s.client.Get(ctx, entryKey(id)).Result()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entry: %w", err)
	}
	var entry models.Entry
	if err := json.Unmarshal([]byte(data), &entry); err != nil {
		return nil, fmt.Errorf("decode entry: %w", err)
	}
	return &entry, nil
}

// Close releases the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
