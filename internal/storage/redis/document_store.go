// Package redis stores documents as JSON strings in Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/JakeFAU/landsat-ingest/internal/ingest"
)

// Config controls the Redis connection.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	// TTL expires documents after the given duration. Zero keeps them forever.
	TTL time.Duration
}

type client interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *goredis.StatusCmd
	Get(ctx context.Context, key string) *goredis.StringCmd
	Ping(ctx context.Context) *goredis.StatusCmd
	Close() error
}

// DocumentStore implements ingest.DocumentStore on top of Redis keys
// shaped "{prefix}:{collection}:{id}".
type DocumentStore struct {
	client client
	prefix string
	ttl    time.Duration
}

// NewDocumentStore dials Redis and verifies the connection.
func NewDocumentStore(ctx context.Context, cfg Config) (*DocumentStore, error) {
	if cfg.Addr == "" {
		return nil, fmt.Errorf("documents.redis.addr is required")
	}
	c := goredis.NewClient(&goredis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := c.Ping(ctx).Err(); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return NewDocumentStoreWithClient(c, cfg.KeyPrefix, cfg.TTL), nil
}

// NewDocumentStoreWithClient wraps an existing client.
func NewDocumentStoreWithClient(c client, prefix string, ttl time.Duration) *DocumentStore {
	if prefix == "" {
		prefix = "ingest"
	}
	return &DocumentStore{client: c, prefix: prefix, ttl: ttl}
}

func (s *DocumentStore) key(collection, id string) string {
	return s.prefix + ":" + collection + ":" + id
}

// Upsert overwrites the document stored under (collection, id).
func (s *DocumentStore) Upsert(ctx context.Context, collection, id string, doc map[string]any) error {
	if collection == "" || id == "" {
		return fmt.Errorf("collection and id are required")
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode document %s/%s: %w", collection, id, err)
	}
	if err := s.client.Set(ctx, s.key(collection, id), payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", s.key(collection, id), err)
	}
	return nil
}

// Get loads a document, returning ingest.ErrNotFound when the key is absent.
func (s *DocumentStore) Get(ctx context.Context, collection, id string) (map[string]any, error) {
	key := s.key(collection, id)
	raw, err := s.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, fmt.Errorf("%w: %s", ingest.ErrNotFound, key)
		}
		return nil, fmt.Errorf("get %s: %w", key, err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode %s: %w", key, err)
	}
	return doc, nil
}

// Ping reports whether Redis is reachable.
func (s *DocumentStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (s *DocumentStore) Close() error {
	return s.client.Close()
}
