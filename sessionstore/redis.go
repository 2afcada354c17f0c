package sessionstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tidemail/bridge/consts"
	"github.com/tidemail/bridge/pkg/metrics"
)

// RedisStore implements Store on a Redis backend. Records live under
// "<namespace>:session:<identity>" as JSON with a server-side TTL, so the
// keep-alive semantics survive process restarts and are shared across
// gateway instances.
type RedisStore struct {
	client    *redis.Client
	namespace string
}

// NewRedisClient opens a client for the Redis instance at url (a redis://
// URL). Callers share one client across stores and registries.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parsing redis URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

// NewRedisStore connects to the Redis instance at url and scopes all keys
// under namespace.
func NewRedisStore(url, namespace string) (*RedisStore, error) {
	client, err := NewRedisClient(url)
	if err != nil {
		return nil, err
	}
	return &RedisStore{client: client, namespace: namespace}, nil
}

// NewRedisStoreFromClient wraps an existing client. Used by tests and by
// callers that share one connection pool across namespaces.
func NewRedisStoreFromClient(client *redis.Client, namespace string) *RedisStore {
	return &RedisStore{client: client, namespace: namespace}
}

func (s *RedisStore) key(identity string) string {
	return s.namespace + ":session:" + identity
}

func (s *RedisStore) Put(ctx context.Context, identity string, meta *Metadata, ttl time.Duration) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding session metadata: %w", err)
	}
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.key(identity), data, ttl).Err(); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("put", "error").Inc()
		return fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("put", "ok").Inc()
	return nil
}

func (s *RedisStore) Get(ctx context.Context, identity string) (*Metadata, error) {
	data, err := s.client.Get(ctx, s.key(identity)).Bytes()
	if err == redis.Nil {
		metrics.StoreMissesTotal.Inc()
		metrics.StoreOperationsTotal.WithLabelValues("get", "ok").Inc()
		return nil, nil
	}
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("get", "error").Inc()
		return nil, fmt.Errorf("decoding session metadata for %s: %w", identity, err)
	}
	metrics.StoreHitsTotal.Inc()
	metrics.StoreOperationsTotal.WithLabelValues("get", "ok").Inc()
	return &meta, nil
}

func (s *RedisStore) RefreshTTL(ctx context.Context, identity string, ttl time.Duration) error {
	// EXPIRE on a missing key returns 0 and is not an error; expiry racing
	// a refresh is a normal outcome.
	if err := s.client.Expire(ctx, s.key(identity), ttl).Err(); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("refresh", "error").Inc()
		return fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("refresh", "ok").Inc()
	return nil
}

func (s *RedisStore) Remove(ctx context.Context, identity string) error {
	if err := s.client.Del(ctx, s.key(identity)).Err(); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("remove", "error").Inc()
		return fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("remove", "ok").Inc()
	return nil
}

func (s *RedisStore) RemainingTTL(ctx context.Context, identity string) (time.Duration, TTLState, error) {
	d, err := s.client.TTL(ctx, s.key(identity)).Result()
	if err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("ttl", "error").Inc()
		return 0, TTLAbsent, fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("ttl", "ok").Inc()
	// go-redis maps the integer replies -2 (no key) and -1 (no expiry)
	// to the corresponding negative durations in seconds.
	switch {
	case d == -2*time.Second:
		return 0, TTLAbsent, nil
	case d == -1*time.Second:
		return 0, TTLNone, nil
	default:
		return d, TTLSet, nil
	}
}

func (s *RedisStore) ListIdentities(ctx context.Context, prefix string) ([]string, error) {
	keyPrefix := s.namespace + ":session:"
	pattern := keyPrefix + prefix + "*"
	var identities []string
	iter := s.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		identities = append(identities, strings.TrimPrefix(iter.Val(), keyPrefix))
	}
	if err := iter.Err(); err != nil {
		metrics.StoreOperationsTotal.WithLabelValues("list", "error").Inc()
		return nil, fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	metrics.StoreOperationsTotal.WithLabelValues("list", "ok").Inc()
	return identities, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
