package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/tidemail/bridge/consts"
)

const inboxKeyPrefix = "inbox:"

// storedMapping is the wire form for Redis. It exists because Mapping
// deliberately excludes the password from its public JSON form; the store
// still has to carry it.
type storedMapping struct {
	InboxID   string    `json:"inbox_id"`
	Email     string    `json:"email"`
	IMAPHost  string    `json:"imap_host"`
	IMAPPort  int       `json:"imap_port"`
	SMTPHost  string    `json:"smtp_host"`
	SMTPPort  int       `json:"smtp_port"`
	Username  string    `json:"username"`
	Password  string    `json:"password"`
	CreatedAt time.Time `json:"created_at"`
	Status    string    `json:"status"`
}

// RedisRegistry persists mappings in Redis without expiry: unlike session
// records, a mapping lives until deleted.
type RedisRegistry struct {
	client *redis.Client
}

func NewRedisRegistry(client *redis.Client) *RedisRegistry {
	return &RedisRegistry{client: client}
}

func (r *RedisRegistry) Create(ctx context.Context, m *Mapping) error {
	data, err := json.Marshal(storedMapping(*m))
	if err != nil {
		return fmt.Errorf("encoding inbox mapping: %w", err)
	}
	if err := r.client.Set(ctx, inboxKeyPrefix+m.InboxID, data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	return nil
}

func (r *RedisRegistry) Get(ctx context.Context, id string) (*Mapping, error) {
	data, err := r.client.Get(ctx, inboxKeyPrefix+id).Bytes()
	if err == redis.Nil {
		return nil, consts.ErrInboxNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	var sm storedMapping
	if err := json.Unmarshal(data, &sm); err != nil {
		return nil, fmt.Errorf("decoding inbox mapping %s: %w", id, err)
	}
	m := Mapping(sm)
	return &m, nil
}

func (r *RedisRegistry) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, inboxKeyPrefix+id).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	if n == 0 {
		return consts.ErrInboxNotFound
	}
	return nil
}

func (r *RedisRegistry) List(ctx context.Context) ([]*Mapping, error) {
	var out []*Mapping
	iter := r.client.Scan(ctx, 0, inboxKeyPrefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		m, err := r.Get(ctx, iter.Val()[len(inboxKeyPrefix):])
		if errors.Is(err, consts.ErrInboxNotFound) {
			// Deleted between scan and read.
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", consts.ErrStoreUnavailable, err)
	}
	return out, nil
}
