package statestore

import (
	"context"
	"sort"
	"strings"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisStore keeps every key as a field of one Redis hash, so a relay and
// chat UIs running on different hosts can share state.
type RedisStore struct {
	client *redis.Client
	hash   string
	owned  bool
}

var _ Store = &RedisStore{}

// NewRedisStore connects to addr and stores values in the given hash.
func NewRedisStore(addr, hash string) (*RedisStore, error) {
	if strings.TrimSpace(addr) == "" {
		return nil, errors.New("redis state store: empty addr")
	}
	s := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: addr}), hash)
	s.owned = true
	return s, nil
}

// NewRedisStoreFromClient reuses an existing client; Close leaves it open.
func NewRedisStoreFromClient(client *redis.Client, hash string) *RedisStore {
	if strings.TrimSpace(hash) == "" {
		hash = "tubechat:state"
	}
	return &RedisStore{client: client, hash: hash}
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil || !s.owned {
		return nil
	}
	return s.client.Close()
}

func (s *RedisStore) Get(ctx context.Context, key string, out any) (bool, error) {
	if s == nil || s.client == nil {
		return false, errors.New("redis state store: client is nil")
	}
	raw, err := s.client.HGet(ctx, s.hash, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "redis state store: hget")
	}
	if err := decodeValue(key, raw, out); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) Set(ctx context.Context, key string, value any) error {
	return s.SetMany(ctx, map[string]any{key: value})
}

func (s *RedisStore) SetMany(ctx context.Context, entries map[string]any) error {
	if s == nil || s.client == nil {
		return errors.New("redis state store: client is nil")
	}
	if len(entries) == 0 {
		return nil
	}
	fields := make([]any, 0, len(entries)*2)
	for k, v := range entries {
		b, err := encodeValue(k, v)
		if err != nil {
			return err
		}
		fields = append(fields, k, string(b))
	}
	if err := s.client.HSet(ctx, s.hash, fields...).Err(); err != nil {
		return errors.Wrap(err, "redis state store: hset")
	}
	return nil
}

func (s *RedisStore) Delete(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil {
		return errors.New("redis state store: client is nil")
	}
	if len(keys) == 0 {
		return nil
	}
	if err := s.client.HDel(ctx, s.hash, keys...).Err(); err != nil {
		return errors.Wrap(err, "redis state store: hdel")
	}
	return nil
}

func (s *RedisStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, errors.New("redis state store: client is nil")
	}
	all, err := s.client.HKeys(ctx, s.hash).Result()
	if err != nil {
		return nil, errors.Wrap(err, "redis state store: hkeys")
	}
	keys := make([]string, 0, len(all))
	for _, k := range all {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}
