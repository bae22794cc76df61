package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"transfer-watcher/pkg/shared"

	"github.com/redis/go-redis/v9"
)

const redisPrefix = "transfer-watcher:checkpoint:"

// RedisClient is the part of a go-redis client the store uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Close() error
}

// RedisStore keeps the checkpoint under a single key. SET is atomic, so a
// reader sees either the previous or the new value.
type RedisStore struct {
	client RedisClient
	key    string
}

func NewRedisStore(ctx context.Context, url string, scope Scope) (*RedisStore, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, &shared.PersistenceError{Op: "ping", Err: err}
	}
	return NewRedisStoreFromClient(client, scope), nil
}

func NewRedisStoreFromClient(client RedisClient, scope Scope) *RedisStore {
	return &RedisStore{client: client, key: redisKey(scope)}
}

func redisKey(scope Scope) string {
	return redisPrefix + scope.key()
}

func (s *RedisStore) Load(ctx context.Context) (uint64, bool, error) {
	val, err := s.client.Get(ctx, s.key).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &shared.PersistenceError{Op: "get", Err: err}
	}
	block, err := strconv.ParseUint(strings.TrimSpace(val), 10, 64)
	if err != nil {
		return 0, false, &shared.PersistenceError{Op: "parse", Err: fmt.Errorf("corrupt checkpoint at %s: %w", s.key, err)}
	}
	return block, true, nil
}

func (s *RedisStore) Save(ctx context.Context, block uint64) error {
	if err := s.client.Set(ctx, s.key, strconv.FormatUint(block, 10), 0).Err(); err != nil {
		return &shared.PersistenceError{Op: "set", Err: err}
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
