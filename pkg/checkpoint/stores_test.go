package checkpoint

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"transfer-watcher/pkg/shared"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

type fakeRedis struct {
	mu     sync.Mutex
	data   map[string]string
	setErr error
	closed bool
}

func newFakeRedis() *fakeRedis { return &fakeRedis{data: make(map[string]string)} }

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return redis.NewStatusResult("", f.setErr)
	}
	f.data[key] = value.(string)
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeRedis) Close() error {
	f.closed = true
	return nil
}

func TestRedisStore_SaveLoad(t *testing.T) {
	client := newFakeRedis()
	s := NewRedisStoreFromClient(client, scope)
	ctx := context.Background()

	_, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, 19000001))
	assert.Equal(t, "19000001", client.data[redisKey(scope)])

	block, ok, err := s.Load(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(19000001), block)

	require.NoError(t, s.Close())
	assert.True(t, client.closed)
}

func TestRedisStore_Errors(t *testing.T) {
	client := newFakeRedis()
	s := NewRedisStoreFromClient(client, scope)
	ctx := context.Background()

	client.data[redisKey(scope)] = "not-a-block"
	_, _, err := s.Load(ctx)
	var persistErr *shared.PersistenceError
	require.True(t, errors.As(err, &persistErr))
	assert.Equal(t, "parse", persistErr.Op)

	client.setErr = errors.New("READONLY You can't write against a read only replica")
	err = s.Save(ctx, 5)
	require.True(t, errors.As(err, &persistErr))
	assert.Equal(t, "set", persistErr.Op)
}

func dryRunStore(t *testing.T) *PostgresStore {
	t.Helper()
	// Nothing is dialed: the pgx pool is lazy and DryRun only builds SQL.
	db, err := gorm.Open(postgres.Open("host=127.0.0.1 port=1 user=watcher dbname=watcher sslmode=disable"), &gorm.Config{
		DryRun:                 true,
		DisableAutomaticPing:   true,
		SkipDefaultTransaction: true,
	})
	require.NoError(t, err)
	return newPostgresStoreFromDB(db, Scope{Network: "Ethereum", Contract: "0xD4190DD1dA460fC7Bc41a792e688604778820aC9"})
}

func TestPostgresStore_UpsertNeverLowersCheckpoint(t *testing.T) {
	s := dryRunStore(t)

	stmt := s.upsert(context.Background(), 42).Statement
	sql := stmt.SQL.String()

	assert.Contains(t, sql, `INSERT INTO "watcher_checkpoints"`)
	assert.Contains(t, sql, `ON CONFLICT ("network","contract") DO UPDATE SET`)
	assert.Contains(t, sql, `GREATEST(watcher_checkpoints.last_block, EXCLUDED.last_block)`)
	assert.Contains(t, stmt.Vars, "ethereum")
	assert.Contains(t, stmt.Vars, "0xd4190dd1da460fc7bc41a792e688604778820ac9")
	assert.Contains(t, stmt.Vars, uint64(42))

	assert.NoError(t, s.Save(context.Background(), 42))
}
