package checkpoint

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"transfer-watcher/pkg/shared"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var scope = Scope{Network: "ethereum", Contract: "0xd4190DD1dA460fC7Bc41a792e688604778820aC9"}

func TestFileStore_FirstRun(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), scope)
	require.NoError(t, err)

	_, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, scope)
	require.NoError(t, err)

	require.NoError(t, s.Save(context.Background(), 100))
	require.NoError(t, s.Save(context.Background(), 101))

	block, ok, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(101), block)

	// A fresh store over the same directory sees the persisted value.
	reopened, err := NewFileStore(dir, scope)
	require.NoError(t, err)
	block, ok, err = reopened.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(101), block)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files must not be left behind")
}

func TestFileStore_ScopedPerContract(t *testing.T) {
	dir := t.TempDir()
	a, err := NewFileStore(dir, scope)
	require.NoError(t, err)
	b, err := NewFileStore(dir, Scope{Network: "polygon", Contract: scope.Contract})
	require.NoError(t, err)
	assert.NotEqual(t, a.Path(), b.Path())

	require.NoError(t, a.Save(context.Background(), 7))
	_, ok, err := b.Load(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFileStore_CorruptIsPersistenceError(t *testing.T) {
	s, err := NewFileStore(t.TempDir(), scope)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(s.Path(), []byte("12ab"), 0o644))

	_, _, err = s.Load(context.Background())
	var perr *shared.PersistenceError
	require.True(t, errors.As(err, &perr))
	assert.Equal(t, "parse", perr.Op)
}

func TestFileStore_WriteFailureIsPersistenceError(t *testing.T) {
	dir := t.TempDir()
	s, err := NewFileStore(dir, scope)
	require.NoError(t, err)
	// Replace the directory with a file so the temp file cannot be created.
	require.NoError(t, os.RemoveAll(dir))
	require.NoError(t, os.WriteFile(dir, nil, 0o644))
	t.Cleanup(func() { _ = os.Remove(dir) })

	err = s.Save(context.Background(), 5)
	var perr *shared.PersistenceError
	require.True(t, errors.As(err, &perr))
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(context.Background(), Config{Dir: dir}, scope)
	require.NoError(t, err)
	fs, ok := s.(*FileStore)
	require.True(t, ok)
	assert.Equal(t, dir, filepath.Dir(fs.Path()))

	_, err = Open(context.Background(), Config{Backend: "etcd"}, scope)
	assert.Error(t, err)
}

func TestRedisKey(t *testing.T) {
	assert.Equal(t,
		"transfer-watcher:checkpoint:ethereum:0xd4190dd1da460fc7bc41a792e688604778820ac9",
		redisKey(scope))
}
