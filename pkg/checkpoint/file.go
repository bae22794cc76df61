package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"transfer-watcher/pkg/shared"
)

// FileStore keeps the checkpoint as decimal text in one file per scope.
// Writes go to a temp file that is fsynced and renamed over the old one.
type FileStore struct {
	path string
}

func NewFileStore(dir string, scope Scope) (*FileStore, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &shared.PersistenceError{Op: "mkdir", Err: err}
	}
	name := fmt.Sprintf("%s-%s.checkpoint",
		strings.ToLower(scope.Network), strings.ToLower(scope.Contract))
	return &FileStore{path: filepath.Join(dir, name)}, nil
}

func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Load(ctx context.Context) (uint64, bool, error) {
	buf, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, &shared.PersistenceError{Op: "read", Err: err}
	}
	block, err := strconv.ParseUint(strings.TrimSpace(string(buf)), 10, 64)
	if err != nil {
		return 0, false, &shared.PersistenceError{Op: "parse", Err: fmt.Errorf("corrupt checkpoint %s: %w", s.path, err)}
	}
	return block, true, nil
}

func (s *FileStore) Save(ctx context.Context, block uint64) error {
	if err := writeAtomic(s.path, []byte(strconv.FormatUint(block, 10)+"\n")); err != nil {
		return &shared.PersistenceError{Op: "write", Err: err}
	}
	return nil
}

func (s *FileStore) Close() error { return nil }

func writeAtomic(path string, data []byte) (err error) {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	if err = os.Rename(tmp.Name(), path); err != nil {
		return err
	}

	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
