package checkpoint

import (
	"context"
	"fmt"
	"strings"
)

// Store persists the last fully-processed block of one watched
// (network, contract) pair. A single writer per pair is assumed.
type Store interface {
	// Load returns the persisted block, or ok=false on first run.
	Load(ctx context.Context) (block uint64, ok bool, err error)
	// Save durably persists block. A crash during Save leaves either the old
	// or the new value readable.
	Save(ctx context.Context, block uint64) error
	Close() error
}

// Scope identifies the watched pair a checkpoint belongs to.
type Scope struct {
	Network  string
	Contract string
}

func (s Scope) key() string {
	n := normalizeScope(s)
	return fmt.Sprintf("%s:%s", n.Network, n.Contract)
}

func normalizeScope(s Scope) Scope {
	return Scope{Network: strings.ToLower(s.Network), Contract: strings.ToLower(s.Contract)}
}

const (
	BackendFile     = "file"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

type Config struct {
	Backend  string `yaml:"backend" json:"backend"`
	Dir      string `yaml:"dir" json:"dir"`
	PgDSN    string `yaml:"pg_dsn" json:"pg_dsn"`
	RedisURL string `yaml:"redis_url" json:"redis_url"`
}

// Open builds the configured backend for scope.
func Open(ctx context.Context, cfg Config, scope Scope) (Store, error) {
	switch cfg.Backend {
	case "", BackendFile:
		return NewFileStore(cfg.Dir, scope)
	case BackendPostgres:
		return NewPostgresStore(ctx, cfg.PgDSN, scope)
	case BackendRedis:
		return NewRedisStore(ctx, cfg.RedisURL, scope)
	default:
		return nil, fmt.Errorf("unknown checkpoint backend: %s. Supported: file, postgres, redis", cfg.Backend)
	}
}
