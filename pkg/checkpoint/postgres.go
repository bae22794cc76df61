package checkpoint

import (
	"context"
	"errors"
	"time"

	"transfer-watcher/pkg/shared"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

// CheckpointModel is one row per watched (network, contract) pair.
type CheckpointModel struct {
	Network   string `gorm:"primaryKey;size:64"`
	Contract  string `gorm:"primaryKey;size:42"`
	LastBlock uint64 `gorm:"not null"`
	UpdatedAt time.Time
}

func (CheckpointModel) TableName() string {
	return "watcher_checkpoints"
}

type PostgresStore struct {
	db    *gorm.DB
	scope Scope
}

func NewPostgresStore(ctx context.Context, dsn string, scope Scope) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, &shared.PersistenceError{Op: "connect", Err: err}
	}
	if err := db.WithContext(ctx).AutoMigrate(&CheckpointModel{}); err != nil {
		return nil, &shared.PersistenceError{Op: "migrate", Err: err}
	}
	return newPostgresStoreFromDB(db, scope), nil
}

func newPostgresStoreFromDB(db *gorm.DB, scope Scope) *PostgresStore {
	return &PostgresStore{db: db, scope: normalizeScope(scope)}
}

func (s *PostgresStore) Load(ctx context.Context) (uint64, bool, error) {
	var model CheckpointModel
	result := s.db.WithContext(ctx).
		Where("network = ? AND contract = ?", s.scope.Network, s.scope.Contract).
		First(&model)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return 0, false, nil
		}
		return 0, false, &shared.PersistenceError{Op: "select", Err: result.Error}
	}
	return model.LastBlock, true, nil
}

// Save upserts the row; an existing higher value is kept.
func (s *PostgresStore) Save(ctx context.Context, block uint64) error {
	if err := s.upsert(ctx, block).Error; err != nil {
		return &shared.PersistenceError{Op: "upsert", Err: err}
	}
	return nil
}

func (s *PostgresStore) upsert(ctx context.Context, block uint64) *gorm.DB {
	model := CheckpointModel{
		Network:   s.scope.Network,
		Contract:  s.scope.Contract,
		LastBlock: block,
		UpdatedAt: time.Now(),
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "network"}, {Name: "contract"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"last_block": gorm.Expr("GREATEST(watcher_checkpoints.last_block, EXCLUDED.last_block)"),
			"updated_at": gorm.Expr("EXCLUDED.updated_at"),
		}),
	}).Create(&model)
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
