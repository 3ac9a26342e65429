package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

type pgEntry struct {
	Key       string `gorm:"primaryKey"`
	Content   []byte `gorm:"not null"`
	CreatedAt time.Time
}

func (pgEntry) TableName() string { return "txtcache_entries" }

// PostgresStore keeps one row per key. Writes are single-statement upserts,
// so readers see either the old or the new content.
type PostgresStore struct {
	db *gorm.DB
}

// NewPostgresStore connects with dsn and migrates the entries table.
func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.AutoMigrate(&pgEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Has(ctx context.Context, key string) (bool, error) {
	var n int64
	if err := s.db.WithContext(ctx).Model(&pgEntry{}).Where("key = ?", key).Count(&n).Error; err != nil {
		return false, &StorageError{Op: "has", Key: key, Err: err}
	}
	return n > 0, nil
}

func (s *PostgresStore) Get(ctx context.Context, key string) (*Entry, error) {
	var e pgEntry
	err := s.db.WithContext(ctx).Where("key = ?", key).First(&e).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, &StorageError{Op: "get", Key: key, Err: err}
	}
	if e.Content == nil {
		e.Content = []byte{}
	}
	return &Entry{Key: e.Key, Content: e.Content, CreatedAt: e.CreatedAt}, nil
}

func (s *PostgresStore) Put(ctx context.Context, key string, content []byte) error {
	if content == nil {
		content = []byte{}
	}
	e := pgEntry{Key: key, Content: content, CreatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "created_at"}),
	}).Create(&e).Error
	if err != nil {
		return &StorageError{Op: "put", Key: key, Err: err}
	}
	return nil
}

func (s *PostgresStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
