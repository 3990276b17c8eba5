package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"mpai-server-go/internal/platform/storage"
)

// entries without expiry are stored with this sentinel
var noExpiry = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

type sqliteStore struct {
	db *gorm.DB
}

// NewSQLite builds a backend on the llm_cache_entries table.
func NewSQLite(db *gorm.DB) (Backend, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlite store requires database handle")
	}
	return &sqliteStore{db: db}, nil
}

func (s *sqliteStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var entry storage.ResponseCacheEntry
	err := s.db.WithContext(ctx).
		Where("cache_key = ? AND expires_at > ?", key, time.Now()).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return entry.Value, true, nil
}

func (s *sqliteStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	now := time.Now()
	expires := noExpiry
	if ttl > 0 {
		expires = now.Add(ttl)
	}
	entry := storage.ResponseCacheEntry{
		CacheKey:  key,
		Value:     value,
		ExpiresAt: expires,
		CreatedAt: now,
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "cache_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "expires_at", "created_at"}),
	}).Create(&entry).Error
}

func (s *sqliteStore) Delete(ctx context.Context, keys ...string) (int, error) {
	if len(keys) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("cache_key IN ?", keys).Delete(&storage.ResponseCacheEntry{})
	return int(res.RowsAffected), res.Error
}

func (s *sqliteStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	err := s.db.WithContext(ctx).
		Model(&storage.ResponseCacheEntry{}).
		Where("cache_key LIKE ? ESCAPE '\\' AND expires_at > ?", likePrefix(prefix), time.Now()).
		Order("cache_key").
		Pluck("cache_key", &keys).Error
	return keys, err
}

func (s *sqliteStore) DeleteByPrefix(ctx context.Context, prefix string) (int, error) {
	res := s.db.WithContext(ctx).
		Where("cache_key LIKE ? ESCAPE '\\'", likePrefix(prefix)).
		Delete(&storage.ResponseCacheEntry{})
	return int(res.RowsAffected), res.Error
}

// CleanupExpired removes rows past their expiry.
func (s *sqliteStore) CleanupExpired(ctx context.Context) (int, error) {
	res := s.db.WithContext(ctx).Where("expires_at <= ?", time.Now()).Delete(&storage.ResponseCacheEntry{})
	return int(res.RowsAffected), res.Error
}

func (s *sqliteStore) Close(context.Context) error {
	return nil
}

func likePrefix(prefix string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(prefix) + "%"
}
