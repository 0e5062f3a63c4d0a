package db

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/liuran001/PlaybackResolver-Go/player"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"
)

const lastPositionKey = "last_position_ms"

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = gorm.ErrRecordNotFound

// Repository provides access to the media cache index and persisted player state.
type Repository struct {
	db *gorm.DB
}

// NewSQLiteRepository creates a repository backed by SQLite.
func NewSQLiteRepository(dsn string, gormLogger logger.Interface) (*Repository, error) {
	if dsn == "" {
		return nil, fmt.Errorf("dsn required")
	}

	if gormLogger == nil {
		gormLogger = logger.Default.LogMode(logger.Silent)
	}

	dbDir := filepath.Dir(dsn)
	if dbDir != "" && dbDir != "." && !strings.HasPrefix(dsn, "file:") {
		if err := os.MkdirAll(dbDir, 0755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 gormLogger,
	})
	if err != nil {
		return nil, err
	}

	if err := applySQLitePragmas(db); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(&CacheEntryModel{}, &ABRepeatModel{}, &PlayerStateModel{}); err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)

	return &Repository{db: db}, nil
}

// ConfigurePool updates the database connection pool settings.
func (r *Repository) ConfigurePool(maxOpen, maxIdle int, maxLifetime time.Duration) error {
	if r == nil || r.db == nil {
		return errors.New("repository not configured")
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if maxOpen >= 0 {
		sqlDB.SetMaxOpenConns(maxOpen)
	}
	if maxIdle >= 0 {
		sqlDB.SetMaxIdleConns(maxIdle)
	}
	if maxLifetime >= 0 {
		sqlDB.SetConnMaxLifetime(maxLifetime)
	}
	return nil
}

// FindBySongID returns the cache entry of a song. Returns ErrNotFound when absent.
func (r *Repository) FindBySongID(ctx context.Context, songID string) (*player.CacheEntry, error) {
	var model CacheEntryModel
	err := r.db.WithContext(ctx).Where("song_id = ?", songID).First(&model).Error
	if err != nil {
		return nil, err
	}
	return toInternal(model), nil
}

// Upsert inserts or replaces the cache entry for entry.SongID.
func (r *Repository) Upsert(ctx context.Context, entry *player.CacheEntry) error {
	if entry == nil || entry.SongID == "" {
		return errors.New("song id required")
	}
	if entry.LastAccessedAt.IsZero() {
		entry.LastAccessedAt = time.Now()
	}
	model := toModel(entry)
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "song_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"deleted_at",
			"updated_at",
			"source",
			"path",
			"format",
			"size",
			"loudness_gain",
			"last_accessed_at",
		}),
	}).Create(model).Error
}

// Touch marks a cache entry as used now.
func (r *Repository) Touch(ctx context.Context, songID string) error {
	return r.db.WithContext(ctx).Model(&CacheEntryModel{}).
		Where("song_id = ?", songID).
		UpdateColumn("last_accessed_at", time.Now()).Error
}

// SetGain stores the loudness gain of a cached song.
func (r *Repository) SetGain(ctx context.Context, songID string, gain float64) error {
	res := r.db.WithContext(ctx).Model(&CacheEntryModel{}).
		Where("song_id = ?", songID).
		UpdateColumn("loudness_gain", gain)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the cache entry of a song.
func (r *Repository) Delete(ctx context.Context, songID string) error {
	return r.db.WithContext(ctx).Unscoped().Delete(&CacheEntryModel{}, "song_id = ?", songID).Error
}

// Count returns the number of cached songs.
func (r *Repository) Count(ctx context.Context) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&CacheEntryModel{}).Count(&count).Error
	return count, err
}

// LeastRecentlyUsed returns up to limit entries, oldest access first.
func (r *Repository) LeastRecentlyUsed(ctx context.Context, limit int) ([]*player.CacheEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	var models []CacheEntryModel
	err := r.db.WithContext(ctx).
		Order("last_accessed_at ASC").
		Order("id ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	entries := make([]*player.CacheEntry, 0, len(models))
	for _, model := range models {
		entries = append(entries, toInternal(model))
	}
	return entries, nil
}

// ABRepeat returns the repeat range of a song, or the full range when none is stored.
func (r *Repository) ABRepeat(ctx context.Context, songID string) (start, end float64, err error) {
	var model ABRepeatModel
	err = r.db.WithContext(ctx).Where("song_id = ?", songID).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, 1, nil
	}
	if err != nil {
		return 0, 1, err
	}
	return model.Start, model.End, nil
}

// SetABRepeat stores the repeat range of a song. Values are clamped to [0, 1].
func (r *Repository) SetABRepeat(ctx context.Context, songID string, start, end float64) error {
	start, end = clampFraction(start), clampFraction(end)
	if start > end {
		return fmt.Errorf("invalid repeat range [%v, %v]", start, end)
	}
	model := &ABRepeatModel{SongID: songID, Start: start, End: end}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "song_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"deleted_at", "updated_at", "range_start", "range_end"}),
	}).Create(model).Error
}

// SaveLastPosition persists the position of the current track.
func (r *Repository) SaveLastPosition(ctx context.Context, position time.Duration) error {
	return r.setState(ctx, lastPositionKey, strconv.FormatInt(position.Milliseconds(), 10))
}

// LastPosition returns the persisted track position, zero when none was saved.
func (r *Repository) LastPosition(ctx context.Context) (time.Duration, error) {
	value, err := r.state(ctx, lastPositionKey)
	if err != nil || value == "" {
		return 0, err
	}
	ms, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse last position: %w", err)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

func (r *Repository) state(ctx context.Context, key string) (string, error) {
	var model PlayerStateModel
	err := r.db.WithContext(ctx).Where("key = ?", key).First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return model.Value, nil
}

func (r *Repository) setState(ctx context.Context, key, value string) error {
	model := &PlayerStateModel{Key: key, Value: value}
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "key"}},
		DoUpdates: clause.AssignmentColumns([]string{"updated_at", "value"}),
	}).Create(model).Error
}

func clampFraction(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}

func applySQLitePragmas(db *gorm.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA cache_size=-64000;",
		"PRAGMA foreign_keys=ON;",
	}
	for _, stmt := range pragmas {
		if err := db.Exec(stmt).Error; err != nil {
			return err
		}
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r == nil || r.db == nil {
		return nil
	}
	sqlDB, err := r.db.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	return sqlDB.Close()
}
