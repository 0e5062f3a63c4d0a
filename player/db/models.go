package db

import (
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
	"gorm.io/gorm"
)

// CacheEntryModel mirrors the cache_entries schema.
type CacheEntryModel struct {
	gorm.Model
	SongID         string `gorm:"not null;uniqueIndex"`
	Source         string `gorm:"not null;default:''"`
	Path           string `gorm:"not null"`
	Format         string
	Size           int64
	LoudnessGain   *float64
	LastAccessedAt time.Time `gorm:"index"`
}

func (CacheEntryModel) TableName() string {
	return "cache_entries"
}

// ABRepeatModel stores the A-B repeat range of a song.
type ABRepeatModel struct {
	gorm.Model
	SongID string  `gorm:"not null;uniqueIndex"`
	Start  float64 `gorm:"column:range_start;not null;default:0"`
	End    float64 `gorm:"column:range_end;not null;default:1"`
}

func (ABRepeatModel) TableName() string {
	return "ab_repeats"
}

// PlayerStateModel is a small key/value table for player state such as the last position.
type PlayerStateModel struct {
	gorm.Model
	Key   string `gorm:"uniqueIndex;not null"`
	Value string
}

func (PlayerStateModel) TableName() string {
	return "player_states"
}

func toInternal(model CacheEntryModel) *player.CacheEntry {
	return &player.CacheEntry{
		SongID:         model.SongID,
		Source:         model.Source,
		Path:           model.Path,
		Format:         model.Format,
		Size:           model.Size,
		LoudnessGain:   model.LoudnessGain,
		LastAccessedAt: model.LastAccessedAt,
		CreatedAt:      model.CreatedAt,
	}
}

func toModel(entry *player.CacheEntry) *CacheEntryModel {
	if entry == nil {
		return &CacheEntryModel{}
	}
	return &CacheEntryModel{
		SongID:         entry.SongID,
		Source:         entry.Source,
		Path:           entry.Path,
		Format:         entry.Format,
		Size:           entry.Size,
		LoudnessGain:   entry.LoudnessGain,
		LastAccessedAt: entry.LastAccessedAt,
	}
}
