package app

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
)

type queueItem struct {
	ID          string `json:"id"`
	Source      string `json:"source"`
	BVID        string `json:"bvid"`
	Name        string `json:"name"`
	Singer      string `json:"singer"`
	Album       string `json:"album"`
	Cover       string `json:"cover"`
	Page        int    `json:"page"`
	URL         string `json:"url"`
	DurationSec int    `json:"duration_sec"`
}

// LoadQueue reads a JSON array of songs. Songs without a source are treated as
// bilibili videos when they carry a bvid and as netease tracks otherwise.
func LoadQueue(path string) ([]*player.Song, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read queue: %w", err)
	}
	var items []queueItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parse queue: %w", err)
	}

	songs := make([]*player.Song, 0, len(items))
	for i, item := range items {
		id := strings.TrimSpace(item.ID)
		if id == "" {
			return nil, fmt.Errorf("queue item %d: id required", i)
		}
		source := strings.ToLower(strings.TrimSpace(item.Source))
		if source == "" {
			source = "netease"
			if item.BVID != "" {
				source = "bilibili"
			}
		}
		songs = append(songs, &player.Song{
			ID:       id,
			Source:   source,
			BVID:     item.BVID,
			Name:     item.Name,
			Singer:   item.Singer,
			Album:    item.Album,
			Cover:    item.Cover,
			Page:     item.Page,
			URL:      item.URL,
			Duration: time.Duration(item.DurationSec) * time.Second,
		})
	}
	return songs, nil
}
