package platform

import "time"

// StreamInfo describes a resolved, usually time-limited, audio stream.
type StreamInfo struct {
	URL       string            `json:"url"`
	Headers   map[string]string `json:"headers,omitempty"`
	Size      int64             `json:"size"`
	Format    string            `json:"format"`
	Bitrate   int               `json:"bitrate"`
	MD5       string            `json:"md5,omitempty"`
	Quality   Quality           `json:"quality"`
	ExpiresAt *time.Time        `json:"expires_at,omitempty"`
}

// Expired reports whether the stream URL has passed its expiry at now.
// Streams without an expiry never expire by this check.
func (s *StreamInfo) Expired(now time.Time) bool {
	if s == nil || s.ExpiresAt == nil {
		return false
	}
	return !now.Before(*s.ExpiresAt)
}

// Meta describes a registered source for listings.
type Meta struct {
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name"`
	Aliases     []string `json:"aliases,omitempty"`
	Heartbeat   bool     `json:"heartbeat"`
}

// MetadataProvider is implemented by sources that describe themselves.
type MetadataProvider interface {
	Metadata() Meta
}
