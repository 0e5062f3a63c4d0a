package platform

import (
	"fmt"
	"strings"
)

// Quality represents the audio quality level of a stream.
type Quality int

const (
	// QualityStandard represents standard quality audio (typically 128-192 kbps).
	QualityStandard Quality = iota

	// QualityHigh represents high quality audio (typically 256-320 kbps).
	QualityHigh

	// QualityLossless represents lossless quality audio (typically FLAC).
	QualityLossless

	// QualityHiRes represents high-resolution audio.
	QualityHiRes
)

// String returns the string representation of the Quality enum.
func (q Quality) String() string {
	switch q {
	case QualityStandard:
		return "standard"
	case QualityHigh:
		return "high"
	case QualityLossless:
		return "lossless"
	case QualityHiRes:
		return "hires"
	default:
		return "unknown"
	}
}

// ParseQuality converts a string to Quality.
func ParseQuality(s string) (Quality, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "standard":
		return QualityStandard, nil
	case "high":
		return QualityHigh, nil
	case "lossless":
		return QualityLossless, nil
	case "hires":
		return QualityHiRes, nil
	default:
		return QualityStandard, fmt.Errorf("unknown quality level: %s", s)
	}
}

// QualityFromBandwidth buckets a stream bandwidth in bits per second.
func QualityFromBandwidth(bandwidth int) Quality {
	switch {
	case bandwidth >= 900_000:
		return QualityLossless
	case bandwidth >= 190_000:
		return QualityHigh
	default:
		return QualityStandard
	}
}
