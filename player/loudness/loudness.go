// Package loudness reads loudness-normalization gain from cached media files.
//
// Only local files are inspected. Gain values are expressed in dB relative to the
// ReplayGain reference level.
package loudness

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bogem/id3v2"
	"github.com/go-flac/flacvorbis"
	"github.com/go-flac/go-flac"
	"go.senan.xyz/taglib"
)

const (
	tagReplayGain = "REPLAYGAIN_TRACK_GAIN"
	tagR128Gain   = "R128_TRACK_GAIN"

	// R128 gains target -23 LUFS, ReplayGain targets -18 LUFS.
	r128ToReplayGain = 5.0
)

// ReadGain returns the track gain stored in the file at path.
// ok is false when the file carries no gain tag.
func ReadGain(path string) (gain float64, ok bool, err error) {
	if _, err := os.Stat(path); err != nil {
		return 0, false, err
	}

	var tags map[string]string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".mp3":
		tags, err = readID3(path)
	case ".flac":
		tags, err = readVorbis(path)
	default:
		tags, err = readTaglib(path)
	}
	if err != nil {
		return 0, false, err
	}
	return gainFromTags(tags)
}

func gainFromTags(tags map[string]string) (float64, bool, error) {
	if raw, ok := tags[tagReplayGain]; ok {
		gain, err := ParseReplayGain(raw)
		if err != nil {
			return 0, false, err
		}
		return gain, true, nil
	}
	if raw, ok := tags[tagR128Gain]; ok {
		gain, err := ParseR128Gain(raw)
		if err != nil {
			return 0, false, err
		}
		return gain + r128ToReplayGain, true, nil
	}
	return 0, false, nil
}

// ParseReplayGain parses values such as "-6.20 dB".
func ParseReplayGain(raw string) (float64, error) {
	value := strings.TrimSpace(raw)
	value = strings.TrimSpace(strings.TrimSuffix(strings.TrimSuffix(value, "dB"), "db"))
	gain, err := strconv.ParseFloat(value, 64)
	if err != nil {
		return 0, fmt.Errorf("parse replaygain %q: %w", raw, err)
	}
	return gain, nil
}

// ParseR128Gain parses a Q7.8 fixed point R128 gain into dB.
func ParseR128Gain(raw string) (float64, error) {
	q, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("parse r128 gain %q: %w", raw, err)
	}
	return float64(q) / 256, nil
}

func readID3(path string) (map[string]string, error) {
	tag, err := id3v2.Open(path, id3v2.Options{Parse: true})
	if err != nil {
		return nil, err
	}
	defer tag.Close()

	tags := make(map[string]string)
	for _, framer := range tag.GetFrames(tag.CommonID("User defined text information frame")) {
		frame, ok := framer.(id3v2.UserDefinedTextFrame)
		if !ok {
			continue
		}
		tags[strings.ToUpper(strings.TrimSpace(frame.Description))] = frame.Value
	}
	return tags, nil
}

func readVorbis(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	parsed, err := flac.ParseMetadata(file)
	if err != nil {
		return nil, err
	}

	tags := make(map[string]string)
	for _, meta := range parsed.Meta {
		if meta.Type != flac.VorbisComment {
			continue
		}
		cmt, err := flacvorbis.ParseFromMetaDataBlock(*meta)
		if err != nil {
			return nil, err
		}
		for _, comment := range cmt.Comments {
			key, value, ok := strings.Cut(comment, "=")
			if ok {
				tags[strings.ToUpper(key)] = value
			}
		}
	}
	return tags, nil
}

func readTaglib(path string) (map[string]string, error) {
	raw, err := taglib.ReadTags(path)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]string, len(raw))
	for key, values := range raw {
		if len(values) > 0 {
			tags[strings.ToUpper(key)] = values[0]
		}
	}
	return tags, nil
}

// IsNotExist reports whether err means the file is missing.
func IsNotExist(err error) bool {
	return errors.Is(err, os.ErrNotExist)
}
