package bilibili

import (
	"fmt"
	"strings"

	"github.com/liuran001/PlaybackResolver-Go/player/config"
	logpkg "github.com/liuran001/PlaybackResolver-Go/player/logger"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
	platformplugins "github.com/liuran001/PlaybackResolver-Go/player/platform/plugins"
)

func init() {
	if err := platformplugins.Register("bilibili", buildContribution); err != nil {
		panic(err)
	}
}

func buildContribution(cfg *config.Config, logger *logpkg.Logger) (*platformplugins.Contribution, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}

	quality := platform.QualityHigh
	if raw := cfg.GetPluginString("bilibili", "quality"); raw != "" {
		parsed, err := platform.ParseQuality(raw)
		if err != nil {
			return nil, fmt.Errorf("bilibili: %w", err)
		}
		quality = parsed
	}

	rateLimit := cfg.GetPluginInt("bilibili", "rate_limit")
	if rateLimit == 0 {
		rateLimit = 5
	}

	client := New(logger.With("plugin", "bilibili"), Options{
		Cookie:    strings.Trim(cfg.GetPluginString("bilibili", "cookie"), "`\"'"),
		RateLimit: float64(rateLimit),
	})

	return &platformplugins.Contribution{Source: NewSource(client, quality)}, nil
}
