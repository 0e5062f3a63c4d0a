package netease

import (
	"fmt"

	"github.com/liuran001/PlaybackResolver-Go/player/config"
	logpkg "github.com/liuran001/PlaybackResolver-Go/player/logger"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
	platformplugins "github.com/liuran001/PlaybackResolver-Go/player/platform/plugins"
)

func init() {
	if err := platformplugins.Register("netease", buildContribution); err != nil {
		panic(err)
	}
}

func buildContribution(cfg *config.Config, logger *logpkg.Logger) (*platformplugins.Contribution, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config required")
	}
	musicU := cfg.GetPluginString("netease", "music_u")
	if musicU == "" {
		musicU = cfg.GetString("MUSIC_U")
	}

	quality := platform.QualityHigh
	if raw := cfg.GetPluginString("netease", "quality"); raw != "" {
		parsed, err := platform.ParseQuality(raw)
		if err != nil {
			return nil, fmt.Errorf("netease: %w", err)
		}
		quality = parsed
	}

	client := New(musicU, cfg.GetPluginBool("netease", "spoof_ip"), logger.With("plugin", "netease"))
	return &platformplugins.Contribution{Source: NewSource(client, quality)}, nil
}
