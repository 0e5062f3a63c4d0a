package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player"
	"github.com/liuran001/PlaybackResolver-Go/player/cache"
	"github.com/liuran001/PlaybackResolver-Go/player/config"
	"github.com/liuran001/PlaybackResolver-Go/player/db"
	"github.com/liuran001/PlaybackResolver-Go/player/download"
	"github.com/liuran001/PlaybackResolver-Go/player/engine"
	logpkg "github.com/liuran001/PlaybackResolver-Go/player/logger"
	"github.com/liuran001/PlaybackResolver-Go/player/orchestrator"
	"github.com/liuran001/PlaybackResolver-Go/player/platform"
	platformplugins "github.com/liuran001/PlaybackResolver-Go/player/platform/plugins"
	"github.com/liuran001/PlaybackResolver-Go/player/queue"
	"github.com/liuran001/PlaybackResolver-Go/player/resolver"
	"github.com/liuran001/PlaybackResolver-Go/player/worker"
)

// App wires all application dependencies.
type App struct {
	Config       *config.Config
	Logger       *logpkg.Logger
	DB           *db.Repository
	Pool         *worker.Pool
	Sources      platform.Manager
	Cache        *cache.MediaCache
	Resolver     *resolver.Resolver
	Queue        *queue.List
	Engine       *engine.Engine
	Orchestrator *orchestrator.Orchestrator
	Build        BuildInfo

	closers []func() error
}

// BuildInfo provides build-time metadata.
type BuildInfo struct {
	RuntimeVer string
	BinVersion string
	CommitSHA  string
	BuildTime  string
	BuildArch  string
}

// New builds the application container around songs.
func New(ctx context.Context, configPath string, songs []*player.Song, build BuildInfo) (*App, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	log, err := logpkg.New(logpkg.Options{
		Level:      conf.GetString("LogLevel"),
		Format:     conf.GetString("LogFormat"),
		AddSource:  conf.GetBool("LogSource"),
		File:       conf.GetString("LogFile"),
		MaxSizeMB:  conf.GetInt("LogMaxSizeMB"),
		MaxBackups: conf.GetInt("LogMaxBackups"),
		MaxAgeDays: conf.GetInt("LogMaxAgeDays"),
	})
	if err != nil {
		return nil, err
	}

	gormLogger := logpkg.NewGormLogger(log.Slog(), logpkg.ParseGormLevel(conf.GetString("GormLogLevel")))
	databasePath := conf.GetString("Database")
	if strings.TrimSpace(databasePath) == "" {
		databasePath = "cache.db"
	}

	repo, err := db.NewSQLiteRepository(databasePath, gormLogger)
	if err != nil {
		return nil, fmt.Errorf("init db: %w", err)
	}
	poolMaxOpen := conf.GetInt("DBMaxOpenConns")
	poolMaxIdle := conf.GetInt("DBMaxIdleConns")
	poolMaxLifetimeSec := conf.GetInt("DBConnMaxLifetimeSec")
	if err := repo.ConfigurePool(poolMaxOpen, poolMaxIdle, time.Duration(poolMaxLifetimeSec)*time.Second); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("configure db pool: %w", err)
	}

	sources := platform.NewManager()
	closers, err := platformplugins.Build(conf, log, sources)
	if err != nil {
		_ = repo.Close()
		return nil, err
	}
	log.Info("sources registered", "sources", sources.List())

	cacheDir := strings.TrimSpace(conf.GetString("CacheDir"))
	if cacheDir == "" {
		cacheDir = "./cache"
	}
	downloadService := download.NewDownloadService(download.DownloadServiceOptions{
		Timeout:  time.Duration(conf.GetInt("DownloadTimeout")) * time.Second,
		CheckMD5: conf.GetBool("CheckMD5"),
	})
	mediaCache := cache.New(repo, downloadService, cacheDir, conf, log.With("component", "cache"))
	songResolver := resolver.New(mediaCache, sources, log.With("component", "resolver"))

	playMode := player.ParsePlayMode(conf.GetString("PlayMode"))
	playing := queue.New(songs, playMode)
	eng := engine.New(playing, log.With("component", "engine"))

	pool := worker.New(conf.GetInt("WorkerPoolSize"))

	orch, err := orchestrator.New(orchestrator.Options{
		Engine:               eng,
		Queue:                playing,
		Resolver:             songResolver,
		Cache:                mediaCache,
		Heartbeats:           sources,
		Store:                repo,
		Pool:                 pool,
		Settings:             conf,
		Session:              orchestrator.NewSession(),
		Logger:               log.With("component", "orchestrator"),
		RefreshWindow:        conf.RefreshWindow(),
		PrefetchMinCacheSize: conf.GetInt("PrefetchMinCacheSize"),
		Heartbeat:            conf.GetBool("Heartbeat"),
	})
	if err != nil {
		_ = repo.Close()
		return nil, err
	}

	return &App{
		Config:       conf,
		Logger:       log,
		DB:           repo,
		Pool:         pool,
		Sources:      sources,
		Cache:        mediaCache,
		Resolver:     songResolver,
		Queue:        playing,
		Engine:       eng,
		Orchestrator: orch,
		Build:        build,
		closers:      closers,
	}, nil
}

// Start subscribes the orchestrator and starts playing the first queued song.
func (a *App) Start(ctx context.Context) error {
	if err := a.Orchestrator.Start(ctx); err != nil {
		return err
	}
	if err := a.Engine.SetRepeatMode(ctx, repeatModeFor(a.Queue.PlayMode())); err != nil {
		return err
	}
	if a.Queue.Len() == 0 {
		a.Logger.Warn("queue is empty, nothing to play")
		return nil
	}
	first, _ := a.Queue.Next(nil)
	if err := a.Engine.Skip(ctx, a.Queue.IndexOf(first.ID)); err != nil {
		return fmt.Errorf("start playback: %w", err)
	}
	return a.Engine.Play(ctx)
}

// Shutdown releases resources.
func (a *App) Shutdown(ctx context.Context) error {
	var firstErr error
	record := func(what string, err error) {
		if err == nil {
			return
		}
		if a.Logger != nil {
			a.Logger.Error("shutdown step failed", "step", what, "error", err)
		}
		if firstErr == nil {
			firstErr = fmt.Errorf("%s: %w", what, err)
		}
	}

	if a.Orchestrator != nil {
		record("stop orchestrator", a.Orchestrator.Stop(ctx))
	}
	if a.Pool != nil {
		record("shutdown worker pool", a.Pool.Shutdown(ctx))
	}
	var closeErrs []error
	for _, closeFn := range a.closers {
		closeErrs = append(closeErrs, closeFn())
	}
	record("close plugins", errors.Join(closeErrs...))
	if a.DB != nil {
		record("close database", a.DB.Close())
	}
	if a.Logger != nil {
		if err := a.Logger.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("close logger: %w", err)
		}
	}
	return firstErr
}

func repeatModeFor(mode player.PlayMode) player.RepeatMode {
	switch mode {
	case player.PlayModeRepeatTrack:
		return player.RepeatTrack
	case player.PlayModeRepeatList, player.PlayModeShuffle:
		return player.RepeatQueue
	default:
		return player.RepeatOff
	}
}
