package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/liuran001/PlaybackResolver-Go/player/app"
)

var (
	versionName = ""
	commitSHA   = ""
	buildTime   = ""
)

func main() {
	configPath := flag.String("c", "config.ini", "config file")
	queuePath := flag.String("queue", "queue.json", "JSON file with the songs to play")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	buildInfo := app.BuildInfo{
		RuntimeVer: runtime.Version(),
		BinVersion: versionName,
		CommitSHA:  commitSHA,
		BuildTime:  buildTime,
		BuildArch:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}

	songs, err := app.LoadQueue(*queuePath)
	if err != nil {
		panic(err)
	}

	application, err := app.New(ctx, *configPath, songs, buildInfo)
	if err != nil {
		panic(err)
	}

	if err := application.Start(ctx); err != nil {
		panic(err)
	}

	if sec := application.Config.GetInt("AdvanceIntervalSec"); sec > 0 {
		go advance(ctx, application, time.Duration(sec)*time.Second)
	}

	<-ctx.Done()
	shutdownCtx, stop := context.WithTimeout(context.Background(), 30*time.Second)
	defer stop()
	_ = application.Shutdown(shutdownCtx)
}

// advance drives the engine clock so tracks end and the queue moves on.
func advance(ctx context.Context, application *app.App, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := application.Engine.Advance(ctx, interval); err != nil {
				application.Logger.Warn("advance playback failed", "error", err)
			}
		}
	}
}
