package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/himanishpuri/ScoreFollow/pkg/logger"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/audio"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/metrics"
	"github.com/himanishpuri/ScoreFollow/pkg/scorefollow/score"
)

func main() {
	log := logger.GetLogger()

	config, err := LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	if level, ok := logger.ParseLevel(config.LogLevel); ok {
		log.SetLevel(level)
	}

	engines, err := scorefollow.EngineByName(config.Engine, scorefollow.EngineConfig{})
	if err != nil {
		log.Fatalf("Invalid engine: %v", err)
	}

	lister := audio.CommandLister{FFmpegPath: config.FFmpegPath}
	opener := audio.NewOpener(config.UploadDir)
	opener.Lister = lister
	opener.Capture.FFmpegPath = config.FFmpegPath

	m := metrics.New()

	// Create ScoreFollow service
	service, err := scorefollow.NewService(
		scorefollow.WithDBPath(config.DBPath),
		scorefollow.WithUploadDir(config.UploadDir),
		scorefollow.WithWorkerSlots(config.WorkerSlots),
		scorefollow.WithMaxInputRetries(config.MaxInputRetries),
		scorefollow.WithRetryDelay(config.RetryDelay),
		scorefollow.WithRenderSampleRate(config.RenderSampleRate),
		scorefollow.WithConverter(score.CommandConverter{Command: config.ConverterCommand, Timeout: 2 * time.Minute}),
		scorefollow.WithEngineFactory(engines),
		scorefollow.WithInputOpener(opener),
		scorefollow.WithMetrics(m),
		scorefollow.WithLogger(log),
	)
	if err != nil {
		log.Fatalf("Failed to create service: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	server := NewServer(service, config, m, lister)
	serveErr := server.Start(ctx)

	closeCtx, cancel := context.WithTimeout(context.Background(), config.ShutdownTimeout)
	defer cancel()
	if err := service.Close(closeCtx); err != nil {
		log.Errorf("Service shutdown: %v", err)
	}

	if serveErr != nil {
		log.Fatalf("Server failed: %v", serveErr)
	}
	log.Infof("Server stopped")
}
