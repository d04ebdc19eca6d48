package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wb-go/wbf/zlog"

	"reminderd/internal/app"
	"reminderd/internal/config"
	"reminderd/internal/engine"
)

func main() {
	zlog.InitConsole()

	cfg, err := config.Load(os.Getenv("REMINDERD_ENV_FILE"))
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := zlog.SetLevel(cfg.Env); err != nil {
		zlog.Logger.Warn().Err(err).Msg("unknown log level, keeping default")
	}

	application, err := app.New(cfg)
	if err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to bootstrap")
	}
	defer application.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	scheduler := engine.NewScheduler(application.Engine)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	if err := application.Events.StartTestimonialConsumer(ctx, application.Engine); err != nil {
		zlog.Logger.Fatal().Err(err).Msg("failed to start testimonial consumer")
	}

	zlog.Logger.Info().Msg("worker started")

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	zlog.Logger.Info().Msg("worker shutting down")
}
