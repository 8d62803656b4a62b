package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"forge3d/internal/bootstrap"
	"forge3d/internal/infra"
)

// The worker owns recovery and the scheduled sweep without serving HTTP.
// Events it emits reach API instances through the Redis relay.
func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{WatchSecrets: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("worker: bootstrap failed")
	}

	if err := rt.StartRecovery(ctx); err != nil {
		stop()
		rt.Close()
		logger.Fatal().Err(err).Msg("worker: recovery schedule rejected")
	}
	rt.NotifyReady()
	logger.Info().Msg("worker: running")

	<-ctx.Done()
	rt.NotifyStopping()
	logger.Info().Msg("worker: draining poll loops")
	rt.Close()
	logger.Info().Msg("worker: stopped")
}
