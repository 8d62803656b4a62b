package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"forge3d/internal/bootstrap"
	"forge3d/internal/http/handlers"
	"forge3d/internal/http/httpapi"
	"forge3d/internal/infra"
)

const shutdownGrace = 15 * time.Second

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := bootstrap.Build(ctx, cfg, logger, bootstrap.Options{ServeSockets: true, WatchSecrets: true})
	if err != nil {
		logger.Fatal().Err(err).Msg("api: bootstrap failed")
	}

	app := handlers.NewApp(rt.Service, rt.Registry, &logger)
	app.Checks["database"] = rt.PingDB
	app.Checks["redis"] = rt.PingRedis

	router := httpapi.NewRouter(app, httpapi.Options{
		Logger:          logger,
		JWTSecret:       cfg.JWTSecret,
		AllowedOrigins:  cfg.AllowedOrigins,
		DefaultLocale:   cfg.DefaultLocale,
		RateLimitPerMin: cfg.RateLimitPerMin,
	})

	server := infra.NewHTTPServer(cfg, router)
	if err := server.Listen(); err != nil {
		rt.Close()
		logger.Fatal().Err(err).Msg("api: listen failed")
	}
	logger.Info().Str("addr", server.Addr()).Msg("api: listening")
	rt.NotifyReady()

	// Jobs left in flight by a previous process are picked up while serving.
	go func() {
		if err := rt.StartRecovery(ctx); err != nil {
			logger.Error().Err(err).Msg("api: recovery schedule rejected")
		}
	}()

	if err := server.Run(ctx, shutdownGrace); err != nil {
		logger.Error().Err(err).Msg("api: http server failed")
	}
	stop()
	rt.NotifyStopping()
	rt.Close()
	logger.Info().Msg("api: stopped")
}
