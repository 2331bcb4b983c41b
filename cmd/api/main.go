package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"chiffrage-backend/internal/application/events"
	"chiffrage-backend/internal/config"
	"chiffrage-backend/internal/infrastructure/database"
	"chiffrage-backend/internal/interfaces/router"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.Env != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("config load")
	}
	setupLogger(cfg)

	app, err := router.CreateApp(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("app create")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if app.DB != nil {
		if err := database.AutoMigrate(app.DB); err != nil {
			log.Fatal().Err(err).Msg("database migration failed")
		}
		log.Info().Bool("postgres", database.IsPostgres(app.DB)).Msg("database connected")
	}
	if app.Rdb != nil {
		if err := app.Rdb.Ping(ctx).Err(); err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		log.Info().Msg("redis connected")
	}
	if app.Events != nil && app.DB != nil {
		worker := &events.Worker{Queue: app.Events, DB: app.DB}
		go func() {
			if err := worker.Run(ctx); err != nil {
				log.Error().Err(err).Msg("events worker stopped")
			}
		}()
	}

	go func() {
		<-ctx.Done()
		if err := app.Fiber.ShutdownWithTimeout(10 * time.Second); err != nil {
			log.Error().Err(err).Msg("shutdown")
		}
	}()

	log.Info().Str("port", cfg.Port).Msgf("server running, health check at http://localhost:%s/health/json", cfg.Port)
	if err := app.Fiber.Listen(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
}
