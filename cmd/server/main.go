package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/c50bossio/hybrid-payments/internal/app"
	"github.com/c50bossio/hybrid-payments/internal/config"
	"github.com/c50bossio/hybrid-payments/internal/database"
	"github.com/c50bossio/hybrid-payments/internal/handler"
	"github.com/c50bossio/hybrid-payments/internal/worker"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	cfg := config.Load()
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	gin.SetMode(cfg.GinMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.AutoMigrate && cfg.StoreDriver == app.DriverPostgres {
		if err := database.RunMigrations(cfg.DatabaseURL()); err != nil {
			log.Fatal().Err(err).Msg("failed to run migrations")
		}
	}

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	a, err := app.New(startCtx, cfg)
	cancel()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to start")
	}
	defer a.Close()

	if cfg.AutoMigrate && a.Pool != nil {
		if err := database.SeedData(ctx, a.Pool, a.Fees); err != nil {
			log.Fatal().Err(err).Msg("failed to seed data")
		}
	}
	if cfg.JWTSecret == "" {
		log.Warn().Msg("JWT_SECRET not set; API authentication is disabled")
	}

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler.NewRouter(a.Handlers(), cfg.JWTSecret),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return worker.NewRunner(a.Jobs(gctx)...).Run(gctx)
	})
	g.Go(func() error {
		log.Info().Str("port", cfg.Port).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("shutting down server")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("server stopped with error")
	}
	log.Info().Msg("server exited")
}
