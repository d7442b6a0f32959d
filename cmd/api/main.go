package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"loom/api/internal/app"
	"loom/api/internal/config"
	"loom/api/internal/identity"
	"loom/api/internal/middleware"
	"loom/api/internal/realtime"
	"loom/api/internal/store"
)

func main() {
	cfg := config.Load()
	ctx := context.Background()

	log := newLogger(cfg.Env)

	db, err := store.Open(ctx, cfg.DatabaseURL, cfg.DBMaxOpenConns)
	if err != nil {
		log.Fatal().Err(err).Msg("database connection failed")
	}
	defer db.Close()

	if err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir); err != nil {
		log.Fatal().Err(err).Msg("migrations failed")
	}

	dataStore := store.NewPostgresStore(db)
	provider := identity.NewProvider(cfg.IdentityProviderURL, cfg.IdentityProviderKey)
	if !provider.Configured() {
		log.Warn().Msg("identity provider not configured, profile enrichment disabled")
	}

	var publisher realtime.Publisher = realtime.NopPublisher{}
	var bridge *realtime.Bridge
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisPublisher, err := realtime.NewRedisPublisher(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("redis connection failed")
		}
		defer redisPublisher.Close()
		publisher = redisPublisher
		bridge = realtime.NewBridge(redisPublisher.Client(), log)
	} else {
		log.Warn().Msg("redis not configured, fan-out disabled")
	}

	limiter := middleware.NewLimiterStore(cfg.RateLimitPerMinute, cfg.RateLimitBurst, 5*time.Minute)
	defer limiter.Stop()

	service := app.New(cfg, dataStore, provider, publisher, log)
	httpServer := app.NewHTTPServer(service, bridge, limiter, cfg.CORSOrigin, log)

	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info().Str("addr", cfg.Addr).Msg("loom api listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server failed")
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("shutdown error")
	}
}

func newLogger(env string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if env == "dev" {
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(cw).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
