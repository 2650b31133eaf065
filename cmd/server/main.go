package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/huddle/internal/adapters/http"
	"github.com/dkeye/huddle/internal/adapters/ws"
	"github.com/dkeye/huddle/internal/app"
	"github.com/dkeye/huddle/internal/config"
	"github.com/dkeye/huddle/internal/fanout"
	"github.com/dkeye/huddle/internal/hub"
	"github.com/dkeye/huddle/internal/store"
	"github.com/dkeye/huddle/internal/sweep"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	// Every process gets a distinct identity even when configs match.
	serverID := fmt.Sprintf("%s-%s", cfg.ServerID, uuid.NewString()[:8])

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	st := store.New(client, cfg.RoomTTL, cfg.RecentLimit)
	if err := st.Ping(ctx, 5*time.Second); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("redis unreachable")
	}
	log.Info().Str("addr", cfg.RedisAddr).Msg("redis connected")

	bc := fanout.NewBroadcaster(client, serverID)
	h := hub.New(bc)
	svc := app.NewService(st, bc, serverID, cfg.BaseURL, cfg.StaleThreshold, cfg.GraceWindow)

	limiter := ws.NewSourceRateLimiter(cfg.RateLimitMax, cfg.RateLimitWindow)
	wsCtl := ws.NewController(ctx, svc, h, limiter, cfg.HeartbeatInterval, serverID)
	bc.SetSink(wsCtl)
	go bc.Run(ctx)

	sweeper := sweep.New(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}, svc, cfg.SweepInterval)
	if err := sweeper.Start(); err != nil {
		log.Fatal().Err(err).Msg("failed to start sweeper")
	}

	handlers := router.NewHandlers(svc, st, h, serverID)
	r := router.SetupRouter(cfg, handlers, wsCtl, limiter)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Str("server_id", serverID).Msg("huddle server started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	sweeper.Shutdown()
	log.Info().Msg("Server exited gracefully")
}
