package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/schooltrack/collabhub/internal/adapters/http"
	"github.com/schooltrack/collabhub/internal/app"
	"github.com/schooltrack/collabhub/internal/config"
	"github.com/schooltrack/collabhub/internal/core"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Initialize zerolog global logger early so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	// Human-friendly output for terminal; in production you may want JSON only.
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	dupPolicy, err := app.ParseDuplicateJoinPolicy(cfg.DuplicateJoinPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid duplicate_join_policy")
	}

	hub := &app.Hub{
		Registry: app.NewRegistry(),
		Rooms:    core.NewRoomManager(cfg.ChatHistory),
		Policy:   app.DropFramePolicy{},
		Opts: app.Options{
			DuplicateJoin: dupPolicy,
			TypingExpiry:  cfg.TypingExpiry,
			LockExpiry:    cfg.LockExpiry,
		},
	}

	supervisor := &app.Supervisor{
		Hub:         hub,
		IdleTimeout: cfg.IdleTimeout,
		WarningLead: cfg.IdleWarningLead,
		Interval:    cfg.IdleSweepInterval,
	}
	go supervisor.Run(ctx)
	go hub.RunSweeper(ctx, cfg.TypingExpiry)

	r := router.SetupRouter(ctx, cfg, hub)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("collab hub started")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("server error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	for _, e := range hub.Registry.Snapshot() {
		hub.Disconnect(e.Conn, core.ReasonShutdown)
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Msg("Server exited gracefully")
}
