// MCP Multi-Agent Orchestrator: a single MCP server face over a fleet
// of containerized agents.
//
// It provides:
//   - JSON-RPC 2.0 MCP endpoint (initialize, tools/list, tools/call, ping)
//   - Rootless Docker discovery of label-marked agent containers
//   - An aggregated tool index with first-wins collision handling
//   - Per-agent circuit breakers, timeouts and health tracking
//   - A persistent registry of agents, tools and errors

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/toolmesh/orchestrator/internal/config"
	"github.com/toolmesh/orchestrator/pkg/server"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg)

	log.Info().Str("version", cfg.Version).Msg("🚀 MCP orchestrator starting...")

	ctx := context.Background()
	srv, err := server.NewWithConfig(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize orchestrator")
	}

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      srv.Handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown: stop scanning first so no new agents appear
	// while the listener drains.
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info().Msg("🛑 Shutting down gracefully...")
		srv.Discovery.Stop()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("HTTP drain did not finish cleanly")
		}
	}()

	log.Info().
		Str("host", cfg.Host).
		Int("port", cfg.Port).
		Msg("🔌 MCP endpoint ready at /mcp")

	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatal().Err(err).Msg("Server failed")
	}

	if err := srv.Registry.Close(); err != nil {
		log.Warn().Err(err).Msg("Registry close failed")
	}
	if err := srv.ShutdownFunc(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Telemetry shutdown failed")
	}
	log.Info().Msg("Orchestrator stopped")
}

// setupLogging configures zerolog from the environment: human-readable
// console output everywhere except production, which emits plain JSON.
func setupLogging(cfg *config.Config) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if cfg.Env != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.LogLevel))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
