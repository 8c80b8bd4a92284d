// Package server assembles the orchestrator: telemetry, the agent
// registry, container discovery, the MCP router, hardening, and the
// HTTP front-end.
//
// It lives in pkg/ (not internal/) so embedders can compose the
// orchestrator into a larger process and wrap the handler with their
// own middleware:
//
//	srv, err := server.New(ctx)
//	http.ListenAndServe(":3000", srv.Handler)
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/orchestrator/internal/api"
	"github.com/toolmesh/orchestrator/internal/api/handlers"
	"github.com/toolmesh/orchestrator/internal/config"
	"github.com/toolmesh/orchestrator/internal/discovery"
	"github.com/toolmesh/orchestrator/internal/hardening"
	"github.com/toolmesh/orchestrator/internal/orchestrator"
	"github.com/toolmesh/orchestrator/internal/registry"
	"github.com/toolmesh/orchestrator/internal/router"
	"github.com/toolmesh/orchestrator/internal/telemetry"
)

// Server holds the initialized orchestrator.
type Server struct {
	// Handler is the HTTP handler with all routes and middleware.
	Handler http.Handler

	// Registry persists agent and tool state. The caller closes it
	// after the HTTP listener drains.
	Registry *registry.Registry

	// Discovery is the periodic container scanner. The caller stops it
	// before draining the listener.
	Discovery *discovery.Service

	// Orchestrator is the MCP dispatch core.
	Orchestrator *orchestrator.Orchestrator

	// Config is the effective configuration.
	Config *config.Config

	// ShutdownFunc flushes telemetry on graceful shutdown.
	ShutdownFunc func(context.Context) error
}

// New initializes every component from environment configuration.
func New(ctx context.Context) (*Server, error) {
	return NewWithConfig(ctx, config.Load())
}

// NewWithConfig initializes the orchestrator with an explicit
// configuration. Discovery scanning starts immediately; the caller owns
// the HTTP listener.
func NewWithConfig(ctx context.Context, cfg *config.Config) (*Server, error) {
	shutdown, err := telemetry.Init(cfg.Telemetry, cfg.Version)
	if err != nil {
		return nil, fmt.Errorf("init telemetry: %w", err)
	}

	reg, err := registry.New(ctx, cfg.Registry)
	if err != nil {
		return nil, fmt.Errorf("init registry: %w", err)
	}

	platform, err := discovery.NewDockerPlatform(ctx, cfg.Discovery)
	if err != nil {
		return nil, fmt.Errorf("init docker platform: %w", err)
	}
	disc := discovery.New(platform, time.Duration(cfg.Discovery.IntervalMs)*time.Millisecond)

	rtr := router.New(cfg.MCP)
	hard := hardening.New(cfg.Hardening)
	orch := orchestrator.New(reg, rtr, hard, disc)

	// Discovery events flow to the orchestrator, which owns the
	// handshake and the tool index.
	disc.OnAgentDiscovered = orch.HandleAgentDiscovered
	disc.OnAgentLost = orch.HandleAgentLost
	disc.Start(ctx)

	h := handlers.New(orch, disc, rtr, hard, cfg)

	log.Info().
		Int("scanIntervalMs", cfg.Discovery.IntervalMs).
		Int("mcpTimeoutMs", cfg.MCP.TimeoutMs).
		Msg("✅ Orchestrator components initialized")

	return &Server{
		Handler:      api.NewRouter(h),
		Registry:     reg,
		Discovery:    disc,
		Orchestrator: orch,
		Config:       cfg,
		ShutdownFunc: shutdown,
	}, nil
}
