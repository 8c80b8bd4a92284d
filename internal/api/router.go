package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/toolmesh/orchestrator/internal/api/handlers"
	"github.com/toolmesh/orchestrator/internal/api/middleware"
)

// NewRouter creates the HTTP router with all API routes. Non-POST requests
// to /mcp get chi's default 405; CORS preflights answer 200.
func NewRouter(h *handlers.Handlers) http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logger)
	r.Use(middleware.Telemetry)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"POST", "GET", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	// MCP protocol endpoint
	r.Post("/mcp", h.MCPEndpoint)

	// Introspection
	r.Get("/health", h.Health)
	r.Get("/status", h.Status)
	r.Get("/version", h.Version)

	return r
}
