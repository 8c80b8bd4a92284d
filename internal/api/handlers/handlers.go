// Package handlers implements the HTTP handlers for the orchestrator
// front-end: the /mcp JSON-RPC endpoint plus the health, status and version
// introspection routes.
package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"runtime"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/orchestrator/internal/config"
	"github.com/toolmesh/orchestrator/internal/hardening"
	"github.com/toolmesh/orchestrator/internal/orchestrator"
	"github.com/toolmesh/orchestrator/internal/validator"
	"github.com/toolmesh/orchestrator/pkg/models"
)

// StatsSource exposes diagnostic counters for the introspection routes.
type StatsSource interface {
	Stats() map[string]interface{}
}

// Handlers holds all handler dependencies.
type Handlers struct {
	Orchestrator *orchestrator.Orchestrator
	Discovery    StatsSource
	Router       StatsSource
	Hardening    StatsSource
	Config       *config.Config

	validator *validator.Validator
}

// New creates a Handlers instance. The envelope validator runs in lenient
// mode: structurally sound requests with unrecognized methods reach the
// dispatch switch, which answers method-not-found with the method name.
func New(orch *orchestrator.Orchestrator, disc, rtr, hard StatsSource, cfg *config.Config) *Handlers {
	return &Handlers{
		Orchestrator: orch,
		Discovery:    disc,
		Router:       rtr,
		Hardening:    hard,
		Config:       cfg,
		validator:    validator.NewLenient(),
	}
}

// ── MCP endpoint ─────────────────────────────────────────────

// MCPEndpoint serves JSON-RPC 2.0 over POST. Protocol failures travel as
// JSON-RPC error envelopes inside HTTP 200 responses; the request id is
// echoed whenever one was supplied, null otherwise.
func (h *Handlers) MCPEndpoint(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeRPCError(w, nil, &models.MCPError{Code: models.CodeParseError, Message: "Parse error", Data: err.Error()})
		return
	}

	var envelope interface{}
	if err := json.Unmarshal(body, &envelope); err != nil {
		writeRPCError(w, nil, &models.MCPError{Code: models.CodeParseError, Message: "Parse error", Data: err.Error()})
		return
	}

	// Capture the id before validation so even a rejected envelope gets
	// its own id echoed back.
	var id interface{}
	obj, _ := envelope.(map[string]interface{})
	if obj != nil {
		id = obj["id"]
	}

	if err := h.validator.ValidateRequest(envelope); err != nil {
		writeRPCError(w, id, &models.MCPError{Code: validator.CodeFor(err), Message: err.Error()})
		return
	}

	method := obj["method"].(string)
	params := obj["params"]

	log.Info().Str("method", method).Interface("id", id).Msg("MCP request received")

	var result interface{}
	var callErr error
	switch method {
	case models.MethodInitialize:
		result, callErr = h.Orchestrator.Initialize(r.Context(), params)
	case models.MethodListTools:
		result, callErr = h.Orchestrator.ListTools(r.Context())
	case models.MethodCallTool:
		result, callErr = h.Orchestrator.CallTool(r.Context(), params)
	case models.MethodPing:
		result = h.Orchestrator.Ping()
	default:
		callErr = &models.MCPError{Code: models.CodeMethodNotFound, Message: "Method not found: " + method}
	}

	if callErr != nil {
		writeRPCError(w, id, rpcError(callErr))
		return
	}
	writeRPCResult(w, id, result)
}

// rpcError converts a dispatch failure into a JSON-RPC error object.
// Hardened failures keep their diagnostic data; errors the agent itself
// returned keep the agent's code.
func rpcError(err error) *models.MCPError {
	var verr *validator.Error
	if errors.As(err, &verr) {
		return &models.MCPError{Code: validator.CodeFor(verr), Message: verr.Message}
	}
	var oe *hardening.OrchestratorError
	if errors.As(err, &oe) {
		return oe.RPCError()
	}
	var rpcErr *models.MCPError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	return &models.MCPError{Code: models.CodeInternalError, Message: err.Error()}
}

// ── Introspection routes ─────────────────────────────────────

// Health reports "unhealthy" while the last discovery scan failed: the
// published catalog may no longer match what is actually running.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	discovery := h.Discovery.Stats()
	status := "healthy"
	if _, scanFailed := discovery["lastScanError"]; scanFailed {
		status = "unhealthy"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":       status,
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"uptime":       h.Orchestrator.Uptime().Seconds(),
		"orchestrator": h.Orchestrator.Health(),
		"discovery":    discovery,
		"router":       h.Router.Stats(),
		"hardening":    h.Hardening.Stats(),
	})
}

func (h *Handlers) Status(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"server": map[string]interface{}{
			"host":    h.Config.Host,
			"port":    h.Config.Port,
			"uptime":  h.Orchestrator.Uptime().Seconds(),
			"version": h.Config.Version,
			"memory": map[string]interface{}{
				"heapAllocBytes": mem.HeapAlloc,
				"heapSysBytes":   mem.HeapSys,
				"numGC":          mem.NumGC,
				"goroutines":     runtime.NumGoroutine(),
			},
		},
		"orchestrator": h.Orchestrator.Health(),
		"agents":       h.Orchestrator.Agents(),
	})
}

func (h *Handlers) Version(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"service":         models.ServerName,
		"version":         h.Config.Version,
		"protocolVersion": models.MCPProtocolVersion,
		"goVersion":       runtime.Version(),
	})
}

// ── Response helpers ─────────────────────────────────────────

func writeRPCResult(w http.ResponseWriter, id, result interface{}) {
	writeRPC(w, &models.MCPResponse{Jsonrpc: models.JSONRPCVersion, Result: result, ID: id})
}

func writeRPCError(w http.ResponseWriter, id interface{}, rpcErr *models.MCPError) {
	writeRPC(w, &models.MCPResponse{Jsonrpc: models.JSONRPCVersion, Error: rpcErr, ID: id})
}

// writeRPC always answers HTTP 200: JSON-RPC failures live in the body.
func writeRPC(w http.ResponseWriter, resp *models.MCPResponse) {
	data, err := json.MarshalIndent(resp, "", "  ")
	if err != nil {
		data = []byte(`{"jsonrpc":"2.0","error":{"code":-32603,"message":"response serialization failed"},"id":null}`)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
