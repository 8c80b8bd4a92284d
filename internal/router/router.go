// Package router implements the JSON-RPC client side of the orchestrator.
//
// Each discovered agent exposes an MCP endpoint at <connection.url>/mcp.
// The router owns the wire protocol: it builds request envelopes, posts
// them over HTTP, retries transient transport faults, and decodes the
// agent's reply. Semantic failures (the agent returned a JSON-RPC error)
// are surfaced without retrying; circuit breaking and deadlines live one
// layer up in the hardening package.
package router

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolmesh/orchestrator/internal/config"
	"github.com/toolmesh/orchestrator/internal/validator"
	"github.com/toolmesh/orchestrator/pkg/models"
)

var tracer = otel.Tracer("mcp-orchestrator/router")

// agentReply is the wire shape of an agent's JSON-RPC response. Result
// stays raw so tool output passes through verbatim.
type agentReply struct {
	Jsonrpc string           `json:"jsonrpc"`
	Result  json.RawMessage  `json:"result"`
	Error   *models.MCPError `json:"error"`
	ID      interface{}      `json:"id"`
}

// AgentRouter sends MCP requests to individual agents.
type AgentRouter struct {
	client    *http.Client
	validator *validator.Validator

	retryAttempts int
	retryDelay    time.Duration

	// Latency tracking: agent id → rolling avg ms
	latencyMu sync.RWMutex
	latencies map[string]int64
}

// New creates an agent router from the MCP client configuration.
func New(cfg config.MCPConfig) *AgentRouter {
	attempts := cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 1
	}
	return &AgentRouter{
		client: &http.Client{
			Timeout: time.Duration(cfg.TimeoutMs) * time.Millisecond,
		},
		validator:     validator.New(),
		retryAttempts: attempts,
		retryDelay:    time.Duration(cfg.RetryDelayMs) * time.Millisecond,
		latencies:     make(map[string]int64),
	}
}

// InitializeAgent performs the MCP handshake with a newly discovered
// agent and returns its advertised server info.
func (r *AgentRouter) InitializeAgent(ctx context.Context, agent *models.Agent) (*models.InitializeResult, error) {
	params := models.InitializeParams{
		ProtocolVersion: models.MCPProtocolVersion,
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		ClientInfo: &models.Implementation{
			Name:    models.ServerName,
			Version: models.ServerVersion,
		},
	}

	raw, err := r.send(ctx, agent, models.MethodInitialize, params)
	if err != nil {
		return nil, fmt.Errorf("initialize agent %s: %w", agent.Name, err)
	}

	var result models.InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse initialize result from agent %s: %w", agent.Name, err)
	}

	if result.ProtocolVersion != "" && result.ProtocolVersion != models.MCPProtocolVersion {
		log.Debug().
			Str("agent", agent.ID).
			Str("agentVersion", result.ProtocolVersion).
			Str("ourVersion", models.MCPProtocolVersion).
			Msg("agent speaks a different protocol version")
	}
	return &result, nil
}

// GetAgentTools asks the agent for its tool list. Definitions that fail
// validation are dropped rather than failing the whole list.
func (r *AgentRouter) GetAgentTools(ctx context.Context, agent *models.Agent) ([]models.ToolDefinition, error) {
	raw, err := r.send(ctx, agent, models.MethodListTools, nil)
	if err != nil {
		return nil, fmt.Errorf("list tools on agent %s: %w", agent.Name, err)
	}

	var result models.ToolListResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("parse tool list from agent %s: %w", agent.Name, err)
	}

	tools := make([]models.ToolDefinition, 0, len(result.Tools))
	for _, tool := range result.Tools {
		if err := r.validator.ValidateToolDefinition(tool); err != nil {
			log.Warn().
				Str("agent", agent.ID).
				Str("tool", tool.Name).
				Err(err).
				Msg("Dropping invalid tool definition")
			continue
		}
		tools = append(tools, tool)
	}
	return tools, nil
}

// RouteToolCall forwards a tool invocation to the owning agent and
// returns the agent's result verbatim.
func (r *AgentRouter) RouteToolCall(ctx context.Context, agent *models.Agent, toolName string, toolArgs map[string]interface{}) (json.RawMessage, error) {
	if toolArgs == nil {
		toolArgs = map[string]interface{}{}
	}
	params := models.ToolCallParams{Name: toolName, Arguments: toolArgs}

	raw, err := r.send(ctx, agent, models.MethodCallTool, params)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

// TestAgentConnection pings the agent and reports the round trip in
// milliseconds.
func (r *AgentRouter) TestAgentConnection(ctx context.Context, agent *models.Agent) (int64, error) {
	start := time.Now()
	if _, err := r.send(ctx, agent, models.MethodPing, nil); err != nil {
		return 0, fmt.Errorf("ping agent %s: %w", agent.Name, err)
	}
	return time.Since(start).Milliseconds(), nil
}

// Stats reports per-agent rolling latency for health reporting.
func (r *AgentRouter) Stats() map[string]interface{} {
	r.latencyMu.RLock()
	defer r.latencyMu.RUnlock()

	latencies := make(map[string]int64, len(r.latencies))
	for id, ms := range r.latencies {
		latencies[id] = ms
	}
	return map[string]interface{}{
		"agentLatencyMs": latencies,
		"retryAttempts":  r.retryAttempts,
	}
}

// ── Wire ─────────────────────────────────────────────────────

// send posts one JSON-RPC request, retrying transport faults with a
// linear backoff. Each attempt is a fresh outbound request with its own
// id. Agent-level JSON-RPC errors are returned immediately: the agent
// understood the request and rejected it, so a retry would only repeat
// the answer.
func (r *AgentRouter) send(ctx context.Context, agent *models.Agent, method string, params interface{}) (json.RawMessage, error) {
	var rawParams json.RawMessage
	if params != nil {
		encoded, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		rawParams = encoded
	}

	var lastErr error
	for attempt := 1; attempt <= r.retryAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		req := models.MCPRequest{
			Jsonrpc: models.JSONRPCVersion,
			Method:  method,
			Params:  rawParams,
			ID:      models.NewRequestID(),
		}

		result, err := r.post(ctx, agent, &req)
		if err == nil {
			return result, nil
		}
		lastErr = err

		var rpcErr *models.MCPError
		if errors.As(err, &rpcErr) {
			return nil, err
		}

		log.Warn().
			Str("agent", agent.ID).
			Str("method", method).
			Int("attempt", attempt).
			Err(err).
			Msg("Agent call failed, retrying")

		if attempt < r.retryAttempts {
			select {
			case <-time.After(r.retryDelay * time.Duration(attempt)):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, lastErr
}

// post performs a single HTTP exchange with the agent.
func (r *AgentRouter) post(ctx context.Context, agent *models.Agent, req *models.MCPRequest) (result json.RawMessage, err error) {
	ctx, span := tracer.Start(ctx, "agent."+req.Method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("rpc.method", req.Method),
			attribute.String("agent.id", agent.ID),
			attribute.String("server.address", agent.Connection.Host),
		),
	)
	defer func() {
		if err != nil {
			span.SetStatus(otelcodes.Error, err.Error())
		}
		span.End()
	}()

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	url := agent.Connection.URL + "/mcp"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	start := time.Now()
	httpResp, err := r.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d: %s", httpResp.StatusCode, string(respBody))
	}

	var envelope interface{}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if err := r.validator.ValidateResponse(envelope); err != nil {
		return nil, fmt.Errorf("malformed response envelope: %w", err)
	}

	var reply agentReply
	if err := json.Unmarshal(respBody, &reply); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}

	r.trackLatency(agent.ID, time.Since(start).Milliseconds())

	if reply.Error != nil {
		return nil, reply.Error
	}
	return reply.Result, nil
}

func (r *AgentRouter) trackLatency(agentID string, ms int64) {
	r.latencyMu.Lock()
	defer r.latencyMu.Unlock()

	prev := r.latencies[agentID]
	if prev == 0 {
		r.latencies[agentID] = ms
	} else {
		// Exponential moving average
		r.latencies[agentID] = (prev*7 + ms*3) / 10
	}
}
