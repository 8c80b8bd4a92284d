// Package models defines the MCP wire protocol types and the orchestrator's
// domain model: agents, tools, plugins, and per-agent health records.
package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ── JSON-RPC / MCP Constants ─────────────────────────────────

const (
	// JSONRPCVersion is the only protocol version accepted on the wire.
	JSONRPCVersion = "2.0"

	// MCPProtocolVersion is the MCP revision spoken with agents and clients.
	MCPProtocolVersion = "2024-11-05"

	// ServerName and ServerVersion identify the orchestrator in
	// initialize handshakes, both as server (to clients) and as
	// clientInfo (to agents).
	ServerName    = "mcp-multi-agent-orchestrator"
	ServerVersion = "1.0.0"
)

// MCP method names.
const (
	MethodInitialize = "initialize"
	MethodListTools  = "tools/list"
	MethodCallTool   = "tools/call"
	MethodPing       = "ping"
)

// JSON-RPC 2.0 error codes, plus the MCP-specific extensions this
// orchestrator uses for timeout and availability failures.
const (
	CodeParseError         = -32700
	CodeInvalidRequest     = -32600
	CodeMethodNotFound     = -32601
	CodeInvalidParams      = -32602
	CodeInternalError      = -32603
	CodeTimeout            = -32001
	CodeServiceUnavailable = -32002
)

// ── MCP Protocol Types ───────────────────────────────────────

type MCPRequest struct {
	Jsonrpc string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      interface{}     `json:"id"`
}

type MCPResponse struct {
	Jsonrpc string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *MCPError   `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

type MCPError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Error implements the error interface so agent-returned JSON-RPC errors
// can travel through ordinary error returns.
func (e *MCPError) Error() string {
	return fmt.Sprintf("JSON-RPC error %d: %s", e.Code, e.Message)
}

// ToolCallParams is the params object of a tools/call request.
type ToolCallParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments,omitempty"`
}

// InitializeParams is the params object of an initialize request.
// All fields are optional; when present they must have the right shape.
type InitializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion,omitempty"`
	Capabilities    map[string]interface{} `json:"capabilities,omitempty"`
	ClientInfo      *Implementation        `json:"clientInfo,omitempty"`
}

// InitializeResult is returned by the orchestrator's initialize handler
// and expected from agents during the outbound handshake.
type InitializeResult struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ServerInfo      Implementation         `json:"serverInfo"`
}

// Implementation names one side of an MCP handshake.
type Implementation struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDefinition is a tool as declared by an agent in its tools/list reply
// and as republished by the orchestrator. InputSchema is opaque JSON Schema,
// passed through verbatim.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"inputSchema,omitempty"`
}

// ToolListResult is the result object of a tools/list response.
type ToolListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ── Agents ───────────────────────────────────────────────────

type AgentStatus string

const (
	AgentActive AgentStatus = "active"
	// AgentInactive is sticky until the next discovery cycle re-observes
	// the container.
	AgentInactive AgentStatus = "inactive"
)

// Connection describes how to reach an agent's /mcp endpoint.
type Connection struct {
	Protocol string `json:"protocol"`
	Host     string `json:"host"`
	Port     string `json:"port"`
	URL      string `json:"url"`
}

// Agent is one discovered MCP server container.
type Agent struct {
	ID              string            `json:"id"`
	Name            string            `json:"name"`
	Image           string            `json:"image,omitempty"`
	ContainerStatus string            `json:"containerStatus,omitempty"`
	Labels          map[string]string `json:"labels,omitempty"`
	Connection      Connection        `json:"connection"`
	Tools           []ToolDefinition  `json:"tools,omitempty"`
	Status          AgentStatus       `json:"status"`
	DiscoveredAt    time.Time         `json:"discoveredAt"`
	LastSeen        time.Time         `json:"lastSeen"`
}

// Plugin is an agent as stored by the registry: the agent record plus the
// tool list captured at registration time.
type Plugin struct {
	Agent
	RegisteredAt time.Time `json:"registeredAt"`
}

// ── Module Health ────────────────────────────────────────────

type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthUnknown   HealthState = "unknown"
)

// ModuleStatus tracks call outcomes for a single agent.
// Uptime is successes/(successes+failures)*100; AverageResponseTime is a
// running mean in milliseconds.
type ModuleStatus struct {
	SuccessCount        int         `json:"successCount"`
	FailureCount        int         `json:"failureCount"`
	LastSuccess         *time.Time  `json:"lastSuccess,omitempty"`
	LastFailure         *time.Time  `json:"lastFailure,omitempty"`
	AverageResponseTime float64     `json:"averageResponseTime"`
	Uptime              float64     `json:"uptime"`
	Status              HealthState `json:"status"`
}

// ErrorLogEntry is one row of the registry's bounded error log.
type ErrorLogEntry struct {
	Timestamp     time.Time `json:"timestamp"`
	AgentID       string    `json:"agentId"`
	Tool          string    `json:"tool,omitempty"`
	ErrorCode     int       `json:"errorCode,omitempty"`
	Message       string    `json:"message"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Stack         string    `json:"stack,omitempty"`
}

// ── Correlation IDs ──────────────────────────────────────────

// NewRequestID returns a unique outbound JSON-RPC request id of the form
// req_<unix-ms>_<9 random chars>.
func NewRequestID() string { return stampedID("req") }

// NewCorrelationID returns an error correlation id of the form
// err_<unix-ms>_<9 random chars>. It is attached to every structured error
// so a client-side failure can be matched to server logs.
func NewCorrelationID() string { return stampedID("err") }

func stampedID(prefix string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("%s_%d_%s", prefix, time.Now().UnixMilli(), suffix)
}
