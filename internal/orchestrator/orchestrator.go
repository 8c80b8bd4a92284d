// Package orchestrator coordinates discovered agents behind one MCP surface.
// It owns:
//   - the agent table and the first-wins tool index
//   - MCP method dispatch (initialize, tools/list, tools/call, ping)
//   - discovery event handling (agent discovered, agent lost)
//   - per-call hardening (deadline + circuit breaker) and health recording
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/toolmesh/orchestrator/internal/hardening"
	"github.com/toolmesh/orchestrator/internal/registry"
	"github.com/toolmesh/orchestrator/internal/validator"
	"github.com/toolmesh/orchestrator/pkg/models"
)

// maxConcurrentInits bounds the agent handshake fan-out during bootstrap.
const maxConcurrentInits = 4

// AgentClient is the outbound protocol surface the orchestrator dispatches
// through. *router.AgentRouter implements it.
type AgentClient interface {
	InitializeAgent(ctx context.Context, agent *models.Agent) (*models.InitializeResult, error)
	GetAgentTools(ctx context.Context, agent *models.Agent) ([]models.ToolDefinition, error)
	RouteToolCall(ctx context.Context, agent *models.Agent, toolName string, toolArgs map[string]interface{}) (json.RawMessage, error)
	Stats() map[string]interface{}
}

// Scanner is the discovery surface the orchestrator drives: the synchronous
// bootstrap scan, plus Forget, which returns an agent whose handshake failed
// to the undiscovered pool. *discovery.Service implements it.
type Scanner interface {
	ScanOnce(ctx context.Context) error
	Agents() []models.Agent
	Forget(agentID string)
	Stats() map[string]interface{}
}

// toolEntry maps one published tool name to its owning agent.
type toolEntry struct {
	def     models.ToolDefinition
	agentID string
}

// ToolCallEvent describes one completed tools/call dispatch. Err carries
// the dispatch failure when Success is false.
type ToolCallEvent struct {
	Tool       string
	AgentID    string
	DurationMs float64
	Success    bool
	Err        error
}

// Orchestrator is the dispatch core. State is guarded by one RWMutex and
// never held across network calls.
type Orchestrator struct {
	registry  *registry.Registry
	client    AgentClient
	hardening *hardening.Hardening
	scanner   Scanner
	validator *validator.Validator

	mu          sync.RWMutex
	agents      map[string]*models.Agent
	toolIndex   map[string]*toolEntry
	initialized bool

	// initMu serializes the one-shot bootstrap without blocking dispatch.
	initMu sync.Mutex

	startedAt time.Time

	// OnToolCallCompleted, when set, observes every dispatched tools/call.
	OnToolCallCompleted func(ToolCallEvent)
}

// New wires the orchestrator and routes breaker-open events into the
// registry error log.
func New(reg *registry.Registry, client AgentClient, hard *hardening.Hardening, scanner Scanner) *Orchestrator {
	o := &Orchestrator{
		registry:  reg,
		client:    client,
		hardening: hard,
		scanner:   scanner,
		validator: validator.New(),
		agents:    make(map[string]*models.Agent),
		toolIndex: make(map[string]*toolEntry),
		startedAt: time.Now().UTC(),
	}
	hard.OnBreakerOpen = func(agentID string, failures int) {
		reg.LogError(agentID, "", fmt.Errorf("circuit breaker opened after %d consecutive failures", failures), "")
	}
	return o
}

// ── MCP methods ──────────────────────────────────────────────

// Initialize answers the MCP handshake. The first call triggers one
// discovery scan and initializes every discovered agent; later calls are
// idempotent and return the same capabilities without rescanning.
func (o *Orchestrator) Initialize(ctx context.Context, params interface{}) (interface{}, error) {
	if err := o.validator.ValidateInitialize(params); err != nil {
		return nil, err
	}

	o.initMu.Lock()
	o.mu.RLock()
	done := o.initialized
	o.mu.RUnlock()
	if !done {
		// Bootstrap is a server-side state transition; it runs to
		// completion even if the initiating client goes away.
		o.bootstrap(context.WithoutCancel(ctx))
		o.mu.Lock()
		o.initialized = true
		o.mu.Unlock()
		log.Info().Msg("Orchestrator initialized")
	}
	o.initMu.Unlock()

	return &models.InitializeResult{
		ProtocolVersion: models.MCPProtocolVersion,
		Capabilities: map[string]interface{}{
			"tools":   map[string]interface{}{},
			"logging": map[string]interface{}{},
		},
		ServerInfo: models.Implementation{
			Name:    models.ServerName,
			Version: models.ServerVersion,
		},
	}, nil
}

// ListTools publishes the aggregated tool catalog. Only tools whose owning
// agent is currently active are listed; tools without a declared schema get
// a permissive object schema so clients always see valid JSON Schema.
func (o *Orchestrator) ListTools(_ context.Context) (interface{}, error) {
	o.mu.RLock()
	names := make([]string, 0, len(o.toolIndex))
	for name, entry := range o.toolIndex {
		owner, ok := o.agents[entry.agentID]
		if !ok || owner.Status != models.AgentActive {
			continue
		}
		names = append(names, name)
	}
	sort.Strings(names)

	tools := make([]models.ToolDefinition, 0, len(names))
	for _, name := range names {
		def := o.toolIndex[name].def
		if def.InputSchema == nil {
			def.InputSchema = map[string]interface{}{
				"type":       "object",
				"properties": map[string]interface{}{},
				"required":   []interface{}{},
			}
		}
		tools = append(tools, def)
	}
	o.mu.RUnlock()

	return &models.ToolListResult{Tools: tools}, nil
}

// CallTool validates the params, resolves the owning agent and dispatches
// through the hardening layer. The agent's result is returned verbatim.
func (o *Orchestrator) CallTool(ctx context.Context, params interface{}) (interface{}, error) {
	if err := o.validator.ValidateToolCall(params); err != nil {
		return nil, err
	}
	obj := params.(map[string]interface{})
	name := obj["name"].(string)
	args, _ := obj["arguments"].(map[string]interface{})
	args = validator.SanitizeArguments(args)

	o.mu.RLock()
	entry, found := o.toolIndex[name]
	var agent *models.Agent
	if found {
		if owner, ok := o.agents[entry.agentID]; ok {
			c := *owner
			agent = &c
		}
	}
	o.mu.RUnlock()

	if !found {
		return nil, &models.MCPError{
			Code:    models.CodeMethodNotFound,
			Message: fmt.Sprintf("Unknown tool: %s", name),
		}
	}
	if agent == nil || agent.Status != models.AgentActive {
		return nil, &models.MCPError{
			Code:    models.CodeServiceUnavailable,
			Message: fmt.Sprintf("Agent %s is not available", entry.agentID),
		}
	}

	start := time.Now()
	op := func(ctx context.Context) (interface{}, error) {
		return o.client.RouteToolCall(ctx, agent, name, args)
	}
	// A client hangup must not abort a dispatched call; the hardening
	// deadline is the only bound. Trace values still flow.
	result, err := o.hardening.SafeToolCall(context.WithoutCancel(ctx), op, 0, agent.ID)
	elapsed := float64(time.Since(start).Milliseconds())

	success := err == nil
	o.registry.RecordModuleHealth(agent.ID, success, elapsed, err)
	log.Debug().
		Str("tool", name).
		Str("agent", agent.ID).
		Float64("durationMs", elapsed).
		Bool("success", success).
		Msg("Tool call completed")
	if o.OnToolCallCompleted != nil {
		o.OnToolCallCompleted(ToolCallEvent{Tool: name, AgentID: agent.ID, DurationMs: elapsed, Success: success, Err: err})
	}

	if err != nil {
		return nil, err
	}
	return result, nil
}

// Ping is a liveness probe; it touches no shared state.
func (o *Orchestrator) Ping() interface{} {
	return map[string]interface{}{
		"pong":      true,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}
}

// ── Discovery events ─────────────────────────────────────────

// HandleAgentDiscovered initializes a newly observed agent. Re-discovered
// agents get a fresh circuit breaker before the handshake.
func (o *Orchestrator) HandleAgentDiscovered(agent *models.Agent) {
	o.hardening.ResetBreaker(agent.ID)
	o.initializeAgent(context.Background(), agent)
}

// HandleAgentLost marks the agent inactive and unpublishes its tools. Both
// happen under the dispatch mutex, so a tools/list issued afterwards can no
// longer see them.
func (o *Orchestrator) HandleAgentLost(agentID string) {
	o.mu.Lock()
	agent, known := o.agents[agentID]
	removed := 0
	if known {
		agent.Status = models.AgentInactive
		removed = o.removeAgentToolsLocked(agentID)
	}
	o.mu.Unlock()

	if !known {
		return
	}

	if err := o.registry.UpdatePluginStatus(agentID, models.AgentInactive); err != nil {
		log.Debug().Err(err).Str("agent", agentID).Msg("Lost agent was not registered")
	}
	log.Info().Str("agent", agentID).Int("toolsRemoved", removed).Msg("Agent lost")
}

// bootstrap runs one discovery scan and initializes every agent that is not
// already active, through a bounded worker pool.
func (o *Orchestrator) bootstrap(ctx context.Context) {
	if err := o.scanner.ScanOnce(ctx); err != nil {
		log.Warn().Err(err).Msg("Initial discovery scan failed")
	}

	agents := o.scanner.Agents()
	var g errgroup.Group
	g.SetLimit(maxConcurrentInits)
	for _, a := range agents {
		o.mu.RLock()
		existing, ok := o.agents[a.ID]
		active := ok && existing.Status == models.AgentActive
		o.mu.RUnlock()
		if active {
			// Already initialized through a discovery event.
			continue
		}

		agent := a
		g.Go(func() error {
			o.initializeAgent(ctx, &agent)
			return nil
		})
	}
	g.Wait()
}

// initializeAgent performs the outbound handshake, fetches the agent's
// tools and publishes them. Failures are recorded and non-fatal: the agent
// is handed back to discovery, and the next scan restarts the handshake.
func (o *Orchestrator) initializeAgent(ctx context.Context, agent *models.Agent) {
	op := func(ctx context.Context) (interface{}, error) {
		if _, err := o.client.InitializeAgent(ctx, agent); err != nil {
			return nil, err
		}
		return o.client.GetAgentTools(ctx, agent)
	}

	res, err := o.hardening.SafeToolCall(ctx, op, 0, agent.ID)
	if err != nil {
		log.Warn().Err(err).Str("agent", agent.ID).Msg("Agent initialization failed")
		o.registry.LogError(agent.ID, "", err, "")
		// Forget rather than keep: a known-but-inactive container would
		// never re-fire OnAgentDiscovered while it stays up.
		o.scanner.Forget(agent.ID)
		return
	}
	tools := res.([]models.ToolDefinition)

	a := *agent
	a.Status = models.AgentActive
	a.Tools = tools
	a.LastSeen = time.Now().UTC()

	var collisions []string
	o.mu.Lock()
	o.agents[a.ID] = &a
	// Drop entries from a previous incarnation of this agent, then publish
	// the fresh set. Names owned by other agents are first-wins.
	o.removeAgentToolsLocked(a.ID)
	for _, def := range tools {
		if owner, exists := o.toolIndex[def.Name]; exists && owner.agentID != a.ID {
			collisions = append(collisions, def.Name)
			continue
		}
		o.toolIndex[def.Name] = &toolEntry{def: def, agentID: a.ID}
	}
	o.mu.Unlock()

	for _, name := range collisions {
		o.registry.LogError(a.ID, name, fmt.Errorf("tool name collision: %s is already provided by another agent", name), "")
	}

	o.registry.RegisterPlugin(&a, tools)
	log.Info().
		Str("agent", a.ID).
		Str("name", a.Name).
		Int("tools", len(tools)).
		Msg("Agent initialized")
}

// removeAgentToolsLocked unpublishes every tool owned by the agent.
// Callers hold o.mu.
func (o *Orchestrator) removeAgentToolsLocked(agentID string) int {
	removed := 0
	for name, entry := range o.toolIndex {
		if entry.agentID == agentID {
			delete(o.toolIndex, name)
			removed++
		}
	}
	return removed
}

// ── Introspection ────────────────────────────────────────────

// Health reports dispatch-core counters plus registry store identity for
// the health endpoint.
func (o *Orchestrator) Health() map[string]interface{} {
	o.mu.RLock()
	initialized := o.initialized
	agentCount := len(o.agents)
	active := 0
	for _, a := range o.agents {
		if a.Status == models.AgentActive {
			active++
		}
	}
	toolCount := len(o.toolIndex)
	o.mu.RUnlock()

	return map[string]interface{}{
		"initialized":  initialized,
		"agentCount":   agentCount,
		"activeAgents": active,
		"toolCount":    toolCount,
		"registry":     o.registry.Stats(),
	}
}

// Agents returns a snapshot of the agent table sorted by id.
func (o *Orchestrator) Agents() []models.Agent {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]models.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Uptime reports how long the orchestrator has been running.
func (o *Orchestrator) Uptime() time.Duration {
	return time.Since(o.startedAt)
}
