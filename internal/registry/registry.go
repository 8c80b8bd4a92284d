// Package registry tracks registered agent plugins, per-agent call health
// and a bounded error log. The in-memory maps are the source of truth;
// mutations mark collections dirty and a background writer persists
// debounced snapshots through a Store, so restarts pick up the last run's
// state. Two stores ship: JSON files under REGISTRY_PATH (default) and
// PostgreSQL when REGISTRY_DSN is set.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/toolmesh/orchestrator/internal/config"
	"github.com/toolmesh/orchestrator/pkg/models"
)

const (
	// saveDebounce coalesces bursts of mutations into one write.
	saveDebounce = 500 * time.Millisecond
	// saveTimeout bounds a single persistence pass.
	saveTimeout = 10 * time.Second

	defaultMaxErrors = 1000
)

// ── Store interface ──────────────────────────────────────────

// SaveMask selects which collections a Save call must persist. Mutations
// that touch only the error log do not rewrite the plugin files.
type SaveMask uint8

const (
	SavePlugins SaveMask = 1 << iota
	SaveModuleStatus
	SaveErrors

	SaveAll = SavePlugins | SaveModuleStatus | SaveErrors
)

// Snapshot is a point-in-time copy of registry state handed to a Store.
// The registry builds it under its read lock; stores may keep it as long
// as they need since nothing else references it.
type Snapshot struct {
	Plugins      map[string]models.Plugin
	ModuleStatus map[string]models.ModuleStatus
	Errors       []models.ErrorLogEntry
}

// Store persists registry snapshots. Implementations must tolerate
// concurrent Save calls; the registry serializes them in practice but a
// final flush during Close can overlap a late debounced write.
type Store interface {
	// Load reads the persisted state. Missing state is not an error and
	// returns an empty snapshot.
	Load(ctx context.Context) (*Snapshot, error)

	// Save persists the collections selected by mask.
	Save(ctx context.Context, snap *Snapshot, mask SaveMask) error

	// Describe reports store identity for the health surface.
	Describe() map[string]interface{}

	// Close releases store resources.
	Close() error
}

// openStore picks the backend from config: Postgres when a DSN is set,
// JSON files otherwise.
func openStore(ctx context.Context, cfg config.RegistryConfig) (Store, error) {
	if cfg.DSN != "" {
		return NewPostgresStore(ctx, cfg.DSN)
	}
	return NewFileStore(cfg.Path)
}

// ── Errors ───────────────────────────────────────────────────

// NotFoundError is returned when a requested registry entity does not exist.
type NotFoundError struct {
	Entity string
	Key    string
}

func (e *NotFoundError) Error() string {
	return e.Entity + " not found: " + e.Key
}

// errorCode pulls the JSON-RPC code off structured errors. Anything
// untyped counts as an internal error.
func errorCode(err error) int {
	var rpcErr *models.MCPError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	var coded interface{ RPCError() *models.MCPError }
	if errors.As(err, &coded) {
		return coded.RPCError().Code
	}
	return models.CodeInternalError
}

// errorCorrelation recovers the correlation id stamped into wrapped
// orchestrator errors, if any.
func errorCorrelation(err error) string {
	var tagged interface{ CorrelationID() string }
	if errors.As(err, &tagged) {
		return tagged.CorrelationID()
	}
	return ""
}

// ── Registry ─────────────────────────────────────────────────

// Registry is the plugin and health ledger. All reads and writes go
// through the in-memory maps; persistence is asynchronous and lossy only
// for the final debounce window on a crash.
type Registry struct {
	mu           sync.RWMutex
	plugins      map[string]*models.Plugin
	moduleStatus map[string]*models.ModuleStatus
	errorLog     []models.ErrorLogEntry
	maxErrors    int

	store Store

	dirtyMu sync.Mutex
	dirty   SaveMask

	saveCh   chan struct{}
	doneCh   chan struct{}
	loopDone chan struct{}
}

// New opens the configured store, loads persisted state and starts the
// background writer.
func New(ctx context.Context, cfg config.RegistryConfig) (*Registry, error) {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return NewWithStore(ctx, store, cfg.MaxErrorLogEntries)
}

// NewWithStore builds a registry on an explicit store.
func NewWithStore(ctx context.Context, store Store, maxErrors int) (*Registry, error) {
	if maxErrors <= 0 {
		maxErrors = defaultMaxErrors
	}
	r := &Registry{
		plugins:      make(map[string]*models.Plugin),
		moduleStatus: make(map[string]*models.ModuleStatus),
		maxErrors:    maxErrors,
		store:        store,
		saveCh:       make(chan struct{}, 1),
		doneCh:       make(chan struct{}),
		loopDone:     make(chan struct{}),
	}
	if err := r.load(ctx); err != nil {
		store.Close()
		return nil, err
	}
	go r.saveLoop()
	return r, nil
}

func (r *Registry) load(ctx context.Context) error {
	snap, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load registry: %w", err)
	}
	if snap == nil {
		return nil
	}
	r.mu.Lock()
	for id, p := range snap.Plugins {
		r.plugins[id] = &p
	}
	for id, s := range snap.ModuleStatus {
		r.moduleStatus[id] = &s
	}
	if len(snap.Errors) > 0 {
		r.errorLog = append(r.errorLog, snap.Errors...)
		r.trimErrorsLocked()
	}
	r.mu.Unlock()
	log.Info().
		Int("plugins", len(r.plugins)).
		Int("moduleStatus", len(r.moduleStatus)).
		Int("errors", len(r.errorLog)).
		Msg("Registry state loaded")
	return nil
}

// ── Mutations ────────────────────────────────────────────────

// RegisterPlugin creates or overwrites the plugin entry for an agent and
// seeds its module status on first registration.
func (r *Registry) RegisterPlugin(agent *models.Agent, tools []models.ToolDefinition) {
	now := time.Now().UTC()

	entry := models.Plugin{Agent: *agent, RegisteredAt: now}
	entry.Tools = append([]models.ToolDefinition(nil), tools...)
	if agent.Labels != nil {
		entry.Labels = make(map[string]string, len(agent.Labels))
		for k, v := range agent.Labels {
			entry.Labels[k] = v
		}
	}

	r.mu.Lock()
	r.plugins[agent.ID] = &entry
	mask := SavePlugins
	if _, ok := r.moduleStatus[agent.ID]; !ok {
		r.moduleStatus[agent.ID] = &models.ModuleStatus{Status: models.HealthUnknown}
		mask |= SaveModuleStatus
	}
	r.mu.Unlock()

	log.Info().
		Str("agent", agent.ID).
		Str("name", agent.Name).
		Int("tools", len(tools)).
		Msg("Plugin registered")
	r.requestSave(mask)
}

// UpdatePluginStatus mutates a registered plugin's status and bumps its
// last-seen time.
func (r *Registry) UpdatePluginStatus(agentID string, status models.AgentStatus) error {
	r.mu.Lock()
	plugin, ok := r.plugins[agentID]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{Entity: "plugin", Key: agentID}
	}
	plugin.Status = status
	plugin.LastSeen = time.Now().UTC()
	r.mu.Unlock()

	log.Debug().Str("agent", agentID).Str("status", string(status)).Msg("Plugin status updated")
	r.requestSave(SavePlugins)
	return nil
}

// RecordModuleHealth folds one call outcome into the agent's counters,
// uptime percentage and running-mean response time. Failures also append
// an error-log entry.
func (r *Registry) RecordModuleHealth(agentID string, success bool, responseMs float64, callErr error) {
	now := time.Now().UTC()

	r.mu.Lock()
	status, ok := r.moduleStatus[agentID]
	if !ok {
		// A call can complete after its plugin was removed.
		status = &models.ModuleStatus{Status: models.HealthUnknown}
		r.moduleStatus[agentID] = status
	}
	if success {
		status.SuccessCount++
		t := now
		status.LastSuccess = &t
		status.Status = models.HealthHealthy
	} else {
		status.FailureCount++
		t := now
		status.LastFailure = &t
		status.Status = models.HealthUnhealthy
	}
	total := status.SuccessCount + status.FailureCount
	status.AverageResponseTime = (status.AverageResponseTime*float64(total-1) + responseMs) / float64(total)
	status.Uptime = float64(status.SuccessCount) / float64(total) * 100

	mask := SaveModuleStatus
	if !success && callErr != nil {
		r.appendErrorLocked(r.newErrorEntry(agentID, "", callErr, ""))
		mask |= SaveErrors
	}
	r.mu.Unlock()

	r.requestSave(mask)
}

// LogError appends a capped error-log entry. Only the error log is
// persisted for this mutation.
func (r *Registry) LogError(agentID, tool string, err error, correlationID string) {
	entry := r.newErrorEntry(agentID, tool, err, correlationID)

	r.mu.Lock()
	r.appendErrorLocked(entry)
	r.mu.Unlock()

	log.Warn().
		Str("agent", agentID).
		Str("tool", tool).
		Int("code", entry.ErrorCode).
		Str("correlationId", entry.CorrelationID).
		Msg(entry.Message)
	r.requestSave(SaveErrors)
}

// RemovePlugin drops a plugin and its module status.
func (r *Registry) RemovePlugin(agentID string) error {
	r.mu.Lock()
	_, ok := r.plugins[agentID]
	if !ok {
		r.mu.Unlock()
		return &NotFoundError{Entity: "plugin", Key: agentID}
	}
	delete(r.plugins, agentID)
	delete(r.moduleStatus, agentID)
	r.mu.Unlock()

	log.Info().Str("agent", agentID).Msg("Plugin removed")
	r.requestSave(SavePlugins | SaveModuleStatus)
	return nil
}

func (r *Registry) newErrorEntry(agentID, tool string, err error, correlationID string) models.ErrorLogEntry {
	if correlationID == "" {
		correlationID = errorCorrelation(err)
	}
	return models.ErrorLogEntry{
		Timestamp:     time.Now().UTC(),
		AgentID:       agentID,
		Tool:          tool,
		ErrorCode:     errorCode(err),
		Message:       err.Error(),
		CorrelationID: correlationID,
	}
}

// appendErrorLocked adds an entry and drops the oldest ones past the cap.
// Callers hold r.mu.
func (r *Registry) appendErrorLocked(entry models.ErrorLogEntry) {
	r.errorLog = append(r.errorLog, entry)
	r.trimErrorsLocked()
}

func (r *Registry) trimErrorsLocked() {
	if overflow := len(r.errorLog) - r.maxErrors; overflow > 0 {
		r.errorLog = append([]models.ErrorLogEntry(nil), r.errorLog[overflow:]...)
	}
}

// ── Reads ────────────────────────────────────────────────────

// GetPlugin returns a copy of one plugin entry.
func (r *Registry) GetPlugin(agentID string) (*models.Plugin, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[agentID]
	if !ok {
		return nil, &NotFoundError{Entity: "plugin", Key: agentID}
	}
	c := *p
	return &c, nil
}

// ListPlugins returns all plugin entries sorted by agent id.
func (r *Registry) ListPlugins() []models.Plugin {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.Plugin, 0, len(r.plugins))
	for _, p := range r.plugins {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// GetModuleStatus returns a copy of one agent's health counters.
func (r *Registry) GetModuleStatus(agentID string) (*models.ModuleStatus, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.moduleStatus[agentID]
	if !ok {
		return nil, &NotFoundError{Entity: "module status", Key: agentID}
	}
	c := *s
	return &c, nil
}

// ListModuleStatus returns health counters keyed by agent id.
func (r *Registry) ListModuleStatus() map[string]models.ModuleStatus {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]models.ModuleStatus, len(r.moduleStatus))
	for id, s := range r.moduleStatus {
		out[id] = *s
	}
	return out
}

// RecentErrors returns up to n error-log entries, newest first. n <= 0
// returns everything.
func (r *Registry) RecentErrors(n int) []models.ErrorLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if n <= 0 || n > len(r.errorLog) {
		n = len(r.errorLog)
	}
	out := make([]models.ErrorLogEntry, 0, n)
	for i := len(r.errorLog) - 1; i >= len(r.errorLog)-n; i-- {
		out = append(out, r.errorLog[i])
	}
	return out
}

// Stats reports registry counters for the health surface.
func (r *Registry) Stats() map[string]interface{} {
	r.mu.RLock()
	plugins := len(r.plugins)
	statuses := len(r.moduleStatus)
	errCount := len(r.errorLog)
	r.mu.RUnlock()

	stats := map[string]interface{}{
		"plugins":      plugins,
		"moduleStatus": statuses,
		"errorLogSize": errCount,
	}
	for k, v := range r.store.Describe() {
		stats[k] = v
	}
	return stats
}

// ── Persistence ──────────────────────────────────────────────

// requestSave marks collections dirty and pokes the background writer.
// Non-blocking: a pending signal already covers this mutation.
func (r *Registry) requestSave(mask SaveMask) {
	r.dirtyMu.Lock()
	r.dirty |= mask
	r.dirtyMu.Unlock()

	select {
	case r.saveCh <- struct{}{}:
	default:
	}
}

func (r *Registry) saveLoop() {
	defer close(r.loopDone)
	for {
		select {
		case <-r.doneCh:
			return
		case <-r.saveCh:
			select {
			case <-time.After(saveDebounce):
			case <-r.doneCh:
				// Close flushes whatever is still dirty.
				return
			}
			r.flush()
		}
	}
}

// flush persists the dirty collections. On failure the mask is re-marked
// so the next save signal retries the write.
func (r *Registry) flush() {
	r.dirtyMu.Lock()
	mask := r.dirty
	r.dirty = 0
	r.dirtyMu.Unlock()
	if mask == 0 {
		return
	}

	snap := r.snapshot()
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := r.store.Save(ctx, snap, mask); err != nil {
		log.Error().Err(err).Msg("Failed to persist registry state")
		r.dirtyMu.Lock()
		r.dirty |= mask
		r.dirtyMu.Unlock()
	}
}

func (r *Registry) snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	snap := &Snapshot{
		Plugins:      make(map[string]models.Plugin, len(r.plugins)),
		ModuleStatus: make(map[string]models.ModuleStatus, len(r.moduleStatus)),
		Errors:       make([]models.ErrorLogEntry, len(r.errorLog)),
	}
	for id, p := range r.plugins {
		snap.Plugins[id] = *p
	}
	for id, s := range r.moduleStatus {
		snap.ModuleStatus[id] = *s
	}
	copy(snap.Errors, r.errorLog)
	return snap
}

// Close stops the background writer, flushes pending state and closes the
// store. Safe to call once; later calls are no-ops.
func (r *Registry) Close() error {
	select {
	case <-r.doneCh:
		log.Warn().Msg("Registry already closed")
		return nil
	default:
	}
	close(r.doneCh)
	<-r.loopDone

	r.flush()
	err := r.store.Close()
	log.Info().Msg("Registry closed")
	return err
}
