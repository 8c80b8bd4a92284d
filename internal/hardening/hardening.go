// Package hardening wraps outbound agent calls with reliability discipline.
//
// Every call that leaves the orchestrator goes through this layer. It
// provides:
//   - Hard deadlines on arbitrary operations
//   - Per-agent circuit breakers that fail fast while an agent is down
//   - Optional retry with exponential backoff for housekeeping paths
//   - Structured error wrapping with correlation IDs
//   - Error-category statistics for health reporting
package hardening

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog/log"

	"github.com/toolmesh/orchestrator/internal/config"
	"github.com/toolmesh/orchestrator/pkg/models"
)

// ── Circuit Breaker ──────────────────────────────────────────

// BreakerState is the lifecycle state of one agent's circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half-open"
)

// circuitBreaker holds one agent's failure history. All fields are
// guarded by mu; the open→half-open transition happens under the same
// lock that admits the next call, so only one caller probes the agent.
type circuitBreaker struct {
	mu           sync.Mutex
	state        BreakerState
	failureCount int
	lastFailure  time.Time
	lastSuccess  time.Time
}

func (cb *circuitBreaker) snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	snap := BreakerSnapshot{
		State:        cb.state,
		FailureCount: cb.failureCount,
	}
	if !cb.lastFailure.IsZero() {
		t := cb.lastFailure
		snap.LastFailure = &t
	}
	if !cb.lastSuccess.IsZero() {
		t := cb.lastSuccess
		snap.LastSuccess = &t
	}
	return snap
}

// BreakerSnapshot is a point-in-time copy of one agent's breaker state.
type BreakerSnapshot struct {
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failureCount"`
	LastFailure  *time.Time   `json:"lastFailure,omitempty"`
	LastSuccess  *time.Time   `json:"lastSuccess,omitempty"`
}

// ── Structured Errors ────────────────────────────────────────

// Error categories, matched by substring against the underlying error
// message. Used for statistics only, never for control flow.
const (
	CategoryTimeout    = "timeout"
	CategoryConnection = "connection"
	CategoryParse      = "parse"
	CategoryValidation = "validation"
	CategoryNotFound   = "not_found"
	CategoryUnknown    = "unknown"
)

// Categorize buckets an error by its message.
func Categorize(err error) string {
	if err == nil {
		return CategoryUnknown
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "timed out") || strings.Contains(msg, "deadline"):
		return CategoryTimeout
	case strings.Contains(msg, "connection") || strings.Contains(msg, "connect") || strings.Contains(msg, "refused"):
		return CategoryConnection
	case strings.Contains(msg, "parse") || strings.Contains(msg, "unmarshal") || strings.Contains(msg, "invalid character"):
		return CategoryParse
	case strings.Contains(msg, "validation") || strings.Contains(msg, "invalid"):
		return CategoryValidation
	case strings.Contains(msg, "not found") || strings.Contains(msg, "unknown tool"):
		return CategoryNotFound
	default:
		return CategoryUnknown
	}
}

// ErrorData carries diagnostic context for a wrapped failure.
type ErrorData struct {
	OriginalError string                 `json:"originalError"`
	Timestamp     time.Time              `json:"timestamp"`
	Context       map[string]interface{} `json:"context,omitempty"`
	CorrelationID string                 `json:"correlationId"`
}

// OrchestratorError is the structured form of every failure that leaves
// the orchestrator.
type OrchestratorError struct {
	Name    string    `json:"name"`
	Code    int       `json:"code"`
	Message string    `json:"message"`
	Data    ErrorData `json:"data"`

	cause error
}

func (e *OrchestratorError) Error() string { return e.Message }

func (e *OrchestratorError) Unwrap() error { return e.cause }

// RPCError converts the failure into a JSON-RPC error object.
func (e *OrchestratorError) RPCError() *models.MCPError {
	return &models.MCPError{Code: e.Code, Message: e.Message, Data: e.Data}
}

// CorrelationID returns the id stamped into the error data. The registry
// picks it up through a small interface so error-log rows can be matched
// to client responses without a package dependency.
func (e *OrchestratorError) CorrelationID() string { return e.Data.CorrelationID }

// ── Hardening ────────────────────────────────────────────────

// Operation is a unit of outbound work. It must honor ctx cancellation.
type Operation func(ctx context.Context) (interface{}, error)

// AsyncOptions tunes SafeAsyncOperation. Zero values fall back to the
// configured defaults.
type AsyncOptions struct {
	MaxRetries int           // retries after the first attempt
	RetryDelay time.Duration // base delay, doubled per retry
	Timeout    time.Duration // per-attempt deadline
	AgentID    string        // breaker to charge failures against
}

// Hardening owns the breaker table and error statistics. One instance
// is shared by all request handlers.
type Hardening struct {
	cfg   config.HardeningConfig
	clock func() time.Time

	mu       sync.RWMutex
	breakers map[string]*circuitBreaker

	stats errorStats

	// OnBreakerOpen fires when an agent's breaker trips. Set before
	// the first call; invoked from the failing caller's goroutine.
	OnBreakerOpen func(agentID string, failures int)
}

// New creates a hardening layer with the given configuration.
func New(cfg config.HardeningConfig) *Hardening {
	return &Hardening{
		cfg:      cfg,
		clock:    time.Now,
		breakers: make(map[string]*circuitBreaker),
	}
}

// WithClock replaces the time source. Tests use this to step breaker
// windows without sleeping.
func (h *Hardening) WithClock(clock func() time.Time) *Hardening {
	h.clock = clock
	return h
}

// SafeToolCall runs op under a hard deadline, gated by agentID's
// circuit breaker. A zero timeout uses the configured default; an empty
// agentID skips the breaker. The breaker observes exactly one outcome
// per call.
func (h *Hardening) SafeToolCall(ctx context.Context, op Operation, timeout time.Duration, agentID string) (interface{}, error) {
	if timeout <= 0 {
		timeout = time.Duration(h.cfg.DefaultTimeoutMs) * time.Millisecond
	}

	var cb *circuitBreaker
	if agentID != "" {
		cb = h.breaker(agentID)
		if err := h.admit(cb, agentID); err != nil {
			return nil, err
		}
	}

	result, err := h.runWithDeadline(ctx, op, timeout)
	if err != nil {
		h.recordFailure(cb, agentID, err)
		h.stats.record(Categorize(err))
		return nil, h.wrap(err, codeFor(err), agentID)
	}

	h.recordSuccess(cb, agentID)
	return result, nil
}

// SafeAsyncOperation runs op through SafeToolCall with bounded retries
// and exponential backoff. Intended for housekeeping paths; the user
// tool-call path goes through SafeToolCall directly so its retry count
// stays governed by the router alone. The breaker observes every
// attempt; on final failure the last error is surfaced.
func (h *Hardening) SafeAsyncOperation(ctx context.Context, op Operation, opts AsyncOptions) (interface{}, error) {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = h.cfg.MaxRetries
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Duration(h.cfg.RetryDelayMs) * time.Millisecond
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = opts.RetryDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxElapsedTime = 0

	var result interface{}
	attempt := 0
	run := func() error {
		attempt++
		r, err := h.SafeToolCall(ctx, op, opts.Timeout, opts.AgentID)
		if err != nil {
			log.Debug().
				Int("attempt", attempt).
				Str("agent", opts.AgentID).
				Err(err).
				Msg("hardened operation failed")
			return err
		}
		result = r
		return nil
	}

	if err := backoff.Retry(run, backoff.WithContext(backoff.WithMaxRetries(bo, uint64(opts.MaxRetries)), ctx)); err != nil {
		return nil, err
	}
	return result, nil
}

// ResetBreaker closes agentID's breaker. Called when a lost agent is
// re-discovered so a stale open state does not block the fresh instance.
func (h *Hardening) ResetBreaker(agentID string) {
	h.mu.RLock()
	cb, ok := h.breakers[agentID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	cb.mu.Lock()
	cb.state = BreakerClosed
	cb.failureCount = 0
	cb.mu.Unlock()

	log.Debug().Str("agent", agentID).Msg("circuit breaker reset")
}

// Breaker returns the snapshot for agentID, if a breaker exists.
func (h *Hardening) Breaker(agentID string) (BreakerSnapshot, bool) {
	h.mu.RLock()
	cb, ok := h.breakers[agentID]
	h.mu.RUnlock()
	if !ok {
		return BreakerSnapshot{}, false
	}
	return cb.snapshot(), true
}

// Stats returns a point-in-time view of error counts and breaker states
// for health reporting.
func (h *Hardening) Stats() map[string]interface{} {
	total, categories := h.stats.snapshot()

	h.mu.RLock()
	breakers := make(map[string]BreakerSnapshot, len(h.breakers))
	for id, cb := range h.breakers {
		breakers[id] = cb.snapshot()
	}
	h.mu.RUnlock()

	return map[string]interface{}{
		"totalErrors":     total,
		"errorCategories": categories,
		"circuitBreakers": breakers,
	}
}

// ── Internals ────────────────────────────────────────────────

// breaker returns agentID's breaker, creating it on first use.
// Breakers are never destroyed; reset is explicit.
func (h *Hardening) breaker(agentID string) *circuitBreaker {
	h.mu.RLock()
	cb, ok := h.breakers[agentID]
	h.mu.RUnlock()
	if ok {
		return cb
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	// Re-check after acquiring the write lock.
	if cb, ok := h.breakers[agentID]; ok {
		return cb
	}
	cb = &circuitBreaker{state: BreakerClosed}
	h.breakers[agentID] = cb
	return cb
}

// admit enforces the breaker gate. An open breaker inside its cooldown
// window rejects immediately; once the window elapses the breaker moves
// to half-open and the caller proceeds as the probe.
func (h *Hardening) admit(cb *circuitBreaker, agentID string) error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state != BreakerOpen {
		return nil
	}

	window := time.Duration(h.cfg.CircuitBreakerTimeoutMs) * time.Millisecond
	if h.clock().Sub(cb.lastFailure) < window {
		err := fmt.Errorf("circuit breaker open for agent %s", agentID)
		return h.wrap(err, models.CodeServiceUnavailable, agentID)
	}

	cb.state = BreakerHalfOpen
	cb.failureCount = 0
	log.Info().Str("agent", agentID).Msg("circuit breaker half-open, probing agent")
	return nil
}

func (h *Hardening) recordFailure(cb *circuitBreaker, agentID string, err error) {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	cb.failureCount++
	cb.lastFailure = h.clock()
	opened := false
	switch {
	case cb.state == BreakerHalfOpen:
		// Probe failed; go straight back to open.
		cb.state = BreakerOpen
		opened = true
	case cb.state == BreakerClosed && cb.failureCount >= h.cfg.CircuitBreakerThreshold:
		cb.state = BreakerOpen
		opened = true
	}
	failures := cb.failureCount
	cb.mu.Unlock()

	if opened {
		log.Warn().
			Str("agent", agentID).
			Int("failures", failures).
			Err(err).
			Msg("circuit breaker opened")
		if h.OnBreakerOpen != nil {
			h.OnBreakerOpen(agentID, failures)
		}
	}
}

func (h *Hardening) recordSuccess(cb *circuitBreaker, agentID string) {
	if cb == nil {
		return
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.lastSuccess = h.clock()
	cb.failureCount = 0
	if cb.state == BreakerHalfOpen {
		cb.state = BreakerClosed
		log.Info().Str("agent", agentID).Msg("circuit breaker closed")
	}
}

// runWithDeadline executes op with a hard upper bound on wall time,
// even if op ignores its context.
func (h *Hardening) runWithDeadline(ctx context.Context, op Operation, timeout time.Duration) (interface{}, error) {
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result interface{}
		err    error
	}
	done := make(chan outcome, 1)
	go func() {
		r, err := op(callCtx)
		done <- outcome{result: r, err: err}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-callCtx.Done():
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("Operation timed out after %d ms", timeout.Milliseconds())
	}
}

// wrap lifts err into an OrchestratorError, preserving one that is
// already structured.
func (h *Hardening) wrap(err error, code int, agentID string) *OrchestratorError {
	var oe *OrchestratorError
	if errors.As(err, &oe) {
		return oe
	}

	data := ErrorData{
		OriginalError: err.Error(),
		Timestamp:     h.clock().UTC(),
		CorrelationID: models.NewCorrelationID(),
	}
	if agentID != "" {
		data.Context = map[string]interface{}{"agentId": agentID}
	}
	return &OrchestratorError{
		Name:    "MCPOrchestratorError",
		Code:    code,
		Message: err.Error(),
		Data:    data,
		cause:   err,
	}
}

// codeFor maps an underlying failure to its JSON-RPC error code.
// Errors the agent itself returned keep the agent's code.
func codeFor(err error) int {
	var rpcErr *models.MCPError
	if errors.As(err, &rpcErr) {
		return rpcErr.Code
	}
	if Categorize(err) == CategoryTimeout {
		return models.CodeTimeout
	}
	return models.CodeInternalError
}

// ── Error Statistics ─────────────────────────────────────────

type errorStats struct {
	mu         sync.Mutex
	total      int64
	categories map[string]int64
}

func (s *errorStats) record(category string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if s.categories == nil {
		s.categories = make(map[string]int64)
	}
	s.categories[category]++
}

func (s *errorStats) snapshot() (int64, map[string]int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	categories := make(map[string]int64, len(s.categories))
	for k, v := range s.categories {
		categories[k] = v
	}
	return s.total, categories
}
