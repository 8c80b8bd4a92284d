package hardening_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/toolmesh/orchestrator/internal/config"
	"github.com/toolmesh/orchestrator/internal/hardening"
	"github.com/toolmesh/orchestrator/pkg/models"
)

// fakeClock is a manually stepped time source so breaker cooldown
// windows can be crossed without sleeping.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestHardening(t *testing.T) (*hardening.Hardening, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	h := hardening.New(config.HardeningConfig{
		DefaultTimeoutMs:        30000,
		MaxRetries:              3,
		RetryDelayMs:            1,
		CircuitBreakerThreshold: 3,
		CircuitBreakerTimeoutMs: 60000,
	}).WithClock(clock.Now)
	return h, clock
}

func succeed(result interface{}) hardening.Operation {
	return func(ctx context.Context) (interface{}, error) {
		return result, nil
	}
}

func fail(err error) hardening.Operation {
	return func(ctx context.Context) (interface{}, error) {
		return nil, err
	}
}

// ─── SafeToolCall ───────────────────────────────────────────

func TestSafeToolCall_Success(t *testing.T) {
	h, _ := newTestHardening(t)

	result, err := h.SafeToolCall(context.Background(), succeed("ok"), 0, "agent-1")
	if err != nil {
		t.Fatalf("SafeToolCall() error = %v", err)
	}
	if result != "ok" {
		t.Errorf("SafeToolCall() result = %v, want %q", result, "ok")
	}

	snap, ok := h.Breaker("agent-1")
	if !ok {
		t.Fatal("breaker for agent-1 was not created")
	}
	if snap.State != hardening.BreakerClosed {
		t.Errorf("breaker state = %q, want %q", snap.State, hardening.BreakerClosed)
	}
	if snap.LastSuccess == nil {
		t.Error("breaker lastSuccess not recorded")
	}
}

func TestSafeToolCall_Timeout(t *testing.T) {
	h, _ := newTestHardening(t)

	slow := func(ctx context.Context) (interface{}, error) {
		select {
		case <-time.After(500 * time.Millisecond):
			return "late", nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	start := time.Now()
	_, err := h.SafeToolCall(context.Background(), slow, 20*time.Millisecond, "agent-1")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("SafeToolCall() should time out")
	}
	if elapsed > 200*time.Millisecond {
		t.Errorf("timeout took %v, want well under the operation's 500ms", elapsed)
	}

	var oe *hardening.OrchestratorError
	if !errors.As(err, &oe) {
		t.Fatalf("error type = %T, want *OrchestratorError", err)
	}
	if oe.Code != models.CodeTimeout {
		t.Errorf("error code = %d, want %d", oe.Code, models.CodeTimeout)
	}
	if oe.Message != "Operation timed out after 20 ms" {
		t.Errorf("error message = %q, want %q", oe.Message, "Operation timed out after 20 ms")
	}

	snap, _ := h.Breaker("agent-1")
	if snap.FailureCount != 1 {
		t.Errorf("breaker failureCount = %d, want 1", snap.FailureCount)
	}
}

func TestSafeToolCall_WrapsFailures(t *testing.T) {
	h, _ := newTestHardening(t)

	_, err := h.SafeToolCall(context.Background(), fail(errors.New("boom")), 0, "agent-1")
	if err == nil {
		t.Fatal("SafeToolCall() should fail")
	}

	var oe *hardening.OrchestratorError
	if !errors.As(err, &oe) {
		t.Fatalf("error type = %T, want *OrchestratorError", err)
	}
	if oe.Name != "MCPOrchestratorError" {
		t.Errorf("error name = %q, want %q", oe.Name, "MCPOrchestratorError")
	}
	if oe.Code != models.CodeInternalError {
		t.Errorf("error code = %d, want %d", oe.Code, models.CodeInternalError)
	}
	if oe.Data.OriginalError != "boom" {
		t.Errorf("originalError = %q, want %q", oe.Data.OriginalError, "boom")
	}
	if len(oe.Data.CorrelationID) < 5 || oe.Data.CorrelationID[:4] != "err_" {
		t.Errorf("correlationId = %q, want err_ prefix", oe.Data.CorrelationID)
	}
	if oe.Data.Context["agentId"] != "agent-1" {
		t.Errorf("context agentId = %v, want %q", oe.Data.Context["agentId"], "agent-1")
	}
}

func TestSafeToolCall_AgentErrorKeepsCode(t *testing.T) {
	h, _ := newTestHardening(t)

	agentErr := &models.MCPError{Code: models.CodeMethodNotFound, Message: "Unknown tool: frobnicate"}
	_, err := h.SafeToolCall(context.Background(), fail(agentErr), 0, "agent-1")

	var oe *hardening.OrchestratorError
	if !errors.As(err, &oe) {
		t.Fatalf("error type = %T, want *OrchestratorError", err)
	}
	if oe.Code != models.CodeMethodNotFound {
		t.Errorf("error code = %d, want %d", oe.Code, models.CodeMethodNotFound)
	}
}

// ─── Circuit Breaker ────────────────────────────────────────

func TestSafeToolCall_BreakerOpensAtThreshold(t *testing.T) {
	h, _ := newTestHardening(t)

	var openedAgent string
	var openedCount int
	h.OnBreakerOpen = func(agentID string, failures int) {
		openedAgent = agentID
		openedCount++
	}

	var calls int32
	failing := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, errors.New("agent exploded")
	}

	// Threshold is 3: three failures trip the breaker.
	for i := 0; i < 3; i++ {
		if _, err := h.SafeToolCall(context.Background(), failing, 0, "agent-1"); err == nil {
			t.Fatalf("call %d should fail", i+1)
		}
	}

	snap, _ := h.Breaker("agent-1")
	if snap.State != hardening.BreakerOpen {
		t.Fatalf("breaker state = %q, want %q", snap.State, hardening.BreakerOpen)
	}
	if openedAgent != "agent-1" || openedCount != 1 {
		t.Errorf("OnBreakerOpen fired %d times for %q, want once for agent-1", openedCount, openedAgent)
	}

	// Fourth call fails fast without running the operation.
	start := time.Now()
	_, err := h.SafeToolCall(context.Background(), failing, 0, "agent-1")
	elapsed := time.Since(start)

	if err == nil {
		t.Fatal("call on open breaker should fail")
	}
	var oe *hardening.OrchestratorError
	if !errors.As(err, &oe) {
		t.Fatalf("error type = %T, want *OrchestratorError", err)
	}
	if oe.Code != models.CodeServiceUnavailable {
		t.Errorf("error code = %d, want %d", oe.Code, models.CodeServiceUnavailable)
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("operation ran %d times, want 3 (no call while open)", got)
	}
	if elapsed > 50*time.Millisecond {
		t.Errorf("fast-fail took %v, want < 50ms", elapsed)
	}
}

func TestSafeToolCall_BreakerHalfOpenThenCloses(t *testing.T) {
	h, clock := newTestHardening(t)

	for i := 0; i < 3; i++ {
		_, _ = h.SafeToolCall(context.Background(), fail(errors.New("down")), 0, "agent-1")
	}
	if snap, _ := h.Breaker("agent-1"); snap.State != hardening.BreakerOpen {
		t.Fatalf("breaker state = %q, want open", snap.State)
	}

	// Cooldown window has not elapsed yet.
	clock.Advance(59 * time.Second)
	if _, err := h.SafeToolCall(context.Background(), succeed("up"), 0, "agent-1"); err == nil {
		t.Fatal("call inside cooldown window should fail fast")
	}

	// Past the window the next call is the half-open probe.
	clock.Advance(2 * time.Second)
	result, err := h.SafeToolCall(context.Background(), succeed("up"), 0, "agent-1")
	if err != nil {
		t.Fatalf("probe call error = %v", err)
	}
	if result != "up" {
		t.Errorf("probe result = %v, want %q", result, "up")
	}

	snap, _ := h.Breaker("agent-1")
	if snap.State != hardening.BreakerClosed {
		t.Errorf("breaker state after probe success = %q, want %q", snap.State, hardening.BreakerClosed)
	}
	if snap.FailureCount != 0 {
		t.Errorf("failureCount after close = %d, want 0", snap.FailureCount)
	}
}

func TestSafeToolCall_HalfOpenProbeFailureReopens(t *testing.T) {
	h, clock := newTestHardening(t)

	for i := 0; i < 3; i++ {
		_, _ = h.SafeToolCall(context.Background(), fail(errors.New("down")), 0, "agent-1")
	}
	clock.Advance(61 * time.Second)

	if _, err := h.SafeToolCall(context.Background(), fail(errors.New("still down")), 0, "agent-1"); err == nil {
		t.Fatal("probe call should fail")
	}

	snap, _ := h.Breaker("agent-1")
	if snap.State != hardening.BreakerOpen {
		t.Errorf("breaker state after failed probe = %q, want %q", snap.State, hardening.BreakerOpen)
	}
}

func TestResetBreaker(t *testing.T) {
	h, _ := newTestHardening(t)

	for i := 0; i < 3; i++ {
		_, _ = h.SafeToolCall(context.Background(), fail(errors.New("down")), 0, "agent-1")
	}
	h.ResetBreaker("agent-1")

	snap, _ := h.Breaker("agent-1")
	if snap.State != hardening.BreakerClosed {
		t.Errorf("breaker state after reset = %q, want %q", snap.State, hardening.BreakerClosed)
	}

	// Reset agent admits calls again.
	if _, err := h.SafeToolCall(context.Background(), succeed("ok"), 0, "agent-1"); err != nil {
		t.Errorf("call after reset error = %v", err)
	}
}

func TestSafeToolCall_NoAgentSkipsBreaker(t *testing.T) {
	h, _ := newTestHardening(t)

	if _, err := h.SafeToolCall(context.Background(), fail(errors.New("boom")), 0, ""); err == nil {
		t.Fatal("SafeToolCall() should fail")
	}
	if _, ok := h.Breaker(""); ok {
		t.Error("breaker created for empty agent id")
	}
}

// ─── SafeAsyncOperation ─────────────────────────────────────

func TestSafeAsyncOperation_RetriesThenSucceeds(t *testing.T) {
	h, _ := newTestHardening(t)

	var calls int32
	flaky := func(ctx context.Context) (interface{}, error) {
		if atomic.AddInt32(&calls, 1) < 3 {
			return nil, errors.New("transient")
		}
		return "finally", nil
	}

	result, err := h.SafeAsyncOperation(context.Background(), flaky, hardening.AsyncOptions{
		MaxRetries: 3,
		RetryDelay: time.Millisecond,
	})
	if err != nil {
		t.Fatalf("SafeAsyncOperation() error = %v", err)
	}
	if result != "finally" {
		t.Errorf("result = %v, want %q", result, "finally")
	}
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("operation ran %d times, want 3", got)
	}
}

func TestSafeAsyncOperation_ExhaustsRetries(t *testing.T) {
	h, _ := newTestHardening(t)

	var calls int32
	broken := func(ctx context.Context) (interface{}, error) {
		atomic.AddInt32(&calls, 1)
		return nil, fmt.Errorf("attempt %d failed", atomic.LoadInt32(&calls))
	}

	_, err := h.SafeAsyncOperation(context.Background(), broken, hardening.AsyncOptions{
		MaxRetries: 2,
		RetryDelay: time.Millisecond,
	})
	if err == nil {
		t.Fatal("SafeAsyncOperation() should fail after exhausting retries")
	}
	// maxRetries+1 total attempts, last error surfaced.
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("operation ran %d times, want 3", got)
	}
	var oe *hardening.OrchestratorError
	if !errors.As(err, &oe) {
		t.Fatalf("error type = %T, want *OrchestratorError", err)
	}
	if oe.Data.OriginalError != "attempt 3 failed" {
		t.Errorf("surfaced error = %q, want the last attempt's", oe.Data.OriginalError)
	}
}

// ─── Categorization & Stats ─────────────────────────────────

func TestCategorize(t *testing.T) {
	tests := []struct {
		msg  string
		want string
	}{
		{"Operation timed out after 5 ms", hardening.CategoryTimeout},
		{"context deadline exceeded", hardening.CategoryTimeout},
		{"dial tcp: connection refused", hardening.CategoryConnection},
		{"failed to parse response body", hardening.CategoryParse},
		{"invalid character 'x' looking for beginning of value", hardening.CategoryParse},
		{"request validation failed", hardening.CategoryValidation},
		{"Unknown tool: frobnicate", hardening.CategoryNotFound},
		{"something else entirely", hardening.CategoryUnknown},
	}

	for _, tt := range tests {
		if got := hardening.Categorize(errors.New(tt.msg)); got != tt.want {
			t.Errorf("Categorize(%q) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestStats(t *testing.T) {
	h, _ := newTestHardening(t)

	_, _ = h.SafeToolCall(context.Background(), fail(errors.New("connection refused")), 0, "agent-1")
	_, _ = h.SafeToolCall(context.Background(), fail(errors.New("connection refused")), 0, "agent-1")
	_, _ = h.SafeToolCall(context.Background(), fail(errors.New("mystery")), 0, "agent-2")

	stats := h.Stats()
	if total := stats["totalErrors"].(int64); total != 3 {
		t.Errorf("totalErrors = %d, want 3", total)
	}
	categories := stats["errorCategories"].(map[string]int64)
	if categories[hardening.CategoryConnection] != 2 {
		t.Errorf("connection errors = %d, want 2", categories[hardening.CategoryConnection])
	}
	if categories[hardening.CategoryUnknown] != 1 {
		t.Errorf("unknown errors = %d, want 1", categories[hardening.CategoryUnknown])
	}
	breakers := stats["circuitBreakers"].(map[string]hardening.BreakerSnapshot)
	if len(breakers) != 2 {
		t.Errorf("breaker count = %d, want 2", len(breakers))
	}
}
