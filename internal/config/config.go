package config

import (
	"os"
	"strconv"
)

// Config holds all configuration for the orchestrator. Durations are kept
// in milliseconds as plain ints to match the environment contract.
type Config struct {
	Host    string
	Port    int
	Env     string
	Version string

	Discovery DiscoveryConfig
	MCP       MCPConfig
	Registry  RegistryConfig
	Hardening HardeningConfig
	Telemetry TelemetryConfig
	LogLevel  string
}

type DiscoveryConfig struct {
	// IntervalMs is the scan period. Overlapping ticks are skipped.
	IntervalMs int
	// RetryAttempts/RetryDelayMs bound docker command retries; the delay is
	// linear by attempt to ride out rootless socket contention.
	RetryAttempts int
	RetryDelayMs  int
	// ProbeTimeoutMs bounds the socket probe during path resolution.
	ProbeTimeoutMs int
}

type MCPConfig struct {
	// TimeoutMs is the per-agent call deadline.
	TimeoutMs int
	// RetryAttempts/RetryDelayMs drive the router's linear transport retries.
	RetryAttempts int
	RetryDelayMs  int
}

type RegistryConfig struct {
	// Path is the directory for plugins.json, module-status.json and
	// error-log.json when the file store is used.
	Path string
	// DSN switches the registry to the Postgres store when set.
	DSN string
	// MaxErrorLogEntries caps the error log ring.
	MaxErrorLogEntries int
}

type HardeningConfig struct {
	DefaultTimeoutMs        int
	MaxRetries              int
	RetryDelayMs            int
	CircuitBreakerThreshold int
	CircuitBreakerTimeoutMs int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// Load reads configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Host:     envStr("ORCHESTRATOR_HOST", "0.0.0.0"),
		Port:     envInt("ORCHESTRATOR_PORT", 3000),
		Env:      envStr("ORCHESTRATOR_ENV", "development"),
		Version:  envStr("ORCHESTRATOR_VERSION", "1.0.0"),
		LogLevel: envStr("LOG_LEVEL", "INFO"),
		Discovery: DiscoveryConfig{
			IntervalMs:     envInt("DISCOVERY_INTERVAL", 30000),
			RetryAttempts:  envInt("DISCOVERY_RETRY_ATTEMPTS", 10),
			RetryDelayMs:   envInt("DISCOVERY_RETRY_DELAY", 3000),
			ProbeTimeoutMs: envInt("DISCOVERY_PROBE_TIMEOUT", 5000),
		},
		MCP: MCPConfig{
			TimeoutMs:     envInt("MCP_TIMEOUT", 30000),
			RetryAttempts: envInt("MCP_RETRY_ATTEMPTS", 3),
			RetryDelayMs:  envInt("MCP_RETRY_DELAY", 1000),
		},
		Registry: RegistryConfig{
			Path:               envStr("REGISTRY_PATH", "./registry"),
			DSN:                envStr("REGISTRY_DSN", ""),
			MaxErrorLogEntries: envInt("REGISTRY_MAX_ERROR_LOG", 1000),
		},
		Hardening: HardeningConfig{
			DefaultTimeoutMs:        envInt("MCP_TIMEOUT", 30000),
			MaxRetries:              envInt("HARDENING_MAX_RETRIES", 3),
			RetryDelayMs:            envInt("HARDENING_RETRY_DELAY", 1000),
			CircuitBreakerThreshold: envInt("CIRCUIT_BREAKER_THRESHOLD", 5),
			CircuitBreakerTimeoutMs: envInt("CIRCUIT_BREAKER_TIMEOUT", 60000),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "mcp-multi-agent-orchestrator"),
		},
	}
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
