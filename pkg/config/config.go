// Package config loads AILink's process configuration from the environment,
// per spec §6. Every setting is a plain environment variable; there is no
// config file format. Load refuses to start in production without an
// operator-supplied master key.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Env is the deployment environment gate. In production, Load refuses to
// start with the development default master key.
type Env string

const (
	EnvDevelopment Env = "development"
	EnvProduction  Env = "production"
)

// LogLevel is the process-wide floor for slog verbosity. The per-token
// audit body/header capture depth (spec §7) is a separate, finer-grained
// gate layered on top of this.
type LogLevel string

const (
	LogLevelInfo  LogLevel = "info"
	LogLevelDebug LogLevel = "debug"
	LogLevelTrace LogLevel = "trace"
)

// devDefaultMasterKey is the well-known insecure key used only when
// AILINK_ENV=development and AILINK_MASTER_KEY is unset. Starting in
// production with this key is refused by Load.
const devDefaultMasterKey = "ailink-development-only-master-key-32byte"

// Config holds AILink's process-wide configuration, sourced once at start
// by Load; cmd/ailinkd passes its fields to the components it wires.
// auth.CORSMiddleware, when given no origins, reads DASHBOARD_ORIGIN from
// the environment itself.
//
//nolint:govet // fieldalignment: struct layout kept readable
type Config struct {
	Env             Env
	Port            string
	LogLevel        LogLevel
	DatabaseURL     string
	RedisURL        string
	MasterKey       string
	AdminKey        string
	DashboardOrigin string
	DashboardSecret string
	EnableTestHooks bool

	// Tuning knobs the spec leaves to the implementation but a real
	// deployment needs exposed; all default to spec-consistent values.
	ProcessCacheTTL time.Duration // C4 in-process tier freshness (~30s)
	SharedCacheTTL  time.Duration // C4 KVS tier TTL (~5m)
	AuditBufferSize int           // C10 bounded channel capacity
	AuditWriterPool int           // C10 concurrent batch writers
	DispatchTimeout time.Duration // default per-request deadline floor

	// ApprovalHoldWindow bounds how long a RequireApproval suspension holds
	// the client connection open before detaching to the async 202 contract.
	ApprovalHoldWindow time.Duration

	// UpstreamRPS/UpstreamBurst cap outbound request rate per (scheme,
	// host) target in pkg/dispatch; UpstreamRPS <= 0 disables the limiter.
	UpstreamRPS   float64
	UpstreamBurst int

	// AuditArchive selects the C10 cold-storage backend: "s3", "gcs", or
	// "none" (default, no archival).
	AuditArchive     string
	AuditArchiveBucket string

	// AdminSigningKey signs/verifies the internal management-plane JWTs
	// pkg/identity issues, distinct from agent-facing virtual tokens.
	AdminSigningKey string

	// VaultBackend selects the KEK custodian: "local" (default, KEK held
	// in this process) or "hsm" (KEK wrap/unwrap deferred to
	// pkg/vault.Provider; ships with a software provider until an
	// operator wires in a real PKCS#11 binding).
	VaultBackend string

	// AuditSigningEnabled turns on Ed25519 signing of each audit record's
	// EntryHash (pkg/audit), so a chain export carries non-repudiation
	// beyond the hash linkage alone.
	AuditSigningEnabled bool

	// ObservabilityOTLPEndpoint is the OTLP gRPC collector target for
	// pkg/observability; PrometheusEnabled additionally exposes a pull
	// /metrics surface alongside the OTLP push path.
	ObservabilityOTLPEndpoint string
	ObservabilityEnabled      bool
	PrometheusEnabled         bool

	// ContentFilterWasmPath optionally points at a compiled WASI module
	// loaded as the "default" content-filter scanner (pkg/policy.WasmScanner)
	// for ContentFilterAction.WasmModule == "default". Empty disables it.
	ContentFilterWasmPath string
}

// Load reads configuration from the environment, applying spec-defined
// defaults. It returns an error only when a production boot would be
// unsafe (missing or default master key).
func Load() (*Config, error) {
	cfg := &Config{
		Env:             Env(getEnvDefault("AILINK_ENV", string(EnvDevelopment))),
		Port:            getEnvDefault("AILINK_PORT", "8080"),
		LogLevel:        LogLevel(strings.ToLower(getEnvDefault("AILINK_LOG_LEVEL", string(LogLevelInfo)))),
		DatabaseURL:     getEnvDefault("DATABASE_URL", "postgres://ailink@localhost:5432/ailink?sslmode=disable"),
		RedisURL:        getEnvDefault("REDIS_URL", "redis://localhost:6379/0"),
		MasterKey:       os.Getenv("AILINK_MASTER_KEY"),
		AdminKey:        os.Getenv("AILINK_ADMIN_KEY"),
		DashboardOrigin: os.Getenv("DASHBOARD_ORIGIN"),
		DashboardSecret: os.Getenv("DASHBOARD_SECRET"),
		EnableTestHooks: os.Getenv("AILINK_ENABLE_TEST_HOOKS") == "1",

		AuditArchive:          getEnvDefault("AILINK_AUDIT_ARCHIVE", "none"),
		AuditArchiveBucket:    os.Getenv("AILINK_AUDIT_ARCHIVE_BUCKET"),
		AdminSigningKey:       os.Getenv("AILINK_ADMIN_SIGNING_KEY"),
		ContentFilterWasmPath: os.Getenv("AILINK_CONTENT_FILTER_WASM_PATH"),
		VaultBackend:          getEnvDefault("AILINK_VAULT_BACKEND", "local"),
		AuditSigningEnabled:   os.Getenv("AILINK_AUDIT_SIGNING_ENABLED") == "1",

		ObservabilityOTLPEndpoint: getEnvDefault("AILINK_OTLP_ENDPOINT", "localhost:4317"),
		ObservabilityEnabled:      os.Getenv("AILINK_OBSERVABILITY_ENABLED") == "1",
		PrometheusEnabled:         os.Getenv("AILINK_PROMETHEUS_ENABLED") != "0",

		UpstreamRPS:   0,
		UpstreamBurst: 0,

		ProcessCacheTTL:    30 * time.Second,
		SharedCacheTTL:     5 * time.Minute,
		AuditBufferSize:    4096,
		AuditWriterPool:    4,
		DispatchTimeout:    60 * time.Second,
		ApprovalHoldWindow: 25 * time.Second,
	}

	if v := os.Getenv("AILINK_CACHE_PROCESS_TTL_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ProcessCacheTTL = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("AILINK_AUDIT_BUFFER_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.AuditBufferSize = n
		}
	}
	if v := os.Getenv("AILINK_UPSTREAM_RPS"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.UpstreamRPS = f
		}
	}
	if v := os.Getenv("AILINK_UPSTREAM_BURST"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UpstreamBurst = n
		}
	}
	if v := os.Getenv("AILINK_APPROVAL_HOLD_WINDOW_MS"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil {
			cfg.ApprovalHoldWindow = time.Duration(ms) * time.Millisecond
		}
	}

	if cfg.MasterKey == "" {
		if cfg.Env == EnvProduction {
			return nil, fmt.Errorf("config: AILINK_MASTER_KEY is required in production")
		}
		cfg.MasterKey = devDefaultMasterKey
	}
	if cfg.Env == EnvProduction && cfg.MasterKey == devDefaultMasterKey {
		return nil, fmt.Errorf("config: refusing to start in production with the development default master key")
	}

	return cfg, nil
}

func getEnvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
