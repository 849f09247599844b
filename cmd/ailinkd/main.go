// Command ailinkd is the AILink data-plane process: it wires the eleven
// pipeline components (pkg/kvs, pkg/pstore, pkg/vault, pkg/cache,
// pkg/breaker, pkg/translate, pkg/policy, pkg/approval, pkg/dispatch,
// pkg/audit, pkg/pipeline) into a single http.Server and serves both the
// agent-facing proxy surface and the operator-facing health/metrics
// surface from pkg/api.
package main

import (
	"context"
	"database/sql"
	"encoding/hex"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq" // Postgres driver
	_ "modernc.org/sqlite" // local audit buffer driver

	"github.com/sujan174/Ai-Link-sub000/pkg/api"
	"github.com/sujan174/Ai-Link-sub000/pkg/approval"
	"github.com/sujan174/Ai-Link-sub000/pkg/audit"
	"github.com/sujan174/Ai-Link-sub000/pkg/breaker"
	"github.com/sujan174/Ai-Link-sub000/pkg/cache"
	"github.com/sujan174/Ai-Link-sub000/pkg/config"
	"github.com/sujan174/Ai-Link-sub000/pkg/dispatch"
	"github.com/sujan174/Ai-Link-sub000/pkg/identity"
	"github.com/sujan174/Ai-Link-sub000/pkg/kvs"
	"github.com/sujan174/Ai-Link-sub000/pkg/metrics"
	"github.com/sujan174/Ai-Link-sub000/pkg/observability"
	"github.com/sujan174/Ai-Link-sub000/pkg/pipeline"
	"github.com/sujan174/Ai-Link-sub000/pkg/policy"
	"github.com/sujan174/Ai-Link-sub000/pkg/pstore"
	"github.com/sujan174/Ai-Link-sub000/pkg/translate"
	"github.com/sujan174/Ai-Link-sub000/pkg/vault"
)

func main() {
	os.Exit(run())
}

//nolint:gocognit,gocyclo // startup wiring: one linear sequence reads better un-split
func run() int {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config: refusing to start", "error", err)
		return 1
	}

	logger := newLogger(cfg.LogLevel, cfg.Env)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		logger.Error("persistent store: open failed", "error", err)
		return 1
	}
	defer db.Close()
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.PingContext(pingCtx)
	cancel()
	if err != nil {
		logger.Error("persistent store: ping failed", "error", err)
		return 1
	}
	logger.Info("persistent store: connected")

	masterKey := vault.DeriveMasterKey(cfg.MasterKey)
	var v vault.Manager
	switch cfg.VaultBackend {
	case "hsm":
		provider, perr := vault.NewSoftwareProvider(masterKey)
		if perr != nil {
			logger.Error("vault: hsm provider init failed", "error", perr)
			return 1
		}
		logger.Info("vault: using hsm backend", "provider", provider.Name())
		v = vault.NewHSMVault(provider)
	default:
		lv, lerr := vault.NewLocalVault(masterKey)
		if lerr != nil {
			logger.Error("vault: init failed", "error", lerr)
			return 1
		}
		v = lv
	}

	store := pstore.New(db, v)

	kv, err := kvs.New(cfg.RedisURL)
	if err != nil {
		logger.Error("kvs: connect failed", "error", err)
		return 1
	}
	logger.Info("kvs: connected")

	ch, err := cache.New(ctx, store, kv, cfg.ProcessCacheTTL, cfg.SharedCacheTTL)
	if err != nil {
		logger.Error("cache: init failed", "error", err)
		return 1
	}

	engine, err := policy.NewEngine()
	if err != nil {
		logger.Error("policy: init failed", "error", err)
		return 1
	}

	actionHTTP := &http.Client{Timeout: 30 * time.Second}
	actions := pipeline.NewActionExecutor(kv, actionHTTP, logger)
	if cfg.ContentFilterWasmPath != "" {
		if moduleBytes, rerr := os.ReadFile(cfg.ContentFilterWasmPath); rerr != nil {
			logger.Warn("policy: content-filter wasm module unreadable, skipping", "path", cfg.ContentFilterWasmPath, "error", rerr)
		} else if scanner, serr := policy.NewWasmScanner(ctx, moduleBytes, 0); serr != nil {
			logger.Warn("policy: content-filter wasm module failed to compile, skipping", "path", cfg.ContentFilterWasmPath, "error", serr)
		} else {
			actions = actions.WithWasmModule("default", scanner)
		}
	}

	br := breaker.New()

	disp := dispatch.New(br, logger)
	if cfg.UpstreamRPS > 0 {
		disp = disp.WithUpstreamRateLimit(cfg.UpstreamRPS, cfg.UpstreamBurst)
	}

	registry := translate.NewRegistry()

	appr, err := approval.New(ctx, kv)
	if err != nil {
		logger.Error("approval: init failed", "error", err)
		return 1
	}
	defer appr.Close()

	sink := audit.NewPostgresSink(db)
	var buffer audit.LocalBuffer
	localDB, err := sql.Open("sqlite", "file:ailink-audit-buffer.db?cache=shared")
	if err != nil {
		logger.Warn("audit: local buffer unavailable, running without degrade-to-disk", "error", err)
	} else if b, bErr := audit.NewBufferedSQLite(localDB); bErr != nil {
		logger.Warn("audit: local buffer migrate failed, running without degrade-to-disk", "error", bErr)
	} else {
		buffer = b
	}

	writer := audit.New(audit.Config{
		BufferSize: cfg.AuditBufferSize,
		WriterPool: cfg.AuditWriterPool,
	}, sink, buffer, logger)
	defer writer.Close()

	if cfg.AuditSigningEnabled {
		signer, serr := audit.NewEd25519ChainSigner(masterKey)
		if serr != nil {
			logger.Warn("audit: chain signer init failed, writing unsigned records", "error", serr)
		} else {
			writer = writer.WithSigner(signer)
			logger.Info("audit: chain signing enabled", "public_key", hex.EncodeToString(signer.PublicKey()))
		}
	}

	switch cfg.AuditArchive {
	case "s3":
		archiver, archErr := audit.NewS3Archive(ctx, audit.S3ArchiveConfig{Bucket: cfg.AuditArchiveBucket})
		if archErr != nil {
			logger.Warn("audit: s3 archive unavailable, cold storage disabled", "error", archErr)
		} else {
			go audit.RunDailyArchival(ctx, sink, archiver, time.Hour, logger)
		}
	case "gcs":
		archiver, archErr := audit.NewGCSArchive(ctx, audit.GCSArchiveConfig{Bucket: cfg.AuditArchiveBucket})
		if archErr != nil {
			logger.Warn("audit: gcs archive unavailable, cold storage disabled", "error", archErr)
		} else {
			defer archiver.Close()
			go audit.RunDailyArchival(ctx, sink, archiver, time.Hour, logger)
		}
	}

	var obsProvider *observability.Provider
	if cfg.ObservabilityEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.ObservabilityOTLPEndpoint
		obsCfg.Environment = string(cfg.Env)
		obsProvider, err = observability.New(ctx, obsCfg)
		if err != nil {
			logger.Warn("observability: init failed, continuing without OTLP export", "error", err)
		} else {
			defer func() { _ = obsProvider.Shutdown(context.Background()) }()
		}
	}

	var promRegistry *metrics.Registry
	if cfg.PrometheusEnabled {
		promRegistry = metrics.New()
	}

	orchestrator := &pipeline.Orchestrator{
		Cache:              ch,
		Policy:             engine,
		Actions:            actions,
		Vault:              v,
		Translate:          registry,
		Dispatch:           disp,
		Breaker:            br,
		Approval:           appr,
		Audit:              writer,
		KV:                 kv,
		Sessions:           store,
		Timeline:           observability.NewAuditTimeline(),
		SLO:                observability.NewSLOTracker(),
		DispatchTimeout:    cfg.DispatchTimeout,
		MaxBodyBytes:       25 << 20,
		ApprovalHoldWindow: cfg.ApprovalHoldWindow,
		Log:                logger,
	}

	var allowedOrigins []string
	if cfg.DashboardOrigin != "" {
		allowedOrigins = strings.Split(cfg.DashboardOrigin, ",")
	}

	var tokens *identity.TokenManager
	if cfg.AdminKey != "" {
		signingKey := cfg.AdminSigningKey
		if signingKey == "" {
			signingKey = cfg.AdminKey
		}
		tokens, err = identity.NewTokenManager(signingKey)
		if err != nil {
			logger.Warn("identity: admin token manager disabled", "error", err)
		}
	}

	handler := api.NewRouter(api.Deps{
		Orchestrator:   orchestrator,
		Breaker:        br,
		KV:             kv,
		DB:             db,
		Metrics:        promRegistry,
		AdminKey:       cfg.AdminKey,
		Tokens:         tokens,
		AllowedOrigins: allowedOrigins,
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ailinkd: listening", "addr", srv.Addr, "env", cfg.Env)
		if serveErr := srv.ListenAndServe(); serveErr != nil && serveErr != http.ErrServerClosed {
			errCh <- serveErr
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("ailinkd: shutdown signal received")
	case serveErr := <-errCh:
		logger.Error("ailinkd: listener failed", "error", serveErr)
		return 1
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("ailinkd: graceful shutdown failed", "error", err)
		return 1
	}

	logger.Info("ailinkd: stopped")
	return 0
}

// newLogger builds the process slog.Logger at the floor configured by
// AILINK_LOG_LEVEL. "trace" maps to slog's Debug level since slog has no
// finer level of its own; the extra granularity the spec's "trace" implies
// lives in per-record audit fields, not in log verbosity. Production logs
// are JSON; any other environment gets slog's text format.
func newLogger(level config.LogLevel, env config.Env) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogLevelDebug, config.LogLevelTrace:
		lvl = slog.LevelDebug
	default:
		lvl = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lvl}
	if env == config.EnvProduction {
		return slog.New(slog.NewJSONHandler(os.Stdout, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stdout, opts))
}
