package policy

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WasmVerdict is what a compiled content-filter module reports back over
// stdout: a flagged bit plus the category it matched, so the caller can
// fold it into the same AILinkError path a canned regex match takes.
type WasmVerdict struct {
	Flagged bool   `json:"flagged"`
	Reason  string `json:"reason"`
}

// WasmScanner runs a precompiled WASI content-filter module per scan call.
// Deny-by-default like every WASI guest AILink hosts: no filesystem, no
// network, no environment, and no randomness are wired in — the module
// only ever sees the text on stdin and reports a verdict on stdout.
type WasmScanner struct {
	runtime wazero.Runtime
	compiled wazero.CompiledModule
	timeout time.Duration

	mu sync.Mutex
}

// NewWasmScanner compiles moduleBytes once at startup; Scan then
// instantiates a fresh, isolated module per call so concurrent requests
// never share guest memory.
func NewWasmScanner(ctx context.Context, moduleBytes []byte, timeout time.Duration) (*WasmScanner, error) {
	if timeout <= 0 {
		timeout = 200 * time.Millisecond
	}
	r := wazero.NewRuntime(ctx)
	wasi_snapshot_preview1.MustInstantiate(ctx, r)

	compiled, err := r.CompileModule(ctx, moduleBytes)
	if err != nil {
		_ = r.Close(ctx)
		return nil, fmt.Errorf("policy: compile content-filter module: %w", err)
	}

	return &WasmScanner{runtime: r, compiled: compiled, timeout: timeout}, nil
}

// Scan feeds text to a fresh instance of the compiled module over stdin and
// parses its stdout as a WasmVerdict. A module that exits non-zero, times
// out, or writes anything to stderr is treated as a scan failure, not as a
// clean verdict — callers decide fail-open vs fail-closed the same way the
// external-guardrail action does for an unreachable vendor.
func (s *WasmScanner) Scan(ctx context.Context, text string) (WasmVerdict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	scanCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	modCfg := wazero.NewModuleConfig().
		WithName("").
		WithStdin(bytes.NewReader([]byte(text))).
		WithStdout(&stdout).
		WithStderr(&stderr)

	mod, err := s.runtime.InstantiateModule(scanCtx, s.compiled, modCfg)
	if err != nil {
		if scanCtx.Err() != nil {
			return WasmVerdict{}, fmt.Errorf("policy: content-filter module timed out after %v", s.timeout)
		}
		return WasmVerdict{}, fmt.Errorf("policy: content-filter module failed: %w", err)
	}
	defer func() { _ = mod.Close(scanCtx) }()

	if stderr.Len() > 0 {
		return WasmVerdict{}, fmt.Errorf("policy: content-filter module wrote to stderr: %s", stderr.String())
	}

	var verdict WasmVerdict
	if err := json.Unmarshal(stdout.Bytes(), &verdict); err != nil {
		return WasmVerdict{}, fmt.Errorf("policy: content-filter module produced no verdict: %w", err)
	}
	return verdict, nil
}

// Close releases the wazero runtime and its compiled module.
func (s *WasmScanner) Close(ctx context.Context) error {
	if err := s.compiled.Close(ctx); err != nil {
		return err
	}
	return s.runtime.Close(ctx)
}
