// Package observability provides tracing/metrics helpers shared across
// AILink's components: semantic attribute keys for spans touching the
// vault, the policy engine, and the circuit breaker, plus thin wrappers
// over the active span so call sites don't import go.opentelemetry.io/otel
// directly.
package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// AILink semantic convention attributes, grouped by the component that
// emits them.
var (
	// Token/session identity, attached to nearly every span in the pipeline.
	AttrTokenID   = attribute.Key("ailink.token.id")
	AttrSessionID = attribute.Key("ailink.session.id")
	AttrTenantID  = attribute.Key("ailink.tenant.id")

	// Session lifecycle (C11 session-gate).
	AttrSessionStatus    = attribute.Key("ailink.session.status")
	AttrSessionIteration = attribute.Key("ailink.session.iteration")

	// Policy mutation attributes (C7's Redact/Transform/Override path
	// mutations, applied to the request/response facet).
	AttrMutationKind   = attribute.Key("ailink.mutation.kind")
	AttrMutationPath   = attribute.Key("ailink.mutation.path")
	AttrMutationPolicy = attribute.Key("ailink.mutation.policy_id")

	// Policy decision point attributes (C7's rule evaluation pass).
	AttrPolicyID       = attribute.Key("ailink.policy.id")
	AttrPolicyPhase    = attribute.Key("ailink.policy.phase")
	AttrPolicyDecision = attribute.Key("ailink.policy.decision")
	AttrPolicyLatencyMs = attribute.Key("ailink.policy.latency_ms")

	// Guardrail attributes (content-filter and schema-validation actions).
	AttrGuardrailKind    = attribute.Key("ailink.guardrail.kind")
	AttrGuardrailPattern = attribute.Key("ailink.guardrail.pattern_id")
	AttrGuardrailPassed  = attribute.Key("ailink.guardrail.passed")

	// Circuit breaker attributes (C5).
	AttrBreakerUpstream = attribute.Key("ailink.breaker.upstream")
	AttrBreakerState    = attribute.Key("ailink.breaker.state")

	// Vault crypto attributes (C3's envelope encryption).
	AttrCryptoAlgorithm = attribute.Key("ailink.crypto.algorithm")
	AttrCryptoOperation = attribute.Key("ailink.crypto.operation")
	AttrCryptoKeyID     = attribute.Key("ailink.crypto.key_version")
)

// SessionOperation creates attributes for a session-gate check or update.
func SessionOperation(sessionID, status string, iteration int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrSessionID.String(sessionID),
		AttrSessionStatus.String(status),
		AttrSessionIteration.Int64(iteration),
	}
}

// MutationOperation creates attributes for a single path mutation the
// policy engine applied to a facet.
func MutationOperation(policyID, kind, path string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrMutationPolicy.String(policyID),
		AttrMutationKind.String(kind),
		AttrMutationPath.String(path),
	}
}

// PolicyOperation creates attributes for one policy evaluation pass.
func PolicyOperation(policyID, phase, decision string, latencyMs float64) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrPolicyID.String(policyID),
		AttrPolicyPhase.String(phase),
		AttrPolicyDecision.String(decision),
		AttrPolicyLatencyMs.Float64(latencyMs),
	}
}

// GuardrailOperation creates attributes for a content-filter or
// schema-validation action's outcome.
func GuardrailOperation(kind, patternID string, passed bool) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrGuardrailKind.String(kind),
		AttrGuardrailPattern.String(patternID),
		AttrGuardrailPassed.Bool(passed),
	}
}

// BreakerOperation creates attributes for a circuit breaker state
// transition or selection decision.
func BreakerOperation(upstream, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrBreakerUpstream.String(upstream),
		AttrBreakerState.String(state),
	}
}

// CryptoOperation creates attributes for a vault seal/open/rewrap call.
func CryptoOperation(algorithm, operation, keyVersion string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrCryptoAlgorithm.String(algorithm),
		AttrCryptoOperation.String(operation),
		AttrCryptoKeyID.String(keyVersion),
	}
}

// SpanFromContext extracts the active span from ctx.
func SpanFromContext(ctx context.Context) trace.Span {
	return trace.SpanFromContext(ctx)
}

// AddSpanEvent adds a named event with attrs to the active span.
func AddSpanEvent(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	span.AddEvent(name, trace.WithAttributes(attrs...))
}

// SetSpanStatus records err on the active span, if non-nil.
func SetSpanStatus(ctx context.Context, err error) {
	span := trace.SpanFromContext(ctx)
	if err != nil {
		span.RecordError(err)
	}
}
