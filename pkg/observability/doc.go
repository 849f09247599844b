// Package observability provides OpenTelemetry tracing and OTLP metrics
// for AILink's components, plus in-memory SLO/SLI tracking and an audit
// timeline. The Prometheus /metrics surface lives in pkg/metrics.
//
// # Tracing and metrics
//
// Create a Provider at application startup:
//
//	p, err := observability.New(ctx, observability.DefaultConfig())
//	defer p.Shutdown(ctx)
//
// Create spans manually:
//
//	ctx, span := p.StartSpan(ctx, "operation_name")
//	defer span.End()
//
// Or track a whole operation; the returned function ends its span and
// records its outcome:
//
//	ctx, done := p.TrackOperation(ctx, "policy_eval")
//	err := evaluate(ctx)
//	done(err)
//
// Record request metrics directly:
//
//	p.RecordRequest(ctx, attrs...)
//	p.RecordError(ctx, err, attrs...)
//	p.RecordDuration(ctx, elapsed, attrs...)
package observability
