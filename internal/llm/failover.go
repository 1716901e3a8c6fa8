package llm

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Failover routes completion requests to a primary provider and falls
// back to a secondary when the primary fails. Constructed per process
// and injected into the pipeline; there is no package-level instance.
type Failover struct {
	primary  Completer
	fallback Completer // may be nil
}

// NewFailover creates a failover strategy. fallback may be nil, in which
// case primary errors surface directly as ErrUpstreamUnavailable.
func NewFailover(primary, fallback Completer) *Failover {
	return &Failover{primary: primary, fallback: fallback}
}

// Name identifies the strategy for spans and logs.
func (f *Failover) Name() string {
	return "failover"
}

// Complete tries the primary provider, then the fallback. When both
// fail the error wraps ErrUpstreamUnavailable with both causes.
func (f *Failover) Complete(ctx context.Context, req *Request) (*Response, error) {
	ctx, span := tracer.Start(ctx, "llm.failover_complete",
		trace.WithAttributes(
			attribute.String("llm.primary", f.primary.Name()),
		))
	defer span.End()

	resp, primaryErr := f.primary.Complete(ctx, req)
	if primaryErr == nil {
		return resp, nil
	}
	span.RecordError(primaryErr)

	if f.fallback == nil {
		return nil, fmt.Errorf("%w: %s: %s", ErrUpstreamUnavailable, f.primary.Name(), primaryErr)
	}

	log.Warn().
		Str("primary", f.primary.Name()).
		Str("fallback", f.fallback.Name()).
		Err(primaryErr).
		Msg("llm_failover")
	span.SetAttributes(attribute.Bool("llm.degraded", true))

	resp, fallbackErr := f.fallback.Complete(ctx, req)
	if fallbackErr == nil {
		return resp, nil
	}
	span.RecordError(fallbackErr)

	return nil, fmt.Errorf("%w: %s", ErrUpstreamUnavailable, errors.Join(primaryErr, fallbackErr))
}
