package tools

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	ordotel "github.com/ordo-agent/ordo/internal/otel"
)

var tracer = ordotel.Tracer("github.com/ordo-agent/ordo/internal/tools")

// Defaults for the fan-out worker pool.
const (
	DefaultMaxInFlight = 4
	DefaultCallTimeout = 30 * time.Second
)

// Call is one tool invocation request.
type Call struct {
	Tool   string
	Params map[string]interface{}
}

// Outcome is the settled result of one call. Err is non-nil for
// validation, execution, or timeout failures; a failed call never
// cancels its siblings.
type Outcome struct {
	Tool     string
	Surface  string
	Data     interface{}
	Err      error
	Duration time.Duration
}

// OK reports whether the call produced usable data.
func (o *Outcome) OK() bool {
	return o.Err == nil
}

// Router executes resolved tool sets concurrently with a bounded
// in-flight count and an independent timeout per call.
type Router struct {
	registry    *Registry
	maxInFlight int
	callTimeout time.Duration
}

// RouterOption configures a Router.
type RouterOption func(*Router)

// WithMaxInFlight bounds concurrent tool calls.
func WithMaxInFlight(n int) RouterOption {
	return func(r *Router) { r.maxInFlight = n }
}

// WithCallTimeout sets the per-call timeout.
func WithCallTimeout(d time.Duration) RouterOption {
	return func(r *Router) { r.callTimeout = d }
}

// NewRouter creates a router over the registry.
func NewRouter(registry *Registry, opts ...RouterOption) *Router {
	r := &Router{
		registry:    registry,
		maxInFlight: DefaultMaxInFlight,
		callTimeout: DefaultCallTimeout,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Execute fans the calls out and blocks until every call has settled.
// The returned slice is index-aligned with calls; failures are recorded
// per-outcome and never abort the batch.
func (r *Router) Execute(ctx context.Context, calls []Call, caller CallerContext) []Outcome {
	ctx, span := tracer.Start(ctx, "tools.execute")
	defer span.End()
	span.SetAttributes(attribute.Int("tools.call_count", len(calls)))

	outcomes := make([]Outcome, len(calls))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxInFlight)
	for i, call := range calls {
		i, call := i, call
		g.Go(func() error {
			outcomes[i] = r.invoke(ctx, call, caller)
			return nil
		})
	}
	// Workers never return errors; Wait is purely the settle barrier.
	_ = g.Wait()

	failed := 0
	for i := range outcomes {
		if !outcomes[i].OK() {
			failed++
		}
	}
	span.SetAttributes(attribute.Int("tools.failed_count", failed))
	return outcomes
}

// invoke runs a single call: schema validation, per-call timeout, then
// the tool itself. All failure modes land in the outcome's Err.
func (r *Router) invoke(ctx context.Context, call Call, caller CallerContext) Outcome {
	start := time.Now()
	outcome := Outcome{Tool: call.Tool}

	tool, ok := r.registry.Get(call.Tool)
	if !ok {
		outcome.Err = fmt.Errorf("%w: %s", ErrUnknownTool, call.Tool)
		outcome.Duration = time.Since(start)
		return outcome
	}
	outcome.Surface = tool.Surface()

	if err := r.registry.ValidateParams(call.Tool, call.Params); err != nil {
		outcome.Err = err
		outcome.Duration = time.Since(start)
		return outcome
	}

	callCtx, cancel := context.WithTimeout(ctx, r.callTimeout)
	defer cancel()

	data, err := tool.Invoke(callCtx, call.Params, caller)
	outcome.Duration = time.Since(start)
	recordCallMetrics(ctx, call.Tool, tool.Surface(), outcome.Duration, err == nil)

	if err != nil {
		log.Warn().
			Str("tool", call.Tool).
			Str("surface", tool.Surface()).
			Dur("duration", outcome.Duration).
			Err(err).
			Func(ordotel.LogTraceFields(ctx)).
			Msg("tool_call_failed")
		outcome.Err = fmt.Errorf("%w: %s: %s", ErrToolExecution, call.Tool, err)
		return outcome
	}

	outcome.Data = data
	return outcome
}
