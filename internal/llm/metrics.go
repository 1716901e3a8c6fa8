package llm

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ordo-agent/ordo/internal/llm"

var (
	tokenHistogram    metric.Int64Histogram
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	tokenHistogram, err = meter.Int64Histogram(
		"ordo.llm.tokens",
		metric.WithDescription("Total tokens per completion request"),
		metric.WithUnit("{token}"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

// RecordTokenMetrics records token usage after a completion call.
// Provider and model attributes allow per-upstream filtering.
func RecordTokenMetrics(ctx context.Context, resp *Response) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered || resp == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("provider", resp.Provider),
		attribute.String("model", resp.Model),
	)
	tokenHistogram.Record(ctx, int64(resp.InputTokens+resp.OutputTokens), attrs)
}
