package tools

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/ordo-agent/ordo/internal/tools"

var (
	callDuration      metric.Float64Histogram
	metricsOnce       sync.Once
	metricsRegistered bool
)

func initMetrics() {
	meter := otel.Meter(meterName)
	var err error
	callDuration, err = meter.Float64Histogram(
		"ordo.tool.call_duration",
		metric.WithDescription("Tool call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return
	}
	metricsRegistered = true
}

func recordCallMetrics(ctx context.Context, tool, surface string, d time.Duration, ok bool) {
	metricsOnce.Do(initMetrics)
	if !metricsRegistered {
		return
	}
	callDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("surface", surface),
		attribute.Bool("ok", ok),
	))
}
