package app

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// newTracerProvider builds the SDK provider behind the per-stage spans.
// Exported spans go to w when the exporter is "stdout".
func newTracerProvider(cfg Config, w io.Writer) (*sdktrace.TracerProvider, error) {
	service := strings.TrimSpace(cfg.OTelServiceName)
	if service == "" {
		service = "entangle"
	}

	opts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(
			attribute.String("service.name", service),
		)),
		sdktrace.WithSampler(sdktrace.ParentBased(samplerFor(cfg.OTelSamplePercent))),
	}

	switch strings.ToLower(strings.TrimSpace(cfg.OTelExporter)) {
	case "", "none":
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(w))
		if err != nil {
			return nil, fmt.Errorf("otel stdout exporter: %w", err)
		}
		opts = append(opts, sdktrace.WithBatcher(exp, sdktrace.WithBatchTimeout(2*time.Second)))
	default:
		return nil, fmt.Errorf("unknown ENTANGLE_OTEL_EXPORTER %q (want none or stdout)", cfg.OTelExporter)
	}

	return sdktrace.NewTracerProvider(opts...), nil
}

func samplerFor(percent int) sdktrace.Sampler {
	switch {
	case percent <= 0 || percent >= 100:
		return sdktrace.AlwaysSample()
	default:
		return sdktrace.TraceIDRatioBased(float64(percent) / 100)
	}
}

func shutdownTracing(ctx context.Context, tp *sdktrace.TracerProvider, log Logger) {
	if tp == nil {
		return
	}
	if err := tp.Shutdown(ctx); err != nil {
		log.Warn("otel.shutdown.failed", "err", err)
	}
}
