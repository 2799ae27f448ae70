// Package telemetry configures OpenTelemetry tracing for the service.
package telemetry

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

// Mode selects how much of the service is traced.
type Mode string

const (
	// ModeOff records nothing.
	ModeOff Mode = "off"
	// ModeErrors keeps a thin sample so failing analyses still leave traces.
	ModeErrors Mode = "errors"
	// ModeSampled records request spans at the configured ratio.
	ModeSampled Mode = "sampled"
	// ModeDetailed records every span including per-call GitHub spans.
	ModeDetailed Mode = "detailed"
)

// DefaultServiceName is reported when no service name is configured.
const DefaultServiceName = "repo-insights"

// errorsModeFloor is the sampling ratio used in errors mode when none is set.
const errorsModeFloor = 0.01

var activeMode atomic.Value

// ParseMode maps a configured mode name to a Mode. Unknown names fall back
// to ModeSampled.
func ParseMode(raw string) Mode {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeOff:
		return ModeOff
	case ModeErrors:
		return ModeErrors
	case ModeDetailed:
		return ModeDetailed
	default:
		return ModeSampled
	}
}

// Config configures tracing.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	// TraceMode is one of off, errors, sampled or detailed.
	TraceMode        string
	TraceSampleRatio float64
	// ExporterEndpoint is an OTLP/HTTP traces URL such as
	// http://collector:4318/v1/traces. Spans are sampled but not exported
	// when it is empty.
	ExporterEndpoint string
}

// Provider owns the installed tracer provider.
type Provider struct {
	tracerProvider *sdktrace.TracerProvider
	mode           Mode
}

// Setup installs the global tracer provider and propagators. Disabled
// tracing still installs a provider so spans are cheap no-ops.
func Setup(ctx context.Context, cfg Config) (*Provider, error) {
	mode := ParseMode(cfg.TraceMode)
	if !cfg.Enabled {
		mode = ModeOff
	}
	activeMode.Store(mode)

	res, err := serviceResource(cfg)
	if err != nil {
		return nil, fmt.Errorf("build telemetry resource: %w", err)
	}

	options := []sdktrace.TracerProviderOption{
		sdktrace.WithSampler(sampler(mode, cfg.TraceSampleRatio)),
		sdktrace.WithResource(res),
	}
	if endpoint := strings.TrimSpace(cfg.ExporterEndpoint); mode != ModeOff && endpoint != "" {
		exporter, err := otlptracehttp.New(ctx, otlptracehttp.WithEndpointURL(endpoint))
		if err != nil {
			return nil, fmt.Errorf("create otlp trace exporter: %w", err)
		}
		options = append(options, sdktrace.WithBatcher(exporter))
	}

	tracerProvider := sdktrace.NewTracerProvider(options...)
	otel.SetTracerProvider(tracerProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return &Provider{tracerProvider: tracerProvider, mode: mode}, nil
}

// TracerProvider returns the installed SDK provider.
func (p *Provider) TracerProvider() *sdktrace.TracerProvider {
	return p.tracerProvider
}

// Mode reports the effective mode after the enabled flag was applied.
func (p *Provider) Mode() Mode {
	return p.mode
}

// Shutdown flushes pending spans and stops the exporter.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.tracerProvider == nil {
		return nil
	}
	return p.tracerProvider.Shutdown(ctx)
}

// TraceMode reports the mode installed by the last Setup as a string.
func TraceMode() string {
	return string(currentMode())
}

// ShouldTraceDependencies reports whether per-call GitHub spans are wanted.
func ShouldTraceDependencies() bool {
	return currentMode() == ModeDetailed
}

func currentMode() Mode {
	mode, ok := activeMode.Load().(Mode)
	if !ok || mode == "" {
		return ModeOff
	}
	return mode
}

func serviceResource(cfg Config) (*resource.Resource, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = DefaultServiceName
	}
	attrs := []resource.Option{
		resource.WithAttributes(semconv.ServiceName(name)),
	}
	if version := strings.TrimSpace(cfg.ServiceVersion); version != "" {
		attrs = append(attrs, resource.WithAttributes(semconv.ServiceVersion(version)))
	}
	custom, err := resource.New(context.Background(), attrs...)
	if err != nil {
		return nil, err
	}
	return resource.Merge(resource.Default(), custom)
}

func sampler(mode Mode, ratio float64) sdktrace.Sampler {
	ratio = min(max(ratio, 0), 1)
	switch mode {
	case ModeOff:
		return sdktrace.NeverSample()
	case ModeDetailed:
		return sdktrace.AlwaysSample()
	case ModeErrors:
		if ratio == 0 {
			ratio = errorsModeFloor
		}
	}
	return sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))
}
