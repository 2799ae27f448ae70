package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

func TestParseMode(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name string
		raw  string
		want Mode
	}{
		{name: "empty_is_sampled", raw: "", want: ModeSampled},
		{name: "trims_and_folds_case", raw: " Detailed ", want: ModeDetailed},
		{name: "off", raw: "off", want: ModeOff},
		{name: "errors", raw: "errors", want: ModeErrors},
		{name: "unknown_is_sampled", raw: "verbose", want: ModeSampled},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := ParseMode(tc.raw); got != tc.want {
				t.Fatalf("ParseMode(%q) = %q, want %q", tc.raw, got, tc.want)
			}
		})
	}
}

func TestSampler(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name     string
		mode     Mode
		ratio    float64
		wantDrop bool
	}{
		{name: "off_drops", mode: ModeOff, ratio: 1, wantDrop: true},
		{name: "sampled_zero_ratio_drops", mode: ModeSampled, ratio: 0, wantDrop: true},
		{name: "sampled_full_ratio_records", mode: ModeSampled, ratio: 1},
		{name: "ratio_above_one_is_clamped", mode: ModeSampled, ratio: 3},
		{name: "negative_ratio_is_clamped", mode: ModeSampled, ratio: -1, wantDrop: true},
		{name: "detailed_ignores_ratio", mode: ModeDetailed, ratio: 0},
		{name: "errors_full_ratio_records", mode: ModeErrors, ratio: 1},
	}

	params := sdktrace.SamplingParameters{}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			gotDrop := sampler(tc.mode, tc.ratio).ShouldSample(params).Decision == sdktrace.Drop
			if gotDrop != tc.wantDrop {
				t.Fatalf("sampler(%q, %v) drop = %t, want %t", tc.mode, tc.ratio, gotDrop, tc.wantDrop)
			}
		})
	}
}

func TestServiceResource(t *testing.T) {
	t.Parallel()

	res, err := serviceResource(Config{ServiceVersion: "1.4.0"})
	if err != nil {
		t.Fatalf("serviceResource() unexpected error: %v", err)
	}
	attrs := res.Set()
	if value, ok := attrs.Value(semconv.ServiceNameKey); !ok || value.AsString() != DefaultServiceName {
		t.Fatalf("service.name = %q, want %q", value.AsString(), DefaultServiceName)
	}
	if value, ok := attrs.Value(semconv.ServiceVersionKey); !ok || value.AsString() != "1.4.0" {
		t.Fatalf("service.version = %q, want 1.4.0", value.AsString())
	}
}

// Setup mutates process-wide otel state, so these cases run sequentially.
func TestSetup(t *testing.T) {
	testCases := []struct {
		name     string
		config   Config
		wantMode Mode
		wantDeps bool
	}{
		{
			name:     "disabled_forces_off",
			config:   Config{Enabled: false, TraceMode: "detailed"},
			wantMode: ModeOff,
		},
		{
			name:     "enabled_sampled",
			config:   Config{Enabled: true, TraceMode: "sampled", TraceSampleRatio: 0.25},
			wantMode: ModeSampled,
		},
		{
			name: "detailed_with_otlp_exporter",
			config: Config{
				Enabled:          true,
				TraceMode:        "detailed",
				ExporterEndpoint: "http://127.0.0.1:4318/v1/traces",
			},
			wantMode: ModeDetailed,
			wantDeps: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			provider, err := Setup(context.Background(), tc.config)
			if err != nil {
				t.Fatalf("Setup() unexpected error: %v", err)
			}
			defer func() {
				if err := provider.Shutdown(context.Background()); err != nil {
					t.Fatalf("Shutdown() unexpected error: %v", err)
				}
			}()

			if provider.Mode() != tc.wantMode || TraceMode() != string(tc.wantMode) {
				t.Fatalf("mode = (%q, %q), want %q", provider.Mode(), TraceMode(), tc.wantMode)
			}
			if ShouldTraceDependencies() != tc.wantDeps {
				t.Fatalf("ShouldTraceDependencies() = %t, want %t", ShouldTraceDependencies(), tc.wantDeps)
			}
			if otel.GetTracerProvider() != provider.TracerProvider() {
				t.Fatalf("global tracer provider was not installed")
			}
		})
	}
}

func TestNilProviderShutdown(t *testing.T) {
	t.Parallel()

	var provider *Provider
	if err := provider.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() on nil provider unexpected error: %v", err)
	}
}

func TestDetailedSamplerKeepsAnalysisTree(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sampler(ModeDetailed, 0)),
		sdktrace.WithSpanProcessor(recorder),
		sdktrace.WithResource(sdkresource.Empty()),
	)
	t.Cleanup(func() {
		_ = provider.Shutdown(context.Background())
	})

	tracer := provider.Tracer("telemetry-test")
	ctx, parent := tracer.Start(context.Background(), "snapshot.analyze")
	_, child := tracer.Start(ctx, "githubapi.client.do")
	child.End()
	parent.End()

	ended := recorder.Ended()
	if len(ended) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(ended))
	}
	if ended[0].Name() != "githubapi.client.do" || ended[0].Parent().SpanID() != ended[1].SpanContext().SpanID() {
		t.Fatalf("githubapi span not parented to snapshot.analyze")
	}
}
