package observe

import (
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func setupTelemetry(t *testing.T, cfg TelemetryConfig) *Telemetry {
	t.Helper()
	prevMP, prevTP := otel.GetMeterProvider(), otel.GetTracerProvider()
	prevProp := otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetMeterProvider(prevMP)
		otel.SetTracerProvider(prevTP)
		otel.SetTextMapPropagator(prevProp)
	})

	tel, err := Setup(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	t.Cleanup(func() { _ = tel.Shutdown(context.Background()) })
	return tel
}

func scrape(t *testing.T, tel *Telemetry) string {
	t.Helper()
	srv := httptest.NewServer(tel.Handler())
	defer srv.Close()

	resp, err := srv.Client().Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read scrape: %v", err)
	}
	return string(body)
}

func TestSetup_ScrapesRecordedMetrics(t *testing.T) {
	tel := setupTelemetry(t, TelemetryConfig{ServiceVersion: "test"})

	tel.Metrics.RecordProviderRequest(context.Background(), "deepgram", "stt", "ok")

	body := scrape(t, tel)
	if !strings.Contains(body, "agentvox_provider_requests") {
		t.Errorf("scrape output has no provider request counter:\n%s", body)
	}
	if !strings.Contains(body, `provider="deepgram"`) {
		t.Errorf("scrape output lost the provider label:\n%s", body)
	}
	if strings.Contains(body, "go_goroutines") {
		t.Error("runtime collectors registered without RuntimeCollectors")
	}
}

func TestSetup_RuntimeCollectors(t *testing.T) {
	tel := setupTelemetry(t, TelemetryConfig{RuntimeCollectors: true})

	if body := scrape(t, tel); !strings.Contains(body, "go_goroutines") {
		t.Error("go collector missing from scrape output")
	}
}

func TestSetup_InstallsGlobalTracer(t *testing.T) {
	exp := tracetest.NewInMemoryExporter()
	tel := setupTelemetry(t, TelemetryConfig{TraceExporter: exp})

	_, span := StartSpan(context.Background(), "unit")
	span.End()

	if err := tel.tracers.ForceFlush(context.Background()); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	spans := exp.GetSpans()
	if len(spans) != 1 || spans[0].Name != "unit" {
		t.Fatalf("exported spans = %v, want one named unit", spans)
	}
	var svc string
	for _, kv := range spans[0].Resource.Attributes() {
		if kv.Key == "service.name" {
			svc = kv.Value.AsString()
		}
	}
	if svc != "agentvox" {
		t.Errorf("service.name = %q, want agentvox", svc)
	}
}
