package resilience

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MrWong99/agentvox/internal/observe"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func newGroup() *FallbackGroup[string] {
	fg := NewFallbackGroup("primary", "primary", FallbackConfig{
		CircuitBreaker: CircuitBreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour},
		Kind:           "test",
	})
	fg.AddFallback("secondary", "secondary")
	return fg
}

func TestFallbackGroup_PrimarySuccess(t *testing.T) {
	fg := newGroup()
	var called string
	err := fg.Execute(context.Background(), func(v string) error {
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "primary" {
		t.Fatalf("called = %q, want primary", called)
	}
}

func TestFallbackGroup_PrimaryFailFallbackSuccess(t *testing.T) {
	fg := newGroup()
	var called string
	err := fg.Execute(context.Background(), func(v string) error {
		if v == "primary" {
			return errTest
		}
		called = v
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if called != "secondary" {
		t.Fatalf("called = %q, want secondary", called)
	}
}

func TestFallbackGroup_AllFail(t *testing.T) {
	fg := newGroup()
	err := fg.Execute(context.Background(), func(string) error { return errTest })
	if !errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want ErrAllFailed", err)
	}
	if !errors.Is(err, errTest) {
		t.Fatalf("err = %v, want the last provider error wrapped", err)
	}
}

func TestFallbackGroup_CircuitBreakerSkipsOpenProvider(t *testing.T) {
	fg := newGroup()
	for range 2 {
		_ = fg.Execute(context.Background(), func(v string) error {
			if v == "primary" {
				return errTest
			}
			return nil
		})
	}
	if got := fg.States()["primary"]; got != StateOpen {
		t.Fatalf("primary state = %v, want open", got)
	}

	var calls []string
	err := fg.Execute(context.Background(), func(v string) error {
		calls = append(calls, v)
		return nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(calls) != 1 || calls[0] != "secondary" {
		t.Fatalf("calls = %v, want only secondary", calls)
	}
}

func TestFallbackGroup_CancellationDoesNotFailOver(t *testing.T) {
	fg := newGroup()
	var calls []string
	err := fg.Execute(context.Background(), func(v string) error {
		calls = append(calls, v)
		return fmt.Errorf("dial: %w", context.Canceled)
	})
	if !errors.Is(err, context.Canceled) || errors.Is(err, ErrAllFailed) {
		t.Fatalf("err = %v, want plain cancellation", err)
	}
	if len(calls) != 1 {
		t.Fatalf("calls = %v, want only the primary", calls)
	}
}

func TestFallbackGroup_Available(t *testing.T) {
	fg := newGroup()
	if err := fg.Available(context.Background()); err != nil {
		t.Fatalf("Available on fresh group: %v", err)
	}
	for range 2 {
		_ = fg.Execute(context.Background(), func(string) error { return errTest })
	}
	if err := fg.Available(context.Background()); !errors.Is(err, ErrAllFailed) {
		t.Fatalf("Available = %v, want ErrAllFailed with every breaker open", err)
	}
}

func TestFallbackGroup_Names(t *testing.T) {
	names := newGroup().Names()
	if len(names) != 2 || names[0] != "primary" || names[1] != "secondary" {
		t.Fatalf("Names = %v", names)
	}
}

func TestExecuteWithResult_Failover(t *testing.T) {
	fg := NewFallbackGroup(10, "ten", FallbackConfig{})
	fg.AddFallback("twenty", 20)

	result, err := ExecuteWithResult(context.Background(), fg, func(v int) (string, error) {
		if v == 10 {
			return "", errTest
		}
		return "from-twenty", nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != "from-twenty" {
		t.Fatalf("result = %q, want from-twenty", result)
	}
}

func TestFallbackGroup_RecordsMetrics(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	fg := NewFallbackGroup("primary", "primary", FallbackConfig{Kind: "stt", Metrics: m})
	fg.AddFallback("secondary", "secondary")
	_ = fg.Execute(context.Background(), func(v string) error {
		if v == "primary" {
			return errTest
		}
		return nil
	})

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				continue
			}
			for _, dp := range sum.DataPoints {
				p, _ := dp.Attributes.Value("provider")
				counts[met.Name+"/"+p.AsString()] += dp.Value
			}
		}
	}
	want := map[string]int64{
		"agentvox.provider.requests/primary":   1,
		"agentvox.provider.requests/secondary": 1,
		"agentvox.provider.errors/primary":     1,
	}
	for k, v := range want {
		if counts[k] != v {
			t.Errorf("%s = %d, want %d", k, counts[k], v)
		}
	}
	if counts["agentvox.provider.errors/secondary"] != 0 {
		t.Errorf("secondary recorded an error")
	}
}
