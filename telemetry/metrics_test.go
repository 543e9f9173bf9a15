package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsInitialized(t *testing.T) {
	Init()
	Init() // second call must not re-register

	if MessagesIngested == nil || SendsTotal == nil || PlatformState == nil {
		t.Fatal("metrics not initialized")
	}
	if PollDuration == nil {
		t.Error("PollDuration histogram not initialized")
	}
}

func TestCounterHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(MessagesIngested.WithLabelValues("twitch"))
	MessageIngested("twitch")
	MessageIngested("twitch")
	if got := testutil.ToFloat64(MessagesIngested.WithLabelValues("twitch")) - before; got != 2 {
		t.Errorf("ingested delta = %v, want 2", got)
	}

	before = testutil.ToFloat64(DuplicatesDropped.WithLabelValues("kick"))
	DuplicateDropped("kick")
	if got := testutil.ToFloat64(DuplicatesDropped.WithLabelValues("kick")) - before; got != 1 {
		t.Errorf("duplicates delta = %v, want 1", got)
	}

	before = testutil.ToFloat64(SendsTotal.WithLabelValues("youtube", "RATE_LIMITED"))
	SendResult("youtube", "RATE_LIMITED", 20*time.Millisecond)
	if got := testutil.ToFloat64(SendsTotal.WithLabelValues("youtube", "RATE_LIMITED")) - before; got != 1 {
		t.Errorf("sends delta = %v, want 1", got)
	}
}

func TestSetPlatformStateMovesGauge(t *testing.T) {
	Init()

	SetPlatformState("youtube", "idle")
	SetPlatformState("youtube", "detecting")

	if v := testutil.ToFloat64(PlatformState.WithLabelValues("youtube", "idle")); v != 0 {
		t.Errorf("idle gauge = %v, want 0", v)
	}
	if v := testutil.ToFloat64(PlatformState.WithLabelValues("youtube", "detecting")); v != 1 {
		t.Errorf("detecting gauge = %v, want 1", v)
	}
}

func TestQuotaGauge(t *testing.T) {
	Init()

	trips := testutil.ToFloat64(QuotaBreakerTrips)
	UpdateQuotaGauge(true, true)
	if v := testutil.ToFloat64(QuotaBlockedGauge); v != 1 {
		t.Errorf("quota gauge = %v, want 1", v)
	}
	if got := testutil.ToFloat64(QuotaBreakerTrips) - trips; got != 1 {
		t.Errorf("trips delta = %v, want 1", got)
	}
	UpdateQuotaGauge(false, false)
	if v := testutil.ToFloat64(QuotaBlockedGauge); v != 0 {
		t.Errorf("quota gauge = %v, want 0", v)
	}
}

func TestQueueDepthGauge(t *testing.T) {
	Init()

	for _, depth := range []int{0, 10, 3} {
		SetQueueDepth(depth)
	}
	if v := testutil.ToFloat64(QueueDepthGauge); v != 3 {
		t.Errorf("queue depth = %v, want 3", v)
	}
}

func TestTimeFuncRecordsObservation(t *testing.T) {
	h := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "test_duration_seconds",
		Help:    "Test duration",
		Buckets: prometheus.DefBuckets,
	})

	executed := false
	d := TimeFunc(h, func() {
		time.Sleep(10 * time.Millisecond)
		executed = true
	})

	if !executed {
		t.Error("TimeFunc did not execute provided function")
	}
	if d < 10*time.Millisecond {
		t.Errorf("TimeFunc duration = %v, want >= 10ms", d)
	}
	if n := testutil.CollectAndCount(h); n != 1 {
		t.Errorf("collected %d metrics, want 1", n)
	}
}

func TestCorrelation(t *testing.T) {
	ctx := context.Background()
	if GetCorrelation(ctx) != "" {
		t.Error("expected empty correlation on bare context")
	}
	ctx = WithCorrelation(ctx, "abc")
	if got := GetCorrelation(ctx); got != "abc" {
		t.Errorf("GetCorrelation = %q, want abc", got)
	}
	if LoggerWithCorr(ctx) == nil {
		t.Error("LoggerWithCorr returned nil")
	}
}
