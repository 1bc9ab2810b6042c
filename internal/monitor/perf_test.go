package monitor

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/foofork/riptide/internal/observability"
	"github.com/google/uuid"
)

var testLogger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

func newTestMetrics() *observability.Metrics {
	return observability.NewMetrics(testLogger)
}

func TestPerfMonitor_ThresholdAlerts(t *testing.T) {
	m := NewPerfMonitorWithConfig(
		PerformanceTargets{MemoryAlertMB: 100, P95LatencyMs: 500, MaxCPUPercent: 80},
		MonitorConfig{CollectionInterval: time.Second, MaxSamples: 10, EnableAlerts: true, Multipliers: AlertMultipliers{Warning: 1.0, Critical: 1.5}},
		nil, testLogger,
	)

	m.checkThresholds(
		SystemSample{RSSMb: 200, CPUPercent: 95},
		AppSample{P95ResponseMs: 1000},
	)

	alerts := m.ActiveAlerts()
	if len(alerts) != 3 {
		t.Fatalf("expected 3 alerts (memory, latency, cpu), got %d", len(alerts))
	}

	var sawCriticalMemory bool
	for _, a := range alerts {
		if a.Metric == "memory_rss" && a.Severity == AlertCritical {
			sawCriticalMemory = true
		}
	}
	if !sawCriticalMemory {
		t.Fatal("expected critical memory_rss alert at 200MB against a 100MB target")
	}
}

func TestPerfMonitor_AlertDedupByMetric(t *testing.T) {
	m := NewPerfMonitorWithConfig(
		PerformanceTargets{MemoryAlertMB: 100, P95LatencyMs: 5000, MaxCPUPercent: 80},
		DefaultMonitorConfig(),
		nil, testLogger,
	)

	m.checkThresholds(SystemSample{RSSMb: 120}, AppSample{})
	m.checkThresholds(SystemSample{RSSMb: 130}, AppSample{})

	alerts := m.ActiveAlerts()
	if len(alerts) != 1 {
		t.Fatalf("expected a single deduped memory_rss alert, got %d", len(alerts))
	}
	if alerts[0].CurrentValue != 130 {
		t.Fatalf("expected latest value 130 to win, got %v", alerts[0].CurrentValue)
	}
}

func TestPerfMonitor_AcknowledgeAlert(t *testing.T) {
	m := NewPerfMonitorWithConfig(
		PerformanceTargets{MemoryAlertMB: 100, P95LatencyMs: 5000, MaxCPUPercent: 80},
		DefaultMonitorConfig(),
		nil, testLogger,
	)
	m.checkThresholds(SystemSample{RSSMb: 200}, AppSample{})

	alerts := m.ActiveAlerts()
	if len(alerts) != 1 {
		t.Fatalf("expected 1 alert, got %d", len(alerts))
	}

	if err := m.AcknowledgeAlert(alerts[0].ID); err != nil {
		t.Fatalf("acknowledge failed: %v", err)
	}
	if !m.ActiveAlerts()[0].Acknowledged {
		t.Fatal("expected alert to be marked acknowledged")
	}

	if err := m.AcknowledgeAlert(uuid.New()); err == nil {
		t.Fatal("re-acknowledging the same id is fine, but an unknown id must error")
	}
}

func TestPerfMonitor_SubscribeReceivesAlerts(t *testing.T) {
	m := NewPerfMonitorWithConfig(
		PerformanceTargets{MemoryAlertMB: 100, P95LatencyMs: 5000, MaxCPUPercent: 80},
		DefaultMonitorConfig(),
		nil, testLogger,
	)
	ch := m.Subscribe()

	m.checkThresholds(SystemSample{RSSMb: 200}, AppSample{})

	select {
	case a := <-ch:
		if a.Metric != "memory_rss" {
			t.Fatalf("expected memory_rss alert, got %s", a.Metric)
		}
	case <-time.After(time.Second):
		t.Fatal("expected an alert on the subscription channel")
	}
}

func TestPerfMonitor_MemoryGrowthRate(t *testing.T) {
	m := NewPerfMonitorWithConfig(
		DefaultPerformanceTargets(), DefaultMonitorConfig(), nil, testLogger,
	)

	base := time.Now()
	m.pushSystemSample(SystemSample{Timestamp: base, RSSMb: 100})
	m.pushSystemSample(SystemSample{Timestamp: base.Add(10 * time.Second), RSSMb: 150})

	rate := m.MemoryGrowthRateMBps()
	if rate < 4.9 || rate > 5.1 {
		t.Fatalf("expected growth rate ~5MB/s, got %v", rate)
	}
}

func TestPerfMonitor_ThroughputPerSec(t *testing.T) {
	m := NewPerfMonitorWithConfig(
		DefaultPerformanceTargets(), DefaultMonitorConfig(), nil, testLogger,
	)

	base := time.Now()
	m.pushAppSample(AppSample{Timestamp: base, TotalRequests: 100})
	m.pushAppSample(AppSample{Timestamp: base.Add(5 * time.Second), TotalRequests: 150})

	if got := m.ThroughputPerSec(); got < 9.9 || got > 10.1 {
		t.Fatalf("expected ~10 req/s, got %v", got)
	}
}

func TestPerfMonitor_SampleRetentionCap(t *testing.T) {
	m := NewPerfMonitorWithConfig(
		DefaultPerformanceTargets(),
		MonitorConfig{CollectionInterval: time.Second, MaxSamples: 3, EnableAlerts: false},
		nil, testLogger,
	)

	for i := 0; i < 10; i++ {
		m.pushSystemSample(SystemSample{RSSMb: float64(i)})
	}

	m.mu.RLock()
	n := len(m.systemSamples)
	last := m.systemSamples[n-1].RSSMb
	m.mu.RUnlock()

	if n != 3 {
		t.Fatalf("expected retention capped at 3, got %d", n)
	}
	if last != 9 {
		t.Fatalf("expected most recent sample retained, got %v", last)
	}
}

func TestPerfMonitor_AnalyzeBottlenecks_InsufficientData(t *testing.T) {
	m := NewPerfMonitorWithConfig(
		DefaultPerformanceTargets(), DefaultMonitorConfig(), nil, testLogger,
	)
	if _, err := m.AnalyzeBottlenecks(); err == nil {
		t.Fatal("expected an error when no samples have been collected yet")
	}
}

func TestPerfMonitor_AnalyzeBottlenecks_DetectsHotspots(t *testing.T) {
	m := NewPerfMonitorWithConfig(
		DefaultPerformanceTargets(), DefaultMonitorConfig(), nil, testLogger,
	)

	base := time.Now()
	for i := 0; i < 5; i++ {
		m.pushSystemSample(SystemSample{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			CPUPercent: 92, RSSMb: 100 + float64(i)*5, ThreadCount: 150,
		})
		m.pushAppSample(AppSample{
			Timestamp: base.Add(time.Duration(i) * time.Second),
			P95ResponseMs: 2500, AIAvgMs: 900, AvgResponseMs: 1000,
			CacheHitRate: 0.4, TotalRequests: int64(1000 + i*10),
		})
	}

	analysis, err := m.AnalyzeBottlenecks()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(analysis.Bottlenecks) == 0 {
		t.Fatal("expected bottlenecks to be detected for saturated cpu/latency/ai/cache samples")
	}
	if analysis.Bottlenecks[0].Severity != SeverityCritical {
		t.Fatalf("expected the top-sorted bottleneck to be critical, got %v", analysis.Bottlenecks[0].Severity)
	}

	var sawCache bool
	for _, b := range analysis.Bottlenecks {
		if b.Location == "Cache Inefficiency" {
			sawCache = true
		}
	}
	if !sawCache {
		t.Fatal("expected cache inefficiency bottleneck for a 0.4 hit rate")
	}

	if len(analysis.Recommendations) == 0 {
		t.Fatal("expected at least one recommendation")
	}
}

func TestLatencyTracker_AvgAndP95(t *testing.T) {
	lt := NewLatencyTracker(100)
	for i := 1; i <= 100; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}
	avg, p95 := lt.Snapshot()
	if avg < 49 || avg > 51 {
		t.Fatalf("expected avg ~50ms, got %v", avg)
	}
	if p95 < 94 || p95 > 96 {
		t.Fatalf("expected p95 ~95ms, got %v", p95)
	}
}

func TestLatencyTracker_BoundedWindow(t *testing.T) {
	lt := NewLatencyTracker(5)
	for i := 1; i <= 10; i++ {
		lt.Record(time.Duration(i) * time.Millisecond)
	}
	lt.mu.Lock()
	n := len(lt.samples)
	lt.mu.Unlock()
	if n != 5 {
		t.Fatalf("expected window capped at 5 samples, got %d", n)
	}
}

func TestMetricsAdapter_CacheHitRate(t *testing.T) {
	a := NewMetricsAdapter(newTestMetrics(), 100)
	for i := 0; i < 3; i++ {
		a.RecordCacheHit()
	}
	a.RecordCacheMiss()

	snap := a.AppSnapshot()
	if snap.CacheHitRate != 0.75 {
		t.Fatalf("expected 0.75 cache hit rate, got %v", snap.CacheHitRate)
	}
}
