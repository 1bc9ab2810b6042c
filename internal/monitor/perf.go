package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/montanaflynn/stats"
	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	gnet "github.com/shirou/gopsutil/v4/net"
	"github.com/shirou/gopsutil/v4/process"

	"github.com/foofork/riptide/internal/observability"
)

// SystemSample is a single point-in-time resource reading for the running process and host.
type SystemSample struct {
	Timestamp     time.Time
	CPUPercent    float64
	RSSMb         float64
	HeapMb        float64
	VMemMb        float64
	DiskReadMBps  float64
	DiskWriteMBps float64
	NetInMBps     float64
	NetOutMBps    float64
	OpenFDs       int
	ThreadCount   int
}

// AppSample is a single point-in-time reading of application-level counters.
type AppSample struct {
	Timestamp          time.Time
	ActiveRequests     int
	TotalRequests      int64
	SuccessfulRequests int64
	FailedRequests     int64
	AvgResponseMs      float64
	P95ResponseMs      float64
	CacheHitRate       float64
	AIQueueSize        int
	AIAvgMs            float64
}

// AppMetricsProvider supplies the application-side half of a sample. Implementations
// typically wrap the engine's counters and a latency tracker; see MetricsAdapter.
type AppMetricsProvider interface {
	AppSnapshot() AppSample
}

// PerformanceTargets are the baseline SLOs that threshold alerts are measured
// against, scaled by AlertMultipliers. Bottleneck scoring uses its own fixed
// thresholds and does not read these targets.
type PerformanceTargets struct {
	MemoryAlertMB float64
	P95LatencyMs  float64
	MaxCPUPercent float64
}

func DefaultPerformanceTargets() PerformanceTargets {
	return PerformanceTargets{MemoryAlertMB: 600, P95LatencyMs: 2000, MaxCPUPercent: 80}
}

// AlertMultipliers scale a target into warning/critical thresholds.
type AlertMultipliers struct {
	Warning  float64
	Critical float64
}

func DefaultAlertMultipliers() AlertMultipliers {
	return AlertMultipliers{Warning: 1.0, Critical: 1.5}
}

// MonitorConfig controls sampling cadence and retention.
type MonitorConfig struct {
	CollectionInterval time.Duration
	MaxSamples         int
	EnableAlerts       bool
	Multipliers        AlertMultipliers
}

func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		CollectionInterval: 5 * time.Second,
		MaxSamples:         360, // 30 minutes of history at the default interval
		EnableAlerts:       true,
		Multipliers:        DefaultAlertMultipliers(),
	}
}

type AlertSeverity string

const (
	AlertInfo     AlertSeverity = "info"
	AlertWarning  AlertSeverity = "warning"
	AlertCritical AlertSeverity = "critical"
)

type AlertCategory string

const (
	CategoryMemory  AlertCategory = "memory_threshold"
	CategoryLatency AlertCategory = "application_latency"
	CategoryCPU     AlertCategory = "cpu_usage"
	CategoryGeneral AlertCategory = "general"
)

// Alert is a single threshold breach, identified by metric so repeat breaches
// replace the prior alert rather than piling up.
type Alert struct {
	ID              uuid.UUID
	Severity        AlertSeverity
	Category        AlertCategory
	Metric          string
	CurrentValue    float64
	ThresholdValue  float64
	Message         string
	Timestamp       time.Time
	Acknowledged    bool
	Component       string
	Recommendations []string
}

func newAlert(sev AlertSeverity, cat AlertCategory, metric string, current, threshold float64, msg, component string, recs []string) Alert {
	return Alert{
		ID:              uuid.New(),
		Severity:        sev,
		Category:        cat,
		Metric:          metric,
		CurrentValue:    current,
		ThresholdValue:  threshold,
		Message:         msg,
		Timestamp:       time.Now(),
		Component:       component,
		Recommendations: recs,
	}
}

// BottleneckSeverity orders for sorting; higher is more urgent.
type BottleneckSeverity int

const (
	SeverityLow BottleneckSeverity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

type Bottleneck struct {
	Location          string
	Severity          BottleneckSeverity
	TimeSpent         time.Duration
	PercentageOfTotal float64
	CallCount         int64
}

type BottleneckAnalysis struct {
	Bottlenecks     []Bottleneck
	AnalysisTime    time.Duration
	Recommendations []string
}

type SystemSummary struct {
	AvgCPUPercent    float64
	PeakCPUPercent   float64
	AvgMemoryMb      float64
	PeakMemoryMb     float64
	TotalDiskIOMb    float64
	TotalNetworkIOMb float64
	Uptime           time.Duration
}

type AppSummary struct {
	TotalRequestsProcessed int64
	SuccessRate            float64
	AvgLatencyMs           float64
	P95LatencyMs           float64
	P99LatencyMs           float64
	PeakConcurrentRequests int
	CacheEfficiency        float64
	AIProcessingEfficiency float64
}

// Report is the final artifact produced by Stop, summarizing a monitoring session.
type Report struct {
	SessionID       uuid.UUID
	Duration        time.Duration
	TotalSamples    int
	Alerts          []Alert
	SystemSummary   SystemSummary
	AppSummary      AppSummary
	Recommendations []string
	Timestamp       time.Time
}

// Snapshot is a flattened, instantaneous view combining the latest system and app samples.
type Snapshot struct {
	Timestamp            time.Time
	SessionID            uuid.UUID
	LatencyP50Ms         float64
	LatencyP95Ms         float64
	LatencyP99Ms         float64
	AvgLatencyMs         float64
	MemoryRSSMb          float64
	MemoryHeapMb         float64
	MemoryVirtualMb      float64
	MemoryGrowthRateMBps float64
	ThroughputPerSec     float64
	SuccessfulRequests   int64
	FailedRequests       int64
	TotalRequests        int64
	AIProcessingMs       float64
	AIOverheadPercent    float64
	CPUPercent           float64
	NetworkIOMBps        float64
	DiskIOMBps           float64
	CacheHitRate         float64
}

type ioSnapshot struct {
	readBytes  uint64
	writeBytes uint64
}

type netSnapshot struct {
	bytesRecv uint64
	bytesSent uint64
}

// PerfMonitor periodically samples process/host resource usage and application
// counters, raises threshold alerts, and can classify accumulated samples into
// bottlenecks with actionable recommendations.
type PerfMonitor struct {
	cfg       MonitorConfig
	targets   PerformanceTargets
	sessionID uuid.UUID
	startTime time.Time
	appSource AppMetricsProvider
	logger    *slog.Logger

	mu            sync.RWMutex
	systemSamples []SystemSample
	appSamples    []AppSample

	alertsMu     sync.Mutex
	activeAlerts map[string]Alert

	subsMu sync.Mutex
	subs   []chan Alert

	prevDiskIO   ioSnapshot
	prevNetIO    netSnapshot
	prevSampleAt time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

func NewPerfMonitor(targets PerformanceTargets, appSource AppMetricsProvider, logger *slog.Logger) *PerfMonitor {
	return NewPerfMonitorWithConfig(targets, DefaultMonitorConfig(), appSource, logger)
}

func NewPerfMonitorWithConfig(targets PerformanceTargets, cfg MonitorConfig, appSource AppMetricsProvider, logger *slog.Logger) *PerfMonitor {
	if cfg.CollectionInterval <= 0 {
		cfg.CollectionInterval = 5 * time.Second
	}
	if cfg.MaxSamples <= 0 {
		cfg.MaxSamples = 360
	}
	return &PerfMonitor{
		cfg:          cfg,
		targets:      targets,
		sessionID:    uuid.New(),
		appSource:    appSource,
		logger:       logger.With("component", "perfmonitor"),
		activeAlerts: make(map[string]Alert),
	}
}

func (m *PerfMonitor) SessionID() uuid.UUID { return m.sessionID }

// Start launches the sampling loop. Safe to call once; subsequent calls while
// already running are no-ops.
func (m *PerfMonitor) Start(ctx context.Context) {
	if !m.running.CompareAndSwap(false, true) {
		m.logger.Warn("performance monitor already started", "session_id", m.sessionID)
		return
	}

	m.logger.Info("starting performance monitoring", "session_id", m.sessionID, "interval", m.cfg.CollectionInterval)
	m.startTime = time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.loop(runCtx)
}

// Stop halts sampling and returns a summary report of the session.
func (m *PerfMonitor) Stop() Report {
	if !m.running.CompareAndSwap(true, false) {
		m.logger.Warn("performance monitor not running", "session_id", m.sessionID)
		return Report{SessionID: m.sessionID, Timestamp: time.Now()}
	}
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()

	duration := time.Since(m.startTime)
	report := m.generateReport(duration)
	m.logger.Info("performance monitoring stopped", "session_id", m.sessionID, "duration_ms", duration.Milliseconds())
	return report
}

func (m *PerfMonitor) loop(ctx context.Context) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.CollectionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sys := m.collectSystemSample()
			m.pushSystemSample(sys)

			var app AppSample
			if m.appSource != nil {
				app = m.appSource.AppSnapshot()
			}
			app.Timestamp = time.Now()
			m.pushAppSample(app)

			if m.cfg.EnableAlerts {
				m.checkThresholds(sys, app)
			}
		}
	}
}

func (m *PerfMonitor) pushSystemSample(s SystemSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.systemSamples = append(m.systemSamples, s)
	if len(m.systemSamples) > m.cfg.MaxSamples {
		m.systemSamples = m.systemSamples[len(m.systemSamples)-m.cfg.MaxSamples:]
	}
}

func (m *PerfMonitor) pushAppSample(s AppSample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appSamples = append(m.appSamples, s)
	if len(m.appSamples) > m.cfg.MaxSamples {
		m.appSamples = m.appSamples[len(m.appSamples)-m.cfg.MaxSamples:]
	}
}

// collectSystemSample reads live process and host metrics via gopsutil, falling
// back to zero values (with a logged warning) for any source that errors.
func (m *PerfMonitor) collectSystemSample() SystemSample {
	now := time.Now()
	sample := SystemSample{Timestamp: now}

	if pct, err := cpu.Percent(0, false); err == nil && len(pct) > 0 {
		sample.CPUPercent = pct[0]
	} else if err != nil {
		m.logger.Warn("cpu sample failed", "error", err)
	}

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			sample.RSSMb = bytesToMB(mi.RSS)
			sample.VMemMb = bytesToMB(mi.VMS)
		}
		if fds, err := proc.NumFDs(); err == nil {
			sample.OpenFDs = int(fds)
		}
		if threads, err := proc.NumThreads(); err == nil {
			sample.ThreadCount = int(threads)
		}
	} else {
		m.logger.Warn("process handle unavailable", "error", err)
	}

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)
	sample.HeapMb = bytesToMB(memStats.HeapAlloc)
	if sample.ThreadCount == 0 {
		sample.ThreadCount = runtime.NumGoroutine()
	}

	elapsed := now.Sub(m.prevSampleAt).Seconds()
	hasPrev := !m.prevSampleAt.IsZero()

	if counters, err := disk.IOCounters(); err == nil {
		var read, write uint64
		for _, c := range counters {
			read += c.ReadBytes
			write += c.WriteBytes
		}
		if hasPrev && elapsed > 0 {
			sample.DiskReadMBps = bytesPerSecToMB(deltaUint64(read, m.prevDiskIO.readBytes), elapsed)
			sample.DiskWriteMBps = bytesPerSecToMB(deltaUint64(write, m.prevDiskIO.writeBytes), elapsed)
		}
		m.prevDiskIO = ioSnapshot{readBytes: read, writeBytes: write}
	}

	if counters, err := gnet.IOCounters(false); err == nil && len(counters) > 0 {
		c := counters[0]
		if hasPrev && elapsed > 0 {
			sample.NetInMBps = bytesPerSecToMB(deltaUint64(c.BytesRecv, m.prevNetIO.bytesRecv), elapsed)
			sample.NetOutMBps = bytesPerSecToMB(deltaUint64(c.BytesSent, m.prevNetIO.bytesSent), elapsed)
		}
		m.prevNetIO = netSnapshot{bytesRecv: c.BytesRecv, bytesSent: c.BytesSent}
	}

	m.prevSampleAt = now
	return sample
}

func bytesToMB(b uint64) float64 { return float64(b) / (1024 * 1024) }

func bytesPerSecToMB(deltaBytes uint64, elapsedSeconds float64) float64 {
	if elapsedSeconds <= 0 {
		return 0
	}
	return (float64(deltaBytes) / elapsedSeconds) / (1024 * 1024)
}

func deltaUint64(a, b uint64) uint64 {
	if a < b {
		return 0
	}
	return a - b
}

// MemoryGrowthRateMBps compares the two most recent system samples.
func (m *PerfMonitor) MemoryGrowthRateMBps() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.systemSamples)
	if n < 2 {
		return 0
	}
	recent, older := m.systemSamples[n-1], m.systemSamples[n-2]
	dt := recent.Timestamp.Sub(older.Timestamp).Seconds()
	if dt <= 0 {
		return 0
	}
	return (recent.RSSMb - older.RSSMb) / dt
}

// ThroughputPerSec compares the two most recent app samples.
func (m *PerfMonitor) ThroughputPerSec() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.appSamples)
	if n < 2 {
		return 0
	}
	recent, older := m.appSamples[n-1], m.appSamples[n-2]
	dt := recent.Timestamp.Sub(older.Timestamp).Seconds()
	if dt <= 0 {
		return 0
	}
	return float64(recent.TotalRequests-older.TotalRequests) / dt
}

func (m *PerfMonitor) checkThresholds(sys SystemSample, app AppSample) {
	var alerts []Alert

	memWarn := m.targets.MemoryAlertMB * m.cfg.Multipliers.Warning
	memCrit := m.targets.MemoryAlertMB * m.cfg.Multipliers.Critical
	switch {
	case sys.RSSMb > memCrit:
		alerts = append(alerts, newAlert(AlertCritical, CategoryMemory, "memory_rss", sys.RSSMb, memCrit,
			fmt.Sprintf("critical memory usage: %.1fMB exceeds %.1fMB threshold", sys.RSSMb, memCrit),
			"system", []string{"reduce memory usage immediately", "review memory-intensive operations"}))
	case sys.RSSMb > memWarn:
		alerts = append(alerts, newAlert(AlertWarning, CategoryMemory, "memory_rss", sys.RSSMb, memWarn,
			fmt.Sprintf("high memory usage: %.1fMB exceeds %.1fMB warning threshold", sys.RSSMb, memWarn),
			"system", []string{"monitor memory usage closely", "consider optimizing memory-intensive operations"}))
	}

	latWarn := m.targets.P95LatencyMs * m.cfg.Multipliers.Warning
	latCrit := m.targets.P95LatencyMs * m.cfg.Multipliers.Critical
	switch {
	case app.P95ResponseMs > latCrit:
		alerts = append(alerts, newAlert(AlertCritical, CategoryLatency, "p95_latency", app.P95ResponseMs, latCrit,
			fmt.Sprintf("critical latency: %.1fms exceeds %.1fms threshold", app.P95ResponseMs, latCrit),
			"application", []string{"optimize critical path operations", "review slow query performance"}))
	case app.P95ResponseMs > latWarn:
		alerts = append(alerts, newAlert(AlertWarning, CategoryLatency, "p95_latency", app.P95ResponseMs, latWarn,
			fmt.Sprintf("high latency: %.1fms exceeds %.1fms warning threshold", app.P95ResponseMs, latWarn),
			"application", []string{"monitor latency trends", "consider caching frequently accessed data"}))
	}

	cpuWarn := m.targets.MaxCPUPercent * m.cfg.Multipliers.Warning
	cpuCrit := m.targets.MaxCPUPercent * m.cfg.Multipliers.Critical
	switch {
	case sys.CPUPercent > cpuCrit:
		alerts = append(alerts, newAlert(AlertCritical, CategoryCPU, "cpu_usage", sys.CPUPercent, cpuCrit,
			fmt.Sprintf("critical cpu usage: %.1f%% exceeds %.1f%% threshold", sys.CPUPercent, cpuCrit),
			"system", []string{"reduce cpu-intensive operations", "scale horizontally if needed"}))
	case sys.CPUPercent > cpuWarn:
		alerts = append(alerts, newAlert(AlertWarning, CategoryCPU, "cpu_usage", sys.CPUPercent, cpuWarn,
			fmt.Sprintf("high cpu usage: %.1f%% exceeds %.1f%% warning threshold", sys.CPUPercent, cpuWarn),
			"system", []string{"monitor cpu usage trends", "review recent changes that may increase cpu load"}))
	}

	if len(alerts) == 0 {
		return
	}

	m.alertsMu.Lock()
	for _, a := range alerts {
		m.activeAlerts[a.Metric] = a
	}
	m.alertsMu.Unlock()

	m.broadcast(alerts)
}

// Subscribe returns a channel that receives newly raised alerts. The channel is
// small and non-blocking on send; a slow subscriber drops alerts rather than
// stalling the sampling loop.
func (m *PerfMonitor) Subscribe() <-chan Alert {
	ch := make(chan Alert, 8)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *PerfMonitor) broadcast(alerts []Alert) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		for _, a := range alerts {
			select {
			case ch <- a:
			default:
			}
		}
	}
}

// AcknowledgeAlert marks the active alert with the given ID as acknowledged.
func (m *PerfMonitor) AcknowledgeAlert(id uuid.UUID) error {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	for metric, a := range m.activeAlerts {
		if a.ID == id {
			a.Acknowledged = true
			m.activeAlerts[metric] = a
			return nil
		}
	}
	return fmt.Errorf("alert %s not found", id)
}

func (m *PerfMonitor) ActiveAlerts() []Alert {
	m.alertsMu.Lock()
	defer m.alertsMu.Unlock()
	out := make([]Alert, 0, len(m.activeAlerts))
	for _, a := range m.activeAlerts {
		out = append(out, a)
	}
	return out
}

// CurrentSnapshot flattens the latest system and app samples into one view.
func (m *PerfMonitor) CurrentSnapshot() Snapshot {
	m.mu.RLock()
	var sys SystemSample
	var app AppSample
	if n := len(m.systemSamples); n > 0 {
		sys = m.systemSamples[n-1]
	}
	if n := len(m.appSamples); n > 0 {
		app = m.appSamples[n-1]
	}
	m.mu.RUnlock()

	aiOverhead := 0.0
	if app.AvgResponseMs > 0 {
		aiOverhead = (app.AIAvgMs / app.AvgResponseMs) * 100
	}

	return Snapshot{
		Timestamp:            time.Now(),
		SessionID:            m.sessionID,
		LatencyP50Ms:         app.AvgResponseMs * 0.8,
		LatencyP95Ms:         app.P95ResponseMs,
		LatencyP99Ms:         app.P95ResponseMs * 1.2,
		AvgLatencyMs:         app.AvgResponseMs,
		MemoryRSSMb:          sys.RSSMb,
		MemoryHeapMb:         sys.HeapMb,
		MemoryVirtualMb:      sys.VMemMb,
		MemoryGrowthRateMBps: m.MemoryGrowthRateMBps(),
		ThroughputPerSec:     m.ThroughputPerSec(),
		SuccessfulRequests:   app.SuccessfulRequests,
		FailedRequests:       app.FailedRequests,
		TotalRequests:        app.TotalRequests,
		AIProcessingMs:       app.AIAvgMs,
		AIOverheadPercent:    aiOverhead,
		CPUPercent:           sys.CPUPercent,
		NetworkIOMBps:        sys.NetInMBps + sys.NetOutMBps,
		DiskIOMBps:           sys.DiskReadMBps + sys.DiskWriteMBps,
		CacheHitRate:         app.CacheHitRate,
	}
}

// AnalyzeBottlenecks classifies the accumulated samples into bottleneck findings,
// sorted by severity then by percentage of impact, with recommendations for the
// top five.
func (m *PerfMonitor) AnalyzeBottlenecks() (BottleneckAnalysis, error) {
	start := time.Now()

	m.mu.RLock()
	sysSamples := append([]SystemSample(nil), m.systemSamples...)
	appSamples := append([]AppSample(nil), m.appSamples...)
	m.mu.RUnlock()

	if len(sysSamples) == 0 || len(appSamples) == 0 {
		return BottleneckAnalysis{}, fmt.Errorf("insufficient metrics data for bottleneck analysis")
	}

	var found []Bottleneck
	found = append(found, analyzeCPUBottlenecks(sysSamples)...)
	found = append(found, analyzeMemoryBottlenecks(sysSamples)...)
	found = append(found, analyzeIOBottlenecks(sysSamples)...)
	found = append(found, analyzeAppBottlenecks(appSamples)...)

	sort.SliceStable(found, func(i, j int) bool {
		if found[i].Severity != found[j].Severity {
			return found[i].Severity > found[j].Severity
		}
		return found[i].PercentageOfTotal > found[j].PercentageOfTotal
	})

	recs := recommendationsFor(found)

	m.logger.Info("bottleneck analysis complete",
		"session_id", m.sessionID,
		"found", len(found),
		"analysis_time_ms", time.Since(start).Milliseconds(),
	)

	return BottleneckAnalysis{Bottlenecks: found, AnalysisTime: time.Since(start), Recommendations: recs}, nil
}

func avgOf[T any](items []T, f func(T) float64) float64 {
	if len(items) == 0 {
		return 0
	}
	var sum float64
	for _, it := range items {
		sum += f(it)
	}
	return sum / float64(len(items))
}

func countWhere[T any](items []T, pred func(T) bool) int {
	n := 0
	for _, it := range items {
		if pred(it) {
			n++
		}
	}
	return n
}

func sumRequests(samples []AppSample) int64 {
	var sum int64
	for _, s := range samples {
		sum += s.TotalRequests
	}
	return sum
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

func analyzeCPUBottlenecks(samples []SystemSample) []Bottleneck {
	var out []Bottleneck
	avgCPU := avgOf(samples, func(s SystemSample) float64 { return s.CPUPercent })

	switch {
	case avgCPU > 80:
		count := countWhere(samples, func(s SystemSample) bool { return s.CPUPercent > 80 })
		out = append(out, Bottleneck{
			Location: "System CPU", Severity: SeverityCritical,
			TimeSpent: time.Duration(len(samples)*10) * time.Second,
			PercentageOfTotal: avgCPU, CallCount: int64(count),
		})
	case avgCPU > 65:
		out = append(out, Bottleneck{
			Location: "System CPU", Severity: SeverityHigh,
			TimeSpent: time.Duration(len(samples)*10) * time.Second,
			PercentageOfTotal: avgCPU, CallCount: int64(len(samples)),
		})
	}

	avgThreads := avgOf(samples, func(s SystemSample) float64 { return float64(s.ThreadCount) })
	if avgThreads > 100 && avgCPU > 60 {
		out = append(out, Bottleneck{
			Location: "Thread Contention", Severity: SeverityMedium,
			TimeSpent: time.Duration(avgThreads*0.5) * time.Second,
			PercentageOfTotal: 15.0, CallCount: int64(avgThreads),
		})
	}
	return out
}

func analyzeMemoryBottlenecks(samples []SystemSample) []Bottleneck {
	var out []Bottleneck

	if len(samples) >= 2 {
		first, last := samples[0], samples[len(samples)-1]
		dt := last.Timestamp.Sub(first.Timestamp).Seconds()
		if dt > 0 {
			growth := (last.RSSMb - first.RSSMb) / dt
			switch {
			case growth > 1.0:
				out = append(out, Bottleneck{
					Location: "Memory Growth/Potential Leak", Severity: SeverityCritical,
					TimeSpent: time.Duration(dt) * time.Second,
					PercentageOfTotal: growth * 10, CallCount: int64(len(samples)),
				})
			case growth > 0.5:
				out = append(out, Bottleneck{
					Location: "Memory Growth", Severity: SeverityMedium,
					TimeSpent: time.Duration(dt) * time.Second,
					PercentageOfTotal: growth * 10, CallCount: int64(len(samples)),
				})
			}
		}
	}

	avgMem := avgOf(samples, func(s SystemSample) float64 { return s.RSSMb })
	if avgMem > 550 {
		out = append(out, Bottleneck{
			Location: "High Memory Usage", Severity: SeverityHigh,
			TimeSpent: time.Duration(len(samples)*10) * time.Second,
			PercentageOfTotal: (avgMem / 600) * 100, CallCount: int64(len(samples)),
		})
	}
	return out
}

func analyzeIOBottlenecks(samples []SystemSample) []Bottleneck {
	var out []Bottleneck

	avgRead := avgOf(samples, func(s SystemSample) float64 { return s.DiskReadMBps })
	avgWrite := avgOf(samples, func(s SystemSample) float64 { return s.DiskWriteMBps })
	if avgRead > 100 || avgWrite > 100 {
		pct := ((avgRead + avgWrite) / 200) * 100
		sev := SeverityMedium
		if pct > 80 {
			sev = SeverityHigh
		}
		out = append(out, Bottleneck{
			Location: "Disk I/O", Severity: sev,
			TimeSpent: time.Duration(pct*10) * time.Second,
			PercentageOfTotal: minF(pct, 100), CallCount: int64(len(samples)),
		})
	}

	avgNet := avgOf(samples, func(s SystemSample) float64 { return s.NetInMBps + s.NetOutMBps })
	if avgNet > 150 {
		out = append(out, Bottleneck{
			Location: "Network I/O", Severity: SeverityMedium,
			TimeSpent: time.Duration(avgNet*0.5) * time.Second,
			PercentageOfTotal: (avgNet / 200) * 100, CallCount: int64(len(samples)),
		})
	}
	return out
}

func analyzeAppBottlenecks(samples []AppSample) []Bottleneck {
	var out []Bottleneck
	totalReqs := sumRequests(samples)

	avgP95 := avgOf(samples, func(s AppSample) float64 { return s.P95ResponseMs })
	switch {
	case avgP95 > 2000:
		out = append(out, Bottleneck{
			Location: "Request Processing/P95 Latency", Severity: SeverityCritical,
			TimeSpent: time.Duration(avgP95) * time.Millisecond,
			PercentageOfTotal: (avgP95 / 5000) * 100, CallCount: totalReqs,
		})
	case avgP95 > 1500:
		out = append(out, Bottleneck{
			Location: "Request Processing/P95 Latency", Severity: SeverityHigh,
			TimeSpent: time.Duration(avgP95) * time.Millisecond,
			PercentageOfTotal: (avgP95 / 5000) * 100, CallCount: totalReqs,
		})
	}

	avgAI := avgOf(samples, func(s AppSample) float64 { return s.AIAvgMs })
	avgResp := avgOf(samples, func(s AppSample) float64 { return s.AvgResponseMs })
	aiPct := 0.0
	if avgResp > 0 {
		aiPct = (avgAI / avgResp) * 100
	}
	switch {
	case aiPct > 30:
		out = append(out, Bottleneck{
			Location: "AI Processing", Severity: SeverityHigh,
			TimeSpent: time.Duration(avgAI) * time.Millisecond,
			PercentageOfTotal: aiPct, CallCount: totalReqs,
		})
	case aiPct > 20:
		out = append(out, Bottleneck{
			Location: "AI Processing", Severity: SeverityMedium,
			TimeSpent: time.Duration(avgAI) * time.Millisecond,
			PercentageOfTotal: aiPct, CallCount: totalReqs,
		})
	}

	avgCacheHit := avgOf(samples, func(s AppSample) float64 { return s.CacheHitRate })
	if avgCacheHit < 0.7 {
		out = append(out, Bottleneck{
			Location: "Cache Inefficiency", Severity: SeverityMedium,
			TimeSpent: 60 * time.Second,
			PercentageOfTotal: (1 - avgCacheHit) * 100, CallCount: totalReqs,
		})
	}
	return out
}

// recommendationsFor produces one human-readable recommendation per bottleneck
// (top five by sort order), plus a trailing summary line.
func recommendationsFor(bottlenecks []Bottleneck) []string {
	var recs []string
	limit := len(bottlenecks)
	if limit > 5 {
		limit = 5
	}

	for _, b := range bottlenecks[:limit] {
		switch {
		case strings.Contains(b.Location, "CPU"):
			if b.Severity == SeverityCritical {
				recs = append(recs, fmt.Sprintf("critical: cpu usage at %.1f%% — consider horizontal scaling, algorithm optimization, or workload distribution", b.PercentageOfTotal))
			} else {
				recs = append(recs, "high: cpu usage elevated — investigate hot paths and consider async processing for cpu-intensive tasks")
			}
		case strings.Contains(b.Location, "Leak"):
			recs = append(recs, "critical: memory leak detected — implement proper resource cleanup, review object lifecycles, and consider memory profiling")
		case strings.Contains(b.Location, "Memory"):
			recs = append(recs, fmt.Sprintf("high: memory usage at %.1fMB — implement memory pooling, optimize data structures, or increase available memory", b.PercentageOfTotal*6))
		case strings.Contains(b.Location, "Thread Contention"):
			recs = append(recs, "medium: thread contention detected — review lock usage, consider lock-free data structures, or reduce thread count")
		case strings.Contains(b.Location, "Disk I/O"):
			recs = append(recs, "high: disk i/o bottleneck — implement caching, use ssd storage, batch i/o operations, or optimize read/write patterns")
		case strings.Contains(b.Location, "Network I/O"):
			recs = append(recs, "medium: network i/o bottleneck — implement request batching, connection pooling, or cdn usage")
		case strings.Contains(b.Location, "P95 Latency"), strings.Contains(b.Location, "Request Processing"):
			recs = append(recs, fmt.Sprintf("high: request latency at %dms — optimize database queries, implement caching, or review slow endpoints", b.TimeSpent.Milliseconds()))
		case strings.Contains(b.Location, "AI Processing"):
			recs = append(recs, fmt.Sprintf("high: ai processing consuming %.1f%% of response time — implement result caching, batch processing, or async ai calls", b.PercentageOfTotal))
		case strings.Contains(b.Location, "Cache Inefficiency"):
			recs = append(recs, fmt.Sprintf("medium: cache hit rate at %.1f%% — increase cache size, optimize cache keys, or implement cache warming", 100-b.PercentageOfTotal))
		default:
			recs = append(recs, fmt.Sprintf("investigate bottleneck in %s (%.1f%% impact)", b.Location, b.PercentageOfTotal))
		}
	}

	if len(bottlenecks) == 0 {
		recs = append(recs, "no significant bottlenecks detected, system performance is optimal")
	} else {
		recs = append(recs, fmt.Sprintf("total bottlenecks identified: %d — prioritize addressing critical and high severity issues first", len(bottlenecks)))
	}
	return recs
}

func (m *PerfMonitor) generateReport(duration time.Duration) Report {
	m.alertsMu.Lock()
	alerts := make([]Alert, 0, len(m.activeAlerts))
	for _, a := range m.activeAlerts {
		alerts = append(alerts, a)
	}
	m.alertsMu.Unlock()

	m.mu.RLock()
	totalSamples := len(m.systemSamples)
	m.mu.RUnlock()

	return Report{
		SessionID:       m.sessionID,
		Duration:        duration,
		TotalSamples:    totalSamples,
		Alerts:          alerts,
		SystemSummary:   m.systemSummary(),
		AppSummary:      m.appSummary(),
		Recommendations: m.monitoringRecommendations(alerts),
		Timestamp:       time.Now(),
	}
}

func (m *PerfMonitor) systemSummary() SystemSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.systemSamples) == 0 {
		return SystemSummary{}
	}

	var avgCPU, peakCPU, avgMem, peakMem, totalDisk, totalNet float64
	for _, s := range m.systemSamples {
		avgCPU += s.CPUPercent
		peakCPU = max(peakCPU, s.CPUPercent)
		avgMem += s.RSSMb
		peakMem = max(peakMem, s.RSSMb)
		totalDisk += s.DiskReadMBps + s.DiskWriteMBps
		totalNet += s.NetInMBps + s.NetOutMBps
	}
	n := float64(len(m.systemSamples))

	var uptime time.Duration
	if !m.startTime.IsZero() {
		uptime = time.Since(m.startTime)
	}

	return SystemSummary{
		AvgCPUPercent: avgCPU / n, PeakCPUPercent: peakCPU,
		AvgMemoryMb: avgMem / n, PeakMemoryMb: peakMem,
		TotalDiskIOMb: totalDisk, TotalNetworkIOMb: totalNet,
		Uptime: uptime,
	}
}

func (m *PerfMonitor) appSummary() AppSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.appSamples) == 0 {
		return AppSummary{}
	}

	latest := m.appSamples[len(m.appSamples)-1]
	successRate := 0.0
	if latest.TotalRequests > 0 {
		successRate = (float64(latest.SuccessfulRequests) / float64(latest.TotalRequests)) * 100
	}

	var sumLatency, sumP95, sumCache float64
	var peakConcurrent int
	for _, s := range m.appSamples {
		sumLatency += s.AvgResponseMs
		sumP95 += s.P95ResponseMs
		sumCache += s.CacheHitRate
		if s.ActiveRequests > peakConcurrent {
			peakConcurrent = s.ActiveRequests
		}
	}
	n := float64(len(m.appSamples))
	p95Latency := sumP95 / n

	aiEff := 100.0
	if latest.AvgResponseMs > 0 {
		aiEff = 100 - minF((latest.AIAvgMs/latest.AvgResponseMs)*100, 100)
	}

	return AppSummary{
		TotalRequestsProcessed: latest.TotalRequests,
		SuccessRate:            successRate,
		AvgLatencyMs:           sumLatency / n,
		P95LatencyMs:           p95Latency,
		P99LatencyMs:           p95Latency * 1.2,
		PeakConcurrentRequests: peakConcurrent,
		CacheEfficiency:        sumCache / n,
		AIProcessingEfficiency: aiEff,
	}
}

func (m *PerfMonitor) monitoringRecommendations(alerts []Alert) []string {
	var recs []string
	var critical, warning int
	for _, a := range alerts {
		switch a.Severity {
		case AlertCritical:
			critical++
		case AlertWarning:
			warning++
		}
	}

	if critical > 0 {
		recs = append(recs, fmt.Sprintf("urgent: %d critical alerts require immediate attention", critical))
	}
	if warning > 3 {
		recs = append(recs, fmt.Sprintf("multiple warning alerts (%d) indicate potential performance issues", warning))
	}

	for _, a := range alerts {
		switch a.Metric {
		case "memory_rss":
			recs = append(recs, "consider implementing memory pooling or increasing garbage collection frequency")
		case "p95_latency":
			recs = append(recs, "investigate slow queries or implement response caching")
		case "cpu_usage":
			recs = append(recs, "consider horizontal scaling or cpu optimization")
		}
	}

	if len(recs) == 0 {
		recs = append(recs, "system performance is within acceptable ranges")
	}
	return recs
}

// LatencyTracker keeps a bounded window of recent response latencies so an
// AppMetricsProvider can report avg/p95 without an unbounded history.
type LatencyTracker struct {
	mu       sync.Mutex
	samples  []float64
	capacity int
}

func NewLatencyTracker(capacity int) *LatencyTracker {
	if capacity <= 0 {
		capacity = 2048
	}
	return &LatencyTracker{capacity: capacity}
}

func (l *LatencyTracker) Record(d time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.samples = append(l.samples, float64(d.Milliseconds()))
	if len(l.samples) > l.capacity {
		l.samples = l.samples[len(l.samples)-l.capacity:]
	}
}

// Snapshot returns the mean and 95th percentile of the current window.
func (l *LatencyTracker) Snapshot() (avgMs, p95Ms float64) {
	l.mu.Lock()
	data := append([]float64(nil), l.samples...)
	l.mu.Unlock()

	if len(data) == 0 {
		return 0, 0
	}
	mean, err := stats.Mean(data)
	if err != nil {
		mean = 0
	}
	p95, err := stats.Percentile(data, 95)
	if err != nil {
		p95 = mean
	}
	return mean, p95
}

// MetricsAdapter bridges the engine's Prometheus-style counters and a latency
// window into the AppMetricsProvider interface the sampler consumes.
type MetricsAdapter struct {
	metrics   *observability.Metrics
	latency   *LatencyTracker
	aiLatency *LatencyTracker

	activeRequests atomic.Int32
	aiQueueSize    atomic.Int32
	cacheHits      atomic.Int64
	cacheMisses    atomic.Int64
}

func NewMetricsAdapter(m *observability.Metrics, latencyWindow int) *MetricsAdapter {
	return &MetricsAdapter{
		metrics:   m,
		latency:   NewLatencyTracker(latencyWindow),
		aiLatency: NewLatencyTracker(latencyWindow),
	}
}

func (a *MetricsAdapter) RecordRequest(d time.Duration)   { a.latency.Record(d) }
func (a *MetricsAdapter) RecordAIRequest(d time.Duration) { a.aiLatency.Record(d) }
func (a *MetricsAdapter) SetActiveRequests(n int32)       { a.activeRequests.Store(n) }
func (a *MetricsAdapter) SetAIQueueSize(n int32)          { a.aiQueueSize.Store(n) }
func (a *MetricsAdapter) RecordCacheHit()                 { a.cacheHits.Add(1) }
func (a *MetricsAdapter) RecordCacheMiss()                { a.cacheMisses.Add(1) }

func (a *MetricsAdapter) AppSnapshot() AppSample {
	avg, p95 := a.latency.Snapshot()
	aiAvg, _ := a.aiLatency.Snapshot()
	snap := a.metrics.Snapshot()

	total := snap["responses_total"]
	failed := snap["requests_failed"]
	successful := total - failed
	if successful < 0 {
		successful = 0
	}

	hits, misses := a.cacheHits.Load(), a.cacheMisses.Load()
	cacheHitRate := 0.0
	if hits+misses > 0 {
		cacheHitRate = float64(hits) / float64(hits+misses)
	}

	return AppSample{
		ActiveRequests:     int(a.activeRequests.Load()),
		TotalRequests:      total,
		SuccessfulRequests: successful,
		FailedRequests:     failed,
		AvgResponseMs:      avg,
		P95ResponseMs:      p95,
		CacheHitRate:       cacheHitRate,
		AIQueueSize:        int(a.aiQueueSize.Load()),
		AIAvgMs:            aiAvg,
	}
}
