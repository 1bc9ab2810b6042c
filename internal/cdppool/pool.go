// Package cdppool implements the C6 CDP connection pool: reusable
// go-rod browser sessions keyed by browser_id, with a priority wait
// queue, session affinity, and command batching. The tiering mechanics
// are grounded on the same adaptive-pool idiom as internal/wasmpool
// (itself grounded on purify's adaptive_pool.go); the session/browser
// domain model is grounded on original_source's connection_pool.rs.
package cdppool

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
	"github.com/montanaflynn/stats"
)

// Health is a CDP session's last-observed probe result.
type Health int

const (
	HealthHealthy Health = iota
	HealthUnhealthy
	HealthTimeout
	HealthClosed
)

// Priority orders waiters in the acquire queue; higher values are served
// first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityCritical
)

// Config names spec §6's CDP pool runtime options, each validated by
// Validate() per §7's "each with a validate() contract" note.
type Config struct {
	MaxConnectionsPerBrowser int
	ConnectionIdleTimeout    time.Duration
	MaxConnectionLifetime    time.Duration
	EnableHealthChecks       bool
	HealthCheckInterval      time.Duration
	EnableBatching           bool
	BatchTimeout             time.Duration
	MaxBatchSize             int
	AffinityTTL              time.Duration
	WaitTimeout              time.Duration
}

// DefaultConfig matches the defaults read from connection_pool.rs:
// health_check_interval=10s, batch_timeout=50ms, max_batch_size=10.
func DefaultConfig() Config {
	return Config{
		MaxConnectionsPerBrowser: 6,
		ConnectionIdleTimeout:    2 * time.Minute,
		MaxConnectionLifetime:    30 * time.Minute,
		EnableHealthChecks:       true,
		HealthCheckInterval:      10 * time.Second,
		EnableBatching:           true,
		BatchTimeout:             50 * time.Millisecond,
		MaxBatchSize:             10,
		AffinityTTL:              60 * time.Second,
		WaitTimeout:              30 * time.Second,
	}
}

// Validate enforces the ranges connection_pool.rs checks: health check
// interval >= 1s, batch timeout in [1ms, 10s], batch size in (0, 100].
func (c Config) Validate() error {
	if c.HealthCheckInterval < time.Second {
		return fmt.Errorf("health_check_interval must be >= 1s")
	}
	if c.BatchTimeout < time.Millisecond || c.BatchTimeout > 10*time.Second {
		return fmt.Errorf("batch_timeout must be within [1ms, 10s]")
	}
	if c.MaxBatchSize <= 0 || c.MaxBatchSize > 100 {
		return fmt.Errorf("max_batch_size must be within (0, 100]")
	}
	if c.MaxConnectionLifetime <= c.ConnectionIdleTimeout {
		return fmt.Errorf("max_connection_lifetime must exceed connection_idle_timeout")
	}
	return nil
}

// Session wraps a rod.Page with the CdpSession bookkeeping from the
// spec's data model.
type Session struct {
	ID         string
	BrowserID  string
	Page       *rod.Page
	CreatedAt  time.Time
	LastUsed   time.Time
	ReuseCount int64
	Health     Health
	inUse      bool

	latencyMu sync.Mutex
	latencies []float64 // ms, capped at 100
}

func (s *Session) recordLatency(ms float64) {
	s.latencyMu.Lock()
	defer s.latencyMu.Unlock()
	s.latencies = append(s.latencies, ms)
	if len(s.latencies) > 100 {
		s.latencies = s.latencies[len(s.latencies)-100:]
	}
}

// Percentiles computes p50/p95/p99 using montanaflynn/stats, matching
// spec §4.6's "sort-and-index" percentile contract via a vetted library
// rather than a hand-rolled sort.
func (s *Session) Percentiles() (p50, p95, p99 float64) {
	s.latencyMu.Lock()
	samples := append([]float64(nil), s.latencies...)
	s.latencyMu.Unlock()
	if len(samples) == 0 {
		return 0, 0, 0
	}
	p50, _ = stats.Percentile(samples, 50)
	p95, _ = stats.Percentile(samples, 95)
	p99, _ = stats.Percentile(samples, 99)
	return
}

type waiter struct {
	priority Priority
	result   chan *Session
	enqueued time.Time
}

// waiterQueue is a priority heap; higher Priority value pops first, ties
// broken by earlier enqueue time (FIFO within a priority band).
type waiterQueue []*waiter

func (q waiterQueue) Len() int { return len(q) }
func (q waiterQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].enqueued.Before(q[j].enqueued)
}
func (q waiterQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *waiterQueue) Push(x any)   { *q = append(*q, x.(*waiter)) }
func (q *waiterQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}

type browserEntry struct {
	browser  *rod.Browser
	sessions []*Session
	waiters  waiterQueue
}

type affinityEntry struct {
	sessionID string
	createdAt time.Time
}

// Pool is the C6 CDP connection pool.
type Pool struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	browsers map[string]*browserEntry
	affinity map[string]affinityEntry // context -> session

	batchMu     sync.Mutex
	batchQueues map[string][]BatchCommand

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a CDP pool. Call Register to attach a *rod.Browser under a
// browser_id before acquiring sessions for it.
func New(cfg Config, logger *slog.Logger) (*Pool, error) {
	if cfg.MaxConnectionsPerBrowser <= 0 {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	p := &Pool{
		cfg:         cfg,
		logger:      logger.With("component", "cdp_pool"),
		browsers:    make(map[string]*browserEntry),
		affinity:    make(map[string]affinityEntry),
		batchQueues: make(map[string][]BatchCommand),
		stopCh:      make(chan struct{}),
	}
	if cfg.EnableHealthChecks {
		p.wg.Add(1)
		go p.healthLoop()
	}
	return p, nil
}

// Register attaches a browser under browser_id so sessions can be
// created against it.
func (p *Pool) Register(browserID string, browser *rod.Browser) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.browsers[browserID]; !ok {
		p.browsers[browserID] = &browserEntry{browser: browser}
	}
}

var (
	ErrUnknownBrowser = errors.New("cdp pool: unknown browser id")
	ErrWaitTimeout    = errors.New("cdp pool: wait queue timeout")
)

// Acquire implements spec §4.6's acquire algorithm: affinity hit, then
// first idle healthy session, then create-new under cap, then a
// priority wait queue with a 30s timeout.
func (p *Pool) Acquire(ctx context.Context, browserID string, priority Priority, affinityCtx string) (*Session, error) {
	p.mu.Lock()
	be, ok := p.browsers[browserID]
	if !ok {
		p.mu.Unlock()
		return nil, ErrUnknownBrowser
	}

	if affinityCtx != "" {
		if aff, ok := p.affinity[affinityCtx]; ok && time.Since(aff.createdAt) < p.cfg.AffinityTTL {
			for _, s := range be.sessions {
				if s.ID == aff.sessionID && !s.inUse && s.Health == HealthHealthy {
					s.inUse = true
					s.LastUsed = time.Now()
					s.ReuseCount++
					p.mu.Unlock()
					return s, nil
				}
			}
		}
		delete(p.affinity, affinityCtx)
	}

	for _, s := range be.sessions {
		if !s.inUse && s.Health == HealthHealthy {
			s.inUse = true
			s.LastUsed = time.Now()
			s.ReuseCount++
			if affinityCtx != "" {
				p.affinity[affinityCtx] = affinityEntry{sessionID: s.ID, createdAt: time.Now()}
			}
			p.mu.Unlock()
			return s, nil
		}
	}

	if len(be.sessions) < p.cfg.MaxConnectionsPerBrowser {
		page, err := be.browser.Page(proto.TargetCreateTarget{})
		if err != nil {
			p.mu.Unlock()
			return nil, fmt.Errorf("create cdp page: %w", err)
		}
		s := &Session{
			ID:        fmt.Sprintf("%s-%d", browserID, time.Now().UnixNano()),
			BrowserID: browserID,
			Page:      page,
			CreatedAt: time.Now(),
			LastUsed:  time.Now(),
			Health:    HealthHealthy,
			inUse:     true,
		}
		be.sessions = append(be.sessions, s)
		if affinityCtx != "" {
			p.affinity[affinityCtx] = affinityEntry{sessionID: s.ID, createdAt: time.Now()}
		}
		p.mu.Unlock()
		return s, nil
	}

	w := &waiter{priority: priority, result: make(chan *Session, 1), enqueued: time.Now()}
	heap.Push(&be.waiters, w)
	p.mu.Unlock()

	timer := time.NewTimer(p.cfg.WaitTimeout)
	defer timer.Stop()
	select {
	case s := <-w.result:
		if s == nil {
			return nil, ErrWaitTimeout
		}
		return s, nil
	case <-timer.C:
		return nil, ErrWaitTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release clears in_use and hands the session to the highest-priority
// non-expired waiter, if any, otherwise returns it to the idle set.
func (p *Pool) Release(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	be, ok := p.browsers[s.BrowserID]
	if !ok {
		return
	}
	s.inUse = false
	s.LastUsed = time.Now()

	for be.waiters.Len() > 0 {
		w := heap.Pop(&be.waiters).(*waiter)
		if time.Since(w.enqueued) > p.cfg.WaitTimeout {
			close(w.result)
			continue
		}
		s.inUse = true
		s.ReuseCount++
		w.result <- s
		return
	}
}

// healthLoop probes sessions every HealthCheckInterval and prunes
// unhealthy, expired, or long-idle ones.
func (p *Pool) healthLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.sweep()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) sweep() {
	p.mu.Lock()
	defer p.mu.Unlock()
	now := time.Now()
	for browserID, be := range p.browsers {
		kept := be.sessions[:0]
		for _, s := range be.sessions {
			if s.inUse {
				kept = append(kept, s)
				continue
			}
			s.Health = probeHealth(s.Page)
			expired := now.Sub(s.CreatedAt) > p.cfg.MaxConnectionLifetime
			idleTooLong := now.Sub(s.LastUsed) > p.cfg.ConnectionIdleTimeout
			if s.Health != HealthHealthy || expired || idleTooLong {
				_ = s.Page.Close()
				continue
			}
			kept = append(kept, s)
		}
		be.sessions = kept
		_ = browserID
	}
}

func probeHealth(page *rod.Page) Health {
	done := make(chan Health, 1)
	go func() {
		info, err := page.Info()
		if err != nil || info == nil {
			done <- HealthUnhealthy
			return
		}
		done <- HealthHealthy
	}()
	select {
	case h := <-done:
		return h
	case <-time.After(2 * time.Second):
		return HealthTimeout
	}
}

// ReuseRate reports reuse_count/total_commands for a session's
// lifetime, per spec §4.6's metrics note.
func ReuseRate(s *Session, totalCommands int64) float64 {
	if totalCommands == 0 {
		return 0
	}
	return float64(s.ReuseCount) / float64(totalCommands)
}

// Close stops background sweeps and closes every pooled session.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.wg.Wait()
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, be := range p.browsers {
		for _, s := range be.sessions {
			_ = s.Page.Close()
		}
	}
	return nil
}

// sortFloat64s returns a plain sorted copy of latency samples without
// pulling in montanaflynn/stats for a one-off.
func sortFloat64s(xs []float64) []float64 {
	out := append([]float64(nil), xs...)
	sort.Float64s(out)
	return out
}
