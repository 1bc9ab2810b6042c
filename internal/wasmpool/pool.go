// Package wasmpool implements the three-tier (hot/warm/cold) pooled
// extractor instance manager. It generalizes the error-scored handle
// retirement and memory-pressure scaling loop that ScrapeGoat's reference
// pack shows (purify's adaptive_pool.go) into three latency-classified
// strata with explicit memory accounting instead of a single flat pool.
package wasmpool

import (
	"container/list"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Tier classifies a pooled instance's latency-to-reuse bucket.
type Tier int

const (
	TierHot Tier = iota
	TierWarm
	TierCold
)

func (t Tier) String() string {
	switch t {
	case TierHot:
		return "hot"
	case TierWarm:
		return "warm"
	default:
		return "cold"
	}
}

// Instance is the opaque handle a Factory creates. No WASM runtime
// dependency appears anywhere in the example pack's go.mod files, so the
// pool manages this interface rather than a concrete wasmtime/wazero
// type — the pooling mechanics are what's grounded here, not a runtime.
type Instance interface {
	// MemoryMB reports the instance's current resident size, used for
	// the pool's memory accounting and leak detection.
	MemoryMB() float64
	// Close releases the instance's underlying resources.
	Close() error
}

// Factory creates a new Instance, optionally validating it against an
// interface descriptor first (spec §4.5 "Validation").
type Factory func() (Instance, error)

const growthSamples = 10

// handle wraps an Instance with the pool bookkeeping from spec's
// PooledInstance data-model entry.
type handle struct {
	id              string
	inst            Instance
	createdAt       time.Time
	lastUsed        time.Time
	usageCount      int64
	currentMB       float64
	peakMB          float64
	growth          [growthSamples]sample
	growthLen       int
	growthHead      int
	tier            Tier
	accessFrequency float64
	elem            *list.Element // position within its tier list
}

type sample struct {
	at time.Time
	mb float64
}

func (h *handle) recordMemory(mb float64) {
	h.currentMB = mb
	if mb > h.peakMB {
		h.peakMB = mb
	}
	h.growth[h.growthHead] = sample{at: time.Now(), mb: mb}
	h.growthHead = (h.growthHead + 1) % growthSamples
	if h.growthLen < growthSamples {
		h.growthLen++
	}
}

// growthRateMBPerSec computes (last-first)/dt across the ring buffer.
func (h *handle) growthRateMBPerSec() float64 {
	if h.growthLen < 2 {
		return 0
	}
	// oldest sample is growthSamples behind head when full, else index 0.
	oldestIdx := 0
	if h.growthLen == growthSamples {
		oldestIdx = h.growthHead
	}
	newestIdx := (h.growthHead - 1 + growthSamples) % growthSamples
	oldest := h.growth[oldestIdx]
	newest := h.growth[newestIdx]
	dt := newest.at.Sub(oldest.at).Seconds()
	if dt <= 0 {
		return 0
	}
	return (newest.mb - oldest.mb) / dt
}

// Config names spec §6's WASM pool runtime options.
type Config struct {
	MaxTotalMemoryMB        float64
	InstanceMemoryThreshold float64
	MaxInstances            int
	MinInstances            int
	InstanceIdleTimeout     time.Duration
	MonitoringInterval      time.Duration
	GCInterval              time.Duration
	MemoryPressureThreshold float64 // default 0.80
	CleanupTimeout          time.Duration
	EnableWitValidation     bool
}

// DefaultConfig applies spec §4.5's stated defaults and tier split.
func DefaultConfig() Config {
	return Config{
		MaxTotalMemoryMB:        2048,
		InstanceMemoryThreshold: 256,
		MaxInstances:            32,
		MinInstances:            2,
		InstanceIdleTimeout:     5 * time.Minute,
		MonitoringInterval:      5 * time.Second,
		GCInterval:              30 * time.Second,
		MemoryPressureThreshold: 0.80,
		CleanupTimeout:          5 * time.Second,
	}
}

func (c Config) hotCap() int {
	cap := c.MaxInstances / 4
	if cap < 1 {
		cap = 1
	}
	return cap
}

func (c Config) warmCap() int {
	cap := c.MaxInstances / 2
	if cap < 2 {
		cap = 2
	}
	return cap
}

// Event is broadcast non-blockingly to subscribers per spec §4.5.
type Event struct {
	Kind      string // instance_created | instance_evicted | memory_pressure_high | leak_detected | gc_triggered
	InstanceID string
	Reason    string
	MB        float64
	Rate      float64
	N         int
}

var (
	ErrPoolExhausted  = errors.New("wasm pool exhausted")
	ErrMemoryPressure = errors.New("wasm pool under memory pressure")
)

// Pool is the C5 three-tier stratified instance pool.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger

	mu        sync.Mutex
	hot       *list.List // of *handle
	warm      *list.List
	cold      *list.List
	inUse     map[string]*handle
	total     int
	totalMB   float64

	events chan Event

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a Pool backed by factory, pre-creating MinInstances cold
// instances the way purify's AdaptivePool pre-warms MinPages.
func New(cfg Config, factory Factory, logger *slog.Logger) (*Pool, error) {
	if cfg.MaxInstances <= 0 {
		cfg = DefaultConfig()
	}
	p := &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With("component", "wasm_pool"),
		hot:     list.New(),
		warm:    list.New(),
		cold:    list.New(),
		inUse:   make(map[string]*handle),
		events:  make(chan Event, 256),
		stopCh:  make(chan struct{}),
	}

	for i := 0; i < cfg.MinInstances; i++ {
		h, err := p.create()
		if err != nil {
			return nil, fmt.Errorf("pre-warm instance %d: %w", i, err)
		}
		p.mu.Lock()
		h.tier = TierCold
		h.elem = p.cold.PushBack(h)
		p.mu.Unlock()
	}

	p.wg.Add(2)
	go p.gcLoop()
	go p.promoterLoop()
	return p, nil
}

func (p *Pool) emit(ev Event) {
	select {
	case p.events <- ev:
	default: // non-blocking broadcast: drop under backpressure
	}
}

// Events returns the event stream for observability consumers.
func (p *Pool) Events() <-chan Event { return p.events }

func (p *Pool) create() (*handle, error) {
	inst, err := p.factory()
	if err != nil {
		return nil, err
	}
	h := &handle{
		id:        fmt.Sprintf("wasm-%d", time.Now().UnixNano()),
		inst:      inst,
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
	h.recordMemory(inst.MemoryMB())
	p.mu.Lock()
	p.total++
	p.totalMB += h.currentMB
	p.mu.Unlock()
	p.emit(Event{Kind: "instance_created", InstanceID: h.id})
	return h, nil
}

// pressureGate checks total_memory/max_total against the threshold,
// running GC once if over, refusing with ErrMemoryPressure if still over.
func (p *Pool) pressureGate() error {
	p.mu.Lock()
	pressure := p.totalMB / p.cfg.MaxTotalMemoryMB
	p.mu.Unlock()
	if pressure <= p.cfg.MemoryPressureThreshold {
		return nil
	}
	p.emit(Event{Kind: "memory_pressure_high"})
	p.runGC()
	p.mu.Lock()
	pressure = p.totalMB / p.cfg.MaxTotalMemoryMB
	p.mu.Unlock()
	if pressure > p.cfg.MemoryPressureThreshold {
		return ErrMemoryPressure
	}
	return nil
}

// Acquire implements spec §4.5's acquire order: Hot -> Warm -> Cold ->
// create-new (if under cap) -> fail with PoolExhausted. There is no wait
// queue for the WASM pool, unlike the CDP pool.
func (p *Pool) Acquire() (*Handle, error) {
	p.mu.Lock()
	if h := popFront(p.hot); h != nil {
		p.claim(h)
		p.mu.Unlock()
		return p.wrap(h), nil
	}
	if h := popFront(p.warm); h != nil {
		p.claim(h)
		p.mu.Unlock()
		return p.wrap(h), nil
	}
	if h := popFront(p.cold); h != nil {
		p.claim(h)
		p.mu.Unlock()
		return p.wrap(h), nil
	}
	underCap := p.total < p.cfg.MaxInstances
	p.mu.Unlock()

	if !underCap {
		return nil, ErrPoolExhausted
	}
	if err := p.pressureGate(); err != nil {
		return nil, err
	}

	h, err := p.create()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	p.claim(h)
	p.mu.Unlock()
	return p.wrap(h), nil
}

func popFront(l *list.List) *handle {
	e := l.Front()
	if e == nil {
		return nil
	}
	l.Remove(e)
	h := e.Value.(*handle)
	h.elem = nil
	return h
}

// claim moves h into the in-use map; caller holds p.mu.
func (p *Pool) claim(h *handle) {
	h.lastUsed = time.Now()
	h.usageCount++
	p.inUse[h.id] = h
}

// release classifies h by access_frequency and returns it to a tier, or
// destroys it if it exceeds the per-instance cap or a leak is detected.
func (p *Pool) release(h *handle, success bool) {
	p.mu.Lock()
	delete(p.inUse, h.id)

	mb := h.inst.MemoryMB()
	prevMB := h.currentMB
	h.recordMemory(mb)
	p.totalMB += mb - prevMB

	// exponentially-weighted access frequency: successful, frequent
	// reuse pushes f up; this release counts as one more data point.
	decay := 0.7
	observation := 0.0
	if success {
		observation = 1.0
	}
	h.accessFrequency = decay*h.accessFrequency + (1-decay)*observation

	rate := h.growthRateMBPerSec()
	leak := rate > 10.0
	overCap := h.currentMB > p.cfg.InstanceMemoryThreshold

	if leak || overCap {
		p.total--
		p.totalMB -= h.currentMB
		p.mu.Unlock()
		if leak {
			p.emit(Event{Kind: "leak_detected", InstanceID: h.id, Rate: rate})
		}
		p.emit(Event{Kind: "instance_evicted", InstanceID: h.id, Reason: reasonFor(leak, overCap), MB: h.currentMB})
		_ = h.inst.Close()
		return
	}

	switch {
	case h.accessFrequency > 0.5 && p.hot.Len() < p.cfg.hotCap():
		h.tier = TierHot
		h.elem = p.hot.PushBack(h)
	case h.accessFrequency > 0.2 && p.warm.Len() < p.cfg.warmCap():
		h.tier = TierWarm
		h.elem = p.warm.PushBack(h)
	default:
		h.tier = TierCold
		h.elem = p.cold.PushBack(h)
	}
	p.mu.Unlock()
}

func reasonFor(leak, overCap bool) string {
	switch {
	case leak:
		return "leak_detected"
	case overCap:
		return "over_memory_cap"
	default:
		return "unknown"
	}
}

// Handle is the caller-facing guaranteed-release wrapper the design note
// in spec §9 calls for: dropping without Release() is only a logged
// warning, never a panic, but Release()/Cleanup() is the contract.
type Handle struct {
	pool     *Pool
	h        *handle
	released atomic.Bool
}

func (p *Pool) wrap(h *handle) *Handle {
	hd := &Handle{pool: p, h: h}
	runtime.SetFinalizer(hd, func(hd *Handle) {
		if !hd.released.Load() {
			hd.pool.logger.Warn("wasm pool handle dropped without release", "instance_id", hd.h.id)
		}
	})
	return hd
}

// Instance exposes the underlying opaque instance for use.
func (hd *Handle) Instance() Instance { return hd.h.inst }

// ID returns the instance's pool identifier.
func (hd *Handle) ID() string { return hd.h.id }

// Release returns the instance to its classified tier. success should
// reflect whether the caller's use of the instance completed without
// error, since it feeds the access-frequency promotion/demotion score.
func (hd *Handle) Release(success bool) {
	if !hd.released.CompareAndSwap(false, true) {
		return
	}
	hd.pool.release(hd.h, success)
}

// CleanupWithTimeout force-destroys the instance instead of returning it
// to a tier, bounded by d; used when the caller knows the instance is
// unusable (e.g. after a WIT validation failure).
func (hd *Handle) CleanupWithTimeout(d time.Duration) error {
	if !hd.released.CompareAndSwap(false, true) {
		return nil
	}
	done := make(chan error, 1)
	go func() { done <- hd.h.inst.Close() }()
	select {
	case err := <-done:
		hd.pool.mu.Lock()
		delete(hd.pool.inUse, hd.h.id)
		hd.pool.total--
		hd.pool.totalMB -= hd.h.currentMB
		hd.pool.mu.Unlock()
		return err
	case <-time.After(d):
		return fmt.Errorf("cleanup timed out after %s", d)
	}
}

// Stats reports the current size accounting across tiers and in-use,
// satisfying the invariant |hot|+|warm|+|cold|+|in_use| = total.
type Stats struct {
	Hot, Warm, Cold, InUse, Total int
	TotalMemoryMB                 float64
}

func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Hot:           p.hot.Len(),
		Warm:          p.warm.Len(),
		Cold:          p.cold.Len(),
		InUse:         len(p.inUse),
		Total:         p.total,
		TotalMemoryMB: p.totalMB,
	}
}

// runGC scans all tiers, evicting entries idle longer than
// InstanceIdleTimeout -- cold first, then warm, then hot with a doubled
// timeout, per spec §4.5.
func (p *Pool) runGC() {
	p.mu.Lock()
	now := time.Now()
	evicted := 0
	var freedMB float64

	sweep := func(l *list.List, timeout time.Duration) {
		var next *list.Element
		for e := l.Front(); e != nil; e = next {
			next = e.Next()
			h := e.Value.(*handle)
			if now.Sub(h.lastUsed) > timeout {
				l.Remove(e)
				p.total--
				freedMB += h.currentMB
				p.totalMB -= h.currentMB
				evicted++
				_ = h.inst.Close()
			}
		}
	}
	sweep(p.cold, p.cfg.InstanceIdleTimeout)
	sweep(p.warm, p.cfg.InstanceIdleTimeout)
	sweep(p.hot, p.cfg.InstanceIdleTimeout*2)
	p.mu.Unlock()

	if evicted > 0 {
		p.emit(Event{Kind: "gc_triggered", N: evicted, MB: freedMB})
	}
}

func (p *Pool) gcLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.GCInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.runGC()
		case <-p.stopCh:
			return
		}
	}
}

// promoterLoop lifts the highest-frequency Warm instance to Hot every 5s
// while f > 0.4 and Hot has space, per spec §4.5.
func (p *Pool) promoterLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.promoteOnce()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) promoteOnce() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.hot.Len() >= p.cfg.hotCap() {
		return
	}
	var best *list.Element
	for e := p.warm.Front(); e != nil; e = e.Next() {
		h := e.Value.(*handle)
		if h.accessFrequency <= 0.4 {
			continue
		}
		if best == nil || h.accessFrequency > best.Value.(*handle).accessFrequency {
			best = e
		}
	}
	if best == nil {
		return
	}
	p.warm.Remove(best)
	h := best.Value.(*handle)
	h.tier = TierHot
	h.elem = p.hot.PushBack(h)
}

// Close stops background loops and destroys every tracked instance.
func (p *Pool) Close() error {
	close(p.stopCh)
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	destroyAll := func(l *list.List) {
		for e := l.Front(); e != nil; e = e.Next() {
			_ = e.Value.(*handle).inst.Close()
		}
	}
	destroyAll(p.hot)
	destroyAll(p.warm)
	destroyAll(p.cold)
	for _, h := range p.inUse {
		_ = h.inst.Close()
	}
	close(p.events)
	return nil
}
