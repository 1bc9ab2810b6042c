package fetcher

import (
	"context"
	"log/slog"
	"math"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/foofork/riptide/internal/engine"
	"github.com/foofork/riptide/internal/observability"
	"github.com/foofork/riptide/internal/types"
)

// ResilientConfig names spec §6's fetch-engine runtime options.
type ResilientConfig struct {
	ConnectTimeout    time.Duration
	RequestTimeout    time.Duration
	InitialDelay      time.Duration
	MaxDelay          time.Duration
	BackoffMultiplier float64
	MaxAttempts       int
	Jitter            bool
	Breaker           BreakerConfig
	RateLimit         RateLimiterConfig
	RespectRobots     bool
}

// DefaultResilientConfig matches spec §4.4's stated defaults (connect 3s,
// total 20s) plus a conservative retry/backoff schedule.
func DefaultResilientConfig() ResilientConfig {
	return ResilientConfig{
		ConnectTimeout:    3 * time.Second,
		RequestTimeout:    20 * time.Second,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          10 * time.Second,
		BackoffMultiplier: 2.0,
		MaxAttempts:       3,
		Jitter:            true,
		Breaker:           DefaultBreakerConfig(),
		RateLimit:         DefaultRateLimiterConfig(),
		RespectRobots:     true,
	}
}

// HostCounters tracks per-host request accounting, per spec §4.4's
// "Counters recorded per host".
type HostCounters struct {
	RequestCount  atomic.Int64
	SuccessCount  atomic.Int64
	FailureCount  atomic.Int64
	TotalDuration atomic.Int64 // nanoseconds
}

// ResilientFetcher implements the C4 fetch pipeline: per-host rate limit,
// optional robots check, per-host circuit breaker, retry with capped
// exponential backoff and jitter, wrapping an underlying transport
// Fetcher (HTTPFetcher or BrowserFetcher).
type ResilientFetcher struct {
	cfg      ResilientConfig
	inner    Fetcher
	breakers *BreakerRegistry
	limiter  *HostRateLimiter
	robots   *engine.RobotsManager
	logger   *slog.Logger
	metrics  *observability.Metrics

	mu       sync.RWMutex
	counters map[string]*HostCounters
}

// WithMetrics attaches a Metrics sink: requests rejected by the rate limiter
// or by an open breaker are recorded as they happen, independent of the per-host HostCounters
// this fetcher already tracks.
func (f *ResilientFetcher) WithMetrics(m *observability.Metrics) *ResilientFetcher {
	f.metrics = m
	return f
}

// NewResilientFetcher wraps inner with the full C4 resilience pipeline.
func NewResilientFetcher(inner Fetcher, cfg ResilientConfig, logger *slog.Logger) *ResilientFetcher {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultResilientConfig()
	}
	return &ResilientFetcher{
		cfg:      cfg,
		inner:    inner,
		breakers: NewBreakerRegistry(cfg.Breaker),
		limiter:  NewHostRateLimiter(cfg.RateLimit),
		robots:   engine.NewRobotsManager(cfg.RespectRobots),
		logger:   logger.With("component", "resilient_fetcher"),
		counters: make(map[string]*HostCounters),
	}
}

func (f *ResilientFetcher) countersFor(host string) *HostCounters {
	f.mu.RLock()
	c, ok := f.counters[host]
	f.mu.RUnlock()
	if ok {
		return c
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok = f.counters[host]; ok {
		return c
	}
	c = &HostCounters{}
	f.counters[host] = c
	return c
}

// Counters returns a snapshot of per-host counters for observability.
func (f *ResilientFetcher) Counters(host string) *HostCounters {
	return f.countersFor(host)
}

// Fetch implements spec §4.4 steps 1-8.
func (f *ResilientFetcher) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	host := req.Domain()
	counters := f.countersFor(host)

	if err := f.limiter.CheckLimit(host); err != nil {
		if f.metrics != nil {
			f.metrics.RateLimitWaits.Add(1)
		}
		return nil, types.NewCrawlError(types.KindRateLimited, true, "host rate limit exceeded", err)
	}

	if f.cfg.RespectRobots && !f.robots.IsAllowed(req.URLString()) {
		return nil, types.NewCrawlError(types.KindRobotsBlocked, false, "disallowed by robots.txt", nil)
	}

	// Combine robots.txt crawl-delay with the host's token bucket.
	if f.cfg.RespectRobots && req.URL != nil {
		if delay := f.robots.GetCrawlDelay(req.URL.Scheme + "://" + req.URL.Host); delay > 0 {
			f.limiter.SetCrawlDelay(host, 1/delay.Seconds())
		}
	}

	breaker := f.breakers.Get(host)

	var lastErr error
	maxAttempts := f.cfg.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		permit, err := breaker.TryAcquire()
		if err != nil {
			if f.metrics != nil {
				f.metrics.BreakerTrips.Add(1)
			}
			return nil, types.NewCrawlError(types.KindCircuitOpen, false, "circuit breaker open for host "+host, err)
		}

		reqCtx, cancel := context.WithTimeout(ctx, f.cfg.RequestTimeout)
		start := time.Now()
		resp, fetchErr := f.inner.Fetch(reqCtx, req)
		elapsed := time.Since(start)
		cancel()

		counters.RequestCount.Add(1)
		counters.TotalDuration.Add(int64(elapsed))

		if fetchErr == nil {
			permit.OnSuccess()
			counters.SuccessCount.Add(1)
			return resp, nil
		}

		retryable, retryAfter := classifyFetchError(fetchErr)
		if !retryable {
			permit.OnFailure()
			counters.FailureCount.Add(1)
			return nil, fetchErr
		}

		permit.OnFailure()
		counters.FailureCount.Add(1)
		lastErr = fetchErr

		if attempt == maxAttempts-1 {
			break
		}

		delay := f.backoffDelay(attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		f.logger.Debug("retrying fetch", "url", req.URLString(), "attempt", attempt+1, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return nil, types.NewCrawlError(types.KindFetchNetworkError, false, "max retries exceeded", lastErr)
}

// backoffDelay computes min(max_delay, initial_delay * multiplier^attempt)
// with optional +/-10% jitter, per spec §4.4 step 6.
func (f *ResilientFetcher) backoffDelay(attempt int) time.Duration {
	raw := float64(f.cfg.InitialDelay) * math.Pow(f.cfg.BackoffMultiplier, float64(attempt))
	capped := math.Min(raw, float64(f.cfg.MaxDelay))
	if f.cfg.Jitter {
		jitter := capped * 0.10 * (rand.Float64()*2 - 1)
		capped += jitter
	}
	if capped < 0 {
		capped = 0
	}
	return time.Duration(capped)
}

// classifyFetchError maps a *types.FetchError (or CrawlError) to
// retryability and any server-requested delay, per spec §4.4 step 5:
// 408/429/5xx are retryable, other 4xx are not.
func classifyFetchError(err error) (retryable bool, retryAfter time.Duration) {
	if fe, ok := err.(*types.FetchError); ok {
		return fe.IsRetryable(), fe.RetryAfter
	}
	if ce, ok := err.(*types.CrawlError); ok {
		return ce.Retryable, 0
	}
	return true, 0
}

// Close releases the underlying transport.
func (f *ResilientFetcher) Close() error { return f.inner.Close() }

// Type reports the underlying transport's type.
func (f *ResilientFetcher) Type() string { return f.inner.Type() }
