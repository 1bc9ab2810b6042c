package fetcher

import (
	"context"
	"log/slog"
	"time"

	"github.com/foofork/riptide/internal/observability"
	"github.com/foofork/riptide/internal/types"
)

// RenderHardTimeout is the spec's §5 render hard-cap.
const RenderHardTimeout = 3 * time.Second

// RenderGate implements C7: a circuit-protected headless render with a
// static-fetch fallback, generalized from browser.go's page-pool
// acquisition into an explicit decision function rather than a bare
// Fetch call.
type RenderGate struct {
	renderer Fetcher // *BrowserFetcher, behind the interface for testability
	static   Fetcher // *HTTPFetcher
	breaker  *CircuitBreaker
	logger   *slog.Logger
	solver   *CAPTCHASolver
	metrics  *observability.Metrics
}

// GateOption configures optional RenderGate hardening.
type GateOption func(*RenderGate)

// WithCAPTCHASolver enables challenge-page detection and solving on the
// rendered response before it's handed back to the caller.
func WithCAPTCHASolver(solver *CAPTCHASolver) GateOption {
	return func(g *RenderGate) { g.solver = solver }
}

// WithGateMetrics records render attempts, static fallbacks, and CAPTCHA
// solve outcomes against m.
func WithGateMetrics(m *observability.Metrics) GateOption {
	return func(g *RenderGate) { g.metrics = m }
}

// NewRenderGate wires a browser-backed renderer and an HTTP static
// fetcher behind one breaker-gated entry point.
func NewRenderGate(renderer, static Fetcher, breaker *CircuitBreaker, logger *slog.Logger, opts ...GateOption) *RenderGate {
	if breaker == nil {
		breaker = NewCircuitBreaker(DefaultBreakerConfig())
	}
	g := &RenderGate{
		renderer: renderer,
		static:   static,
		breaker:  breaker,
		logger:   logger.With("component", "render_gate"),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RenderWithFallback implements spec §4.7's render_with_timeout:
//  1. try_acquire a permit; on reject, go straight to static (no CB change).
//  2. race the headless render against RenderHardTimeout.
//  3. on render error or timeout, fall back to static fetch.
func (g *RenderGate) RenderWithFallback(ctx context.Context, req *types.Request) (*types.Response, error) {
	if g.metrics != nil {
		g.metrics.RenderAttempts.Add(1)
	}

	permit, err := g.breaker.TryAcquire()
	if err != nil {
		g.logger.Debug("render breaker open, skipping straight to static", "url", req.URLString())
		if g.metrics != nil {
			g.metrics.RenderFallbacks.Add(1)
		}
		return g.static.Fetch(ctx, req)
	}

	renderCtx, cancel := context.WithTimeout(ctx, RenderHardTimeout)
	defer cancel()

	type result struct {
		resp *types.Response
		err  error
	}
	done := make(chan result, 1)
	go func() {
		resp, err := g.renderer.Fetch(renderCtx, req)
		done <- result{resp, err}
	}()

	select {
	case r := <-done:
		if r.err != nil {
			permit.OnFailure()
			g.logger.Debug("render failed, falling back to static", "url", req.URLString(), "error", r.err)
			if g.metrics != nil {
				g.metrics.RenderFallbacks.Add(1)
			}
			return g.static.Fetch(ctx, req)
		}
		permit.OnSuccess()
		return g.solveChallengeIfNeeded(ctx, req, r.resp), nil
	case <-renderCtx.Done():
		permit.OnFailure()
		g.logger.Debug("render timed out, falling back to static", "url", req.URLString())
		if g.metrics != nil {
			g.metrics.RenderFallbacks.Add(1)
		}
		return g.static.Fetch(ctx, req)
	}
}

// solveChallengeIfNeeded detects a CAPTCHA challenge in a rendered page
// and, if a solver is configured, solves it and re-renders with the
// solution injected. Returns the original response unchanged when no
// solver is configured, no challenge is detected, or solving fails.
func (g *RenderGate) solveChallengeIfNeeded(ctx context.Context, req *types.Request, resp *types.Response) *types.Response {
	if g.solver == nil || resp == nil {
		return resp
	}
	captchaType, siteKey := DetectCAPTCHA(string(resp.Body))
	if captchaType == "" || siteKey == "" {
		return resp
	}

	g.logger.Info("captcha challenge detected", "url", req.URLString(), "type", captchaType)
	solveCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	solution, err := g.solver.Solve(solveCtx, &CAPTCHARequest{
		Type:    captchaType,
		SiteKey: siteKey,
		SiteURL: req.URLString(),
	})
	if err != nil {
		g.logger.Warn("captcha solve failed, returning challenge page", "url", req.URLString(), "error", err)
		if g.metrics != nil {
			g.metrics.CaptchaFailed.Add(1)
		}
		return resp
	}

	retryReq := req.Clone()
	retryReq.Meta["captcha_token"] = solution.Solution
	retried, err := g.renderer.Fetch(ctx, retryReq)
	if err != nil {
		g.logger.Warn("post-solve render failed, returning challenge page", "url", req.URLString(), "error", err)
		if g.metrics != nil {
			g.metrics.CaptchaFailed.Add(1)
		}
		return resp
	}
	if g.metrics != nil {
		g.metrics.CaptchaSolved.Add(1)
	}
	return retried
}

// Fetch implements Fetcher, letting a RenderGate sit directly in front of
// a ResilientFetcher or any other Fetcher-typed caller.
func (g *RenderGate) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	return g.RenderWithFallback(ctx, req)
}

// Type returns the fetcher type identifier.
func (g *RenderGate) Type() string {
	return "render_gate"
}

// Close releases both underlying fetchers.
func (g *RenderGate) Close() error {
	if err := g.renderer.Close(); err != nil {
		return err
	}
	return g.static.Close()
}
