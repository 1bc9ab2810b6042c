package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/foofork/riptide/internal/api"
	"github.com/foofork/riptide/internal/cdppool"
	"github.com/foofork/riptide/internal/config"
	"github.com/foofork/riptide/internal/extract"
	"github.com/foofork/riptide/internal/fetcher"
	"github.com/foofork/riptide/internal/monitor"
	"github.com/foofork/riptide/internal/observability"
	"github.com/foofork/riptide/internal/types"
	"github.com/foofork/riptide/internal/wasmpool"
)

var (
	streamPort        int
	streamConcurrency int
	streamBufferSize  int
	streamRenderJS    bool
	streamStealth     bool
)

// streamCmd creates the "stream" subcommand: the NDJSON crawl-streaming
// API backed by the full resilient-fetch/render/extraction stack (C1,
// C2, C4, C5, C6, C7, C8, C9, C11, C12), rather than the plain
// engine+HTTPFetcher combination search/ai-crawl use.
func streamCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stream",
		Short: "Serve the NDJSON crawl streaming API",
		Long: `Starts an HTTP server exposing POST /api/crawl/stream, backed by the
resilient fetch pipeline: per-host rate limiting and circuit breaking,
an optional headless-render gate with CAPTCHA solving and stealth
hardening, a pooled CSS/table extractor, and a live performance
monitor at GET /api/perf.`,
		RunE: runStream,
	}

	cmd.Flags().IntVarP(&streamPort, "port", "p", 8080, "HTTP listen port")
	cmd.Flags().IntVarP(&streamConcurrency, "concurrency", "n", 8, "default per-request worker concurrency")
	cmd.Flags().IntVar(&streamBufferSize, "buffer-size", 256, "NDJSON buffer limit, clamped to [256, 2048]; stored by the handler, no channel is sized from it")
	cmd.Flags().BoolVar(&streamRenderJS, "render", true, "enable the headless render gate (C6/C7) in front of static fetch")
	cmd.Flags().BoolVar(&streamStealth, "stealth", false, "enable browser fingerprint stealth hardening for rendered fetches")

	return cmd
}

func runStream(cmd *cobra.Command, args []string) error {
	logger := setupLogger()

	cfg, err := loadStreamConfig()
	if err != nil {
		return err
	}
	if streamBufferSize > 0 {
		cfg.Render.StreamBufferSize = streamBufferSize
	}

	metrics := observability.NewMetrics(logger)

	chain, err := buildFetchChain(cfg, logger, metrics)
	if err != nil {
		return fmt.Errorf("build fetch chain: %w", err)
	}
	defer chain.Close()

	extractorPool, err := wasmpool.New(wasmpool.Config{
		MaxTotalMemoryMB:        wasmpool.DefaultConfig().MaxTotalMemoryMB,
		InstanceMemoryThreshold: wasmpool.DefaultConfig().InstanceMemoryThreshold,
		MaxInstances:            cfg.Render.WASMPoolSize,
		MinInstances:            cfg.Render.WASMPoolWarm,
		InstanceIdleTimeout:     wasmpool.DefaultConfig().InstanceIdleTimeout,
		MonitoringInterval:      wasmpool.DefaultConfig().MonitoringInterval,
		GCInterval:              wasmpool.DefaultConfig().GCInterval,
		MemoryPressureThreshold: wasmpool.DefaultConfig().MemoryPressureThreshold,
		CleanupTimeout:          wasmpool.DefaultConfig().CleanupTimeout,
	}, func() (wasmpool.Instance, error) {
		return extract.NewExtractorInstance(logger)
	}, logger)
	if err != nil {
		return fmt.Errorf("create extractor pool: %w", err)
	}

	processor := &crawlProcessor{
		fetch:  chain,
		pool:   extractorPool,
		logger: logger.With("component", "crawl_processor"),
		cache:  make(map[string]*api.ProcessResult),
	}

	metricsAdapter := monitor.NewMetricsAdapter(metrics, 256)
	perfMon := monitor.NewPerfMonitor(monitor.DefaultPerformanceTargets(), metricsAdapter, logger)
	perfCtx, cancelPerf := context.WithCancel(context.Background())
	defer cancelPerf()
	perfMon.Start(perfCtx)

	server := api.NewServer(streamPort, logger)
	server.SetPerfMonitor(perfMon)
	streamHandler := api.NewStreamHandler(processor, logger, streamConcurrency, cfg.Render.StreamBufferSize)
	server.RegisterStreamRoutes(streamHandler)
	server.Mux().Handle("GET /metrics", metrics)

	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}
	fmt.Printf("🌊 Streaming API listening on :%d (render=%v stealth=%v)\n", streamPort, streamRenderJS, streamStealth)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received signal, shutting down...", "signal", sig)
	return nil
}

// fetchChain closes every fetcher it owns, in reverse construction order.
type fetchChain struct {
	resilient *fetcher.ResilientFetcher
	closers   []func() error
}

func (c *fetchChain) Fetch(ctx context.Context, req *types.Request) (*types.Response, error) {
	return c.resilient.Fetch(ctx, req)
}

func (c *fetchChain) Close() error {
	var firstErr error
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// buildFetchChain composes the C1/C2/C4/C6/C7 stack: HTTP static fetch,
// an optional CDP-pooled headless renderer behind a breaker-gated render
// gate (with stealth hardening and CAPTCHA solving when enabled), all
// wrapped in the resilient per-host rate-limit/breaker/retry pipeline.
func buildFetchChain(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*fetchChain, error) {
	chain := &fetchChain{}

	httpFetcher, err := fetcher.NewHTTPFetcher(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("create http fetcher: %w", err)
	}
	chain.closers = append(chain.closers, httpFetcher.Close)

	var transport fetcher.Fetcher = httpFetcher

	if streamRenderJS {
		var browserOpts []fetcher.BrowserOption
		if streamStealth {
			browserOpts = append(browserOpts, fetcher.WithStealth(fetcher.DefaultStealthConfig()))
		}
		browserOpts = append(browserOpts, fetcher.WithCDPPoolConfig(cdppoolConfigFrom(cfg)))

		browserFetcher, err := fetcher.NewBrowserFetcher(cfg, logger, browserOpts...)
		if err != nil {
			logger.Warn("browser fetcher unavailable, falling back to static-only", "error", err)
		} else {
			chain.closers = append(chain.closers, browserFetcher.Close)

			var gateOpts []fetcher.GateOption
			if apiKey := os.Getenv("CAPTCHA_API_KEY"); apiKey != "" {
				provider := os.Getenv("CAPTCHA_PROVIDER")
				if provider == "" {
					provider = "2captcha"
				}
				solver := fetcher.NewCAPTCHASolver(provider, apiKey, "", logger)
				gateOpts = append(gateOpts, fetcher.WithCAPTCHASolver(solver))
			}

			breaker := fetcher.NewCircuitBreaker(fetcher.BreakerConfig{
				FailureThreshold:    cfg.Render.BreakerFailureThreshold,
				OpenCooldown:        cfg.Render.BreakerOpenDuration,
				HalfOpenMaxInFlight: cfg.Render.BreakerHalfOpenPermits,
			})
			gateOpts = append(gateOpts, fetcher.WithGateMetrics(metrics))
			gate := fetcher.NewRenderGate(browserFetcher, httpFetcher, breaker, logger, gateOpts...)
			transport = gate
		}
	}

	resilientCfg := fetcher.DefaultResilientConfig()
	resilientCfg.Breaker.FailureThreshold = cfg.Render.BreakerFailureThreshold
	resilientCfg.Breaker.OpenCooldown = cfg.Render.BreakerOpenDuration
	resilientCfg.Breaker.HalfOpenMaxInFlight = cfg.Render.BreakerHalfOpenPermits
	resilientCfg.RateLimit.RequestsPerSecond = cfg.Render.RateLimitRPS
	resilientCfg.RateLimit.BurstCapacity = cfg.Render.RateLimitBurst
	resilientCfg.MaxAttempts = cfg.Render.ResilientMaxRetries
	resilientCfg.RespectRobots = cfg.Engine.RespectRobotsTxt

	chain.resilient = fetcher.NewResilientFetcher(transport, resilientCfg, logger).WithMetrics(metrics)
	return chain, nil
}

func cdppoolConfigFrom(cfg *config.Config) cdppool.Config {
	poolCfg := cdppool.DefaultConfig()
	if cfg.Render.CDPPoolSize > 0 {
		poolCfg.MaxConnectionsPerBrowser = cfg.Render.CDPPoolSize
	}
	return poolCfg
}

// crawlProcessor implements api.URLProcessor: fetch through the C1/C2/C4/
// C6/C7 chain, extract through a pooled C5 instance running the C8/C9
// extractors, and cache successful results by URL.
type crawlProcessor struct {
	fetch  *fetchChain
	pool   *wasmpool.Pool
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]*api.ProcessResult
}

var defaultExtractionFields = map[string]extract.SelectorConfig{
	"title":       {Selector: "title", Transformers: []extract.Transformer{extract.TransformerRegistry["trim"], extract.TransformerRegistry["normalize_ws"]}},
	"description": {Selector: "meta[name='description']", Transformers: []extract.Transformer{extract.TransformerRegistry["trim"]}},
	"h1":          {Selector: "h1", Transformers: []extract.Transformer{extract.TransformerRegistry["trim"]}, MergePolicy: "concat"},
}

func (p *crawlProcessor) Process(ctx context.Context, rawURL string) (*api.ProcessResult, error) {
	p.mu.RLock()
	if cached, ok := p.cache[rawURL]; ok {
		p.mu.RUnlock()
		hit := *cached
		hit.FromCache = true
		return &hit, nil
	}
	p.mu.RUnlock()

	req, err := types.NewRequest(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url: %w", err)
	}

	resp, err := p.fetch.Fetch(ctx, req)
	if err != nil {
		return nil, err
	}

	doc, err := resp.Document()
	if err != nil {
		return &api.ProcessResult{StatusCode: resp.StatusCode, GateDecision: "fetched", CacheKey: rawURL}, nil
	}

	handle, err := p.pool.Acquire()
	if err != nil {
		return nil, fmt.Errorf("acquire extractor: %w", err)
	}
	inst, ok := handle.Instance().(*extract.ExtractorInstance)
	if !ok {
		handle.Release(false)
		return nil, fmt.Errorf("unexpected pooled instance type")
	}

	fields, confidence := inst.CSS.Extract(doc, resp.FinalURL, defaultExtractionFields)
	tables := inst.Tables.ExtractAll(doc)
	handle.Release(true)

	item := types.NewItem(rawURL)
	for k, v := range fields {
		item.Set(k, v)
	}
	if len(tables) > 0 {
		item.Set("_tables", tables)
	}

	gateDecision := "static"
	if streamRenderJS {
		gateDecision = "adaptive"
	}

	result := &api.ProcessResult{
		StatusCode:   resp.StatusCode,
		GateDecision: gateDecision,
		Quality:      confidence,
		Item:         item,
		CacheKey:     rawURL,
	}

	p.mu.Lock()
	p.cache[rawURL] = result
	p.mu.Unlock()

	return result, nil
}
