package api

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sourcegraph/conc/pool"

	"github.com/foofork/riptide/internal/types"
)

// ProcessResult is one URL's outcome from the fetch/render/extract
// pipeline (C4/C7 borrowing C5/C6, then C8/C9), per spec §4.11's data
// flow.
type ProcessResult struct {
	StatusCode   int
	FromCache    bool
	GateDecision string
	Quality      float64
	Item         *types.Item
	CacheKey     string
}

// URLProcessor abstracts the per-URL pipeline the streaming orchestrator
// fans requests out to. HTTP route wiring and the concrete DOM parser
// library are out of scope per the specification; only this interface's
// shape is.
type URLProcessor interface {
	Process(ctx context.Context, url string) (*ProcessResult, error)
}

// StreamOptions carries per-request tuning submitted alongside the URL
// list, mirroring the "options" field in §6's request body.
type StreamOptions struct {
	Concurrency int    `json:"concurrency"`
	CacheMode   string `json:"cache_mode"`
}

// CrawlStreamBody is the request body for the crawl streaming endpoint.
type CrawlStreamBody struct {
	URLs    []string       `json:"urls"`
	Options *StreamOptions `json:"options,omitempty"`
}

// streamMetadata is the first NDJSON line of every stream.
type streamMetadata struct {
	Type      string `json:"type"`
	TotalURLs int    `json:"total_urls"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp"`
	StreamType string `json:"stream_type"`
}

type errorInfo struct {
	ErrorType string `json:"error_type"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type crawlResult struct {
	URL              string         `json:"url"`
	Status           int            `json:"status"`
	FromCache        bool           `json:"from_cache"`
	GateDecision     string         `json:"gate_decision"`
	QualityScore     float64        `json:"quality_score"`
	ProcessingTimeMs int64          `json:"processing_time_ms"`
	Fields           map[string]any `json:"fields,omitempty"`
	Error            *errorInfo     `json:"error,omitempty"`
	CacheKey         string         `json:"cache_key,omitempty"`
}

type streamProgress struct {
	Completed   int     `json:"completed"`
	Total       int     `json:"total"`
	SuccessRate float64 `json:"success_rate"`
}

type streamResultLine struct {
	Type     string         `json:"type"`
	Index    int            `json:"index"`
	Result   crawlResult    `json:"result"`
	Progress streamProgress `json:"progress"`
}

type operationProgress struct {
	Type                string  `json:"type"`
	OperationID         string  `json:"operation_id"`
	CurrentPhase        string  `json:"current_phase"`
	ProgressPercentage  float64 `json:"progress_percentage"`
	ItemsCompleted      int     `json:"items_completed"`
	ItemsTotal          int     `json:"items_total"`
	EstimatedCompletion *string `json:"estimated_completion,omitempty"`
	CurrentItem         string  `json:"current_item,omitempty"`
}

type streamSummary struct {
	Type                 string  `json:"type"`
	TotalURLs            int     `json:"total_urls"`
	Successful           int     `json:"successful"`
	Failed               int     `json:"failed"`
	FromCache            int     `json:"from_cache"`
	TotalProcessingTimeMs int64  `json:"total_processing_time_ms"`
	CacheHitRate         float64 `json:"cache_hit_rate"`
	Cancelled            bool    `json:"cancelled,omitempty"`
}

// bufferBounds clamps a caller-supplied buffer_limit into [256, 2048].
// StreamHandler stores the result; HandleCrawlStream writes each NDJSON
// line straight to the response and sizes no channel from it.
func bufferBounds(limit int) int {
	if limit < 256 {
		return 256
	}
	if limit > 2048 {
		return 2048
	}
	return limit
}

// inputChannelSize bounds the per-URL result channel, per §4.11's
// "min(url_count, 1000)".
func inputChannelSize(urlCount int) int {
	if urlCount < 1 {
		return 1
	}
	if urlCount > 1000 {
		return 1000
	}
	return urlCount
}

// backpressurePolicy decides whether to drop a result when the per-URL
// result channel has no spare capacity, per §4.11's "drop this message (counted)
// or await with timeout".
type backpressurePolicy struct {
	mu      sync.Mutex
	dropped int64
}

func (b *backpressurePolicy) shouldDrop(capacityRemaining, capacityTotal int) bool {
	if capacityRemaining > 0 {
		return false
	}
	b.mu.Lock()
	b.dropped++
	b.mu.Unlock()
	return true
}

func (b *backpressurePolicy) droppedCount() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dropped
}

// StreamHandler implements the NDJSON streaming orchestrator (C11),
// grounded on the teacher's stdlib-`net/http` `Server` in server.go —
// no second HTTP framework is introduced for this endpoint either.
type StreamHandler struct {
	processor   URLProcessor
	logger      *slog.Logger
	concurrency int
	bufferLimit int
	streams     *activeStreams
}

// NewStreamHandler wires processor (the C5/C6/C7/C8/C9 pipeline) into
// the orchestrator. concurrency and bufferLimit fall back to sane
// defaults when <= 0.
func NewStreamHandler(processor URLProcessor, logger *slog.Logger, concurrency, bufferLimit int) *StreamHandler {
	if concurrency <= 0 {
		concurrency = 8
	}
	return &StreamHandler{
		processor:   processor,
		logger:      logger.With("component", "stream_handler"),
		concurrency: concurrency,
		bufferLimit: bufferBounds(bufferLimit),
		streams:     newActiveStreams(),
	}
}

// HandleCancelStream cancels an in-flight stream by request ID, stopping
// workers from enqueueing further results per §4.11's cancellation note.
func (h *StreamHandler) HandleCancelStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if h.streams.cancel(id) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"cancelled","request_id":%q}`, id)
		return
	}
	w.WriteHeader(http.StatusNotFound)
	fmt.Fprintf(w, `{"error":"no active stream with id %q"}`, id)
}

// HandleCrawlStream serves the crawl NDJSON stream, per spec §4.11/§6.
func (h *StreamHandler) HandleCrawlStream(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	requestID := uuid.New().String()
	logger := h.logger.With("request_id", requestID)

	var body CrawlStreamBody
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, `{"error":{"type":"validation_error","message":"invalid JSON","retryable":false}}`, http.StatusBadRequest)
		return
	}
	if len(body.URLs) == 0 {
		http.Error(w, `{"error":{"type":"validation_error","message":"urls must not be empty","retryable":false}}`, http.StatusBadRequest)
		return
	}

	concurrency := h.concurrency
	if body.Options != nil && body.Options.Concurrency > 0 {
		concurrency = body.Options.Concurrency
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Transfer-Encoding", "chunked")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("X-Request-ID", requestID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	bw := bufio.NewWriter(w)

	writeLine := func(v any) error {
		b, err := json.Marshal(v)
		if err != nil {
			return err
		}
		if _, err := bw.Write(b); err != nil {
			return err
		}
		if err := bw.WriteByte('\n'); err != nil {
			return err
		}
		if err := bw.Flush(); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	}

	// TTFB-critical: metadata must flush before any per-URL work starts.
	if err := writeLine(streamMetadata{
		Type:       "metadata",
		TotalURLs:  len(body.URLs),
		RequestID:  requestID,
		Timestamp:  start.UTC().Format(time.RFC3339),
		StreamType: "crawl",
	}); err != nil {
		logger.Debug("client disconnected before metadata flush", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	h.streams.register(requestID, cancel)
	defer h.streams.unregister(requestID)

	type indexedResult struct {
		index int
		url   string
		res   *ProcessResult
		err   error
		dur   time.Duration
	}

	resultCh := make(chan indexedResult, inputChannelSize(len(body.URLs)))
	backpressure := &backpressurePolicy{}

	p := pool.New().WithMaxGoroutines(concurrency)
	for i, u := range body.URLs {
		i, u := i, u
		p.Go(func() {
			taskStart := time.Now()
			res, err := h.processor.Process(ctx, u)
			select {
			case resultCh <- indexedResult{index: i, url: u, res: res, err: err, dur: time.Since(taskStart)}:
			case <-ctx.Done():
			}
		})
	}
	go func() {
		p.Wait()
		close(resultCh)
	}()

	completed := 0
	errored := 0
	cacheHits := 0
	clientGone := false

	for ir := range resultCh {
		var cr crawlResult
		if ir.err != nil {
			errored++
			cr = crawlResult{
				URL:              ir.url,
				Status:           0,
				GateDecision:     "failed",
				ProcessingTimeMs: ir.dur.Milliseconds(),
				Error: &errorInfo{
					ErrorType: "processing_error",
					Message:   fmt.Sprintf("processing failed for %s: %v", ir.url, ir.err),
					Retryable: true,
				},
			}
		} else {
			completed++
			if ir.res.FromCache {
				cacheHits++
			}
			var fields map[string]any
			if ir.res.Item != nil {
				fields = ir.res.Item.Fields
			}
			cr = crawlResult{
				URL:              ir.url,
				Status:           ir.res.StatusCode,
				FromCache:        ir.res.FromCache,
				GateDecision:     ir.res.GateDecision,
				QualityScore:     ir.res.Quality,
				ProcessingTimeMs: ir.dur.Milliseconds(),
				Fields:           fields,
				CacheKey:         ir.res.CacheKey,
			}
		}

		total := completed + errored
		line := streamResultLine{
			Type:  "result",
			Index: ir.index,
			Result: cr,
			Progress: streamProgress{
				Completed: total,
				Total:     len(body.URLs),
				SuccessRate: func() float64 {
					if total == 0 {
						return 0
					}
					return float64(completed) / float64(total)
				}(),
			},
		}

		remaining := cap(resultCh) - len(resultCh)
		if clientGone || backpressure.shouldDrop(remaining, cap(resultCh)) {
			if !clientGone {
				logger.Warn("dropping message due to backpressure")
			}
			continue
		}

		if err := writeLine(line); err != nil {
			logger.Debug("client disconnected, stopping stream", "error", err)
			clientGone = true
			cancel()
			continue
		}

		if len(body.URLs) > 10 && total%5 == 0 {
			eta := estimateCompletion(start, total, len(body.URLs))
			progress := operationProgress{
				Type:                "progress",
				OperationID:         requestID,
				CurrentPhase:        "processing",
				ProgressPercentage:  float64(total) / float64(len(body.URLs)) * 100,
				ItemsCompleted:      total,
				ItemsTotal:          len(body.URLs),
				EstimatedCompletion: eta,
				CurrentItem:         ir.url,
			}
			if err := writeLine(progress); err != nil {
				logger.Debug("client disconnected during progress update", "error", err)
				clientGone = true
				cancel()
			}
		}
	}

	summary := streamSummary{
		Type:                  "summary",
		TotalURLs:             len(body.URLs),
		Successful:            completed,
		Failed:                errored,
		FromCache:             cacheHits,
		TotalProcessingTimeMs: time.Since(start).Milliseconds(),
		CacheHitRate: func() float64 {
			if len(body.URLs) == 0 {
				return 0
			}
			return float64(cacheHits) / float64(len(body.URLs))
		}(),
		Cancelled: clientGone,
	}
	if err := writeLine(summary); err != nil {
		logger.Warn("failed to send summary", "error", err)
	}

	logger.Info("ndjson crawl stream completed",
		"total_urls", len(body.URLs),
		"successful", completed,
		"failed", errored,
		"cache_hits", cacheHits,
		"dropped", backpressure.droppedCount(),
		"total_time_ms", time.Since(start).Milliseconds(),
	)
}

// estimateCompletion linearly extrapolates remaining time from the
// average per-item duration observed so far, per §4.11's Progress line.
func estimateCompletion(start time.Time, completed, total int) *string {
	if completed == 0 || total == 0 {
		return nil
	}
	elapsed := time.Since(start)
	avgPerItem := elapsed.Seconds() / float64(completed)
	remaining := total - completed
	if remaining < 0 {
		remaining = 0
	}
	eta := time.Now().Add(time.Duration(avgPerItem*float64(remaining)) * time.Second).UTC().Format(time.RFC3339)
	return &eta
}

// RegisterStreamRoutes wires the streaming endpoint into an existing
// mux, alongside Server's control-plane routes.
func (s *Server) RegisterStreamRoutes(handler *StreamHandler) {
	s.mux.HandleFunc("POST /api/crawl/stream", handler.HandleCrawlStream)
	s.mux.HandleFunc("POST /api/crawl/stream/{id}/cancel", handler.HandleCancelStream)
}

// activeStreams tracks in-flight streams for graceful shutdown /
// cancellation-by-request-id, grounded on purify's crawl.go job registry
// pattern (sync.Map keyed by id, TTL sweep).
type activeStreams struct {
	mu      sync.Mutex
	entries map[string]context.CancelFunc
}

func newActiveStreams() *activeStreams {
	return &activeStreams{entries: make(map[string]context.CancelFunc)}
}

func (a *activeStreams) register(id string, cancel context.CancelFunc) {
	a.mu.Lock()
	a.entries[id] = cancel
	a.mu.Unlock()
}

func (a *activeStreams) cancel(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cancel, ok := a.entries[id]
	if ok {
		cancel()
		delete(a.entries, id)
	}
	return ok
}

func (a *activeStreams) unregister(id string) {
	a.mu.Lock()
	delete(a.entries, id)
	a.mu.Unlock()
}
