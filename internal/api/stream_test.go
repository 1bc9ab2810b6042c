package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/foofork/riptide/internal/types"
)

type fakeProcessor struct {
	calls   atomic.Int64
	failOn  map[string]bool
	delay   time.Duration
}

func (f *fakeProcessor) Process(ctx context.Context, url string) (*ProcessResult, error) {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.failOn[url] {
		return nil, fmt.Errorf("simulated failure for %s", url)
	}
	item := types.NewItem(url)
	item.Set("title", "Example")
	return &ProcessResult{StatusCode: 200, GateDecision: "static", Quality: 0.8, Item: item}, nil
}

func decodeLines(t *testing.T, body string) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		if line == "" {
			continue
		}
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("bad NDJSON line %q: %v", line, err)
		}
		out = append(out, m)
	}
	return out
}

func TestHandleCrawlStream_MetadataFirstAndSummaryLast(t *testing.T) {
	proc := &fakeProcessor{failOn: map[string]bool{}}
	h := NewStreamHandler(proc, slog.Default(), 4, 1024)

	body, _ := json.Marshal(CrawlStreamBody{URLs: []string{"https://a.example.com", "https://b.example.com"}})
	req := httptest.NewRequest(http.MethodPost, "/api/crawl/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleCrawlStream(rec, req)

	if rec.Header().Get("Content-Type") != "application/x-ndjson" {
		t.Fatalf("unexpected content type: %s", rec.Header().Get("Content-Type"))
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatal("expected X-Request-ID header")
	}

	lines := decodeLines(t, rec.Body.String())
	if len(lines) < 4 {
		t.Fatalf("expected metadata + 2 results + summary, got %d lines", len(lines))
	}
	if lines[0]["type"] != "metadata" {
		t.Fatalf("first line should be metadata, got %v", lines[0]["type"])
	}
	last := lines[len(lines)-1]
	if last["type"] != "summary" {
		t.Fatalf("last line should be summary, got %v", last["type"])
	}
	if int(last["successful"].(float64)) != 2 {
		t.Fatalf("expected 2 successful, got %v", last["successful"])
	}
}

func TestHandleCrawlStream_RejectsEmptyURLs(t *testing.T) {
	proc := &fakeProcessor{}
	h := NewStreamHandler(proc, slog.Default(), 4, 1024)

	body, _ := json.Marshal(CrawlStreamBody{URLs: nil})
	req := httptest.NewRequest(http.MethodPost, "/api/crawl/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleCrawlStream(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty urls, got %d", rec.Code)
	}
}

func TestHandleCrawlStream_RecordsFailuresInSummary(t *testing.T) {
	proc := &fakeProcessor{failOn: map[string]bool{"https://bad.example.com": true}}
	h := NewStreamHandler(proc, slog.Default(), 4, 1024)

	body, _ := json.Marshal(CrawlStreamBody{URLs: []string{"https://good.example.com", "https://bad.example.com"}})
	req := httptest.NewRequest(http.MethodPost, "/api/crawl/stream", bytes.NewReader(body))
	rec := httptest.NewRecorder()

	h.HandleCrawlStream(rec, req)

	lines := decodeLines(t, rec.Body.String())
	summary := lines[len(lines)-1]
	if int(summary["successful"].(float64)) != 1 || int(summary["failed"].(float64)) != 1 {
		t.Fatalf("expected 1 successful and 1 failed, got %v", summary)
	}
}

func TestBufferBounds(t *testing.T) {
	cases := map[int]int{0: 256, 100: 256, 256: 256, 1024: 1024, 2048: 2048, 65536: 2048}
	for in, want := range cases {
		if got := bufferBounds(in); got != want {
			t.Fatalf("bufferBounds(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestInputChannelSize(t *testing.T) {
	if got := inputChannelSize(5); got != 5 {
		t.Fatalf("expected 5, got %d", got)
	}
	if got := inputChannelSize(5000); got != 1000 {
		t.Fatalf("expected clamp to 1000, got %d", got)
	}
	if got := inputChannelSize(0); got != 1 {
		t.Fatalf("expected floor of 1, got %d", got)
	}
}

func TestActiveStreams_CancelByID(t *testing.T) {
	as := newActiveStreams()
	called := false
	as.register("req-1", func() { called = true })

	if !as.cancel("req-1") {
		t.Fatal("expected cancel to find registered id")
	}
	if !called {
		t.Fatal("expected cancel func to be invoked")
	}
	if as.cancel("req-1") {
		t.Fatal("second cancel of the same id should report not-found")
	}
}
