package engine

import (
	"testing"

	"github.com/foofork/riptide/internal/types"
)

func mustRequest(t *testing.T, rawURL string) *types.Request {
	t.Helper()
	req, err := types.NewRequest(rawURL)
	if err != nil {
		t.Fatalf("NewRequest(%q): %v", rawURL, err)
	}
	return req
}

func TestBudgetTracker_UrlTooLong(t *testing.T) {
	b := NewBudgetTracker(SpiderBudget{MaxURLLength: 20, MaxPages: 100, MaxDepth: 5})
	req := mustRequest(t, "https://example.com/a/very/long/path/that/exceeds/limit")
	if err := b.Admit(req); err != ErrUrlTooLong {
		t.Fatalf("expected ErrUrlTooLong, got %v", err)
	}
}

func TestBudgetTracker_MaxDepth(t *testing.T) {
	b := NewBudgetTracker(SpiderBudget{MaxURLLength: 2048, MaxDepth: 2, MaxPages: 100})
	req := mustRequest(t, "https://example.com/x")
	req.Depth = 3
	if err := b.Admit(req); err == nil {
		t.Fatal("expected depth error")
	}
}

func TestBudgetTracker_MaxPages(t *testing.T) {
	b := NewBudgetTracker(SpiderBudget{MaxURLLength: 2048, MaxDepth: 5, MaxPages: 2})
	req1 := mustRequest(t, "https://example.com/1")
	req2 := mustRequest(t, "https://example.com/2")
	req3 := mustRequest(t, "https://example.com/3")
	if err := b.Admit(req1); err != nil {
		t.Fatalf("req1 should be admitted: %v", err)
	}
	if err := b.Admit(req2); err != nil {
		t.Fatalf("req2 should be admitted: %v", err)
	}
	if err := b.Admit(req3); err == nil {
		t.Fatal("req3 should be rejected, max_pages reached")
	}
}

func TestBudgetTracker_MaxRequestsPerHost(t *testing.T) {
	b := NewBudgetTracker(SpiderBudget{MaxURLLength: 2048, MaxDepth: 5, MaxPages: 100, MaxRequestsPerHost: 1})
	a := mustRequest(t, "https://a.example.com/1")
	a2 := mustRequest(t, "https://a.example.com/2")
	other := mustRequest(t, "https://b.example.com/1")

	if err := b.Admit(a); err != nil {
		t.Fatalf("first host request should pass: %v", err)
	}
	if err := b.Admit(a2); err == nil {
		t.Fatal("second request to same host should be rejected")
	}
	if err := b.Admit(other); err != nil {
		t.Fatalf("different host should still be admitted: %v", err)
	}
}

func TestPriorityAssigner_BreadthFirstIsFIFO(t *testing.T) {
	pa := NewPriorityAssigner(StrategyBreadthFirst, nil)
	p1 := pa.Assign(1, 0)
	p2 := pa.Assign(1, 0)
	p3 := pa.Assign(1, 0)
	if !(p1 < p2 && p2 < p3) {
		t.Fatalf("expected increasing priorities for FIFO order, got %d %d %d", p1, p2, p3)
	}
}

func TestPriorityAssigner_DepthFirstIsLIFO(t *testing.T) {
	pa := NewPriorityAssigner(StrategyDepthFirst, nil)
	p1 := pa.Assign(1, 0)
	p2 := pa.Assign(1, 0)
	p3 := pa.Assign(1, 0)
	// later discoveries should sort before earlier ones (lower number = more urgent)
	if !(p3 < p2 && p2 < p1) {
		t.Fatalf("expected decreasing priorities for LIFO order, got %d %d %d", p1, p2, p3)
	}
}

func TestPriorityAssigner_BestFirstRanksByScore(t *testing.T) {
	pa := NewPriorityAssigner(StrategyBestFirst, nil)
	high := pa.Assign(1, 0.9)
	low := pa.Assign(1, 0.1)
	if !(high < low) {
		t.Fatalf("higher score should get lower (more urgent) priority number: high=%d low=%d", high, low)
	}
}

func TestAdaptiveStopTracker_ShouldStop(t *testing.T) {
	cfg := AdaptiveStopConfig{WindowSize: 10, MinGainThreshold: 0.5, MinPagesBeforeStop: 10, Patience: 2}
	tr := NewAdaptiveStopTracker(cfg)

	// First 10 pages all gain - should not trigger stop.
	for i := 0; i < 10; i++ {
		tr.RecordPage(true)
	}
	if tr.ShouldStop() {
		t.Fatal("should not stop while gain rate is healthy")
	}

	// Two full below-threshold windows (all misses) should trip patience.
	for i := 0; i < 10; i++ {
		tr.RecordPage(false)
	}
	for i := 0; i < 10; i++ {
		tr.RecordPage(false)
	}
	if !tr.ShouldStop() {
		t.Fatal("expected adaptive stop after patience exhausted with near-zero gain rate")
	}
}

func TestAdaptiveStopTracker_MinPagesGate(t *testing.T) {
	cfg := AdaptiveStopConfig{WindowSize: 5, MinGainThreshold: 0.9, MinPagesBeforeStop: 1000, Patience: 1}
	tr := NewAdaptiveStopTracker(cfg)
	for i := 0; i < 20; i++ {
		tr.RecordPage(false)
	}
	if tr.ShouldStop() {
		t.Fatal("should not stop before min_pages_before_stop is reached, regardless of gain rate")
	}
}
