package engine

import (
	"sync"

	"github.com/bits-and-blooms/bloom/v3"
)

// TwoTierDedup implements spec §4.10's two-tier dedup: a bloom filter
// fast path (no false negatives, ~1% FPR) backed by Deduplicator's exact
// hash set, used to confirm bloom positives and to absorb the filter's
// false-positive rate. The exact set keeps every URL marked seen until
// Reset; it is not bounded by maxExact.
type TwoTierDedup struct {
	mu       sync.Mutex
	filter   *bloom.BloomFilter
	exact    *Deduplicator
	maxExact int
	order    []string // hashes of the most recent MarkSeen calls, trimmed to maxExact; exact itself is never trimmed
}

// NewTwoTierDedup sizes the bloom filter from expectedElements at the
// given false-positive rate, matching DESIGN.md's decision to size it
// from the engine's configured max_requests when set. exact is the backing
// hash set for the confirmation tier; passing the Engine's
// own Deduplicator here lets the existing checkpoint machinery (which
// serializes *Deduplicator directly) keep working unchanged.
func NewTwoTierDedup(expectedElements uint, fpr float64, maxExact int, exact *Deduplicator) *TwoTierDedup {
	if expectedElements == 0 {
		expectedElements = 1_000_000
	}
	if fpr <= 0 {
		fpr = 0.01
	}
	if maxExact <= 0 {
		maxExact = 100_000
	}
	if exact == nil {
		exact = NewDeduplicator(maxExact)
	}
	return &TwoTierDedup{
		filter:   bloom.NewWithEstimates(expectedElements, fpr),
		exact:    exact,
		maxExact: maxExact,
	}
}

// IsSeen checks the bloom filter first; a negative is authoritative (no
// false negatives). A positive is confirmed against the exact set, which
// holds every URL marked seen, per spec's "exact hash set ... used to
// confirm bloom positives".
func (d *TwoTierDedup) IsSeen(rawURL string) bool {
	canonical := CanonicalizeURL(rawURL)
	hash := hashURL(canonical)

	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.filter.TestString(hash) {
		return false
	}
	return d.exact.IsSeen(rawURL)
}

// MarkSeen records rawURL in both tiers. Bloom-filter membership is
// monotonic within a crawl per the data-model invariant: there is no
// remove, only Reset (full rebuild).
func (d *TwoTierDedup) MarkSeen(rawURL string) {
	canonical := CanonicalizeURL(rawURL)
	hash := hashURL(canonical)

	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter.AddString(hash)
	d.exact.MarkSeen(rawURL)
	d.order = append(d.order, hash)
	if len(d.order) > d.maxExact {
		// only the order slice is trimmed; the exact set keeps this
		// URL, and so does the bloom filter.
		d.order = d.order[1:]
	}
}

// Count reports the exact tier's size: every URL marked seen since the
// last Reset (the bloom filter has no exact cardinality without an
// estimator).
func (d *TwoTierDedup) Count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.exact.Count()
}

// Reset rebuilds both tiers from scratch, per the invariant that bloom
// removal requires a full rebuild.
func (d *TwoTierDedup) Reset(expectedElements uint, fpr float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.filter = bloom.NewWithEstimates(expectedElements, fpr)
	d.exact.Reset()
	d.order = nil
}
