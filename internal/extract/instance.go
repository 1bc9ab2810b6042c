package extract

import (
	"log/slog"
	"runtime"
)

// ExtractorInstance adapts the CSS and table extractors to wasmpool.Instance
// so a C5 pool can manage extraction workers the same way it would manage
// pooled WASM modules: checked out per document, classified by recent use,
// and recycled under memory pressure.
type ExtractorInstance struct {
	CSS    *Extractor
	Tables *TableExtractor
	logger *slog.Logger
	closed bool
}

// NewExtractorInstance builds a fresh pooled extraction worker. Each
// instance owns its own Extractor/TableExtractor pair; the transformers
// come from the package-level TransformerRegistry, shared by all instances.
func NewExtractorInstance(logger *slog.Logger) (*ExtractorInstance, error) {
	return &ExtractorInstance{
		CSS:    NewExtractor(logger),
		Tables: NewTableExtractor(),
		logger: logger.With("component", "extractor_instance"),
	}, nil
}

// MemoryMB reports process-wide heap usage as a stand-in for a per-instance
// footprint; extractors hold no persistent buffers between documents, so
// the pool's memory accounting tracks overall parse-side pressure rather
// than a precise per-handle allocation.
func (e *ExtractorInstance) MemoryMB() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	return float64(m.HeapInuse) / (1024 * 1024)
}

// Close releases the instance. Extractors hold no OS handles, so this only
// marks the instance unusable for reuse-after-close detection.
func (e *ExtractorInstance) Close() error {
	e.closed = true
	return nil
}
