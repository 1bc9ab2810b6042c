package parser

import (
	"fmt"
	"log/slog"

	"github.com/foofork/riptide/internal/config"
	"github.com/foofork/riptide/internal/extract"
	"github.com/foofork/riptide/internal/types"
)

// ExtractBridge routes any config.ParseRule that names at least one
// transformer through the C8 CSS structured extractor (selector
// fallbacks, transformer pipeline, confidence scoring) instead of the
// legacy CSSParser's plain selector+attribute capture, and runs the C9
// table extractor over the same document. Rules with no Transformers
// are left untouched for CSSParser/RegexParser/XPathParser to handle.
type ExtractBridge struct {
	extractor *extract.Extractor
	tables    *extract.TableExtractor
	logger    *slog.Logger
}

// NewExtractBridge creates a parser backed by internal/extract.
func NewExtractBridge(logger *slog.Logger) *ExtractBridge {
	return &ExtractBridge{
		extractor: extract.NewExtractor(logger),
		tables:    extract.NewTableExtractor(),
		logger:    logger.With("component", "extract_bridge"),
	}
}

// Parse implements Parser, but only produces output when at least one
// rule opts into a transformer pipeline.
func (p *ExtractBridge) Parse(resp *types.Response, rules []config.ParseRule) ([]*types.Item, []string, error) {
	var structured []config.ParseRule
	for _, r := range rules {
		if len(r.Transformers) > 0 {
			structured = append(structured, r)
		}
	}
	if len(structured) == 0 {
		return nil, nil, nil
	}

	doc, err := resp.Document()
	if err != nil {
		return nil, nil, fmt.Errorf("parse document: %w", err)
	}

	fields := make(map[string]extract.SelectorConfig, len(structured))
	for _, r := range structured {
		transformers, err := p.resolveTransformers(r)
		if err != nil {
			p.logger.Warn("unresolved transformer, skipping field", "field", r.Name, "error", err)
			continue
		}
		fields[r.Name] = extract.SelectorConfig{
			Selector:     r.Selector,
			Transformers: transformers,
			Fallbacks:    r.Fallbacks,
			Required:     r.Required,
			MergePolicy:  r.MergePolicy,
		}
	}

	extracted, confidence := p.extractor.Extract(doc, resp.Request.URLString(), fields)

	for _, r := range structured {
		if r.Required {
			if _, ok := extracted[r.Name]; !ok {
				p.logger.Warn("required field missing", "field", r.Name, "url", resp.Request.URLString())
			}
		}
	}

	item := types.NewItem(resp.Request.URLString())
	for k, v := range extracted {
		item.Set(k, v)
	}
	item.Set("_extraction_confidence", confidence)

	if tables := p.tables.ExtractAll(doc); len(tables) > 0 {
		item.Set("_tables", tables)
	}

	return []*types.Item{item}, nil, nil
}

// resolveTransformers maps rule.Transformers onto extract.Transformer
// funcs, binding "regex_extract" to the rule's own Pattern since the
// registry's bare entry for it is a configuration-less no-op.
func (p *ExtractBridge) resolveTransformers(r config.ParseRule) ([]extract.Transformer, error) {
	out := make([]extract.Transformer, 0, len(r.Transformers))
	for _, name := range r.Transformers {
		if name == "regex_extract" && r.Pattern != "" {
			t, err := extract.NewRegexExtract(r.Pattern)
			if err != nil {
				return nil, fmt.Errorf("compile pattern for %s: %w", r.Name, err)
			}
			out = append(out, t)
			continue
		}
		t, ok := extract.TransformerRegistry[name]
		if !ok {
			return nil, fmt.Errorf("unknown transformer %q", name)
		}
		out = append(out, t)
	}
	return out, nil
}
