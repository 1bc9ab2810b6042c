// Package extract implements the C8 CSS structured extractor and the C9
// table extractor. It generalizes internal/parser/css.go's goquery-based
// selection (kept there for the engine's simple discovery-mode parsing)
// into the transformer-pipeline, merge-policy, and confidence-scoring
// extractor spec.md's C8 describes, with exact transformer semantics
// grounded on original_source/crates/riptide-html/src/css_extraction.rs.
package extract

import (
	"encoding/json"
	"fmt"
	"html"
	"log/slog"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

// Transformer is a deterministic string -> string (or string -> JSON
// string, for json_parse) value pipeline stage. A transformer error
// drops only that value (spec §4.8's "fail-soft" rule).
type Transformer func(value string, baseURL string) (string, error)

// TransformerRegistry is the 12+-built-in registry spec §4.8 calls for.
var TransformerRegistry = map[string]Transformer{
	"trim":           func(v, _ string) (string, error) { return strings.TrimSpace(v), nil },
	"normalize_ws":   normalizeWhitespace,
	"number":         parseNumber,
	"currency":       currencyToDecimal,
	"date_iso":       parseDateISO,
	"url_abs":        toAbsoluteURL,
	"lowercase":      func(v, _ string) (string, error) { return strings.ToLower(v), nil },
	"uppercase":      func(v, _ string) (string, error) { return strings.ToUpper(v), nil },
	"split":          splitFirstToken,
	"join":           func(v, _ string) (string, error) { return strings.Join(strings.Fields(v), " "), nil },
	"regex_extract":  regexExtractFirstMatchGroup,
	"html_decode":    func(v, _ string) (string, error) { return html.UnescapeString(v), nil },
	"json_parse":     jsonRoundTrip,
	"slugify":        slugify,
	"truncate":       truncate200,
	"title_case":     titleCase,
	"extract_domain": extractDomain,
}

func normalizeWhitespace(v, _ string) (string, error) {
	return strings.Join(strings.Fields(v), " "), nil
}

func parseNumber(v, _ string) (string, error) {
	cleaned := strings.Map(func(r rune) rune {
		if r == '.' || r == '-' || (r >= '0' && r <= '9') {
			return r
		}
		return -1
	}, v)
	if cleaned == "" {
		return "", fmt.Errorf("no numeric content in %q", v)
	}
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return "", err
	}
	return strconv.FormatFloat(f, 'f', -1, 64), nil
}

// currencyToDecimal strips currency symbols/thousands separators and
// renders a plain decimal string, e.g. "$1,299.50" -> "1299.50".
func currencyToDecimal(v, _ string) (string, error) {
	cleaned := strings.NewReplacer(",", "", "$", "", "€", "", "£", "", " ", "").Replace(v)
	f, err := strconv.ParseFloat(cleaned, 64)
	if err != nil {
		return "", fmt.Errorf("not a currency value: %q", v)
	}
	return strconv.FormatFloat(f, 'f', 2, 64), nil
}

var dateLayouts = []string{
	time.RFC3339, "2006-01-02", "01/02/2006", "Jan 2, 2006", "2 January 2006", time.RFC1123,
}

func parseDateISO(v, _ string) (string, error) {
	v = strings.TrimSpace(v)
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, v); err == nil {
			return t.Format("2006-01-02"), nil
		}
	}
	return "", fmt.Errorf("unrecognized date format: %q", v)
}

func toAbsoluteURL(v, baseURL string) (string, error) {
	base, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(strings.TrimSpace(v))
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}

func splitFirstToken(v, _ string) (string, error) {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return "", fmt.Errorf("nothing to split in %q", v)
	}
	return fields[0], nil
}

func regexExtractFirstMatchGroup(v, _ string) (string, error) {
	// Convention: callers configure this transformer via a wrapping
	// closure carrying the pattern (see NewRegexExtract); the registry
	// entry is a safe no-op default that just returns v unchanged,
	// matching the fail-soft philosophy when misconfigured.
	return v, nil
}

// NewRegexExtract builds a transformer bound to a specific pattern, since
// the registry's plain func signature has no room for per-field config.
func NewRegexExtract(pattern string) (Transformer, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return func(v, _ string) (string, error) {
		m := re.FindStringSubmatch(v)
		if m == nil {
			return "", fmt.Errorf("pattern %q did not match %q", pattern, v)
		}
		if len(m) > 1 {
			return m[1], nil
		}
		return m[0], nil
	}, nil
}

// NewRegexReplace builds a transformer bound to a pattern/replacement pair.
func NewRegexReplace(pattern, replacement string) (Transformer, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return func(v, _ string) (string, error) {
		return re.ReplaceAllString(v, replacement), nil
	}, nil
}

func jsonRoundTrip(v, _ string) (string, error) {
	var parsed interface{}
	if err := json.Unmarshal([]byte(v), &parsed); err != nil {
		return "", err
	}
	b, err := json.Marshal(parsed)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func slugify(v, _ string) (string, error) {
	lower := strings.ToLower(strings.TrimSpace(v))
	var b strings.Builder
	lastDash := false
	for _, r := range lower {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash && b.Len() > 0 {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-"), nil
}

func truncate200(v, _ string) (string, error) {
	const max = 200
	if len(v) <= max {
		return v, nil
	}
	return v[:max] + "...", nil
}

func titleCase(v, _ string) (string, error) {
	return strings.Title(strings.ToLower(v)), nil
}

func extractDomain(v, _ string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(v))
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("no host in %q", v)
	}
	return u.Hostname(), nil
}

// TextFilterMode controls how HasTextFilter matches candidate values.
type TextFilterMode int

const (
	FilterPartial TextFilterMode = iota
	FilterFull
	FilterCase
	FilterRegex
)

// HasTextFilter implements the `:has-text(literal|/regex/)` post-filter
// spec §4.8 describes: the selector suffix is stripped before DOM
// matching and applied here against already-collected text values.
type HasTextFilter struct {
	Mode    TextFilterMode
	Literal string
	Regex   *regexp.Regexp
}

func (f *HasTextFilter) Match(value string) bool {
	if f == nil {
		return true
	}
	switch f.Mode {
	case FilterFull:
		return value == f.Literal
	case FilterCase:
		return strings.Contains(strings.ToLower(value), strings.ToLower(f.Literal))
	case FilterRegex:
		return f.Regex != nil && f.Regex.MatchString(value)
	default: // FilterPartial
		return strings.Contains(value, f.Literal)
	}
}

// ParseHasTextSelector splits a selector like `div.price:has-text(/\$\d+/)`
// into the plain CSS part usable by goquery and the post-filter.
func ParseHasTextSelector(selector string) (cssSelector string, filter *HasTextFilter, err error) {
	idx := strings.Index(selector, ":has-text(")
	if idx < 0 {
		return selector, nil, nil
	}
	cssSelector = selector[:idx]
	rest := selector[idx+len(":has-text("):]
	end := strings.LastIndex(rest, ")")
	if end < 0 {
		return "", nil, fmt.Errorf("unterminated :has-text( in selector %q", selector)
	}
	arg := rest[:end]
	if strings.HasPrefix(arg, "/") && strings.HasSuffix(arg, "/") && len(arg) >= 2 {
		re, err := regexp.Compile(arg[1 : len(arg)-1])
		if err != nil {
			return "", nil, err
		}
		return cssSelector, &HasTextFilter{Mode: FilterRegex, Regex: re}, nil
	}
	arg = strings.Trim(arg, `"'`)
	return cssSelector, &HasTextFilter{Mode: FilterPartial, Literal: arg}, nil
}

// SelectorConfig is one field's extraction configuration, per spec §4.8.
type SelectorConfig struct {
	Selector     string
	Transformers []Transformer
	HasTextNode  *HasTextFilter
	Fallbacks    []string
	Required     bool
	MergePolicy  string
}

// Extractor is the C8 CSS structured extractor.
type Extractor struct {
	logger *slog.Logger
}

func NewExtractor(logger *slog.Logger) *Extractor {
	return &Extractor{logger: logger.With("component", "css_extractor")}
}

// Extract runs every field's selector (plus fallbacks) against doc,
// applying the has-text filter and transformer pipeline, and returns a
// field map plus a confidence score.
func (e *Extractor) Extract(doc *goquery.Document, baseURL string, fields map[string]SelectorConfig) (map[string]any, float64) {
	out := make(map[string]any, len(fields))
	matched := 0

	for name, cfg := range fields {
		selectors := append([]string{cfg.Selector}, cfg.Fallbacks...)
		var values []string
		for _, sel := range selectors {
			cssSel, filter, err := ParseHasTextSelector(sel)
			if err != nil {
				e.logger.Debug("bad has-text selector", "field", name, "error", err)
				continue
			}
			if filter == nil {
				filter = cfg.HasTextNode
			}
			values = e.collect(doc, cssSel, baseURL, filter, cfg.Transformers)
			if len(values) > 0 {
				break
			}
		}
		if len(values) == 0 {
			continue
		}
		matched++
		if len(values) == 1 {
			out[name] = values[0]
		} else {
			out[name] = values
		}
	}

	matchRatio := 0.0
	if len(fields) > 0 {
		matchRatio = float64(matched) / float64(len(fields))
	}
	quality := contentQuality(out)
	confidence := matchRatio*0.6 + quality*0.4
	if confidence > 0.95 {
		confidence = 0.95
	}
	return out, confidence
}

func (e *Extractor) collect(doc *goquery.Document, cssSel, baseURL string, filter *HasTextFilter, transformers []Transformer) []string {
	var values []string
	doc.Find(cssSel).Each(func(_ int, sel *goquery.Selection) {
		val := strings.TrimSpace(sel.Text())
		if val == "" {
			if content, ok := sel.Attr("content"); ok {
				val = strings.TrimSpace(content)
			}
		}
		if val == "" {
			return
		}
		if !filter.Match(val) {
			return
		}
		for _, t := range transformers {
			transformed, err := t(val, baseURL)
			if err != nil {
				e.logger.Debug("transformer dropped value", "error", err)
				return
			}
			val = transformed
		}
		if val != "" {
			values = append(values, val)
		}
	})
	return values
}

// contentQuality implements spec §4.8's weighted field scoring: title
// 0.3, content/body 0.4, description/summary 0.2, else 0.1, each scaled
// by min(len,500)/500.
func contentQuality(fields map[string]any) float64 {
	if len(fields) == 0 {
		return 0
	}
	var total float64
	for name, v := range fields {
		s, ok := v.(string)
		if !ok {
			if list, ok := v.([]string); ok && len(list) > 0 {
				s = list[0]
			}
		}
		weight := fieldWeight(name)
		scale := minF(float64(len(s)), 500) / 500
		total += weight * scale
	}
	return total / float64(len(fields))
}

func fieldWeight(name string) float64 {
	switch strings.ToLower(name) {
	case "title":
		return 0.3
	case "content", "body":
		return 0.4
	case "description", "summary":
		return 0.2
	default:
		return 0.1
	}
}

func minF(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Merge reconciles this extractor's output with another's according to
// each field's MergePolicy, returning the merged map and a conflict log.
func Merge(cssFields map[string]any, otherFields map[string]any, policies map[string]string) (map[string]any, []ConflictAudit) {
	merged := make(map[string]any, len(cssFields)+len(otherFields))
	var conflicts []ConflictAudit

	for k, v := range cssFields {
		merged[k] = v
	}
	for k, otherVal := range otherFields {
		cssVal, hadCSS := merged[k]
		if !hadCSS {
			merged[k] = otherVal
			continue
		}
		policy := policies[k]
		if policy == "" {
			policy = "css_wins"
		}
		resolution := resolve(policy, cssVal, otherVal)
		if fmt.Sprint(cssVal) != fmt.Sprint(otherVal) {
			conflicts = append(conflicts, ConflictAudit{Field: k, CSSValue: cssVal, OtherValue: otherVal, Policy: policy, Resolution: resolution})
		}
		merged[k] = resolution
	}

	sort.Slice(conflicts, func(i, j int) bool { return conflicts[i].Field < conflicts[j].Field })
	return merged, conflicts
}

func resolve(policy string, cssVal, otherVal any) any {
	switch policy {
	case "other_wins":
		return otherVal
	case "merge":
		return []any{cssVal, otherVal}
	case "first_valid":
		if cssVal != nil && cssVal != "" {
			return cssVal
		}
		return otherVal
	default: // css_wins
		return cssVal
	}
}

// ConflictAudit mirrors types.ConflictAudit locally to avoid an import
// cycle; callers that want the shared type convert at the boundary.
type ConflictAudit struct {
	Field      string
	CSSValue   any
	OtherValue any
	Policy     string
	Resolution any
}
