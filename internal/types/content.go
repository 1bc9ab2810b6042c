package types

import "time"

// ExtractedContent is the normalized output of any extraction strategy
// (CSS, article/readability, structured). Strategy tags let downstream
// consumers see which engine produced a field without caring how.
type ExtractedContent struct {
	Title      string    `json:"title"`
	Body       string    `json:"body"`
	Summary    string    `json:"summary,omitempty"`
	URL        string    `json:"url"`
	Strategy   string    `json:"strategy"`
	Confidence float64   `json:"confidence"`
	Author     string    `json:"author,omitempty"`
	Date       string    `json:"date,omitempty"` // ISO-8601
	Tags       []string  `json:"tags,omitempty"`
	Language   string    `json:"language,omitempty"`
	Fields     map[string]any `json:"fields,omitempty"`
	ExtractedAt time.Time `json:"extracted_at"`
}

// ConflictAudit records how a merge policy resolved a field conflict
// between two extractors (e.g. CSS vs. article extraction).
type ConflictAudit struct {
	Field      string `json:"field"`
	CSSValue   any    `json:"css_value"`
	OtherValue any    `json:"other_value"`
	Policy     string `json:"policy"`
	Resolution any    `json:"resolution"`
}

// MergePolicy controls how two extractors' outputs for the same field
// are reconciled.
type MergePolicy string

const (
	MergeCSSWins     MergePolicy = "css_wins"
	MergeOtherWins   MergePolicy = "other_wins"
	MergeCombine     MergePolicy = "merge"
	MergeFirstValid  MergePolicy = "first_valid"
)

// CellKind distinguishes header from data cells in a table.
type CellKind string

const (
	CellHeader CellKind = "header"
	CellData   CellKind = "data"
)

// TableCell is one cell of an extracted table, with span bookkeeping
// resolved against the table's row/column grid.
type TableCell struct {
	Text       string     `json:"text"`
	HTML       string     `json:"html,omitempty"`
	Colspan    int        `json:"colspan"`
	Rowspan    int        `json:"rowspan"`
	Kind       CellKind   `json:"kind"`
	RowIndex   int        `json:"row_index"`
	ColIndex   int        `json:"col_index"`
	SpansOver  [][2]int   `json:"spans_over,omitempty"`
}

// TableRow is a row of cells plus its logical row index.
type TableRow struct {
	Cells []TableCell `json:"cells"`
}

// TableStats summarizes the structural shape of a table.
type TableStats struct {
	TotalColumns        int  `json:"total_columns"`
	TotalRows           int  `json:"total_rows"`
	MaxColspan          int  `json:"max_colspan"`
	MaxRowspan          int  `json:"max_rowspan"`
	HasComplexStructure bool `json:"has_complex_structure"`
}

// TableData is a fully resolved extracted HTML table, possibly nested
// under a parent table.
type TableData struct {
	ID         string     `json:"id"`
	ParentID   string     `json:"parent_id,omitempty"`
	Caption    string     `json:"caption,omitempty"`
	Header     []TableRow `json:"header,omitempty"`
	Body       []TableRow `json:"body"`
	Footer     []TableRow `json:"footer,omitempty"`
	Stats      TableStats `json:"stats"`
	NestedIDs  []string   `json:"nested_ids,omitempty"`
}

// TableArtifact is one exported representation of a TableData (csv,
// markdown, or metadata/json), emitted as one NDJSON line per artifact.
type TableArtifact struct {
	TableID      string         `json:"table_id"`
	ArtifactType string         `json:"artifact_type"` // csv | markdown | metadata
	Content      string         `json:"content"`        // inlined, or a file path if materialized
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}
