// Package extraction calls the generative workflow service that turns book
// documents into structured acts. Each flow kind has its own request and
// result type; the adapters reject responses missing required fields.
package extraction

import (
	"fmt"
	"maps"
	"slices"
)

// FlowKind names one workflow of the AI service.
type FlowKind string

const (
	FlowDocumentIngestion FlowKind = "document_ingestion"
	FlowDetailExtraction  FlowKind = "detail_extraction"
	FlowSemanticSearch    FlowKind = "semantic_search"
	FlowSummarization     FlowKind = "summarization"
	FlowClassification    FlowKind = "classification"
)

// FlowKinds lists every supported kind.
var FlowKinds = []FlowKind{
	FlowDocumentIngestion,
	FlowDetailExtraction,
	FlowSemanticSearch,
	FlowSummarization,
	FlowClassification,
}

func (k FlowKind) Valid() bool {
	return slices.Contains(FlowKinds, k)
}

// Request is one call to a flow. The set of implementations is closed.
type Request interface {
	Kind() FlowKind
	inputValue() string
	inputs() map[string]any
	tweaks() map[string]any
	decode(output []byte) (Result, error)
}

// Call is the wire-level view of a request, recorded by the usage ledger.
type Call struct {
	Kind   FlowKind
	Prompt string
	Inputs map[string]any
	Tweaks map[string]any
}

// Describe returns what would be sent for req, without flow-file tweaks.
func Describe(req Request) Call {
	return Call{Kind: req.Kind(), Prompt: req.inputValue(), Inputs: req.inputs(), Tweaks: req.tweaks()}
}

// DocumentRequest extracts every act of a book from its PDF.
type DocumentRequest struct {
	BookID      int64
	DocumentURL string
	Context     map[string]any
}

func (DocumentRequest) Kind() FlowKind { return FlowDocumentIngestion }

func (r DocumentRequest) inputValue() string {
	return fmt.Sprintf("Processar PDF do livro %d", r.BookID)
}

func (r DocumentRequest) inputs() map[string]any {
	return map[string]any{
		"pdf_url":  r.DocumentURL,
		"livro_id": r.BookID,
		"context":  orEmpty(r.Context),
	}
}

func (DocumentRequest) tweaks() map[string]any {
	return map[string]any{
		"extraction_mode":  "detailed",
		"include_metadata": true,
		"parse_acts":       true,
	}
}

// DetailRequest extracts parties, dates and values from one act.
type DetailRequest struct {
	ActID   int64
	Content string
	Context map[string]any
}

func (DetailRequest) Kind() FlowKind { return FlowDetailExtraction }

func (r DetailRequest) inputValue() string {
	return fmt.Sprintf("Extrair detalhes do ato %d", r.ActID)
}

func (r DetailRequest) inputs() map[string]any {
	return map[string]any{
		"ato_content": r.Content,
		"ato_id":      r.ActID,
		"context":     orEmpty(r.Context),
	}
}

func (DetailRequest) tweaks() map[string]any {
	return map[string]any{
		"detail_level":    "comprehensive",
		"extract_parties": true,
		"extract_dates":   true,
		"extract_values":  true,
	}
}

// SearchRequest runs a semantic search over extracted acts.
type SearchRequest struct {
	Query         string
	Filters       map[string]any
	Limit         int
	MinSimilarity float64
}

func (SearchRequest) Kind() FlowKind { return FlowSemanticSearch }

func (r SearchRequest) inputValue() string { return r.Query }

func (r SearchRequest) inputs() map[string]any {
	limit := r.Limit
	if limit <= 0 {
		limit = 10
	}
	return map[string]any{
		"search_query": r.Query,
		"filters":      orEmpty(r.Filters),
		"limit":        limit,
	}
}

func (r SearchRequest) tweaks() map[string]any {
	sim := r.MinSimilarity
	if sim <= 0 {
		sim = 0.7
	}
	return map[string]any{
		"search_mode":        "semantic",
		"include_similarity": true,
		"min_similarity":     sim,
	}
}

// Summary lengths accepted by SummaryRequest.
const (
	SummaryBrief    = "brief"
	SummaryDetailed = "detailed"
)

// SummaryRequest summarizes free text.
type SummaryRequest struct {
	Content string
	Type    string
	Context map[string]any
}

func (SummaryRequest) Kind() FlowKind { return FlowSummarization }

func (r SummaryRequest) inputValue() string { return r.Content }

func (r SummaryRequest) summaryType() string {
	if r.Type == "" {
		return SummaryBrief
	}
	return r.Type
}

func (r SummaryRequest) inputs() map[string]any {
	return map[string]any{
		"content":      r.Content,
		"summary_type": r.summaryType(),
		"context":      orEmpty(r.Context),
	}
}

func (r SummaryRequest) tweaks() map[string]any {
	maxLength := 1000
	if r.summaryType() == SummaryBrief {
		maxLength = 500
	}
	return map[string]any{
		"max_length":       maxLength,
		"include_keywords": true,
		"language":         "pt-br",
	}
}

// ClassificationRequest classifies a document, optionally with a type hint.
type ClassificationRequest struct {
	Content  string
	HintType string
}

func (ClassificationRequest) Kind() FlowKind { return FlowClassification }

func (r ClassificationRequest) inputValue() string { return r.Content }

func (r ClassificationRequest) inputs() map[string]any {
	var hint any
	if r.HintType != "" {
		hint = r.HintType
	}
	return map[string]any{
		"content":   r.Content,
		"hint_type": hint,
	}
}

func (ClassificationRequest) tweaks() map[string]any {
	return map[string]any{
		"classification_mode": "detailed",
		"include_confidence":  true,
		"extract_entities":    true,
	}
}

func orEmpty(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}

// mergeTweaks overlays configured tweaks on the request defaults.
func mergeTweaks(defaults, configured map[string]any) map[string]any {
	out := make(map[string]any, len(defaults)+len(configured))
	maps.Copy(out, defaults)
	maps.Copy(out, configured)
	return out
}
