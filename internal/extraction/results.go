package extraction

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"
)

// Result is the typed outcome of one flow call.
type Result interface {
	Kind() FlowKind
	// Raw is the first element of the response outputs array.
	Raw() json.RawMessage
	// Elapsed is the wall-clock duration of the HTTP exchange.
	Elapsed() time.Duration
}

type envelope struct {
	raw     json.RawMessage
	elapsed time.Duration
}

func (e envelope) Raw() json.RawMessage   { return e.raw }
func (e envelope) Elapsed() time.Duration { return e.elapsed }

func (e *envelope) set(raw json.RawMessage, elapsed time.Duration) {
	e.raw = raw
	e.elapsed = elapsed
}

// DocumentExtraction carries the acts found in a book. Acts stay raw so each
// one is validated on its own and a malformed act does not reject the batch.
type DocumentExtraction struct {
	envelope
	BookMetadata   map[string]any
	Acts           []json.RawMessage
	ProcessingTime float64
}

func (*DocumentExtraction) Kind() FlowKind { return FlowDocumentIngestion }

// ExtractedParty is a party as described by detail extraction.
type ExtractedParty struct {
	Name     string `json:"nome"`
	Role     string `json:"qualificacao,omitempty"`
	Document string `json:"documento,omitempty"`
}

type DetailExtraction struct {
	envelope
	Parties        []ExtractedParty
	ImportantDates []json.RawMessage
	Values         []json.RawMessage
	Notes          string
	Confidence     float64
	Tags           []string
	Summary        string
}

func (*DetailExtraction) Kind() FlowKind { return FlowDetailExtraction }

type SearchHit struct {
	ActID      int64   `json:"ato_id"`
	BookID     int64   `json:"livro_id"`
	Number     int     `json:"numero"`
	Type       string  `json:"tipo"`
	Similarity float64 `json:"similarity_score"`
	Excerpt    string  `json:"excerpt"`
	Highlight  string  `json:"highlight"`
}

type SemanticSearchResult struct {
	envelope
	Hits           []SearchHit
	Query          string
	ProcessingTime float64
}

func (*SemanticSearchResult) Kind() FlowKind { return FlowSemanticSearch }

type Summary struct {
	envelope
	Text           string
	Keywords       []string
	Confidence     float64
	WordCount      int
	ProcessingTime float64
}

func (*Summary) Kind() FlowKind { return FlowSummarization }

// UnknownClassification is reported when the flow gives no label.
const UnknownClassification = "unknown"

type Classification struct {
	envelope
	Label      string
	Confidence float64
	Entities   []json.RawMessage
	Categories []string
	Reasoning  string
}

func (*Classification) Kind() FlowKind { return FlowClassification }

func (DocumentRequest) decode(output []byte) (Result, error) {
	var wire struct {
		BookMetadata   map[string]any     `json:"livro_metadata"`
		Acts           *[]json.RawMessage `json:"atos"`
		ProcessingTime looseFloat         `json:"processing_time"`
	}
	if err := json.Unmarshal(output, &wire); err != nil {
		return nil, shapeError(FlowDocumentIngestion, "output is not an object")
	}
	if wire.Acts == nil {
		return nil, shapeError(FlowDocumentIngestion, "missing required field atos")
	}
	meta := wire.BookMetadata
	if meta == nil {
		meta = map[string]any{}
	}
	return &DocumentExtraction{
		BookMetadata:   meta,
		Acts:           *wire.Acts,
		ProcessingTime: float64(wire.ProcessingTime),
	}, nil
}

func (DetailRequest) decode(output []byte) (Result, error) {
	var wire struct {
		Parties    []ExtractedParty  `json:"partes"`
		Dates      []json.RawMessage `json:"datas"`
		Values     []json.RawMessage `json:"valores"`
		Notes      string            `json:"observacoes"`
		Confidence looseFloat        `json:"confidence"`
		Tags       []string          `json:"tags"`
		Summary    string            `json:"resumo"`
	}
	if err := json.Unmarshal(output, &wire); err != nil {
		return nil, shapeError(FlowDetailExtraction, "output does not match detail shape")
	}
	return &DetailExtraction{
		Parties:        wire.Parties,
		ImportantDates: wire.Dates,
		Values:         wire.Values,
		Notes:          wire.Notes,
		Confidence:     float64(wire.Confidence),
		Tags:           wire.Tags,
		Summary:        wire.Summary,
	}, nil
}

func (SearchRequest) decode(output []byte) (Result, error) {
	var wire struct {
		Results *[]struct {
			ActID      looseInt   `json:"ato_id"`
			BookID     looseInt   `json:"livro_id"`
			Number     looseInt   `json:"numero"`
			Type       string     `json:"tipo"`
			Similarity looseFloat `json:"similarity"`
			Excerpt    string     `json:"excerpt"`
			Highlight  string     `json:"highlight"`
		} `json:"results"`
		Query          string     `json:"original_query"`
		ProcessingTime looseFloat `json:"processing_time"`
	}
	if err := json.Unmarshal(output, &wire); err != nil {
		return nil, shapeError(FlowSemanticSearch, "output does not match search shape")
	}
	if wire.Results == nil {
		return nil, shapeError(FlowSemanticSearch, "missing required field results")
	}
	hits := make([]SearchHit, 0, len(*wire.Results))
	for _, r := range *wire.Results {
		hits = append(hits, SearchHit{
			ActID:      int64(r.ActID),
			BookID:     int64(r.BookID),
			Number:     int(r.Number),
			Type:       r.Type,
			Similarity: float64(r.Similarity),
			Excerpt:    r.Excerpt,
			Highlight:  r.Highlight,
		})
	}
	return &SemanticSearchResult{Hits: hits, Query: wire.Query, ProcessingTime: float64(wire.ProcessingTime)}, nil
}

func (SummaryRequest) decode(output []byte) (Result, error) {
	var wire struct {
		Summary        *string    `json:"summary"`
		Keywords       []string   `json:"keywords"`
		Confidence     looseFloat `json:"confidence"`
		WordCount      looseInt   `json:"word_count"`
		ProcessingTime looseFloat `json:"processing_time"`
	}
	if err := json.Unmarshal(output, &wire); err != nil {
		return nil, shapeError(FlowSummarization, "output does not match summary shape")
	}
	if wire.Summary == nil {
		return nil, shapeError(FlowSummarization, "missing required field summary")
	}
	return &Summary{
		Text:           *wire.Summary,
		Keywords:       wire.Keywords,
		Confidence:     float64(wire.Confidence),
		WordCount:      int(wire.WordCount),
		ProcessingTime: float64(wire.ProcessingTime),
	}, nil
}

func (ClassificationRequest) decode(output []byte) (Result, error) {
	var wire struct {
		Label      string            `json:"classification"`
		Confidence looseFloat        `json:"confidence"`
		Entities   []json.RawMessage `json:"entities"`
		Categories []string          `json:"categories"`
		Reasoning  string            `json:"reasoning"`
	}
	if err := json.Unmarshal(output, &wire); err != nil {
		return nil, shapeError(FlowClassification, "output does not match classification shape")
	}
	label := strings.TrimSpace(wire.Label)
	if label == "" {
		label = UnknownClassification
	}
	return &Classification{
		Label:      label,
		Confidence: float64(wire.Confidence),
		Entities:   wire.Entities,
		Categories: wire.Categories,
		Reasoning:  wire.Reasoning,
	}, nil
}

// looseFloat accepts a JSON number or a numeric string. Anything else is zero.
type looseFloat float64

func (f *looseFloat) UnmarshalJSON(b []byte) error {
	*f = 0
	b = bytes.TrimSpace(b)
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return nil
		}
		if v, err := strconv.ParseFloat(strings.TrimSpace(s), 64); err == nil {
			*f = looseFloat(v)
		}
		return nil
	}
	var v float64
	if err := json.Unmarshal(b, &v); err == nil {
		*f = looseFloat(v)
	}
	return nil
}

// looseInt is looseFloat truncated toward zero.
type looseInt int64

func (i *looseInt) UnmarshalJSON(b []byte) error {
	var f looseFloat
	_ = f.UnmarshalJSON(b)
	*i = looseInt(f)
	return nil
}
