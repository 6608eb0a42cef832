package models

import (
	"time"

	id "actnexus/pkg/domain"
)

// Status is the document-processing lifecycle state of a Book.
type Status string

const (
	StatusNoDocument Status = "no_document"
	StatusUploaded   Status = "uploaded"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// IsTerminal reports whether a run has finished in this state.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// CanStartProcessing reports whether a processing request may move a book out of s.
// A book already processing only accepts a forced request.
func (s Status) CanStartProcessing(force bool) bool {
	switch s {
	case StatusUploaded, StatusCompleted, StatusFailed:
		return true
	case StatusProcessing:
		return force
	default:
		return false
	}
}

// BlobRef addresses a stored object.
type BlobRef struct {
	Bucket string `json:"bucket"`
	Key    string `json:"key"`
}

func (r BlobRef) IsZero() bool {
	return r.Bucket == "" || r.Key == ""
}

// FileMeta describes the uploaded document.
type FileMeta struct {
	OriginalFilename string    `json:"original_filename"`
	Size             int64     `json:"size"`
	ContentType      string    `json:"content_type"`
	PageCount        int       `json:"page_count"`
	Checksum         string    `json:"checksum"`
	UploadedAt       time.Time `json:"uploaded_at"`
}

// ProcessingMetadata is recorded when a run completes. Field names follow the
// keys consumers of the books API already read.
type ProcessingMetadata struct {
	ProcessedAt       time.Time `json:"data_processamento"`
	ActsExtracted     int       `json:"total_atos_extraidos"`
	ActsReceived      int       `json:"total_atos_recebidos"`
	ActsSkipped       int       `json:"total_atos_descartados"`
	DurationSeconds   float64   `json:"tempo_processamento_segundos"`
	AverageConfidence float64   `json:"confianca_media"`
	ExtractorVersion  string    `json:"versao_ia"`
}

// Partial reports whether some returned acts were not persisted.
func (m ProcessingMetadata) Partial() bool {
	return m.ActsExtracted < m.ActsReceived
}

// Book is a notarial register volume and the unit of document processing.
type Book struct {
	ID                  id.BookID
	Number              int
	Year                int
	Type                string
	Status              Status
	Document            BlobRef
	File                FileMeta
	Metadata            *ProcessingMetadata
	ErrorMessage        string
	RunToken            id.RunToken
	ProcessingStartedAt *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// HasDocument reports whether a PDF is stored for the book.
func (b *Book) HasDocument() bool {
	return b != nil && !b.Document.IsZero()
}

// Run identifies one processing attempt of a book.
type Run struct {
	BookID    id.BookID
	Token     id.RunToken
	StartedAt time.Time
	// Book is the snapshot taken when the run was granted.
	Book Book
}

// OutcomeKind distinguishes successful and failed runs.
type OutcomeKind string

const (
	OutcomeCompleted OutcomeKind = "completed"
	OutcomeFailed    OutcomeKind = "failed"
)

// Outcome is the terminal result a run reports back.
type Outcome struct {
	Kind         OutcomeKind
	Metadata     *ProcessingMetadata
	ErrorMessage string
}

// Completed builds a successful outcome.
func Completed(meta ProcessingMetadata) Outcome {
	return Outcome{Kind: OutcomeCompleted, Metadata: &meta}
}

// Failed builds a failed outcome. An empty message is replaced so the failed
// state always carries an error.
func Failed(msg string) Outcome {
	if msg == "" {
		msg = "processing failed"
	}
	return Outcome{Kind: OutcomeFailed, ErrorMessage: msg}
}

// Status maps the outcome to the book status it produces.
func (o Outcome) Status() Status {
	if o.Kind == OutcomeCompleted {
		return StatusCompleted
	}
	return StatusFailed
}
