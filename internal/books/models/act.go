package models

import (
	"encoding/json"
	"time"

	id "actnexus/pkg/domain"
)

// Party is one participant of an act as returned by the extractor.
type Party struct {
	Name     string `json:"nome"`
	Role     string `json:"qualificacao,omitempty"`
	Document string `json:"documento,omitempty"`
}

// Act is a structured record extracted from a Book.
type Act struct {
	ID               id.ActID
	BookID           id.BookID
	Number           int
	Type             string
	Date             *time.Time
	OriginalContent  string
	MarkdownContent  string
	Parties          []Party
	ExtractedData    json.RawMessage
	Confidence       float64
	ExtractionStatus string
	CreatedAt        time.Time
}

// ExtractionStatusProcessed marks acts created from a successful extraction.
const ExtractionStatusProcessed = "processed"
