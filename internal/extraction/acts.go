package extraction

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// actSchema is the minimum an extracted act needs to be persisted.
const actSchema = `{
	"$schema": "http://json-schema.org/draft-07/schema#",
	"type": "object",
	"required": ["numero", "tipo"],
	"properties": {
		"numero": {"type": "integer", "minimum": 1},
		"tipo": {"type": "string", "pattern": "\\S"},
		"data_ato": {"type": ["string", "null"]},
		"conteudo_original": {"type": ["string", "null"]},
		"conteudo_markdown": {"type": ["string", "null"]},
		"observacoes": {"type": ["string", "null"]},
		"confidence": {"type": ["number", "null"], "minimum": 0, "maximum": 1},
		"partes": {
			"type": ["array", "null"],
			"items": {
				"type": "object",
				"required": ["nome"],
				"properties": {"nome": {"type": "string"}}
			}
		}
	}
}`

var compiledActSchema = mustCompile("act.json", actSchema)

func mustCompile(name, schema string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schema)); err != nil {
		panic(fmt.Sprintf("add schema %s: %v", name, err))
	}
	return compiler.MustCompile(name)
}

// ActRecord is one act accepted from a document extraction.
type ActRecord struct {
	Number          int
	Type            string
	Date            *time.Time
	OriginalContent string
	MarkdownContent string
	Parties         []ExtractedParty
	Notes           string
	Confidence      float64
	Raw             json.RawMessage
}

var actDateLayouts = []string{"2006-01-02", "02/01/2006", time.RFC3339, "2006-01-02T15:04:05"}

// ParseAct validates one raw act and converts it.
func ParseAct(raw json.RawMessage) (ActRecord, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return ActRecord{}, fmt.Errorf("decode act: %w", err)
	}
	if err := compiledActSchema.Validate(doc); err != nil {
		return ActRecord{}, fmt.Errorf("act does not match schema: %w", err)
	}

	var wire struct {
		Number          int              `json:"numero"`
		Type            string           `json:"tipo"`
		Date            *string          `json:"data_ato"`
		OriginalContent string           `json:"conteudo_original"`
		MarkdownContent string           `json:"conteudo_markdown"`
		Parties         []ExtractedParty `json:"partes"`
		Notes           string           `json:"observacoes"`
		Confidence      float64          `json:"confidence"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return ActRecord{}, fmt.Errorf("decode act: %w", err)
	}

	rec := ActRecord{
		Number:          wire.Number,
		Type:            strings.TrimSpace(wire.Type),
		OriginalContent: wire.OriginalContent,
		MarkdownContent: wire.MarkdownContent,
		Parties:         wire.Parties,
		Notes:           wire.Notes,
		Confidence:      wire.Confidence,
		Raw:             raw,
	}
	if wire.Date != nil && strings.TrimSpace(*wire.Date) != "" {
		d, err := parseActDate(strings.TrimSpace(*wire.Date))
		if err != nil {
			return ActRecord{}, err
		}
		rec.Date = &d
	}
	return rec, nil
}

func parseActDate(s string) (time.Time, error) {
	for _, layout := range actDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized act date %q", s)
}
