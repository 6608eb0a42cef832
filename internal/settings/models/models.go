package models

import (
	"encoding/json"
	"time"
)

// Setting is one runtime-editable application setting.
type Setting struct {
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Keys read by the processing run to build the notary office context.
const (
	KeyNotaryName  = "notary.name"
	KeyNotaryCity  = "notary.city"
	KeyNotaryState = "notary.state"
)

// NotaryOffice identifies the office whose books are processed.
type NotaryOffice struct {
	Name  string `json:"cartorio"`
	City  string `json:"cidade"`
	State string `json:"estado"`
}
