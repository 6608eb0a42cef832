package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"
)

// RedactedValue replaces the value of a sensitive key.
const RedactedValue = "[REDACTED]"

// MaxPromptChars caps stored prompts.
const MaxPromptChars = 10000

const truncationMarker = "... [truncado]"

// sensitiveKeyTerms are matched case-insensitively as substrings of payload keys.
var sensitiveKeyTerms = []string{
	"password", "senha", "token", "key", "secret", "cpf", "cnpj",
	"rg", "passport", "credit_card", "cartao", "account", "conta",
}

type redaction struct {
	pattern     *regexp.Regexp
	placeholder string
}

// Applied in order; the national-id patterns run before the looser digit runs.
var redactions = []redaction{
	{regexp.MustCompile(`\b\d{3}\.\d{3}\.\d{3}-\d{2}\b`), "[CPF]"},
	{regexp.MustCompile(`\b\d{2}\.\d{3}\.\d{3}/\d{4}-\d{2}\b`), "[CNPJ]"},
	{regexp.MustCompile(`\b\d{1,2}\.\d{3}\.\d{3}-\d\b`), "[RG]"},
	{regexp.MustCompile(`\b\d(?:[ -]?\d){12,15}\b`), "[CARD]"},
	{regexp.MustCompile(`\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`), "[EMAIL]"},
	{regexp.MustCompile(`\b\d{5}-?\d{3}\b`), "[CEP]"},
}

// RedactText replaces personal identifiers in free text with placeholders.
func RedactText(s string) string {
	if s == "" {
		return s
	}
	for _, r := range redactions {
		s = r.pattern.ReplaceAllString(s, r.placeholder)
	}
	return s
}

// SanitizePrompt redacts s and caps it at MaxPromptChars characters.
func SanitizePrompt(s string) string {
	s = RedactText(s)
	if utf8.RuneCountInString(s) <= MaxPromptChars {
		return s
	}
	runes := []rune(s)
	return string(runes[:MaxPromptChars]) + truncationMarker
}

func isSensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	for _, term := range sensitiveKeyTerms {
		if strings.Contains(lower, term) {
			return true
		}
	}
	return false
}

// SanitizeValue walks decoded JSON. Values under sensitive keys are replaced
// wholesale; remaining strings get pattern redaction.
func SanitizeValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if isSensitiveKey(k) {
				out[k] = RedactedValue
				continue
			}
			out[k] = SanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SanitizeValue(val)
		}
		return out
	case string:
		return RedactText(t)
	default:
		return v
	}
}

// SanitizePayload converts any JSON-encodable value to its sanitized JSON
// form. A nil payload stays nil.
func SanitizePayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	case []byte:
		raw = p
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		raw = b
	}
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		// Not JSON: keep it as a redacted string.
		b, _ := json.Marshal(RedactText(string(raw)))
		return b, nil
	}
	out, err := json.Marshal(SanitizeValue(decoded))
	if err != nil {
		return nil, fmt.Errorf("encode sanitized payload: %w", err)
	}
	return out, nil
}

// EstimateTokens approximates the token count of text at four characters per token.
func EstimateTokens(text string) int {
	n := utf8.RuneCountInString(text)
	if n == 0 {
		return 0
	}
	return (n + 3) / 4
}

// EstimatePayloadTokens estimates tokens of the JSON form of v.
func EstimatePayloadTokens(v any) int {
	switch t := v.(type) {
	case nil:
		return 0
	case string:
		return EstimateTokens(t)
	case json.RawMessage:
		return EstimateTokens(string(t))
	}
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return EstimateTokens(string(b))
}
