package ledger

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedactText(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"cpf", "CPF 123.456.789-01 do outorgante", "CPF [CPF] do outorgante"},
		{"cnpj", "empresa 12.345.678/0001-90", "empresa [CNPJ]"},
		{"rg", "RG 12.345.678-9", "RG [RG]"},
		{"card grouped", "cartao 4111 1111 1111 1111", "cartao [CARD]"},
		{"card 13 digits", "pan 4222222222222", "pan [CARD]"},
		{"email", "contato maria.silva@example.com.br hoje", "contato [EMAIL] hoje"},
		{"cep", "CEP 01310-100 Sao Paulo", "CEP [CEP] Sao Paulo"},
		{"cep without dash", "CEP 01310100", "CEP [CEP]"},
		{"plain text untouched", "Livro 12 folha 3", "Livro 12 folha 3"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RedactText(tt.in))
		})
	}
}

func TestSanitizePromptNeverKeepsNationalIDDigits(t *testing.T) {
	prompts := []string{
		"123.456.789-01",
		"outorgante 123.456.789-01, casada",
		"(123.456.789-01)",
		"x 123.456.789-01 b 987.654.321-00",
	}
	for _, p := range prompts {
		out := SanitizePrompt(p)
		assert.NotContains(t, out, "456.789")
		assert.NotContains(t, out, "654.321")
	}
}

func TestSanitizePromptTruncates(t *testing.T) {
	long := strings.Repeat("á", MaxPromptChars+50)
	out := SanitizePrompt(long)
	assert.True(t, strings.HasSuffix(out, "... [truncado]"))
	assert.Equal(t, MaxPromptChars+len([]rune("... [truncado]")), len([]rune(out)))

	short := strings.Repeat("a", MaxPromptChars)
	assert.Equal(t, short, SanitizePrompt(short))
}

func TestSanitizePayload(t *testing.T) {
	payload := map[string]any{
		"livro_id": 42,
		"context": map[string]any{
			"Senha":   "hunter2",
			"cliente": map[string]any{"CPF_Titular": "123.456.789-01", "nome": "Ana"},
			"partes": []any{
				map[string]any{"api_token": "abc", "obs": "email ana@example.com"},
			},
		},
		"pdf_url": "https://storage/x.pdf",
	}

	raw, err := SanitizePayload(payload)
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, json.Unmarshal(raw, &got))
	ctx := got["context"].(map[string]any)
	assert.Equal(t, RedactedValue, ctx["Senha"])
	cliente := ctx["cliente"].(map[string]any)
	assert.Equal(t, RedactedValue, cliente["CPF_Titular"])
	assert.Equal(t, "Ana", cliente["nome"])
	parte := ctx["partes"].([]any)[0].(map[string]any)
	assert.Equal(t, RedactedValue, parte["api_token"])
	assert.Equal(t, "email [EMAIL]", parte["obs"])
	assert.EqualValues(t, 42, got["livro_id"])
	assert.NotContains(t, string(raw), "hunter2")
}

func TestSanitizePayloadEdgeCases(t *testing.T) {
	raw, err := SanitizePayload(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	raw, err = SanitizePayload(json.RawMessage(`not json 123.456.789-01`))
	require.NoError(t, err)
	assert.JSONEq(t, `"not json [CPF]"`, string(raw))

	raw, err = SanitizePayload(json.RawMessage(`{"big": 12345678901234567890}`))
	require.NoError(t, err)
	assert.JSONEq(t, `{"big": 12345678901234567890}`, string(raw))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 2, EstimateTokens("abcdefgh"))
	assert.Equal(t, 3, EstimatePayloadTokens(map[string]any{"a": "b"}))
}
