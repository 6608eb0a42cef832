package domain

import (
	"testing"
	"unicode/utf8"
)

// FuzzParseBookID checks parsing never panics and valid ids round-trip.
func FuzzParseBookID(f *testing.F) {
	f.Add("")
	f.Add("42")
	f.Add("0")
	f.Add("9223372036854775807")
	f.Add("'; DROP TABLE books;--")
	f.Add(string([]byte{0x00, 0x01, 0x02}))

	f.Fuzz(func(t *testing.T, input string) {
		id, err := ParseBookID(input)
		if err == nil {
			roundTrip, err2 := ParseBookID(id.String())
			if err2 != nil {
				t.Errorf("valid id failed round-trip: %v", err2)
			}
			if roundTrip != id {
				t.Error("round-trip changed id value")
			}
			if id <= 0 {
				t.Error("non-positive id accepted")
			}
		}
		if !utf8.ValidString(input) && err == nil {
			t.Error("non-UTF8 input was accepted")
		}
	})
}

// FuzzParseRunToken checks the canonical-form rule for uuid ids.
func FuzzParseRunToken(f *testing.F) {
	f.Add("550e8400-e29b-41d4-a716-446655440000")
	f.Add("00000000-0000-0000-0000-000000000000")
	f.Add("urn:uuid:550e8400-e29b-41d4-a716-446655440000")

	f.Fuzz(func(t *testing.T, input string) {
		token, err := ParseRunToken(input)
		if err != nil {
			return
		}
		if token.IsNil() {
			t.Error("nil token accepted")
		}
		if len(input) != 36 {
			t.Errorf("non-canonical input accepted: %q", input)
		}
	})
}
