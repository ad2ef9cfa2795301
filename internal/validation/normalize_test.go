package validation

import "testing"

func TestNormalizeForMatch(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"latin passthrough", "ABC-123", "abc123"},
		{"cyrillic homoglyphs", "СВ443", "cb443"},
		{"mixed alphabets", "Артикул: А1-В2", "aptиkyлa1b2"},
		{"strips punctuation and spaces", "a b / c.d", "abcd"},
		{"non-homoglyph cyrillic kept", "ж123", "ж123"},
		{"empty", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeForMatch(tt.in); got != tt.want {
				t.Errorf("NormalizeForMatch(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestContainsNormalized(t *testing.T) {
	tests := []struct {
		name     string
		haystack string
		needle   string
		want     bool
	}{
		{"exact", "Насос ABC-123 новый", "ABC-123", true},
		{"cyrillic lookalike in title", "Насос АВС-123 новый", "ABC-123", true},
		{"latin needle cyrillic haystack", "деталь св443 оригинал", "CB443", true},
		{"absent", "Насос XYZ-999", "ABC-123", false},
		{"empty needle always matches", "anything", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ContainsNormalized(tt.haystack, tt.needle); got != tt.want {
				t.Errorf("ContainsNormalized(%q, %q) = %v, want %v",
					tt.haystack, tt.needle, got, tt.want)
			}
		})
	}
}
