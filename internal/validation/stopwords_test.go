package validation

import "testing"

func TestStopwordMatcher(t *testing.T) {
	m := NewStopwordMatcher([]string{"копия", "б/у", "fake"})

	tests := []struct {
		name  string
		text  string
		want  string
		found bool
	}{
		{"whole word", "точная копия оригинала", "копия", true},
		{"case folded", "КОПИЯ часов", "копия", true},
		{"not a substring match", "скопиявнутри текста", "", false},
		{"slash word", "состояние б/у отличное", "б/у", true},
		{"latin word", "this is a FAKE item", "fake", true},
		{"word at start", "копия часов", "копия", true},
		{"word at end", "это просто копия", "копия", true},
		{"clean text", "новый оригинальный товар", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, found := m.Match(tt.text)
			if found != tt.found || got != tt.want {
				t.Errorf("Match(%q) = (%q, %v), want (%q, %v)",
					tt.text, got, found, tt.want, tt.found)
			}
		})
	}
}

func TestStopwordMatcherSkipsEmptyWords(t *testing.T) {
	m := NewStopwordMatcher([]string{"", "  ", "копия"})
	if _, found := m.Match("any text at all"); found {
		t.Error("empty stop-words must not match everything")
	}
	if _, found := m.Match("это копия"); !found {
		t.Error("real stop-word lost")
	}
}
