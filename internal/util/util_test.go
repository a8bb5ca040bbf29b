package util

import (
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTruncateString(t *testing.T) {
	tests := []struct {
		name          string
		input         string
		maxLen        int
		preserveWords bool
		expected      string
	}{
		{"short string unchanged", "quantum", 20, false, "quantum"},
		{"exact length unchanged", "quantum", 7, false, "quantum"},
		{"cut with ellipsis", "post-quantum cryptography", 10, false, "post-qu..."},
		{"preserve words", "post quantum cryptography", 16, true, "post quantum..."},
		{"zero length", "anything", 0, false, ""},
		{"tiny limit", "anything", 2, false, ".."},
		{"multibyte runes", "日本語のテキストです", 6, false, "日本語..."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := TruncateString(tt.input, tt.maxLen, tt.preserveWords)
			assert.Equal(t, tt.expected, got)
			assert.True(t, utf8.ValidString(got))
		})
	}
}

func TestExtractJSON(t *testing.T) {
	obj, ok := ExtractJSONObject("Sure! ```json\n{\"coverage_score\": 0.4}\n``` hope it helps")
	assert.True(t, ok)
	assert.Equal(t, `{"coverage_score": 0.4}`, obj)

	arr, ok := ExtractJSONArray("subtopics: [\"a\", \"b\"]")
	assert.True(t, ok)
	assert.Equal(t, `["a", "b"]`, arr)

	_, ok = ExtractJSONObject("no payload here")
	assert.False(t, ok)

	_, ok = ExtractJSONArray("] reversed [")
	assert.False(t, ok)
}

func TestDedupeFold(t *testing.T) {
	got := DedupeFold([]string{" Lattice crypto ", "lattice CRYPTO", "", "Shor's algorithm", "  "})
	assert.Equal(t, []string{"Lattice crypto", "Shor's algorithm"}, got)
}
