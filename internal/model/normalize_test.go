package model

import (
	"reflect"
	"strings"
	"testing"
)

func TestNormalize(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"lowercases", "A Cat Wearing SUNGLASSES", "a cat wearing sunglasses"},
		{"collapses whitespace", "  a   cat\n\twearing sunglasses ", "a cat wearing sunglasses"},
		{"empty", "", ""},
		{"already normal", "dog on skateboard", "dog on skateboard"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Normalize(tt.in); got != tt.want {
				t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeTruncates(t *testing.T) {
	long := strings.Repeat("x", MaxEmbedRunes*2)
	got := Normalize(long)
	if len([]rune(got)) != MaxEmbedRunes {
		t.Errorf("expected truncation to %d runes, got %d", MaxEmbedRunes, len([]rune(got)))
	}
}

func TestNormalizeIsIdempotent(t *testing.T) {
	in := "  A Cat   Wearing Sunglasses  "
	once := Normalize(in)
	twice := Normalize(once)
	if once != twice {
		t.Errorf("Normalize not idempotent: %q vs %q", once, twice)
	}
}

func TestNormalizeTags(t *testing.T) {
	got := NormalizeTags([]string{"Cat", " sunglasses ", "cat", "", "MEME"})
	want := []string{"cat", "meme", "sunglasses"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("NormalizeTags = %v, want %v", got, want)
	}
}

func TestParseTagList(t *testing.T) {
	got := ParseTagList("Cat, sunglasses,  Cool\nsummer, cat")
	want := []string{"cat", "cool", "summer", "sunglasses"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("ParseTagList = %v, want %v", got, want)
	}
}

func TestEmbeddingText(t *testing.T) {
	got := EmbeddingText("A Cat Wearing Sunglasses", []string{"cat", "meme"})
	want := "a cat wearing sunglasses cat meme"
	if got != want {
		t.Errorf("EmbeddingText = %q, want %q", got, want)
	}

	// Caption-only record embeds just the caption
	if got := EmbeddingText("a dog", nil); got != "a dog" {
		t.Errorf("EmbeddingText caption-only = %q", got)
	}
}
