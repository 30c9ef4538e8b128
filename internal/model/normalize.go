package model

import (
	"sort"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// MaxEmbedRunes caps the text handed to the embedding model. Captions
// and queries are truncated to the same length so similarity stays
// comparable.
const MaxEmbedRunes = 512

// Normalize prepares text for embedding: NFC, lowercase, collapsed
// whitespace, truncated to MaxEmbedRunes. Indexed captions and search
// queries MUST both go through this function, otherwise their vectors
// live in different spaces.
func Normalize(text string) string {
	t := norm.NFC.String(text)
	t = strings.ToLower(t)
	t = strings.Join(strings.Fields(t), " ")

	runes := []rune(t)
	if len(runes) > MaxEmbedRunes {
		t = string(runes[:MaxEmbedRunes])
	}
	return t
}

// NormalizeTags lowercases, trims and de-duplicates a tag set. Order is
// sorted so stored tag lists are stable across runs.
func NormalizeTags(tags []string) []string {
	seen := make(map[string]bool, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		t := strings.ToLower(strings.TrimSpace(norm.NFC.String(tag)))
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// EmbeddingText builds the canonical text a record's vector is derived
// from: the caption followed by its tags, normalized as one string.
func EmbeddingText(caption string, tags []string) string {
	parts := make([]string, 0, 1+len(tags))
	if caption != "" {
		parts = append(parts, caption)
	}
	parts = append(parts, tags...)
	return Normalize(strings.Join(parts, " "))
}

// ParseTagList splits a comma-separated model answer into clean tags
func ParseTagList(answer string) []string {
	raw := strings.FieldsFunc(answer, func(r rune) bool {
		return r == ',' || r == '\n'
	})
	return NormalizeTags(raw)
}
