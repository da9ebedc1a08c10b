package memory

import (
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

const (
	defaultChunkSize    = 800
	defaultChunkOverlap = 200
)

// chunkText splits a document into fixed-size rune windows. Consecutive
// windows share overlap runes, so a sentence cut at a boundary stays
// retrievable from at least one side.
func chunkText(s string, size int, overlap int) []string {
	if size <= 0 {
		size = defaultChunkSize
	}
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}
	runes := []rune(s)
	if len(runes) == 0 {
		return nil
	}
	step := size - overlap
	chunks := make([]string, 0, (len(runes)+step-1)/step)
	for start := 0; start < len(runes); start += step {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		chunks = append(chunks, string(runes[start:end]))
		if end == len(runes) {
			break
		}
	}
	return chunks
}

// extractTitle returns the first level-1 markdown heading, or "" when the
// document has none.
func extractTitle(markdown string) string {
	md := goldmark.New()
	reader := text.NewReader([]byte(markdown))
	doc := md.Parser().Parse(reader)
	for node := doc.FirstChild(); node != nil; node = node.NextSibling() {
		if h, ok := node.(*ast.Heading); ok && h.Level == 1 {
			return strings.TrimSpace(string(h.Text(reader.Source())))
		}
	}
	return ""
}

// pathTags derives lowercase tag tokens from a document path, splitting on
// separators and dropping the file extension and single-character noise.
func pathTags(path string) []string {
	base := path
	if idx := strings.LastIndex(base, "."); idx > strings.LastIndex(base, "/") {
		base = base[:idx]
	}
	fields := strings.FieldsFunc(strings.ToLower(base), func(r rune) bool {
		switch r {
		case '/', '\\', '_', '-', '.', ' ':
			return true
		}
		return false
	})
	seen := map[string]struct{}{}
	tags := make([]string, 0, len(fields))
	for _, field := range fields {
		if len(field) < 2 {
			continue
		}
		if _, ok := seen[field]; ok {
			continue
		}
		seen[field] = struct{}{}
		tags = append(tags, field)
	}
	return tags
}
