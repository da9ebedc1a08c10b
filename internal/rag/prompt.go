package rag

import (
	"fmt"
	"strings"

	"github.com/xxxsen/ragserve/internal/model"
)

const noSourcesMarker = "(no sources retrieved)"

// BuildPrompt renders the grounded prompt sent to the generation model.
// Sources are numbered in rank order so the model can cite them inline as
// [1], [2], ... and snippets are clipped to maxSourceChars runes before
// insertion. With no sources the context block carries an explicit marker
// instead of being silently empty; rule 1 then forces the model to say so
// rather than answer from parametric memory.
func BuildPrompt(question string, sources []model.Source, level DetailLevel, maxSourceChars int) string {
	context := noSourcesMarker
	if len(sources) > 0 {
		blocks := make([]string, 0, len(sources))
		for i, src := range sources {
			blocks = append(blocks, fmt.Sprintf("[%d] %s (%s)\n%s",
				i+1, src.Title, src.URL, clipRunes(src.Snippet, maxSourceChars)))
		}
		context = strings.Join(blocks, "\n\n")
	}

	var sb strings.Builder
	sb.WriteString("You are a retrieval-augmented assistant.\n")
	sb.WriteString("Rules:\n")
	sb.WriteString("1) Use ONLY the provided Sources for factual claims.\n")
	sb.WriteString("2) If Sources are insufficient, say what is missing and what you would check next.\n")
	sb.WriteString("3) When you cite a source, cite it inline like [1], [2].\n")
	sb.WriteString("4) Do not invent URLs, quotes, or document titles.\n\n")
	sb.WriteString("Response style:\n")
	sb.WriteString(detailInstructions(level))
	sb.WriteString("\n")
	sb.WriteString("Detail level selected: ")
	sb.WriteString(string(level))
	sb.WriteString("\n\n")
	sb.WriteString("Sources:\n")
	sb.WriteString(context)
	sb.WriteString("\n\n")
	sb.WriteString("User question:\n")
	sb.WriteString(question)
	sb.WriteString("\n\n")
	sb.WriteString("Answer:\n")
	return sb.String()
}

func clipRunes(s string, limit int) string {
	if limit <= 0 {
		return s
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
