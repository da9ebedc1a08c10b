package rag

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/xxxsen/ragserve/internal/model"
)

func TestBuildPromptNumbersSources(t *testing.T) {
	sources := []model.Source{
		{Title: "Alpha", URL: "https://a.example", Snippet: "alpha snippet"},
		{Title: "Beta", URL: "https://b.example", Snippet: "beta snippet"},
	}
	p := BuildPrompt("how does alpha work?", sources, DetailStandard, 800)
	require.Contains(t, p, "[1] Alpha (https://a.example)\nalpha snippet")
	require.Contains(t, p, "[2] Beta (https://b.example)\nbeta snippet")
	require.Contains(t, p, "Detail level selected: standard")
	require.Contains(t, p, "User question:\nhow does alpha work?")
	require.NotContains(t, p, noSourcesMarker)
	require.True(t, strings.HasSuffix(p, "Answer:\n"))
}

func TestBuildPromptEmptySources(t *testing.T) {
	p := BuildPrompt("anything at all?", nil, DetailBasic, 800)
	require.Contains(t, p, "Sources:\n(no sources retrieved)")
	require.Contains(t, p, "Write for a beginner.")
	require.NotContains(t, p, "[1]")
}

func TestBuildPromptTruncatesSnippetRunes(t *testing.T) {
	long := strings.Repeat("寿", 50)
	p := BuildPrompt("q?", []model.Source{{Title: "T", URL: "u", Snippet: long}}, DetailAdvanced, 10)
	require.Contains(t, p, "[1] T (u)\n"+strings.Repeat("寿", 10)+"\n")
	require.NotContains(t, p, strings.Repeat("寿", 11))
}

func TestBuildPromptInstructionsFollowLevel(t *testing.T) {
	tests := []struct {
		level    DetailLevel
		fragment string
	}{
		{DetailBasic, "Write for a beginner."},
		{DetailStandard, "Write at an intermediate level."},
		{DetailAdvanced, "Write for a technical audience."},
	}
	for _, tt := range tests {
		p := BuildPrompt("question?", nil, tt.level, 800)
		require.Contains(t, p, tt.fragment)
		require.Contains(t, p, "Detail level selected: "+string(tt.level))
	}
}
