package rag

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragserve/internal/ai"
	"github.com/xxxsen/ragserve/internal/collection"
	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
	"github.com/xxxsen/ragserve/internal/vectorstore"
)

type fakeEmbedder struct {
	vecs map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, ok := f.vecs[text]
		if !ok {
			vec = []float32{1, 0, 0, 0}
		}
		out = append(out, append([]float32(nil), vec...))
	}
	return out, nil
}

func (f *fakeEmbedder) ModelName() string { return "fake-embed" }

type failEmbedder struct{}

func (failEmbedder) Embed(context.Context, []string, string) ([][]float32, error) {
	return nil, appErr.ErrModelUnavailable
}

func (failEmbedder) ModelName() string { return "fail-embed" }

type fakeGenerator struct {
	answer  string
	prompts []string
}

func (f *fakeGenerator) Generate(_ context.Context, prompt string) (string, error) {
	f.prompts = append(f.prompts, prompt)
	return f.answer, nil
}

func newTestService(t *testing.T, embedder ai.IEmbedder, gen ai.IGenerator, cfg ServiceConfig) *Service {
	t.Helper()
	if cfg.Collection == "" {
		cfg.Collection = "LabDoc"
	}
	store := vectorstore.NewMemory()
	manager := collection.NewManager(store)
	aiMgr := ai.NewManager(embedder, gen, ai.ManagerConfig{EmbedDim: 4})
	retriever := NewRetriever(store, manager, RetrieverConfig{})
	return NewService(cfg, store, manager, retriever, aiMgr)
}

func TestIngestAndChatPipeline(t *testing.T) {
	ctx := context.Background()
	embedder := &fakeEmbedder{vecs: map[string][]float32{
		"alpha doc text": {1, 0, 0, 0},
		"beta doc text":  {0, 1, 0, 0},
		"How does the alpha API handle ingestion?": {0.9, 0.1, 0, 0},
	}}
	gen := &fakeGenerator{answer: "grounded answer [1]"}
	svc := newTestService(t, embedder, gen, ServiceConfig{})

	idA, err := svc.Ingest(ctx, IngestInput{Title: "Alpha", URL: "https://a.example", Text: "alpha doc text", Tags: []string{"alpha"}})
	require.NoError(t, err)
	require.Positive(t, idA)

	idB, err := svc.Ingest(ctx, IngestInput{Title: "Beta", URL: "https://b.example", Text: "beta doc text"})
	require.NoError(t, err)
	require.Positive(t, idB)
	require.NotEqual(t, idA, idB)

	count, err := svc.DocumentCount(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	res, err := svc.Chat(ctx, "How does the alpha API handle ingestion?", "")
	require.NoError(t, err)
	require.Equal(t, "grounded answer [1]", res.Answer)
	require.Equal(t, DetailStandard, res.DetailLevel)
	require.Len(t, res.Sources, 2)
	require.Equal(t, "Alpha", res.Sources[0].Title)
	require.Equal(t, "Beta", res.Sources[1].Title)
	require.Greater(t, res.Sources[0].Score, res.Sources[1].Score)
	require.Equal(t, "alpha doc text", res.Sources[0].Snippet)
	require.Positive(t, res.PromptChars)

	require.Len(t, gen.prompts, 1)
	require.Contains(t, gen.prompts[0], "[1] Alpha (https://a.example)\nalpha doc text")
	require.Contains(t, gen.prompts[0], "User question:\nHow does the alpha API handle ingestion?")
}

func TestChatEmptyCollectionKeepsMarker(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{answer: "I cannot find sources for that."}
	svc := newTestService(t, &fakeEmbedder{}, gen, ServiceConfig{})

	res, err := svc.Chat(ctx, "tell me about the beta rollout", "")
	require.NoError(t, err)
	require.Empty(t, res.Sources)
	require.Len(t, gen.prompts, 1)
	require.Contains(t, gen.prompts[0], noSourcesMarker)
}

func TestChatFailedRetrievalNeverReachesModel(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{answer: "should not happen"}
	svc := newTestService(t, failEmbedder{}, gen, ServiceConfig{})

	_, err := svc.Chat(ctx, "a perfectly valid question", "")
	require.ErrorIs(t, err, appErr.ErrModelUnavailable)
	require.Empty(t, gen.prompts, "generation must not run after a failed retrieval")
}

func TestChatValidation(t *testing.T) {
	ctx := context.Background()
	// validation must reject before any model call; a fail-fast embedder
	// would turn a missed validation into a different error class
	svc := newTestService(t, failEmbedder{}, &fakeGenerator{}, ServiceConfig{})

	_, err := svc.Chat(ctx, "x", "")
	require.ErrorIs(t, err, appErr.ErrInvalid)

	_, err = svc.Chat(ctx, strings.Repeat("a", 2001), "")
	require.ErrorIs(t, err, appErr.ErrInvalid)

	_, err = svc.Chat(ctx, "a valid message", "verbose")
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestChatExplicitDetailLevel(t *testing.T) {
	ctx := context.Background()
	gen := &fakeGenerator{answer: "ok"}
	svc := newTestService(t, &fakeEmbedder{}, gen, ServiceConfig{})

	res, err := svc.Chat(ctx, "plain short words", "advanced")
	require.NoError(t, err)
	require.Equal(t, DetailAdvanced, res.DetailLevel)
	require.Contains(t, gen.prompts[0], "Detail level selected: advanced")
}

func TestIngestValidation(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, failEmbedder{}, &fakeGenerator{}, ServiceConfig{})

	manyTags := make([]string, 33)
	for i := range manyTags {
		manyTags[i] = "tag"
	}

	tests := []struct {
		name string
		in   IngestInput
	}{
		{"empty text", IngestInput{}},
		{"blank text", IngestInput{Text: "   "}},
		{"text too long", IngestInput{Text: strings.Repeat("a", 30001)}},
		{"title too long", IngestInput{Text: "ok", Title: strings.Repeat("t", 201)}},
		{"url too long", IngestInput{Text: "ok", URL: strings.Repeat("u", 2049)}},
		{"too many tags", IngestInput{Text: "ok", Tags: manyTags}},
		{"blank tag", IngestInput{Text: "ok", Tags: []string{"  "}}},
		{"tag too long", IngestInput{Text: "ok", Tags: []string{strings.Repeat("g", 65)}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Ingest(ctx, tt.in)
			require.ErrorIs(t, err, appErr.ErrInvalid)
		})
	}
}

func TestRetrieveBounds(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeEmbedder{}, &fakeGenerator{}, ServiceConfig{})

	_, err := svc.Retrieve(ctx, "what is the alpha service?", 101)
	require.ErrorIs(t, err, appErr.ErrInvalid)

	_, err = svc.Retrieve(ctx, "q", 5)
	require.ErrorIs(t, err, appErr.ErrInvalid)

	_, err = svc.Ingest(ctx, IngestInput{Text: "some document text"})
	require.NoError(t, err)

	sources, err := svc.Retrieve(ctx, "what is the alpha service?", 0)
	require.NoError(t, err)
	require.Len(t, sources, 1)
}

func TestRetrieveClipsSnippets(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeEmbedder{}, &fakeGenerator{}, ServiceConfig{MaxSourceChars: 10})

	_, err := svc.Ingest(ctx, IngestInput{Text: strings.Repeat("x", 100), Title: "Long"})
	require.NoError(t, err)

	sources, err := svc.Retrieve(ctx, "find the long document", 0)
	require.NoError(t, err)
	require.Len(t, sources, 1)
	require.Len(t, sources[0].Snippet, 10)
}

func TestPromptDebugOp(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeEmbedder{}, &fakeGenerator{}, ServiceConfig{})

	res, err := svc.Prompt(ctx, "how does alpha work?", "basic")
	require.NoError(t, err)
	require.Equal(t, DetailBasic, res.DetailLevel)
	require.Contains(t, res.Prompt, "Write for a beginner.")
	require.Contains(t, res.Prompt, noSourcesMarker)
	require.Empty(t, res.Sources)
}

func TestGenerateDebugOp(t *testing.T) {
	ctx := context.Background()
	svc := newTestService(t, &fakeEmbedder{}, &fakeGenerator{answer: "raw"}, ServiceConfig{})

	_, err := svc.Generate(ctx, " ")
	require.ErrorIs(t, err, appErr.ErrInvalid)

	answer, err := svc.Generate(ctx, "say something")
	require.NoError(t, err)
	require.Equal(t, "raw", answer)
}

func TestNewDocIDAlwaysPositive(t *testing.T) {
	for i := 0; i < 1000; i++ {
		require.Positive(t, newDocID())
	}
}
