package memory

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xxxsen/ragserve/internal/ai"
	"github.com/xxxsen/ragserve/internal/collection"
	"github.com/xxxsen/ragserve/internal/config"
	"github.com/xxxsen/ragserve/internal/corpus"
	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
	"github.com/xxxsen/ragserve/internal/rag"
	"github.com/xxxsen/ragserve/internal/vectorstore"
)

func writeDoc(t *testing.T, dir, rel, content string) {
	t.Helper()
	path := filepath.Join(dir, filepath.FromSlash(rel))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

type stubEmbedder struct{}

func (stubEmbedder) Embed(_ context.Context, texts []string, _ string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for range texts {
		out = append(out, []float32{1, 0, 0, 0})
	}
	return out, nil
}

func (stubEmbedder) ModelName() string { return "stub" }

func newTestMemory(t *testing.T, source corpus.Source, cfg ServiceConfig) (*Service, vectorstore.Store) {
	t.Helper()
	if cfg.Collection == "" {
		cfg.Collection = "SecurityMemory"
	}
	store := vectorstore.NewMemory()
	manager := collection.NewManager(store)
	aiMgr := ai.NewManager(stubEmbedder{}, nil, ai.ManagerConfig{EmbedDim: 4})
	retriever := rag.NewRetriever(store, manager, rag.RetrieverConfig{})
	return NewService(cfg, store, manager, retriever, aiMgr, source), store
}

func TestIngestDocumentUpsert(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestMemory(t, nil, ServiceConfig{ChunkSize: 10, ChunkOverlap: 2})

	content := "0123456789012345678901234" // 25 chars -> windows of 10 step 8
	n, err := svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "notes/alpha.md", Content: content, Source: "test"})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	count, err := store.RowCount(ctx, "SecurityMemory")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)

	// re-ingesting the same document replaces chunks instead of stacking
	n, err = svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "notes/alpha.md", Content: content, Source: "test"})
	require.NoError(t, err)
	require.Equal(t, 3, n)

	count, err = store.RowCount(ctx, "SecurityMemory")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}

func TestIngestDocumentKeepsOtherDocsIntact(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestMemory(t, nil, ServiceConfig{ChunkSize: 10, ChunkOverlap: 2})

	content := "0123456789012345678901234"
	_, err := svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "a.md", Content: content})
	require.NoError(t, err)
	_, err = svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "b.md", Content: content})
	require.NoError(t, err)

	count, err := store.RowCount(ctx, "SecurityMemory")
	require.NoError(t, err)
	require.Equal(t, int64(6), count)

	_, err = svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "a.md", Content: content})
	require.NoError(t, err)

	count, err = store.RowCount(ctx, "SecurityMemory")
	require.NoError(t, err)
	require.Equal(t, int64(6), count, "re-ingesting one document must not disturb the other")
}

func TestIngestShrinkingDocLeavesStaleTail(t *testing.T) {
	ctx := context.Background()
	svc, store := newTestMemory(t, nil, ServiceConfig{ChunkSize: 10, ChunkOverlap: 2})

	_, err := svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "a.md", Content: "0123456789012345678901234"})
	require.NoError(t, err)

	n, err := svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "a.md", Content: "short now"})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	// chunk 0 replaced, chunks 1 and 2 remain as stale tail
	count, err := store.RowCount(ctx, "SecurityMemory")
	require.NoError(t, err)
	require.Equal(t, int64(3), count)
}

func TestQueryTagConjunction(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestMemory(t, nil, ServiceConfig{})

	for path, content := range map[string]string{
		"docker/bench.md": "docker bench guidance",
		"docker/cis.md":   "docker cis baseline",
		"k8s/cis.md":      "kubernetes cis baseline",
	} {
		_, err := svc.IngestDocument(ctx, IngestDocumentInput{DocPath: path, Content: content})
		require.NoError(t, err)
	}

	res, err := svc.Query(ctx, "which baseline applies?", []string{"docker", "cis"}, 0)
	require.NoError(t, err)
	require.Len(t, res.Results, 1, "only chunks carrying every requested tag may match")
	require.Equal(t, "docker/cis.md", res.Results[0].DocPath)
	require.Contains(t, res.Results[0].Tags, "docker")
	require.Contains(t, res.Results[0].Tags, "cis")

	res, err = svc.Query(ctx, "which baseline applies?", []string{"cis"}, 0)
	require.NoError(t, err)
	require.Len(t, res.Results, 2)

	res, err = svc.Query(ctx, "which baseline applies?", nil, 0)
	require.NoError(t, err)
	require.Len(t, res.Results, 3)
	require.Equal(t, "SecurityMemory", res.Collection)
	require.Equal(t, defaultTopK, res.TopK)
}

func TestQueryExplicitTagsMerged(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestMemory(t, nil, ServiceConfig{})

	_, err := svc.IngestDocument(ctx, IngestDocumentInput{
		DocPath: "plain.md",
		Content: "content without useful path tokens",
		Tags:    []string{"hardening"},
	})
	require.NoError(t, err)

	res, err := svc.Query(ctx, "anything relevant?", []string{"hardening"}, 0)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.Equal(t, "plain", res.Results[0].Title, "title falls back to the file name")
}

func TestQueryValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestMemory(t, nil, ServiceConfig{})

	_, err := svc.Query(ctx, "x", nil, 0)
	require.ErrorIs(t, err, appErr.ErrInvalid)

	_, err = svc.Query(ctx, "a valid query", nil, 26)
	require.ErrorIs(t, err, appErr.ErrInvalid)

	_, err = svc.Query(ctx, "a valid query", []string{strings.Repeat("t", 65)}, 0)
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestIngestDocumentValidation(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestMemory(t, nil, ServiceConfig{})

	_, err := svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "", Content: "x"})
	require.ErrorIs(t, err, appErr.ErrInvalid)

	_, err = svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "a.md", Content: "   "})
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestHealthReportsEmptyHint(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestMemory(t, nil, ServiceConfig{})

	h := svc.Health(ctx)
	require.True(t, h.OK)
	require.Nil(t, h.Points)
	require.NotEmpty(t, h.Note)

	_, err := svc.IngestDocument(ctx, IngestDocumentInput{DocPath: "a.md", Content: "some memory content"})
	require.NoError(t, err)

	h = svc.Health(ctx)
	require.True(t, h.OK)
	require.NotNil(t, h.Points)
	require.Equal(t, int64(1), *h.Points)
	require.Empty(t, h.Note)
}

func TestTitleFromMarkdownHeading(t *testing.T) {
	ctx := context.Background()
	svc, _ := newTestMemory(t, nil, ServiceConfig{})

	_, err := svc.IngestDocument(ctx, IngestDocumentInput{
		DocPath: "guides/setup.md",
		Content: "# Cluster Setup Guide\n\nsteps to configure the cluster",
		Source:  "unit",
	})
	require.NoError(t, err)

	res, err := svc.Query(ctx, "how to set up the cluster?", nil, 0)
	require.NoError(t, err)
	require.Len(t, res.Results, 1)
	require.Equal(t, "Cluster Setup Guide", res.Results[0].Title)
	require.Equal(t, "unit", res.Results[0].Source)
	require.Equal(t, "guides/setup.md", res.Results[0].DocPath)
	require.Equal(t, int64(0), res.Results[0].ChunkIndex)
}

func TestSyncCorpusLocalDir(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	writeDoc(t, dir, "cis/docker.md", "# Docker CIS\n\ndocker hardening notes")
	writeDoc(t, dir, "plain.txt", "plain text corpus entry")
	writeDoc(t, dir, "empty.md", "   ")
	writeDoc(t, dir, "image.png", "not a document")

	source, err := corpus.New(config.CorpusConfig{Type: "local", Data: map[string]interface{}{"dir": dir}})
	require.NoError(t, err)

	svc, store := newTestMemory(t, source, ServiceConfig{})
	res, err := svc.SyncCorpus(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, res.Documents)
	require.Equal(t, 2, res.Chunks)
	require.Zero(t, res.Failed)

	count, err := store.RowCount(ctx, "SecurityMemory")
	require.NoError(t, err)
	require.Equal(t, int64(2), count)

	res2, err := svc.Query(ctx, "docker hardening?", []string{"docker"}, 0)
	require.NoError(t, err)
	require.Len(t, res2.Results, 1)
	require.Contains(t, res2.Results[0].Source, "local:")
}

func TestSyncCorpusWithoutSource(t *testing.T) {
	svc, _ := newTestMemory(t, nil, ServiceConfig{})
	_, err := svc.SyncCorpus(context.Background())
	require.Error(t, err)
}

func TestMergeTagsDedupAndCap(t *testing.T) {
	merged := mergeTags([]string{"a1", "b2", "a1", " "}, []string{"b2", "c3"})
	require.Equal(t, []string{"a1", "b2", "c3"}, merged)

	many := make([]string, 40)
	for i := range many {
		many[i] = strings.Repeat("t", 2) + string(rune('a'+i%26)) + string(rune('a'+i/26))
	}
	require.Len(t, mergeTags(many, nil), 32)
}
