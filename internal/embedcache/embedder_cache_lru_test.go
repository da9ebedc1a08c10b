package embedcache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/xxxsen/ragserve/internal/ai"
)

type recordingEmbedder struct {
	calls   int
	batches [][]string
}

func (r *recordingEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	r.calls++
	r.batches = append(r.batches, append([]string(nil), texts...))
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		out = append(out, []float32{float32(len(text)), 1})
	}
	return out, nil
}

func (r *recordingEmbedder) ModelName() string {
	return "test-model"
}

func TestLruEmbedderPartialHit(t *testing.T) {
	upstream := &recordingEmbedder{}
	cached := WrapLruCacheToEmbedder(upstream, 16, time.Minute)
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"a", "bb"}, ai.TaskTypeDocument)
	require.NoError(t, err)
	require.Equal(t, 1, upstream.calls)
	require.Equal(t, []float32{1, 1}, first[0])
	require.Equal(t, []float32{2, 1}, first[1])

	// "bb" is cached; only "ccc" travels upstream, order is preserved
	second, err := cached.Embed(ctx, []string{"bb", "ccc"}, ai.TaskTypeDocument)
	require.NoError(t, err)
	require.Equal(t, 2, upstream.calls)
	require.Equal(t, []string{"ccc"}, upstream.batches[1])
	require.Equal(t, []float32{2, 1}, second[0])
	require.Equal(t, []float32{3, 1}, second[1])

	// full hit makes no upstream call
	_, err = cached.Embed(ctx, []string{"a", "bb", "ccc"}, ai.TaskTypeDocument)
	require.NoError(t, err)
	require.Equal(t, 2, upstream.calls)
}

func TestLruEmbedderDefensiveCopies(t *testing.T) {
	upstream := &recordingEmbedder{}
	cached := WrapLruCacheToEmbedder(upstream, 16, time.Minute)
	ctx := context.Background()

	first, err := cached.Embed(ctx, []string{"abc"}, ai.TaskTypeQuery)
	require.NoError(t, err)
	first[0][0] = -99

	again, err := cached.Embed(ctx, []string{"abc"}, ai.TaskTypeQuery)
	require.NoError(t, err)
	require.Equal(t, 1, upstream.calls)
	require.Equal(t, float32(3), again[0][0], "cache entry must not share memory with callers")
}

func TestLruEmbedderTaskTypeIsolation(t *testing.T) {
	upstream := &recordingEmbedder{}
	cached := WrapLruCacheToEmbedder(upstream, 16, time.Minute)
	ctx := context.Background()

	_, err := cached.Embed(ctx, []string{"same"}, ai.TaskTypeDocument)
	require.NoError(t, err)
	_, err = cached.Embed(ctx, []string{"same"}, ai.TaskTypeQuery)
	require.NoError(t, err)
	require.Equal(t, 2, upstream.calls, "task types must not share cache entries")
}

func TestWrapLruCacheDisabled(t *testing.T) {
	upstream := &recordingEmbedder{}
	require.Equal(t, ai.IEmbedder(upstream), WrapLruCacheToEmbedder(upstream, 0, time.Minute))
	require.Equal(t, ai.IEmbedder(upstream), WrapLruCacheToEmbedder(upstream, 16, 0))
}
