package ai

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
)

type fakeEmbedder struct {
	dim   int
	calls int
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	f.calls++
	out := make([][]float32, 0, len(texts))
	for i := range texts {
		vec := make([]float32, f.dim)
		vec[0] = float32(i + 1)
		out = append(out, vec)
	}
	return out, nil
}

func (f *fakeEmbedder) ModelName() string {
	return "fake-embed"
}

type fakeGenerator struct {
	response string
	block    bool
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return f.response, nil
}

func TestManagerEmbedValidation(t *testing.T) {
	m := NewManager(&fakeEmbedder{dim: 4}, nil, ManagerConfig{EmbedDim: 4})

	_, err := m.Embed(context.Background(), nil, TaskTypeQuery)
	require.ErrorIs(t, err, appErr.ErrInvalid)

	_, err = m.Embed(context.Background(), []string{"ok", "   "}, TaskTypeQuery)
	require.ErrorIs(t, err, appErr.ErrInvalid)
}

func TestManagerEmbedOrderAndDim(t *testing.T) {
	m := NewManager(&fakeEmbedder{dim: 4}, nil, ManagerConfig{EmbedDim: 4})

	vectors, err := m.Embed(context.Background(), []string{"a", "b", "c"}, TaskTypeDocument)
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	for i, vec := range vectors {
		require.Len(t, vec, 4)
		require.Equal(t, float32(i+1), vec[0])
	}
}

func TestManagerEmbedDimContract(t *testing.T) {
	m := NewManager(&fakeEmbedder{dim: 8}, nil, ManagerConfig{EmbedDim: 4})

	_, err := m.Embed(context.Background(), []string{"a"}, TaskTypeQuery)
	require.ErrorIs(t, err, appErr.ErrDimensionMismatch)
}

func TestManagerGenerate(t *testing.T) {
	m := NewManager(nil, &fakeGenerator{response: "  an answer \n"}, ManagerConfig{})

	_, err := m.Generate(context.Background(), "  ")
	require.ErrorIs(t, err, appErr.ErrInvalid)

	text, err := m.Generate(context.Background(), "question")
	require.NoError(t, err)
	require.Equal(t, "an answer", text)
}

func TestManagerGenerateTimeout(t *testing.T) {
	m := NewManager(nil, &fakeGenerator{block: true}, ManagerConfig{GenerateTimeout: 1})

	_, err := m.Generate(context.Background(), "question")
	require.ErrorIs(t, err, appErr.ErrGenerationTimeout)
}

func TestManagerGenerateCallerCancel(t *testing.T) {
	m := NewManager(nil, &fakeGenerator{block: true}, ManagerConfig{GenerateTimeout: 60})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := m.Generate(ctx, "question")
	require.Error(t, err)
	require.NotErrorIs(t, err, appErr.ErrGenerationTimeout)
}

type errEmbedder struct{}

func (errEmbedder) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	return nil, fmt.Errorf("%w: model still loading", appErr.ErrModelUnavailable)
}

func (errEmbedder) ModelName() string { return "err-embed" }

func TestManagerEmbedPropagatesClass(t *testing.T) {
	m := NewManager(errEmbedder{}, nil, ManagerConfig{EmbedDim: 4})

	_, err := m.Embed(context.Background(), []string{"a"}, TaskTypeQuery)
	require.ErrorIs(t, err, appErr.ErrModelUnavailable)
}
