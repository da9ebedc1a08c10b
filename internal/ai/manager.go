package ai

import (
	"context"
	"fmt"
	"strings"
	"time"

	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
)

type ManagerConfig struct {
	EmbedDim        int
	EmbedTimeout    int
	GenerateTimeout int
}

// Manager fronts the model service for the rest of the process. It
// validates inputs before any network call, applies per-stage time
// budgets and enforces the embedding dimension contract: every vector
// that leaves here has exactly the declared dimension.
type Manager struct {
	embedder  IEmbedder
	generator IGenerator
	cfg       ManagerConfig
}

func NewManager(embedder IEmbedder, generator IGenerator, cfg ManagerConfig) *Manager {
	if cfg.EmbedTimeout <= 0 {
		cfg.EmbedTimeout = 60
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 120
	}
	return &Manager{embedder: embedder, generator: generator, cfg: cfg}
}

func (m *Manager) EmbedDim() int {
	return m.cfg.EmbedDim
}

func (m *Manager) EmbedModelName() string {
	if m.embedder == nil {
		return ""
	}
	return m.embedder.ModelName()
}

func (m *Manager) Embed(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if m.embedder == nil {
		return nil, fmt.Errorf("embedder not configured")
	}
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: no texts to embed", appErr.ErrInvalid)
	}
	for i, text := range texts {
		if strings.TrimSpace(text) == "" {
			return nil, fmt.Errorf("%w: empty text at index %d", appErr.ErrInvalid, i)
		}
	}

	budget := time.Duration(m.cfg.EmbedTimeout) * time.Second
	stageCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	vectors, err := m.embedder.Embed(stageCtx, texts, taskType)
	if err != nil {
		if stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return nil, fmt.Errorf("%w: embedding exceeded %s", appErr.ErrModelUnavailable, budget)
		}
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d inputs", len(vectors), len(texts))
	}
	if m.cfg.EmbedDim > 0 {
		for i, vec := range vectors {
			if len(vec) != m.cfg.EmbedDim {
				return nil, fmt.Errorf("%w: vector %d has dim %d, model contract is %d",
					appErr.ErrDimensionMismatch, i, len(vec), m.cfg.EmbedDim)
			}
		}
	}
	return vectors, nil
}

// EmbedOne is the single-text convenience used by query paths.
func (m *Manager) EmbedOne(ctx context.Context, text string, taskType string) ([]float32, error) {
	vectors, err := m.Embed(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (m *Manager) Generate(ctx context.Context, prompt string) (string, error) {
	if m.generator == nil {
		return "", fmt.Errorf("generator not configured")
	}
	if strings.TrimSpace(prompt) == "" {
		return "", fmt.Errorf("%w: empty prompt", appErr.ErrInvalid)
	}

	budget := time.Duration(m.cfg.GenerateTimeout) * time.Second
	stageCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()

	resp, err := m.generator.Generate(stageCtx, prompt)
	if err != nil {
		if stageCtx.Err() == context.DeadlineExceeded && ctx.Err() == nil {
			return "", fmt.Errorf("%w: budget %s exhausted", appErr.ErrGenerationTimeout, budget)
		}
		return "", err
	}
	text := strings.TrimSpace(resp)
	if text == "" {
		return "", fmt.Errorf("empty model response")
	}
	return text, nil
}
