package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"time"

	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
)

type ollamaConfig struct {
	BaseURL     string  `json:"base_url"`
	Timeout     int     `json:"timeout"`
	Temperature float64 `json:"temperature"`
	NumCtx      int     `json:"num_ctx"`
	MaxRetries  int     `json:"max_retries"`
}

type ollamaProvider struct {
	baseURL     string
	client      *http.Client
	temperature float64
	numCtx      int
	maxRetries  int
}

func init() {
	Register("ollama", createOllamaProvider)
}

func createOllamaProvider(args interface{}) (IProvider, error) {
	cfg := &ollamaConfig{}
	if err := decodeConfig(args, cfg); err != nil {
		return nil, err
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "http://localhost:11434"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 180
	}
	if cfg.Temperature == 0 {
		cfg.Temperature = 0.2
	}
	if cfg.NumCtx <= 0 {
		cfg.NumCtx = 8192
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	return &ollamaProvider{
		baseURL:     strings.TrimSuffix(cfg.BaseURL, "/"),
		client:      &http.Client{Timeout: time.Duration(cfg.Timeout) * time.Second},
		temperature: cfg.Temperature,
		numCtx:      cfg.NumCtx,
		maxRetries:  cfg.MaxRetries,
	}, nil
}

func (p *ollamaProvider) Name() string {
	return "ollama"
}

type ollamaGenerateRequest struct {
	Model   string                 `json:"model"`
	Prompt  string                 `json:"prompt"`
	Stream  bool                   `json:"stream"`
	Options map[string]interface{} `json:"options,omitempty"`
}

type ollamaGenerateResponse struct {
	Response string `json:"response"`
}

func (p *ollamaProvider) Generate(ctx context.Context, model string, prompt string) (string, error) {
	req := ollamaGenerateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: false,
		Options: map[string]interface{}{
			"temperature": p.temperature,
			"num_ctx":     p.numCtx,
		},
	}
	var resp ollamaGenerateResponse
	if err := p.postJSON(ctx, "/api/generate", req, &resp); err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Response), nil
}

type ollamaEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (p *ollamaProvider) Embed(ctx context.Context, model string, texts []string, taskType string) ([][]float32, error) {
	req := ollamaEmbedRequest{Model: model, Input: texts}
	var resp ollamaEmbedResponse
	if err := p.postJSON(ctx, "/api/embed", req, &resp); err != nil {
		return nil, err
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(resp.Embeddings), len(texts))
	}
	return resp.Embeddings, nil
}

func (p *ollamaProvider) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+"/api/tags", nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", appErr.ErrModelUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping returned %d", appErr.ErrModelUnavailable, resp.StatusCode)
	}
	return nil
}

// postJSON retries transient failures with exponential backoff and jitter.
// 4xx responses other than 429 are not retried; context cancellation stops
// the loop immediately.
func (p *ollamaProvider) postJSON(ctx context.Context, path string, in interface{}, out interface{}) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(500*(1<<uint(attempt-1)))*time.Millisecond +
				time.Duration(rand.Int63n(int64(250*time.Millisecond)))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(backoff):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+path, bytes.NewReader(payload))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := p.client.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			continue
		}
		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}
		switch {
		case resp.StatusCode == http.StatusOK:
			if err := json.Unmarshal(body, out); err != nil {
				return fmt.Errorf("decode %s response: %w", path, err)
			}
			return nil
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			lastErr = fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, trimBody(body))
			continue
		default:
			return fmt.Errorf("%s returned %d: %s", path, resp.StatusCode, trimBody(body))
		}
	}
	return fmt.Errorf("%w: %v", appErr.ErrModelUnavailable, lastErr)
}

func trimBody(body []byte) string {
	s := strings.TrimSpace(string(body))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}
