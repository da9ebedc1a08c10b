package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, `{
		"port": 8000,
		"vector_store": {"provider": "memory"},
		"ai": {
			"providers": [{"provider": "ollama", "data": {"base_url": "http://localhost:11434"}}],
			"embed_model": "nomic-embed-text",
			"generate_model": "llama3.1"
		}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "info", cfg.LogConfig.Level)
	require.Equal(t, 768, cfg.AI.EmbedDim)
	require.Equal(t, 60, cfg.AI.EmbedTimeout)
	require.Equal(t, 120, cfg.AI.GenerateTimeout)
	require.Equal(t, "LabDoc", cfg.RAG.Collection)
	require.Equal(t, 4, cfg.RAG.TopK)
	require.Equal(t, 800, cfg.RAG.MaxSourceChars)
	require.Equal(t, 4, cfg.RAG.EfFactor)
	require.Equal(t, 64, cfg.RAG.EfFloor)
	require.Equal(t, 16, cfg.RAG.Index.M)
	require.Equal(t, 200, cfg.RAG.Index.EfConstruction)
	require.Equal(t, "SecurityMemory", cfg.Memory.Collection)
	require.Equal(t, 6, cfg.Memory.TopK)
	require.Equal(t, 800, cfg.Memory.ChunkSize)
	require.Equal(t, 200, cfg.Memory.ChunkOverlap)
}

func TestLoadRequiredFields(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing port",
			body: `{"vector_store": {"provider": "memory"}}`,
			want: "port is required",
		},
		{
			name: "missing vector store",
			body: `{"port": 8000}`,
			want: "vector_store.provider is required",
		},
		{
			name: "missing ai providers",
			body: `{"port": 8000, "vector_store": {"provider": "memory"}}`,
			want: "ai.providers is required",
		},
		{
			name: "provider without name",
			body: `{"port": 8000, "vector_store": {"provider": "memory"},
				"ai": {"providers": [{"data": {}}], "embed_model": "m", "generate_model": "g"}}`,
			want: "ai.providers[0].provider is required",
		},
		{
			name: "missing embed model",
			body: `{"port": 8000, "vector_store": {"provider": "memory"},
				"ai": {"providers": [{"provider": "ollama"}], "generate_model": "g"}}`,
			want: "ai.embed_model is required",
		},
		{
			name: "bad corpus type",
			body: `{"port": 8000, "vector_store": {"provider": "memory"},
				"ai": {"providers": [{"provider": "ollama"}], "embed_model": "m", "generate_model": "g"},
				"memory": {"corpus": {"type": "ftp"}}}`,
			want: "memory.corpus.type must be local or s3",
		},
		{
			name: "cron without corpus",
			body: `{"port": 8000, "vector_store": {"provider": "memory"},
				"ai": {"providers": [{"provider": "ollama"}], "embed_model": "m", "generate_model": "g"},
				"memory": {"sync_cron": "0 3 * * *"}}`,
			want: "memory.sync_cron requires memory.corpus",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.json"))
	require.Error(t, err)
}
