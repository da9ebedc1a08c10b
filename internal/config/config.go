package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xxxsen/common/logger"
)

type Config struct {
	Port        int               `json:"port"`
	CORSOrigins []string          `json:"cors_origins"`
	RateLimitMS int               `json:"rate_limit_ms"`
	LogConfig   logger.LogConfig  `json:"log_config"`
	VectorStore VectorStoreConfig `json:"vector_store"`
	AI          AIConfig          `json:"ai"`
	RAG         RAGConfig         `json:"rag"`
	Memory      MemoryConfig      `json:"memory"`
}

// VectorStoreConfig selects a backend adapter by name; Data carries the
// adapter-specific settings and is decoded by the adapter itself.
type VectorStoreConfig struct {
	Provider string      `json:"provider"`
	Data     interface{} `json:"data"`
}

type AIProviderConfig struct {
	Provider string      `json:"provider"`
	Data     interface{} `json:"data"`
}

type AIConfig struct {
	// Providers are tried in order; the first that answers wins. One
	// entry is the common case, a hosted fallback behind a local model
	// is why it is a list.
	Providers       []AIProviderConfig `json:"providers"`
	EmbedModel      string             `json:"embed_model"`
	GenerateModel   string             `json:"generate_model"`
	EmbedDim        int                `json:"embed_dim"`
	EmbedTimeout    int                `json:"embed_timeout"`
	GenerateTimeout int                `json:"generate_timeout"`
	CacheSize       int                `json:"cache_size"`
	CacheTTLMinutes int                `json:"cache_ttl_minutes"`
}

type IndexConfig struct {
	M              int `json:"m"`
	EfConstruction int `json:"ef_construction"`
}

type RAGConfig struct {
	Collection      string      `json:"collection"`
	TopK            int         `json:"top_k"`
	MaxSourceChars  int         `json:"max_source_chars"`
	EfFactor        int         `json:"ef_factor"`
	EfFloor         int         `json:"ef_floor"`
	RetrieveTimeout int         `json:"retrieve_timeout"`
	TotalTimeout    int         `json:"total_timeout"`
	Index           IndexConfig `json:"index"`
}

type CorpusConfig struct {
	Type string      `json:"type"`
	Data interface{} `json:"data"`
}

type MemoryConfig struct {
	Collection   string       `json:"collection"`
	TopK         int          `json:"top_k"`
	ChunkSize    int          `json:"chunk_size"`
	ChunkOverlap int          `json:"chunk_overlap"`
	SyncCron     string       `json:"sync_cron"`
	Corpus       CorpusConfig `json:"corpus"`
	Index        IndexConfig  `json:"index"`
}

func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	var cfg Config
	if err := json.NewDecoder(file).Decode(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if cfg.Port == 0 {
		return nil, fmt.Errorf("port is required")
	}
	if cfg.LogConfig.Level == "" {
		cfg.LogConfig.Level = "info"
	}
	if cfg.VectorStore.Provider == "" {
		return nil, fmt.Errorf("vector_store.provider is required")
	}
	if len(cfg.AI.Providers) == 0 {
		return nil, fmt.Errorf("ai.providers is required")
	}
	for i, p := range cfg.AI.Providers {
		if p.Provider == "" {
			return nil, fmt.Errorf("ai.providers[%d].provider is required", i)
		}
	}
	if cfg.AI.EmbedModel == "" {
		return nil, fmt.Errorf("ai.embed_model is required")
	}
	if cfg.AI.GenerateModel == "" {
		return nil, fmt.Errorf("ai.generate_model is required")
	}
	if cfg.AI.EmbedDim == 0 {
		cfg.AI.EmbedDim = 768
	}
	if cfg.AI.EmbedTimeout == 0 {
		cfg.AI.EmbedTimeout = 60
	}
	if cfg.AI.GenerateTimeout == 0 {
		cfg.AI.GenerateTimeout = 120
	}
	if cfg.AI.CacheSize == 0 {
		cfg.AI.CacheSize = 4096
	}
	if cfg.AI.CacheTTLMinutes == 0 {
		cfg.AI.CacheTTLMinutes = 120
	}
	applyRAGDefaults(&cfg.RAG)
	applyMemoryDefaults(&cfg.Memory)
	switch cfg.Memory.Corpus.Type {
	case "", "local", "s3":
	default:
		return nil, fmt.Errorf("memory.corpus.type must be local or s3")
	}
	if cfg.Memory.SyncCron != "" && cfg.Memory.Corpus.Type == "" {
		return nil, fmt.Errorf("memory.sync_cron requires memory.corpus")
	}
	return &cfg, nil
}

func applyRAGDefaults(cfg *RAGConfig) {
	if cfg.Collection == "" {
		cfg.Collection = "LabDoc"
	}
	if cfg.TopK == 0 {
		cfg.TopK = 4
	}
	if cfg.MaxSourceChars == 0 {
		cfg.MaxSourceChars = 800
	}
	if cfg.EfFactor == 0 {
		cfg.EfFactor = 4
	}
	if cfg.EfFloor == 0 {
		cfg.EfFloor = 64
	}
	if cfg.RetrieveTimeout == 0 {
		cfg.RetrieveTimeout = 10
	}
	if cfg.TotalTimeout == 0 {
		cfg.TotalTimeout = 180
	}
	applyIndexDefaults(&cfg.Index)
}

func applyMemoryDefaults(cfg *MemoryConfig) {
	if cfg.Collection == "" {
		cfg.Collection = "SecurityMemory"
	}
	if cfg.TopK == 0 {
		cfg.TopK = 6
	}
	if cfg.ChunkSize == 0 {
		cfg.ChunkSize = 800
	}
	if cfg.ChunkOverlap == 0 {
		cfg.ChunkOverlap = 200
	}
	applyIndexDefaults(&cfg.Index)
}

func applyIndexDefaults(cfg *IndexConfig) {
	if cfg.M == 0 {
		cfg.M = 16
	}
	if cfg.EfConstruction == 0 {
		cfg.EfConstruction = 200
	}
}
