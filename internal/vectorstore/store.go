package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xxxsen/ragserve/internal/config"
)

type FieldType string

const (
	FieldTypeVarChar FieldType = "varchar"
	FieldTypeInt64   FieldType = "int64"
)

// FieldSpec describes one scalar field besides the implicit id and
// embedding fields every collection carries.
type FieldSpec struct {
	Name      string
	Type      FieldType
	MaxLength int
}

type Schema struct {
	Name        string
	Description string
	Dim         int
	AutoID      bool
	Fields      []FieldSpec
}

func (s Schema) Field(name string) (FieldSpec, bool) {
	for _, f := range s.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return FieldSpec{}, false
}

type IndexSpec struct {
	Type           string
	Metric         string
	M              int
	EfConstruction int
}

type Row struct {
	ID     int64
	Vector []float32
	Fields map[string]interface{}
}

type Hit struct {
	ID     int64
	Score  float32
	Fields map[string]interface{}
}

func (h Hit) StringField(name string) string {
	v, ok := h.Fields[name]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (h Hit) Int64Field(name string) int64 {
	v, ok := h.Fields[name]
	if !ok {
		return 0
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return 0
}

// Filter is the structured predicate shared by all backends. TagsAll is a
// conjunction: every listed tag must appear in the JSON-encoded tags field.
// Equals matches scalar fields exactly; values are strings or integers.
// Translation to backend syntax happens inside each adapter, nowhere else.
type Filter struct {
	TagsAll []string
	Equals  map[string]interface{}
}

func (f Filter) IsZero() bool {
	return len(f.TagsAll) == 0 && len(f.Equals) == 0
}

type SearchParams struct {
	Ef int
}

type CollectionInfo struct {
	Name     string
	Dim      int
	AutoID   bool
	Fields   []FieldSpec
	HasIndex bool
	Loaded   bool
}

type Store interface {
	Ping(ctx context.Context) error
	HasCollection(ctx context.Context, name string) (bool, error)
	CreateCollection(ctx context.Context, schema Schema) error
	DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error)
	CreateIndex(ctx context.Context, name string, spec IndexSpec) error
	LoadCollection(ctx context.Context, name string) error
	ReleaseCollection(ctx context.Context, name string) error
	Insert(ctx context.Context, name string, rows []Row) ([]int64, error)
	Delete(ctx context.Context, name string, filter Filter) (int64, error)
	Search(ctx context.Context, name string, vector []float32, topK int, filter Filter, params SearchParams) ([]Hit, error)
	Flush(ctx context.Context, name string) error
	RowCount(ctx context.Context, name string) (int64, error)
	DropCollection(ctx context.Context, name string) error
	Close() error
}

type Factory func(args interface{}) (Store, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

func Register(name string, factory Factory) {
	key := strings.ToLower(strings.TrimSpace(name))
	if key == "" || factory == nil {
		return
	}
	registryMu.Lock()
	registry[key] = factory
	registryMu.Unlock()
}

func New(cfg config.VectorStoreConfig) (Store, error) {
	key := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if key == "" {
		return nil, fmt.Errorf("vector_store.provider is required")
	}
	registryMu.RLock()
	factory := registry[key]
	registryMu.RUnlock()
	if factory == nil {
		return nil, fmt.Errorf("unsupported vector store provider: %s", cfg.Provider)
	}
	return factory(cfg.Data)
}

func decodeConfig(args interface{}, dst interface{}) error {
	if args == nil {
		args = map[string]interface{}{}
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("encode store config: %w", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("decode store config: %w", err)
	}
	return nil
}
