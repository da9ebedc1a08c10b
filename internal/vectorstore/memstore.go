package vectorstore

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"

	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
)

// memStore keeps collections in process memory with the same lifecycle
// rules as a remote vector store: search demands a loaded collection,
// load demands an index. Used for tests and single-box dev runs.
type memStore struct {
	mu          sync.RWMutex
	collections map[string]*memCollection
}

type memCollection struct {
	schema Schema
	index  *IndexSpec
	loaded bool
	nextID int64
	rows   []Row
}

func init() {
	Register("memory", createMemStore)
}

func createMemStore(args interface{}) (Store, error) {
	return NewMemory(), nil
}

func NewMemory() Store {
	return &memStore{collections: map[string]*memCollection{}}
}

func (s *memStore) Ping(ctx context.Context) error {
	return nil
}

func (s *memStore) HasCollection(ctx context.Context, name string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.collections[name]
	return ok, nil
}

func (s *memStore) CreateCollection(ctx context.Context, schema Schema) error {
	if schema.Dim <= 0 {
		return fmt.Errorf("%w: collection %s declares dim %d", appErr.ErrInvalid, schema.Name, schema.Dim)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.collections[schema.Name]; ok {
		return fmt.Errorf("collection %s already exists", schema.Name)
	}
	fields := make([]FieldSpec, len(schema.Fields))
	copy(fields, schema.Fields)
	schema.Fields = fields
	s.collections[schema.Name] = &memCollection{schema: schema, nextID: 1}
	return nil
}

func (s *memStore) DescribeCollection(ctx context.Context, name string) (*CollectionInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", appErr.ErrNotFound, name)
	}
	fields := make([]FieldSpec, len(col.schema.Fields))
	copy(fields, col.schema.Fields)
	return &CollectionInfo{
		Name:     name,
		Dim:      col.schema.Dim,
		AutoID:   col.schema.AutoID,
		Fields:   fields,
		HasIndex: col.index != nil,
		Loaded:   col.loaded,
	}, nil
}

func (s *memStore) CreateIndex(ctx context.Context, name string, spec IndexSpec) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: collection %s", appErr.ErrNotFound, name)
	}
	if col.index != nil {
		if col.index.Type != spec.Type || col.index.Metric != spec.Metric {
			return fmt.Errorf("%w: index %s/%s already present, requested %s/%s",
				appErr.ErrSchemaMismatch, col.index.Type, col.index.Metric, spec.Type, spec.Metric)
		}
		return nil
	}
	col.index = &spec
	return nil
}

func (s *memStore) LoadCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: collection %s", appErr.ErrNotFound, name)
	}
	if col.index == nil {
		return fmt.Errorf("collection %s has no index to load", name)
	}
	col.loaded = true
	return nil
}

func (s *memStore) ReleaseCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return fmt.Errorf("%w: collection %s", appErr.ErrNotFound, name)
	}
	col.loaded = false
	return nil
}

func (s *memStore) Insert(ctx context.Context, name string, rows []Row) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", appErr.ErrNotFound, name)
	}
	for i, row := range rows {
		if len(row.Vector) != col.schema.Dim {
			return nil, fmt.Errorf("%w: row %d has dim %d, collection %s wants %d",
				appErr.ErrDimensionMismatch, i, len(row.Vector), name, col.schema.Dim)
		}
	}
	ids := make([]int64, 0, len(rows))
	for _, row := range rows {
		stored := Row{
			ID:     row.ID,
			Vector: append([]float32(nil), row.Vector...),
			Fields: map[string]interface{}{},
		}
		for k, v := range row.Fields {
			stored.Fields[k] = v
		}
		if col.schema.AutoID {
			stored.ID = col.nextID
			col.nextID++
		}
		col.rows = append(col.rows, stored)
		ids = append(ids, stored.ID)
	}
	return ids, nil
}

func (s *memStore) Delete(ctx context.Context, name string, filter Filter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	col, ok := s.collections[name]
	if !ok {
		return 0, fmt.Errorf("%w: collection %s", appErr.ErrNotFound, name)
	}
	kept := col.rows[:0]
	var removed int64
	for _, row := range col.rows {
		if matchFilter(row, filter) {
			removed++
			continue
		}
		kept = append(kept, row)
	}
	col.rows = kept
	return removed, nil
}

func (s *memStore) Search(ctx context.Context, name string, vector []float32, topK int, filter Filter, params SearchParams) ([]Hit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return nil, fmt.Errorf("%w: collection %s", appErr.ErrNotFound, name)
	}
	if !col.loaded {
		return nil, fmt.Errorf("%w: %s", appErr.ErrCollectionNotLoaded, name)
	}
	if len(vector) != col.schema.Dim {
		return nil, fmt.Errorf("%w: query has dim %d, collection %s wants %d",
			appErr.ErrDimensionMismatch, len(vector), name, col.schema.Dim)
	}
	hits := make([]Hit, 0, len(col.rows))
	for _, row := range col.rows {
		if !matchFilter(row, filter) {
			continue
		}
		fields := map[string]interface{}{}
		for k, v := range row.Fields {
			fields[k] = v
		}
		hits = append(hits, Hit{ID: row.ID, Score: cosineSimilarity(vector, row.Vector), Fields: fields})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if topK > 0 && len(hits) > topK {
		hits = hits[:topK]
	}
	return hits, nil
}

func (s *memStore) Flush(ctx context.Context, name string) error {
	return nil
}

func (s *memStore) RowCount(ctx context.Context, name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	col, ok := s.collections[name]
	if !ok {
		return 0, fmt.Errorf("%w: collection %s", appErr.ErrNotFound, name)
	}
	return int64(len(col.rows)), nil
}

func (s *memStore) DropCollection(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.collections, name)
	return nil
}

func (s *memStore) Close() error {
	return nil
}

// matchFilter mirrors the LIKE-on-JSON translation the remote backends
// use: a tag matches when its quoted form appears in the tags field.
func matchFilter(row Row, filter Filter) bool {
	if filter.IsZero() {
		return true
	}
	if len(filter.TagsAll) > 0 {
		raw, _ := row.Fields["tags"].(string)
		for _, tag := range filter.TagsAll {
			if !strings.Contains(raw, `"`+tag+`"`) {
				return false
			}
		}
	}
	for field, want := range filter.Equals {
		got, ok := row.Fields[field]
		if !ok {
			return false
		}
		if !scalarEqual(got, want) {
			return false
		}
	}
	return true
}

func scalarEqual(got, want interface{}) bool {
	switch w := want.(type) {
	case string:
		g, ok := got.(string)
		return ok && g == w
	case int64:
		return asInt64(got) == w
	case int:
		return asInt64(got) == int64(w)
	}
	return false
}

func asInt64(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	}
	return math.MinInt64
}

func cosineSimilarity(a, b []float32) float32 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
