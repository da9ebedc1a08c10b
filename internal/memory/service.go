package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragserve/internal/ai"
	"github.com/xxxsen/ragserve/internal/collection"
	"github.com/xxxsen/ragserve/internal/corpus"
	"github.com/xxxsen/ragserve/internal/metrics"
	"github.com/xxxsen/ragserve/internal/model"
	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
	"github.com/xxxsen/ragserve/internal/rag"
	"github.com/xxxsen/ragserve/internal/vectorstore"
)

const (
	defaultTopK   = 6
	maxTopK       = 25
	minQueryChars = 2
	maxQueryChars = 5000
	maxTags       = 32
	maxTagChars   = 64
)

type ServiceConfig struct {
	Collection          string
	TopK                int
	ChunkSize           int
	ChunkOverlap        int
	IndexM              int
	IndexEfConstruction int
}

// Service maintains the secondary memory collection: chunked reference
// documents queried with tag conjunction filters. It never touches the
// primary document collection.
type Service struct {
	cfg       ServiceConfig
	store     vectorstore.Store
	manager   *collection.Manager
	retriever *rag.Retriever
	ai        *ai.Manager
	source    corpus.Source

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewService(cfg ServiceConfig, store vectorstore.Store, manager *collection.Manager, retriever *rag.Retriever, aiMgr *ai.Manager, source corpus.Source) *Service {
	if cfg.Collection == "" {
		cfg.Collection = "SecurityMemory"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = defaultTopK
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize
	}
	if cfg.ChunkOverlap <= 0 {
		cfg.ChunkOverlap = defaultChunkOverlap
	}
	if cfg.IndexM <= 0 {
		cfg.IndexM = 16
	}
	if cfg.IndexEfConstruction <= 0 {
		cfg.IndexEfConstruction = 200
	}
	return &Service{
		cfg:       cfg,
		store:     store,
		manager:   manager,
		retriever: retriever,
		ai:        aiMgr,
		source:    source,
		locks:     map[string]*sync.Mutex{},
	}
}

func (s *Service) Collection() string {
	return s.cfg.Collection
}

// Drop removes the memory collection and everything in it. Exposed for
// the CLI only.
func (s *Service) Drop(ctx context.Context) error {
	return s.manager.Drop(ctx, s.cfg.Collection)
}

func (s *Service) declaration() collection.Declaration {
	return collection.Declaration{
		Schema: vectorstore.Schema{
			Name:        s.cfg.Collection,
			Description: "Security memory corpus",
			Dim:         s.ai.EmbedDim(),
			AutoID:      true,
			Fields: []vectorstore.FieldSpec{
				{Name: "text", Type: vectorstore.FieldTypeVarChar, MaxLength: 65535},
				{Name: "title", Type: vectorstore.FieldTypeVarChar, MaxLength: 1024},
				{Name: "source", Type: vectorstore.FieldTypeVarChar, MaxLength: 512},
				{Name: "tags", Type: vectorstore.FieldTypeVarChar, MaxLength: 2048},
				{Name: "chunk_index", Type: vectorstore.FieldTypeInt64},
				{Name: "doc_path", Type: vectorstore.FieldTypeVarChar, MaxLength: 2048},
			},
		},
		Index: vectorstore.IndexSpec{
			Type:           "HNSW",
			Metric:         "COSINE",
			M:              s.cfg.IndexM,
			EfConstruction: s.cfg.IndexEfConstruction,
		},
	}
}

type QueryResult struct {
	Query      string              `json:"query"`
	Collection string              `json:"collection"`
	TopK       int                 `json:"top_k"`
	Results    []model.MemoryChunk `json:"results"`
}

// Query embeds the question and searches the memory collection. When tags
// are given, every tag must match; a chunk missing any one of them is
// excluded.
func (s *Service) Query(ctx context.Context, query string, tags []string, topK int) (*QueryResult, error) {
	n := utf8.RuneCountInString(strings.TrimSpace(query))
	if n < minQueryChars || n > maxQueryChars {
		return nil, fmt.Errorf("%w: query must be between %d and %d characters",
			appErr.ErrInvalid, minQueryChars, maxQueryChars)
	}
	if topK == 0 {
		topK = s.cfg.TopK
	}
	if topK < 1 || topK > maxTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", appErr.ErrInvalid, maxTopK)
	}
	filterTags := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if utf8.RuneCountInString(tag) > maxTagChars {
			return nil, fmt.Errorf("%w: tags must be at most %d characters", appErr.ErrInvalid, maxTagChars)
		}
		filterTags = append(filterTags, tag)
	}

	if err := s.manager.Ensure(ctx, s.declaration()); err != nil {
		metrics.MarkError(metrics.StageMemory)
		return nil, fmt.Errorf("ensure collection: %w", err)
	}

	embedStart := time.Now()
	vec, err := s.ai.EmbedOne(ctx, query, ai.TaskTypeQuery)
	if err != nil {
		metrics.MarkError(metrics.StageEmbed)
		return nil, fmt.Errorf("embed query: %w", err)
	}
	metrics.ObserveStage(metrics.StageEmbed, time.Since(embedStart))

	searchStart := time.Now()
	hits, err := s.retriever.Search(ctx, s.cfg.Collection, vec, topK, vectorstore.Filter{TagsAll: filterTags})
	if err != nil {
		metrics.MarkError(metrics.StageMemory)
		return nil, err
	}
	metrics.ObserveStage(metrics.StageSearch, time.Since(searchStart))

	results := make([]model.MemoryChunk, 0, len(hits))
	for _, h := range hits {
		results = append(results, model.MemoryChunk{
			Text:       h.StringField("text"),
			Title:      h.StringField("title"),
			Source:     h.StringField("source"),
			Tags:       decodeTags(h.StringField("tags")),
			Score:      h.Score,
			ChunkIndex: h.Int64Field("chunk_index"),
			DocPath:    h.StringField("doc_path"),
		})
	}
	return &QueryResult{Query: query, Collection: s.cfg.Collection, TopK: topK, Results: results}, nil
}

// Health reports reachability and row count. It never fails; problems show
// up as ok=false or a missing points count.
func (s *Service) Health(ctx context.Context) *model.MemoryHealth {
	h := &model.MemoryHealth{OK: true, Collection: s.cfg.Collection}
	if err := s.manager.Ping(ctx); err != nil {
		h.OK = false
	} else if has, err := s.store.HasCollection(ctx, s.cfg.Collection); err != nil {
		h.OK = false
	} else if has {
		if count, err := s.manager.Stats(ctx, s.cfg.Collection); err == nil {
			h.Points = &count
		}
	}
	if h.Points == nil || *h.Points == 0 {
		h.Note = "memory collection appears empty; run 'ragserve ingest' to sync the corpus"
	}
	return h
}

type IngestDocumentInput struct {
	DocPath string
	Content string
	Tags    []string
	Source  string
}

// IngestDocument chunks one document and upserts every chunk keyed by
// (doc_path, chunk_index). Re-ingesting replaces chunks 0..n-1 in place;
// stale chunks past the new count stay behind until the collection is
// rebuilt.
func (s *Service) IngestDocument(ctx context.Context, in IngestDocumentInput) (int, error) {
	docPath := strings.TrimSpace(in.DocPath)
	if docPath == "" {
		return 0, fmt.Errorf("%w: doc_path is required", appErr.ErrInvalid)
	}
	content := strings.TrimSpace(in.Content)
	if content == "" {
		return 0, fmt.Errorf("%w: content is required", appErr.ErrInvalid)
	}

	title := extractTitle(content)
	if title == "" {
		title = strings.TrimSuffix(filepath.Base(docPath), filepath.Ext(docPath))
	}
	tags := mergeTags(in.Tags, pathTags(docPath))
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("%w: encode tags: %v", appErr.ErrInternal, err)
	}

	start := time.Now()
	chunks := chunkText(content, s.cfg.ChunkSize, s.cfg.ChunkOverlap)
	vectors, err := s.ai.Embed(ctx, chunks, ai.TaskTypeDocument)
	if err != nil {
		metrics.MarkError(metrics.StageEmbed)
		return 0, fmt.Errorf("embed chunks: %w", err)
	}

	if err := s.manager.Ensure(ctx, s.declaration()); err != nil {
		metrics.MarkError(metrics.StageMemory)
		return 0, fmt.Errorf("ensure collection: %w", err)
	}

	lock := s.docLock(docPath)
	lock.Lock()
	defer lock.Unlock()

	for i, chunk := range chunks {
		key := vectorstore.Filter{Equals: map[string]interface{}{
			"doc_path":    docPath,
			"chunk_index": int64(i),
		}}
		if _, err := s.store.Delete(ctx, s.cfg.Collection, key); err != nil {
			metrics.MarkError(metrics.StageMemory)
			return 0, fmt.Errorf("replace chunk %d of %s: %w", i, docPath, err)
		}
		row := vectorstore.Row{
			Vector: vectors[i],
			Fields: map[string]interface{}{
				"text":        chunk,
				"title":       title,
				"source":      in.Source,
				"tags":        string(encodedTags),
				"chunk_index": int64(i),
				"doc_path":    docPath,
			},
		}
		if _, err := s.store.Insert(ctx, s.cfg.Collection, []vectorstore.Row{row}); err != nil {
			metrics.MarkError(metrics.StageMemory)
			return 0, fmt.Errorf("insert chunk %d of %s: %w", i, docPath, err)
		}
	}
	if err := s.store.Flush(ctx, s.cfg.Collection); err != nil {
		metrics.MarkError(metrics.StageMemory)
		return 0, fmt.Errorf("flush %s: %w", s.cfg.Collection, err)
	}

	logutil.GetLogger(ctx).Info("memory document ingested",
		zap.String("doc_path", docPath),
		zap.String("title", title),
		zap.Int("chunks", len(chunks)),
		zap.Int("tags", len(tags)),
		zap.Duration("cost", time.Since(start)))
	return len(chunks), nil
}

type SyncResult struct {
	Documents int
	Chunks    int
	Failed    int
}

// SyncCorpus walks the configured corpus source and ingests every
// document. A single broken document is logged and skipped so it cannot
// starve the rest of the corpus.
func (s *Service) SyncCorpus(ctx context.Context) (*SyncResult, error) {
	if s.source == nil {
		return nil, fmt.Errorf("no corpus source configured")
	}
	logger := logutil.GetLogger(ctx).With(zap.String("source", s.source.Name()))
	start := time.Now()
	res := &SyncResult{}
	err := s.source.Walk(ctx, func(path string, content []byte) error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		text := strings.TrimSpace(string(content))
		if text == "" {
			logger.Warn("skipping empty corpus document", zap.String("path", path))
			return nil
		}
		chunks, err := s.IngestDocument(ctx, IngestDocumentInput{
			DocPath: path,
			Content: text,
			Source:  s.source.Name(),
		})
		if err != nil {
			res.Failed++
			logger.Error("corpus document rejected", zap.String("path", path), zap.Error(err))
			return nil
		}
		res.Documents++
		res.Chunks += chunks
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("walk corpus: %w", err)
	}
	logger.Info("corpus sync finished",
		zap.Int("documents", res.Documents),
		zap.Int("chunks", res.Chunks),
		zap.Int("failed", res.Failed),
		zap.Duration("cost", time.Since(start)))
	return res, nil
}

func (s *Service) docLock(docPath string) *sync.Mutex {
	key := s.cfg.Collection + "|" + docPath
	s.mu.Lock()
	defer s.mu.Unlock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}

func mergeTags(explicit []string, derived []string) []string {
	seen := map[string]struct{}{}
	merged := make([]string, 0, len(explicit)+len(derived))
	for _, tag := range append(append([]string{}, explicit...), derived...) {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		merged = append(merged, tag)
		if len(merged) == maxTags {
			break
		}
	}
	return merged
}

func decodeTags(raw string) []string {
	if raw == "" {
		return []string{}
	}
	var tags []string
	if err := json.Unmarshal([]byte(raw), &tags); err != nil || tags == nil {
		return []string{}
	}
	return tags
}
