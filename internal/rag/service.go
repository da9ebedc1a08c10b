package rag

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragserve/internal/ai"
	"github.com/xxxsen/ragserve/internal/collection"
	"github.com/xxxsen/ragserve/internal/metrics"
	"github.com/xxxsen/ragserve/internal/model"
	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
	"github.com/xxxsen/ragserve/internal/vectorstore"
)

const (
	maxTitleChars       = 200
	maxURLChars         = 2048
	maxSourceFieldChars = 200
	maxDateChars        = 30
	maxTextChars        = 30000
	maxTags             = 32
	maxTagChars         = 64
	minMessageChars     = 2
	maxMessageChars     = 2000
	maxRetrievalTopK    = 100
)

type ServiceConfig struct {
	Collection          string
	TopK                int
	MaxSourceChars      int
	RetrieveTimeout     time.Duration
	TotalTimeout        time.Duration
	IndexM              int
	IndexEfConstruction int
}

// Service owns the document pipeline: ingest into the primary collection
// and answer questions over it. Every stage runs sequentially inside the
// request; nothing is batched across requests.
type Service struct {
	cfg       ServiceConfig
	store     vectorstore.Store
	manager   *collection.Manager
	retriever *Retriever
	ai        *ai.Manager
}

func NewService(cfg ServiceConfig, store vectorstore.Store, manager *collection.Manager, retriever *Retriever, aiMgr *ai.Manager) *Service {
	if cfg.Collection == "" {
		cfg.Collection = "LabDoc"
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 4
	}
	if cfg.MaxSourceChars <= 0 {
		cfg.MaxSourceChars = 800
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = 10 * time.Second
	}
	if cfg.TotalTimeout <= 0 {
		cfg.TotalTimeout = 180 * time.Second
	}
	if cfg.IndexM <= 0 {
		cfg.IndexM = 16
	}
	if cfg.IndexEfConstruction <= 0 {
		cfg.IndexEfConstruction = 200
	}
	return &Service{cfg: cfg, store: store, manager: manager, retriever: retriever, ai: aiMgr}
}

func (s *Service) Collection() string {
	return s.cfg.Collection
}

func (s *Service) declaration() collection.Declaration {
	return collection.Declaration{
		Schema: vectorstore.Schema{
			Name:        s.cfg.Collection,
			Description: "RAG lab document collection",
			Dim:         s.ai.EmbedDim(),
			AutoID:      false,
			Fields: []vectorstore.FieldSpec{
				{Name: "text", Type: vectorstore.FieldTypeVarChar, MaxLength: 65535},
				{Name: "title", Type: vectorstore.FieldTypeVarChar, MaxLength: 1024},
				{Name: "url", Type: vectorstore.FieldTypeVarChar, MaxLength: 2048},
				{Name: "source", Type: vectorstore.FieldTypeVarChar, MaxLength: 512},
				{Name: "published_date", Type: vectorstore.FieldTypeVarChar, MaxLength: 64},
				{Name: "tags", Type: vectorstore.FieldTypeVarChar, MaxLength: 2048},
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

// EnsureReady creates, indexes and loads the primary collection if needed.
// Called at startup and again lazily on each request path.
func (s *Service) EnsureReady(ctx context.Context) error {
	return s.manager.Ensure(ctx, s.declaration())
}

func (s *Service) Ping(ctx context.Context) error {
	return s.manager.Ping(ctx)
}

func (s *Service) DocumentCount(ctx context.Context) (int64, error) {
	return s.manager.Stats(ctx, s.cfg.Collection)
}

// Drop removes the primary collection and everything in it. Exposed for
// the CLI only.
func (s *Service) Drop(ctx context.Context) error {
	return s.manager.Drop(ctx, s.cfg.Collection)
}

type IngestInput struct {
	Title         string
	URL           string
	Source        string
	PublishedDate string
	Text          string
	Tags          []string
}

// Ingest validates, embeds and stores one document, returning its id.
// The id is minted here rather than by the store so the caller can
// reference the document immediately after the flush returns.
func (s *Service) Ingest(ctx context.Context, in IngestInput) (int64, error) {
	if err := validateIngest(in); err != nil {
		return 0, err
	}
	start := time.Now()
	if err := s.EnsureReady(ctx); err != nil {
		metrics.MarkError(metrics.StageIngest)
		return 0, fmt.Errorf("ensure collection: %w", err)
	}

	embedStart := time.Now()
	vec, err := s.ai.EmbedOne(ctx, in.Text, ai.TaskTypeDocument)
	if err != nil {
		metrics.MarkError(metrics.StageEmbed)
		return 0, fmt.Errorf("embed stage: %w", err)
	}
	metrics.ObserveStage(metrics.StageEmbed, time.Since(embedStart))

	tags := in.Tags
	if tags == nil {
		tags = []string{}
	}
	encodedTags, err := json.Marshal(tags)
	if err != nil {
		return 0, fmt.Errorf("%w: encode tags: %v", appErr.ErrInternal, err)
	}

	id := newDocID()
	row := vectorstore.Row{
		ID:     id,
		Vector: vec,
		Fields: map[string]interface{}{
			"text":           in.Text,
			"title":          in.Title,
			"url":            in.URL,
			"source":         in.Source,
			"published_date": in.PublishedDate,
			"tags":           string(encodedTags),
		},
	}
	if _, err := s.store.Insert(ctx, s.cfg.Collection, []vectorstore.Row{row}); err != nil {
		metrics.MarkError(metrics.StageIngest)
		return 0, fmt.Errorf("store stage: %w", err)
	}
	if err := s.store.Flush(ctx, s.cfg.Collection); err != nil {
		metrics.MarkError(metrics.StageIngest)
		return 0, fmt.Errorf("store stage: flush: %w", err)
	}

	metrics.MarkIngest()
	logutil.GetLogger(ctx).Info("document ingested",
		zap.Int64("id", id),
		zap.String("collection", s.cfg.Collection),
		zap.Int("text_chars", utf8.RuneCountInString(in.Text)),
		zap.Int("tags", len(tags)),
		zap.Duration("cost", time.Since(start)))
	return id, nil
}

type Timings struct {
	EmbedMS    int64 `json:"embed"`
	SearchMS   int64 `json:"search"`
	PromptMS   int64 `json:"prompt"`
	GenerateMS int64 `json:"generate"`
	TotalMS    int64 `json:"total"`
}

type ChatResult struct {
	Answer      string
	DetailLevel DetailLevel
	Sources     []model.Source
	Timings     Timings
	PromptChars int
}

// Chat answers a question grounded in retrieved documents. A retrieval
// failure aborts the request; the model is never asked to answer from an
// empty context unless the collection genuinely returned nothing.
func (s *Service) Chat(ctx context.Context, message string, detailLevel string) (*ChatResult, error) {
	if err := validateMessage(message); err != nil {
		return nil, err
	}
	level, err := s.resolveDetailLevel(message, detailLevel)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TotalTimeout)
	defer cancel()
	start := time.Now()

	sources, timings, err := s.retrieveSources(ctx, message, s.cfg.TopK)
	if err != nil {
		return nil, err
	}

	promptStart := time.Now()
	prompt := BuildPrompt(message, sources, level, s.cfg.MaxSourceChars)
	timings.PromptMS = time.Since(promptStart).Milliseconds()

	genStart := time.Now()
	answer, err := s.ai.Generate(ctx, prompt)
	if err != nil {
		metrics.MarkError(metrics.StageGenerate)
		if !errors.Is(err, appErr.ErrGenerationTimeout) && errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("generation timed out: %w", err)
		}
		return nil, fmt.Errorf("generate stage: %w", err)
	}
	timings.GenerateMS = time.Since(genStart).Milliseconds()
	metrics.ObserveStage(metrics.StageGenerate, time.Since(genStart))
	timings.TotalMS = time.Since(start).Milliseconds()

	promptChars := utf8.RuneCountInString(prompt)
	metrics.MarkChat()
	logutil.GetLogger(ctx).Info("chat answered",
		zap.String("detail_level", string(level)),
		zap.Int("sources", len(sources)),
		zap.Int("prompt_chars", promptChars),
		zap.Duration("cost", time.Since(start)))
	return &ChatResult{
		Answer:      answer,
		DetailLevel: level,
		Sources:     sources,
		Timings:     timings,
		PromptChars: promptChars,
	}, nil
}

// Retrieve runs the retrieval half of the pipeline only. Debug surface.
func (s *Service) Retrieve(ctx context.Context, query string, topK int) ([]model.Source, error) {
	if err := validateMessage(query); err != nil {
		return nil, err
	}
	if topK == 0 {
		topK = s.cfg.TopK
	}
	if topK < 1 || topK > maxRetrievalTopK {
		return nil, fmt.Errorf("%w: top_k must be between 1 and %d", appErr.ErrInvalid, maxRetrievalTopK)
	}
	sources, _, err := s.retrieveSources(ctx, query, topK)
	return sources, err
}

type PromptResult struct {
	Prompt      string
	DetailLevel DetailLevel
	Sources     []model.Source
}

// Prompt assembles the grounded prompt without calling the model. Debug
// surface for inspecting what the generator would actually see.
func (s *Service) Prompt(ctx context.Context, message string, detailLevel string) (*PromptResult, error) {
	if err := validateMessage(message); err != nil {
		return nil, err
	}
	level, err := s.resolveDetailLevel(message, detailLevel)
	if err != nil {
		return nil, err
	}
	sources, _, err := s.retrieveSources(ctx, message, s.cfg.TopK)
	if err != nil {
		return nil, err
	}
	return &PromptResult{
		Prompt:      BuildPrompt(message, sources, level, s.cfg.MaxSourceChars),
		DetailLevel: level,
		Sources:     sources,
	}, nil
}

// Generate bypasses retrieval entirely. Debug surface.
func (s *Service) Generate(ctx context.Context, prompt string) (string, error) {
	if err := validateMessage(prompt); err != nil {
		return "", err
	}
	answer, err := s.ai.Generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("generate stage: %w", err)
	}
	return answer, nil
}

func (s *Service) retrieveSources(ctx context.Context, query string, topK int) ([]model.Source, Timings, error) {
	var timings Timings
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RetrieveTimeout)
	defer cancel()

	if err := s.manager.Ensure(rctx, s.declaration()); err != nil {
		metrics.MarkError(metrics.StageSearch)
		return nil, timings, fmt.Errorf("ensure collection: %w", err)
	}

	embedStart := time.Now()
	vec, err := s.ai.EmbedOne(rctx, query, ai.TaskTypeQuery)
	if err != nil {
		metrics.MarkError(metrics.StageEmbed)
		return nil, timings, retrievalErr(err)
	}
	timings.EmbedMS = time.Since(embedStart).Milliseconds()
	metrics.ObserveStage(metrics.StageEmbed, time.Since(embedStart))

	searchStart := time.Now()
	hits, err := s.retriever.Search(rctx, s.cfg.Collection, vec, topK, vectorstore.Filter{})
	if err != nil {
		metrics.MarkError(metrics.StageSearch)
		return nil, timings, retrievalErr(err)
	}
	timings.SearchMS = time.Since(searchStart).Milliseconds()
	metrics.ObserveStage(metrics.StageSearch, time.Since(searchStart))

	return s.hitsToSources(hits), timings, nil
}

// retrievalErr keeps the deadline class visible so handlers can map a
// blown retrieval budget to a timeout code instead of a generic failure.
func retrievalErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("retrieval timed out: %w", err)
	}
	return fmt.Errorf("retrieve stage: %w", err)
}

func (s *Service) hitsToSources(hits []vectorstore.Hit) []model.Source {
	sources := make([]model.Source, 0, len(hits))
	for _, h := range hits {
		sources = append(sources, model.Source{
			Title:   h.StringField("title"),
			URL:     h.StringField("url"),
			Score:   h.Score,
			Snippet: clipRunes(h.StringField("text"), s.cfg.MaxSourceChars),
		})
	}
	return sources
}

func (s *Service) resolveDetailLevel(message string, raw string) (DetailLevel, error) {
	if strings.TrimSpace(raw) == "" {
		return ClassifyDetailLevel(message), nil
	}
	level, ok := ParseDetailLevel(raw)
	if !ok {
		return "", fmt.Errorf("%w: detail_level must be one of basic, standard, advanced", appErr.ErrInvalid)
	}
	return level, nil
}

// newDocID mints a positive int64 primary key from a random uuid.
func newDocID() int64 {
	id := uuid.New()
	return int64(binary.BigEndian.Uint64(id[:8]) & math.MaxInt64)
}

func validateIngest(in IngestInput) error {
	if strings.TrimSpace(in.Text) == "" {
		return fmt.Errorf("%w: text is required", appErr.ErrInvalid)
	}
	if utf8.RuneCountInString(in.Text) > maxTextChars {
		return fmt.Errorf("%w: text must be at most %d characters", appErr.ErrInvalid, maxTextChars)
	}
	if utf8.RuneCountInString(in.Title) > maxTitleChars {
		return fmt.Errorf("%w: title must be at most %d characters", appErr.ErrInvalid, maxTitleChars)
	}
	if utf8.RuneCountInString(in.URL) > maxURLChars {
		return fmt.Errorf("%w: url must be at most %d characters", appErr.ErrInvalid, maxURLChars)
	}
	if utf8.RuneCountInString(in.Source) > maxSourceFieldChars {
		return fmt.Errorf("%w: source must be at most %d characters", appErr.ErrInvalid, maxSourceFieldChars)
	}
	if utf8.RuneCountInString(in.PublishedDate) > maxDateChars {
		return fmt.Errorf("%w: published_date must be at most %d characters", appErr.ErrInvalid, maxDateChars)
	}
	if len(in.Tags) > maxTags {
		return fmt.Errorf("%w: at most %d tags are allowed", appErr.ErrInvalid, maxTags)
	}
	for _, tag := range in.Tags {
		if strings.TrimSpace(tag) == "" {
			return fmt.Errorf("%w: tags must not be blank", appErr.ErrInvalid)
		}
		if utf8.RuneCountInString(tag) > maxTagChars {
			return fmt.Errorf("%w: tags must be at most %d characters", appErr.ErrInvalid, maxTagChars)
		}
	}
	return nil
}

func validateMessage(message string) error {
	n := utf8.RuneCountInString(strings.TrimSpace(message))
	if n < minMessageChars || n > maxMessageChars {
		return fmt.Errorf("%w: message must be between %d and %d characters",
			appErr.ErrInvalid, minMessageChars, maxMessageChars)
	}
	return nil
}
