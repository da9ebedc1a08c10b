package rag

import (
	"context"
	"fmt"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragserve/internal/collection"
	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
	"github.com/xxxsen/ragserve/internal/vectorstore"
)

const (
	defaultEfFactor = 4
	defaultEfFloor  = 64
)

type RetrieverConfig struct {
	EfFactor int
	EfFloor  int
}

// Retriever runs ANN searches against loaded collections. It widens the
// candidate window beyond topK (ef = max(topK*factor, floor)) so HNSW
// recall does not collapse at small k values.
type Retriever struct {
	store   vectorstore.Store
	manager *collection.Manager
	cfg     RetrieverConfig
}

func NewRetriever(store vectorstore.Store, manager *collection.Manager, cfg RetrieverConfig) *Retriever {
	if cfg.EfFactor <= 0 {
		cfg.EfFactor = defaultEfFactor
	}
	if cfg.EfFloor <= 0 {
		cfg.EfFloor = defaultEfFloor
	}
	return &Retriever{store: store, manager: manager, cfg: cfg}
}

// Search returns up to topK scored hits. An empty slice is a valid answer
// for a sparse collection; errors are reserved for real failures, so a
// caller can always tell "nothing matched" from "search broke".
func (r *Retriever) Search(ctx context.Context, coll string, vector []float32, topK int, filter vectorstore.Filter) ([]vectorstore.Hit, error) {
	if topK < 1 {
		return nil, fmt.Errorf("%w: top_k must be at least 1, got %d", appErr.ErrInvalid, topK)
	}
	if len(vector) == 0 {
		return nil, fmt.Errorf("%w: query vector is empty", appErr.ErrInvalid)
	}
	if err := r.manager.RequireLoaded(ctx, coll); err != nil {
		return nil, err
	}

	start := time.Now()
	params := vectorstore.SearchParams{Ef: r.ef(topK)}
	hits, err := r.store.Search(ctx, coll, vector, topK, filter, params)
	if err != nil {
		return nil, fmt.Errorf("search collection %s: %w", coll, err)
	}
	logutil.GetLogger(ctx).Debug("vector search",
		zap.String("collection", coll),
		zap.Int("top_k", topK),
		zap.Int("ef", params.Ef),
		zap.Int("hits", len(hits)),
		zap.Duration("cost", time.Since(start)))
	return hits, nil
}

func (r *Retriever) ef(topK int) int {
	ef := topK * r.cfg.EfFactor
	if ef < r.cfg.EfFloor {
		ef = r.cfg.EfFloor
	}
	return ef
}
