package collection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
	"github.com/xxxsen/ragserve/internal/vectorstore"
)

const defaultReadyTTL = 30 * time.Second

// Declaration pairs a collection schema with the index it must carry.
type Declaration struct {
	Schema vectorstore.Schema
	Index  vectorstore.IndexSpec
}

// Manager drives collections through absent, created, indexed and loaded.
// Readiness is always re-derived from the store; a short memo only spares
// repeated describes inside a burst of requests. All transitions for one
// collection name are serialized.
type Manager struct {
	store    vectorstore.Store
	readyTTL time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
	ready map[string]time.Time
}

type Option func(*Manager)

func WithReadyTTL(ttl time.Duration) Option {
	return func(m *Manager) {
		m.readyTTL = ttl
	}
}

func NewManager(store vectorstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:    store,
		readyTTL: defaultReadyTTL,
		locks:    map[string]*sync.Mutex{},
		ready:    map[string]time.Time{},
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) nameLock(name string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[name]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[name] = lock
	}
	return lock
}

func (m *Manager) readyFresh(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	at, ok := m.ready[name]
	return ok && time.Since(at) < m.readyTTL
}

func (m *Manager) markReady(name string) {
	m.mu.Lock()
	m.ready[name] = time.Now()
	m.mu.Unlock()
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	delete(m.ready, name)
	m.mu.Unlock()
}

// Ensure is idempotent: it creates, verifies, indexes and loads as needed
// and returns once the collection is searchable. An existing collection
// whose schema disagrees with the declaration is never touched; that is a
// fatal configuration error.
func (m *Manager) Ensure(ctx context.Context, decl Declaration) error {
	name := decl.Schema.Name
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	if m.readyFresh(name) {
		return nil
	}

	logger := logutil.GetLogger(ctx).With(zap.String("collection", name))
	has, err := m.store.HasCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("check collection: %w", err)
	}
	if !has {
		if err := m.store.CreateCollection(ctx, decl.Schema); err != nil {
			return fmt.Errorf("create collection: %w", err)
		}
		logger.Info("collection created", zap.Int("dim", decl.Schema.Dim), zap.Bool("auto_id", decl.Schema.AutoID))
	}

	info, err := m.store.DescribeCollection(ctx, name)
	if err != nil {
		return fmt.Errorf("describe collection: %w", err)
	}
	if err := verifySchema(decl.Schema, info); err != nil {
		return err
	}

	if !info.HasIndex {
		if err := m.store.CreateIndex(ctx, name, decl.Index); err != nil {
			return fmt.Errorf("create index: %w", err)
		}
		logger.Info("index created",
			zap.String("type", decl.Index.Type),
			zap.String("metric", decl.Index.Metric))
	}

	if !info.Loaded {
		if err := m.store.LoadCollection(ctx, name); err != nil {
			return fmt.Errorf("load collection: %w", err)
		}
		logger.Info("collection loaded")
	}

	m.markReady(name)
	return nil
}

// Drop removes the collection. It exists for deliberate operator action;
// nothing in the serving path calls it.
func (m *Manager) Drop(ctx context.Context, name string) error {
	lock := m.nameLock(name)
	lock.Lock()
	defer lock.Unlock()

	m.forget(name)
	if err := m.store.DropCollection(ctx, name); err != nil {
		return fmt.Errorf("drop collection: %w", err)
	}
	logutil.GetLogger(ctx).Info("collection dropped", zap.String("collection", name))
	return nil
}

// RequireLoaded gates search paths. A collection that exists but is not
// loaded yields ErrCollectionNotLoaded, which callers must keep distinct
// from an empty result.
func (m *Manager) RequireLoaded(ctx context.Context, name string) error {
	if m.readyFresh(name) {
		return nil
	}
	info, err := m.store.DescribeCollection(ctx, name)
	if err != nil {
		if errors.Is(err, appErr.ErrNotFound) {
			return fmt.Errorf("%w: collection %s does not exist", appErr.ErrCollectionNotLoaded, name)
		}
		return fmt.Errorf("describe collection: %w", err)
	}
	if !info.Loaded {
		return fmt.Errorf("%w: %s", appErr.ErrCollectionNotLoaded, name)
	}
	m.markReady(name)
	return nil
}

func (m *Manager) Stats(ctx context.Context, name string) (int64, error) {
	return m.store.RowCount(ctx, name)
}

func (m *Manager) Ping(ctx context.Context) error {
	return m.store.Ping(ctx)
}

// verifySchema compares the declaration with what actually exists. Field
// comparison is strict on names and types; varchar lengths are left to the
// backend, which may normalize them.
func verifySchema(decl vectorstore.Schema, info *vectorstore.CollectionInfo) error {
	if info.Dim != decl.Dim {
		return fmt.Errorf("%w: collection %s has dim %d, declaration wants %d",
			appErr.ErrSchemaMismatch, decl.Name, info.Dim, decl.Dim)
	}
	if info.AutoID != decl.AutoID {
		return fmt.Errorf("%w: collection %s auto_id is %v, declaration wants %v",
			appErr.ErrSchemaMismatch, decl.Name, info.AutoID, decl.AutoID)
	}
	existing := map[string]vectorstore.FieldType{}
	for _, f := range info.Fields {
		existing[f.Name] = f.Type
	}
	for _, f := range decl.Fields {
		typ, ok := existing[f.Name]
		if !ok {
			return fmt.Errorf("%w: collection %s is missing field %s",
				appErr.ErrSchemaMismatch, decl.Name, f.Name)
		}
		if typ != f.Type {
			return fmt.Errorf("%w: collection %s field %s is %s, declaration wants %s",
				appErr.ErrSchemaMismatch, decl.Name, f.Name, typ, f.Type)
		}
		delete(existing, f.Name)
	}
	for name := range existing {
		return fmt.Errorf("%w: collection %s carries undeclared field %s",
			appErr.ErrSchemaMismatch, decl.Name, name)
	}
	return nil
}
