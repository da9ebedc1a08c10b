package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-contrib/gzip"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/xxxsen/common/logger"
	"github.com/xxxsen/common/logutil"
	"github.com/xxxsen/common/webapi"
	"go.uber.org/zap"

	"github.com/xxxsen/ragserve/internal/ai"
	"github.com/xxxsen/ragserve/internal/collection"
	"github.com/xxxsen/ragserve/internal/config"
	"github.com/xxxsen/ragserve/internal/corpus"
	"github.com/xxxsen/ragserve/internal/embedcache"
	"github.com/xxxsen/ragserve/internal/handler"
	"github.com/xxxsen/ragserve/internal/job"
	"github.com/xxxsen/ragserve/internal/memory"
	"github.com/xxxsen/ragserve/internal/middleware"
	"github.com/xxxsen/ragserve/internal/rag"
	"github.com/xxxsen/ragserve/internal/schedule"
	"github.com/xxxsen/ragserve/internal/vectorstore"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:   "ragserve",
		Short: "retrieval augmented generation server",
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to config.json")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "run ragserve server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer app.close()
			return runServer(app)
		},
	}

	ingestCmd := &cobra.Command{
		Use:   "ingest",
		Short: "sync the memory corpus into the vector store",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer app.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			result, err := app.memory.SyncCorpus(ctx)
			if err != nil {
				return fmt.Errorf("sync corpus: %w", err)
			}
			logutil.GetLogger(ctx).Info("corpus sync done",
				zap.Int("documents", result.Documents),
				zap.Int("chunks", result.Chunks),
				zap.Int("failed", result.Failed),
			)
			if result.Failed > 0 {
				return fmt.Errorf("%d documents failed to sync", result.Failed)
			}
			return nil
		},
	}

	var dropYes bool
	var dropMemory bool
	dropCmd := &cobra.Command{
		Use:   "drop",
		Short: "drop a collection and all its data",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !dropYes {
				return fmt.Errorf("refusing to drop without --yes")
			}
			app, err := buildApp(configPath)
			if err != nil {
				return err
			}
			defer app.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			name := app.rag.Collection()
			drop := app.rag.Drop
			if dropMemory {
				name = app.memory.Collection()
				drop = app.memory.Drop
			}
			if err := drop(ctx); err != nil {
				return fmt.Errorf("drop %s: %w", name, err)
			}
			logutil.GetLogger(ctx).Info("collection dropped", zap.String("collection", name))
			return nil
		},
	}
	dropCmd.Flags().BoolVar(&dropYes, "yes", false, "confirm the drop")
	dropCmd.Flags().BoolVar(&dropMemory, "memory", false, "drop the memory collection instead of the document collection")

	rootCmd.AddCommand(runCmd, ingestCmd, dropCmd)

	if err := rootCmd.Execute(); err != nil {
		logutil.GetLogger(context.Background()).Fatal("startup error", zap.Error(err))
	}
}

type app struct {
	cfg    *config.Config
	store  vectorstore.Store
	rag    *rag.Service
	memory *memory.Service
}

func (a *app) close() {
	if err := a.store.Close(); err != nil {
		logutil.GetLogger(context.Background()).Warn("close vector store", zap.Error(err))
	}
}

func buildApp(configPath string) (*app, error) {
	if configPath == "" {
		return nil, fmt.Errorf("--config is required")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger.Init(
		cfg.LogConfig.File,
		cfg.LogConfig.Level,
		int(cfg.LogConfig.FileCount),
		int(cfg.LogConfig.FileSize),
		int(cfg.LogConfig.KeepDays),
		cfg.LogConfig.Console,
	)
	logutil.GetLogger(context.Background()).Info("config loaded", zap.String("config", configPath))

	store, err := vectorstore.New(cfg.VectorStore)
	if err != nil {
		return nil, fmt.Errorf("init vector store: %w", err)
	}
	manager := collection.NewManager(store)

	var genEntries []ai.GeneratorEntry
	var embEntries []ai.EmbedderEntry
	for _, pc := range cfg.AI.Providers {
		provider, err := ai.NewProvider(pc.Provider, pc.Data)
		if err != nil {
			return nil, fmt.Errorf("init ai provider %s: %w", pc.Provider, err)
		}
		genEntries = append(genEntries, ai.GeneratorEntry{
			Name:      pc.Provider,
			Generator: ai.NewGenerator(provider, cfg.AI.GenerateModel),
		})
		embEntries = append(embEntries, ai.EmbedderEntry{
			Name:     pc.Provider,
			Embedder: ai.NewEmbedder(provider, cfg.AI.EmbedModel),
		})
	}
	embedder := embedcache.WrapLruCacheToEmbedder(
		ai.NewGroupEmbedder(embEntries),
		cfg.AI.CacheSize,
		time.Duration(cfg.AI.CacheTTLMinutes)*time.Minute,
	)
	aiMgr := ai.NewManager(embedder, ai.NewGroupGenerator(genEntries), ai.ManagerConfig{
		EmbedDim:        cfg.AI.EmbedDim,
		EmbedTimeout:    cfg.AI.EmbedTimeout,
		GenerateTimeout: cfg.AI.GenerateTimeout,
	})

	retriever := rag.NewRetriever(store, manager, rag.RetrieverConfig{
		EfFactor: cfg.RAG.EfFactor,
		EfFloor:  cfg.RAG.EfFloor,
	})
	ragSvc := rag.NewService(rag.ServiceConfig{
		Collection:          cfg.RAG.Collection,
		TopK:                cfg.RAG.TopK,
		MaxSourceChars:      cfg.RAG.MaxSourceChars,
		RetrieveTimeout:     time.Duration(cfg.RAG.RetrieveTimeout) * time.Second,
		TotalTimeout:        time.Duration(cfg.RAG.TotalTimeout) * time.Second,
		IndexM:              cfg.RAG.Index.M,
		IndexEfConstruction: cfg.RAG.Index.EfConstruction,
	}, store, manager, retriever, aiMgr)

	var source corpus.Source
	if cfg.Memory.Corpus.Type != "" {
		source, err = corpus.New(cfg.Memory.Corpus)
		if err != nil {
			return nil, fmt.Errorf("init corpus source: %w", err)
		}
	}
	memSvc := memory.NewService(memory.ServiceConfig{
		Collection:          cfg.Memory.Collection,
		TopK:                cfg.Memory.TopK,
		ChunkSize:           cfg.Memory.ChunkSize,
		ChunkOverlap:        cfg.Memory.ChunkOverlap,
		IndexM:              cfg.Memory.Index.M,
		IndexEfConstruction: cfg.Memory.Index.EfConstruction,
	}, store, manager, retriever, aiMgr, source)

	return &app{cfg: cfg, store: store, rag: ragSvc, memory: memSvc}, nil
}

func runServer(app *app) error {
	cfg := app.cfg
	logutil.GetLogger(context.Background()).Info(
		"starting server",
		zap.Int("port", cfg.Port),
		zap.String("vector_store", cfg.VectorStore.Provider),
		zap.String("collection", app.rag.Collection()),
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// A broken store at boot only degrades /health until it recovers;
	// the collection is ensured lazily on first use as well.
	if err := app.rag.EnsureReady(ctx); err != nil {
		logutil.GetLogger(ctx).Warn("document collection not ready", zap.Error(err))
	}

	deps := handler.RouterDeps{
		RAG:    handler.NewRAGHandler(app.rag, cfg.AI.GenerateModel),
		Memory: handler.NewMemoryHandler(app.memory),
		Health: handler.NewHealthHandler(app.rag),
	}

	middlewares := []gin.HandlerFunc{
		middleware.RequestID(),
		middleware.CORS(cfg.CORSOrigins),
		gzip.Gzip(gzip.DefaultCompression),
	}
	if cfg.RateLimitMS > 0 {
		middlewares = append(middlewares, middleware.RateLimit(time.Duration(cfg.RateLimitMS)*time.Millisecond))
	}

	engine, err := webapi.NewEngine(
		"/api/v1",
		fmt.Sprintf("0.0.0.0:%d", cfg.Port),
		webapi.WithRegister(func(group *gin.RouterGroup) {
			handler.RegisterRoutes(group, deps)
		}),
		webapi.WithExtraMiddlewares(middlewares...),
	)
	if err != nil {
		return fmt.Errorf("init web engine: %w", err)
	}

	if cfg.Memory.SyncCron != "" {
		scheduler := schedule.NewCronScheduler()
		if err := scheduler.AddJob(job.NewMemorySyncJob(app.memory), cfg.Memory.SyncCron); err != nil {
			return fmt.Errorf("schedule memory sync: %w", err)
		}
		scheduler.Start(ctx)
		defer scheduler.Stop()
	}

	logutil.GetLogger(ctx).Info("http server listening", zap.String("addr", fmt.Sprintf("0.0.0.0:%d", cfg.Port)))
	go func() {
		if err := engine.Run(); err != nil && err != http.ErrServerClosed {
			logutil.GetLogger(context.Background()).Error("server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logutil.GetLogger(context.Background()).Info("server stopping...")
	return nil
}
