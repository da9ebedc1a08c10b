package job

import (
	"context"

	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragserve/internal/memory"
)

type MemorySyncJob struct {
	svc *memory.Service
}

func NewMemorySyncJob(svc *memory.Service) *MemorySyncJob {
	return &MemorySyncJob{svc: svc}
}

func (j *MemorySyncJob) Name() string {
	return "memory_sync"
}

func (j *MemorySyncJob) Run(ctx context.Context) error {
	result, err := j.svc.SyncCorpus(ctx)
	if err != nil {
		return err
	}
	if result.Failed > 0 {
		logutil.GetLogger(ctx).Warn("memory sync finished with failures",
			zap.Int("documents", result.Documents),
			zap.Int("chunks", result.Chunks),
			zap.Int("failed", result.Failed),
		)
	}
	return nil
}
