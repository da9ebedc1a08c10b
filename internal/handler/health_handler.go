package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragserve/internal/metrics"
	"github.com/xxxsen/ragserve/internal/pkg/response"
	"github.com/xxxsen/ragserve/internal/rag"
)

type HealthHandler struct {
	svc *rag.Service
}

func NewHealthHandler(svc *rag.Service) *HealthHandler {
	return &HealthHandler{svc: svc}
}

type healthResponse struct {
	OK        bool   `json:"ok"`
	StoreOK   bool   `json:"store_ok"`
	UptimeS   int64  `json:"uptime_s"`
	Ingested  uint64 `json:"ingested"`
	Chats     uint64 `json:"chats"`
	Errors    uint64 `json:"errors"`
	Documents int64  `json:"documents"`
}

// Health reports liveness plus store reachability. The endpoint itself
// always answers; a broken store flips store_ok instead of failing the
// request.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx := c.Request.Context()
	storeOK := true
	if err := h.svc.Ping(ctx); err != nil {
		storeOK = false
		logutil.GetLogger(ctx).Warn("store ping failed", zap.Error(err))
	}
	var documents int64
	if storeOK {
		count, err := h.svc.DocumentCount(ctx)
		if err != nil {
			logutil.GetLogger(ctx).Warn("document count failed", zap.Error(err))
		} else {
			documents = count
		}
	}
	snap := metrics.Current()
	response.Success(c, healthResponse{
		OK:        true,
		StoreOK:   storeOK,
		UptimeS:   snap.UptimeSeconds,
		Ingested:  snap.Ingested,
		Chats:     snap.Chats,
		Errors:    snap.Errors,
		Documents: documents,
	})
}
