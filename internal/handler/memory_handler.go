package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragserve/internal/memory"
	"github.com/xxxsen/ragserve/internal/pkg/errcode"
	"github.com/xxxsen/ragserve/internal/pkg/response"
)

type MemoryHandler struct {
	svc *memory.Service
}

func NewMemoryHandler(svc *memory.Service) *MemoryHandler {
	return &MemoryHandler{svc: svc}
}

type memoryQueryRequest struct {
	Query string   `json:"query"`
	Tags  []string `json:"tags"`
	TopK  int      `json:"top_k"`
}

func (h *MemoryHandler) Query(c *gin.Context) {
	var req memoryQueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	result, err := h.svc.Query(c.Request.Context(), req.Query, req.Tags, req.TopK)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, result)
}

// Health never fails the request; degraded state is reported in the body
// so probes can distinguish "down" from "empty".
func (h *MemoryHandler) Health(c *gin.Context) {
	response.Success(c, h.svc.Health(c.Request.Context()))
}
