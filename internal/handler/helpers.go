package handler

import (
	"context"
	"errors"

	"github.com/gin-gonic/gin"
	"github.com/xxxsen/common/logutil"
	"go.uber.org/zap"

	"github.com/xxxsen/ragserve/internal/pkg/errcode"
	appErr "github.com/xxxsen/ragserve/internal/pkg/errors"
	"github.com/xxxsen/ragserve/internal/pkg/response"
)

func handleError(c *gin.Context, err error) {
	if err == nil {
		return
	}
	logutil.GetLogger(c.Request.Context()).Error("request failed",
		zap.String("method", c.Request.Method),
		zap.String("path", c.Request.URL.Path),
		zap.Error(err),
	)
	switch {
	case errors.Is(err, appErr.ErrInvalid):
		response.Error(c, errcode.ErrInvalid, err.Error())
	case errors.Is(err, appErr.ErrNotFound):
		response.Error(c, errcode.ErrNotFound, "not found")
	case errors.Is(err, appErr.ErrSchemaMismatch):
		response.Error(c, errcode.ErrSchemaMismatch, err.Error())
	case errors.Is(err, appErr.ErrDimensionMismatch):
		response.Error(c, errcode.ErrDimensionMismatch, err.Error())
	case errors.Is(err, appErr.ErrCollectionNotLoaded):
		response.Error(c, errcode.ErrCollectionNotLoaded, "collection not loaded")
	case errors.Is(err, appErr.ErrModelUnavailable):
		response.Error(c, errcode.ErrModelUnavailable, "model service unavailable")
	case errors.Is(err, appErr.ErrGenerationTimeout):
		response.Error(c, errcode.ErrGenerationTimeout, "generation timed out")
	case errors.Is(err, context.DeadlineExceeded):
		response.Error(c, errcode.ErrTimeout, err.Error())
	case errors.Is(err, appErr.ErrConnectionUnavailable):
		response.Error(c, errcode.ErrStoreUnavailable, "vector store unavailable")
	default:
		response.Error(c, errcode.ErrInternal, "internal error")
	}
}
