package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type RouterDeps struct {
	RAG    *RAGHandler
	Memory *MemoryHandler
	Health *HealthHandler
}

func RegisterRoutes(api *gin.RouterGroup, deps RouterDeps) {
	api.POST("/ingest", deps.RAG.Ingest)
	api.POST("/chat", deps.RAG.Chat)

	api.GET("/debug/retrieve", deps.RAG.DebugRetrieve)
	api.POST("/debug/prompt", deps.RAG.DebugPrompt)
	api.POST("/debug/chat", deps.RAG.DebugChat)
	api.POST("/debug/generate", deps.RAG.DebugGenerate)

	api.POST("/memory/query", deps.Memory.Query)
	api.GET("/memory/health", deps.Memory.Health)

	api.GET("/health", deps.Health.Health)
	api.GET("/metrics", gin.WrapH(promhttp.Handler()))
}
