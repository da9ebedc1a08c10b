package handler

import (
	"strconv"
	"unicode/utf8"

	"github.com/gin-gonic/gin"

	"github.com/xxxsen/ragserve/internal/model"
	"github.com/xxxsen/ragserve/internal/pkg/errcode"
	"github.com/xxxsen/ragserve/internal/pkg/response"
	"github.com/xxxsen/ragserve/internal/rag"
)

type RAGHandler struct {
	svc           *rag.Service
	generateModel string
}

func NewRAGHandler(svc *rag.Service, generateModel string) *RAGHandler {
	return &RAGHandler{svc: svc, generateModel: generateModel}
}

type ingestRequest struct {
	Title         string   `json:"title"`
	URL           string   `json:"url"`
	Source        string   `json:"source"`
	PublishedDate string   `json:"published_date"`
	Text          string   `json:"text"`
	Tags          []string `json:"tags"`
}

func (h *RAGHandler) Ingest(c *gin.Context) {
	var req ingestRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	id, err := h.svc.Ingest(c.Request.Context(), rag.IngestInput{
		Title:         req.Title,
		URL:           req.URL,
		Source:        req.Source,
		PublishedDate: req.PublishedDate,
		Text:          req.Text,
		Tags:          req.Tags,
	})
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"id":         id,
		"collection": h.svc.Collection(),
	})
}

type chatRequest struct {
	Message     string `json:"message"`
	DetailLevel string `json:"detail_level"`
}

type chatResponse struct {
	Answer      string          `json:"answer"`
	DetailLevel rag.DetailLevel `json:"detail_level"`
	Sources     []model.Source  `json:"sources"`
	Timings     rag.Timings     `json:"timings"`
}

func (h *RAGHandler) Chat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	result, err := h.svc.Chat(c.Request.Context(), req.Message, req.DetailLevel)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, chatResponse{
		Answer:      result.Answer,
		DetailLevel: result.DetailLevel,
		Sources:     result.Sources,
		Timings:     result.Timings,
	})
}

type debugChatResponse struct {
	Answer      string          `json:"answer"`
	DetailLevel rag.DetailLevel `json:"detail_level"`
	Sources     []model.Source  `json:"sources"`
	TimingMS    rag.Timings     `json:"timing_ms"`
	PromptChars int             `json:"prompt_chars"`
}

// DebugChat runs the same pipeline as Chat but exposes the per-stage
// timings and prompt size alongside the answer.
func (h *RAGHandler) DebugChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	result, err := h.svc.Chat(c.Request.Context(), req.Message, req.DetailLevel)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, debugChatResponse{
		Answer:      result.Answer,
		DetailLevel: result.DetailLevel,
		Sources:     result.Sources,
		TimingMS:    result.Timings,
		PromptChars: result.PromptChars,
	})
}

func (h *RAGHandler) DebugRetrieve(c *gin.Context) {
	query := c.Query("q")
	topK := 0
	if raw := c.Query("k"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil {
			response.Error(c, errcode.ErrInvalid, "k must be an integer")
			return
		}
		topK = parsed
	}
	sources, err := h.svc.Retrieve(c.Request.Context(), query, topK)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"query":   query,
		"sources": sources,
	})
}

type debugPromptResponse struct {
	Prompt      string          `json:"prompt"`
	DetailLevel rag.DetailLevel `json:"detail_level"`
	Sources     []model.Source  `json:"sources"`
	PromptChars int             `json:"prompt_chars"`
}

func (h *RAGHandler) DebugPrompt(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	result, err := h.svc.Prompt(c.Request.Context(), req.Message, req.DetailLevel)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, debugPromptResponse{
		Prompt:      result.Prompt,
		DetailLevel: result.DetailLevel,
		Sources:     result.Sources,
		PromptChars: utf8.RuneCountInString(result.Prompt),
	})
}

type debugGenerateRequest struct {
	Prompt string `json:"prompt"`
}

// DebugGenerate sends the prompt straight to the model, skipping
// retrieval and prompt assembly. Useful for checking model reachability.
func (h *RAGHandler) DebugGenerate(c *gin.Context) {
	var req debugGenerateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, errcode.ErrInvalid, "invalid request")
		return
	}
	answer, err := h.svc.Generate(c.Request.Context(), req.Prompt)
	if err != nil {
		handleError(c, err)
		return
	}
	response.Success(c, gin.H{
		"ok":     true,
		"model":  h.generateModel,
		"answer": answer,
	})
}
