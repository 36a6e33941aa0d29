package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"projectfinder/internal/app"
	"projectfinder/internal/transport/http/response"
	"projectfinder/internal/vectorindex"
)

type ChatbotHandler struct {
	router *app.QueryRouter
}

type QueryRequest struct {
	SessionID string              `json:"session_id"`
	Query     string              `json:"query" binding:"required"`
	Filters   vectorindex.Filters `json:"filters"`
	TopK      int                 `json:"top_k"`
}

func NewChatbotHandler(router *app.QueryRouter) *ChatbotHandler {
	return &ChatbotHandler{router: router}
}

// Query answers a question. A failed query still reports its session so the
// client can continue the conversation.
func (h *ChatbotHandler) Query(c *gin.Context) {
	var req QueryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.router.Handle(c.Request.Context(), app.QueryInput{
		SessionID: req.SessionID,
		Query:     req.Query,
		Filters:   req.Filters,
		TopK:      req.TopK,
	})
	if err != nil {
		var data interface{}
		if result != nil {
			data = gin.H{"session_id": result.SessionID, "state": result.State}
		}
		response.FromError(c, err, "query failed", data)
		return
	}
	response.OK(c, result)
}

func (h *ChatbotHandler) History(c *gin.Context) {
	limit, err := queryInt(c, "limit", 0)
	if err != nil {
		response.FromError(c, err, "invalid limit", nil)
		return
	}
	entries, err := h.router.History(c.Request.Context(), c.Param("id"), limit)
	if err != nil {
		response.FromError(c, err, "get history failed", nil)
		return
	}
	response.OK(c, entries)
}

func (h *ChatbotHandler) Suggestions(c *gin.Context) {
	response.OK(c, h.router.Suggestions())
}

func (h *ChatbotHandler) Stats(c *gin.Context) {
	stats, err := h.router.Stats(c.Request.Context())
	if err != nil {
		response.FromError(c, err, "chatbot stats failed", nil)
		return
	}
	response.OK(c, stats)
}
