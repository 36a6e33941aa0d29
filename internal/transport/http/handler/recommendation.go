package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"projectfinder/internal/app"
	"projectfinder/internal/model"
	"projectfinder/internal/transport/http/response"
)

type RecommendationHandler struct {
	recommendations *app.RecommendationService
}

type GenerateRequest struct {
	// Kinds to generate; empty means every kind.
	Kinds []model.RecommendationKind `json:"kinds"`
	Force bool                       `json:"force"`
}

func NewRecommendationHandler(recommendations *app.RecommendationService) *RecommendationHandler {
	return &RecommendationHandler{recommendations: recommendations}
}

func (h *RecommendationHandler) List(c *gin.Context) {
	recordID, err := parseUintParam(c, "record_id")
	if err != nil {
		response.FromError(c, err, "invalid record id", nil)
		return
	}
	recs, err := h.recommendations.List(c.Request.Context(), recordID)
	if err != nil {
		response.FromError(c, err, "list recommendations failed", nil)
		return
	}
	response.OK(c, recs)
}

func (h *RecommendationHandler) Get(c *gin.Context) {
	recordID, err := parseUintParam(c, "record_id")
	if err != nil {
		response.FromError(c, err, "invalid record id", nil)
		return
	}
	rec, err := h.recommendations.Get(c.Request.Context(), recordID, model.RecommendationKind(c.Param("kind")))
	if err != nil {
		response.FromError(c, err, "get recommendation failed", nil)
		return
	}
	response.OK(c, rec)
}

func (h *RecommendationHandler) Generate(c *gin.Context) {
	recordID, err := parseUintParam(c, "record_id")
	if err != nil {
		response.FromError(c, err, "invalid record id", nil)
		return
	}
	var req GenerateRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
			return
		}
	}
	kinds := req.Kinds
	if len(kinds) == 0 {
		kinds = model.RecommendationKinds
	}

	out := make([]*model.Recommendation, 0, len(kinds))
	for _, kind := range kinds {
		rec, err := h.recommendations.Generate(c.Request.Context(), recordID, kind, req.Force)
		if err != nil {
			response.FromError(c, err, "generate recommendation failed", nil)
			return
		}
		out = append(out, rec)
	}
	response.OK(c, out)
}

func (h *RecommendationHandler) Clear(c *gin.Context) {
	recordID, err := parseUintParam(c, "record_id")
	if err != nil {
		response.FromError(c, err, "invalid record id", nil)
		return
	}
	n, err := h.recommendations.Clear(c.Request.Context(), recordID)
	if err != nil {
		response.FromError(c, err, "clear recommendations failed", nil)
		return
	}
	response.OK(c, gin.H{"deleted": n})
}
