package handler

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectfinder/internal/app"
	"projectfinder/internal/etl"
	"projectfinder/internal/transport/http/response"
)

type AdminHandler struct {
	admin *app.AdminService
	// background outlives requests; async jobs run under it.
	background context.Context
	log        *zap.Logger
}

type SyncFullRequest struct {
	DaysBack int  `json:"days_back" binding:"gte=0"`
	ITOnly   bool `json:"it_only"`
}

type EmbedPendingRequest struct {
	Limit int `json:"limit" binding:"gte=0"`
}

func NewAdminHandler(background context.Context, admin *app.AdminService, log *zap.Logger) *AdminHandler {
	return &AdminHandler{admin: admin, background: background, log: log.Named("admin-http")}
}

func (h *AdminHandler) SyncDaily(c *gin.Context) {
	h.runSync(c, "incremental", h.admin.ClaimDaily)
}

func (h *AdminHandler) SyncFull(c *gin.Context) {
	var req SyncFullRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
			return
		}
	}
	h.runSync(c, "full", func(ctx context.Context) (etl.SyncJob, error) {
		return h.admin.ClaimFull(ctx, etl.FullSync{DaysBack: req.DaysBack, ITOnly: req.ITOnly})
	})
}

// runSync claims the sync lease within the request, so a conflict is
// reported either way, then runs the sync in the request or, with
// ?async=true, in the background.
func (h *AdminHandler) runSync(c *gin.Context, mode string, claim func(ctx context.Context) (etl.SyncJob, error)) {
	async, err := queryBool(c, "async")
	if err != nil {
		response.FromError(c, err, "invalid async", nil)
		return
	}
	job, err := claim(c.Request.Context())
	if err != nil {
		response.FromError(c, err, "sync failed", nil)
		return
	}
	if async {
		h.admin.Go(h.background, mode, job)
		c.JSON(http.StatusAccepted, response.APIResponse{Code: response.CodeOK, Message: "accepted", Data: gin.H{"mode": mode}})
		return
	}

	run, err := job(c.Request.Context())
	if err != nil {
		var data interface{}
		if run != nil {
			data = run
		}
		response.FromError(c, err, "sync failed", data)
		return
	}
	response.OK(c, run)
}

func (h *AdminHandler) EmbedPending(c *gin.Context) {
	var req EmbedPendingRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
			return
		}
	}
	report, err := h.admin.EmbedPending(c.Request.Context(), req.Limit)
	if err != nil {
		response.FromError(c, err, "embed pending failed", report)
		return
	}
	response.OK(c, report)
}

func (h *AdminHandler) ReindexKeywords(c *gin.Context) {
	n, err := h.admin.ReindexKeywords(c.Request.Context())
	if err != nil {
		response.FromError(c, err, "reindex keywords failed", nil)
		return
	}
	response.OK(c, gin.H{"indexed": n})
}

func (h *AdminHandler) Status(c *gin.Context) {
	limit, err := queryInt(c, "limit", 10)
	if err != nil {
		response.FromError(c, err, "invalid limit", nil)
		return
	}
	status, err := h.admin.Status(c.Request.Context(), limit)
	if err != nil {
		response.FromError(c, err, "sync status failed", nil)
		return
	}
	response.OK(c, status)
}

func (h *AdminHandler) Health(c *gin.Context) {
	report := h.admin.Health(c.Request.Context())
	if report.Status == "down" {
		c.JSON(http.StatusServiceUnavailable, response.APIResponse{Code: response.CodeUnavailable, Message: "down", Data: report})
		return
	}
	response.OK(c, report)
}
