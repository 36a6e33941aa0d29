package handler

import (
	"github.com/gin-gonic/gin"

	"projectfinder/internal/app"
	"projectfinder/internal/transport/http/response"
)

type RecordHandler struct {
	catalog *app.CatalogService
}

func NewRecordHandler(catalog *app.CatalogService) *RecordHandler {
	return &RecordHandler{catalog: catalog}
}

func (h *RecordHandler) List(c *gin.Context) {
	filters, err := parseFilters(c)
	if err != nil {
		response.FromError(c, err, "invalid filters", nil)
		return
	}
	page, err := queryInt(c, "page", 1)
	if err != nil {
		response.FromError(c, err, "invalid page", nil)
		return
	}
	pageSize, err := queryInt(c, "page_size", 20)
	if err != nil {
		response.FromError(c, err, "invalid page_size", nil)
		return
	}

	result, err := h.catalog.List(c.Request.Context(), app.ListQuery{
		Filters:  filters,
		Text:     c.Query("q"),
		Sort:     c.Query("sort"),
		Page:     page,
		PageSize: pageSize,
	})
	if err != nil {
		response.FromError(c, err, "list records failed", nil)
		return
	}
	response.OK(c, result)
}

func (h *RecordHandler) Detail(c *gin.Context) {
	id, err := parseUintParam(c, "id")
	if err != nil {
		response.FromError(c, err, "invalid id", nil)
		return
	}
	rec, err := h.catalog.Detail(c.Request.Context(), id)
	if err != nil {
		response.FromError(c, err, "get record failed", nil)
		return
	}
	response.OK(c, rec)
}

func (h *RecordHandler) Search(c *gin.Context) {
	limit, err := queryInt(c, "limit", 20)
	if err != nil {
		response.FromError(c, err, "invalid limit", nil)
		return
	}
	hits, err := h.catalog.TextSearch(c.Request.Context(), c.Query("q"), limit)
	if err != nil {
		response.FromError(c, err, "search records failed", nil)
		return
	}
	response.OK(c, hits)
}

func (h *RecordHandler) Stats(c *gin.Context) {
	stats, err := h.catalog.Stats(c.Request.Context())
	if err != nil {
		response.FromError(c, err, "record stats failed", nil)
		return
	}
	response.OK(c, stats)
}
