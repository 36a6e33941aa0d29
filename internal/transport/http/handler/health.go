package handler

import (
	"time"

	"github.com/gin-gonic/gin"
)

type HealthHandler struct {
	name      string
	env       string
	startedAt time.Time
}

func NewHealthHandler(name, env string, startedAt time.Time) *HealthHandler {
	return &HealthHandler{name: name, env: env, startedAt: startedAt}
}

// Check is the liveness probe; dependency checks live under /admin/health.
func (h *HealthHandler) Check(c *gin.Context) {
	c.JSON(200, gin.H{
		"app":        h.name,
		"env":        h.env,
		"uptime_sec": int(time.Since(h.startedAt).Seconds()),
	})
}
