package http

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"projectfinder/internal/app"
	"projectfinder/internal/pkg/jwtutil"
	"projectfinder/internal/transport/http/handler"
	"projectfinder/internal/transport/http/middleware"
)

type Deps struct {
	Name      string
	Env       string
	GinMode   string
	JWTSecret string
	StartedAt time.Time

	Auth            *app.AuthService
	Catalog         *app.CatalogService
	Router          *app.QueryRouter
	Recommendations *app.RecommendationService
	Admin           *app.AdminService

	// Background is the context async admin jobs run under.
	Background context.Context
	Log        *zap.Logger
}

func NewRouter(d Deps) *gin.Engine {
	if d.GinMode != "" {
		gin.SetMode(d.GinMode)
	}
	if d.Background == nil {
		d.Background = context.Background()
	}
	router := gin.New()
	router.Use(middleware.RequestLogger(d.Log), middleware.Recovery(d.Log))

	healthHandler := handler.NewHealthHandler(d.Name, d.Env, d.StartedAt)
	router.GET("/healthz", healthHandler.Check)

	recordHandler := handler.NewRecordHandler(d.Catalog)
	chatbotHandler := handler.NewChatbotHandler(d.Router)
	recommendationHandler := handler.NewRecommendationHandler(d.Recommendations)
	adminHandler := handler.NewAdminHandler(d.Background, d.Admin, d.Log)
	authHandler := handler.NewAuthHandler(d.Auth)

	v1 := router.Group("/api/v1")

	records := v1.Group("/records")
	records.GET("", recordHandler.List)
	records.GET("/search", recordHandler.Search)
	records.GET("/stats", recordHandler.Stats)
	records.GET("/:id", recordHandler.Detail)

	chatbot := v1.Group("/chatbot")
	chatbot.POST("/query", chatbotHandler.Query)
	chatbot.GET("/sessions/:id/history", chatbotHandler.History)
	chatbot.GET("/suggestions", chatbotHandler.Suggestions)
	chatbot.GET("/stats", chatbotHandler.Stats)

	recommendations := v1.Group("/recommendations")
	recommendations.GET("/:record_id", recommendationHandler.List)
	recommendations.GET("/:record_id/:kind", recommendationHandler.Get)
	recommendations.POST("/:record_id/generate", recommendationHandler.Generate)
	recommendations.DELETE("/:record_id", recommendationHandler.Clear)

	v1.POST("/admin/login", authHandler.Login)

	admin := v1.Group("/admin")
	admin.Use(middleware.AuthJWT(d.JWTSecret, jwtutil.RoleAdmin))
	admin.POST("/sync/daily", adminHandler.SyncDaily)
	admin.POST("/sync/full", adminHandler.SyncFull)
	admin.POST("/embeddings/pending", adminHandler.EmbedPending)
	admin.POST("/keyword/reindex", adminHandler.ReindexKeywords)
	admin.GET("/status", adminHandler.Status)
	admin.GET("/health", adminHandler.Health)

	return router
}
