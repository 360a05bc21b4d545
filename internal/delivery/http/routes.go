package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/greenscore/backend/config"
)

// SetupRouter creates and configures the Gin router. metricsHandler may be nil.
func SetupRouter(cfg *config.Config, handler *Handler, metricsHandler http.Handler, logger *slog.Logger) *gin.Engine {
	// Set Gin mode based on environment
	if cfg.Server.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Global middleware
	router.Use(RecoveryMiddleware())
	router.Use(LoggerMiddleware(logger))
	router.Use(CORSMiddleware(cfg.Server.AllowedOrigins))

	router.GET("/health", handler.HealthCheck)
	if metricsHandler != nil {
		router.GET("/metrics", gin.WrapH(metricsHandler))
	}

	v1 := router.Group("/api/v1")
	v1.Use(RateLimitMiddleware(cfg.RateLimit.PerIP))
	{
		v1.POST("/analyze", handler.Analyze)
		v1.POST("/feedback", handler.RecordFeedback)
		v1.GET("/stats", handler.Stats)
		v1.GET("/errors", handler.ErrorLogs)
		v1.DELETE("/cache", handler.ClearCache)

		model := v1.Group("/model")
		{
			model.GET("/metrics", handler.ModelMetrics)
			model.GET("/history", handler.TrainingHistory)
			model.POST("/train", handler.TrainModel)
		}
	}

	return router
}
