package http

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/greenscore/backend/internal/domain"
	"github.com/greenscore/backend/internal/usecase"
)

const (
	serviceName    = "greenscore-backend"
	serviceVersion = "1.0.0"
)

// AnalysisService scores scraped products
type AnalysisService interface {
	Analyze(ctx context.Context, raw domain.RawProduct) (*domain.AnalysisResult, error)
	RecordFeedback(ctx context.Context, raw domain.RawProduct, actual float64) error
}

// ModelAdmin exposes model state and training
type ModelAdmin interface {
	State() usecase.ModelState
	GetModelMetrics() domain.ModelMetrics
	GetTrainingHistory() []domain.TrainingRecord
	TrainModel(ctx context.Context) (domain.TrainingRecord, error)
}

// CacheAdmin exposes cache statistics and the error log
type CacheAdmin interface {
	Stats() domain.CacheStats
	GetErrorLogs() []domain.ErrorLogEntry
	Clear(ctx context.Context)
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	analysis AnalysisService
	models   ModelAdmin
	cache    CacheAdmin
}

// NewHandler creates a new HTTP handler
func NewHandler(analysis AnalysisService, models ModelAdmin, cache CacheAdmin) *Handler {
	return &Handler{
		analysis: analysis,
		models:   models,
		cache:    cache,
	}
}

// HealthCheck returns the health status of the API
func (h *Handler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"service": serviceName,
		"version": serviceVersion,
		"model":   h.models.State(),
	})
}

// Analyze scores a product scraped by the extension
func (h *Handler) Analyze(c *gin.Context) {
	var raw domain.RawProduct
	if err := c.ShouldBindJSON(&raw); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	result, err := h.analysis.Analyze(c.Request.Context(), raw)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, result)
}

// RecordFeedback accepts a ground-truth score for a product
func (h *Handler) RecordFeedback(c *gin.Context) {
	var req domain.FeedbackRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "Invalid request",
			"details": err.Error(),
		})
		return
	}

	if err := h.analysis.RecordFeedback(c.Request.Context(), req.Product, req.Score); err != nil {
		writeError(c, err)
		return
	}

	c.Status(http.StatusAccepted)
}

// Stats returns cache counters
func (h *Handler) Stats(c *gin.Context) {
	c.JSON(http.StatusOK, h.cache.Stats())
}

// ErrorLogs returns the error log, newest first. ?limit=N truncates it.
func (h *Handler) ErrorLogs(c *gin.Context) {
	logs := h.cache.GetErrorLogs()

	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(logs) {
			logs = logs[:limit]
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"errors": logs,
		"count":  len(logs),
	})
}

// ModelMetrics returns model aggregates
func (h *Handler) ModelMetrics(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"state":   h.models.State(),
		"metrics": h.models.GetModelMetrics(),
	})
}

// TrainingHistory returns recent training runs, oldest first
func (h *Handler) TrainingHistory(c *gin.Context) {
	history := h.models.GetTrainingHistory()
	c.JSON(http.StatusOK, gin.H{
		"history": history,
		"count":   len(history),
	})
}

// TrainModel runs a training pass and waits for it
func (h *Handler) TrainModel(c *gin.Context) {
	record, err := h.models.TrainModel(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, record)
}

// ClearCache drops cached predictions, analyses and counters
func (h *Handler) ClearCache(c *gin.Context) {
	h.cache.Clear(c.Request.Context())
	c.Status(http.StatusNoContent)
}

// writeError maps domain errors to HTTP responses
func writeError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	message := "Internal server error"

	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		status, message = http.StatusBadRequest, err.Error()
	case errors.Is(err, domain.ErrTrainingInProgress):
		status, message = http.StatusConflict, err.Error()
	case errors.Is(err, domain.ErrInsufficientData):
		status, message = http.StatusUnprocessableEntity, err.Error()
	case errors.Is(err, domain.ErrModelNotReady), errors.Is(err, domain.ErrStorageUnavailable):
		status, message = http.StatusServiceUnavailable, err.Error()
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, message = http.StatusRequestTimeout, "Request canceled"
	}

	c.JSON(status, gin.H{"error": message})
}
