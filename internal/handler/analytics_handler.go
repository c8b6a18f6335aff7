package handler

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-pay-api/internal/service"
	"github.com/noah-isme/lms-pay-api/pkg/response"
)

// AnalyticsHandler exposes financial analytics endpoints.
type AnalyticsHandler struct {
	analytics *service.FinanceAnalyticsService
	metrics   *service.MetricsService
}

// NewAnalyticsHandler constructs AnalyticsHandler.
func NewAnalyticsHandler(analytics *service.FinanceAnalyticsService, metrics *service.MetricsService) *AnalyticsHandler {
	return &AnalyticsHandler{analytics: analytics, metrics: metrics}
}

// FinancialSummary godoc
// @Summary Get the financial summary of an enrollment
// @Tags Analytics
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/financial-summary [get]
func (h *AnalyticsHandler) FinancialSummary(c *gin.Context) {
	summary, err := h.analytics.Summary(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// SystemMetrics godoc
// @Summary Get a snapshot of process health counters
// @Tags Analytics
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /analytics/system [get]
func (h *AnalyticsHandler) SystemMetrics(c *gin.Context) {
	response.JSON(c, http.StatusOK, h.metrics.Snapshot(), nil)
}
