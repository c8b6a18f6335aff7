package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-pay-api/internal/service"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
	"github.com/noah-isme/lms-pay-api/pkg/response"
)

// PricingHandler exposes pricing quote endpoints.
type PricingHandler struct {
	enrollments *service.EnrollmentService
}

// NewPricingHandler constructs PricingHandler.
func NewPricingHandler(enrollments *service.EnrollmentService) *PricingHandler {
	return &PricingHandler{enrollments: enrollments}
}

// Quote godoc
// @Summary Compute a price quote
// @Tags Pricing
// @Accept json
// @Produce json
// @Param payload body service.QuoteRequest true "Quote payload"
// @Success 200 {object} response.Envelope
// @Router /pricing/quote [post]
func (h *PricingHandler) Quote(c *gin.Context) {
	var req service.QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	breakdown, err := h.enrollments.Quote(c.Request.Context(), req)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, breakdown, nil)
}
