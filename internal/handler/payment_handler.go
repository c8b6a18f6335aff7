package handler

import (
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-pay-api/internal/models"
	"github.com/noah-isme/lms-pay-api/internal/service"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
	"github.com/noah-isme/lms-pay-api/pkg/response"
)

// PaymentHandler exposes payment recording and webhook endpoints.
type PaymentHandler struct {
	payments  *service.PaymentService
	analytics *service.FinanceAnalyticsService
}

// NewPaymentHandler constructs PaymentHandler.
func NewPaymentHandler(payments *service.PaymentService, analytics *service.FinanceAnalyticsService) *PaymentHandler {
	return &PaymentHandler{payments: payments, analytics: analytics}
}

// Record godoc
// @Summary Record a payment against an enrollment
// @Tags Payments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body models.PaymentEvent true "Payment event"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/payments [post]
func (h *PaymentHandler) Record(c *gin.Context) {
	var event models.PaymentEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "invalid payload"))
		return
	}
	result, err := h.payments.Record(c.Request.Context(), c.Param("id"), event)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.analytics.Invalidate(c.Request.Context(), c.Param("id"))
	response.JSON(c, http.StatusOK, result, nil)
}

// History godoc
// @Summary List the payment ledger of an enrollment
// @Tags Payments
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/payments [get]
func (h *PaymentHandler) History(c *gin.Context) {
	entries, err := h.payments.History(c.Request.Context(), c.Param("id"))
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, entries, nil)
}

type initiateOrderRequest struct {
	InstallmentNumber *int `json:"installment_number,omitempty"`
}

// InitiateOrder godoc
// @Summary Create a gateway order for the amount owed
// @Tags Payments
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body initiateOrderRequest false "Order target"
// @Success 201 {object} response.Envelope
// @Router /enrollments/{id}/payments/order [post]
func (h *PaymentHandler) InitiateOrder(c *gin.Context) {
	var req initiateOrderRequest
	_ = c.ShouldBindJSON(&req)
	order, err := h.payments.InitiateOrder(c.Request.Context(), c.Param("id"), req.InstallmentNumber)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, order)
}

// Webhook godoc
// @Summary Receive a payment gateway webhook
// @Tags Payments
// @Accept json
// @Produce json
// @Success 200 {object} response.Envelope
// @Router /webhooks/payment-gateway [post]
func (h *PaymentHandler) Webhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		response.Error(c, appErrors.Wrap(err, appErrors.ErrValidation.Code, http.StatusBadRequest, "unreadable body"))
		return
	}
	signature := c.GetHeader("X-Razorpay-Signature")
	result, err := h.payments.HandleWebhook(c.Request.Context(), body, signature)
	if err != nil {
		response.Error(c, err)
		return
	}
	h.analytics.Invalidate(c.Request.Context(), result.Enrollment.ID)
	response.JSON(c, http.StatusOK, gin.H{"processed": true, "replayed": result.Replayed}, nil)
}
