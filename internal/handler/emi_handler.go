package handler

import (
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/lms-pay-api/internal/service"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
	"github.com/noah-isme/lms-pay-api/pkg/response"
)

// EMIHandler exposes installment schedule endpoints.
type EMIHandler struct {
	emi        *service.EMIService
	statements *service.StatementService
}

// NewEMIHandler constructs EMIHandler.
func NewEMIHandler(emi *service.EMIService, statements *service.StatementService) *EMIHandler {
	return &EMIHandler{emi: emi, statements: statements}
}

// Summary godoc
// @Summary Get the installment schedule summary of an enrollment
// @Tags EMI
// @Produce json
// @Param id path string true "Enrollment ID"
// @Success 200 {object} response.Envelope
// @Router /enrollments/{id}/emi-summary [get]
func (h *EMIHandler) Summary(c *gin.Context) {
	summary, err := h.emi.Summary(c.Request.Context(), c.Param("id"), time.Now().UTC())
	if err != nil {
		response.Error(c, err)
		return
	}
	response.JSON(c, http.StatusOK, summary, nil)
}

// Skip godoc
// @Summary Skip a pending installment
// @Tags EMI
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param number path int true "Installment number"
// @Success 204
// @Router /enrollments/{id}/installments/{number}/skip [post]
func (h *EMIHandler) Skip(c *gin.Context) {
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil || number < 1 {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "invalid installment number"))
		return
	}
	if err := h.emi.Skip(c.Request.Context(), c.Param("id"), number); err != nil {
		response.Error(c, err)
		return
	}
	response.NoContent(c)
}

type statementRequest struct {
	Format string `json:"format"`
}

// Statement godoc
// @Summary Generate a payment statement export
// @Tags EMI
// @Accept json
// @Produce json
// @Param id path string true "Enrollment ID"
// @Param payload body statementRequest false "Export format (csv or pdf)"
// @Success 201 {object} response.Envelope
// @Router /enrollments/{id}/statement [post]
func (h *EMIHandler) Statement(c *gin.Context) {
	var req statementRequest
	_ = c.ShouldBindJSON(&req)
	if req.Format == "" {
		req.Format = service.StatementFormatCSV
	}
	result, err := h.statements.Generate(c.Request.Context(), c.Param("id"), req.Format)
	if err != nil {
		response.Error(c, err)
		return
	}
	response.Created(c, result)
}

// Download godoc
// @Summary Download a previously generated statement
// @Tags EMI
// @Produce octet-stream
// @Param token query string true "Signed download token"
// @Success 200
// @Router /statements/download [get]
func (h *EMIHandler) Download(c *gin.Context) {
	token := c.Query("token")
	if token == "" {
		response.Error(c, appErrors.Clone(appErrors.ErrValidation, "token is required"))
		return
	}
	file, err := h.statements.Open(token)
	if err != nil {
		response.Error(c, err)
		return
	}
	defer file.Close() //nolint:errcheck
	c.FileAttachment(file.Name(), filepath.Base(file.Name()))
}
