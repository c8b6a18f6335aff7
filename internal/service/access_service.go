package service

import (
	"context"
	"database/sql"
	"time"

	"github.com/noah-isme/lms-pay-api/internal/models"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
)

// Additional restriction reasons derived from the enrollment lifecycle.
const (
	accessReasonCancelled = "enrollment_cancelled"
	accessReasonOnHold    = "enrollment_on_hold"
)

type enrollmentReader interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	ListInstallments(ctx context.Context, enrollmentID string) ([]models.Installment, error)
}

// AccessService derives the current access decision for an enrollment. It is
// read-only and safe to evaluate on every access-sensitive request; it never
// mutates persisted state.
type AccessService struct {
	enrollments      enrollmentReader
	emi              *EMIService
	overdueBlocksAll bool
}

// NewAccessService constructs AccessService.
func NewAccessService(enrollments enrollmentReader, emi *EMIService, overdueBlocksAll bool) *AccessService {
	return &AccessService{enrollments: enrollments, emi: emi, overdueBlocksAll: overdueBlocksAll}
}

// Compute maps (enrollment, schedule, now) to an access decision.
func (s *AccessService) Compute(enrollment *models.Enrollment, installments []models.Installment, now time.Time) models.AccessStatus {
	if now.After(enrollment.AccessExpiryDate) {
		return models.AccessStatus{State: models.AccessStateExpired}
	}

	switch enrollment.Status {
	case models.EnrollmentStatusCancelled:
		return models.AccessStatus{State: models.AccessStateRestricted, Reason: accessReasonCancelled, Scope: models.AccessScopeAll}
	case models.EnrollmentStatusOnHold:
		return models.AccessStatus{State: models.AccessStateRestricted, Reason: accessReasonOnHold, Scope: models.AccessScopeAll}
	}

	if enrollment.PaymentPlan == models.PaymentPlanInstallment && s.emi.HasOverdue(installments, now) {
		scope := models.AccessScopeAll
		if !s.overdueBlocksAll {
			scope = models.AccessScopeNewContent
		}
		return models.AccessStatus{State: models.AccessStateRestricted, Reason: models.AccessReasonOverdueInstallment, Scope: scope}
	}

	if enrollment.PaymentPlan == models.PaymentPlanFull && enrollment.TotalAmountPaid == 0 {
		return models.AccessStatus{State: models.AccessStateRestricted, Reason: models.AccessReasonPaymentPending, Scope: models.AccessScopeAll}
	}

	return models.AccessStatus{State: models.AccessStateActive}
}

// Get loads the enrollment state and derives its access status.
func (s *AccessService) Get(ctx context.Context, enrollmentID string, now time.Time) (*models.AccessStatus, error) {
	enrollment, err := s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}

	var installments []models.Installment
	if enrollment.PaymentPlan == models.PaymentPlanInstallment {
		installments, err = s.enrollments.ListInstallments(ctx, enrollmentID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule")
		}
	}

	status := s.Compute(enrollment, installments, now)
	return &status, nil
}
