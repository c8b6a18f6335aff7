package service

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-pay-api/internal/models"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
)

// Late fee policy modes.
const (
	LateFeeModeNone    = "none"
	LateFeeModeFixed   = "fixed"
	LateFeeModePercent = "percent"
)

// EMIPolicy captures schedule generation and overdue handling parameters.
type EMIPolicy struct {
	DefaultInstallments int
	CadenceDays         int
	GracePeriodDays     int
	LateFeeMode         string
	LateFeeFixed        int64
	LateFeePercent      float64
}

type installmentStore interface {
	ListInstallments(ctx context.Context, enrollmentID string) ([]models.Installment, error)
	SetLateFee(ctx context.Context, enrollmentID string, number int, fee int64) (bool, error)
	SkipInstallment(ctx context.Context, enrollmentID string, number int) (bool, error)
}

// EMISummary is the learner-facing view of an installment schedule.
type EMISummary struct {
	EnrollmentID    string               `json:"enrollment_id"`
	Schedule        []models.Installment `json:"schedule"`
	NextPaymentDate *time.Time           `json:"next_payment_date,omitempty"`
	Outstanding     int64                `json:"outstanding_amount"`
	OverdueAmount   int64                `json:"overdue_amount"`
	OverdueCount    int                  `json:"overdue_count"`
}

// EMIService generates and maintains installment schedules.
type EMIService struct {
	store  installmentStore
	policy EMIPolicy
	notify *NotificationDispatcher
	logger *zap.Logger
}

// NewEMIService constructs EMIService.
func NewEMIService(store installmentStore, policy EMIPolicy, notify *NotificationDispatcher, logger *zap.Logger) *EMIService {
	if policy.DefaultInstallments <= 0 {
		policy.DefaultInstallments = 3
	}
	if policy.CadenceDays <= 0 {
		policy.CadenceDays = 30
	}
	if policy.LateFeeMode == "" {
		policy.LateFeeMode = LateFeeModeNone
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EMIService{store: store, policy: policy, notify: notify, logger: logger}
}

// Policy exposes the effective policy values.
func (s *EMIService) Policy() EMIPolicy {
	return s.policy
}

// GenerateSchedule splits finalPrice into n installments. Installments 1..n-1
// carry the floor share; the last one takes the remainder so the sum equals
// finalPrice exactly. Installment k is due at start + (k-1) * cadence days.
func (s *EMIService) GenerateSchedule(finalPrice int64, n int, start time.Time) ([]models.Installment, error) {
	if n < 1 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "number of installments must be at least 1")
	}
	if finalPrice < 0 {
		return nil, appErrors.Clone(appErrors.ErrValidation, "final price cannot be negative")
	}

	base := finalPrice / int64(n)
	installments := make([]models.Installment, n)
	var allocated int64
	for k := 1; k <= n; k++ {
		amount := base
		if k == n {
			amount = finalPrice - allocated
		}
		allocated += amount
		installments[k-1] = models.Installment{
			Number:  k,
			Amount:  amount,
			DueDate: start.AddDate(0, 0, (k-1)*s.policy.CadenceDays),
			Status:  models.InstallmentStatusPending,
		}
	}
	return installments, nil
}

// ValidatePayment checks an installment payment against the schedule before
// the ledger applies it. It returns the target installment, whether the call
// is a replay of an already settled transaction, or a typed error.
func (s *EMIService) ValidatePayment(installments []models.Installment, number int, transactionID string, amount int64) (*models.Installment, bool, error) {
	var target *models.Installment
	for i := range installments {
		if installments[i].Number == number {
			target = &installments[i]
			break
		}
	}
	if target == nil {
		return nil, false, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("installment %d not found", number))
	}

	switch target.Status {
	case models.InstallmentStatusPaid:
		if target.TransactionID != nil && *target.TransactionID == transactionID {
			return target, true, nil
		}
		return nil, false, appErrors.Clone(appErrors.ErrAlreadySettled,
			fmt.Sprintf("installment %d already settled with a different transaction", number))
	case models.InstallmentStatusSkipped:
		return nil, false, appErrors.Clone(appErrors.ErrInvalidState,
			fmt.Sprintf("installment %d was skipped", number))
	}

	if owed := target.AmountOwed(); amount != owed {
		return nil, false, appErrors.Clone(appErrors.ErrAmountMismatch,
			fmt.Sprintf("expected %d, got %d for installment %d", owed, amount, number))
	}
	return target, false, nil
}

// NextPaymentDate returns the due date of the earliest remaining pending
// installment, or nil when none remain.
func (s *EMIService) NextPaymentDate(installments []models.Installment) *time.Time {
	var next *time.Time
	for i := range installments {
		if installments[i].Status != models.InstallmentStatusPending {
			continue
		}
		due := installments[i].DueDate
		if next == nil || due.Before(*next) {
			d := due
			next = &d
		}
	}
	return next
}

// Totals sums pending amounts, separately accumulating those past grace.
func (s *EMIService) Totals(installments []models.Installment, now time.Time) (outstanding, overdue int64, overdueCount int) {
	for i := range installments {
		inst := &installments[i]
		if inst.Status != models.InstallmentStatusPending {
			continue
		}
		outstanding += inst.AmountOwed()
		if inst.IsOverdue(now, s.policy.GracePeriodDays) {
			overdue += inst.AmountOwed()
			overdueCount++
		}
	}
	return outstanding, overdue, overdueCount
}

// HasOverdue reports whether any installment is overdue at the given instant.
func (s *EMIService) HasOverdue(installments []models.Installment, now time.Time) bool {
	for i := range installments {
		if installments[i].IsOverdue(now, s.policy.GracePeriodDays) {
			return true
		}
	}
	return false
}

// AccrueLateFees captures the configured late fee on installments whose
// overdue state is observed for the first time. The repository guard keeps
// the fee set-once, so concurrent observers cannot stack surcharges.
func (s *EMIService) AccrueLateFees(ctx context.Context, enrollmentID string, installments []models.Installment, now time.Time) ([]models.Installment, error) {
	if s.policy.LateFeeMode == LateFeeModeNone {
		return installments, nil
	}
	for i := range installments {
		inst := &installments[i]
		if inst.LateFee > 0 || !inst.IsOverdue(now, s.policy.GracePeriodDays) {
			continue
		}
		fee := s.lateFeeFor(inst.Amount)
		if fee <= 0 {
			continue
		}
		set, err := s.store.SetLateFee(ctx, enrollmentID, inst.Number, fee)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to record late fee")
		}
		if set {
			inst.LateFee = fee
			s.logger.Info("late fee accrued",
				zap.String("enrollment_id", enrollmentID),
				zap.Int("installment", inst.Number),
				zap.Int64("fee", fee))
			// The set-once guard makes this fire exactly once per installment.
			s.notify.Dispatch(EventInstallmentOverdue, map[string]interface{}{
				"enrollment_id": enrollmentID,
				"installment":   inst.Number,
				"late_fee":      fee,
				"amount_owed":   inst.AmountOwed(),
			})
		}
	}
	return installments, nil
}

// Summary loads the schedule, accrues any newly observed late fees and
// returns the derived totals.
func (s *EMIService) Summary(ctx context.Context, enrollmentID string, now time.Time) (*EMISummary, error) {
	installments, err := s.store.ListInstallments(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule")
	}
	installments, err = s.AccrueLateFees(ctx, enrollmentID, installments, now)
	if err != nil {
		return nil, err
	}

	outstanding, overdue, overdueCount := s.Totals(installments, now)
	return &EMISummary{
		EnrollmentID:    enrollmentID,
		Schedule:        installments,
		NextPaymentDate: s.NextPaymentDate(installments),
		Outstanding:     outstanding,
		OverdueAmount:   overdue,
		OverdueCount:    overdueCount,
	}, nil
}

// Skip marks a pending installment skipped by explicit admin action.
func (s *EMIService) Skip(ctx context.Context, enrollmentID string, number int) error {
	skipped, err := s.store.SkipInstallment(ctx, enrollmentID, number)
	if err != nil {
		return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to skip installment")
	}
	if !skipped {
		return appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("installment %d is not pending", number))
	}
	return nil
}

func (s *EMIService) lateFeeFor(amount int64) int64 {
	switch s.policy.LateFeeMode {
	case LateFeeModeFixed:
		return s.policy.LateFeeFixed
	case LateFeeModePercent:
		return int64(math.Round(float64(amount) * s.policy.LateFeePercent / 100))
	default:
		return 0
	}
}
