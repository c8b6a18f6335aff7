package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-pay-api/internal/gateway"
	"github.com/noah-isme/lms-pay-api/internal/models"
	"github.com/noah-isme/lms-pay-api/internal/repository"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
)

type paymentLedger interface {
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	ListInstallments(ctx context.Context, enrollmentID string) ([]models.Installment, error)
	ApplyPayment(ctx context.Context, params repository.ApplyPaymentParams) (*models.PaymentRecord, bool, error)
}

type ledgerIndex interface {
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.PaymentRecord, error)
	FindByTransactionID(ctx context.Context, enrollmentID, transactionID string) (*models.PaymentRecord, error)
}

type paymentGateway interface {
	CreateOrder(ctx context.Context, amount int64, currency, receipt string, notes map[string]string) (*gateway.Order, error)
	VerifyWebhookSignature(body []byte, signature string) bool
}

type paymentMetrics interface {
	PaymentRecorded(status models.PaymentStatus)
	PaymentReplayed()
}

// PaymentService records payment events against the append-only ledger and
// applies their effects to installment schedules and enrollment balances.
// Every mutation goes through an optimistic retry loop keyed on the
// enrollment version.
type PaymentService struct {
	ledger    paymentLedger
	index     ledgerIndex
	gateway   paymentGateway
	emi       *EMIService
	notify    *NotificationDispatcher
	metrics   paymentMetrics
	retries   int
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewPaymentService constructs PaymentService.
func NewPaymentService(
	ledger paymentLedger,
	index ledgerIndex,
	gw paymentGateway,
	emi *EMIService,
	notify *NotificationDispatcher,
	metrics paymentMetrics,
	retries int,
	validate *validator.Validate,
	logger *zap.Logger,
) *PaymentService {
	if retries <= 0 {
		retries = 3
	}
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PaymentService{
		ledger:    ledger,
		index:     index,
		gateway:   gw,
		emi:       emi,
		notify:    notify,
		metrics:   metrics,
		retries:   retries,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// InitiateOrder registers a gateway order for the amount currently owed:
// the full price for FULL plans, the targeted installment's amount plus any
// late fee for INSTALLMENT plans.
func (s *PaymentService) InitiateOrder(ctx context.Context, enrollmentID string, installmentNumber *int) (*gateway.Order, error) {
	enrollment, err := s.loadEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}

	var amount int64
	notes := map[string]string{"enrollment_id": enrollmentID}
	switch {
	case enrollment.PaymentPlan == models.PaymentPlanFull:
		amount = enrollment.PricingSnapshot.FinalPrice
	case installmentNumber == nil:
		return nil, appErrors.Clone(appErrors.ErrValidation, "installment number is required for installment plans")
	default:
		installments, err := s.ledger.ListInstallments(ctx, enrollmentID)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule")
		}
		installments, err = s.emi.AccrueLateFees(ctx, enrollmentID, installments, s.now())
		if err != nil {
			return nil, err
		}
		var target *models.Installment
		for i := range installments {
			if installments[i].Number == *installmentNumber {
				target = &installments[i]
				break
			}
		}
		if target == nil {
			return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("installment %d not found", *installmentNumber))
		}
		if target.Status != models.InstallmentStatusPending {
			return nil, appErrors.Clone(appErrors.ErrInvalidState, fmt.Sprintf("installment %d is not payable", *installmentNumber))
		}
		amount = target.AmountOwed()
		notes["installment_number"] = strconv.Itoa(*installmentNumber)
	}

	order, err := s.gateway.CreateOrder(ctx, amount, enrollment.PricingSnapshot.Currency, enrollmentID, notes)
	if err != nil {
		return nil, err
	}
	s.logger.Info("gateway order created",
		zap.String("enrollment_id", enrollmentID),
		zap.String("order_id", order.ID),
		zap.Int64("amount", amount))
	return order, nil
}

// Record applies a payment event to an enrollment. Redelivered transaction
// ids resolve to the original ledger entry with no mutation, with one
// exception: gateways deliver authorization and capture of a single payment
// under the same payment id, so a COMPLETED event promotes an earlier
// non-COMPLETED entry instead of replaying against it. FAILED and PENDING
// events are appended for audit only. COMPLETED events mark the target
// installment paid (or settle the full price), bump the enrollment balance,
// and activate a pending enrollment on its first completed payment.
func (s *PaymentService) Record(ctx context.Context, enrollmentID string, event models.PaymentEvent) (*models.PaymentResult, error) {
	if err := s.validator.Struct(event); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid payment event")
	}

	var lastErr error
	for attempt := 0; attempt < s.retries; attempt++ {
		result, err := s.recordOnce(ctx, enrollmentID, event)
		if err == nil {
			return result, nil
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, err
		}
		lastErr = err
		s.logger.Debug("payment application lost version race, retrying",
			zap.String("enrollment_id", enrollmentID),
			zap.String("transaction_id", event.TransactionID),
			zap.Int("attempt", attempt+1))
	}
	return nil, appErrors.Wrap(lastErr, appErrors.ErrConflict.Code, appErrors.ErrConflict.Status,
		"enrollment is being modified concurrently, retry the payment")
}

func (s *PaymentService) recordOnce(ctx context.Context, enrollmentID string, event models.PaymentEvent) (*models.PaymentResult, error) {
	enrollment, err := s.loadEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if enrollment.Status == models.EnrollmentStatusCancelled || enrollment.Status == models.EnrollmentStatusExpired {
		return nil, appErrors.Clone(appErrors.ErrInvalidState,
			fmt.Sprintf("enrollment is %s and no longer accepts payments", enrollment.Status))
	}

	// Replay pre-check outside the transaction keeps the common redelivery
	// path cheap; the unique constraint inside ApplyPayment stays the final
	// arbiter under concurrency.
	if existing, err := s.index.FindByTransactionID(ctx, enrollmentID, event.TransactionID); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to check ledger")
	} else if existing != nil && !supersedes(event.Status, existing.Status) {
		return s.replayResult(enrollment, existing)
	}

	params := repository.ApplyPaymentParams{
		EnrollmentID: enrollmentID,
		Version:      enrollment.Version,
		PaidDate:     s.now(),
		Entry: models.PaymentRecord{
			EnrollmentID:      enrollmentID,
			TransactionID:     event.TransactionID,
			Amount:            event.Amount,
			Currency:          event.Currency,
			Method:            event.Method,
			Status:            event.Status,
			InstallmentNumber: event.InstallmentNumber,
		},
	}

	if event.Status == models.PaymentStatusCompleted {
		switch enrollment.PaymentPlan {
		case models.PaymentPlanFull:
			if event.IsInstallment() {
				return nil, appErrors.Clone(appErrors.ErrValidation, "full payment plans do not take installment payments")
			}
			if enrollment.TotalAmountPaid >= enrollment.PricingSnapshot.FinalPrice {
				return nil, appErrors.Clone(appErrors.ErrAlreadySettled, "course price already settled")
			}
			if event.Amount != enrollment.PricingSnapshot.FinalPrice {
				return nil, appErrors.Clone(appErrors.ErrAmountMismatch,
					fmt.Sprintf("expected %d, got %d", enrollment.PricingSnapshot.FinalPrice, event.Amount))
			}
		case models.PaymentPlanInstallment:
			if !event.IsInstallment() {
				return nil, appErrors.Clone(appErrors.ErrValidation, "installment plans require an installment number")
			}
			installments, err := s.ledger.ListInstallments(ctx, enrollmentID)
			if err != nil {
				return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule")
			}
			installments, err = s.emi.AccrueLateFees(ctx, enrollmentID, installments, s.now())
			if err != nil {
				return nil, err
			}
			_, replay, err := s.emi.ValidatePayment(installments, *event.InstallmentNumber, event.TransactionID, event.Amount)
			if err != nil {
				return nil, err
			}
			if replay {
				// Installment already carries this transaction but the
				// ledger lookup missed it; fall through and let the unique
				// constraint resolve the entry.
				s.logger.Warn("installment replay without ledger entry",
					zap.String("enrollment_id", enrollmentID),
					zap.String("transaction_id", event.TransactionID))
			}
		}
		if enrollment.Status == models.EnrollmentStatusPending {
			active := models.EnrollmentStatusActive
			params.NewStatus = &active
		}
		params.InstallmentNumber = event.InstallmentNumber
	}

	entry, replayed, err := s.ledger.ApplyPayment(ctx, params)
	if err != nil {
		return nil, err
	}
	if replayed {
		return s.replayResult(enrollment, entry)
	}

	if s.metrics != nil {
		s.metrics.PaymentRecorded(event.Status)
	}
	if event.Status == models.PaymentStatusCompleted {
		s.notify.Dispatch(EventPaymentReceived, map[string]interface{}{
			"enrollment_id":  enrollmentID,
			"transaction_id": event.TransactionID,
			"amount":         event.Amount,
		})
	}
	s.logger.Info("payment recorded",
		zap.String("enrollment_id", enrollmentID),
		zap.String("transaction_id", event.TransactionID),
		zap.String("status", string(event.Status)),
		zap.Int64("amount", event.Amount))

	updated, err := s.loadEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	return &models.PaymentResult{Enrollment: updated, Entry: entry, Replayed: false}, nil
}

// supersedes reports whether an incoming event may overwrite an existing
// ledger entry carrying the same transaction id. Only a capture over an
// earlier authorization or failure qualifies; a settled entry never demotes.
func supersedes(incoming, existing models.PaymentStatus) bool {
	return incoming == models.PaymentStatusCompleted && existing != models.PaymentStatusCompleted
}

func (s *PaymentService) replayResult(enrollment *models.Enrollment, entry *models.PaymentRecord) (*models.PaymentResult, error) {
	if s.metrics != nil {
		s.metrics.PaymentReplayed()
	}
	s.logger.Info("payment replayed",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("transaction_id", entry.TransactionID))
	return &models.PaymentResult{Enrollment: enrollment, Entry: entry, Replayed: true}, nil
}

// History returns the ledger of an enrollment in recording order.
func (s *PaymentService) History(ctx context.Context, enrollmentID string) ([]models.PaymentRecord, error) {
	if _, err := s.loadEnrollment(ctx, enrollmentID); err != nil {
		return nil, err
	}
	entries, err := s.index.ListByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger")
	}
	return entries, nil
}

// gatewayWebhook is the Razorpay-style webhook envelope.
type gatewayWebhook struct {
	Event   string `json:"event"`
	Payload struct {
		Payment struct {
			Entity struct {
				ID       string            `json:"id"`
				OrderID  string            `json:"order_id"`
				Amount   int64             `json:"amount"`
				Currency string            `json:"currency"`
				Method   string            `json:"method"`
				Status   string            `json:"status"`
				Notes    map[string]string `json:"notes"`
			} `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

// HandleWebhook verifies the gateway signature, maps the webhook event onto a
// payment event and records it. Signature verification happens before any
// parsing: an unsigned body is rejected outright.
func (s *PaymentService) HandleWebhook(ctx context.Context, body []byte, signature string) (*models.PaymentResult, error) {
	if !s.gateway.VerifyWebhookSignature(body, signature) {
		return nil, appErrors.Clone(appErrors.ErrUnauthorized, "invalid webhook signature")
	}

	var hook gatewayWebhook
	if err := json.Unmarshal(body, &hook); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "malformed webhook payload")
	}

	entity := hook.Payload.Payment.Entity
	enrollmentID := entity.Notes["enrollment_id"]
	if enrollmentID == "" {
		return nil, appErrors.Clone(appErrors.ErrValidation, "webhook payment carries no enrollment reference")
	}

	var status models.PaymentStatus
	switch hook.Event {
	case "payment.captured":
		status = models.PaymentStatusCompleted
	case "payment.failed":
		status = models.PaymentStatusFailed
	case "payment.authorized":
		status = models.PaymentStatusPending
	default:
		s.logger.Debug("ignoring webhook event", zap.String("event", hook.Event))
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unsupported webhook event %q", hook.Event))
	}

	event := models.PaymentEvent{
		TransactionID: entity.ID,
		Amount:        entity.Amount,
		Currency:      entity.Currency,
		Method:        entity.Method,
		Status:        status,
	}
	if raw := entity.Notes["installment_number"]; raw != "" {
		number, err := strconv.Atoi(raw)
		if err != nil || number < 1 {
			return nil, appErrors.Clone(appErrors.ErrValidation, "webhook carries an invalid installment number")
		}
		event.InstallmentNumber = &number
	}

	return s.Record(ctx, enrollmentID, event)
}

func (s *PaymentService) loadEnrollment(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.ledger.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}
