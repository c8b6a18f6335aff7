package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-pay-api/internal/models"
)

// PaymentRepository provides read access to the append-only payment ledger.
// Writes go through EnrollmentRepository.ApplyPayment so they stay inside the
// per-enrollment transaction.
type PaymentRepository struct {
	db *sqlx.DB
}

// NewPaymentRepository constructs the repository.
func NewPaymentRepository(db *sqlx.DB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

const paymentColumns = `id, enrollment_id, transaction_id, amount, currency, method, status, installment_number, recorded_at`

// ListByEnrollment returns all ledger entries of an enrollment in recording order.
func (r *PaymentRepository) ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_records WHERE enrollment_id = $1 ORDER BY recorded_at, id`
	var entries []models.PaymentRecord
	if err := r.db.SelectContext(ctx, &entries, query, enrollmentID); err != nil {
		return nil, fmt.Errorf("list ledger entries: %w", err)
	}
	return entries, nil
}

// FindByTransactionID returns the ledger entry for an idempotency key, or nil
// when none exists.
func (r *PaymentRepository) FindByTransactionID(ctx context.Context, enrollmentID, transactionID string) (*models.PaymentRecord, error) {
	query := `SELECT ` + paymentColumns + ` FROM payment_records WHERE enrollment_id = $1 AND transaction_id = $2`
	var entry models.PaymentRecord
	if err := r.db.GetContext(ctx, &entry, query, enrollmentID, transactionID); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("find ledger entry: %w", err)
	}
	return &entry, nil
}

// SumCompleted returns the sum of COMPLETED entry amounts for an enrollment.
func (r *PaymentRepository) SumCompleted(ctx context.Context, enrollmentID string) (int64, error) {
	const query = `SELECT COALESCE(SUM(amount), 0) FROM payment_records WHERE enrollment_id = $1 AND status = $2`
	var total int64
	if err := r.db.GetContext(ctx, &total, query, enrollmentID, models.PaymentStatusCompleted); err != nil {
		return 0, fmt.Errorf("sum completed payments: %w", err)
	}
	return total, nil
}
