package models

import "time"

// PaymentStatus is the gateway-reported outcome of a transaction.
type PaymentStatus string

// Possible payment statuses.
const (
	PaymentStatusCompleted PaymentStatus = "COMPLETED"
	PaymentStatusFailed    PaymentStatus = "FAILED"
	PaymentStatusPending   PaymentStatus = "PENDING"
)

// PaymentRecord is one append-only ledger entry. TransactionID is the
// idempotency key: a redelivered gateway callback with the same id resolves
// to the original entry.
type PaymentRecord struct {
	ID                string        `db:"id" json:"id"`
	EnrollmentID      string        `db:"enrollment_id" json:"enrollment_id"`
	TransactionID     string        `db:"transaction_id" json:"transaction_id"`
	Amount            int64         `db:"amount" json:"amount"`
	Currency          string        `db:"currency" json:"currency"`
	Method            string        `db:"method" json:"method"`
	Status            PaymentStatus `db:"status" json:"status"`
	InstallmentNumber *int          `db:"installment_number" json:"installment_number,omitempty"`
	RecordedAt        time.Time     `db:"recorded_at" json:"recorded_at"`
}

// PaymentEvent is the tagged payment variant handed to the ledger.
// InstallmentNumber nil means a full payment; otherwise it targets one
// installment of the schedule.
type PaymentEvent struct {
	TransactionID     string        `json:"transaction_id" validate:"required"`
	Amount            int64         `json:"amount" validate:"gt=0"`
	Currency          string        `json:"currency" validate:"required,len=3"`
	Method            string        `json:"method" validate:"required"`
	Status            PaymentStatus `json:"status" validate:"required,oneof=COMPLETED FAILED PENDING"`
	InstallmentNumber *int          `json:"installment_number,omitempty" validate:"omitempty,gte=1"`
}

// IsInstallment reports whether the event targets an installment.
func (e PaymentEvent) IsInstallment() bool {
	return e.InstallmentNumber != nil
}

// PaymentResult bundles the outcome of recording a payment.
type PaymentResult struct {
	Enrollment *Enrollment    `json:"enrollment"`
	Entry      *PaymentRecord `json:"ledger_entry"`
	Replayed   bool           `json:"replayed"`
}
