package models

import (
	"time"

	"github.com/lib/pq"
)

// EnrollmentStatus represents the lifecycle of an enrollment.
type EnrollmentStatus string

// Possible enrollment statuses. Transitions are monotonic along
// PENDING → ACTIVE → COMPLETED; CANCELLED and EXPIRED are reachable from
// PENDING or ACTIVE only; ON_HOLD is a reversible side branch of ACTIVE.
const (
	EnrollmentStatusPending   EnrollmentStatus = "PENDING"
	EnrollmentStatusActive    EnrollmentStatus = "ACTIVE"
	EnrollmentStatusOnHold    EnrollmentStatus = "ON_HOLD"
	EnrollmentStatusCompleted EnrollmentStatus = "COMPLETED"
	EnrollmentStatusCancelled EnrollmentStatus = "CANCELLED"
	EnrollmentStatusExpired   EnrollmentStatus = "EXPIRED"
)

// EnrollmentType distinguishes individual from batch enrollments.
type EnrollmentType string

// Possible enrollment types.
const (
	EnrollmentTypeIndividual EnrollmentType = "INDIVIDUAL"
	EnrollmentTypeBatch      EnrollmentType = "BATCH"
)

// PaymentPlan selects upfront or installment payment.
type PaymentPlan string

// Possible payment plans.
const (
	PaymentPlanFull        PaymentPlan = "FULL"
	PaymentPlanInstallment PaymentPlan = "INSTALLMENT"
)

// Enrollment ties a student to a course (optionally through a batch) and
// owns the pricing snapshot, the installment schedule and the payment ledger.
// Version is the optimistic concurrency counter guarding all mutations.
type Enrollment struct {
	ID               string           `db:"id" json:"id"`
	StudentID        string           `db:"student_id" json:"student_id"`
	CourseID         string           `db:"course_id" json:"course_id"`
	BatchID          *string          `db:"batch_id" json:"batch_id,omitempty"`
	EnrollmentType   EnrollmentType   `db:"enrollment_type" json:"enrollment_type"`
	Status           EnrollmentStatus `db:"status" json:"status"`
	PaymentPlan      PaymentPlan      `db:"payment_plan" json:"payment_plan"`
	PricingSnapshot  PricingSnapshot  `db:"-" json:"pricing_snapshot"`
	AccessExpiryDate time.Time        `db:"access_expiry_date" json:"access_expiry_date"`
	TotalAmountPaid  int64            `db:"total_amount_paid" json:"total_amount_paid"`
	BatchMembers     pq.StringArray   `db:"batch_members" json:"batch_members,omitempty"`
	AuditNote        *string          `db:"audit_note" json:"audit_note,omitempty"`
	Version          int              `db:"version" json:"-"`
	CreatedAt        time.Time        `db:"created_at" json:"created_at"`
	UpdatedAt        time.Time        `db:"updated_at" json:"updated_at"`

	Installments []Installment   `db:"-" json:"installments,omitempty"`
	Ledger       []PaymentRecord `db:"-" json:"ledger,omitempty"`
}

// CanTransitionTo reports whether moving to the target status is legal.
func (e *Enrollment) CanTransitionTo(target EnrollmentStatus) bool {
	switch target {
	case EnrollmentStatusActive:
		return e.Status == EnrollmentStatusPending || e.Status == EnrollmentStatusOnHold
	case EnrollmentStatusOnHold:
		return e.Status == EnrollmentStatusActive
	case EnrollmentStatusCompleted:
		return e.Status == EnrollmentStatusActive
	case EnrollmentStatusCancelled, EnrollmentStatusExpired:
		return e.Status == EnrollmentStatusPending || e.Status == EnrollmentStatusActive || e.Status == EnrollmentStatusOnHold
	default:
		return false
	}
}

// InstallmentStatus represents the stored state of an installment.
// Overdue is derived from the due date and grace period, never stored.
type InstallmentStatus string

// Possible installment statuses. PENDING → PAID (or PENDING → SKIPPED by
// explicit admin action); PAID is terminal.
const (
	InstallmentStatusPending InstallmentStatus = "PENDING"
	InstallmentStatusPaid    InstallmentStatus = "PAID"
	InstallmentStatusSkipped InstallmentStatus = "SKIPPED"
)

// Installment is one slice of an installment schedule. Number and Amount are
// immutable once scheduled.
type Installment struct {
	ID            string            `db:"id" json:"id"`
	EnrollmentID  string            `db:"enrollment_id" json:"enrollment_id"`
	Number        int               `db:"number" json:"number"`
	Amount        int64             `db:"amount" json:"amount"`
	DueDate       time.Time         `db:"due_date" json:"due_date"`
	Status        InstallmentStatus `db:"status" json:"status"`
	PaidDate      *time.Time        `db:"paid_date" json:"paid_date,omitempty"`
	TransactionID *string           `db:"transaction_id" json:"transaction_id,omitempty"`
	LateFee       int64             `db:"late_fee" json:"late_fee"`
}

// IsOverdue derives the overdue state for the given instant.
func (i *Installment) IsOverdue(now time.Time, graceDays int) bool {
	if i.Status != InstallmentStatusPending {
		return false
	}
	return now.After(i.DueDate.AddDate(0, 0, graceDays))
}

// AmountOwed is the amount plus any accrued late fee.
func (i *Installment) AmountOwed() int64 {
	return i.Amount + i.LateFee
}

// EnrollmentFilter provides filters for listing enrollments.
type EnrollmentFilter struct {
	StudentID string
	CourseID  string
	BatchID   string
	Status    EnrollmentStatus
	Plan      PaymentPlan
	Page      int
	PageSize  int
	SortBy    string
	SortOrder string
}
