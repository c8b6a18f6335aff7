package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/noah-isme/lms-pay-api/internal/models"
)

// ErrVersionConflict signals that an optimistic update lost the race and the
// caller should re-read the enrollment and retry.
var ErrVersionConflict = errors.New("enrollment version conflict")

// EnrollmentRepository handles persistence of enrollments, their installment
// schedules and the payment ledger rows that mutate them.
type EnrollmentRepository struct {
	db *sqlx.DB
}

// NewEnrollmentRepository constructs the repository.
func NewEnrollmentRepository(db *sqlx.DB) *EnrollmentRepository {
	return &EnrollmentRepository{db: db}
}

// enrollmentRow is the flat scan target; the pricing snapshot is stored as
// columns on the enrollments table and folded back into the model.
type enrollmentRow struct {
	ID               string                  `db:"id"`
	StudentID        string                  `db:"student_id"`
	CourseID         string                  `db:"course_id"`
	BatchID          *string                 `db:"batch_id"`
	EnrollmentType   models.EnrollmentType   `db:"enrollment_type"`
	Status           models.EnrollmentStatus `db:"status"`
	PaymentPlan      models.PaymentPlan      `db:"payment_plan"`
	OriginalPrice    int64                   `db:"original_price"`
	FinalPrice       int64                   `db:"final_price"`
	DiscountApplied  int64                   `db:"discount_applied"`
	Currency         string                  `db:"currency"`
	PricingType      models.PricingType      `db:"pricing_type"`
	AccessExpiryDate time.Time               `db:"access_expiry_date"`
	TotalAmountPaid  int64                   `db:"total_amount_paid"`
	BatchMembers     pq.StringArray          `db:"batch_members"`
	AuditNote        *string                 `db:"audit_note"`
	Version          int                     `db:"version"`
	CreatedAt        time.Time               `db:"created_at"`
	UpdatedAt        time.Time               `db:"updated_at"`
}

const enrollmentColumns = `id, student_id, course_id, batch_id, enrollment_type, status, payment_plan,
        original_price, final_price, discount_applied, currency, pricing_type,
        access_expiry_date, total_amount_paid, batch_members, audit_note, version, created_at, updated_at`

func (row enrollmentRow) toModel() models.Enrollment {
	return models.Enrollment{
		ID:             row.ID,
		StudentID:      row.StudentID,
		CourseID:       row.CourseID,
		BatchID:        row.BatchID,
		EnrollmentType: row.EnrollmentType,
		Status:         row.Status,
		PaymentPlan:    row.PaymentPlan,
		PricingSnapshot: models.PricingSnapshot{
			OriginalPrice:   row.OriginalPrice,
			FinalPrice:      row.FinalPrice,
			DiscountApplied: row.DiscountApplied,
			Currency:        row.Currency,
			PricingType:     row.PricingType,
		},
		AccessExpiryDate: row.AccessExpiryDate,
		TotalAmountPaid:  row.TotalAmountPaid,
		BatchMembers:     row.BatchMembers,
		AuditNote:        row.AuditNote,
		Version:          row.Version,
		CreatedAt:        row.CreatedAt,
		UpdatedAt:        row.UpdatedAt,
	}
}

func fromModel(e *models.Enrollment) enrollmentRow {
	return enrollmentRow{
		ID:               e.ID,
		StudentID:        e.StudentID,
		CourseID:         e.CourseID,
		BatchID:          e.BatchID,
		EnrollmentType:   e.EnrollmentType,
		Status:           e.Status,
		PaymentPlan:      e.PaymentPlan,
		OriginalPrice:    e.PricingSnapshot.OriginalPrice,
		FinalPrice:       e.PricingSnapshot.FinalPrice,
		DiscountApplied:  e.PricingSnapshot.DiscountApplied,
		Currency:         e.PricingSnapshot.Currency,
		PricingType:      e.PricingSnapshot.PricingType,
		AccessExpiryDate: e.AccessExpiryDate,
		TotalAmountPaid:  e.TotalAmountPaid,
		BatchMembers:     e.BatchMembers,
		AuditNote:        e.AuditNote,
		Version:          e.Version,
		CreatedAt:        e.CreatedAt,
		UpdatedAt:        e.UpdatedAt,
	}
}

// Create persists a new enrollment together with its installment schedule in
// a single transaction. The schedule may be empty for full payment plans.
func (r *EnrollmentRepository) Create(ctx context.Context, enrollment *models.Enrollment, installments []models.Installment) error {
	if enrollment.ID == "" {
		enrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	if enrollment.CreatedAt.IsZero() {
		enrollment.CreatedAt = now
	}
	enrollment.UpdatedAt = now
	if enrollment.Version == 0 {
		enrollment.Version = 1
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create enrollment: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const query = `INSERT INTO enrollments (` + enrollmentColumns + `)
        VALUES (:id, :student_id, :course_id, :batch_id, :enrollment_type, :status, :payment_plan,
        :original_price, :final_price, :discount_applied, :currency, :pricing_type,
        :access_expiry_date, :total_amount_paid, :batch_members, :audit_note, :version, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, query, fromModel(enrollment)); err != nil {
		return fmt.Errorf("create enrollment: %w", err)
	}

	if err := insertInstallments(ctx, tx, enrollment.ID, installments); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create enrollment: %w", err)
	}
	return nil
}

// FindByID returns an enrollment by its ID without child rows.
func (r *EnrollmentRepository) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	query := `SELECT ` + enrollmentColumns + ` FROM enrollments WHERE id = $1`
	var row enrollmentRow
	if err := r.db.GetContext(ctx, &row, query, id); err != nil {
		return nil, err
	}
	enrollment := row.toModel()
	return &enrollment, nil
}

// ListInstallments returns the schedule of an enrollment ordered by number.
func (r *EnrollmentRepository) ListInstallments(ctx context.Context, enrollmentID string) ([]models.Installment, error) {
	const query = `SELECT id, enrollment_id, number, amount, due_date, status, paid_date, transaction_id, late_fee
        FROM installments WHERE enrollment_id = $1 ORDER BY number`
	var installments []models.Installment
	if err := r.db.SelectContext(ctx, &installments, query, enrollmentID); err != nil {
		return nil, fmt.Errorf("list installments: %w", err)
	}
	return installments, nil
}

// List returns enrollments filtered by the provided criteria.
func (r *EnrollmentRepository) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	var conditions []string
	var args []interface{}

	if filter.StudentID != "" {
		conditions = append(conditions, fmt.Sprintf("student_id = $%d", len(args)+1))
		args = append(args, filter.StudentID)
	}
	if filter.CourseID != "" {
		conditions = append(conditions, fmt.Sprintf("course_id = $%d", len(args)+1))
		args = append(args, filter.CourseID)
	}
	if filter.BatchID != "" {
		conditions = append(conditions, fmt.Sprintf("batch_id = $%d", len(args)+1))
		args = append(args, filter.BatchID)
	}
	if filter.Status != "" {
		conditions = append(conditions, fmt.Sprintf("status = $%d", len(args)+1))
		args = append(args, filter.Status)
	}
	if filter.Plan != "" {
		conditions = append(conditions, fmt.Sprintf("payment_plan = $%d", len(args)+1))
		args = append(args, filter.Plan)
	}

	clause := ""
	if len(conditions) > 0 {
		clause = " WHERE " + strings.Join(conditions, " AND ")
	}

	allowedSorts := map[string]string{
		"created_at":    "created_at",
		"access_expiry": "access_expiry_date",
		"total_paid":    "total_amount_paid",
	}
	orderBy := allowedSorts[filter.SortBy]
	if orderBy == "" {
		orderBy = "created_at"
	}
	order := strings.ToUpper(filter.SortOrder)
	if order != "ASC" && order != "DESC" {
		order = "DESC"
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 || size > 100 {
		size = 20
	}
	offset := (page - 1) * size

	query := fmt.Sprintf(`SELECT %s FROM enrollments%s ORDER BY %s %s LIMIT %d OFFSET %d`,
		enrollmentColumns, clause, orderBy, order, size, offset)

	var rows []enrollmentRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, 0, fmt.Errorf("list enrollments: %w", err)
	}
	enrollments := make([]models.Enrollment, len(rows))
	for i, row := range rows {
		enrollments[i] = row.toModel()
	}

	countQuery := "SELECT COUNT(*) FROM enrollments" + clause
	var total int
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, fmt.Errorf("count enrollments: %w", err)
	}
	return enrollments, total, nil
}

// ExistsForStudentCourse checks whether the student already holds an
// enrollment for the course in one of the given statuses.
func (r *EnrollmentRepository) ExistsForStudentCourse(ctx context.Context, studentID, courseID string, statuses []models.EnrollmentStatus) (bool, error) {
	if len(statuses) == 0 {
		return false, nil
	}
	placeholders := make([]string, len(statuses))
	args := []interface{}{studentID, courseID}
	for i, status := range statuses {
		placeholders[i] = fmt.Sprintf("$%d", len(args)+1)
		args = append(args, status)
	}
	query := fmt.Sprintf(`SELECT 1 FROM enrollments WHERE student_id = $1 AND course_id = $2 AND status IN (%s) LIMIT 1`,
		strings.Join(placeholders, ","))
	var exists int
	if err := r.db.GetContext(ctx, &exists, query, args...); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("check existing enrollment: %w", err)
	}
	return true, nil
}

// UpdateStatus performs a compare-and-swap status update guarded by the
// version counter. Returns ErrVersionConflict when another writer won.
func (r *EnrollmentRepository) UpdateStatus(ctx context.Context, id string, version int, status models.EnrollmentStatus, auditNote *string) error {
	const query = `UPDATE enrollments
        SET status = $3, audit_note = COALESCE($4, audit_note), version = version + 1, updated_at = $5
        WHERE id = $1 AND version = $2`
	res, err := r.db.ExecContext(ctx, query, id, version, status, auditNote, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update enrollment status: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}
	return nil
}

// ApplyPaymentParams describes one atomic ledger application.
type ApplyPaymentParams struct {
	EnrollmentID      string
	Version           int
	Entry             models.PaymentRecord
	InstallmentNumber *int
	NewStatus         *models.EnrollmentStatus
	PaidDate          time.Time
}

// ApplyPayment appends a ledger entry and applies its effects in a single
// transaction: for COMPLETED entries it marks the target installment paid
// (when any) and bumps total_amount_paid under the version guard. A
// redelivered transaction_id short-circuits into a replay with no mutation,
// unless the new entry is COMPLETED and the stored one is not: the gateway
// reuses one payment id across authorization and capture, so the capture
// promotes the earlier audit entry in place and applies its effects.
func (r *EnrollmentRepository) ApplyPayment(ctx context.Context, params ApplyPaymentParams) (*models.PaymentRecord, bool, error) {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, false, fmt.Errorf("begin apply payment: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	entry := params.Entry
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.RecordedAt.IsZero() {
		entry.RecordedAt = time.Now().UTC()
	}
	entry.EnrollmentID = params.EnrollmentID

	const insertQuery = `INSERT INTO payment_records
        (id, enrollment_id, transaction_id, amount, currency, method, status, installment_number, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        ON CONFLICT (enrollment_id, transaction_id) DO NOTHING`
	res, err := tx.ExecContext(ctx, insertQuery,
		entry.ID, entry.EnrollmentID, entry.TransactionID, entry.Amount, entry.Currency,
		entry.Method, entry.Status, entry.InstallmentNumber, entry.RecordedAt)
	if err != nil {
		return nil, false, fmt.Errorf("append ledger entry: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, false, fmt.Errorf("append ledger entry: %w", err)
	}
	if affected == 0 {
		const existingQuery = `SELECT id, enrollment_id, transaction_id, amount, currency, method, status, installment_number, recorded_at
            FROM payment_records WHERE enrollment_id = $1 AND transaction_id = $2`
		var existing models.PaymentRecord
		if err := tx.GetContext(ctx, &existing, existingQuery, params.EnrollmentID, entry.TransactionID); err != nil {
			return nil, false, fmt.Errorf("load replayed ledger entry: %w", err)
		}
		if entry.Status != models.PaymentStatusCompleted || existing.Status == models.PaymentStatusCompleted {
			// Replay: return the original entry untouched.
			if err := tx.Commit(); err != nil {
				return nil, false, fmt.Errorf("commit replayed payment: %w", err)
			}
			return &existing, true, nil
		}
		// Capture after authorization: promote the stored entry and fall
		// through to apply the payment effects below.
		const promoteQuery = `UPDATE payment_records
            SET status = $3, amount = $4, method = $5, installment_number = $6, recorded_at = $7
            WHERE enrollment_id = $1 AND transaction_id = $2`
		if _, err := tx.ExecContext(ctx, promoteQuery, params.EnrollmentID, entry.TransactionID,
			entry.Status, entry.Amount, entry.Method, entry.InstallmentNumber, entry.RecordedAt); err != nil {
			return nil, false, fmt.Errorf("promote ledger entry: %w", err)
		}
		entry.ID = existing.ID
	}

	if entry.Status == models.PaymentStatusCompleted {
		if params.InstallmentNumber != nil {
			const payQuery = `UPDATE installments
                SET status = $3, paid_date = $4, transaction_id = $5
                WHERE enrollment_id = $1 AND number = $2 AND status = $6`
			res, err := tx.ExecContext(ctx, payQuery, params.EnrollmentID, *params.InstallmentNumber,
				models.InstallmentStatusPaid, params.PaidDate, entry.TransactionID, models.InstallmentStatusPending)
			if err != nil {
				return nil, false, fmt.Errorf("mark installment paid: %w", err)
			}
			affected, err := res.RowsAffected()
			if err != nil {
				return nil, false, fmt.Errorf("mark installment paid: %w", err)
			}
			if affected == 0 {
				return nil, false, ErrVersionConflict
			}
		}

		const bumpQuery = `UPDATE enrollments
            SET total_amount_paid = total_amount_paid + $3, status = COALESCE($4, status),
                version = version + 1, updated_at = $5
            WHERE id = $1 AND version = $2`
		res, err := tx.ExecContext(ctx, bumpQuery, params.EnrollmentID, params.Version,
			entry.Amount, params.NewStatus, time.Now().UTC())
		if err != nil {
			return nil, false, fmt.Errorf("apply payment to enrollment: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return nil, false, fmt.Errorf("apply payment to enrollment: %w", err)
		}
		if affected == 0 {
			return nil, false, ErrVersionConflict
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, false, fmt.Errorf("commit apply payment: %w", err)
	}
	return &entry, false, nil
}

// SetLateFee captures the late fee on a pending installment at most once.
// Returns false when the fee was already set or the installment left PENDING.
func (r *EnrollmentRepository) SetLateFee(ctx context.Context, enrollmentID string, number int, fee int64) (bool, error) {
	const query = `UPDATE installments SET late_fee = $3
        WHERE enrollment_id = $1 AND number = $2 AND status = $4 AND late_fee = 0`
	res, err := r.db.ExecContext(ctx, query, enrollmentID, number, fee, models.InstallmentStatusPending)
	if err != nil {
		return false, fmt.Errorf("set late fee: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set late fee: %w", err)
	}
	return affected == 1, nil
}

// SkipInstallment marks a pending installment skipped by admin action.
func (r *EnrollmentRepository) SkipInstallment(ctx context.Context, enrollmentID string, number int) (bool, error) {
	const query = `UPDATE installments SET status = $3
        WHERE enrollment_id = $1 AND number = $2 AND status = $4`
	res, err := r.db.ExecContext(ctx, query, enrollmentID, number,
		models.InstallmentStatusSkipped, models.InstallmentStatusPending)
	if err != nil {
		return false, fmt.Errorf("skip installment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("skip installment: %w", err)
	}
	return affected == 1, nil
}

// TransferParams describes moving an enrollment into a batch: the replacement
// enrollment, copies of the schedule and ledger, and the CAS cancellation of
// the source.
type TransferParams struct {
	NewEnrollment *models.Enrollment
	Installments  []models.Installment
	Ledger        []models.PaymentRecord
	SourceID      string
	SourceVersion int
	AuditNote     string
}

// Transfer creates the replacement enrollment with copied schedule and ledger
// and cancels the source, all in one transaction.
func (r *EnrollmentRepository) Transfer(ctx context.Context, params TransferParams) error {
	if params.NewEnrollment.ID == "" {
		params.NewEnrollment.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	params.NewEnrollment.CreatedAt = now
	params.NewEnrollment.UpdatedAt = now
	if params.NewEnrollment.Version == 0 {
		params.NewEnrollment.Version = 1
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transfer: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	const insertQuery = `INSERT INTO enrollments (` + enrollmentColumns + `)
        VALUES (:id, :student_id, :course_id, :batch_id, :enrollment_type, :status, :payment_plan,
        :original_price, :final_price, :discount_applied, :currency, :pricing_type,
        :access_expiry_date, :total_amount_paid, :batch_members, :audit_note, :version, :created_at, :updated_at)`
	if _, err := tx.NamedExecContext(ctx, insertQuery, fromModel(params.NewEnrollment)); err != nil {
		return fmt.Errorf("create transfer enrollment: %w", err)
	}

	if err := insertInstallments(ctx, tx, params.NewEnrollment.ID, params.Installments); err != nil {
		return err
	}

	const ledgerQuery = `INSERT INTO payment_records
        (id, enrollment_id, transaction_id, amount, currency, method, status, installment_number, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, entry := range params.Ledger {
		// Copies get fresh ids; the source rows keep theirs.
		entry.ID = uuid.NewString()
		if _, err := tx.ExecContext(ctx, ledgerQuery,
			entry.ID, params.NewEnrollment.ID, entry.TransactionID, entry.Amount, entry.Currency,
			entry.Method, entry.Status, entry.InstallmentNumber, entry.RecordedAt); err != nil {
			return fmt.Errorf("copy ledger entry: %w", err)
		}
	}

	const cancelQuery = `UPDATE enrollments
        SET status = $3, audit_note = $4, version = version + 1, updated_at = $5
        WHERE id = $1 AND version = $2`
	res, err := tx.ExecContext(ctx, cancelQuery, params.SourceID, params.SourceVersion,
		models.EnrollmentStatusCancelled, params.AuditNote, now)
	if err != nil {
		return fmt.Errorf("cancel source enrollment: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("cancel source enrollment: %w", err)
	}
	if affected == 0 {
		return ErrVersionConflict
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transfer: %w", err)
	}
	return nil
}

func insertInstallments(ctx context.Context, tx *sqlx.Tx, enrollmentID string, installments []models.Installment) error {
	if len(installments) == 0 {
		return nil
	}
	const query = `INSERT INTO installments
        (id, enrollment_id, number, amount, due_date, status, paid_date, transaction_id, late_fee)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	for _, inst := range installments {
		if inst.ID == "" {
			inst.ID = uuid.NewString()
		}
		if _, err := tx.ExecContext(ctx, query,
			inst.ID, enrollmentID, inst.Number, inst.Amount, inst.DueDate,
			inst.Status, inst.PaidDate, inst.TransactionID, inst.LateFee); err != nil {
			return fmt.Errorf("create installment %d: %w", inst.Number, err)
		}
	}
	return nil
}
