package repository

import (
	"context"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-pay-api/internal/models"
)

func newEnrollmentRepoMock(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	return sqlx.NewDb(db, "sqlmock"), mock, func() { db.Close() }
}

var enrollmentRowColumns = []string{
	"id", "student_id", "course_id", "batch_id", "enrollment_type", "status", "payment_plan",
	"original_price", "final_price", "discount_applied", "currency", "pricing_type",
	"access_expiry_date", "total_amount_paid", "batch_members", "audit_note", "version", "created_at", "updated_at",
}

func enrollmentMockRow() *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(enrollmentRowColumns).
		AddRow("enr-1", "stu-1", "course-1", nil, "INDIVIDUAL", "ACTIVE", "INSTALLMENT",
			int64(1000), int64(900), int64(100), "INR", "early_bird",
			now.AddDate(1, 0, 0), int64(300), "{}", nil, 2, now, now)
}

func TestEnrollmentRepositoryFindByID(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, student_id, course_id")).
		WithArgs("enr-1").
		WillReturnRows(enrollmentMockRow())

	found, err := repo.FindByID(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Equal(t, "enr-1", found.ID)
	assert.Equal(t, int64(900), found.PricingSnapshot.FinalPrice)
	assert.Equal(t, models.PricingTypeEarlyBird, found.PricingSnapshot.PricingType)
	assert.Equal(t, 2, found.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryCreateWithSchedule(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO installments")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO installments")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	enrollment := &models.Enrollment{
		StudentID:      "stu-1",
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeIndividual,
		Status:         models.EnrollmentStatusPending,
		PaymentPlan:    models.PaymentPlanInstallment,
		PricingSnapshot: models.PricingSnapshot{
			OriginalPrice: 1000, FinalPrice: 1000, Currency: "INR", PricingType: models.PricingTypeStandard,
		},
		AccessExpiryDate: time.Now().AddDate(1, 0, 0),
	}
	installments := []models.Installment{
		{Number: 1, Amount: 500, Status: models.InstallmentStatusPending, DueDate: time.Now()},
		{Number: 2, Amount: 500, Status: models.InstallmentStatusPending, DueDate: time.Now().AddDate(0, 0, 30)},
	}

	require.NoError(t, repo.Create(context.Background(), enrollment, installments))
	assert.NotEmpty(t, enrollment.ID)
	assert.Equal(t, 1, enrollment.Version)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateStatusCAS(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments")).
		WithArgs("enr-1", 2, models.EnrollmentStatusOnHold, nil, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, repo.UpdateStatus(context.Background(), "enr-1", 2, models.EnrollmentStatusOnHold, nil))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryUpdateStatusVersionConflict(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "enr-1", 1, models.EnrollmentStatusCancelled, nil)
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func completedPaymentParams(number int) ApplyPaymentParams {
	active := models.EnrollmentStatusActive
	return ApplyPaymentParams{
		EnrollmentID:      "enr-1",
		Version:           1,
		InstallmentNumber: &number,
		NewStatus:         &active,
		PaidDate:          time.Now().UTC(),
		Entry: models.PaymentRecord{
			EnrollmentID:      "enr-1",
			TransactionID:     "txn-1",
			Amount:            500,
			Currency:          "INR",
			Method:            "upi",
			Status:            models.PaymentStatusCompleted,
			InstallmentNumber: &number,
		},
	}
}

func TestEnrollmentRepositoryApplyPaymentCompleted(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE installments")).
		WithArgs("enr-1", 1, models.InstallmentStatusPaid, sqlmock.AnyArg(), "txn-1", models.InstallmentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments")).
		WithArgs("enr-1", 1, int64(500), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, replayed, err := repo.ApplyPayment(context.Background(), completedPaymentParams(1))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.NotEmpty(t, entry.ID)
	assert.Equal(t, "txn-1", entry.TransactionID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryApplyPaymentReplay(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectBegin()
	// The unique constraint swallows the insert: zero rows affected.
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	rows := sqlmock.NewRows([]string{"id", "enrollment_id", "transaction_id", "amount", "currency", "method", "status", "installment_number", "recorded_at"}).
		AddRow("pr-original", "enr-1", "txn-1", int64(500), "INR", "upi", "COMPLETED", 1, time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, enrollment_id, transaction_id")).
		WithArgs("enr-1", "txn-1").
		WillReturnRows(rows)
	mock.ExpectCommit()

	entry, replayed, err := repo.ApplyPayment(context.Background(), completedPaymentParams(1))
	require.NoError(t, err)
	assert.True(t, replayed)
	assert.Equal(t, "pr-original", entry.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryApplyPaymentPromotesAuthorizedEntry(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_records")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	// The stored entry is the authorization audit row, not a settled payment.
	rows := sqlmock.NewRows([]string{"id", "enrollment_id", "transaction_id", "amount", "currency", "method", "status", "installment_number", "recorded_at"}).
		AddRow("pr-original", "enr-1", "txn-1", int64(500), "INR", "upi", "PENDING", 1, time.Now())
	mock.ExpectQuery(regexp.QuoteMeta("SELECT id, enrollment_id, transaction_id")).
		WithArgs("enr-1", "txn-1").
		WillReturnRows(rows)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE payment_records")).
		WithArgs("enr-1", "txn-1", models.PaymentStatusCompleted, int64(500), "upi", 1, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE installments")).
		WithArgs("enr-1", 1, models.InstallmentStatusPaid, sqlmock.AnyArg(), "txn-1", models.InstallmentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments")).
		WithArgs("enr-1", 1, int64(500), sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	entry, replayed, err := repo.ApplyPayment(context.Background(), completedPaymentParams(1))
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, "pr-original", entry.ID)
	assert.Equal(t, models.PaymentStatusCompleted, entry.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryApplyPaymentVersionConflict(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE installments")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	_, _, err := repo.ApplyPayment(context.Background(), completedPaymentParams(1))
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryApplyFailedPaymentAppendsOnly(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	params := completedPaymentParams(1)
	params.Entry.Status = models.PaymentStatusFailed
	params.InstallmentNumber = nil
	params.NewStatus = nil

	entry, replayed, err := repo.ApplyPayment(context.Background(), params)
	require.NoError(t, err)
	assert.False(t, replayed)
	assert.Equal(t, models.PaymentStatusFailed, entry.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositorySetLateFeeOnce(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE installments SET late_fee")).
		WithArgs("enr-1", 2, int64(50), models.InstallmentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	set, err := repo.SetLateFee(context.Background(), "enr-1", 2, 50)
	require.NoError(t, err)
	assert.True(t, set)

	// Guarded update misses once the fee is captured.
	mock.ExpectExec(regexp.QuoteMeta("UPDATE installments SET late_fee")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	set, err = repo.SetLateFee(context.Background(), "enr-1", 2, 50)
	require.NoError(t, err)
	assert.False(t, set)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositorySkipInstallment(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE installments SET status")).
		WithArgs("enr-1", 3, models.InstallmentStatusSkipped, models.InstallmentStatusPending).
		WillReturnResult(sqlmock.NewResult(0, 1))

	skipped, err := repo.SkipInstallment(context.Background(), "enr-1", 3)
	require.NoError(t, err)
	assert.True(t, skipped)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryTransfer(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO installments")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO payment_records")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments")).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	batchID := "batch-1"
	params := TransferParams{
		NewEnrollment: &models.Enrollment{
			StudentID:      "stu-1",
			CourseID:       "course-1",
			BatchID:        &batchID,
			EnrollmentType: models.EnrollmentTypeBatch,
			Status:         models.EnrollmentStatusActive,
			PaymentPlan:    models.PaymentPlanInstallment,
			PricingSnapshot: models.PricingSnapshot{
				OriginalPrice: 1000, FinalPrice: 900, Currency: "INR", PricingType: models.PricingTypeStandard,
			},
			AccessExpiryDate: time.Now().AddDate(1, 0, 0),
		},
		Installments: []models.Installment{
			{Number: 1, Amount: 900, Status: models.InstallmentStatusPending, DueDate: time.Now()},
		},
		Ledger: []models.PaymentRecord{
			{ID: "pr-source", EnrollmentID: "enr-old", TransactionID: "txn-1", Amount: 300, Currency: "INR", Method: "upi", Status: models.PaymentStatusCompleted, RecordedAt: time.Now()},
		},
		SourceID:      "enr-old",
		SourceVersion: 3,
		AuditNote:     "transferred to batch batch-1",
	}

	require.NoError(t, repo.Transfer(context.Background(), params))
	assert.NotEmpty(t, params.NewEnrollment.ID)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnrollmentRepositoryTransferSourceConflict(t *testing.T) {
	db, mock, cleanup := newEnrollmentRepoMock(t)
	defer cleanup()

	repo := NewEnrollmentRepository(db)
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO enrollments")).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE enrollments")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	params := TransferParams{
		NewEnrollment: &models.Enrollment{
			StudentID: "stu-1", CourseID: "course-1",
			EnrollmentType: models.EnrollmentTypeBatch,
			Status:         models.EnrollmentStatusActive,
			PaymentPlan:    models.PaymentPlanFull,
		},
		SourceID:      "enr-old",
		SourceVersion: 1,
	}

	err := repo.Transfer(context.Background(), params)
	assert.ErrorIs(t, err, ErrVersionConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}
