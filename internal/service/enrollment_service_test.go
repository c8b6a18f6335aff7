package service

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/lms-pay-api/internal/models"
	"github.com/noah-isme/lms-pay-api/internal/repository"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
)

type mockEnrollmentRepo struct {
	mu           sync.Mutex
	enrollments  map[string]models.Enrollment
	installments map[string][]models.Installment
	exists       bool
	transfers    []repository.TransferParams
	conflicts    int32
}

func newMockEnrollmentRepo() *mockEnrollmentRepo {
	return &mockEnrollmentRepo{
		enrollments:  make(map[string]models.Enrollment),
		installments: make(map[string][]models.Installment),
	}
}

func (m *mockEnrollmentRepo) Create(ctx context.Context, enrollment *models.Enrollment, installments []models.Installment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if enrollment.ID == "" {
		enrollment.ID = "enr-new"
	}
	if enrollment.Version == 0 {
		enrollment.Version = 1
	}
	m.enrollments[enrollment.ID] = *enrollment
	m.installments[enrollment.ID] = installments
	return nil
}

func (m *mockEnrollmentRepo) FindByID(ctx context.Context, id string) (*models.Enrollment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.enrollments[id]; ok {
		return &e, nil
	}
	return nil, sql.ErrNoRows
}

func (m *mockEnrollmentRepo) ListInstallments(ctx context.Context, enrollmentID string) ([]models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.installments[enrollmentID], nil
}

func (m *mockEnrollmentRepo) SetLateFee(ctx context.Context, enrollmentID string, number int, fee int64) (bool, error) {
	return false, nil
}

func (m *mockEnrollmentRepo) SkipInstallment(ctx context.Context, enrollmentID string, number int) (bool, error) {
	return false, nil
}

func (m *mockEnrollmentRepo) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Enrollment
	for _, e := range m.enrollments {
		out = append(out, e)
	}
	return out, len(out), nil
}

func (m *mockEnrollmentRepo) ExistsForStudentCourse(ctx context.Context, studentID, courseID string, statuses []models.EnrollmentStatus) (bool, error) {
	return m.exists, nil
}

func (m *mockEnrollmentRepo) UpdateStatus(ctx context.Context, id string, version int, status models.EnrollmentStatus, auditNote *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.enrollments[id]
	if !ok || e.Version != version {
		atomic.AddInt32(&m.conflicts, 1)
		return repository.ErrVersionConflict
	}
	e.Status = status
	if auditNote != nil {
		e.AuditNote = auditNote
	}
	e.Version++
	m.enrollments[id] = e
	return nil
}

func (m *mockEnrollmentRepo) Transfer(ctx context.Context, params repository.TransferParams) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	source, ok := m.enrollments[params.SourceID]
	if !ok || source.Version != params.SourceVersion {
		return repository.ErrVersionConflict
	}
	source.Status = models.EnrollmentStatusCancelled
	source.Version++
	m.enrollments[params.SourceID] = source
	if params.NewEnrollment.Version == 0 {
		params.NewEnrollment.Version = 1
	}
	m.enrollments[params.NewEnrollment.ID] = *params.NewEnrollment
	m.installments[params.NewEnrollment.ID] = params.Installments
	m.transfers = append(m.transfers, params)
	return nil
}

type mockStudentReader struct {
	students map[string]models.Student
}

func (m *mockStudentReader) FindByID(ctx context.Context, id string) (*models.Student, error) {
	if s, ok := m.students[id]; ok {
		return &s, nil
	}
	return nil, sql.ErrNoRows
}

type mockCourseReader struct {
	courses map[string]*models.Course
}

func (m *mockCourseReader) FindByID(ctx context.Context, id string) (*models.Course, error) {
	if c, ok := m.courses[id]; ok {
		return c, nil
	}
	return nil, sql.ErrNoRows
}

type mockBatchStore struct {
	mu      sync.Mutex
	batches map[string]models.Batch
}

func (m *mockBatchStore) FindByID(ctx context.Context, id string) (*models.Batch, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.batches[id]; ok {
		return &b, nil
	}
	return nil, sql.ErrNoRows
}

// ReserveSeats mirrors the conditional UPDATE: all-or-nothing under a lock.
func (m *mockBatchStore) ReserveSeats(ctx context.Context, id string, n int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.batches[id]
	if !ok || !b.AcceptsEnrollments() || b.EnrolledStudents+n > b.Capacity {
		return false, nil
	}
	b.EnrolledStudents += n
	m.batches[id] = b
	return true, nil
}

type mockLedgerReader struct {
	entries map[string][]models.PaymentRecord
}

func (m *mockLedgerReader) ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.PaymentRecord, error) {
	return m.entries[enrollmentID], nil
}

type enrollmentFixture struct {
	repo     *mockEnrollmentRepo
	students *mockStudentReader
	courses  *mockCourseReader
	batches  *mockBatchStore
	ledger   *mockLedgerReader
	svc      *EnrollmentService
}

func newEnrollmentFixture(t *testing.T) *enrollmentFixture {
	t.Helper()
	f := &enrollmentFixture{
		repo: newMockEnrollmentRepo(),
		students: &mockStudentReader{students: map[string]models.Student{
			"stu-1": {ID: "stu-1", Active: true},
			"stu-2": {ID: "stu-2", Active: true},
			"stu-3": {ID: "stu-3", Active: false},
		}},
		courses: &mockCourseReader{courses: map[string]*models.Course{
			"course-1": testCourse(),
		}},
		batches: &mockBatchStore{batches: map[string]models.Batch{
			"batch-1": {
				ID:       "batch-1",
				CourseID: "course-1",
				Capacity: 10,
				Status:   models.BatchStatusUpcoming,
				EndDate:  time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC),
			},
		}},
		ledger: &mockLedgerReader{entries: make(map[string][]models.PaymentRecord)},
	}
	emi := NewEMIService(f.repo, EMIPolicy{DefaultInstallments: 3, CadenceDays: 30, GracePeriodDays: 5}, nil, nil)
	f.svc = NewEnrollmentService(
		f.repo, f.students, f.courses, f.batches, f.ledger,
		NewPricingService(), emi, nil,
		EnrollmentLifecycleConfig{AccessDuration: 365 * 24 * time.Hour, BatchGraceDays: 30, UpdateRetries: 3},
		nil, nil)
	return f
}

func TestCreateIndividualInstallmentEnrollment(t *testing.T) {
	f := newEnrollmentFixture(t)

	enrollment, err := f.svc.Create(context.Background(), CreateEnrollmentRequest{
		StudentID:      "stu-1",
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeIndividual,
		PaymentPlan:    models.PaymentPlanInstallment,
		Currency:       "INR",
		Installments:   3,
	})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentStatusPending, enrollment.Status)
	assert.Equal(t, int64(90000), enrollment.PricingSnapshot.FinalPrice)
	require.Len(t, enrollment.Installments, 3)

	var sum int64
	for _, inst := range enrollment.Installments {
		sum += inst.Amount
	}
	assert.Equal(t, enrollment.PricingSnapshot.FinalPrice, sum)
}

func TestCreateRejectsInactiveStudent(t *testing.T) {
	f := newEnrollmentFixture(t)

	_, err := f.svc.Create(context.Background(), CreateEnrollmentRequest{
		StudentID:      "stu-3",
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeIndividual,
		PaymentPlan:    models.PaymentPlanFull,
	})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}

func TestCreateRejectsDuplicateEnrollment(t *testing.T) {
	f := newEnrollmentFixture(t)
	f.repo.exists = true

	_, err := f.svc.Create(context.Background(), CreateEnrollmentRequest{
		StudentID:      "stu-1",
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeIndividual,
		PaymentPlan:    models.PaymentPlanFull,
	})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrAlreadyEnrolled))
}

func TestCreateBatchReservesSeatsForAllMembers(t *testing.T) {
	f := newEnrollmentFixture(t)

	enrollment, err := f.svc.Create(context.Background(), CreateEnrollmentRequest{
		StudentID:      "stu-1",
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeBatch,
		PaymentPlan:    models.PaymentPlanFull,
		BatchID:        "batch-1",
		MemberIDs:      []string{"stu-2"},
		Currency:       "INR",
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"stu-1", "stu-2"}, []string(enrollment.BatchMembers))
	batch, _ := f.batches.FindByID(context.Background(), "batch-1")
	assert.Equal(t, 2, batch.EnrolledStudents)
	// Batch access expiry follows the batch end date plus grace.
	assert.Equal(t, batch.EndDate.AddDate(0, 0, 30), enrollment.AccessExpiryDate)
}

func TestCreateBatchCapacityExceeded(t *testing.T) {
	f := newEnrollmentFixture(t)
	b := f.batches.batches["batch-1"]
	b.Capacity = 1
	f.batches.batches["batch-1"] = b

	_, err := f.svc.Create(context.Background(), CreateEnrollmentRequest{
		StudentID:      "stu-1",
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeBatch,
		PaymentPlan:    models.PaymentPlanFull,
		BatchID:        "batch-1",
		MemberIDs:      []string{"stu-2"},
	})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrCapacityExceeded))
}

func TestConcurrentBatchEnrollmentNeverOversells(t *testing.T) {
	f := newEnrollmentFixture(t)
	b := f.batches.batches["batch-1"]
	b.Capacity = 3
	f.batches.batches["batch-1"] = b

	const attempts = 10
	var succeeded int32
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Create(context.Background(), CreateEnrollmentRequest{
				StudentID:      "stu-1",
				CourseID:       "course-1",
				EnrollmentType: models.EnrollmentTypeBatch,
				PaymentPlan:    models.PaymentPlanFull,
				BatchID:        "batch-1",
			})
			if err == nil {
				atomic.AddInt32(&succeeded, 1)
			} else {
				assert.True(t, appErrors.HasCode(err, appErrors.ErrCapacityExceeded))
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(3), succeeded)
	batch, _ := f.batches.FindByID(context.Background(), "batch-1")
	assert.Equal(t, 3, batch.EnrolledStudents)
}

func TestTransferKeepsSnapshotAndCopiesSchedule(t *testing.T) {
	f := newEnrollmentFixture(t)

	source, err := f.svc.Create(context.Background(), CreateEnrollmentRequest{
		StudentID:      "stu-1",
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeIndividual,
		PaymentPlan:    models.PaymentPlanInstallment,
		Currency:       "INR",
		Installments:   3,
	})
	require.NoError(t, err)
	f.ledger.entries[source.ID] = []models.PaymentRecord{
		{ID: "pr-1", EnrollmentID: source.ID, TransactionID: "txn-1", Amount: 30000, Status: models.PaymentStatusCompleted},
	}

	moved, err := f.svc.Transfer(context.Background(), source.ID, TransferEnrollmentRequest{BatchID: "batch-1"})
	require.NoError(t, err)

	assert.Equal(t, models.EnrollmentTypeBatch, moved.EnrollmentType)
	assert.Equal(t, source.PricingSnapshot, moved.PricingSnapshot)
	require.Len(t, f.repo.transfers, 1)
	assert.Len(t, f.repo.transfers[0].Installments, 3)
	assert.Len(t, f.repo.transfers[0].Ledger, 1)

	cancelled, err := f.repo.FindByID(context.Background(), source.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCancelled, cancelled.Status)
}

func TestTransferRejectsBatchEnrollment(t *testing.T) {
	f := newEnrollmentFixture(t)
	f.repo.enrollments["enr-b"] = models.Enrollment{
		ID:             "enr-b",
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeBatch,
		Status:         models.EnrollmentStatusActive,
		Version:        1,
	}

	_, err := f.svc.Transfer(context.Background(), "enr-b", TransferEnrollmentRequest{BatchID: "batch-1"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}

func TestTransferRejectsCrossCourseBatch(t *testing.T) {
	f := newEnrollmentFixture(t)
	f.batches.batches["batch-other"] = models.Batch{
		ID: "batch-other", CourseID: "course-9", Capacity: 5, Status: models.BatchStatusActive,
	}
	f.repo.enrollments["enr-i"] = models.Enrollment{
		ID:             "enr-i",
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeIndividual,
		Status:         models.EnrollmentStatusActive,
		Version:        1,
	}

	_, err := f.svc.Transfer(context.Background(), "enr-i", TransferEnrollmentRequest{BatchID: "batch-other"})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrValidation))
}

func TestLifecycleTransitions(t *testing.T) {
	f := newEnrollmentFixture(t)
	f.repo.enrollments["enr-1"] = models.Enrollment{
		ID:               "enr-1",
		Status:           models.EnrollmentStatusActive,
		AccessExpiryDate: time.Now().AddDate(1, 0, 0),
		Version:          1,
	}

	held, err := f.svc.Hold(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusOnHold, held.Status)

	resumed, err := f.svc.Resume(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, resumed.Status)

	completed, err := f.svc.Complete(context.Background(), "enr-1")
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusCompleted, completed.Status)

	// COMPLETED is terminal.
	_, err = f.svc.Cancel(context.Background(), "enr-1", "late change of mind")
	assert.True(t, appErrors.HasCode(err, appErrors.ErrInvalidState))
}

func TestCancelRecordsAuditNote(t *testing.T) {
	f := newEnrollmentFixture(t)
	f.repo.enrollments["enr-1"] = models.Enrollment{
		ID:               "enr-1",
		Status:           models.EnrollmentStatusPending,
		AccessExpiryDate: time.Now().AddDate(1, 0, 0),
		Version:          1,
	}

	cancelled, err := f.svc.Cancel(context.Background(), "enr-1", "payment never arrived")
	require.NoError(t, err)
	require.NotNil(t, cancelled.AuditNote)
	assert.Equal(t, "payment never arrived", *cancelled.AuditNote)
}

func TestQuoteComputesBreakdown(t *testing.T) {
	f := newEnrollmentFixture(t)

	breakdown, err := f.svc.Quote(context.Background(), QuoteRequest{
		CourseID:       "course-1",
		EnrollmentType: models.EnrollmentTypeBatch,
		Currency:       "INR",
		BatchSize:      6,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(64000), breakdown.FinalPrice)

	_, err = f.svc.Quote(context.Background(), QuoteRequest{CourseID: "missing", EnrollmentType: models.EnrollmentTypeIndividual})
	assert.True(t, appErrors.HasCode(err, appErrors.ErrNotFound))
}
