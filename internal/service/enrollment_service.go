package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/noah-isme/lms-pay-api/internal/models"
	"github.com/noah-isme/lms-pay-api/internal/repository"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
)

type enrollmentRepository interface {
	Create(ctx context.Context, enrollment *models.Enrollment, installments []models.Installment) error
	FindByID(ctx context.Context, id string) (*models.Enrollment, error)
	ListInstallments(ctx context.Context, enrollmentID string) ([]models.Installment, error)
	List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, int, error)
	ExistsForStudentCourse(ctx context.Context, studentID, courseID string, statuses []models.EnrollmentStatus) (bool, error)
	UpdateStatus(ctx context.Context, id string, version int, status models.EnrollmentStatus, auditNote *string) error
	Transfer(ctx context.Context, params repository.TransferParams) error
}

type studentReader interface {
	FindByID(ctx context.Context, id string) (*models.Student, error)
}

type courseReader interface {
	FindByID(ctx context.Context, id string) (*models.Course, error)
}

type batchStore interface {
	FindByID(ctx context.Context, id string) (*models.Batch, error)
	ReserveSeats(ctx context.Context, id string, n int) (bool, error)
}

type ledgerReader interface {
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]models.PaymentRecord, error)
}

// CreateEnrollmentRequest describes enrollment creation.
type CreateEnrollmentRequest struct {
	StudentID      string                `json:"student_id" validate:"required"`
	CourseID       string                `json:"course_id" validate:"required"`
	EnrollmentType models.EnrollmentType `json:"enrollment_type" validate:"required,oneof=INDIVIDUAL BATCH"`
	PaymentPlan    models.PaymentPlan    `json:"payment_plan" validate:"required,oneof=FULL INSTALLMENT"`
	BatchID        string                `json:"batch_id,omitempty" validate:"required_if=EnrollmentType BATCH"`
	MemberIDs      []string              `json:"member_ids,omitempty"`
	Currency       string                `json:"currency,omitempty"`
	CustomDiscount int64                 `json:"custom_discount,omitempty" validate:"gte=0"`
	Installments   int                   `json:"installments,omitempty" validate:"omitempty,gte=1,lte=24"`
}

// TransferEnrollmentRequest describes moving an individual enrollment into a batch.
type TransferEnrollmentRequest struct {
	BatchID string `json:"batch_id" validate:"required"`
}

// EnrollmentLifecycleConfig tunes lifecycle defaults.
type EnrollmentLifecycleConfig struct {
	AccessDuration time.Duration
	BatchGraceDays int
	UpdateRetries  int
}

// EnrollmentService orchestrates enrollment creation, validation and state
// transitions, and owns capacity reservation against batches.
type EnrollmentService struct {
	repo      enrollmentRepository
	students  studentReader
	courses   courseReader
	batches   batchStore
	ledger    ledgerReader
	pricing   *PricingService
	emi       *EMIService
	notify    *NotificationDispatcher
	cfg       EnrollmentLifecycleConfig
	validator *validator.Validate
	logger    *zap.Logger
	now       func() time.Time
}

// NewEnrollmentService constructs EnrollmentService.
func NewEnrollmentService(
	repo enrollmentRepository,
	students studentReader,
	courses courseReader,
	batches batchStore,
	ledger ledgerReader,
	pricing *PricingService,
	emi *EMIService,
	notify *NotificationDispatcher,
	cfg EnrollmentLifecycleConfig,
	validate *validator.Validate,
	logger *zap.Logger,
) *EnrollmentService {
	if cfg.AccessDuration <= 0 {
		cfg.AccessDuration = 365 * 24 * time.Hour
	}
	if cfg.UpdateRetries <= 0 {
		cfg.UpdateRetries = 3
	}
	if validate == nil {
		validate = validator.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &EnrollmentService{
		repo:      repo,
		students:  students,
		courses:   courses,
		batches:   batches,
		ledger:    ledger,
		pricing:   pricing,
		emi:       emi,
		notify:    notify,
		cfg:       cfg,
		validator: validate,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// QuoteRequest asks for a price breakdown without creating anything.
type QuoteRequest struct {
	CourseID       string                `json:"course_id" validate:"required"`
	EnrollmentType models.EnrollmentType `json:"enrollment_type" validate:"required,oneof=INDIVIDUAL BATCH"`
	Currency       string                `json:"currency,omitempty"`
	BatchSize      int                   `json:"batch_size,omitempty" validate:"omitempty,gte=1"`
	CustomDiscount int64                 `json:"custom_discount,omitempty" validate:"gte=0"`
}

// Quote computes the price breakdown a prospective enrollment would snapshot.
func (s *EnrollmentService) Quote(ctx context.Context, req QuoteRequest) (*models.PriceBreakdown, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid quote payload")
	}
	course, err := s.courses.FindByID(ctx, req.CourseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}
	batchSize := req.BatchSize
	if batchSize == 0 {
		batchSize = 1
	}
	return s.pricing.Calculate(course, req.EnrollmentType, PricingOptions{
		Currency:       req.Currency,
		BatchSize:      batchSize,
		CustomDiscount: req.CustomDiscount,
	})
}

// List returns enrollments with pagination metadata.
func (s *EnrollmentService) List(ctx context.Context, filter models.EnrollmentFilter) ([]models.Enrollment, *models.Pagination, error) {
	enrollments, total, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list enrollments")
	}
	page := filter.Page
	if page < 1 {
		page = 1
	}
	size := filter.PageSize
	if size <= 0 {
		size = 20
	}
	pagination := &models.Pagination{Page: page, PageSize: size, TotalCount: total}
	return enrollments, pagination, nil
}

// Get returns an enrollment with its schedule and ledger attached.
func (s *EnrollmentService) Get(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if enrollment.PaymentPlan == models.PaymentPlanInstallment {
		installments, err := s.repo.ListInstallments(ctx, id)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule")
		}
		enrollment.Installments = installments
	}
	entries, err := s.ledger.ListByEnrollment(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger")
	}
	enrollment.Ledger = entries
	return enrollment, nil
}

// Create validates prerequisites, reserves batch capacity when needed, and
// persists the enrollment together with its installment schedule.
func (s *EnrollmentService) Create(ctx context.Context, req CreateEnrollmentRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid enrollment payload")
	}

	course, batch, err := s.validatePrerequisites(ctx, req)
	if err != nil {
		return nil, err
	}

	batchSize := 1
	if req.EnrollmentType == models.EnrollmentTypeBatch {
		batchSize = len(req.MemberIDs) + 1
	}

	breakdown, err := s.pricing.Calculate(course, req.EnrollmentType, PricingOptions{
		Currency:       req.Currency,
		BatchSize:      batchSize,
		CustomDiscount: req.CustomDiscount,
	})
	if err != nil {
		return nil, err
	}

	now := s.now()
	enrollment := &models.Enrollment{
		StudentID:      req.StudentID,
		CourseID:       req.CourseID,
		EnrollmentType: req.EnrollmentType,
		Status:         models.EnrollmentStatusPending,
		PaymentPlan:    req.PaymentPlan,
		PricingSnapshot: models.PricingSnapshot{
			OriginalPrice:   breakdown.OriginalPrice,
			FinalPrice:      breakdown.FinalPrice,
			DiscountApplied: breakdown.DiscountApplied,
			Currency:        breakdown.Currency,
			PricingType:     breakdown.PricingType,
		},
		AccessExpiryDate: now.Add(s.cfg.AccessDuration),
	}

	if req.EnrollmentType == models.EnrollmentTypeBatch {
		enrollment.BatchID = &req.BatchID
		enrollment.BatchMembers = append([]string{req.StudentID}, req.MemberIDs...)
		enrollment.AccessExpiryDate = batch.EndDate.AddDate(0, 0, s.cfg.BatchGraceDays)
	}

	var installments []models.Installment
	if req.PaymentPlan == models.PaymentPlanInstallment {
		n := req.Installments
		if n == 0 {
			n = s.emi.Policy().DefaultInstallments
		}
		installments, err = s.emi.GenerateSchedule(breakdown.FinalPrice, n, now)
		if err != nil {
			return nil, err
		}
	}

	if req.EnrollmentType == models.EnrollmentTypeBatch {
		reserved, err := s.batches.ReserveSeats(ctx, req.BatchID, batchSize)
		if err != nil {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve batch seats")
		}
		if !reserved {
			return nil, appErrors.Clone(appErrors.ErrCapacityExceeded,
				fmt.Sprintf("batch %s cannot seat %d more students", req.BatchID, batchSize))
		}
	}

	if err := s.repo.Create(ctx, enrollment, installments); err != nil {
		// Seats stay reserved: the counter is monotonic by design, so a
		// failed insert after reservation is surfaced loudly instead.
		s.logger.Error("enrollment insert failed after seat reservation",
			zap.String("batch_id", req.BatchID), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create enrollment")
	}
	enrollment.Installments = installments

	s.notify.Dispatch(EventEnrollmentCreated, map[string]interface{}{
		"enrollment_id": enrollment.ID,
		"student_id":    enrollment.StudentID,
		"course_id":     enrollment.CourseID,
		"payment_plan":  string(enrollment.PaymentPlan),
	})
	s.logger.Info("enrollment created",
		zap.String("enrollment_id", enrollment.ID),
		zap.String("type", string(enrollment.EnrollmentType)),
		zap.Int64("final_price", enrollment.PricingSnapshot.FinalPrice))
	return enrollment, nil
}

// Transfer moves an individual enrollment into a batch: it creates the
// replacement batch enrollment, copies schedule and ledger, and cancels the
// source with an audit note referencing the new id.
func (s *EnrollmentService) Transfer(ctx context.Context, id string, req TransferEnrollmentRequest) (*models.Enrollment, error) {
	if err := s.validator.Struct(req); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrValidation.Code, appErrors.ErrValidation.Status, "invalid transfer payload")
	}

	source, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if source.EnrollmentType != models.EnrollmentTypeIndividual {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "only individual enrollments can be transferred")
	}
	if source.Status != models.EnrollmentStatusPending && source.Status != models.EnrollmentStatusActive {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment is not transferable in its current status")
	}

	batch, err := s.batches.FindByID(ctx, req.BatchID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "batch not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
	}
	if batch.CourseID != source.CourseID {
		return nil, appErrors.Clone(appErrors.ErrValidation, "target batch belongs to a different course")
	}
	if !batch.AcceptsEnrollments() {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "target batch is closed")
	}

	reserved, err := s.batches.ReserveSeats(ctx, req.BatchID, 1)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to reserve batch seat")
	}
	if !reserved {
		return nil, appErrors.Clone(appErrors.ErrCapacityExceeded, "target batch is full")
	}

	installments, err := s.repo.ListInstallments(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load schedule")
	}
	entries, err := s.ledger.ListByEnrollment(ctx, id)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load ledger")
	}

	// The pricing snapshot carries over: transfer relocates the learner, it
	// does not reprice the contract, and the copied schedule must keep
	// summing to the snapshot's final price.
	batchID := req.BatchID
	replacement := &models.Enrollment{
		ID:               uuid.NewString(),
		StudentID:        source.StudentID,
		CourseID:         source.CourseID,
		BatchID:          &batchID,
		EnrollmentType:   models.EnrollmentTypeBatch,
		Status:           source.Status,
		PaymentPlan:      source.PaymentPlan,
		PricingSnapshot:  source.PricingSnapshot,
		AccessExpiryDate: batch.EndDate.AddDate(0, 0, s.cfg.BatchGraceDays),
		TotalAmountPaid:  source.TotalAmountPaid,
		BatchMembers:     []string{source.StudentID},
	}

	copied := make([]models.Installment, len(installments))
	for i, inst := range installments {
		inst.ID = ""
		copied[i] = inst
	}

	err = s.repo.Transfer(ctx, repository.TransferParams{
		NewEnrollment: replacement,
		Installments:  copied,
		Ledger:        entries,
		SourceID:      source.ID,
		SourceVersion: source.Version,
		AuditNote:     fmt.Sprintf("transferred to enrollment %s", replacement.ID),
	})
	if err != nil {
		if errors.Is(err, repository.ErrVersionConflict) {
			return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment was modified concurrently, retry the transfer")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to transfer enrollment")
	}

	s.logger.Info("enrollment transferred",
		zap.String("source_id", source.ID),
		zap.String("enrollment_id", replacement.ID),
		zap.String("batch_id", req.BatchID))
	return s.Get(ctx, replacement.ID)
}

// Cancel soft-destroys an enrollment.
func (s *EnrollmentService) Cancel(ctx context.Context, id, reason string) (*models.Enrollment, error) {
	var note *string
	if reason != "" {
		note = &reason
	}
	return s.transition(ctx, id, models.EnrollmentStatusCancelled, note)
}

// Hold pauses an active enrollment.
func (s *EnrollmentService) Hold(ctx context.Context, id string) (*models.Enrollment, error) {
	return s.transition(ctx, id, models.EnrollmentStatusOnHold, nil)
}

// Resume reactivates an on-hold enrollment.
func (s *EnrollmentService) Resume(ctx context.Context, id string) (*models.Enrollment, error) {
	return s.transition(ctx, id, models.EnrollmentStatusActive, nil)
}

// Complete marks an active enrollment completed. Completion criteria are
// checked by the caller (course progress lives outside this core).
func (s *EnrollmentService) Complete(ctx context.Context, id string) (*models.Enrollment, error) {
	return s.transition(ctx, id, models.EnrollmentStatusCompleted, nil)
}

// Expire settles the EXPIRED status on an enrollment whose access window has
// lapsed without completion. Access checks derive expiry lazily; this call
// persists it for reporting.
func (s *EnrollmentService) Expire(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	if !s.now().After(enrollment.AccessExpiryDate) {
		return nil, appErrors.Clone(appErrors.ErrInvalidState, "enrollment access window has not lapsed")
	}
	return s.transition(ctx, id, models.EnrollmentStatusExpired, nil)
}

func (s *EnrollmentService) load(ctx context.Context, id string) (*models.Enrollment, error) {
	enrollment, err := s.repo.FindByID(ctx, id)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load enrollment")
	}
	return enrollment, nil
}

// transition applies a CAS status update, retrying on version conflicts with
// a fresh read so concurrent writers serialize cleanly.
func (s *EnrollmentService) transition(ctx context.Context, id string, target models.EnrollmentStatus, note *string) (*models.Enrollment, error) {
	for attempt := 0; attempt < s.cfg.UpdateRetries; attempt++ {
		enrollment, err := s.load(ctx, id)
		if err != nil {
			return nil, err
		}
		if !enrollment.CanTransitionTo(target) {
			return nil, appErrors.Clone(appErrors.ErrInvalidState,
				fmt.Sprintf("cannot move enrollment from %s to %s", enrollment.Status, target))
		}
		err = s.repo.UpdateStatus(ctx, id, enrollment.Version, target, note)
		if err == nil {
			return s.load(ctx, id)
		}
		if !errors.Is(err, repository.ErrVersionConflict) {
			return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to update enrollment status")
		}
	}
	return nil, appErrors.Clone(appErrors.ErrConflict, "enrollment is being modified concurrently, retry")
}

func (s *EnrollmentService) validatePrerequisites(ctx context.Context, req CreateEnrollmentRequest) (*models.Course, *models.Batch, error) {
	student, err := s.students.FindByID(ctx, req.StudentID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "student not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load student")
	}
	if !student.Active {
		return nil, nil, appErrors.Clone(appErrors.ErrInvalidState, "student account is inactive")
	}

	course, err := s.courses.FindByID(ctx, req.CourseID)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "course not found")
		}
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load course")
	}

	exists, err := s.repo.ExistsForStudentCourse(ctx, req.StudentID, req.CourseID, []models.EnrollmentStatus{
		models.EnrollmentStatusActive, models.EnrollmentStatusOnHold, models.EnrollmentStatusCompleted,
	})
	if err != nil {
		return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to validate enrollment")
	}
	if exists {
		return nil, nil, appErrors.Clone(appErrors.ErrAlreadyEnrolled, "")
	}

	var batch *models.Batch
	if req.EnrollmentType == models.EnrollmentTypeBatch {
		batch, err = s.batches.FindByID(ctx, req.BatchID)
		if err != nil {
			if err == sql.ErrNoRows {
				return nil, nil, appErrors.Clone(appErrors.ErrNotFound, "batch not found")
			}
			return nil, nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load batch")
		}
		if batch.CourseID != req.CourseID {
			return nil, nil, appErrors.Clone(appErrors.ErrValidation, "batch belongs to a different course")
		}
		if !batch.AcceptsEnrollments() {
			return nil, nil, appErrors.Clone(appErrors.ErrInvalidState, "batch is not accepting enrollments")
		}
		if batch.SeatsLeft() < len(req.MemberIDs)+1 {
			return nil, nil, appErrors.Clone(appErrors.ErrCapacityExceeded, "")
		}
	}
	return course, batch, nil
}
