package service

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/lms-pay-api/internal/models"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
)

// AnalyticsPolicy holds the consistency scoring thresholds (percentages) and
// the cache TTL for computed summaries.
type AnalyticsPolicy struct {
	CacheTTL           time.Duration
	ExcellentThreshold float64
	GoodThreshold      float64
	FairThreshold      float64
}

// FinanceAnalyticsService derives read-only financial rollups per enrollment.
// Summaries are pure functions of the ledger and the schedule; Redis only
// shortcuts recomputation.
type FinanceAnalyticsService struct {
	enrollments enrollmentReader
	ledger      ledgerReader
	emi         *EMIService
	cache       *CacheService
	policy      AnalyticsPolicy
	logger      *zap.Logger
}

// NewFinanceAnalyticsService constructs FinanceAnalyticsService.
func NewFinanceAnalyticsService(
	enrollments enrollmentReader,
	ledger ledgerReader,
	emi *EMIService,
	cache *CacheService,
	policy AnalyticsPolicy,
	logger *zap.Logger,
) *FinanceAnalyticsService {
	if policy.ExcellentThreshold <= 0 {
		policy.ExcellentThreshold = 95
	}
	if policy.GoodThreshold <= 0 {
		policy.GoodThreshold = 85
	}
	if policy.FairThreshold <= 0 {
		policy.FairThreshold = 70
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FinanceAnalyticsService{
		enrollments: enrollments,
		ledger:      ledger,
		emi:         emi,
		cache:       cache,
		policy:      policy,
		logger:      logger,
	}
}

func summaryCacheKey(enrollmentID string) string {
	return fmt.Sprintf("finance:summary:%s", enrollmentID)
}

// Summary computes (or serves from cache) the financial rollup of one
// enrollment at the given instant.
func (s *FinanceAnalyticsService) Summary(ctx context.Context, enrollmentID string, now time.Time) (*models.FinancialSummary, error) {
	key := summaryCacheKey(enrollmentID)
	var cached models.FinancialSummary
	if hit, err := s.cache.Get(ctx, key, &cached); err == nil && hit {
		return &cached, nil
	}

	enrollment, err := s.enrollments.FindByID(ctx, enrollmentID)
	if err != nil {
		return nil, s.wrapLoad(err)
	}
	entries, err := s.ledger.ListByEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, s.wrapLoad(err)
	}

	summary := models.FinancialSummary{
		EnrollmentID: enrollmentID,
		Currency:     enrollment.PricingSnapshot.Currency,
		TotalPaid:    enrollment.TotalAmountPaid,
		GeneratedAt:  now,
	}

	var completed []models.PaymentRecord
	for _, entry := range entries {
		switch entry.Status {
		case models.PaymentStatusCompleted:
			completed = append(completed, entry)
		case models.PaymentStatusFailed:
			summary.FailedCount++
		}
	}
	summary.PaymentCount = len(completed)
	summary.SuccessRatio = successRatio(len(completed), summary.FailedCount)
	summary.Consistency = s.rateConsistency(summary.SuccessRatio)
	summary.Frequency = classifyFrequency(completed)

	switch enrollment.PaymentPlan {
	case models.PaymentPlanInstallment:
		installments, err := s.enrollments.ListInstallments(ctx, enrollmentID)
		if err != nil {
			return nil, s.wrapLoad(err)
		}
		outstanding, overdue, _ := s.emi.Totals(installments, now)
		summary.OutstandingAmount = outstanding
		summary.OverdueAmount = overdue
		summary.NextPaymentDate = s.emi.NextPaymentDate(installments)
	case models.PaymentPlanFull:
		if rest := enrollment.PricingSnapshot.FinalPrice - enrollment.TotalAmountPaid; rest > 0 {
			summary.OutstandingAmount = rest
		}
	}

	if err := s.cache.Set(ctx, key, summary, s.policy.CacheTTL); err != nil {
		s.logger.Debug("summary cache write failed", zap.String("enrollment_id", enrollmentID), zap.Error(err))
	}
	return &summary, nil
}

// Invalidate drops the cached summary of an enrollment after a ledger write.
func (s *FinanceAnalyticsService) Invalidate(ctx context.Context, enrollmentID string) {
	if err := s.cache.Invalidate(ctx, summaryCacheKey(enrollmentID)); err != nil {
		s.logger.Debug("summary cache invalidation failed", zap.String("enrollment_id", enrollmentID), zap.Error(err))
	}
}

func (s *FinanceAnalyticsService) rateConsistency(successRatio float64) models.ConsistencyRating {
	switch {
	case successRatio >= s.policy.ExcellentThreshold:
		return models.ConsistencyExcellent
	case successRatio >= s.policy.GoodThreshold:
		return models.ConsistencyGood
	case successRatio >= s.policy.FairThreshold:
		return models.ConsistencyFair
	default:
		return models.ConsistencyPoor
	}
}

// successRatio is the completed share of settled attempts, in percent.
// An empty ledger scores 100: no evidence is not bad evidence.
func successRatio(completed, failed int) float64 {
	attempts := completed + failed
	if attempts == 0 {
		return 100
	}
	return float64(completed) / float64(attempts) * 100
}

// classifyFrequency buckets the mean interval between completed payments.
// Fewer than two completed payments carry no interval evidence and land in
// the infrequent bucket.
func classifyFrequency(completed []models.PaymentRecord) models.PaymentFrequency {
	if len(completed) < 2 {
		return models.PaymentFrequencyInfrequent
	}
	sorted := make([]models.PaymentRecord, len(completed))
	copy(sorted, completed)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].RecordedAt.Before(sorted[j].RecordedAt) })

	var total time.Duration
	for i := 1; i < len(sorted); i++ {
		total += sorted[i].RecordedAt.Sub(sorted[i-1].RecordedAt)
	}
	mean := total / time.Duration(len(sorted)-1)

	const day = 24 * time.Hour
	switch {
	case mean <= 7*day:
		return models.PaymentFrequencyVeryFrequent
	case mean <= 30*day:
		return models.PaymentFrequencyFrequent
	case mean <= 90*day:
		return models.PaymentFrequencyModerate
	default:
		return models.PaymentFrequencyInfrequent
	}
}

func (s *FinanceAnalyticsService) wrapLoad(err error) error {
	if err == sql.ErrNoRows {
		return appErrors.Clone(appErrors.ErrNotFound, "enrollment not found")
	}
	return appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load financial data")
}
