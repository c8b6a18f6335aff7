package service

import (
	"math"

	"github.com/noah-isme/lms-pay-api/internal/models"
	appErrors "github.com/noah-isme/lms-pay-api/pkg/errors"
)

// PricingOptions tunes a pricing computation.
type PricingOptions struct {
	Currency       string
	BatchSize      int
	CustomDiscount int64
}

// PricingService computes price breakdowns from a course's pricing tiers.
// It is pure: no persistence, no clock.
type PricingService struct{}

// NewPricingService constructs PricingService.
func NewPricingService() *PricingService {
	return &PricingService{}
}

// Calculate selects the tier matching the requested currency (falling back to
// the course's first tier) and applies the discount rules for the enrollment
// type. CustomDiscount stacks on top; the final price never goes negative.
func (s *PricingService) Calculate(course *models.Course, enrollmentType models.EnrollmentType, opts PricingOptions) (*models.PriceBreakdown, error) {
	if course == nil || len(course.Pricing) == 0 {
		return nil, appErrors.Clone(appErrors.ErrNotFound, "course has no pricing tiers")
	}

	tier := course.Pricing[0]
	if opts.Currency != "" {
		for _, t := range course.Pricing {
			if t.Currency == opts.Currency {
				tier = t
				break
			}
		}
	}

	var base int64
	var discount int64
	pricingType := models.PricingTypeStandard

	switch enrollmentType {
	case models.EnrollmentTypeIndividual:
		base = tier.Individual
		if tier.EarlyBirdDiscountPct > 0 {
			discount = percentOf(base, tier.EarlyBirdDiscountPct)
			pricingType = models.PricingTypeEarlyBird
		}
	case models.EnrollmentTypeBatch:
		base = tier.Batch
		if opts.BatchSize >= tier.MinBatchSize && tier.GroupDiscountPct > 0 {
			discount = percentOf(base, tier.GroupDiscountPct)
			pricingType = models.PricingTypeGroupDiscount
		}
	default:
		return nil, appErrors.Clone(appErrors.ErrValidation, "unknown enrollment type")
	}

	if opts.CustomDiscount > 0 {
		discount += opts.CustomDiscount
	}

	final := base - discount
	if final < 0 {
		final = 0
	}

	return &models.PriceBreakdown{
		OriginalPrice:   base,
		FinalPrice:      final,
		DiscountApplied: discount,
		Currency:        tier.Currency,
		PricingType:     pricingType,
	}, nil
}

func percentOf(amount int64, pct float64) int64 {
	return int64(math.Round(float64(amount) * pct / 100))
}
