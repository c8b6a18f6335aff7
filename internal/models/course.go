package models

import "time"

// PricingType labels which rule produced a price breakdown.
type PricingType string

// Possible pricing types.
const (
	PricingTypeStandard      PricingType = "standard"
	PricingTypeEarlyBird     PricingType = "early_bird"
	PricingTypeGroupDiscount PricingType = "group_discount"
)

// Course is a sellable course with per-currency pricing tiers.
type Course struct {
	ID        string    `db:"id" json:"id"`
	Title     string    `db:"title" json:"title"`
	Active    bool      `db:"active" json:"active"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	Pricing []PricingTier `db:"-" json:"pricing,omitempty"`
}

// PricingTier holds the price terms for one currency. All amounts are in
// minor currency units (cents, paise).
type PricingTier struct {
	ID                   string  `db:"id" json:"id"`
	CourseID             string  `db:"course_id" json:"course_id"`
	Currency             string  `db:"currency" json:"currency"`
	Individual           int64   `db:"individual" json:"individual"`
	Batch                int64   `db:"batch" json:"batch"`
	MinBatchSize         int     `db:"min_batch_size" json:"min_batch_size"`
	MaxBatchSize         int     `db:"max_batch_size" json:"max_batch_size"`
	EarlyBirdDiscountPct float64 `db:"early_bird_discount_pct" json:"early_bird_discount_pct"`
	GroupDiscountPct     float64 `db:"group_discount_pct" json:"group_discount_pct"`
}

// PriceBreakdown is the result of a pricing computation.
type PriceBreakdown struct {
	OriginalPrice   int64       `json:"original_price"`
	FinalPrice      int64       `json:"final_price"`
	DiscountApplied int64       `json:"discount_applied"`
	Currency        string      `json:"currency"`
	PricingType     PricingType `json:"pricing_type"`
}

// PricingSnapshot freezes the price terms onto an enrollment at creation time.
// Later course price changes never touch it.
type PricingSnapshot struct {
	OriginalPrice   int64       `db:"original_price" json:"original_price"`
	FinalPrice      int64       `db:"final_price" json:"final_price"`
	DiscountApplied int64       `db:"discount_applied" json:"discount_applied"`
	Currency        string      `db:"currency" json:"currency"`
	PricingType     PricingType `db:"pricing_type" json:"pricing_type"`
}
