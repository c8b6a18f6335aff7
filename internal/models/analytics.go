package models

import "time"

// PaymentFrequency buckets the mean inter-payment interval.
type PaymentFrequency string

// Possible payment frequency classifications.
const (
	PaymentFrequencyVeryFrequent PaymentFrequency = "very_frequent"
	PaymentFrequencyFrequent     PaymentFrequency = "frequent"
	PaymentFrequencyModerate     PaymentFrequency = "moderate"
	PaymentFrequencyInfrequent   PaymentFrequency = "infrequent"
)

// ConsistencyRating buckets the completed/total payment ratio.
type ConsistencyRating string

// Possible consistency ratings.
const (
	ConsistencyExcellent ConsistencyRating = "excellent"
	ConsistencyGood      ConsistencyRating = "good"
	ConsistencyFair      ConsistencyRating = "fair"
	ConsistencyPoor      ConsistencyRating = "poor"
)

// FinancialSummary is the read-only analytics rollup for one enrollment.
type FinancialSummary struct {
	EnrollmentID      string            `json:"enrollment_id"`
	Currency          string            `json:"currency"`
	TotalPaid         int64             `json:"total_paid"`
	OutstandingAmount int64             `json:"outstanding_amount"`
	OverdueAmount     int64             `json:"overdue_amount"`
	PaymentCount      int               `json:"payment_count"`
	FailedCount       int               `json:"failed_count"`
	SuccessRatio      float64           `json:"success_ratio"`
	Consistency       ConsistencyRating `json:"consistency"`
	Frequency         PaymentFrequency  `json:"frequency"`
	NextPaymentDate   *time.Time        `json:"next_payment_date,omitempty"`
	GeneratedAt       time.Time         `json:"generated_at"`
}

// SystemMetrics is a lightweight snapshot of process health counters.
type SystemMetrics struct {
	CacheHitRatio            float64   `json:"cache_hit_ratio"`
	CacheHits                uint64    `json:"cache_hits"`
	CacheMisses              uint64    `json:"cache_misses"`
	RequestsTotal            uint64    `json:"requests_total"`
	AverageRequestDurationMs float64   `json:"average_request_duration_ms"`
	DBQueryCount             uint64    `json:"db_query_count"`
	AverageDBQueryDurationMs float64   `json:"average_db_query_duration_ms"`
	PaymentsRecorded         uint64    `json:"payments_recorded"`
	PaymentReplays           uint64    `json:"payment_replays"`
	Goroutines               int       `json:"goroutines"`
	GeneratedAt              time.Time `json:"generated_at"`
}
