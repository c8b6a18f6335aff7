package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-pay-api/internal/models"
)

// CourseRepository handles read access to courses and their pricing tiers.
type CourseRepository struct {
	db *sqlx.DB
}

// NewCourseRepository constructs the repository.
func NewCourseRepository(db *sqlx.DB) *CourseRepository {
	return &CourseRepository{db: db}
}

// FindByID returns a course with its pricing tiers loaded.
func (r *CourseRepository) FindByID(ctx context.Context, id string) (*models.Course, error) {
	const query = `SELECT id, title, active, created_at FROM courses WHERE id = $1`
	var course models.Course
	if err := r.db.GetContext(ctx, &course, query, id); err != nil {
		return nil, err
	}

	tiers, err := r.ListTiers(ctx, id)
	if err != nil {
		return nil, err
	}
	course.Pricing = tiers
	return &course, nil
}

// ListTiers returns the pricing tiers of a course ordered by creation.
func (r *CourseRepository) ListTiers(ctx context.Context, courseID string) ([]models.PricingTier, error) {
	const query = `SELECT id, course_id, currency, individual, batch, min_batch_size, max_batch_size,
        early_bird_discount_pct, group_discount_pct
        FROM course_pricing_tiers WHERE course_id = $1 ORDER BY id`
	var tiers []models.PricingTier
	if err := r.db.SelectContext(ctx, &tiers, query, courseID); err != nil {
		return nil, fmt.Errorf("list pricing tiers: %w", err)
	}
	return tiers, nil
}
