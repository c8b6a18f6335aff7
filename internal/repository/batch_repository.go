package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/noah-isme/lms-pay-api/internal/models"
)

// BatchRepository handles persistence of course batches.
type BatchRepository struct {
	db *sqlx.DB
}

// NewBatchRepository constructs the repository.
func NewBatchRepository(db *sqlx.DB) *BatchRepository {
	return &BatchRepository{db: db}
}

// FindByID returns a batch by its ID.
func (r *BatchRepository) FindByID(ctx context.Context, id string) (*models.Batch, error) {
	const query = `SELECT id, course_id, name, capacity, enrolled_students, start_date, end_date, status
        FROM batches WHERE id = $1`
	var batch models.Batch
	if err := r.db.GetContext(ctx, &batch, query, id); err != nil {
		return nil, err
	}
	return &batch, nil
}

// ReserveSeats atomically claims n seats on an open batch. The capacity check
// and the increment are one conditional statement, so two concurrent requests
// for the last seat resolve to exactly one winner. Returns false when the
// batch is full or closed.
func (r *BatchRepository) ReserveSeats(ctx context.Context, id string, n int) (bool, error) {
	if n <= 0 {
		return false, fmt.Errorf("reserve seats: count must be positive")
	}
	const query = `UPDATE batches
        SET enrolled_students = enrolled_students + $2
        WHERE id = $1 AND enrolled_students + $2 <= capacity AND status IN ('UPCOMING', 'ACTIVE')`
	res, err := r.db.ExecContext(ctx, query, id, n)
	if err != nil {
		return false, fmt.Errorf("reserve batch seats: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reserve batch seats: %w", err)
	}
	return affected == 1, nil
}
