package models

import "time"

// BatchStatus represents the lifecycle of a course batch.
type BatchStatus string

// Possible batch statuses.
const (
	BatchStatusUpcoming BatchStatus = "UPCOMING"
	BatchStatusActive   BatchStatus = "ACTIVE"
	BatchStatusClosed   BatchStatus = "CLOSED"
)

// Batch is a cohort of a course with bounded capacity.
// EnrolledStudents never exceeds Capacity; seat reservation is a single
// conditional update in the repository.
type Batch struct {
	ID               string      `db:"id" json:"id"`
	CourseID         string      `db:"course_id" json:"course_id"`
	Name             string      `db:"name" json:"name"`
	Capacity         int         `db:"capacity" json:"capacity"`
	EnrolledStudents int         `db:"enrolled_students" json:"enrolled_students"`
	StartDate        time.Time   `db:"start_date" json:"start_date"`
	EndDate          time.Time   `db:"end_date" json:"end_date"`
	Status           BatchStatus `db:"status" json:"status"`
}

// AcceptsEnrollments reports whether the batch is open for new enrollments.
func (b *Batch) AcceptsEnrollments() bool {
	return b.Status == BatchStatusUpcoming || b.Status == BatchStatusActive
}

// SeatsLeft returns the number of unreserved seats.
func (b *Batch) SeatsLeft() int {
	left := b.Capacity - b.EnrolledStudents
	if left < 0 {
		return 0
	}
	return left
}
