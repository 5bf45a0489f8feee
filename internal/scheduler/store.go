package scheduler

import (
	"context"
	"time"

	"mailflow/internal/domain"
)

// Store is the durable schedule collection, queryable by job name and by
// due time.
type Store interface {
	InsertSchedule(ctx context.Context, s *domain.Schedule) error
	GetSchedule(ctx context.Context, id string) (*domain.Schedule, error)
	// DeleteSchedule reports whether a record was removed.
	DeleteSchedule(ctx context.Context, id string) (bool, error)
	// ListSchedules returns schedules for jobName, or all when jobName is empty.
	ListSchedules(ctx context.Context, jobName string) ([]domain.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error)
	// AdvanceSchedule moves next_run_at from prev to next and records
	// lastRun. It reports false when another firing already moved it.
	AdvanceSchedule(ctx context.Context, id string, prev, next, lastRun time.Time) (bool, error)
}
