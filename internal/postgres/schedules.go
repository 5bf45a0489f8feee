package postgres

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"mailflow/internal/domain"
)

const scheduleColumns = `id, job_name, payload, max_attempts, backoff_kind, backoff_delay_ms,
repeat_interval, next_run_at, last_run_at, created_at`

func scanSchedule(row interface {
	Scan(dest ...any) error
}) (*domain.Schedule, error) {
	var (
		s       domain.Schedule
		kind    string
		delayMs int64
	)
	err := row.Scan(&s.ID, &s.JobName, &s.Payload, &s.Options.MaxAttempts, &kind, &delayMs,
		&s.Interval, &s.NextRunAt, &s.LastRunAt, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	s.Options.Backoff = domain.Backoff{Kind: domain.BackoffKind(kind), Delay: time.Duration(delayMs) * time.Millisecond}
	s.NextRunAt = s.NextRunAt.UTC()
	s.CreatedAt = s.CreatedAt.UTC()
	s.LastRunAt = utc(s.LastRunAt)
	return &s, nil
}

func (s *Store) InsertSchedule(ctx context.Context, sc *domain.Schedule) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO schedules (id, job_name, payload, max_attempts, backoff_kind, backoff_delay_ms,
			repeat_interval, next_run_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		sc.ID, sc.JobName, nonNil(sc.Payload), sc.Options.MaxAttempts, string(sc.Options.Backoff.Kind),
		sc.Options.Backoff.Delay.Milliseconds(), sc.Interval, sc.NextRunAt, sc.CreatedAt)
	return domain.Unavailable("insert schedule", err)
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	sc, err := scanSchedule(s.pool.QueryRow(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.ScheduleNotFoundError{ScheduleID: id}
	}
	if err != nil {
		return nil, domain.Unavailable("get schedule", err)
	}
	return sc, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM schedules WHERE id = $1`, id)
	if err != nil {
		return false, domain.Unavailable("delete schedule", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *Store) ListSchedules(ctx context.Context, jobName string) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, "list schedules", `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE $1 = '' OR job_name = $1
		ORDER BY next_run_at ASC, id ASC`, jobName)
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, "due schedules", `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE next_run_at <= $1
		ORDER BY next_run_at ASC, id ASC`, now)
}

func (s *Store) querySchedules(ctx context.Context, op, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, domain.Unavailable(op, err)
	}
	defer rows.Close()

	var out []domain.Schedule
	for rows.Next() {
		sc, err := scanSchedule(rows)
		if err != nil {
			return nil, domain.Unavailable(op, err)
		}
		out = append(out, *sc)
	}
	return out, domain.Unavailable(op, rows.Err())
}

func (s *Store) AdvanceSchedule(ctx context.Context, id string, prev, next, lastRun time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE schedules SET next_run_at = $1, last_run_at = $2
		WHERE id = $3 AND next_run_at = $4`,
		next, lastRun, id, prev)
	if err != nil {
		return false, domain.Unavailable("advance schedule", err)
	}
	return tag.RowsAffected() == 1, nil
}
