package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mailflow/internal/domain"
)

const scheduleColumns = `id, job_name, payload, max_attempts, backoff_kind, backoff_delay_ms,
repeat_interval, next_run_at, last_run_at, created_at`

func scanSchedule(row scanner) (*domain.Schedule, error) {
	var (
		s         domain.Schedule
		kind      string
		delayMs   int64
		nextRunAt int64
		createdAt int64
		lastRunAt sql.NullInt64
	)
	err := row.Scan(&s.ID, &s.JobName, &s.Payload, &s.Options.MaxAttempts, &kind, &delayMs,
		&s.Interval, &nextRunAt, &lastRunAt, &createdAt)
	if err != nil {
		return nil, err
	}
	s.Options.Backoff = domain.Backoff{Kind: domain.BackoffKind(kind), Delay: time.Duration(delayMs) * time.Millisecond}
	s.NextRunAt = fromMillis(nextRunAt)
	s.CreatedAt = fromMillis(createdAt)
	s.LastRunAt = nullMillis(lastRunAt)
	return &s, nil
}

func (s *Store) InsertSchedule(ctx context.Context, sc *domain.Schedule) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schedules (id, job_name, payload, max_attempts, backoff_kind, backoff_delay_ms,
			repeat_interval, next_run_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sc.ID, sc.JobName, nonNil(sc.Payload), sc.Options.MaxAttempts, string(sc.Options.Backoff.Kind),
		sc.Options.Backoff.Delay.Milliseconds(), sc.Interval, millis(sc.NextRunAt), millis(sc.CreatedAt))
	return domain.Unavailable("insert schedule", err)
}

func (s *Store) GetSchedule(ctx context.Context, id string) (*domain.Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sc, err := scanSchedule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.ScheduleNotFoundError{ScheduleID: id}
	}
	if err != nil {
		return nil, domain.Unavailable("get schedule", err)
	}
	return sc, nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return false, domain.Unavailable("delete schedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Unavailable("delete schedule", err)
	}
	return n > 0, nil
}

func (s *Store) ListSchedules(ctx context.Context, jobName string) ([]domain.Schedule, error) {
	q := `SELECT ` + scheduleColumns + ` FROM schedules`
	var args []any
	if jobName != "" {
		q += ` WHERE job_name = ?`
		args = append(args, jobName)
	}
	q += ` ORDER BY next_run_at ASC, id ASC`
	return s.querySchedules(ctx, "list schedules", q, args...)
}

func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]domain.Schedule, error) {
	return s.querySchedules(ctx, "due schedules", `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE next_run_at <= ?
		ORDER BY next_run_at ASC, id ASC`, millis(now))
}

func (s *Store) querySchedules(ctx context.Context, op, q string, args ...any) ([]domain.Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
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
	res, err := s.db.ExecContext(ctx, `
		UPDATE schedules SET next_run_at = ?, last_run_at = ?
		WHERE id = ? AND next_run_at = ?`,
		millis(next), millis(lastRun), id, millis(prev))
	if err != nil {
		return false, domain.Unavailable("advance schedule", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Unavailable("advance schedule", err)
	}
	return n == 1, nil
}
