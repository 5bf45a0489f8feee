package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"mailflow/internal/domain"
	"mailflow/internal/queue"
)

const jobColumns = `id, name, payload, state, attempts_made, max_attempts, backoff_kind, backoff_delay_ms,
progress, result, last_error, ready_at, lease_until, created_at, updated_at, finished_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (*domain.Job, error) {
	var (
		j          domain.Job
		state      string
		kind       string
		delayMs    int64
		readyAt    int64
		createdAt  int64
		updatedAt  int64
		leaseUntil sql.NullInt64
		finishedAt sql.NullInt64
	)
	err := row.Scan(&j.ID, &j.Name, &j.Payload, &state, &j.AttemptsMade, &j.MaxAttempts, &kind, &delayMs,
		&j.Progress, &j.Result, &j.LastError, &readyAt, &leaseUntil, &createdAt, &updatedAt, &finishedAt)
	if err != nil {
		return nil, err
	}
	j.State = domain.State(state)
	j.Backoff = domain.Backoff{Kind: domain.BackoffKind(kind), Delay: time.Duration(delayMs) * time.Millisecond}
	j.ReadyAt = fromMillis(readyAt)
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	j.LeaseUntil = nullMillis(leaseUntil)
	j.FinishedAt = nullMillis(finishedAt)
	return &j, nil
}

func (s *Store) InsertJob(ctx context.Context, j *domain.Job) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO jobs (id, name, payload, state, attempts_made, max_attempts, backoff_kind, backoff_delay_ms,
			progress, last_error, ready_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.Name, nonNil(j.Payload), string(j.State), j.AttemptsMade, j.MaxAttempts,
		string(j.Backoff.Kind), j.Backoff.Delay.Milliseconds(), j.Progress, j.LastError,
		millis(j.ReadyAt), millis(j.CreatedAt), millis(j.UpdatedAt))
	return domain.Unavailable("insert job", err)
}

// ClaimNextJob selects the oldest ready job and flips it to active inside
// one transaction. The update is guarded on state so a concurrent claim on
// another connection cannot take the same row twice.
func (s *Store) ClaimNextJob(ctx context.Context, now, leaseUntil time.Time) (*domain.Job, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, domain.Unavailable("claim job", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT `+jobColumns+` FROM jobs
		WHERE state = 'waiting' AND ready_at <= ?
		ORDER BY seq ASC
		LIMIT 1`, millis(now))
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable("claim job", err)
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state = 'active', attempts_made = attempts_made + 1, lease_until = ?, updated_at = ?
		WHERE id = ? AND state = 'waiting'`, millis(leaseUntil), millis(now), job.ID)
	if err != nil {
		return nil, domain.Unavailable("claim job", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, nil
	}
	if err := tx.Commit(); err != nil {
		return nil, domain.Unavailable("claim job", err)
	}

	job.State = domain.StateActive
	job.AttemptsMade++
	job.LeaseUntil = &leaseUntil
	job.UpdatedAt = now
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	if err != nil {
		return nil, domain.Unavailable("get job", err)
	}
	return job, nil
}

func (s *Store) TransitionJob(ctx context.Context, id string, attempt int, t queue.Transition) (bool, error) {
	var result, lastError, readyAt, finishedAt any
	if t.Result != nil {
		result = t.Result
	}
	if t.LastError != "" {
		lastError = t.LastError
	}
	if t.State == domain.StateWaiting {
		readyAt = millis(t.ReadyAt)
	}
	if t.State.IsTerminal() {
		finishedAt = millis(t.At)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET
			state = ?,
			result = COALESCE(?, result),
			last_error = COALESCE(?, last_error),
			progress = ?,
			ready_at = COALESCE(?, ready_at),
			lease_until = NULL,
			updated_at = ?,
			finished_at = ?
		WHERE id = ? AND state = 'active' AND attempts_made = ?`,
		string(t.State), result, lastError, t.Progress, readyAt, millis(t.At), finishedAt, id, attempt)
	if err != nil {
		return false, domain.Unavailable("transition job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Unavailable("transition job", err)
	}
	return n == 1, nil
}

func (s *Store) TouchJob(ctx context.Context, id string, attempt, progress int, leaseUntil, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobs SET progress = ?, lease_until = ?, updated_at = ?
		WHERE id = ? AND state = 'active' AND attempts_made = ?`,
		progress, millis(leaseUntil), millis(now), id, attempt)
	if err != nil {
		return false, domain.Unavailable("touch job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, domain.Unavailable("touch job", err)
	}
	return n == 1, nil
}

func (s *Store) CountJobs(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM jobs GROUP BY state`)
	if err != nil {
		return st, domain.Unavailable("count jobs", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			return st, domain.Unavailable("count jobs", err)
		}
		switch domain.State(state) {
		case domain.StateWaiting:
			st.Waiting = n
		case domain.StateActive:
			st.Active = n
		case domain.StateCompleted:
			st.Completed = n
		case domain.StateFailed:
			st.Failed = n
		}
	}
	return st, domain.Unavailable("count jobs", rows.Err())
}

func (s *Store) RequeueExpired(ctx context.Context, now time.Time, reason string) (queue.Recovered, error) {
	var rec queue.Recovered
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return rec, domain.Unavailable("requeue expired", err)
	}
	defer func() { _ = tx.Rollback() }()

	type stale struct {
		id               string
		attempts, maxAtt int
	}
	rows, err := tx.QueryContext(ctx, `
		SELECT id, attempts_made, max_attempts FROM jobs
		WHERE state = 'active' AND lease_until IS NOT NULL AND lease_until < ?
		ORDER BY seq ASC`, millis(now))
	if err != nil {
		return rec, domain.Unavailable("requeue expired", err)
	}
	var found []stale
	for rows.Next() {
		var st stale
		if err := rows.Scan(&st.id, &st.attempts, &st.maxAtt); err != nil {
			rows.Close()
			return rec, domain.Unavailable("requeue expired", err)
		}
		found = append(found, st)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return rec, domain.Unavailable("requeue expired", err)
	}

	for _, st := range found {
		if st.attempts >= st.maxAtt {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET state = 'failed', last_error = ?, lease_until = NULL, updated_at = ?, finished_at = ?
				WHERE id = ? AND state = 'active' AND attempts_made = ?`,
				reason, millis(now), millis(now), st.id, st.attempts)
			rec.Failed = append(rec.Failed, st.id)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE jobs SET state = 'waiting', last_error = ?, progress = 0, ready_at = ?, lease_until = NULL, updated_at = ?
				WHERE id = ? AND state = 'active' AND attempts_made = ?`,
				reason, millis(now), millis(now), st.id, st.attempts)
			rec.Requeued = append(rec.Requeued, st.id)
		}
		if err != nil {
			return queue.Recovered{}, domain.Unavailable("requeue expired", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return queue.Recovered{}, domain.Unavailable("requeue expired", err)
	}
	return rec, nil
}

func (s *Store) PurgeJobs(ctx context.Context, state domain.State, keep int) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM jobs WHERE state = ? AND seq NOT IN (
			SELECT seq FROM jobs WHERE state = ? ORDER BY finished_at DESC, seq DESC LIMIT ?
		)`, string(state), string(state), keep)
	if err != nil {
		return 0, domain.Unavailable("purge jobs", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, domain.Unavailable("purge jobs", err)
	}
	return int(n), nil
}
