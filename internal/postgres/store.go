// Package postgres is the PostgreSQL store for jobs and schedules, for
// deployments that run several mailflow processes against one database.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"mailflow/internal/domain"
	"mailflow/internal/queue"
	"mailflow/internal/scheduler"
)

//go:embed schema.sql
var schema string

var (
	_ queue.Store     = (*Store)(nil)
	_ scheduler.Store = (*Store)(nil)
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store { return &Store{pool: pool} }

// NewPool creates a pgxpool and verifies connectivity.
func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres ping: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

const jobColumns = `id, name, payload, state, attempts_made, max_attempts, backoff_kind, backoff_delay_ms,
progress, result, last_error, ready_at, lease_until, created_at, updated_at, finished_at`

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func scanJob(row interface {
	Scan(dest ...any) error
}) (*domain.Job, error) {
	var (
		j       domain.Job
		state   string
		kind    string
		delayMs int64
	)
	err := row.Scan(&j.ID, &j.Name, &j.Payload, &state, &j.AttemptsMade, &j.MaxAttempts, &kind, &delayMs,
		&j.Progress, &j.Result, &j.LastError, &j.ReadyAt, &j.LeaseUntil, &j.CreatedAt, &j.UpdatedAt, &j.FinishedAt)
	if err != nil {
		return nil, err
	}
	j.State = domain.State(state)
	j.Backoff = domain.Backoff{Kind: domain.BackoffKind(kind), Delay: time.Duration(delayMs) * time.Millisecond}
	j.ReadyAt = j.ReadyAt.UTC()
	j.CreatedAt = j.CreatedAt.UTC()
	j.UpdatedAt = j.UpdatedAt.UTC()
	j.LeaseUntil = utc(j.LeaseUntil)
	j.FinishedAt = utc(j.FinishedAt)
	return &j, nil
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

func (s *Store) InsertJob(ctx context.Context, j *domain.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO jobs (id, name, payload, state, attempts_made, max_attempts, backoff_kind, backoff_delay_ms,
			progress, last_error, ready_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		j.ID, j.Name, nonNil(j.Payload), string(j.State), j.AttemptsMade, j.MaxAttempts,
		string(j.Backoff.Kind), j.Backoff.Delay.Milliseconds(), j.Progress, j.LastError,
		j.ReadyAt, j.CreatedAt, j.UpdatedAt)
	return domain.Unavailable("insert job", err)
}

// ClaimNextJob locks the oldest ready row with SKIP LOCKED so concurrent
// claimers in other processes move on to the next row instead of waiting.
func (s *Store) ClaimNextJob(ctx context.Context, now, leaseUntil time.Time) (*domain.Job, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE jobs SET state = 'active', attempts_made = attempts_made + 1, lease_until = $2, updated_at = $1
		WHERE seq = (
			SELECT seq FROM jobs
			WHERE state = 'waiting' AND ready_at <= $1
			ORDER BY seq ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, leaseUntil)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.Unavailable("claim job", err)
	}
	return job, nil
}

func (s *Store) GetJob(ctx context.Context, id string) (*domain.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &domain.JobNotFoundError{JobID: id}
	}
	if err != nil {
		return nil, domain.Unavailable("get job", err)
	}
	return job, nil
}

func (s *Store) TransitionJob(ctx context.Context, id string, attempt int, t queue.Transition) (bool, error) {
	var (
		lastError  *string
		readyAt    *time.Time
		finishedAt *time.Time
	)
	if t.LastError != "" {
		lastError = &t.LastError
	}
	if t.State == domain.StateWaiting {
		readyAt = &t.ReadyAt
	}
	if t.State.IsTerminal() {
		finishedAt = &t.At
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET
			state = $1,
			result = COALESCE($2, result),
			last_error = COALESCE($3, last_error),
			progress = $4,
			ready_at = COALESCE($5, ready_at),
			lease_until = NULL,
			updated_at = $6,
			finished_at = $7
		WHERE id = $8 AND state = 'active' AND attempts_made = $9`,
		string(t.State), t.Result, lastError, t.Progress, readyAt, t.At, finishedAt, id, attempt)
	if err != nil {
		return false, domain.Unavailable("transition job", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) TouchJob(ctx context.Context, id string, attempt, progress int, leaseUntil, now time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET progress = $1, lease_until = $2, updated_at = $3
		WHERE id = $4 AND state = 'active' AND attempts_made = $5`,
		progress, leaseUntil, now, id, attempt)
	if err != nil {
		return false, domain.Unavailable("touch job", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *Store) CountJobs(ctx context.Context) (domain.Stats, error) {
	var st domain.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE state = 'waiting'),
			COUNT(*) FILTER (WHERE state = 'active'),
			COUNT(*) FILTER (WHERE state = 'completed'),
			COUNT(*) FILTER (WHERE state = 'failed')
		FROM jobs`).Scan(&st.Waiting, &st.Active, &st.Completed, &st.Failed)
	return st, domain.Unavailable("count jobs", err)
}

func (s *Store) RequeueExpired(ctx context.Context, now time.Time, reason string) (queue.Recovered, error) {
	var rec queue.Recovered
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var err error
		rec.Failed, err = collectIDs(tx.Query(ctx, `
			UPDATE jobs SET state = 'failed', last_error = $2, lease_until = NULL, updated_at = $1, finished_at = $1
			WHERE state = 'active' AND lease_until < $1 AND attempts_made >= max_attempts
			RETURNING id`, now, reason))
		if err != nil {
			return err
		}
		rec.Requeued, err = collectIDs(tx.Query(ctx, `
			UPDATE jobs SET state = 'waiting', last_error = $2, progress = 0, ready_at = $1, lease_until = NULL, updated_at = $1
			WHERE state = 'active' AND lease_until < $1
			RETURNING id`, now, reason))
		return err
	})
	if err != nil {
		return queue.Recovered{}, domain.Unavailable("requeue expired", err)
	}
	return rec, nil
}

func collectIDs(rows pgx.Rows, err error) ([]string, error) {
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (s *Store) PurgeJobs(ctx context.Context, state domain.State, keep int) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs WHERE state = $1 AND seq NOT IN (
			SELECT seq FROM jobs WHERE state = $1 ORDER BY finished_at DESC NULLS LAST, seq DESC LIMIT $2
		)`, string(state), keep)
	if err != nil {
		return 0, domain.Unavailable("purge jobs", err)
	}
	return int(tag.RowsAffected()), nil
}
