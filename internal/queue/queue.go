package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mailflow/internal/domain"
	"mailflow/internal/telemetry"
)

// DefaultJobOptions mirror the historical queue configuration: five attempts with
// exponential backoff starting at one second.
var DefaultJobOptions = domain.JobOptions{
	MaxAttempts: 5,
	Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: time.Second},
}

const (
	defaultLease = 5 * time.Minute
	leaseExpired = "lease expired: worker stopped reporting"
)

// Queue hands out jobs to workers and records their outcomes.
type Queue struct {
	store    Store
	defaults domain.JobOptions
	lease    time.Duration
	now      func() time.Time
	logger   zerolog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// Option configures a Queue.
type Option func(*Queue)

// WithDefaults sets the options used when Enqueue receives zero values.
func WithDefaults(o domain.JobOptions) Option { return func(q *Queue) { q.defaults = o } }

// WithLease sets how long an active job may go without a progress report
// before the reaper reclaims it.
func WithLease(d time.Duration) Option { return func(q *Queue) { q.lease = d } }

// WithClock replaces time.Now; used by tests.
func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

// New creates a Queue over store.
func New(store Store, opts ...Option) *Queue {
	q := &Queue{
		store:    store,
		defaults: DefaultJobOptions,
		lease:    defaultLease,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   log.With().Str("component", "queue").Logger(),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Lease returns the configured lease duration.
func (q *Queue) Lease() time.Duration { return q.lease }

// Enqueue persists a new waiting job and returns its id.
func (q *Queue) Enqueue(ctx context.Context, name string, payload []byte, opts domain.JobOptions) (string, error) {
	if name == "" {
		return "", &domain.ValidationError{Field: "name", Reason: "is required"}
	}
	if opts.MaxAttempts < 0 {
		return "", &domain.ValidationError{Field: "maxAttempts", Reason: "must not be negative"}
	}
	if opts.Backoff.Delay < 0 {
		return "", &domain.ValidationError{Field: "backoff", Reason: "delay must not be negative"}
	}
	opts = q.withDefaults(opts)

	now := q.now()
	job := &domain.Job{
		ID:          "job_" + uuid.NewString(),
		Name:        name,
		Payload:     payload,
		State:       domain.StateWaiting,
		MaxAttempts: opts.MaxAttempts,
		Backoff:     opts.Backoff,
		ReadyAt:     now,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := q.store.InsertJob(ctx, job); err != nil {
		return "", fmt.Errorf("enqueue %s: %w", name, err)
	}
	telemetry.JobsEnqueued.WithLabelValues(name).Inc()
	q.logger.Debug().Str("job_id", job.ID).Str("job", name).Int("max_attempts", job.MaxAttempts).Msg("job enqueued")
	return job.ID, nil
}

func (q *Queue) withDefaults(opts domain.JobOptions) domain.JobOptions {
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = q.defaults.MaxAttempts
	}
	if opts.MaxAttempts == 0 {
		opts.MaxAttempts = 1
	}
	if opts.Backoff.IsZero() {
		opts.Backoff = q.defaults.Backoff
	}
	if opts.Backoff.Kind == "" {
		opts.Backoff.Kind = domain.BackoffExponential
	}
	return opts
}

// DequeueNext claims the oldest eligible waiting job. It returns nil, nil
// when the queue has nothing ready.
func (q *Queue) DequeueNext(ctx context.Context) (*domain.Job, error) {
	now := q.now()
	job, err := q.store.ClaimNextJob(ctx, now, now.Add(q.lease))
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	return job, nil
}

// ReportSuccess completes the given attempt of an active job. Reports for
// jobs that are not active, or for an attempt that is no longer current, are
// ignored with a warning.
func (q *Queue) ReportSuccess(ctx context.Context, id string, attempt int, result []byte) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !q.current(job, attempt, "success") {
		return nil
	}
	now := q.now()
	ok, err := q.store.TransitionJob(ctx, id, attempt, Transition{
		State:    domain.StateCompleted,
		Result:   result,
		Progress: 100,
		At:       now,
	})
	if err != nil {
		return fmt.Errorf("report success %s: %w", id, err)
	}
	if !ok {
		q.logger.Warn().Str("job_id", id).Msg("job changed state before success was recorded")
		return nil
	}

	job.State = domain.StateCompleted
	job.Result = result
	job.Progress = 100
	job.UpdatedAt = now
	job.FinishedAt = &now
	job.LeaseUntil = nil
	q.notify(Event{Type: EventCompleted, Job: *job})
	return nil
}

// ReportFailure records a failed attempt. The job goes back to waiting
// after its backoff delay, or to failed when the cause is permanent or the
// attempt ceiling was reached. Stale attempts are ignored like in
// ReportSuccess.
func (q *Queue) ReportFailure(ctx context.Context, id string, attempt int, cause error) error {
	job, err := q.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if !q.current(job, attempt, "failure") {
		return nil
	}

	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	now := q.now()
	t := Transition{LastError: msg, At: now, Progress: job.Progress}
	if domain.IsPermanent(cause) || job.AttemptsMade >= job.MaxAttempts {
		t.State = domain.StateFailed
	} else {
		t.State = domain.StateWaiting
		t.Progress = 0
		t.ReadyAt = now.Add(job.Backoff.After(job.AttemptsMade))
	}

	ok, err := q.store.TransitionJob(ctx, id, attempt, t)
	if err != nil {
		return fmt.Errorf("report failure %s: %w", id, err)
	}
	if !ok {
		q.logger.Warn().Str("job_id", id).Msg("job changed state before failure was recorded")
		return nil
	}

	if t.State == domain.StateWaiting {
		q.logger.Info().
			Str("job_id", id).
			Int("attempt", job.AttemptsMade).
			Int("max_attempts", job.MaxAttempts).
			Time("ready_at", t.ReadyAt).
			Str("error", msg).
			Msg("job will be retried")
		return nil
	}

	job.State = domain.StateFailed
	job.LastError = msg
	job.UpdatedAt = now
	job.FinishedAt = &now
	job.LeaseUntil = nil
	q.notify(Event{Type: EventFailed, Job: *job, Err: msg})
	return nil
}

// current reports whether a worker running attempt may still settle job.
func (q *Queue) current(job *domain.Job, attempt int, outcome string) bool {
	switch {
	case job.State != domain.StateActive:
		q.logger.Warn().Str("job_id", job.ID).Str("state", string(job.State)).Msg(outcome + " reported for job that is not active")
		return false
	case job.AttemptsMade != attempt:
		q.logger.Warn().
			Str("job_id", job.ID).
			Int("attempt", attempt).
			Int("current_attempt", job.AttemptsMade).
			Msg(outcome + " reported for a superseded attempt")
		return false
	}
	return true
}

// ReportProgress stores the advisory progress of an active job and extends
// its lease.
func (q *Queue) ReportProgress(ctx context.Context, id string, attempt, percent int) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	now := q.now()
	ok, err := q.store.TouchJob(ctx, id, attempt, percent, now.Add(q.lease), now)
	if err != nil {
		return fmt.Errorf("report progress %s: %w", id, err)
	}
	if !ok {
		q.logger.Debug().Str("job_id", id).Int("attempt", attempt).Msg("progress for job that is no longer active")
	}
	return nil
}

// Status returns a snapshot of the job.
func (q *Queue) Status(ctx context.Context, id string) (*domain.Job, error) {
	return q.store.GetJob(ctx, id)
}

// Stats returns the number of jobs per state.
func (q *Queue) Stats(ctx context.Context) (domain.Stats, error) {
	return q.store.CountJobs(ctx)
}

// Purge keeps the newest keep completed and keep failed jobs and deletes the rest.
func (q *Queue) Purge(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	total := 0
	for _, st := range []domain.State{domain.StateCompleted, domain.StateFailed} {
		n, err := q.store.PurgeJobs(ctx, st, keep)
		if err != nil {
			return total, fmt.Errorf("purge %s jobs: %w", st, err)
		}
		total += n
	}
	return total, nil
}
