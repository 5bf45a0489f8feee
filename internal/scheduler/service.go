// Package scheduler turns one-shot and recurring schedules into queued jobs.
package scheduler

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

const DefaultTick = 30 * time.Second

// Enqueuer is the part of the job queue the scheduler needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload []byte, opts domain.JobOptions) (string, error)
}

// JobNames reports whether a handler exists for a job name.
type JobNames interface {
	Has(name string) bool
}

// Leader decides whether this process fires schedules on a tick.
type Leader interface {
	IsLeader(ctx context.Context) bool
}

type Service struct {
	store  Store
	queue  Enqueuer
	names  JobNames
	leader Leader
	tick   time.Duration
	now    func() time.Time
	logger zerolog.Logger

	stop     chan struct{}
	stopOnce sync.Once
}

type Option func(*Service)

// WithTick sets how often due schedules are checked.
func WithTick(d time.Duration) Option { return func(s *Service) { s.tick = d } }

// WithJobNames rejects schedules for job names the registry does not know.
func WithJobNames(n JobNames) Option { return func(s *Service) { s.names = n } }

// WithLeader makes firing conditional on holding leadership.
func WithLeader(l Leader) Option { return func(s *Service) { s.leader = l } }

func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

func NewService(store Store, q Enqueuer, opts ...Option) *Service {
	s := &Service{
		store:  store,
		queue:  q,
		tick:   DefaultTick,
		now:    func() time.Time { return time.Now().UTC() },
		logger: log.With().Str("component", "scheduler").Logger(),
		stop:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ScheduleOnce creates a schedule that fires a single job at runAt.
func (s *Service) ScheduleOnce(ctx context.Context, jobName string, payload []byte, runAt time.Time, opts domain.JobOptions) (string, error) {
	if err := s.validate(jobName, opts); err != nil {
		return "", err
	}
	if runAt.IsZero() {
		return "", &domain.ValidationError{Field: "runAt", Reason: "is required"}
	}
	return s.insert(ctx, &domain.Schedule{
		JobName:   jobName,
		Payload:   payload,
		Options:   opts,
		NextRunAt: runAt.UTC(),
	})
}

// ScheduleRecurring creates a schedule whose first run is one interval
// from now.
func (s *Service) ScheduleRecurring(ctx context.Context, jobName string, payload []byte, interval string, opts domain.JobOptions) (string, error) {
	return s.ScheduleRecurringFrom(ctx, jobName, payload, interval, time.Time{}, opts)
}

// ScheduleRecurringFrom is ScheduleRecurring with an explicit first run. A
// zero start behaves like ScheduleRecurring.
func (s *Service) ScheduleRecurringFrom(ctx context.Context, jobName string, payload []byte, interval string, start time.Time, opts domain.JobOptions) (string, error) {
	if err := s.validate(jobName, opts); err != nil {
		return "", err
	}
	sched, err := ParseInterval(interval)
	if err != nil {
		return "", err
	}
	next := start.UTC()
	if start.IsZero() {
		next = sched.Next(s.now())
	}
	return s.insert(ctx, &domain.Schedule{
		JobName:   jobName,
		Payload:   payload,
		Options:   opts,
		Interval:  interval,
		NextRunAt: next,
	})
}

func (s *Service) validate(jobName string, opts domain.JobOptions) error {
	if jobName == "" {
		return &domain.ValidationError{Field: "jobName", Reason: "is required"}
	}
	if s.names != nil && !s.names.Has(jobName) {
		return &domain.InvalidJobNameError{JobName: jobName}
	}
	if opts.MaxAttempts < 0 {
		return &domain.ValidationError{Field: "maxAttempts", Reason: "must not be negative"}
	}
	return nil
}

func (s *Service) insert(ctx context.Context, sc *domain.Schedule) (string, error) {
	sc.ID = "sch_" + uuid.NewString()
	sc.CreatedAt = s.now()
	if err := s.store.InsertSchedule(ctx, sc); err != nil {
		return "", fmt.Errorf("create schedule for %s: %w", sc.JobName, err)
	}
	s.logger.Info().
		Str("schedule_id", sc.ID).
		Str("job", sc.JobName).
		Str("interval", sc.Interval).
		Time("next_run", sc.NextRunAt).
		Msg("schedule created")
	return sc.ID, nil
}

// Cancel deletes a schedule. It returns false, not an error, when the id
// does not exist, so repeated cancels are harmless.
func (s *Service) Cancel(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.DeleteSchedule(ctx, id)
	if err != nil {
		return false, fmt.Errorf("cancel schedule %s: %w", id, err)
	}
	if ok {
		s.logger.Info().Str("schedule_id", id).Msg("schedule cancelled")
	}
	return ok, nil
}

// List returns schedules for jobName, or every schedule when it is empty.
func (s *Service) List(ctx context.Context, jobName string) ([]domain.Schedule, error) {
	return s.store.ListSchedules(ctx, jobName)
}

func (s *Service) Get(ctx context.Context, id string) (*domain.Schedule, error) {
	return s.store.GetSchedule(ctx, id)
}

// Run checks due schedules once immediately and then on every tick until
// ctx is cancelled or Stop is called.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	s.logger.Info().Dur("interval", s.tick).Msg("schedule service started")
	s.Tick(ctx, s.now())

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.Tick(ctx, s.now())
		}
	}
}

func (s *Service) Stop() {
	s.stopOnce.Do(func() { close(s.stop) })
}

// Tick fires every schedule due at now and returns how many produced a job.
func (s *Service) Tick(ctx context.Context, now time.Time) int {
	if s.leader != nil && !s.leader.IsLeader(ctx) {
		return 0
	}
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to get due schedules")
		return 0
	}

	fired := 0
	for _, sc := range due {
		if err := s.processSchedule(ctx, sc, now); err != nil {
			s.logger.Error().Err(err).Str("schedule_id", sc.ID).Str("job", sc.JobName).Msg("failed to process schedule")
			continue
		}
		fired++
	}
	return fired
}

// processSchedule enqueues before it advances or deletes the record: a
// crash in between repeats the firing rather than losing it.
func (s *Service) processSchedule(ctx context.Context, sc domain.Schedule, now time.Time) error {
	jobID, err := s.queue.Enqueue(ctx, sc.JobName, sc.Payload, sc.Options)
	if err != nil {
		return fmt.Errorf("enqueue: %w", err)
	}

	if !sc.Recurring() {
		if _, err := s.store.DeleteSchedule(ctx, sc.ID); err != nil {
			return fmt.Errorf("delete fired schedule: %w", err)
		}
		telemetry.SchedulesFired.WithLabelValues("once").Inc()
		s.logger.Info().
			Str("schedule_id", sc.ID).
			Str("job", sc.JobName).
			Str("job_id", jobID).
			Msg("one-shot schedule fired")
		return nil
	}

	sched, err := ParseInterval(sc.Interval)
	if err != nil {
		return fmt.Errorf("parse interval %q: %w", sc.Interval, err)
	}
	next := advance(sched, sc.NextRunAt, now)
	ok, err := s.store.AdvanceSchedule(ctx, sc.ID, sc.NextRunAt, next, now)
	if err != nil {
		return fmt.Errorf("advance schedule: %w", err)
	}
	if !ok {
		s.logger.Warn().Str("schedule_id", sc.ID).Msg("schedule changed while firing")
		return nil
	}
	telemetry.SchedulesFired.WithLabelValues("recurring").Inc()

	s.logger.Info().
		Str("schedule_id", sc.ID).
		Str("job", sc.JobName).
		Str("job_id", jobID).
		Time("next_run", next).
		Msg("recurring schedule fired")
	return nil
}
