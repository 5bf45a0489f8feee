package queue

import (
	"context"
	"time"

	"mailflow/internal/domain"
)

// Store is the durable job collection behind a Queue. Implementations must
// make ClaimNextJob, TransitionJob and TouchJob atomic: a job changes state
// only if it is still in the state (and attempt) the caller observed.
type Store interface {
	InsertJob(ctx context.Context, job *domain.Job) error
	// ClaimNextJob moves the oldest waiting job with ready_at <= now to active,
	// increments its attempt count and sets its lease. It returns nil, nil
	// when no job is eligible.
	ClaimNextJob(ctx context.Context, now, leaseUntil time.Time) (*domain.Job, error)
	GetJob(ctx context.Context, id string) (*domain.Job, error)
	// TransitionJob applies t only if the job is active with the given
	// attempt count. It reports whether the transition happened.
	TransitionJob(ctx context.Context, id string, attempt int, t Transition) (bool, error)
	// TouchJob records progress and extends the lease of an active job.
	TouchJob(ctx context.Context, id string, attempt, progress int, leaseUntil, now time.Time) (bool, error)
	CountJobs(ctx context.Context) (domain.Stats, error)
	// RequeueExpired returns active jobs whose lease ended before now to
	// waiting, or fails them when no attempts are left.
	RequeueExpired(ctx context.Context, now time.Time, reason string) (Recovered, error)
	// PurgeJobs deletes all but the newest keep jobs in the given terminal state.
	PurgeJobs(ctx context.Context, state domain.State, keep int) (int, error)
}

// Transition is the outcome applied to an active job.
type Transition struct {
	State     domain.State
	Result    []byte
	LastError string // empty keeps the stored value
	Progress  int
	ReadyAt   time.Time // used when State is waiting
	At        time.Time // updated_at, and finished_at for terminal states
}

// Recovered lists the jobs reclaimed by RequeueExpired.
type Recovered struct {
	Requeued []string
	Failed   []string
}

// Len is the total number of reclaimed jobs.
func (r Recovered) Len() int { return len(r.Requeued) + len(r.Failed) }
