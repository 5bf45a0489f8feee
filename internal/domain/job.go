package domain

import "time"

// State is the lifecycle state of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StateWaiting, StateActive, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Job is a unit of work tracked through its lifecycle by the queue.
type Job struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Payload      []byte     `json:"payload"`
	State        State      `json:"state"`
	AttemptsMade int        `json:"attemptsMade"`
	MaxAttempts  int        `json:"maxAttempts"`
	Backoff      Backoff    `json:"backoff"`
	Progress     int        `json:"progress"`
	Result       []byte     `json:"result,omitempty"`
	LastError    string     `json:"lastError,omitempty"`
	ReadyAt      time.Time  `json:"readyAt"`
	LeaseUntil   *time.Time `json:"leaseUntil,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	UpdatedAt    time.Time  `json:"updatedAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// JobOptions controls retry behaviour of a single job. Zero fields fall back
// to the queue defaults.
type JobOptions struct {
	MaxAttempts int     `json:"maxAttempts,omitempty"`
	Backoff     Backoff `json:"backoff,omitempty"`
}

// Stats is a point-in-time count of jobs per state.
type Stats struct {
	Waiting   int `json:"waiting"`
	Active    int `json:"active"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Backlog is the number of jobs not yet finished.
func (s Stats) Backlog() int { return s.Waiting + s.Active }
