package domain

import "time"

// Schedule is a rule that produces jobs at a future time or on a recurring
// cadence. A schedule with an empty Interval is one-shot.
type Schedule struct {
	ID        string     `json:"id"`
	JobName   string     `json:"jobName"`
	Payload   []byte     `json:"payload"`
	Options   JobOptions `json:"options"`
	Interval  string     `json:"interval,omitempty"`
	NextRunAt time.Time  `json:"nextRunAt"`
	LastRunAt *time.Time `json:"lastRunAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Recurring reports whether the schedule fires more than once.
func (s Schedule) Recurring() bool { return s.Interval != "" }
