package queue

import (
	"context"
	"runtime/debug"
	"time"

	"mailflow/internal/domain"
	"mailflow/internal/telemetry"
)

// EventType names a terminal transition.
type EventType string

const (
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

const observerTimeout = 10 * time.Second

// Event is delivered to observers after a job reaches a terminal state.
type Event struct {
	Type EventType  `json:"type"`
	Job  domain.Job `json:"job"`
	Err  string     `json:"error,omitempty"`
}

// Observer receives job events. Calls happen on their own goroutine and may
// run concurrently.
type Observer interface {
	OnJobEvent(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

func (f ObserverFunc) OnJobEvent(ctx context.Context, ev Event) { f(ctx, ev) }

// Observe registers o for completed and failed events.
func (q *Queue) Observe(o Observer) {
	q.mu.Lock()
	q.observers = append(q.observers, o)
	q.mu.Unlock()
}

// notify is fire-and-forget: the state transition has already been stored
// and never waits for observers.
func (q *Queue) notify(ev Event) {
	telemetry.JobsFinished.WithLabelValues(ev.Job.Name, string(ev.Job.State)).Inc()

	q.mu.RLock()
	observers := make([]Observer, len(q.observers))
	copy(observers, q.observers)
	q.mu.RUnlock()

	for _, o := range observers {
		go func(o Observer) {
			defer func() {
				if r := recover(); r != nil {
					q.logger.Error().
						Interface("panic", r).
						Str("job_id", ev.Job.ID).
						Str("stack", string(debug.Stack())).
						Msg("job observer panicked")
				}
			}()
			ctx, cancel := context.WithTimeout(context.Background(), observerTimeout)
			defer cancel()
			o.OnJobEvent(ctx, ev)
		}(o)
	}
}

// LogObserver writes completed and failed events to the queue logger.
func (q *Queue) LogObserver() Observer {
	return ObserverFunc(func(_ context.Context, ev Event) {
		switch ev.Type {
		case EventCompleted:
			q.logger.Info().
				Str("job_id", ev.Job.ID).
				Str("job", ev.Job.Name).
				Int("attempts", ev.Job.AttemptsMade).
				Msg("job completed")
		case EventFailed:
			q.logger.Error().
				Str("job_id", ev.Job.ID).
				Str("job", ev.Job.Name).
				Int("attempts", ev.Job.AttemptsMade).
				Str("error", ev.Err).
				Msg("job failed")
		}
	})
}
