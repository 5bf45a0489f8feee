package kafka

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"mailflow/internal/queue"
)

// JobEvent is the message value published for each terminal transition.
type JobEvent struct {
	Type         queue.EventType `json:"type"`
	JobID        string          `json:"jobId"`
	JobName      string          `json:"jobName"`
	AttemptsMade int             `json:"attemptsMade"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	At           time.Time       `json:"at"`
}

// EventPublisher is a queue.Observer that forwards events to a topic keyed
// by job id.
type EventPublisher struct {
	producer Producer
	topic    string
}

func NewEventPublisher(p Producer, topic string) *EventPublisher {
	return &EventPublisher{producer: p, topic: topic}
}

func (e *EventPublisher) OnJobEvent(ctx context.Context, ev queue.Event) {
	ctx, span := otel.Tracer("queue").Start(ctx, "queue.event.publish")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", ev.Job.ID),
		attribute.String("job.event", string(ev.Type)),
	)

	msg := JobEvent{
		Type:         ev.Type,
		JobID:        ev.Job.ID,
		JobName:      ev.Job.Name,
		AttemptsMade: ev.Job.AttemptsMade,
		Error:        ev.Err,
		At:           ev.Job.UpdatedAt,
	}
	if json.Valid(ev.Job.Result) {
		msg.Result = ev.Job.Result
	}
	value, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Str("job_id", ev.Job.ID).Msg("encode job event")
		return
	}
	if err := e.producer.Publish(ctx, e.topic, ev.Job.ID, value); err != nil {
		span.RecordError(err)
		log.Error().Err(err).Str("job_id", ev.Job.ID).Str("topic", e.topic).Msg("publish job event")
	}
}
