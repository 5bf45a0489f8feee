package queue

import (
	"context"
	"fmt"
	"time"

	"mailflow/internal/telemetry"
)

// RecoverStale reclaims active jobs whose lease has expired, typically
// because their worker crashed or was stopped mid-attempt. Jobs with
// attempts left return to waiting; the others fail.
func (q *Queue) RecoverStale(ctx context.Context) (int, error) {
	rec, err := q.store.RequeueExpired(ctx, q.now(), leaseExpired)
	if err != nil {
		return 0, fmt.Errorf("recover stale jobs: %w", err)
	}
	telemetry.JobsRecovered.Add(float64(rec.Len()))
	for _, id := range rec.Requeued {
		q.logger.Warn().Str("job_id", id).Msg("job stalled, returned to waiting")
	}
	for _, id := range rec.Failed {
		q.logger.Warn().Str("job_id", id).Msg("job stalled with no attempts left, failed")
		job, err := q.store.GetJob(ctx, id)
		if err != nil {
			q.logger.Error().Err(err).Str("job_id", id).Msg("load stalled job")
			continue
		}
		q.notify(Event{Type: EventFailed, Job: *job, Err: job.LastError})
	}
	return rec.Len(), nil
}

// RunReaper calls RecoverStale every interval until ctx is cancelled.
func (q *Queue) RunReaper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()

	q.logger.Info().Dur("interval", every).Dur("lease", q.lease).Msg("stale job reaper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n, err := q.RecoverStale(ctx)
			if err != nil {
				q.logger.Error().Err(err).Msg("stale job recovery failed")
				continue
			}
			if n > 0 {
				q.logger.Info().Int("recovered", n).Msg("recovered stale jobs")
			}
		}
	}
}
