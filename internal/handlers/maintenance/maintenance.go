// Package maintenance holds the housekeeping jobs the service schedules
// for itself.
package maintenance

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"mailflow/internal/domain"
)

const (
	JobCleanOldJobs     = "clean-old-jobs"
	JobReportQueueStats = "report-queue-stats"

	// CleanInterval and StatsInterval are the cadences registered at startup.
	CleanInterval = "1 day"
	StatsInterval = "1 hour"
)

// Purger deletes old finished jobs.
type Purger interface {
	Purge(ctx context.Context, keep int) (int, error)
}

// StatsSource reports per-state job counts.
type StatsSource interface {
	Stats(ctx context.Context) (domain.Stats, error)
}

// CleanupHandler keeps the newest Keep completed and Keep failed jobs.
type CleanupHandler struct {
	purger Purger
	keep   int
}

func NewCleanupHandler(p Purger, keep int) *CleanupHandler {
	return &CleanupHandler{purger: p, keep: keep}
}

func (h *CleanupHandler) JobName() string { return JobCleanOldJobs }

func (h *CleanupHandler) Handle(ctx context.Context, job *domain.Job, progress func(int)) ([]byte, error) {
	n, err := h.purger.Purge(ctx, h.keep)
	if err != nil {
		return nil, fmt.Errorf("clean old jobs: %w", err)
	}
	progress(100)
	log.Info().Str("job_id", job.ID).Int("deleted", n).Int("keep", h.keep).Msg("old jobs cleaned")
	return json.Marshal(map[string]int{"deleted": n})
}

// StatsHandler logs a snapshot of the queue.
type StatsHandler struct {
	source StatsSource
}

func NewStatsHandler(s StatsSource) *StatsHandler { return &StatsHandler{source: s} }

func (h *StatsHandler) JobName() string { return JobReportQueueStats }

func (h *StatsHandler) Handle(ctx context.Context, job *domain.Job, progress func(int)) ([]byte, error) {
	st, err := h.source.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	progress(100)
	log.Info().
		Str("job_id", job.ID).
		Int("waiting", st.Waiting).
		Int("active", st.Active).
		Int("completed", st.Completed).
		Int("failed", st.Failed).
		Msg("queue stats")
	return json.Marshal(st)
}
