package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ─── Queue ───────────────────────────────────────────────────────────────────

	JobsEnqueued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailflow",
		Subsystem: "queue",
		Name:      "jobs_enqueued_total",
		Help:      "Total jobs added to the queue, labelled by job name.",
	}, []string{"job"})

	JobsFinished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailflow",
		Subsystem: "queue",
		Name:      "jobs_finished_total",
		Help:      "Total jobs that reached a terminal state, labelled by job name and state.",
	}, []string{"job", "state"})

	JobsRecovered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailflow",
		Subsystem: "queue",
		Name:      "jobs_recovered_total",
		Help:      "Active jobs reclaimed after their lease expired.",
	})

	// ─── Worker pool ─────────────────────────────────────────────────────────────

	PoolWorkers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailflow",
		Subsystem: "pool",
		Name:      "workers",
		Help:      "Workers currently in the pool.",
	})

	PoolBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailflow",
		Subsystem: "pool",
		Name:      "backlog",
		Help:      "Waiting plus active jobs seen at the last control check.",
	})

	PoolJobsInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "mailflow",
		Subsystem: "pool",
		Name:      "jobs_inflight",
		Help:      "Jobs currently being executed by a worker.",
	})

	PoolJobDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "mailflow",
		Subsystem: "pool",
		Name:      "job_duration_seconds",
		Help:      "Handler execution time in seconds.",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"job"})

	PoolWorkerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailflow",
		Subsystem: "pool",
		Name:      "worker_panics_total",
		Help:      "Workers discarded after a recovered panic.",
	})

	// ─── Scheduler ───────────────────────────────────────────────────────────────

	SchedulesFired = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailflow",
		Subsystem: "scheduler",
		Name:      "schedules_fired_total",
		Help:      "Schedules that produced a job, labelled by kind (once or recurring).",
	}, []string{"kind"})

	// ─── Mail ────────────────────────────────────────────────────────────────────

	MailSent = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "mailflow",
		Subsystem: "mail",
		Name:      "sent_total",
		Help:      "Delivery attempts, labelled by transport and outcome.",
	}, []string{"transport", "status"})

	MailRateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "mailflow",
		Subsystem: "mail",
		Name:      "rate_limited_total",
		Help:      "Sends delayed by the rate limiter.",
	})
)
