// Package worker runs queued jobs on an adaptive set of goroutines.
package worker

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mailflow/internal/domain"
	"mailflow/internal/telemetry"
)

const reportTimeout = 10 * time.Second

// Source is the job queue as seen by workers.
type Source interface {
	DequeueNext(ctx context.Context) (*domain.Job, error)
	ReportSuccess(ctx context.Context, id string, attempt int, result []byte) error
	ReportFailure(ctx context.Context, id string, attempt int, cause error) error
	ReportProgress(ctx context.Context, id string, attempt, percent int) error
	Stats(ctx context.Context) (domain.Stats, error)
}

// Processor executes one job. progress may be called any number of times
// with a percentage.
type Processor interface {
	Process(ctx context.Context, job *domain.Job, progress func(percent int)) ([]byte, error)
}

type Config struct {
	MinWorkers     int
	MaxWorkers     int
	ScaleThreshold int           // backlog handled per worker
	CheckInterval  time.Duration // control loop period
	PollInterval   time.Duration // idle wait when the queue is empty
	JobTimeout     time.Duration
}

// DefaultConfig matches the production sizing: 2..8 workers, one per 50
// pending jobs, re-evaluated every 5s.
func DefaultConfig() Config {
	return Config{
		MinWorkers:     2,
		MaxWorkers:     8,
		ScaleThreshold: 50,
		CheckInterval:  5 * time.Second,
		PollInterval:   time.Second,
		JobTimeout:     5 * time.Minute,
	}
}

func (c Config) validate() error {
	switch {
	case c.MinWorkers < 1:
		return &domain.ValidationError{Field: "min_workers", Reason: "must be at least 1"}
	case c.MaxWorkers < c.MinWorkers:
		return &domain.ValidationError{Field: "max_workers", Reason: fmt.Sprintf("must be >= min_workers (%d)", c.MinWorkers)}
	case c.ScaleThreshold < 1:
		return &domain.ValidationError{Field: "scale_threshold", Reason: "must be at least 1"}
	case c.CheckInterval <= 0, c.PollInterval <= 0, c.JobTimeout <= 0:
		return &domain.ValidationError{Field: "interval", Reason: "check, poll and job timeout must be positive"}
	}
	return nil
}

type worker struct {
	id   int
	quit chan struct{}
}

// Pool keeps between MinWorkers and MaxWorkers goroutines pulling from the
// queue, sized by the backlog.
type Pool struct {
	cfg    Config
	source Source
	proc   Processor
	logger zerolog.Logger

	mu          sync.Mutex
	active      bool
	live        []*worker // creation order
	terminating map[int]*worker
	nextID      int
	wg          sync.WaitGroup

	ctrlStop chan struct{}
	ctrlDone chan struct{}
}

func NewPool(source Source, proc Processor, cfg Config) (*Pool, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Pool{
		cfg:         cfg,
		source:      source,
		proc:        proc,
		logger:      log.With().Str("component", "pool").Logger(),
		terminating: make(map[int]*worker),
	}, nil
}

// Start spawns MinWorkers and the control loop. Calling it on a running
// pool does nothing.
func (p *Pool) Start() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.active {
		return
	}
	p.active = true
	p.ctrlStop = make(chan struct{})
	p.ctrlDone = make(chan struct{})
	for i := 0; i < p.cfg.MinWorkers; i++ {
		p.spawnLocked()
	}
	go p.control(p.ctrlStop, p.ctrlDone)

	p.logger.Info().
		Int("min", p.cfg.MinWorkers).
		Int("max", p.cfg.MaxWorkers).
		Int("threshold", p.cfg.ScaleThreshold).
		Msg("worker pool started")
}

// Stop signals every worker and blocks until all have exited. Jobs already
// running are allowed to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.active {
		p.mu.Unlock()
		return
	}
	p.active = false
	close(p.ctrlStop)
	for _, w := range p.live {
		p.terminating[w.id] = w
		close(w.quit)
	}
	p.live = nil
	done := p.ctrlDone
	p.mu.Unlock()

	<-done
	p.wg.Wait()
	p.logger.Info().Msg("worker pool stopped")
}

// Size is the number of worker goroutines, including ones still finishing
// after being told to stop.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.live) + len(p.terminating)
}

// IdealWorkers is ceil(backlog/ScaleThreshold) clamped to [MinWorkers, MaxWorkers].
func (p *Pool) IdealWorkers(backlog int) int {
	ideal := (backlog + p.cfg.ScaleThreshold - 1) / p.cfg.ScaleThreshold
	if ideal < p.cfg.MinWorkers {
		return p.cfg.MinWorkers
	}
	if ideal > p.cfg.MaxWorkers {
		return p.cfg.MaxWorkers
	}
	return ideal
}

func (p *Pool) spawnLocked() {
	p.nextID++
	w := &worker{id: p.nextID, quit: make(chan struct{})}
	p.live = append(p.live, w)
	p.wg.Add(1)
	telemetry.PoolWorkers.Set(float64(len(p.live) + len(p.terminating)))
	go p.run(w)
}

// removeLocked drops w from the set and reports whether it was live, i.e.
// not already asked to stop.
func (p *Pool) removeLocked(w *worker) bool {
	defer func() { telemetry.PoolWorkers.Set(float64(len(p.live) + len(p.terminating))) }()
	if _, ok := p.terminating[w.id]; ok {
		delete(p.terminating, w.id)
		return false
	}
	for i, lw := range p.live {
		if lw == w {
			p.live = append(p.live[:i], p.live[i+1:]...)
			return true
		}
	}
	return false
}

func (p *Pool) control(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(p.cfg.CheckInterval)
	defer t.Stop()
	for {
		select {
		case <-stop:
			return
		case <-t.C:
			p.adjust()
		}
	}
}

// adjust resizes the pool toward IdealWorkers for the current backlog.
func (p *Pool) adjust() {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()
	st, err := p.source.Stats(ctx)
	if err != nil {
		p.logger.Warn().Err(err).Msg("pool check skipped: stats unavailable")
		return
	}
	backlog := st.Backlog()
	telemetry.PoolBacklog.Set(float64(backlog))
	ideal := p.IdealWorkers(backlog)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.active {
		return
	}
	live := len(p.live)
	switch {
	case ideal > live:
		add := ideal - live
		// Workers still finishing count against the ceiling.
		if room := p.cfg.MaxWorkers - live - len(p.terminating); add > room {
			add = room
		}
		for i := 0; i < add; i++ {
			p.spawnLocked()
		}
		if add > 0 {
			p.logger.Info().Int("backlog", backlog).Int("added", add).Int("live", len(p.live)).Msg("scaled up")
		}
	case ideal < live:
		remove := live - ideal
		for i := 0; i < remove; i++ {
			w := p.live[len(p.live)-1]
			p.live = p.live[:len(p.live)-1]
			p.terminating[w.id] = w
			close(w.quit)
		}
		p.logger.Info().Int("backlog", backlog).Int("removed", remove).Int("live", len(p.live)).Msg("scaled down")
	}
}

func (p *Pool) run(w *worker) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker_id", w.id).Logger()
	logger.Debug().Msg("worker started")

	for {
		select {
		case <-w.quit:
			p.exit(w)
			logger.Debug().Msg("worker stopped")
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
		job, err := p.source.DequeueNext(ctx)
		cancel()
		if err != nil {
			logger.Error().Err(err).Msg("dequeue failed")
		}
		if err != nil || job == nil {
			p.idle(w)
			continue
		}

		if fault := p.execute(w, job); fault != nil {
			p.replace(w, fault)
			return
		}
	}
}

func (p *Pool) idle(w *worker) {
	t := time.NewTimer(p.cfg.PollInterval)
	defer t.Stop()
	select {
	case <-w.quit:
	case <-t.C:
	}
}

func (p *Pool) exit(w *worker) {
	p.mu.Lock()
	p.removeLocked(w)
	p.mu.Unlock()
}

// replace discards a faulted worker and starts a new one if the pool is
// still running and the worker had not been asked to stop.
func (p *Pool) replace(w *worker, fault *domain.WorkerFaultError) {
	telemetry.PoolWorkerPanics.Inc()
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.removeLocked(w) && p.active {
		p.spawnLocked()
		p.logger.Warn().Int("worker_id", w.id).Str("job_id", fault.JobID).Msg("worker replaced after fault")
	}
}

// execute runs one job and reports its outcome. A panic in the handler is
// returned as a fault and nothing is reported; the job's lease expires and
// the reaper returns it to the queue.
func (p *Pool) execute(w *worker, job *domain.Job) (fault *domain.WorkerFaultError) {
	telemetry.PoolJobsInFlight.Inc()
	defer telemetry.PoolJobsInFlight.Dec()
	defer func() {
		if r := recover(); r != nil {
			fault = &domain.WorkerFaultError{WorkerID: w.id, JobID: job.ID, Panic: r}
			p.logger.Error().
				Err(fault).
				Str("job", job.Name).
				Str("stack", string(debug.Stack())).
				Msg("worker panicked")
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.JobTimeout)
	defer cancel()

	progress := func(percent int) {
		rctx, rcancel := context.WithTimeout(context.Background(), reportTimeout)
		defer rcancel()
		if err := p.source.ReportProgress(rctx, job.ID, job.AttemptsMade, percent); err != nil {
			p.logger.Warn().Err(err).Str("job_id", job.ID).Msg("progress report failed")
		}
	}

	start := time.Now()
	result, err := p.proc.Process(ctx, job, progress)
	telemetry.PoolJobDurationSeconds.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())

	rctx, rcancel := context.WithTimeout(context.Background(), reportTimeout)
	defer rcancel()
	if err != nil {
		p.logger.Warn().
			Err(err).
			Int("worker_id", w.id).
			Str("job_id", job.ID).
			Str("job", job.Name).
			Int("attempt", job.AttemptsMade).
			Msg("job attempt failed")
		if rerr := p.source.ReportFailure(rctx, job.ID, job.AttemptsMade, err); rerr != nil {
			p.logger.Error().Err(rerr).Str("job_id", job.ID).Msg("report failure")
		}
		return nil
	}
	if rerr := p.source.ReportSuccess(rctx, job.ID, job.AttemptsMade, result); rerr != nil {
		p.logger.Error().Err(rerr).Str("job_id", job.ID).Msg("report success")
	}
	return nil
}
