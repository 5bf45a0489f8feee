package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/domain"
)

type fakeSource struct {
	mu        sync.Mutex
	pending   []*domain.Job
	backlog   int
	succeeded []string
	failed    map[string]error
	progress  map[string]int
}

func newFakeSource(jobs ...*domain.Job) *fakeSource {
	return &fakeSource{pending: jobs, failed: map[string]error{}, progress: map[string]int{}}
}

func (f *fakeSource) DequeueNext(context.Context) (*domain.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.pending) == 0 {
		return nil, nil
	}
	j := f.pending[0]
	f.pending = f.pending[1:]
	j.State = domain.StateActive
	j.AttemptsMade++
	return j, nil
}

func (f *fakeSource) ReportSuccess(_ context.Context, id string, _ int, _ []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.succeeded = append(f.succeeded, id)
	return nil
}

func (f *fakeSource) ReportFailure(_ context.Context, id string, _ int, cause error) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed[id] = cause
	return nil
}

func (f *fakeSource) ReportProgress(_ context.Context, id string, _, percent int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.progress[id] = percent
	return nil
}

func (f *fakeSource) Stats(context.Context) (domain.Stats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return domain.Stats{Waiting: f.backlog}, nil
}

func (f *fakeSource) setBacklog(n int) {
	f.mu.Lock()
	f.backlog = n
	f.mu.Unlock()
}

func (f *fakeSource) done() (succeeded []string, failed map[string]error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]error, len(f.failed))
	for k, v := range f.failed {
		out[k] = v
	}
	return append([]string(nil), f.succeeded...), out
}

type procFunc func(ctx context.Context, job *domain.Job, progress func(int)) ([]byte, error)

func (f procFunc) Process(ctx context.Context, job *domain.Job, progress func(int)) ([]byte, error) {
	return f(ctx, job, progress)
}

func testConfig() Config {
	return Config{
		MinWorkers:     2,
		MaxWorkers:     8,
		ScaleThreshold: 50,
		CheckInterval:  time.Hour, // tests drive adjust directly
		PollInterval:   5 * time.Millisecond,
		JobTimeout:     time.Second,
	}
}

func newTestPool(t *testing.T, src Source, proc Processor) *Pool {
	t.Helper()
	p, err := NewPool(src, proc, testConfig())
	require.NoError(t, err)
	return p
}

func noop() Processor {
	return procFunc(func(context.Context, *domain.Job, func(int)) ([]byte, error) { return nil, nil })
}

func TestIdealWorkers(t *testing.T) {
	p := newTestPool(t, newFakeSource(), noop())
	tests := []struct{ backlog, want int }{
		{0, 2},
		{10, 2},
		{100, 2},
		{101, 3},
		{300, 6},
		{400, 8},
		{1000, 8},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, p.IdealWorkers(tt.backlog), "backlog %d", tt.backlog)
	}
}

func TestNewPool_InvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.MaxWorkers = 1
	_, err := NewPool(newFakeSource(), noop(), cfg)
	var ve *domain.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "max_workers", ve.Field)
}

func TestAdjust_ScalesWithinBounds(t *testing.T) {
	src := newFakeSource()
	p := newTestPool(t, src, noop())
	p.Start()
	defer p.Stop()
	assert.Equal(t, 2, p.Size())

	src.setBacklog(300)
	p.adjust()
	assert.Equal(t, 6, p.Size())

	src.setBacklog(10)
	p.adjust()
	assert.Eventually(t, func() bool { return p.Size() == 2 }, time.Second, 5*time.Millisecond)

	src.setBacklog(1000)
	p.adjust()
	assert.Equal(t, 8, p.Size())
	assert.LessOrEqual(t, p.Size(), 8)
}

func TestAdjust_CountsTerminatingWorkersAgainstMax(t *testing.T) {
	release := make(chan struct{})
	var jobs []*domain.Job
	for i := 0; i < 8; i++ {
		jobs = append(jobs, &domain.Job{ID: string(rune('a' + i)), Name: "send-email"})
	}
	src := newFakeSource(jobs...)
	started := make(chan struct{}, 8)
	p := newTestPool(t, src, procFunc(func(context.Context, *domain.Job, func(int)) ([]byte, error) {
		started <- struct{}{}
		<-release
		return nil, nil
	}))
	p.Start()

	src.setBacklog(1000)
	p.adjust()
	for i := 0; i < 8; i++ {
		<-started
	}

	// All eight are busy; scaling down leaves six of them finishing.
	src.setBacklog(0)
	p.adjust()
	src.setBacklog(1000)
	p.adjust()
	assert.Equal(t, 8, p.Size(), "terminating workers still count toward the ceiling")

	close(release)
	p.Stop()
	assert.Zero(t, p.Size())
}

func TestStop_WaitsForInFlightJobs(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	src := newFakeSource(&domain.Job{ID: "job_1", Name: "send-email"})
	p := newTestPool(t, src, procFunc(func(context.Context, *domain.Job, func(int)) ([]byte, error) {
		close(started)
		<-release
		return []byte("ok"), nil
	}))
	p.Start()
	<-started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned while a job was running")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return")
	}
	assert.Zero(t, p.Size())
	succeeded, _ := src.done()
	assert.Equal(t, []string{"job_1"}, succeeded)

	p.Stop()
}

func TestStart_Idempotent(t *testing.T) {
	p := newTestPool(t, newFakeSource(), noop())
	p.Start()
	p.Start()
	assert.Equal(t, 2, p.Size())
	p.Stop()
	assert.Zero(t, p.Size())
}

func TestWorker_ReportsOutcomes(t *testing.T) {
	boom := errors.New("smtp 421")
	src := newFakeSource(
		&domain.Job{ID: "ok", Name: "send-email"},
		&domain.Job{ID: "bad", Name: "send-email"},
	)
	p := newTestPool(t, src, procFunc(func(_ context.Context, job *domain.Job, progress func(int)) ([]byte, error) {
		progress(50)
		if job.ID == "bad" {
			return nil, boom
		}
		return []byte(`{}`), nil
	}))
	p.Start()
	defer p.Stop()

	assert.Eventually(t, func() bool {
		s, f := src.done()
		return len(s) == 1 && len(f) == 1
	}, 2*time.Second, 5*time.Millisecond)

	succeeded, failed := src.done()
	assert.Equal(t, []string{"ok"}, succeeded)
	assert.ErrorIs(t, failed["bad"], boom)

	src.mu.Lock()
	assert.Equal(t, 50, src.progress["ok"])
	src.mu.Unlock()
}

func TestWorker_PanicIsReplaced(t *testing.T) {
	src := newFakeSource(
		&domain.Job{ID: "panics", Name: "send-email"},
		&domain.Job{ID: "after", Name: "send-email"},
	)
	p := newTestPool(t, src, procFunc(func(_ context.Context, job *domain.Job, _ func(int)) ([]byte, error) {
		if job.ID == "panics" {
			panic("template engine exploded")
		}
		return nil, nil
	}))
	p.Start()
	defer p.Stop()

	assert.Eventually(t, func() bool {
		s, _ := src.done()
		return len(s) == 1
	}, 2*time.Second, 5*time.Millisecond)

	succeeded, failed := src.done()
	assert.Equal(t, []string{"after"}, succeeded)
	assert.NotContains(t, failed, "panics", "a panicking job is left for the lease reaper")
	assert.Eventually(t, func() bool {
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.nextID == 3
	}, 2*time.Second, 5*time.Millisecond, "faulted worker was replaced")
	assert.Equal(t, 2, p.Size())
}
