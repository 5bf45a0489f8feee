package sqlite_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/domain"
	"mailflow/internal/queue"
	"mailflow/internal/sqlite"
)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	db, err := sqlite.Open(filepath.Join(t.TempDir(), "mailflow.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, sqlite.EnsureSchema(context.Background(), db))
	return sqlite.New(db)
}

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func insert(t *testing.T, s *sqlite.Store, id string, readyAt time.Time) {
	t.Helper()
	require.NoError(t, s.InsertJob(context.Background(), &domain.Job{
		ID:          id,
		Name:        "send-email",
		Payload:     []byte(`{"to":"a@example.com"}`),
		State:       domain.StateWaiting,
		MaxAttempts: 3,
		Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: time.Second},
		ReadyAt:     readyAt,
		CreatedAt:   t0,
		UpdatedAt:   t0,
	}))
}

func TestClaimNextJob_FIFOAndReadyAt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insert(t, s, "job_1", t0)
	insert(t, s, "job_later", t0.Add(time.Hour))
	insert(t, s, "job_2", t0)

	j, err := s.ClaimNextJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "job_1", j.ID)
	assert.Equal(t, domain.StateActive, j.State)
	assert.Equal(t, 1, j.AttemptsMade)

	j, err = s.ClaimNextJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	require.NotNil(t, j)
	assert.Equal(t, "job_2", j.ID)

	j, err = s.ClaimNextJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, j, "job_later is not ready yet")

	stored, err := s.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateActive, stored.State)
	require.NotNil(t, stored.LeaseUntil)
	assert.True(t, stored.LeaseUntil.Equal(t0.Add(time.Minute)))
	assert.Equal(t, time.Second, stored.Backoff.Delay)
}

func TestClaimNextJob_ConcurrentClaimsAreDisjoint(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	const n = 40
	for i := 0; i < n; i++ {
		insert(t, s, "job_"+string(rune('A'+i)), t0)
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, err := s.ClaimNextJob(ctx, t0, t0.Add(time.Minute))
				if err != nil || j == nil {
					return
				}
				mu.Lock()
				seen[j.ID]++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "job %s claimed more than once", id)
	}
}

func TestTransitionJob_GuardedOnAttempt(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insert(t, s, "job_1", t0)
	_, err := s.ClaimNextJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)

	ok, err := s.TransitionJob(ctx, "job_1", 2, queue.Transition{State: domain.StateCompleted, At: t0})
	require.NoError(t, err)
	assert.False(t, ok, "stale attempt must not win")

	ok, err = s.TransitionJob(ctx, "job_1", 1, queue.Transition{
		State:    domain.StateCompleted,
		Result:   []byte(`{"messageId":"m1"}`),
		Progress: 100,
		At:       t0.Add(time.Second),
	})
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.TransitionJob(ctx, "job_1", 1, queue.Transition{State: domain.StateFailed, LastError: "late", At: t0})
	require.NoError(t, err)
	assert.False(t, ok, "terminal jobs never transition again")

	j, err := s.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, j.State)
	assert.JSONEq(t, `{"messageId":"m1"}`, string(j.Result))
	assert.Empty(t, j.LastError)
	assert.Nil(t, j.LeaseUntil)
	require.NotNil(t, j.FinishedAt)
}

func TestTransitionJob_RetryKeepsLastError(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insert(t, s, "job_1", t0)
	_, err := s.ClaimNextJob(ctx, t0, t0.Add(time.Minute))
	require.NoError(t, err)

	ok, err := s.TransitionJob(ctx, "job_1", 1, queue.Transition{
		State:     domain.StateWaiting,
		LastError: "smtp timeout",
		ReadyAt:   t0.Add(time.Second),
		At:        t0,
	})
	require.NoError(t, err)
	require.True(t, ok)

	j, err := s.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, j.State)
	assert.Equal(t, "smtp timeout", j.LastError)
	assert.True(t, j.ReadyAt.Equal(t0.Add(time.Second)))
	assert.Nil(t, j.FinishedAt)
}

func TestGetJob_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.GetJob(context.Background(), "job_missing")
	var nf *domain.JobNotFoundError
	require.ErrorAs(t, err, &nf)
	assert.Equal(t, "job_missing", nf.JobID)
}

func TestRequeueExpired(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	insert(t, s, "job_1", t0)
	require.NoError(t, s.InsertJob(ctx, &domain.Job{
		ID: "job_last", Name: "send-email", State: domain.StateWaiting, MaxAttempts: 1,
		ReadyAt: t0, CreatedAt: t0, UpdatedAt: t0,
	}))
	for i := 0; i < 2; i++ {
		_, err := s.ClaimNextJob(ctx, t0, t0.Add(time.Minute))
		require.NoError(t, err)
	}

	rec, err := s.RequeueExpired(ctx, t0.Add(30*time.Second), "lease expired")
	require.NoError(t, err)
	assert.Zero(t, rec.Len(), "leases still valid")

	rec, err = s.RequeueExpired(ctx, t0.Add(2*time.Minute), "lease expired")
	require.NoError(t, err)
	assert.Equal(t, []string{"job_1"}, rec.Requeued)
	assert.Equal(t, []string{"job_last"}, rec.Failed)

	j, err := s.GetJob(ctx, "job_1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateWaiting, j.State)
	assert.Equal(t, 1, j.AttemptsMade)

	j, err = s.GetJob(ctx, "job_last")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, j.State)
	assert.Equal(t, "lease expired", j.LastError)
}

func TestCountAndPurge(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	for _, id := range []string{"a", "b", "c", "d"} {
		insert(t, s, id, t0)
	}
	for i := 0; i < 3; i++ {
		j, err := s.ClaimNextJob(ctx, t0, t0.Add(time.Minute))
		require.NoError(t, err)
		ok, err := s.TransitionJob(ctx, j.ID, 1, queue.Transition{
			State: domain.StateCompleted, At: t0.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		require.True(t, ok)
	}

	st, err := s.CountJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, domain.Stats{Waiting: 1, Completed: 3}, st)

	n, err := s.PurgeJobs(ctx, domain.StateCompleted, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = s.GetJob(ctx, "c")
	assert.NoError(t, err, "newest completed job is kept")
	_, err = s.GetJob(ctx, "a")
	assert.Error(t, err)
}

func TestSchedules(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	sc := &domain.Schedule{
		ID:        "sch_1",
		JobName:   "send-scheduled-email",
		Payload:   []byte(`{}`),
		Options:   domain.JobOptions{MaxAttempts: 3},
		Interval:  "1 hour",
		NextRunAt: t0,
		CreatedAt: t0,
	}
	require.NoError(t, s.InsertSchedule(ctx, sc))
	require.NoError(t, s.InsertSchedule(ctx, &domain.Schedule{
		ID: "sch_2", JobName: "clean-old-jobs", NextRunAt: t0.Add(time.Hour), CreatedAt: t0,
	}))

	due, err := s.DueSchedules(ctx, t0)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, "sch_1", due[0].ID)
	assert.Equal(t, "1 hour", due[0].Interval)
	assert.Equal(t, 3, due[0].Options.MaxAttempts)

	list, err := s.ListSchedules(ctx, "clean-old-jobs")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "sch_2", list[0].ID)

	all, err := s.ListSchedules(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	ok, err := s.AdvanceSchedule(ctx, "sch_1", t0, t0.Add(time.Hour), t0)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = s.AdvanceSchedule(ctx, "sch_1", t0, t0.Add(2*time.Hour), t0)
	require.NoError(t, err)
	assert.False(t, ok, "second advance from the same previous run loses")

	got, err := s.GetSchedule(ctx, "sch_1")
	require.NoError(t, err)
	assert.True(t, got.NextRunAt.Equal(t0.Add(time.Hour)))
	require.NotNil(t, got.LastRunAt)

	deleted, err := s.DeleteSchedule(ctx, "sch_1")
	require.NoError(t, err)
	assert.True(t, deleted)
	deleted, err = s.DeleteSchedule(ctx, "sch_1")
	require.NoError(t, err)
	assert.False(t, deleted)

	_, err = s.GetSchedule(ctx, "sch_1")
	var nf *domain.ScheduleNotFoundError
	assert.ErrorAs(t, err, &nf)
}
