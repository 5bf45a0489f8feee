package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mailflow/internal/api"
	"mailflow/internal/domain"
	"mailflow/internal/handlers/email"
)

type enqueued struct {
	name    string
	payload []byte
	opts    domain.JobOptions
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []enqueued
	jobs     map[string]*domain.Job
	stats    domain.Stats
	err      error
}

func (f *fakeQueue) Enqueue(_ context.Context, name string, payload []byte, opts domain.JobOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, enqueued{name: name, payload: payload, opts: opts})
	return "job-" + string(rune('0'+len(f.enqueued))), nil
}

func (f *fakeQueue) Status(_ context.Context, id string) (*domain.Job, error) {
	if j, ok := f.jobs[id]; ok {
		return j, nil
	}
	return nil, &domain.JobNotFoundError{JobID: id}
}

func (f *fakeQueue) Stats(context.Context) (domain.Stats, error) {
	return f.stats, f.err
}

type fakeScheduler struct {
	once      []time.Time
	recurring []string
	starts    []time.Time
	schedules []domain.Schedule
	cancelled map[string]bool
	err       error
}

func (f *fakeScheduler) ScheduleOnce(_ context.Context, jobName string, payload []byte, runAt time.Time, _ domain.JobOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.once = append(f.once, runAt)
	return "sch_once", nil
}

func (f *fakeScheduler) ScheduleRecurringFrom(_ context.Context, jobName string, payload []byte, interval string, start time.Time, _ domain.JobOptions) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.recurring = append(f.recurring, interval)
	f.starts = append(f.starts, start)
	return "sch_rec", nil
}

func (f *fakeScheduler) Cancel(_ context.Context, id string) (bool, error) {
	return f.cancelled[id], nil
}

func (f *fakeScheduler) List(_ context.Context, jobName string) ([]domain.Schedule, error) {
	return f.schedules, nil
}

type fakePool struct{ n int }

func (f fakePool) Size() int { return f.n }

func newServer(q *fakeQueue, s *fakeScheduler) http.Handler {
	return api.NewServer(q, s, fakePool{n: 3})
}

func do(t *testing.T, h http.Handler, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(method, path, &buf))
	var out map[string]any
	_ = json.Unmarshal(rec.Body.Bytes(), &out)
	return rec, out
}

func TestSendEmail(t *testing.T) {
	q := &fakeQueue{}
	h := newServer(q, &fakeScheduler{})

	rec, out := do(t, h, http.MethodPost, "/api/email/send", map[string]any{
		"to": "a@example.com", "subject": "hi", "body": "hello",
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "Email queued successfully", out["message"])
	assert.Equal(t, "job-1", out["jobId"])
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, email.JobSendEmail, q.enqueued[0].name)
	assert.Equal(t, 3, q.enqueued[0].opts.MaxAttempts)
	assert.Equal(t, domain.BackoffExponential, q.enqueued[0].opts.Backoff.Kind)
	assert.Equal(t, time.Second, q.enqueued[0].opts.Backoff.Delay)

	var p email.Payload
	require.NoError(t, json.Unmarshal(q.enqueued[0].payload, &p))
	assert.Equal(t, "a@example.com", p.To)
}

func TestSendEmail_MaxAttemptsOverride(t *testing.T) {
	q := &fakeQueue{}
	rec, _ := do(t, newServer(q, &fakeScheduler{}), http.MethodPost, "/api/email/send", map[string]any{
		"to": "a@example.com", "body": "x", "maxAttempts": 7,
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, q.enqueued, 1)
	assert.Equal(t, 7, q.enqueued[0].opts.MaxAttempts)
	assert.NotContains(t, string(q.enqueued[0].payload), "maxAttempts")
}

func TestSendEmail_Validation(t *testing.T) {
	cases := map[string]any{
		"missing to":            map[string]any{"subject": "x", "body": "y"},
		"missing body/template": map[string]any{"to": "a@example.com"},
		"negative attempts":     map[string]any{"to": "a@example.com", "body": "y", "maxAttempts": -1},
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			q := &fakeQueue{}
			rec, out := do(t, newServer(q, &fakeScheduler{}), http.MethodPost, "/api/email/send", body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.NotEmpty(t, out["error"])
			assert.Empty(t, q.enqueued)
		})
	}

	rec := httptest.NewRecorder()
	newServer(&fakeQueue{}, &fakeScheduler{}).ServeHTTP(rec,
		httptest.NewRequest(http.MethodPost, "/api/email/send", bytes.NewBufferString("{not json")))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendEmail_StoreUnavailable(t *testing.T) {
	q := &fakeQueue{err: domain.Unavailable("insert job", errors.New("disk full"))}
	rec, _ := do(t, newServer(q, &fakeScheduler{}), http.MethodPost, "/api/email/send", map[string]any{
		"to": "a@example.com", "body": "x",
	})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestSendEmail_InternalError(t *testing.T) {
	q := &fakeQueue{err: errors.New("boom")}
	rec, out := do(t, newServer(q, &fakeScheduler{}), http.MethodPost, "/api/email/send", map[string]any{
		"to": "a@example.com", "body": "x",
	})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", out["error"])
}

func TestSendBatch(t *testing.T) {
	q := &fakeQueue{}
	h := newServer(q, &fakeScheduler{})

	rec, out := do(t, h, http.MethodPost, "/api/email/batch", map[string]any{
		"emails": []map[string]any{
			{"to": "a@example.com", "body": "1"},
			{"to": "b@example.com", "templateId": "welcome"},
		},
	})

	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, "Batch of 2 emails queued successfully", out["message"])
	assert.Equal(t, []any{"job-1", "job-2"}, out["jobIds"])
	assert.Len(t, q.enqueued, 2)
}

func TestSendBatch_Rejected(t *testing.T) {
	q := &fakeQueue{}
	h := newServer(q, &fakeScheduler{})

	rec, _ := do(t, h, http.MethodPost, "/api/email/batch", map[string]any{"emails": []any{}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/email/batch", map[string]any{
		"emails": []map[string]any{{"to": "a@example.com", "body": "1"}, {"body": "no recipient"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, q.enqueued, "a bad entry rejects the whole batch")
}

func TestEmailStatus(t *testing.T) {
	finished := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	q := &fakeQueue{jobs: map[string]*domain.Job{
		"j1": {
			ID: "j1", Name: email.JobSendEmail, State: domain.StateFailed,
			Payload:  []byte(`{"to":"a@example.com","subject":"s","body":"b"}`),
			Progress: 10, AttemptsMade: 3, MaxAttempts: 3, LastError: "smtp down",
			FinishedAt: &finished,
		},
	}}
	h := newServer(q, &fakeScheduler{})

	rec, out := do(t, h, http.MethodGet, "/api/email/j1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "failed", out["state"])
	assert.Equal(t, float64(3), out["attemptsMade"])
	assert.Equal(t, "smtp down", out["lastError"])
	assert.Equal(t, "a@example.com", out["data"].(map[string]any)["to"])

	rec, _ = do(t, h, http.MethodGet, "/api/email/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestScheduleEmail_Once(t *testing.T) {
	s := &fakeScheduler{}
	h := newServer(&fakeQueue{}, s)

	rec, out := do(t, h, http.MethodPost, "/api/email/schedule", map[string]any{
		"to": "a@example.com", "body": "x", "scheduledTime": "2030-05-01T10:00:00Z",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Email scheduled", out["message"])
	assert.Equal(t, "sch_once", out["jobId"])
	require.Len(t, s.once, 1)
	assert.True(t, s.once[0].Equal(time.Date(2030, 5, 1, 10, 0, 0, 0, time.UTC)))
}

func TestScheduleEmail_Recurring(t *testing.T) {
	s := &fakeScheduler{}
	h := newServer(&fakeQueue{}, s)

	rec, out := do(t, h, http.MethodPost, "/api/email/schedule", map[string]any{
		"to": "a@example.com", "body": "x", "scheduledTime": "2030-05-01T10:00:00Z",
		"recurring": true, "interval": "1 day",
	})

	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "Recurring email scheduled", out["message"])
	assert.Equal(t, "1 day", out["interval"])
	assert.Equal(t, []string{"1 day"}, s.recurring)
	assert.Empty(t, s.once)
}

func TestScheduleEmail_Validation(t *testing.T) {
	h := newServer(&fakeQueue{}, &fakeScheduler{})

	rec, _ := do(t, h, http.MethodPost, "/api/email/schedule", map[string]any{
		"to": "a@example.com", "body": "x",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "scheduledTime is required")

	rec, _ = do(t, h, http.MethodPost, "/api/email/schedule", map[string]any{
		"to": "a@example.com", "body": "x", "scheduledTime": "tomorrow",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	s := &fakeScheduler{}
	rec, out := do(t, newServer(&fakeQueue{}, s), http.MethodPost, "/api/email/schedule", map[string]any{
		"to": "a@example.com", "body": "x", "scheduledTime": "2030-05-01T10:00:00Z",
		"recurring": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "recurring needs an interval")
	assert.Contains(t, out["error"], "interval")
	assert.Empty(t, s.once)
	assert.Empty(t, s.recurring)

	bad := &fakeScheduler{err: &domain.ValidationError{Field: "interval", Reason: "unrecognised"}}
	rec, _ = do(t, newServer(&fakeQueue{}, bad), http.MethodPost, "/api/email/schedule", map[string]any{
		"to": "a@example.com", "body": "x", "scheduledTime": "2030-05-01T10:00:00Z",
		"recurring": true, "interval": "every blue moon",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCancelScheduled(t *testing.T) {
	h := newServer(&fakeQueue{}, &fakeScheduler{cancelled: map[string]bool{"sch_1": true}})

	rec, _ := do(t, h, http.MethodDelete, "/api/email/schedule/sch_1", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, out := do(t, h, http.MethodDelete, "/api/email/schedule/sch_2", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "Scheduled email not found", out["error"])
}

func TestListScheduled(t *testing.T) {
	next := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	s := &fakeScheduler{schedules: []domain.Schedule{
		{ID: "sch_1", JobName: email.JobSendScheduledEmail, Payload: []byte(`{"to":"a@example.com","subject":"weekly"}`), Interval: "1 week", NextRunAt: next},
		{ID: "sch_2", JobName: email.JobSendScheduledEmail, Payload: []byte(`{"to":"b@example.com"}`), NextRunAt: next},
	}}
	rec := httptest.NewRecorder()
	newServer(&fakeQueue{}, s).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/email/schedule", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var out []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	require.Len(t, out, 2)
	assert.Equal(t, "weekly", out[0]["subject"])
	assert.Equal(t, true, out[0]["isRecurring"])
	assert.Equal(t, "1 week", out[0]["repeatInterval"])
	assert.Equal(t, false, out[1]["isRecurring"])
}

func TestStatsAndHealth(t *testing.T) {
	q := &fakeQueue{stats: domain.Stats{Waiting: 4, Active: 1, Completed: 9}}
	h := newServer(q, &fakeScheduler{})

	rec, out := do(t, h, http.MethodGet, "/api/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(4), out["waiting"])
	assert.Equal(t, float64(3), out["workers"])

	rec, out = do(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", out["status"])

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}
