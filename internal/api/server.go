package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"mailflow/internal/domain"
	"mailflow/internal/handlers/email"
)

// Queue is the producer side of the job queue.
type Queue interface {
	Enqueue(ctx context.Context, name string, payload []byte, opts domain.JobOptions) (string, error)
	Status(ctx context.Context, id string) (*domain.Job, error)
	Stats(ctx context.Context) (domain.Stats, error)
}

// Scheduler creates and manages deferred email jobs.
type Scheduler interface {
	ScheduleOnce(ctx context.Context, jobName string, payload []byte, runAt time.Time, opts domain.JobOptions) (string, error)
	ScheduleRecurringFrom(ctx context.Context, jobName string, payload []byte, interval string, start time.Time, opts domain.JobOptions) (string, error)
	Cancel(ctx context.Context, id string) (bool, error)
	List(ctx context.Context, jobName string) ([]domain.Schedule, error)
}

// Pool reports the current worker count.
type Pool interface {
	Size() int
}

// EmailJobOptions are applied to every email accepted over HTTP.
var EmailJobOptions = domain.JobOptions{
	MaxAttempts: 3,
	Backoff:     domain.Backoff{Kind: domain.BackoffExponential, Delay: time.Second},
}

type Server struct {
	queue     Queue
	scheduler Scheduler
	pool      Pool
	logger    zerolog.Logger
}

func NewServer(q Queue, s Scheduler, p Pool) http.Handler {
	r := chi.NewRouter()
	srv := &Server{
		queue:     q,
		scheduler: s,
		pool:      p,
		logger:    log.With().Str("component", "api").Logger(),
	}
	r.Use(middleware.RequestID, middleware.RealIP, RequestLogger(srv.logger), middleware.Recoverer)

	r.Get("/health", srv.health)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/stats", srv.stats)

	r.Route("/api/email", func(r chi.Router) {
		r.Post("/send", srv.sendEmail)
		r.Post("/batch", srv.sendBatch)
		r.Post("/schedule", srv.scheduleEmail)
		r.Get("/schedule", srv.listScheduled)
		r.Delete("/schedule/{id}", srv.cancelScheduled)
		r.Get("/{id}", srv.emailStatus)
	})
	return r
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.queue.Stats(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := map[string]any{
		"waiting":   st.Waiting,
		"active":    st.Active,
		"completed": st.Completed,
		"failed":    st.Failed,
	}
	if s.pool != nil {
		resp["workers"] = s.pool.Size()
	}
	writeJSON(w, http.StatusOK, resp)
}

// sendReq is an email payload with an optional attempts override.
type sendReq struct {
	email.Payload
	MaxAttempts int `json:"maxAttempts,omitempty"`
}

func (req sendReq) validate() error {
	if err := req.Payload.Validate(); err != nil {
		return err
	}
	if req.MaxAttempts < 0 {
		return &domain.ValidationError{Field: "maxAttempts", Reason: "must not be negative"}
	}
	return nil
}

func (s *Server) sendEmail(w http.ResponseWriter, r *http.Request) {
	var req sendReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid JSON body"})
		return
	}
	if err := req.validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	id, err := s.enqueue(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{
		"message": "Email queued successfully",
		"jobId":   id,
	})
}

type batchReq struct {
	Emails []sendReq `json:"emails"`
}

func (s *Server) sendBatch(w http.ResponseWriter, r *http.Request) {
	var req batchReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid JSON body"})
		return
	}
	if len(req.Emails) == 0 {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "Invalid or empty email batch"})
		return
	}
	for i, e := range req.Emails {
		if err := e.validate(); err != nil {
			writeJSON(w, http.StatusBadRequest, errorResp{Error: fmt.Sprintf("emails[%d]: %v", i, err)})
			return
		}
	}

	ids := make([]string, 0, len(req.Emails))
	for _, e := range req.Emails {
		id, err := s.enqueue(r.Context(), e)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		ids = append(ids, id)
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"message": fmt.Sprintf("Batch of %d emails queued successfully", len(ids)),
		"jobIds":  ids,
	})
}

func (s *Server) enqueue(ctx context.Context, req sendReq) (string, error) {
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		return "", err
	}
	opts := EmailJobOptions
	if req.MaxAttempts > 0 {
		opts.MaxAttempts = req.MaxAttempts
	}
	return s.queue.Enqueue(ctx, email.JobSendEmail, raw, opts)
}

type statusResp struct {
	ID           string        `json:"id"`
	State        domain.State  `json:"state"`
	Data         email.Payload `json:"data"`
	Progress     int           `json:"progress"`
	AttemptsMade int           `json:"attemptsMade"`
	MaxAttempts  int           `json:"maxAttempts"`
	LastError    string        `json:"lastError,omitempty"`
	CreatedAt    time.Time     `json:"createdAt"`
	FinishedAt   *time.Time    `json:"finishedAt,omitempty"`
}

func (s *Server) emailStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.queue.Status(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := statusResp{
		ID:           job.ID,
		State:        job.State,
		Progress:     job.Progress,
		AttemptsMade: job.AttemptsMade,
		MaxAttempts:  job.MaxAttempts,
		LastError:    job.LastError,
		CreatedAt:    job.CreatedAt,
		FinishedAt:   job.FinishedAt,
	}
	_ = json.Unmarshal(job.Payload, &resp.Data)
	writeJSON(w, http.StatusOK, resp)
}

type scheduleReq struct {
	email.Payload
	ScheduledTime string `json:"scheduledTime"`
	Recurring     bool   `json:"recurring"`
	Interval      string `json:"interval"`
}

func (s *Server) scheduleEmail(w http.ResponseWriter, r *http.Request) {
	var req scheduleReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid JSON body"})
		return
	}
	if err := req.Payload.Validate(); err != nil {
		s.writeError(w, r, err)
		return
	}
	if req.ScheduledTime == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid scheduledTime: is required"})
		return
	}
	when, err := time.Parse(time.RFC3339, req.ScheduledTime)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid scheduledTime: must be RFC 3339"})
		return
	}
	if req.Recurring && req.Interval == "" {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid interval: is required when recurring"})
		return
	}
	raw, err := json.Marshal(req.Payload)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	if req.Recurring {
		id, err := s.scheduler.ScheduleRecurringFrom(r.Context(), email.JobSendScheduledEmail, raw, req.Interval, when, EmailJobOptions)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{
			"message":  "Recurring email scheduled",
			"jobId":    id,
			"interval": req.Interval,
		})
		return
	}

	id, err := s.scheduler.ScheduleOnce(r.Context(), email.JobSendScheduledEmail, raw, when, EmailJobOptions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"message":       "Email scheduled",
		"jobId":         id,
		"scheduledTime": when.UTC(),
	})
}

func (s *Server) cancelScheduled(w http.ResponseWriter, r *http.Request) {
	ok, err := s.scheduler.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, errorResp{Error: "Scheduled email not found"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Scheduled email cancelled"})
}

type scheduledEmail struct {
	ID             string     `json:"id"`
	To             string     `json:"to"`
	Subject        string     `json:"subject"`
	NextRunAt      time.Time  `json:"nextRunAt"`
	LastRunAt      *time.Time `json:"lastRunAt"`
	RepeatInterval string     `json:"repeatInterval,omitempty"`
	IsRecurring    bool       `json:"isRecurring"`
}

func (s *Server) listScheduled(w http.ResponseWriter, r *http.Request) {
	list, err := s.scheduler.List(r.Context(), email.JobSendScheduledEmail)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]scheduledEmail, 0, len(list))
	for _, sc := range list {
		var p email.Payload
		_ = json.Unmarshal(sc.Payload, &p)
		out = append(out, scheduledEmail{
			ID:             sc.ID,
			To:             p.To,
			Subject:        p.Subject,
			NextRunAt:      sc.NextRunAt,
			LastRunAt:      sc.LastRunAt,
			RepeatInterval: sc.Interval,
			IsRecurring:    sc.Recurring(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type errorResp struct {
	Error string `json:"error"`
}

// writeError maps domain errors onto HTTP status codes. Unexpected errors are
// logged and reported without detail.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		verr  *domain.ValidationError
		nerr  *domain.InvalidJobNameError
		jerr  *domain.JobNotFoundError
		scerr *domain.ScheduleNotFoundError
	)
	switch {
	case errors.As(err, &verr), errors.As(err, &nerr):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: err.Error()})
	case errors.As(err, &jerr), errors.As(err, &scerr):
		writeJSON(w, http.StatusNotFound, errorResp{Error: err.Error()})
	case errors.Is(err, domain.ErrStoreUnavailable):
		s.logger.Warn().Err(err).Str("path", r.URL.Path).Msg("store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "store unavailable"})
	default:
		s.logger.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
