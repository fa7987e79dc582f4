package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	transcodeq "github.com/mediaforge/transcodeq"
	"github.com/mediaforge/transcodeq/broker"
	"github.com/mediaforge/transcodeq/event"
	"github.com/mediaforge/transcodeq/id"
	"github.com/mediaforge/transcodeq/job"
)

// JobService is the surface of the engine the HTTP layer needs.
type JobService interface {
	Enqueue(ctx context.Context, videoID string, params job.Params, opts ...job.Option) (*job.Job, error)
	GetJob(ctx context.Context, jobID id.JobID) (*job.Job, error)
	ListJobs(ctx context.Context, opts job.ListOpts) ([]*job.Job, error)
	CountJobs(ctx context.Context, opts job.CountOpts) (int64, error)
	QueueStats(ctx context.Context) (broker.Stats, error)
	CancelJob(ctx context.Context, jobID id.JobID) (bool, error)
	RetryJob(ctx context.Context, jobID id.JobID) (*job.Job, error)
}

type Handler struct {
	jobs   JobService
	events *event.Bus
	logger *slog.Logger
}

// NewHandler wires HTTP handlers with the job service.
func NewHandler(jobs JobService, events *event.Bus, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{jobs: jobs, events: events, logger: logger}
}

type createJobRequest struct {
	VideoID    string     `json:"video_id"`
	Params     job.Params `json:"params"`
	MaxRetries *int       `json:"max_retries,omitempty"`
}

// CreateJob handles POST /v1/jobs.
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var opts []job.Option
	if req.MaxRetries != nil {
		opts = append(opts, job.WithMaxRetries(*req.MaxRetries))
	}

	j, err := h.jobs.Enqueue(r.Context(), req.VideoID, req.Params, opts...)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, j)
}

// GetJob handles GET /v1/jobs/{id}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}
	j, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// ListJobs handles GET /v1/jobs with video_id, status, limit and offset filters.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	opts := job.ListOpts{
		VideoID: q.Get("video_id"),
		Status:  job.Status(q.Get("status")),
	}
	if opts.Status != "" && !opts.Status.Valid() {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown status %q", opts.Status))
		return
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := q.Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}

	jobs, err := h.jobs.ListJobs(r.Context(), opts)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	total, err := h.jobs.CountJobs(r.Context(), job.CountOpts{VideoID: opts.VideoID, Status: opts.Status})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"total": total,
	})
}

// CancelJob handles POST /v1/jobs/{id}/cancel.
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}
	cancelled, err := h.jobs.CancelJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "job is not pending")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// RetryJob handles POST /v1/jobs/{id}/retry.
func (h *Handler) RetryJob(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}
	fresh, err := h.jobs.RetryJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, fresh)
}

// Stats handles GET /v1/stats.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.QueueStats(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// Health handles GET /v1/healthz.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// JobEvents handles GET /v1/jobs/{id}/events as a server-sent event stream.
// The current record state is sent first; the stream ends once the job
// reaches a terminal status.
func (h *Handler) JobEvents(w http.ResponseWriter, r *http.Request) {
	jobID, ok := h.pathJobID(w, r)
	if !ok {
		return
	}
	j, err := h.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	sseWrite(w, snapshotEvent(j))
	if j.Status.Terminal() {
		return
	}

	ch := h.events.Subscribe(jobID.String())
	defer h.events.Unsubscribe(jobID.String(), ch)

	ctx := r.Context()
	keepAlive := time.NewTicker(15 * time.Second)
	defer keepAlive.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepAlive.C:
			sendKeepAlive(w)
		case ev, open := <-ch:
			if !open {
				return
			}
			sseWrite(w, ev)
			if ev.Type == event.TypeStatus && job.Status(ev.Status).Terminal() {
				return
			}
		}
	}
}

func snapshotEvent(j *job.Job) event.Event {
	return event.Event{
		Type:     event.TypeStatus,
		JobID:    j.ID.String(),
		Status:   string(j.Status),
		Progress: j.Progress,
		Message:  j.ErrorMessage,
		At:       j.UpdatedAt,
	}
}

func sseWrite(w http.ResponseWriter, ev event.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_, _ = fmt.Fprintf(w, "event: %s\n", ev.Type)
	_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func sendKeepAlive(w http.ResponseWriter) {
	_, _ = fmt.Fprint(w, ": keep-alive\n\n")
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handler) pathJobID(w http.ResponseWriter, r *http.Request) (id.JobID, bool) {
	raw := mux.Vars(r)["id"]
	jobID, err := id.ParseJobID(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid job id %q", raw))
		return id.ID{}, false
	}
	return jobID, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, transcodeq.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, transcodeq.ErrInvalidParams):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, transcodeq.ErrInvalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}
