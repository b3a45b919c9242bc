// Package api exposes the operator facade over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"optiplan-pipeline/internal/gate"
	"optiplan-pipeline/internal/models"
	"optiplan-pipeline/internal/ratelimit"
	"optiplan-pipeline/internal/store"
	"optiplan-pipeline/internal/telemetry"
	"optiplan-pipeline/internal/tracking"
	"optiplan-pipeline/internal/worker"
)

// Server wires the HTTP handlers for the operator commands.
type Server struct {
	store   store.Store
	gate    *gate.Gate
	guard   *ratelimit.CreateGuard
	breaker *worker.Breaker
	tracker *tracking.Service
	log     *slog.Logger
}

func New(st store.Store, g *gate.Gate, guard *ratelimit.CreateGuard, breaker *worker.Breaker,
	tracker *tracking.Service, log *slog.Logger) *Server {
	return &Server{store: st, gate: g, guard: guard, breaker: breaker, tracker: tracker, log: log}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/jobs", s.handleCreate)
	r.Get("/jobs", s.handleList)
	r.Get("/jobs/{id}", s.handleGet)
	r.Get("/jobs/{id}/events", s.handleEvents)
	r.Post("/jobs/{id}/retry", s.handleRetry)
	r.Post("/jobs/{id}/approve", s.handleApprove)
	r.Post("/jobs/{id}/cancel", s.handleCancel)
	r.Post("/breaker/reset", s.handleBreakerReset)
	return r
}

type createRequest struct {
	Order  models.Order    `json:"order"`
	Mode   models.OptiMode `json:"opti_mode"`
	UserID string          `json:"user_id"`
}

// createJob runs the facade create operation: rate limit, payload hash,
// insert, validation gate.
func (s *Server) createJob(r *http.Request, req createRequest) (models.Job, int, *errorBody) {
	ctx := r.Context()
	order := req.Order
	if order.OrderID == "" {
		return models.Job{}, http.StatusBadRequest, &errorBody{Code: "E_BAD_REQUEST", Message: "order.order_id is required"}
	}
	if len(order.Parts) == 0 && order.CustomerPhone == "" {
		return models.Job{}, http.StatusBadRequest, &errorBody{Code: "E_BAD_REQUEST", Message: "order has neither parts nor a customer phone"}
	}
	mode := req.Mode
	if mode == "" {
		mode = models.DefaultMode
	}
	if !models.ValidMode(mode) {
		return models.Job{}, http.StatusBadRequest, &errorBody{Code: "E_BAD_REQUEST", Message: "opti_mode must be A, B or C"}
	}

	phone := models.NormalizePhone(order.CustomerPhone)
	allowed, _, err := s.guard.Allow(ctx, phone)
	if err != nil {
		s.log.Error("rate limiter error", "error", err)
	} else if !allowed {
		telemetry.RateLimitRejects.Inc()
		return models.Job{}, http.StatusTooManyRequests, &errorBody{Code: "E_RATE_LIMITED", Message: "too many create requests for this customer"}
	}

	job := models.Job{
		ID:          uuid.New().String(),
		OrderID:     order.OrderID,
		Mode:        mode,
		PayloadHash: models.PayloadHash(order, mode),
		Order:       order,
		UserID:      req.UserID,
	}
	job, err = s.store.CreateJob(ctx, job)
	if errors.Is(err, store.ErrDuplicateJob) {
		return models.Job{}, http.StatusConflict, &errorBody{Code: "E_DUPLICATE_JOB", Message: "an active job for this payload already exists"}
	}
	if err != nil {
		s.log.Error("create job failed", "error", err)
		return models.Job{}, http.StatusInternalServerError, &errorBody{Code: models.ErrLocalProcessing, Message: "create failed"}
	}
	telemetry.JobsCreated.Inc()

	job = s.runGate(r, job)
	return job, http.StatusCreated, nil
}

// runGate validates the order and promotes to OPTI_IMPORTED or parks in HOLD.
func (s *Server) runGate(r *http.Request, job models.Job) models.Job {
	ctx := r.Context()
	order := job.Order
	if perr := s.gate.Validate(ctx, &order); perr != nil {
		telemetry.JobsHeld.Inc()
		held, err := s.store.ApplyTransition(ctx, job.ID, models.StateNew, store.Change{
			To:      models.StateHold,
			Message: perr.Message,
			Err:     perr,
		})
		if err != nil {
			s.log.Error("hold transition failed", "job_id", job.ID, "error", err)
			return job
		}
		s.tracker.Mirror(held, perr.Message)
		return held
	}

	// The gate may have filled the default plate; the payload the worker,
	// collector and receipt read later must carry it.
	imported, err := s.store.ApplyTransition(ctx, job.ID, models.StateNew, store.Change{
		To:      models.StateOptiImported,
		Message: "validation passed",
		Order:   &order,
		Detail:  map[string]any{"plate_w_mm": order.PlateWidthMM, "plate_h_mm": order.PlateHeightMM},
	})
	if err != nil {
		s.log.Error("import transition failed", "job_id", job.ID, "error", err)
		return job
	}
	s.tracker.Mirror(imported, "awaiting optimizer")
	return imported
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorBody{Code: "E_BAD_REQUEST", Message: "invalid json"})
		return
	}
	job, status, errBody := s.createJob(r, req)
	if errBody != nil {
		writeError(w, status, *errBody)
		return
	}
	writeJSON(w, status, job)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	f := store.JobFilter{OrderID: r.URL.Query().Get("order_id")}
	if states := r.URL.Query().Get("state"); states != "" {
		for _, raw := range strings.Split(states, ",") {
			st := models.State(strings.TrimSpace(raw))
			if !st.Valid() {
				writeError(w, http.StatusBadRequest, errorBody{Code: "E_BAD_REQUEST", Message: "unknown state " + string(st)})
				return
			}
			f.States = append(f.States, st)
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		n, err := strconv.Atoi(limit)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, errorBody{Code: "E_BAD_REQUEST", Message: "invalid limit"})
			return
		}
		f.Limit = n
	}
	jobs, err := s.store.ListJobs(r.Context(), f)
	if err != nil {
		s.log.Error("list jobs failed", "error", err)
		writeError(w, http.StatusInternalServerError, errorBody{Code: models.ErrLocalProcessing, Message: "list failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	events, err := s.store.ListAudit(r.Context(), job.ID)
	if err != nil {
		s.log.Error("list audit failed", "job_id", job.ID, "error", err)
		writeError(w, http.StatusInternalServerError, errorBody{Code: models.ErrLocalProcessing, Message: "audit query failed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if perr := models.CheckRetry(job); perr != nil {
		writeError(w, http.StatusConflict, errorBody{Code: perr.Code, Message: perr.Message})
		return
	}
	retried, err := s.store.ApplyTransition(r.Context(), job.ID, job.State, store.Change{
		To:             models.StateNew,
		Event:          models.EventRetry,
		Message:        "operator retry",
		ClearError:     true,
		IncrementRetry: true,
	})
	if err != nil {
		s.conflict(w, job.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, s.runGate(r, retried))
}

func (s *Server) handleApprove(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if perr := models.CheckApprove(job); perr != nil {
		writeError(w, http.StatusConflict, errorBody{Code: perr.Code, Message: perr.Message})
		return
	}
	approved, err := s.store.ApplyTransition(r.Context(), job.ID, job.State, store.Change{
		To:         models.StateNew,
		Event:      models.EventApprove,
		Message:    "operator approve",
		ClearError: true,
	})
	if err != nil {
		s.conflict(w, job.ID, err)
		return
	}
	writeJSON(w, http.StatusOK, s.runGate(r, approved))
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if perr := models.CheckCancel(job); perr != nil {
		writeError(w, http.StatusConflict, errorBody{Code: perr.Code, Message: perr.Message})
		return
	}
	cancelled, err := s.store.ApplyTransition(r.Context(), job.ID, job.State, store.Change{
		To:      models.StateFailed,
		Event:   models.EventCancel,
		Message: "operator cancel",
		Err:     models.NewError(models.ErrCancelled, "cancelled by operator"),
	})
	if err != nil {
		s.conflict(w, job.ID, err)
		return
	}
	s.tracker.Mirror(cancelled, "cancelled")
	writeJSON(w, http.StatusOK, cancelled)
}

func (s *Server) handleBreakerReset(w http.ResponseWriter, _ *http.Request) {
	s.breaker.Reset()
	s.log.Info("circuit breaker reset by operator")
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset"})
}

func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (models.Job, bool) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, errorBody{Code: "E_NOT_FOUND", Message: "job " + id + " not found"})
		return models.Job{}, false
	}
	if err != nil {
		s.log.Error("get job failed", "job_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, errorBody{Code: models.ErrLocalProcessing, Message: "lookup failed"})
		return models.Job{}, false
	}
	return job, true
}

func (s *Server) conflict(w http.ResponseWriter, jobID string, err error) {
	if errors.Is(err, store.ErrStateConflict) {
		writeError(w, http.StatusConflict, errorBody{Code: "E_STATE_CONFLICT", Message: "job state changed concurrently"})
		return
	}
	s.log.Error("command transition failed", "job_id", jobID, "error", err)
	writeError(w, http.StatusInternalServerError, errorBody{Code: models.ErrLocalProcessing, Message: "command failed"})
}

type errorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeError(w http.ResponseWriter, status int, body errorBody) {
	writeJSON(w, status, errorResponse{Error: body})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
