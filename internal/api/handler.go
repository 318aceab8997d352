package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/podushkina/newswatch/internal/dispatch"
	"github.com/podushkina/newswatch/internal/handlers"
	"github.com/podushkina/newswatch/internal/result"
	"github.com/podushkina/newswatch/internal/scheduler"
	"github.com/podushkina/newswatch/internal/task"
)

type Tasks interface {
	Enqueue(ctx context.Context, name string, payload any, opts ...task.Option) (string, error)
	Status(ctx context.Context, id string) (task.Record, error)
	Revoke(ctx context.Context, id string, terminate bool) (task.Record, error)
}

type Schedules interface {
	List(ctx context.Context) ([]scheduler.Definition, error)
	Enable(ctx context.Context, id string) (*scheduler.Definition, error)
	Disable(ctx context.Context, id string) (*scheduler.Definition, error)
	Remove(ctx context.Context, id string) error
}

type Handler struct {
	tasks     Tasks
	schedules Schedules
	validate  *validator.Validate
}

// NewHandler wires the HTTP surface. schedules may be nil when the scheduler
// is disabled; its routes then answer 503.
func NewHandler(tasks Tasks, schedules Schedules) *Handler {
	return &Handler{tasks: tasks, schedules: schedules, validate: validator.New()}
}

type CreateTaskRequest struct {
	Name        string          `json:"name" validate:"required"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Priority    task.Priority   `json:"priority,omitempty" validate:"omitempty,oneof=high default low"`
	MaxAttempts int             `json:"max_attempts,omitempty" validate:"gte=0,lte=100"`
}

type CrawlRequest struct {
	Keyword  string `json:"keyword" validate:"required"`
	Source   string `json:"source,omitempty"`
	MaxPages int    `json:"max_pages,omitempty" validate:"gte=0,lte=50"`
}

type CrawlAllRequest struct {
	Source   string `json:"source,omitempty"`
	MaxPages int    `json:"max_pages,omitempty" validate:"gte=0,lte=50"`
}

type TaskResponse struct {
	TaskID  string `json:"task_id"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

func (h *Handler) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !h.decode(w, r, &req) {
		return
	}

	var opts []task.Option
	if req.Priority != "" {
		opts = append(opts, task.WithPriority(req.Priority))
	}
	if req.MaxAttempts > 0 {
		opts = append(opts, task.WithMaxAttempts(req.MaxAttempts))
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	h.enqueue(w, r, req.Name, payload, fmt.Sprintf("task %s queued", req.Name), opts...)
}

func (h *Handler) Crawl(w http.ResponseWriter, r *http.Request) {
	var req CrawlRequest
	if !h.decode(w, r, &req) {
		return
	}

	payload := handlers.FetchRequest{Keyword: req.Keyword, Source: req.Source, MaxPages: req.MaxPages}
	h.enqueue(w, r, handlers.FetchNews, payload, fmt.Sprintf("crawl started for keyword %q", req.Keyword))
}

func (h *Handler) CrawlAll(w http.ResponseWriter, r *http.Request) {
	var req CrawlAllRequest
	if r.ContentLength != 0 && !h.decode(w, r, &req) {
		return
	}

	payload := handlers.CrawlAllRequest{Source: req.Source, MaxPages: req.MaxPages}
	h.enqueue(w, r, handlers.CrawlAllKeywords, payload, "crawl started for all active keywords")
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request, name string, payload any, message string, opts ...task.Option) {
	id, err := h.tasks.Enqueue(r.Context(), name, payload, opts...)
	if err != nil {
		if errors.Is(err, dispatch.ErrUnknownTask) || errors.Is(err, dispatch.ErrInvalidEnvelope) {
			respondError(w, http.StatusBadRequest, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusCreated, TaskResponse{TaskID: id, Status: string(task.StatePending), Message: message})
}

func (h *Handler) GetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	rec, err := h.tasks.Status(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if rec.NotFound {
		respondJSON(w, http.StatusNotFound, rec)
		return
	}

	respondJSON(w, http.StatusOK, rec)
}

func (h *Handler) RevokeTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	terminate := false
	if v := r.URL.Query().Get("terminate"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "terminate must be a boolean")
			return
		}
		terminate = b
	}

	rec, err := h.tasks.Revoke(r.Context(), id, terminate)
	switch {
	case errors.Is(err, result.ErrNotFound):
		respondJSON(w, http.StatusNotFound, rec)
	case errors.Is(err, result.ErrTerminal):
		respondJSON(w, http.StatusConflict, rec)
	case err != nil:
		respondError(w, http.StatusInternalServerError, err.Error())
	default:
		respondJSON(w, http.StatusOK, rec)
	}
}

func (h *Handler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	if !h.schedulerEnabled(w) {
		return
	}

	defs, err := h.schedules.List(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}

	respondJSON(w, http.StatusOK, defs)
}

func (h *Handler) EnableSchedule(w http.ResponseWriter, r *http.Request) {
	h.toggleSchedule(w, r, true)
}

func (h *Handler) DisableSchedule(w http.ResponseWriter, r *http.Request) {
	h.toggleSchedule(w, r, false)
}

func (h *Handler) toggleSchedule(w http.ResponseWriter, r *http.Request, enable bool) {
	if !h.schedulerEnabled(w) {
		return
	}

	toggle := h.schedules.Disable
	if enable {
		toggle = h.schedules.Enable
	}

	d, err := toggle(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.scheduleError(w, err)
		return
	}

	respondJSON(w, http.StatusOK, d)
}

func (h *Handler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if !h.schedulerEnabled(w) {
		return
	}

	if err := h.schedules.Remove(r.Context(), chi.URLParam(r, "id")); err != nil {
		h.scheduleError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) scheduleError(w http.ResponseWriter, err error) {
	if errors.Is(err, scheduler.ErrNotFound) {
		respondError(w, http.StatusNotFound, "schedule not found")
		return
	}
	respondError(w, http.StatusInternalServerError, err.Error())
}

func (h *Handler) schedulerEnabled(w http.ResponseWriter) bool {
	if h.schedules == nil {
		respondError(w, http.StatusServiceUnavailable, "scheduler is disabled")
		return false
	}
	return true
}

func (h *Handler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return false
	}

	if err := h.validate.Struct(v); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
			}
			respondError(w, http.StatusBadRequest, "validation failed: "+strings.Join(fields, ", "))
			return false
		}
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, ErrorResponse{Error: message})
}
