package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/allegro-price-monitor/internal/models"
	"github.com/maltedev/allegro-price-monitor/internal/queue"
)

const defaultClaimLimit = 5

// OutboxStats reports the backlog of the transactional outbox. It is nil when
// the queue runs without postgres.
type OutboxStats interface {
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

type Handlers struct {
	queue  *queue.Service
	outbox OutboxStats
	logger *slog.Logger
}

func NewHandlers(svc *queue.Service, outbox OutboxStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		queue:  svc,
		outbox: outbox,
		logger: logger.With("component", "api"),
	}
}

type TasksResponse struct {
	Tasks []models.PriceCheckTask `json:"tasks"`
	Count int                     `json:"count"`
}

// GetTasks claims up to limit pending tasks for the calling worker.
func (h *Handlers) GetTasks(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", defaultClaimLimit)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	workerID := r.URL.Query().Get("worker_id")
	if workerID == "" {
		workerID = "anonymous"
	}

	tasks, err := h.queue.ClaimBatch(r.Context(), workerID, limit)
	if err != nil {
		h.logger.Error("failed to claim tasks", "error", err, "worker_id", workerID)
		h.respondError(w, http.StatusInternalServerError, "failed to claim tasks")
		return
	}

	h.respondJSON(w, http.StatusOK, TasksResponse{Tasks: tasks, Count: len(tasks)})
}

// SubmitRequest is either a single result or a batch under "results".
type SubmitRequest struct {
	models.PriceCheckResult
	Results []models.PriceCheckResult `json:"results"`
}

type SubmitResponse struct {
	OK      bool                `json:"ok"`
	Outcome queue.SubmitOutcome `json:"outcome"`
}

type BatchItem struct {
	TaskID  string              `json:"task_id"`
	Outcome queue.SubmitOutcome `json:"outcome,omitempty"`
	Error   string              `json:"error,omitempty"`
}

type BatchSubmitResponse struct {
	OK        bool        `json:"ok"`
	Processed int         `json:"processed"`
	Outcomes  []BatchItem `json:"outcomes"`
}

func (h *Handlers) SubmitResults(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Results == nil {
		outcome, err := h.queue.SubmitResult(r.Context(), &req.PriceCheckResult)
		if err != nil {
			h.respondQueueError(w, err, "failed to submit result")
			return
		}
		h.respondJSON(w, http.StatusOK, SubmitResponse{OK: true, Outcome: outcome})
		return
	}

	resp := BatchSubmitResponse{OK: true, Outcomes: make([]BatchItem, 0, len(req.Results))}
	for i := range req.Results {
		result := &req.Results[i]
		item := BatchItem{TaskID: result.TaskID}

		outcome, err := h.queue.SubmitResult(r.Context(), result)
		if err != nil {
			item.Error = err.Error()
			if !errors.Is(err, queue.ErrTaskNotFound) && !errors.Is(err, queue.ErrInvalidResult) {
				h.logger.Error("failed to submit result", "error", err, "task_id", result.TaskID)
			}
		} else {
			item.Outcome = outcome
			resp.Processed++
		}
		resp.Outcomes = append(resp.Outcomes, item)
	}

	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) GetStatus(w http.ResponseWriter, r *http.Request) {
	counts, err := h.queue.Status(r.Context())
	if err != nil {
		h.logger.Error("failed to get status", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get status")
		return
	}

	h.respondJSON(w, http.StatusOK, counts)
}

type RecentChecksResponse struct {
	Results []models.PriceCheckResult `json:"results"`
	Count   int                       `json:"count"`
}

func (h *Handlers) GetRecentChecks(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r, "limit", 0)
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "limit must be an integer")
		return
	}

	var since *time.Time
	if raw := r.URL.Query().Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			h.respondError(w, http.StatusBadRequest, "since must be an ISO 8601 timestamp")
			return
		}
		since = &t
	}

	results, err := h.queue.RecentChecks(r.Context(), since, limit)
	if err != nil {
		h.logger.Error("failed to get recent checks", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get recent checks")
		return
	}

	h.respondJSON(w, http.StatusOK, RecentChecksResponse{Results: results, Count: len(results)})
}

type CreateTaskRequest struct {
	OfferID string  `json:"offer_id"`
	Title   string  `json:"title"`
	MyPrice float64 `json:"my_price"`
}

type CreateTaskResponse struct {
	TaskID string `json:"task_id"`
}

// CreateTask is how the inventory application schedules a check.
func (h *Handlers) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	id, err := h.queue.Enqueue(r.Context(), req.OfferID, req.Title, req.MyPrice)
	if err != nil {
		h.respondQueueError(w, err, "failed to enqueue task")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateTaskResponse{TaskID: id})
}

type ExcludedSellersResponse struct {
	Sellers []models.ExcludedSeller `json:"sellers"`
	Count   int                     `json:"count"`
}

func (h *Handlers) ListExcludedSellers(w http.ResponseWriter, r *http.Request) {
	sellers, err := h.queue.ExcludedSellers(r.Context())
	if err != nil {
		h.logger.Error("failed to list excluded sellers", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list excluded sellers")
		return
	}

	h.respondJSON(w, http.StatusOK, ExcludedSellersResponse{Sellers: sellers, Count: len(sellers)})
}

type ExcludeSellerRequest struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

func (h *Handlers) ExcludeSeller(w http.ResponseWriter, r *http.Request) {
	var req ExcludeSellerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	seller, err := h.queue.ExcludeSeller(r.Context(), req.Name, req.Reason)
	if err != nil {
		h.respondQueueError(w, err, "failed to exclude seller")
		return
	}

	h.respondJSON(w, http.StatusCreated, seller)
}

func (h *Handlers) IncludeSeller(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if name == "" {
		h.respondError(w, http.StatusBadRequest, "seller name is required")
		return
	}

	if err := h.queue.IncludeSeller(r.Context(), name); err != nil {
		h.respondQueueError(w, err, "failed to include seller")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Health reports store reachability and, with postgres, the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if err := h.queue.Ping(r.Context()); err != nil {
		h.logger.Error("store unreachable", "error", err)
		h.respondJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"status":  "error",
			"message": "store unreachable",
		})
		return
	}

	if h.outbox != nil {
		pendingCount, _ := h.outbox.PendingCount(r.Context())
		deadLetterCount, _ := h.outbox.DeadLetterCount(r.Context())

		health["outbox"] = map[string]interface{}{
			"pending":     pendingCount,
			"dead_letter": deadLetterCount,
		}

		if pendingCount > 1000 {
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if deadLetterCount > 100 {
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondQueueError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, queue.ErrTaskNotFound):
		h.respondError(w, http.StatusNotFound, "task not found")
	case errors.Is(err, queue.ErrSellerNotFound):
		h.respondError(w, http.StatusNotFound, "seller not excluded")
	case errors.Is(err, queue.ErrInvalidResult), errors.Is(err, queue.ErrInvalidTask):
		h.respondError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error(message, "error", err)
		h.respondError(w, http.StatusInternalServerError, message)
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func intParam(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}
