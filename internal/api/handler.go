package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/umarqureshi/fajr/internal/db"
	"github.com/umarqureshi/fajr/internal/metrics"
	"github.com/umarqureshi/fajr/internal/notify"
	"github.com/umarqureshi/fajr/internal/redis"
	"github.com/umarqureshi/fajr/internal/scheduler"
)

// Scheduler is the enqueue surface the API delegates to.
type Scheduler interface {
	Enqueue(ctx context.Context, req scheduler.EnqueueRequest) (*scheduler.EnqueueResult, error)
	Cancel(ctx context.Context, uniqueKey string) (int64, error)
}

// QueueAdmin defines the queue inspection operations used by admin handlers.
type QueueAdmin interface {
	Get(ctx context.Context, id uuid.UUID) (*db.ScheduledNotification, error)
	ListByStatus(ctx context.Context, status string, limit, offset int) ([]*db.ScheduledNotification, error)
	CountByStatus(ctx context.Context, status string) (int64, error)
	ResetFailed(ctx context.Context, id uuid.UUID, executeAt time.Time) error
}

// StatsSource aggregates delivery logs for the admin stats endpoint.
type StatsSource interface {
	AggregateWindow(ctx context.Context, from, to time.Time, recipientID *uuid.UUID) (*db.Aggregate, error)
}

// EnqueueRequest represents the incoming request body
type EnqueueRequest struct {
	RecipientID *string         `json:"recipient_id,omitempty"` // omit for broadcast
	Category    string          `json:"category"`
	ExecuteAt   *time.Time      `json:"execute_at,omitempty"` // omit for immediate
	Payload     json.RawMessage `json:"payload"`
	UniqueKey   *string         `json:"unique_key,omitempty"`
	MaxRetries  int             `json:"max_retries,omitempty"`
}

// EnqueueResponse is returned after scheduling a notification
type EnqueueResponse struct {
	ID      string `json:"id,omitempty"`
	Outcome string `json:"outcome"`
}

// CancelRequest cancels pending notifications by unique key
type CancelRequest struct {
	UniqueKey string `json:"unique_key"`
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	scheduler   Scheduler
	queue       QueueAdmin
	stats       StatsSource
	idempotency *redis.IdempotencyService // nil if Redis not configured
}

// NewHandler creates a new API handler
func NewHandler(logger *zap.Logger, sched Scheduler, queue QueueAdmin, stats StatsSource) *Handler {
	return &Handler{
		logger:    logger,
		scheduler: sched,
		queue:     queue,
		stats:     stats,
	}
}

// NewHandlerWithIdempotency creates a handler with the Redis fast path for
// the Idempotency-Key header.
func NewHandlerWithIdempotency(logger *zap.Logger, sched Scheduler, queue QueueAdmin, stats StatsSource, idempotency *redis.IdempotencyService) *Handler {
	return &Handler{
		logger:      logger,
		scheduler:   sched,
		queue:       queue,
		stats:       stats,
		idempotency: idempotency,
	}
}

// ScheduleNotification handles POST /v1/notifications
// Supports idempotency via the Idempotency-Key header; the unique_key field
// in the body deduplicates durably at the queue table.
func (h *Handler) ScheduleNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idempotencyKey := r.Header.Get("Idempotency-Key")

	var req EnqueueRequest

	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.Category == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing required fields", "category is required")
		return
	}

	if !notify.KnownCategory(req.Category) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unknown category",
			"category must be one of: MorningReminder, DailyQuote, EventReminder, StreakEscalation, AdminAlert")
		return
	}

	payload, err := notify.DecodePayload(req.Category, req.Payload)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", err.Error())
		return
	}

	var recipientID *uuid.UUID
	if req.RecipientID != nil {
		id, err := uuid.Parse(*req.RecipientID)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
			return
		}
		recipientID = &id
	}

	if req.UniqueKey != nil && *req.UniqueKey == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid unique_key", "unique_key must not be empty when provided")
		return
	}

	if req.MaxRetries < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid max_retries", "max_retries must be >= 0")
		return
	}

	executeAt := time.Now().UTC()
	if req.ExecuteAt != nil {
		executeAt = req.ExecuteAt.UTC()
	}

	// Check idempotency if key provided
	if idempotencyKey != "" && h.idempotency != nil {
		cachedResult, err := h.idempotency.CheckOrReserve(ctx, idempotencyKey)

		if err != nil {
			if errors.Is(err, redis.ErrDuplicateRequest) {
				h.writeError(w, http.StatusConflict, "duplicate_request",
					"Request is already being processed",
					"Another request with this idempotency key is in progress")
				return
			}
			h.logger.Warn("idempotency check failed, proceeding",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		} else if cachedResult != nil {
			metrics.RecordIdempotencyHit()
			resp := EnqueueResponse{ID: cachedResult.NotificationID, Outcome: cachedResult.Outcome}
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("X-Idempotency-Replayed", "true")
			w.WriteHeader(cachedResult.StatusCode)
			_ = json.NewEncoder(w).Encode(resp)
			return
		}
	}

	result, err := h.scheduler.Enqueue(ctx, scheduler.EnqueueRequest{
		RecipientID: recipientID,
		ExecuteAt:   executeAt,
		Payload:     payload,
		UniqueKey:   req.UniqueKey,
		MaxRetries:  req.MaxRetries,
	})
	if err != nil {
		if errors.Is(err, notify.ErrInvalidPayload) {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid payload", err.Error())
			return
		}
		h.logger.Error("failed to schedule notification",
			zap.Error(err),
			zap.String("category", req.Category),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to schedule notification", "")
		return
	}

	status := http.StatusCreated
	if result.Outcome != scheduler.OutcomeCreated {
		status = http.StatusOK
	}

	resp := EnqueueResponse{Outcome: string(result.Outcome)}
	if result.ID != uuid.Nil {
		resp.ID = result.ID.String()
	}

	h.logger.Info("notification scheduled",
		zap.String("id", resp.ID),
		zap.String("category", req.Category),
		zap.String("outcome", resp.Outcome),
	)

	// Store idempotency result
	if idempotencyKey != "" && h.idempotency != nil {
		cached := &redis.IdempotencyResult{
			NotificationID: resp.ID,
			Outcome:        resp.Outcome,
			StatusCode:     status,
		}
		if err := h.idempotency.Store(ctx, idempotencyKey, cached); err != nil {
			h.logger.Warn("failed to store idempotency result",
				zap.Error(err),
				zap.String("idempotency_key", idempotencyKey),
			)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(resp)
}

// CancelNotification handles POST /v1/notifications/cancel
// Cancels all pending rows carrying the unique key. Rows already claimed by
// the worker are past the point of no return and are left alone.
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var req CancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return
	}

	if req.UniqueKey == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing unique_key", "unique_key is required")
		return
	}

	cancelled, err := h.scheduler.Cancel(ctx, req.UniqueKey)
	if err != nil {
		h.logger.Error("failed to cancel notifications",
			zap.Error(err),
			zap.String("unique_key", req.UniqueKey),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to cancel notifications", "")
		return
	}

	h.logger.Info("notifications cancelled",
		zap.String("unique_key", req.UniqueKey),
		zap.Int64("count", cancelled),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"unique_key": req.UniqueKey,
		"cancelled":  cancelled,
	})
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")

	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	notif, err := h.queue.Get(ctx, notifID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusNotFound, "not_found", "Notification not found", "")
			return
		}
		h.logger.Error("failed to get notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to fetch notification", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(notif)
}

// ListQueue handles GET /v1/admin/queue?status=pending&limit=20&offset=0
func (h *Handler) ListQueue(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	status := r.URL.Query().Get("status")
	if status == "" {
		status = db.StatusPending
	}

	validStatuses := map[string]bool{
		db.StatusPending:    true,
		db.StatusProcessing: true,
		db.StatusSent:       true,
		db.StatusFailed:     true,
		db.StatusCancelled:  true,
	}
	if !validStatuses[status] {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid status",
			"status must be one of: pending, processing, sent, failed, cancelled")
		return
	}

	// Parse pagination parameters with defaults
	limit := 20
	offset := 0

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 100 {
			limit = l
		}
	}

	if offsetStr := r.URL.Query().Get("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	notifications, err := h.queue.ListByStatus(ctx, status, limit, offset)
	if err != nil {
		h.logger.Error("failed to list queue",
			zap.Error(err),
			zap.String("status", status),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to list queue", "")
		return
	}

	total, err := h.queue.CountByStatus(ctx, status)
	if err != nil {
		h.logger.Warn("failed to count queue", zap.Error(err), zap.String("status", status))
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"data":   notifications,
		"status": status,
		"total":  total,
		"limit":  limit,
		"offset": offset,
		"count":  len(notifications),
	})
}

// RetryNotification handles POST /v1/admin/queue/{id}/retry
// Resets a failed row to pending with a fresh retry budget.
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	idStr := chi.URLParam(r, "id")
	notifID, err := uuid.Parse(idStr)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return
	}

	err = h.queue.ResetFailed(ctx, notifID, time.Now().UTC())
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			h.writeError(w, http.StatusConflict, "not_retryable",
				"Notification is not in failed state",
				"Only failed notifications can be requeued")
			return
		}
		h.logger.Error("failed to requeue notification",
			zap.Error(err),
			zap.String("id", idStr),
		)
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to requeue notification", "")
		return
	}

	h.logger.Info("notification requeued",
		zap.String("id", idStr),
	)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"id":     idStr,
		"status": db.StatusPending,
	})
}

// GetStats handles GET /v1/admin/stats?from=2026-01-01T00:00:00Z&to=...&recipient_id=xxx
// Aggregates the delivery log over the window. Defaults to the last 24 hours.
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	now := time.Now().UTC()
	from := now.Add(-24 * time.Hour)
	to := now

	if fromStr := r.URL.Query().Get("from"); fromStr != "" {
		t, err := time.Parse(time.RFC3339, fromStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid from", "from must be RFC3339")
			return
		}
		from = t
	}

	if toStr := r.URL.Query().Get("to"); toStr != "" {
		t, err := time.Parse(time.RFC3339, toStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid to", "to must be RFC3339")
			return
		}
		to = t
	}

	if !from.Before(to) {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid window", "from must be before to")
		return
	}

	var recipientID *uuid.UUID
	if recipientStr := r.URL.Query().Get("recipient_id"); recipientStr != "" {
		id, err := uuid.Parse(recipientStr)
		if err != nil {
			h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid recipient_id", "recipient_id must be a valid UUID")
			return
		}
		recipientID = &id
	}

	agg, err := h.stats.AggregateWindow(ctx, from, to, recipientID)
	if err != nil {
		h.logger.Error("failed to aggregate stats", zap.Error(err))
		h.writeError(w, http.StatusInternalServerError, "database_error", "Failed to aggregate stats", "")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"from":  from,
		"to":    to,
		"stats": agg,
	})
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}
