package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/wb-go/wbf/zlog"

	"reminderd/internal/engine"
	"reminderd/internal/models"
	"reminderd/internal/storage"
)

// ReminderEngine is the slice of the engine the HTTP layer depends on.
type ReminderEngine interface {
	Create(ctx context.Context, actor string, req *models.CreateReminderRequest) (*models.Reminder, error)
	Get(ctx context.Context, id string) (*models.Reminder, error)
	ListByProject(ctx context.Context, projectID string, filter storage.Filter, search string) ([]*models.Reminder, error)
	SendNow(ctx context.Context, actor, id string) (*models.Reminder, error)
	Cancel(ctx context.Context, actor, id string) (*models.Reminder, error)
	Rearm(ctx context.Context, actor, id string, scheduledAt time.Time) (*models.Reminder, error)
	Delete(ctx context.Context, actor, id string) error
}

var _ ReminderEngine = (*engine.Engine)(nil)

type ReminderHandler struct {
	engine ReminderEngine
}

func NewReminderHandler(engine ReminderEngine) *ReminderHandler {
	return &ReminderHandler{engine: engine}
}

func (h *ReminderHandler) Routes(r chi.Router) {
	r.Post("/", h.Create)
	r.Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Post("/{id}/send", h.SendNow)
	r.Patch("/{id}", h.Patch)
	r.Delete("/{id}", h.Delete)
}

// actor identity arrives pre-authenticated from the upstream gateway.
func actorFrom(r *http.Request) string {
	if actor := r.Header.Get("X-Actor"); actor != "" {
		return actor
	}
	return "unknown"
}

func (h *ReminderHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req models.CreateReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	reminder, err := h.engine.Create(r.Context(), actorFrom(r), &req)
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, reminder)
}

func (h *ReminderHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	projectID := q.Get("project")
	if projectID == "" {
		respondError(w, http.StatusBadRequest, "project query parameter is required")
		return
	}

	var filter storage.Filter
	if raw := q.Get("status"); raw != "" {
		status, err := models.ParseStatus(raw)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		filter.Status = &status
	}
	if raw := q.Get("channel"); raw != "" {
		channel, err := models.ParseChannel(raw)
		if err != nil {
			respondEngineError(w, err)
			return
		}
		filter.Channel = &channel
	}

	reminders, err := h.engine.ListByProject(r.Context(), projectID, filter, q.Get("search"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reminders)
}

func (h *ReminderHandler) Get(w http.ResponseWriter, r *http.Request) {
	reminder, err := h.engine.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reminder)
}

func (h *ReminderHandler) SendNow(w http.ResponseWriter, r *http.Request) {
	reminder, err := h.engine.SendNow(r.Context(), actorFrom(r), chi.URLParam(r, "id"))
	if errors.Is(err, models.ErrConflict) {
		respondError(w, http.StatusConflict, "reminder is already being processed")
		return
	}
	if err != nil {
		respondEngineError(w, err)
		return
	}
	// The post-attempt reminder is returned even when the provider
	// rejected the send; the caller reads status and lastError.
	respondJSON(w, http.StatusOK, reminder)
}

func (h *ReminderHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req models.PatchReminderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	status, err := models.ParseStatus(req.Status)
	if err != nil {
		respondEngineError(w, err)
		return
	}

	id := chi.URLParam(r, "id")
	actor := actorFrom(r)

	var reminder *models.Reminder
	switch status {
	case models.StatusCanceled:
		reminder, err = h.engine.Cancel(r.Context(), actor, id)
	case models.StatusPending:
		if req.ScheduledAt == nil {
			respondError(w, http.StatusUnprocessableEntity, "scheduledAt is required to re-arm a failed reminder")
			return
		}
		reminder, err = h.engine.Rearm(r.Context(), actor, id, *req.ScheduledAt)
	default:
		respondError(w, http.StatusConflict, "reminders can only be patched to canceled or re-armed to pending")
		return
	}
	if err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, reminder)
}

func (h *ReminderHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Delete(r.Context(), actorFrom(r), chi.URLParam(r, "id")); err != nil {
		respondEngineError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func respondEngineError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrValidation):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, models.ErrNotFound):
		respondError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrConflict):
		respondError(w, http.StatusConflict, err.Error())
	default:
		zlog.Logger.Error().Err(err).Msg("unhandled engine error")
		respondError(w, http.StatusInternalServerError, "internal error")
	}
}

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		zlog.Logger.Error().Err(err).Msg("failed to encode response")
	}
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
