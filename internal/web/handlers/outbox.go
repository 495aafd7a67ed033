package handlers

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
)

// Requeuer moves a failed outbox item back to pending.
type Requeuer interface {
	RequeueOutboxItem(ctx context.Context, id uuid.UUID) error
}

type OutboxHandler struct {
	outbox Requeuer
}

func NewOutboxHandler(outbox Requeuer) *OutboxHandler {
	return &OutboxHandler{outbox: outbox}
}

type requeueResponse struct {
	ID     uuid.UUID `json:"id"`
	Status string    `json:"status"`
}

func (h *OutboxHandler) HandleRequeue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "id must be a valid UUID"})
		return
	}

	if err := h.outbox.RequeueOutboxItem(r.Context(), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			writeJSON(w, http.StatusNotFound, errorResponse{Error: "no failed outbox item with that id"})
			return
		}
		slog.Error("failed to requeue outbox item", "outbox_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal server error"})
		return
	}

	slog.Info("outbox item requeued", "outbox_id", id)
	writeJSON(w, http.StatusOK, requeueResponse{ID: id, Status: "pending"})
}
