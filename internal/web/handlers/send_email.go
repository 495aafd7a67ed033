package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/znz-systems/mailpost/internal/outbox"
	"github.com/znz-systems/mailpost/internal/web/middleware"
)

const maxSendEmailBody = 64 * 1024

// Drainer runs one outbox drain pass.
type Drainer interface {
	Drain(ctx context.Context, req outbox.DrainRequest) (*outbox.BatchResult, error)
}

type SendEmailHandler struct {
	drainer Drainer
}

func NewSendEmailHandler(drainer Drainer) *SendEmailHandler {
	return &SendEmailHandler{drainer: drainer}
}

// HandleSendEmail triggers a drain. An empty body drains a batch of pending
// items; {"emailId": "<uuid>"} sends that one item.
func (h *SendEmailHandler) HandleSendEmail(w http.ResponseWriter, r *http.Request) {
	req, err := decodeDrainRequest(http.MaxBytesReader(w, r.Body, maxSendEmailBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	result, err := h.drainer.Drain(r.Context(), req)
	if err != nil {
		attrs := []any{"error", err}
		if p := middleware.PrincipalFromContext(r.Context()); p != nil {
			attrs = append(attrs, "user_id", p.UserID)
		}
		slog.Error("send-email drain failed", attrs...)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, result)
}

func decodeDrainRequest(body io.Reader) (outbox.DrainRequest, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return outbox.DrainRequest{}, errors.New("request body too large")
		}
		return outbox.DrainRequest{}, errors.New("failed to read request body")
	}
	if strings.TrimSpace(string(raw)) == "" {
		return outbox.DrainRequest{}, nil
	}

	var payload struct {
		EmailID *string `json:"emailId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil {
		return outbox.DrainRequest{}, errors.New("invalid JSON body")
	}
	if payload.EmailID == nil || strings.TrimSpace(*payload.EmailID) == "" {
		return outbox.DrainRequest{}, nil
	}

	id, err := uuid.Parse(strings.TrimSpace(*payload.EmailID))
	if err != nil {
		return outbox.DrainRequest{}, errors.New("emailId must be a valid UUID")
	}
	return outbox.DrainRequest{EmailID: &id}, nil
}
