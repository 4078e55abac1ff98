package handler

import (
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"smartseller/internal/ingest"
)

const maxNotificationBytes = 64 << 10

// WebhookHandler is the provider callback. It only validates and enqueues;
// the provider retries anything that is not answered quickly.
type WebhookHandler struct {
	Ingest *ingest.Service
	Log    *zap.Logger
}

func (h *WebhookHandler) Meli(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxNotificationBytes+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}
	if len(raw) > maxNotificationBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "body too large")
		return
	}

	rec, err := h.Ingest.Accept(r.Context(), raw)
	if errors.Is(err, ingest.ErrInvalid) {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	if err != nil {
		if h.Log != nil {
			h.Log.Error("accept notification", zap.Error(err))
		}
		writeError(w, http.StatusInternalServerError, "server error")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "accepted",
		"job_id":     rec.JobID,
		"created":    rec.Created,
		"event_type": rec.EventType,
	})
}
