package handler

import (
	"context"
	"net/http"

	"marketplace-api/internal/model"
)

type sessionCleaner interface {
	Trigger(ctx context.Context) (model.PurgeResult, error)
}

type SessionHandler struct {
	cleaner sessionCleaner
}

func NewSessionHandler(cleaner sessionCleaner) *SessionHandler {
	return &SessionHandler{cleaner: cleaner}
}

// Purge runs the expired-session cleanup now. A purge already in flight is
// reported as skipped rather than queued.
func (h *SessionHandler) Purge(w http.ResponseWriter, r *http.Request) {
	result, err := h.cleaner.Trigger(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	status := http.StatusOK
	if result.Skipped {
		status = http.StatusAccepted
	}
	writeSuccess(w, r, status, result)
}
