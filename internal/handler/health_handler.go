package handler

import (
	"context"
	"net/http"
	"time"

	"marketplace-api/pkg/apierror"
)

type pinger interface {
	Health(ctx context.Context) error
}

type HealthHandler struct {
	db pinger
}

func NewHealthHandler(db pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

type healthStatus struct {
	Status   string `json:"status"`
	Database string `json:"database"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.db.Health(ctx); err != nil {
		writeError(w, r, apierror.New("UNAVAILABLE", "database unreachable", "", http.StatusServiceUnavailable).WithCause(err))
		return
	}

	writeSuccess(w, r, http.StatusOK, healthStatus{Status: "ok", Database: "ok"})
}
