package handler

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"marketplace-api/internal/middleware"
	"marketplace-api/internal/model"
	"marketplace-api/pkg/apierror"
)

type userService interface {
	UpdateProfile(ctx context.Context, id string, patch model.UserPatch) (model.UserView, error)
	AdminUpdateUser(ctx context.Context, actorID string, id string, patch model.UserPatch) (model.UserView, error)
}

type UserHandler struct {
	service userService
}

func NewUserHandler(service userService) *UserHandler {
	return &UserHandler{service: service}
}

func (h *UserHandler) UpdateMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, apierror.Unauthorized("authentication required"))
		return
	}

	var patch model.UserPatch
	if err := decodeJSON(w, r, &patch, false); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.service.UpdateProfile(r.Context(), claims.UserID, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, r, http.StatusOK, user)
}

func (h *UserHandler) AdminUpdate(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, apierror.Unauthorized("authentication required"))
		return
	}

	userID := strings.TrimSpace(chi.URLParam(r, "id"))
	if _, err := uuid.Parse(userID); err != nil {
		writeError(w, r, apierror.BadRequest("invalid user id", "id"))
		return
	}

	var patch model.UserPatch
	if err := decodeJSON(w, r, &patch, false); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.service.AdminUpdateUser(r.Context(), claims.UserID, userID, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, r, http.StatusOK, user)
}
