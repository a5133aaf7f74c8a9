package handler

import (
	"context"
	"mime"
	"net/http"

	"marketplace-api/internal/middleware"
	"marketplace-api/internal/model"
	"marketplace-api/pkg/apierror"
)

type authService interface {
	Register(ctx context.Context, req model.RegisterRequest) (model.UserView, error)
	SignIn(ctx context.Context, creds model.Credentials) (model.SignInResult, error)
	RotateRefresh(ctx context.Context, refreshToken string) (model.RefreshResult, error)
	Logout(ctx context.Context, refreshToken string) (model.LogoutResult, error)
	CurrentUser(ctx context.Context, id string) (model.UserView, error)
}

type AuthHandler struct {
	service authService
}

func NewAuthHandler(service authService) *AuthHandler {
	return &AuthHandler{service: service}
}

func (h *AuthHandler) Register(w http.ResponseWriter, r *http.Request) {
	var payload model.RegisterRequest
	if err := decodeJSON(w, r, &payload, false); err != nil {
		writeError(w, r, err)
		return
	}

	user, err := h.service.Register(r.Context(), payload)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, r, http.StatusCreated, user)
}

// SignIn accepts the OAuth2 password form (username, password) or the same
// fields as JSON.
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var creds model.Credentials

	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/x-www-form-urlencoded", "multipart/form-data":
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		if err := r.ParseMultipartForm(maxBodyBytes); err != nil && err != http.ErrNotMultipart {
			writeError(w, r, apierror.BadRequest("invalid form body", ""))
			return
		}
		creds.Username = r.PostFormValue("username")
		creds.Password = r.PostFormValue("password")
	default:
		if err := decodeJSON(w, r, &creds, false); err != nil {
			writeError(w, r, err)
			return
		}
	}

	result, err := h.service.SignIn(r.Context(), creds)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, r, http.StatusOK, result)
}

func (h *AuthHandler) Refresh(w http.ResponseWriter, r *http.Request) {
	var payload model.RefreshRequest
	if err := decodeJSON(w, r, &payload, false); err != nil {
		writeError(w, r, err)
		return
	}

	tokens, err := h.service.RotateRefresh(r.Context(), payload.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, r, http.StatusOK, tokens)
}

// Logout takes an optional refresh_token; a bare request still succeeds.
func (h *AuthHandler) Logout(w http.ResponseWriter, r *http.Request) {
	var payload model.RefreshRequest
	if err := decodeJSON(w, r, &payload, true); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := h.service.Logout(r.Context(), payload.RefreshToken)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, r, http.StatusOK, result)
}

func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims, ok := middleware.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, r, apierror.Unauthorized("authentication required"))
		return
	}

	user, err := h.service.CurrentUser(r.Context(), claims.UserID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	writeSuccess(w, r, http.StatusOK, user)
}
