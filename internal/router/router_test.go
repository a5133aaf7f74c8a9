package router

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"marketplace-api/internal/config"
	"marketplace-api/internal/handler"
	"marketplace-api/internal/middleware"
	"marketplace-api/internal/model"
	"marketplace-api/pkg/apierror"
)

// stubBackend answers every handler and middleware dependency with canned data.
type stubBackend struct {
	role model.Role
}

func (s stubBackend) Register(context.Context, model.RegisterRequest) (model.UserView, error) {
	return model.UserView{ID: "u-1"}, nil
}

func (s stubBackend) SignIn(context.Context, model.Credentials) (model.SignInResult, error) {
	return model.SignInResult{}, apierror.Unauthorized("could not authorize user")
}

func (s stubBackend) RotateRefresh(context.Context, string) (model.RefreshResult, error) {
	return model.RefreshResult{}, apierror.Unauthorized("token already revoked")
}

func (s stubBackend) Logout(context.Context, string) (model.LogoutResult, error) {
	return model.LogoutResult{Status: "success"}, nil
}

func (s stubBackend) CurrentUser(_ context.Context, id string) (model.UserView, error) {
	return model.UserView{ID: id}, nil
}

func (s stubBackend) UpdateProfile(_ context.Context, id string, _ model.UserPatch) (model.UserView, error) {
	return model.UserView{ID: id}, nil
}

func (s stubBackend) AdminUpdateUser(_ context.Context, _ string, id string, _ model.UserPatch) (model.UserView, error) {
	return model.UserView{ID: id}, nil
}

func (s stubBackend) Trigger(context.Context) (model.PurgeResult, error) {
	return model.PurgeResult{Removed: 1}, nil
}

func (s stubBackend) Authorize(_ context.Context, tok string) (*model.AuthClaims, error) {
	if tok != "valid" {
		return nil, apierror.Unauthorized("invalid or expired token")
	}
	return &model.AuthClaims{UserID: "u-1"}, nil
}

func (s stubBackend) LookupUser(_ context.Context, id string) (model.User, error) {
	return model.User{ID: id, Role: s.role, Active: true, Status: model.StatusActive}, nil
}

func (s stubBackend) Health(context.Context) error { return nil }

func newTestRouter(role model.Role) http.Handler {
	backend := stubBackend{role: role}
	return New(&config.Config{}, middleware.NewAuthMiddleware(backend, backend), Handlers{
		Auth:    handler.NewAuthHandler(backend),
		User:    handler.NewUserHandler(backend),
		Session: handler.NewSessionHandler(backend),
		Health:  handler.NewHealthHandler(backend),
	})
}

func TestRoutes(t *testing.T) {
	tests := []struct {
		name   string
		role   model.Role
		method string
		path   string
		body   string
		token  string
		status int
	}{
		{name: "health", method: http.MethodGet, path: "/health", status: http.StatusOK},
		{name: "register is public", method: http.MethodPost, path: "/api/v1/auth/register", body: `{}`, status: http.StatusCreated},
		{name: "sign in rejects", method: http.MethodPost, path: "/api/v1/auth/sign_in", body: `{"username":"a","password":"b"}`, status: http.StatusUnauthorized},
		{name: "refresh rejects", method: http.MethodPost, path: "/api/v1/auth/refresh", body: `{"refresh_token":"x"}`, status: http.StatusUnauthorized},
		{name: "logout without token", method: http.MethodPost, path: "/api/v1/auth/logout", status: http.StatusOK},
		{name: "me requires auth", method: http.MethodGet, path: "/api/v1/auth/me", status: http.StatusUnauthorized},
		{name: "me with token", method: http.MethodGet, path: "/api/v1/auth/me", token: "valid", status: http.StatusOK},
		{name: "profile update", method: http.MethodPatch, path: "/api/v1/users/me", body: `{"metadata":{}}`, token: "valid", status: http.StatusOK},
		{name: "admin purge as user", role: model.RoleUser, method: http.MethodPost, path: "/api/v1/admin/sessions/purge", token: "valid", status: http.StatusForbidden},
		{name: "admin purge as admin", role: model.RoleAdmin, method: http.MethodPost, path: "/api/v1/admin/sessions/purge", token: "valid", status: http.StatusOK},
		{name: "admin purge anonymous", role: model.RoleAdmin, method: http.MethodPost, path: "/api/v1/admin/sessions/purge", status: http.StatusUnauthorized},
		{name: "unknown route", method: http.MethodGet, path: "/api/v1/files", status: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			role := tt.role
			if role == "" {
				role = model.RoleUser
			}

			req := httptest.NewRequest(tt.method, tt.path, strings.NewReader(tt.body))
			if tt.token != "" {
				req.Header.Set("Authorization", "Bearer "+tt.token)
			}
			rec := httptest.NewRecorder()
			newTestRouter(role).ServeHTTP(rec, req)

			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
			assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
		})
	}
}
