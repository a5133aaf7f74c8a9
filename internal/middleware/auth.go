package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"marketplace-api/internal/model"
	"marketplace-api/pkg/apierror"
)

type tokenAuthorizer interface {
	Authorize(ctx context.Context, accessToken string) (*model.AuthClaims, error)
}

type userLookup interface {
	LookupUser(ctx context.Context, id string) (model.User, error)
}

type contextKey string

const authClaimsContextKey contextKey = "auth_claims"

type AuthMiddleware struct {
	authorizer tokenAuthorizer
	users      userLookup
}

func NewAuthMiddleware(authorizer tokenAuthorizer, users userLookup) *AuthMiddleware {
	return &AuthMiddleware{authorizer: authorizer, users: users}
}

// RequireAuth accepts "Authorization: Bearer <access token>" and stores the
// claims in the request context.
func (m *AuthMiddleware) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeJSONError(w, r, http.StatusUnauthorized, apierror.CodeUnauthorized, "missing or invalid authorization header")
			return
		}

		claims, err := m.authorizer.Authorize(r.Context(), token)
		if err != nil {
			writeJSONError(w, r, http.StatusUnauthorized, apierror.CodeUnauthorized, "invalid or expired token")
			return
		}

		ctx := context.WithValue(r.Context(), authClaimsContextKey, claims)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequireRoles loads the caller and checks their current role, so demotions
// and deactivations apply to access tokens that are still valid.
func (m *AuthMiddleware) RequireRoles(allowedRoles ...model.Role) func(http.Handler) http.Handler {
	roleSet := map[model.Role]struct{}{}
	for _, role := range allowedRoles {
		roleSet[role] = struct{}{}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, ok := ClaimsFromContext(r.Context())
			if !ok {
				writeJSONError(w, r, http.StatusUnauthorized, apierror.CodeUnauthorized, "authentication required")
				return
			}

			user, err := m.users.LookupUser(r.Context(), claims.UserID)
			if err != nil {
				if apierror.HasCode(err, apierror.CodeNotFound) {
					writeJSONError(w, r, http.StatusUnauthorized, apierror.CodeUnauthorized, "authentication required")
					return
				}
				var apiErr *apierror.APIError
				if errors.As(err, &apiErr) && apiErr.Err != nil {
					slog.Error("role lookup failed", "user_id", claims.UserID, "error", apiErr.Err)
				}
				writeJSONError(w, r, http.StatusInternalServerError, apierror.CodeInternal, "Unexpected server error")
				return
			}

			if !user.Active {
				writeJSONError(w, r, http.StatusForbidden, apierror.CodeForbidden, "account is disabled")
				return
			}

			if _, allowed := roleSet[user.Role]; !allowed {
				writeJSONError(w, r, http.StatusForbidden, apierror.CodeForbidden, "insufficient permissions")
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func ClaimsFromContext(ctx context.Context) (*model.AuthClaims, bool) {
	claims, ok := ctx.Value(authClaimsContextKey).(*model.AuthClaims)
	return claims, ok
}

// WithClaims is used by tests that exercise handlers without the middleware.
func WithClaims(ctx context.Context, claims *model.AuthClaims) context.Context {
	return context.WithValue(ctx, authClaimsContextKey, claims)
}

func bearerToken(r *http.Request) (string, bool) {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if len(header) < 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", false
	}

	token := strings.TrimSpace(header[7:])
	return token, token != ""
}
