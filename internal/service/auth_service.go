package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"marketplace-api/internal/event"
	"marketplace-api/internal/model"
	"marketplace-api/internal/password"
	"marketplace-api/internal/token"
	"marketplace-api/pkg/apierror"
)

const (
	DefaultAccessTTL  = 40 * time.Minute
	DefaultRefreshTTL = 72 * time.Hour
)

// msgBadCredentials is shared by every sign-in rejection so callers cannot tell
// an unknown email from a wrong password or a disabled account.
const msgBadCredentials = "could not authorize user"

// UserStore persists marketplace users.
type UserStore interface {
	FindByID(ctx context.Context, id string) (model.User, error)
	FindByEmail(ctx context.Context, email string) (model.User, error)
	Create(ctx context.Context, u model.User) error
	Update(ctx context.Context, u model.User) error
}

type AuthConfig struct {
	AccessTTL   time.Duration
	RefreshTTL  time.Duration
	PhoneRegion string
}

type AuthService struct {
	users  UserStore
	ledger *RevocationLedger
	codec  *token.Codec
	hasher *password.Hasher
	bus    event.Bus
	cfg    AuthConfig
	now    func() time.Time

	// dummyDigest is compared against when the email is unknown so the
	// response time does not reveal whether an account exists.
	dummyDigest string
}

func NewAuthService(cfg AuthConfig, users UserStore, ledger *RevocationLedger, codec *token.Codec, hasher *password.Hasher, bus event.Bus) (*AuthService, error) {
	if users == nil || ledger == nil || codec == nil || hasher == nil {
		return nil, errors.New("auth service requires a user store, ledger, codec and hasher")
	}
	if cfg.AccessTTL == 0 {
		cfg.AccessTTL = DefaultAccessTTL
	}
	if cfg.RefreshTTL == 0 {
		cfg.RefreshTTL = DefaultRefreshTTL
	}
	if cfg.AccessTTL < 0 || cfg.RefreshTTL < 0 {
		return nil, errors.New("token lifetimes must be positive")
	}
	if cfg.PhoneRegion == "" {
		cfg.PhoneRegion = DefaultPhoneRegion
	}
	if bus == nil {
		bus = event.Nop{}
	}

	dummy, err := hasher.Hash(uuid.NewString())
	if err != nil {
		return nil, err
	}

	return &AuthService{
		users:       users,
		ledger:      ledger,
		codec:       codec,
		hasher:      hasher,
		bus:         bus,
		cfg:         cfg,
		now:         func() time.Time { return time.Now().UTC() },
		dummyDigest: dummy,
	}, nil
}

func (s *AuthService) SetClock(now func() time.Time) {
	s.now = now
}

func (s *AuthService) Register(ctx context.Context, req model.RegisterRequest) (model.UserView, error) {
	req = req.Normalize()
	if err := validateRegistration(req, s.cfg.PhoneRegion); err != nil {
		return model.UserView{}, err
	}

	phone, err := normalizePhone(req.PhoneNumber, s.cfg.PhoneRegion)
	if err != nil {
		return model.UserView{}, apierror.Validation("invalid fields", "phone_number")
	}

	_, err = s.users.FindByEmail(ctx, req.Email)
	switch {
	case err == nil:
		return model.UserView{}, apierror.Conflict("email already registered", req.Email)
	case !errors.Is(err, model.ErrUserNotFound):
		return model.UserView{}, apierror.Internal(err)
	}

	digest, err := s.hasher.Hash(req.Password)
	if errors.Is(err, bcrypt.ErrPasswordTooLong) {
		return model.UserView{}, apierror.Validation("invalid fields", "password")
	}
	if err != nil {
		return model.UserView{}, apierror.Internal(err)
	}

	now := s.now()
	user := model.User{
		ID:           uuid.NewString(),
		Email:        req.Email,
		FirstName:    req.FirstName,
		LastName:     req.LastName,
		PhoneNumber:  phone,
		PasswordHash: digest,
		Role:         model.RoleUser,
		Status:       model.StatusNew,
		Active:       true,
		Metadata:     map[string]any{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := s.users.Create(ctx, user); err != nil {
		if errors.Is(err, model.ErrUserAlreadyExists) {
			return model.UserView{}, apierror.Conflict("email already registered", req.Email)
		}
		return model.UserView{}, apierror.Internal(err)
	}

	slog.Info("user registered", "user_id", user.ID)
	s.bus.Publish(event.New(event.TypeUserRegistered, user.ID, map[string]string{"email": user.Email}))

	return user.View(), nil
}

// Authenticate returns the user when email and password match an active account.
func (s *AuthService) Authenticate(ctx context.Context, email string, plaintext string) (model.User, error) {
	email = strings.TrimSpace(email)
	if email == "" || plaintext == "" {
		return model.User{}, apierror.Unauthorized(msgBadCredentials)
	}

	user, err := s.users.FindByEmail(ctx, email)
	if errors.Is(err, model.ErrUserNotFound) {
		s.hasher.Verify(plaintext, s.dummyDigest)
		slog.Warn("sign-in rejected", "reason", "unknown email")
		return model.User{}, apierror.Unauthorized(msgBadCredentials)
	}
	if err != nil {
		return model.User{}, apierror.Internal(err)
	}

	if !s.hasher.Verify(plaintext, user.PasswordHash) {
		slog.Warn("sign-in rejected", "reason", "password mismatch", "user_id", user.ID)
		return model.User{}, apierror.Unauthorized(msgBadCredentials)
	}

	if !user.Active {
		slog.Warn("sign-in rejected", "reason", "inactive account", "user_id", user.ID)
		return model.User{}, apierror.Unauthorized(msgBadCredentials)
	}

	return user, nil
}

func (s *AuthService) SignIn(ctx context.Context, creds model.Credentials) (model.SignInResult, error) {
	user, err := s.Authenticate(ctx, creds.Username, creds.Password)
	if err != nil {
		return model.SignInResult{}, err
	}

	accessToken, refreshToken, err := s.issuePair(user)
	if err != nil {
		return model.SignInResult{}, err
	}

	metadata := maps.Clone(user.Metadata)
	if metadata == nil {
		metadata = map[string]any{}
	}
	metadata[model.MetadataLastSignIn] = s.now().Format(time.RFC3339)

	patch := model.UserPatch{Metadata: metadata}
	if user.Status == model.StatusNew {
		active := model.StatusActive
		patch.Status = &active
	}

	if s.hasher.NeedsRehash(user.PasswordHash) {
		if digest, err := s.hasher.Hash(creds.Password); err != nil {
			slog.Warn("password rehash failed", "user_id", user.ID, "error", err)
		} else {
			user.PasswordHash = digest
		}
	}

	if err := s.UpdateUserFields(ctx, &user, patch); err != nil {
		return model.SignInResult{}, err
	}

	slog.Info("user signed in", "user_id", user.ID)
	s.bus.Publish(event.New(event.TypeUserSignedIn, user.ID, nil))

	return model.SignInResult{
		User:                  user.View(),
		AccessToken:           accessToken,
		RefreshToken:          refreshToken,
		TokenType:             model.TokenTypeBearer,
		AccessTokenExpiresIn:  int64(s.cfg.AccessTTL / time.Second),
		RefreshTokenExpiresIn: int64(s.cfg.RefreshTTL / time.Second),
	}, nil
}

// RotateRefresh exchanges a refresh token for a new pair. The old token is
// revoked before the new pair is issued, so of two concurrent rotations of the
// same token only one succeeds.
func (s *AuthService) RotateRefresh(ctx context.Context, refreshToken string) (model.RefreshResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)
	if refreshToken == "" {
		return model.RefreshResult{}, apierror.Unauthorized("invalid refresh token")
	}

	revoked, err := s.ledger.IsRevoked(ctx, refreshToken)
	if err != nil {
		return model.RefreshResult{}, apierror.Internal(err)
	}
	if revoked {
		slog.Warn("refresh rejected", "reason", "token revoked or undecodable")
		return model.RefreshResult{}, apierror.Unauthorized("token already revoked")
	}

	claims, err := s.codec.Decode(refreshToken)
	if err != nil {
		return model.RefreshResult{}, apierror.Unauthorized("invalid refresh token")
	}
	if claims.Kind != token.KindRefresh {
		return model.RefreshResult{}, apierror.BadRequest("invalid token", "refresh token required")
	}

	user, err := s.users.FindByID(ctx, claims.IdentityID)
	if errors.Is(err, model.ErrUserNotFound) {
		slog.Warn("refresh rejected", "reason", "unknown user", "user_id", claims.IdentityID)
		return model.RefreshResult{}, apierror.Unauthorized("invalid refresh token")
	}
	if err != nil {
		return model.RefreshResult{}, apierror.Internal(err)
	}
	if !user.Active {
		slog.Warn("refresh rejected", "reason", "inactive account", "user_id", user.ID)
		return model.RefreshResult{}, apierror.Unauthorized("invalid refresh token")
	}

	outcome, err := s.ledger.Revoke(ctx, refreshToken)
	if err != nil {
		if isTokenError(err) {
			return model.RefreshResult{}, apierror.Unauthorized("invalid refresh token")
		}
		return model.RefreshResult{}, apierror.Internal(err)
	}
	if outcome != OutcomeRevoked {
		slog.Warn("refresh rejected", "reason", outcome.String(), "user_id", user.ID)
		return model.RefreshResult{}, apierror.Unauthorized("token already revoked")
	}

	accessToken, newRefresh, err := s.issuePair(user)
	if err != nil {
		return model.RefreshResult{}, err
	}

	s.bus.Publish(event.New(event.TypeSessionRotated, user.ID, nil))

	return model.RefreshResult{
		AccessToken:  accessToken,
		RefreshToken: newRefresh,
		TokenType:    model.TokenTypeBearer,
	}, nil
}

// Logout revokes refreshToken when one is given. Tokens that are expired,
// already revoked or unreadable still log out successfully.
func (s *AuthService) Logout(ctx context.Context, refreshToken string) (model.LogoutResult, error) {
	refreshToken = strings.TrimSpace(refreshToken)

	// Only refresh tokens belong in the ledger; an access token is ignored.
	if claims, err := s.codec.Decode(refreshToken); err == nil && claims.Kind != token.KindRefresh {
		slog.Warn("logout with non-refresh token", "kind", string(claims.Kind))
		refreshToken = ""
	}

	if refreshToken != "" {
		outcome, err := s.ledger.Revoke(ctx, refreshToken)
		switch {
		case err == nil && outcome == OutcomeRevoked:
			s.bus.Publish(event.New(event.TypeSessionRevoked, "", nil))
		case err == nil:
			slog.Debug("logout without revocation", "outcome", outcome.String())
		case isTokenError(err):
			slog.Warn("logout with unreadable token", "error", err)
		default:
			return model.LogoutResult{}, apierror.Internal(err)
		}
	}

	return model.LogoutResult{
		Status:    "success",
		Message:   "successfully logged out",
		Timestamp: s.now(),
	}, nil
}

// UpdateUserFields applies the non-nil fields of patch to user and persists
// the result. user is only modified when the store accepts the change.
func (s *AuthService) UpdateUserFields(ctx context.Context, user *model.User, patch model.UserPatch) error {
	if user == nil {
		return apierror.Internal(errors.New("update user fields: nil user"))
	}
	if err := validatePatch(&patch, s.cfg.PhoneRegion); err != nil {
		return err
	}

	updated := *user
	if patch.Email != nil {
		updated.Email = *patch.Email
	}
	if patch.PhoneNumber != nil {
		updated.PhoneNumber = *patch.PhoneNumber
	}
	if patch.Active != nil {
		updated.Active = *patch.Active
	}
	if patch.Status != nil {
		updated.Status = *patch.Status
	}
	if patch.Metadata != nil {
		updated.Metadata = maps.Clone(patch.Metadata)
	}
	updated.UpdatedAt = s.now()

	if err := s.users.Update(ctx, updated); err != nil {
		switch {
		case errors.Is(err, model.ErrUserAlreadyExists):
			return apierror.Conflict("email already registered", updated.Email)
		case errors.Is(err, model.ErrUserNotFound):
			return apierror.NotFound("user not found", updated.ID)
		default:
			return apierror.Internal(err)
		}
	}

	*user = updated
	return nil
}

// Authorize validates a bearer access token. Access tokens are not checked
// against the revocation ledger.
func (s *AuthService) Authorize(_ context.Context, accessToken string) (*model.AuthClaims, error) {
	claims, err := s.codec.Decode(accessToken)
	if err != nil {
		return nil, apierror.Unauthorized("invalid or expired token")
	}
	if claims.Kind != token.KindAccess {
		return nil, apierror.Unauthorized("invalid token type")
	}

	return &model.AuthClaims{
		UserID:  claims.IdentityID,
		Email:   claims.Subject,
		TokenID: claims.ID,
	}, nil
}

// LookupUser loads a user for an authenticated request.
func (s *AuthService) LookupUser(ctx context.Context, id string) (model.User, error) {
	user, err := s.users.FindByID(ctx, id)
	if errors.Is(err, model.ErrUserNotFound) {
		return model.User{}, apierror.NotFound("user not found", id)
	}
	if err != nil {
		return model.User{}, apierror.Internal(err)
	}
	return user, nil
}

func (s *AuthService) CurrentUser(ctx context.Context, id string) (model.UserView, error) {
	user, err := s.LookupUser(ctx, id)
	if err != nil {
		return model.UserView{}, err
	}
	return user.View(), nil
}

// UpdateProfile lets a user edit their own contact details and metadata.
// Account state is reserved for administrators.
func (s *AuthService) UpdateProfile(ctx context.Context, id string, patch model.UserPatch) (model.UserView, error) {
	if patch.Active != nil || patch.Status != nil {
		return model.UserView{}, apierror.Forbidden("only administrators can change account state")
	}
	return s.updateUser(ctx, id, id, patch)
}

func (s *AuthService) AdminUpdateUser(ctx context.Context, actorID string, id string, patch model.UserPatch) (model.UserView, error) {
	return s.updateUser(ctx, actorID, id, patch)
}

func (s *AuthService) updateUser(ctx context.Context, actorID string, id string, patch model.UserPatch) (model.UserView, error) {
	if patch.Empty() {
		return model.UserView{}, apierror.BadRequest("nothing to update", "")
	}

	user, err := s.LookupUser(ctx, id)
	if err != nil {
		return model.UserView{}, err
	}

	if err := s.UpdateUserFields(ctx, &user, patch); err != nil {
		return model.UserView{}, err
	}

	s.bus.Publish(event.New(event.TypeUserUpdated, actorID, map[string]string{"user_id": user.ID}))
	return user.View(), nil
}

func (s *AuthService) issuePair(user model.User) (string, string, error) {
	accessToken, err := s.codec.Issue(token.KindAccess, user.Email, user.ID, s.cfg.AccessTTL)
	if err != nil {
		return "", "", apierror.Internal(fmt.Errorf("issue access token: %w", err))
	}

	refreshToken, err := s.codec.Issue(token.KindRefresh, token.RefreshSubject, user.ID, s.cfg.RefreshTTL)
	if err != nil {
		return "", "", apierror.Internal(fmt.Errorf("issue refresh token: %w", err))
	}

	return accessToken, refreshToken, nil
}
