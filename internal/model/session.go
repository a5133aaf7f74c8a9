package model

import "time"

const TokenTypeBearer = "bearer"

type SignInResult struct {
	User                  UserView `json:"user"`
	AccessToken           string   `json:"access_token"`
	RefreshToken          string   `json:"refresh_token"`
	TokenType             string   `json:"token_type"`
	AccessTokenExpiresIn  int64    `json:"access_token_expires_in"`
	RefreshTokenExpiresIn int64    `json:"refresh_token_expires_in"`
}

type RefreshResult struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
}

type LogoutResult struct {
	Status    string    `json:"status"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// RevocationEntry is one row of the token blacklist.
type RevocationEntry struct {
	Token     string    `json:"-"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
	RevokedAt time.Time `json:"revoked_at"`
}

type PurgeResult struct {
	Removed  int64         `json:"removed"`
	Skipped  bool          `json:"skipped"`
	Duration time.Duration `json:"duration_ns"`
}
