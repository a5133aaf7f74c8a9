package model

import (
	"strings"
	"time"
)

type Role string

const (
	RoleGuest Role = "guest"
	RoleUser  Role = "user"
	RoleAdmin Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleGuest, RoleUser, RoleAdmin:
		return true
	}
	return false
}

// UserStatus drives onboarding: new accounts become active on first sign-in.
type UserStatus string

const (
	StatusNew      UserStatus = "new"
	StatusActive   UserStatus = "active"
	StatusInactive UserStatus = "inactive"
	StatusLoyal    UserStatus = "loyal"
)

func (s UserStatus) Valid() bool {
	switch s {
	case StatusNew, StatusActive, StatusInactive, StatusLoyal:
		return true
	}
	return false
}

// MetadataLastSignIn is the metadata key bumped on every successful sign-in.
const MetadataLastSignIn = "last_sign_in"

type User struct {
	ID           string         `json:"id"`
	Email        string         `json:"email"`
	FirstName    string         `json:"first_name"`
	LastName     string         `json:"last_name"`
	PhoneNumber  string         `json:"phone_number"`
	PasswordHash string         `json:"-"`
	Role         Role           `json:"role"`
	Status       UserStatus     `json:"status"`
	Active       bool           `json:"active"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

func (u User) FullName() string {
	return strings.TrimSpace(u.FirstName + " " + u.LastName)
}

// View is the public projection; it never carries the password hash.
func (u User) View() UserView {
	metadata := u.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}

	return UserView{
		ID:          u.ID,
		Email:       u.Email,
		Name:        u.FullName(),
		FirstName:   u.FirstName,
		LastName:    u.LastName,
		PhoneNumber: u.PhoneNumber,
		Role:        u.Role,
		Status:      u.Status,
		Active:      u.Active,
		Metadata:    metadata,
		CreatedAt:   u.CreatedAt,
	}
}

type UserView struct {
	ID          string         `json:"id"`
	Email       string         `json:"email"`
	Name        string         `json:"name"`
	FirstName   string         `json:"first_name"`
	LastName    string         `json:"last_name"`
	PhoneNumber string         `json:"contact"`
	Role        Role           `json:"role"`
	Status      UserStatus     `json:"status"`
	Active      bool           `json:"active"`
	Metadata    map[string]any `json:"metadata"`
	CreatedAt   time.Time      `json:"created_at"`
}

// UserPatch carries a partial update; nil fields are left untouched.
type UserPatch struct {
	Email       *string        `json:"email,omitempty"`
	PhoneNumber *string        `json:"phone_number,omitempty"`
	Active      *bool          `json:"active,omitempty"`
	Status      *UserStatus    `json:"status,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

func (p UserPatch) Empty() bool {
	return p.Email == nil && p.PhoneNumber == nil && p.Active == nil && p.Status == nil && p.Metadata == nil
}

// AuthClaims is what the bearer middleware stores in the request context.
type AuthClaims struct {
	UserID  string `json:"id"`
	Email   string `json:"sub"`
	TokenID string `json:"jti"`
}
