// Package auth holds the signed-in account session and hands out the
// current access token on demand.
package auth

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoSession      = errors.New("no account session")
	ErrInvalidSession = errors.New("invalid account session")
	ErrSessionExpired = errors.New("account session expired")
)

// Role is the account role within a family
type Role string

const (
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// Session is the signed-in account as the web layer reports it
type Session struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	UserID       string    `json:"userId"`
	FamilyID     string    `json:"familyId,omitempty"`
	Role         Role      `json:"role"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Validate checks required fields
func (s *Session) Validate() error {
	if s.UserID == "" {
		return fmt.Errorf("%w: missing user ID", ErrInvalidSession)
	}
	if s.AccessToken == "" {
		return fmt.Errorf("%w: missing access token", ErrInvalidSession)
	}
	switch s.Role {
	case RoleParent, RoleChild:
	default:
		return fmt.Errorf("%w: unknown role %q", ErrInvalidSession, s.Role)
	}
	return nil
}

// IsChild reports whether the account runs enforcement sync
func (s *Session) IsChild() bool {
	return s != nil && s.Role == RoleChild
}

// ExpiredAt reports whether the access token is past its expiry
func (s *Session) ExpiredAt(now time.Time) bool {
	return !s.ExpiresAt.IsZero() && !now.Before(s.ExpiresAt)
}

// Clone returns a copy
func (s *Session) Clone() *Session {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}
