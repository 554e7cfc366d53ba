package core

import (
	"errors"
	"sort"
	"time"
)

// GrantStatus is the server-side status of a grant
type GrantStatus string

const (
	GrantStatusActive  GrantStatus = "active"
	GrantStatusExpired GrantStatus = "expired"
	GrantStatusRevoked GrantStatus = "revoked"
)

// Category is an OS-level app category (e.g. "games", "education")
type Category string

// Grant is a time-boxed allowance of device usage for a child account
type Grant struct {
	ID              string
	ChildUserID     string
	FamilyID        string
	GrantedByUserID string

	GrantedMinutes int
	UsedMinutes    int

	AllowedAppBundleIDs []string   // nil = no app-level restriction
	AllowedCategories   []Category // nil = no category restriction

	GrantedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time

	Status       GrantStatus
	SourceTaskID *string // informational, links to the completed task

	Version   int64     // server row version, monotonically increasing per grant
	UpdatedAt time.Time // server update time, tie-breaker only
}

// Validation errors
var (
	ErrMissingGrantID    = errors.New("grant ID cannot be empty")
	ErrMissingChildID    = errors.New("child user ID cannot be empty")
	ErrNegativeMinutes   = errors.New("grant minutes cannot be negative")
	ErrUnknownStatus     = errors.New("unknown grant status")
	ErrExpiryBeforeGrant = errors.New("grant expires before it was granted")
)

// Validate validates a Grant
func (g *Grant) Validate() error {
	if g.ID == "" {
		return ErrMissingGrantID
	}
	if g.ChildUserID == "" {
		return ErrMissingChildID
	}
	if g.GrantedMinutes < 0 || g.UsedMinutes < 0 {
		return ErrNegativeMinutes
	}
	if !g.Status.Valid() {
		return ErrUnknownStatus
	}
	if !g.GrantedAt.IsZero() && !g.ExpiresAt.IsZero() && g.ExpiresAt.Before(g.GrantedAt) {
		return ErrExpiryBeforeGrant
	}
	return nil
}

// Valid reports whether s is one of the known statuses
func (s GrantStatus) Valid() bool {
	switch s {
	case GrantStatusActive, GrantStatusExpired, GrantStatusRevoked:
		return true
	}
	return false
}

// IsTerminal reports whether the status can never become active again
func (s GrantStatus) IsTerminal() bool {
	return s == GrantStatusExpired || s == GrantStatusRevoked
}

// Rank orders statuses for causal comparison. Terminal statuses share the
// top rank so that neither can be undone by a late active event.
func (s GrantStatus) Rank() int {
	switch s {
	case GrantStatusRevoked, GrantStatusExpired:
		return 2
	case GrantStatusActive:
		return 1
	}
	return 0
}

// RemainingMinutes returns granted minus used, never negative
func (g *Grant) RemainingMinutes() int {
	remaining := g.GrantedMinutes - g.UsedMinutes
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsExpiredAt reports whether the grant's natural expiry has been reached
func (g *Grant) IsExpiredAt(now time.Time) bool {
	if g.ExpiresAt.IsZero() {
		return false
	}
	return !now.Before(g.ExpiresAt)
}

// RestrictedApps reports whether the grant limits usage to specific apps
func (g *Grant) RestrictedApps() bool {
	return g.AllowedAppBundleIDs != nil
}

// Clone returns a deep copy so callers can hold a grant across goroutines
func (g *Grant) Clone() Grant {
	out := *g
	if g.AllowedAppBundleIDs != nil {
		out.AllowedAppBundleIDs = append([]string{}, g.AllowedAppBundleIDs...)
	}
	if g.AllowedCategories != nil {
		out.AllowedCategories = append([]Category{}, g.AllowedCategories...)
	}
	if g.RevokedAt != nil {
		t := *g.RevokedAt
		out.RevokedAt = &t
	}
	if g.SourceTaskID != nil {
		s := *g.SourceTaskID
		out.SourceTaskID = &s
	}
	return out
}

// CausallyAfter reports whether a is ordered after b. Two versions of one
// grant compare by status rank, then server version, then update time.
// Different grants compare by grant time first, and the grant ID settles
// a full tie so the order is total.
func CausallyAfter(a, b *Grant) bool {
	sameGrant := a.ID == b.ID
	if !sameGrant && !a.GrantedAt.Equal(b.GrantedAt) {
		return a.GrantedAt.After(b.GrantedAt)
	}
	if ra, rb := a.Status.Rank(), b.Status.Rank(); ra != rb {
		return ra > rb
	}
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	if !a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.UpdatedAt.After(b.UpdatedAt)
	}
	return !sameGrant && a.ID > b.ID
}

// NormalizeBundleIDs sorts and dedupes a set, dropping empty entries.
// A nil input stays nil (no restriction).
func NormalizeBundleIDs(ids []string) []string {
	if ids == nil {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// NormalizeCategories is NormalizeBundleIDs for categories
func NormalizeCategories(categories []Category) []Category {
	if categories == nil {
		return nil
	}
	raw := make([]string, len(categories))
	for i, c := range categories {
		raw[i] = string(c)
	}
	norm := NormalizeBundleIDs(raw)
	out := make([]Category, len(norm))
	for i, c := range norm {
		out[i] = Category(c)
	}
	return out
}
