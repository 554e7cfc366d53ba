// Package authority describes the remote grant store and its change feed,
// and converts its rows into core grants.
package authority

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"famlink/internal/core"
)

var (
	ErrMalformedRow    = errors.New("malformed grant row")
	ErrUnknownChange   = errors.New("unknown change type")
	ErrMissingRecord   = errors.New("change event carries no record")
	ErrSubscribeFailed = errors.New("change feed subscription failed")
)

// Row is a grant as the remote store serializes it. Timestamps are RFC 3339.
type Row struct {
	GrantID             string   `json:"GrantID"`
	ChildUserID         string   `json:"ChildUserID"`
	FamilyID            string   `json:"FamilyID"`
	GrantedMinutes      int      `json:"GrantedMinutes"`
	UsedMinutes         int      `json:"UsedMinutes"`
	Status              string   `json:"Status"`
	GrantedAt           string   `json:"GrantedAt"`
	ExpiresAt           string   `json:"ExpiresAt"`
	RevokedAt           *string  `json:"RevokedAt"`
	SourceTaskID        *string  `json:"SourceTaskID"`
	GrantedByUserID     string   `json:"GrantedByUserID"`
	AllowedAppBundleIds []string `json:"AllowedAppBundleIds"`
	AllowedCategories   []string `json:"AllowedCategories"`
	Version             int64    `json:"Version,omitempty"`
	UpdatedAt           string   `json:"UpdatedAt,omitempty"`
}

// ChangeType is the kind of row change
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// ChangeEvent is one row-level change from the feed.
// Delete events carry only OldRecord.
type ChangeEvent struct {
	Type      ChangeType `json:"type"`
	Record    *Row       `json:"record"`
	OldRecord *Row       `json:"old_record"`
}

// ChildUserID returns the child the event belongs to
func (ev ChangeEvent) ChildUserID() string {
	if ev.Record != nil && ev.Record.ChildUserID != "" {
		return ev.Record.ChildUserID
	}
	if ev.OldRecord != nil {
		return ev.OldRecord.ChildUserID
	}
	return ""
}

// Handler receives feed callbacks. Adapters call it from a single goroutine,
// in delivery order.
type Handler interface {
	// OnSubscribed runs after every successful (re)subscription
	OnSubscribed(ctx context.Context)
	// OnEvent runs for each change to the child's grants
	OnEvent(ctx context.Context, ev ChangeEvent)
}

// Subscription is a live change-feed attachment
type Subscription interface {
	Close() error
}

// Authority is the remote grant store
type Authority interface {
	// FetchActiveGrants returns the child's grants with status active
	FetchActiveGrants(ctx context.Context, childUserID string) ([]Row, error)
	// Subscribe attaches to the child's change feed. Reconnects are handled
	// by the adapter, which calls OnSubscribed again after each one.
	Subscribe(ctx context.Context, childUserID string, h Handler) (Subscription, error)
}

// Normalize converts a Row into a core.Grant
func Normalize(row Row) (core.Grant, error) {
	g := core.Grant{
		ID:                  row.GrantID,
		ChildUserID:         row.ChildUserID,
		FamilyID:            row.FamilyID,
		GrantedByUserID:     row.GrantedByUserID,
		GrantedMinutes:      row.GrantedMinutes,
		UsedMinutes:         row.UsedMinutes,
		Status:              core.GrantStatus(strings.ToLower(strings.TrimSpace(row.Status))),
		AllowedAppBundleIDs: core.NormalizeBundleIDs(row.AllowedAppBundleIds),
		Version:             row.Version,
	}

	if row.AllowedCategories != nil {
		cats := make([]core.Category, len(row.AllowedCategories))
		for i, c := range row.AllowedCategories {
			cats[i] = core.Category(c)
		}
		g.AllowedCategories = core.NormalizeCategories(cats)
	}

	var err error
	if g.GrantedAt, err = parseTime(row.GrantedAt); err != nil {
		return core.Grant{}, fmt.Errorf("%w: GrantedAt: %v", ErrMalformedRow, err)
	}
	if g.ExpiresAt, err = parseTime(row.ExpiresAt); err != nil {
		return core.Grant{}, fmt.Errorf("%w: ExpiresAt: %v", ErrMalformedRow, err)
	}
	if g.UpdatedAt, err = parseTime(row.UpdatedAt); err != nil {
		return core.Grant{}, fmt.Errorf("%w: UpdatedAt: %v", ErrMalformedRow, err)
	}
	if row.RevokedAt != nil {
		t, err := parseTime(*row.RevokedAt)
		if err != nil {
			return core.Grant{}, fmt.Errorf("%w: RevokedAt: %v", ErrMalformedRow, err)
		}
		if !t.IsZero() {
			g.RevokedAt = &t
		}
	}
	if row.SourceTaskID != nil && *row.SourceTaskID != "" {
		id := *row.SourceTaskID
		g.SourceTaskID = &id
	}

	if err := g.Validate(); err != nil {
		return core.Grant{}, fmt.Errorf("%w: %v", ErrMalformedRow, err)
	}
	return g, nil
}

// NormalizeEvent converts a change event into the grant version it implies.
// A delete becomes a revoke built from the last known fields.
func NormalizeEvent(ev ChangeEvent) (core.Grant, error) {
	switch ChangeType(strings.ToLower(string(ev.Type))) {
	case ChangeInsert, ChangeUpdate:
		if ev.Record == nil {
			return core.Grant{}, ErrMissingRecord
		}
		return Normalize(*ev.Record)

	case ChangeDelete:
		row := ev.OldRecord
		if row == nil {
			row = ev.Record
		}
		if row == nil {
			return core.Grant{}, ErrMissingRecord
		}
		deleted := *row
		if deleted.Status == "" || strings.EqualFold(deleted.Status, string(core.GrantStatusActive)) {
			deleted.Status = string(core.GrantStatusRevoked)
		}
		g, err := Normalize(deleted)
		if err != nil {
			return core.Grant{}, err
		}
		return g, nil

	default:
		return core.Grant{}, fmt.Errorf("%w: %q", ErrUnknownChange, ev.Type)
	}
}

// RowFromGrant is the inverse of Normalize, used by adapters that write rows
func RowFromGrant(g core.Grant) Row {
	row := Row{
		GrantID:             g.ID,
		ChildUserID:         g.ChildUserID,
		FamilyID:            g.FamilyID,
		GrantedMinutes:      g.GrantedMinutes,
		UsedMinutes:         g.UsedMinutes,
		Status:              string(g.Status),
		GrantedAt:           formatTime(g.GrantedAt),
		ExpiresAt:           formatTime(g.ExpiresAt),
		GrantedByUserID:     g.GrantedByUserID,
		AllowedAppBundleIds: g.AllowedAppBundleIDs,
		Version:             g.Version,
		UpdatedAt:           formatTime(g.UpdatedAt),
	}
	if g.RevokedAt != nil {
		s := formatTime(*g.RevokedAt)
		row.RevokedAt = &s
	}
	if g.SourceTaskID != nil {
		s := *g.SourceTaskID
		row.SourceTaskID = &s
	}
	if g.AllowedCategories != nil {
		row.AllowedCategories = make([]string, len(g.AllowedCategories))
		for i, c := range g.AllowedCategories {
			row.AllowedCategories[i] = string(c)
		}
	}
	return row
}

// timestamp layouts accepted from the store; Postgres json output omits the
// zone for timestamp columns.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05.999999999",
}

func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, nil
	}
	var lastErr error
	for _, layout := range timeLayouts {
		t, err := time.Parse(layout, s)
		if err == nil {
			return t.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
