package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"famlink/internal/core"
	"famlink/internal/idgen"
)

// ManualGrantRequest is a grant started from the UI rather than the server
type ManualGrantRequest struct {
	ChildUserID       string
	Minutes           int
	AllowedApps       []string
	AllowedCategories []core.Category
	GrantedByUserID   string
}

// QueryResult is the enforcement state reported for a child
type QueryResult struct {
	ChildUserID      string `json:"childUserId"`
	RemainingMinutes int    `json:"remainingMinutes"`
	ActiveGrants     int    `json:"activeGrants"`
	EnforcedGrantID  string `json:"enforcedGrantId,omitempty"`
	Authorized       bool   `json:"authorized"`
}

// ManualGrant creates a local grant and runs it through the normal lifecycle,
// so it expires and revokes like a server grant.
func (e *Engine) ManualGrant(ctx context.Context, req ManualGrantRequest) (Outcome, error) {
	if req.Minutes <= 0 {
		return Outcome{}, fmt.Errorf("%w: minutes must be positive", ErrInvalidGrant)
	}

	now := e.now()
	g := core.Grant{
		ID:                  idgen.NewGrant(),
		ChildUserID:         req.ChildUserID,
		GrantedByUserID:     req.GrantedByUserID,
		GrantedMinutes:      req.Minutes,
		AllowedAppBundleIDs: req.AllowedApps,
		AllowedCategories:   req.AllowedCategories,
		GrantedAt:           now,
		ExpiresAt:           now.Add(time.Duration(req.Minutes) * time.Minute),
		Status:              core.GrantStatusActive,
		Version:             1,
		UpdatedAt:           now,
	}
	return e.Handle(ctx, Event{Grant: g, Source: SourceManual})
}

// ManualRevoke revokes every live grant for the child, the enforced one
// last so nothing takes over from it. With no tracked grant it still asks
// the bridge to lift enforcement.
func (e *Engine) ManualRevoke(ctx context.Context, childUserID string) (Outcome, error) {
	enforcedID, _ := e.EnforcedGrant(childUserID)

	var live []core.Grant
	var enforced *core.Grant
	for _, rec := range e.Records(childUserID) {
		if rec.State.IsTerminal() {
			continue
		}
		if rec.Grant.ID == enforcedID {
			g := rec.Grant
			enforced = &g
			continue
		}
		live = append(live, rec.Grant)
	}
	if enforced != nil {
		live = append(live, *enforced)
	}

	if len(live) > 0 {
		var (
			out  Outcome
			errs []error
		)
		for _, g := range live {
			now := e.now()
			g.Status = core.GrantStatusRevoked
			g.RevokedAt = &now
			g.Version++
			g.UpdatedAt = now

			var err error
			if out, err = e.Handle(ctx, Event{Grant: g, Source: SourceManual}); err != nil {
				errs = append(errs, err)
			}
		}
		return out, errors.Join(errs...)
	}

	unlock := e.locks.Lock(childUserID)
	res := e.bridge.Revoke(context.WithoutCancel(ctx), childUserID)
	unlock()

	if !res.Success {
		return Outcome{}, fmt.Errorf("%w: child %s: %v", ErrRevokeFailed, childUserID, resultErr(res.Err))
	}
	e.logger.Info("Lifted enforcement with no tracked grant", "child_id", childUserID)
	return Outcome{Decision: Decision{Action: ActionRevoke, Target: core.StateRevoked}, Source: SourceManual, Enforced: true}, nil
}

// Query reports the OS enforcement state for a child
func (e *Engine) Query(ctx context.Context, childUserID string) (QueryResult, error) {
	unlock := e.locks.Lock(childUserID)
	defer unlock()

	st := e.bridge.Query(ctx, childUserID)
	if st.Err != nil {
		return QueryResult{}, fmt.Errorf("failed to query enforcement: %w", st.Err)
	}

	result := QueryResult{
		ChildUserID:      childUserID,
		RemainingMinutes: st.RemainingMinutes,
		ActiveGrants:     st.ActiveGrants,
		Authorized:       e.bridge.IsAuthorized(ctx),
	}
	if id, ok := e.EnforcedGrant(childUserID); ok {
		result.EnforcedGrantID = id
	}
	return result, nil
}

// RequestAuthorization asks the OS for the device-level permission
func (e *Engine) RequestAuthorization(ctx context.Context) bool {
	return e.bridge.RequestAuthorization(ctx)
}
