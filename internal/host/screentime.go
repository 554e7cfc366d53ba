package host

import (
	"context"

	"famlink/internal/bridge"
	"famlink/internal/core"
	"famlink/internal/engine"
)

// Screen-time actions
const (
	ActionGrant     = "grant"
	ActionRevoke    = "revoke"
	ActionQuery     = "query"
	ActionSync      = "sync"
	ActionAuthorize = "authorize"
)

// ScreenTimeRequest is the SCREEN_TIME_REQUEST payload. ChildUserID defaults
// to the signed-in child.
type ScreenTimeRequest struct {
	Action            string          `json:"action"`
	ChildUserID       string          `json:"childUserId,omitempty"`
	Minutes           int             `json:"minutes,omitempty"`
	AllowedApps       []string        `json:"allowedApps,omitempty"`
	AllowedCategories []core.Category `json:"allowedCategories,omitempty"`
}

// ScreenTimeResult is the SCREEN_TIME_RESPONSE payload. Enforcement failures
// are reported here rather than as bridge errors.
type ScreenTimeResult struct {
	Action           string              `json:"action"`
	Success          bool                `json:"success"`
	Error            string              `json:"error,omitempty"`
	GrantID          string              `json:"grantId,omitempty"`
	State            core.LifecycleState `json:"state,omitempty"`
	RemainingMinutes int                 `json:"remainingMinutes"`
	Authorized       *bool               `json:"authorized,omitempty"`
	Status           *engine.QueryResult `json:"status,omitempty"`
}

func (h *Host) handleScreenTime(ctx context.Context, msg bridge.Message) (any, error) {
	var req ScreenTimeRequest
	if err := msg.DecodePayload(&req); err != nil {
		return nil, err
	}
	if req.ChildUserID == "" {
		if s, ok := h.auth.Current(); ok && s.IsChild() {
			req.ChildUserID = s.UserID
		}
	}

	logger := h.logger.With("action", req.Action, "child_id", req.ChildUserID)
	needsChild := req.Action != ActionSync && req.Action != ActionAuthorize
	if needsChild && req.ChildUserID == "" {
		return nil, bridge.New(bridge.CodeMalformedMessage, "childUserId is required")
	}

	result := ScreenTimeResult{Action: req.Action}
	switch req.Action {
	case ActionGrant:
		if req.Minutes <= 0 {
			return nil, bridge.New(bridge.CodeMalformedMessage, "minutes must be positive")
		}
		granter := ""
		if s, ok := h.auth.Current(); ok {
			granter = s.UserID
		}
		out, err := h.enforcer.ManualGrant(ctx, engine.ManualGrantRequest{
			ChildUserID:       req.ChildUserID,
			Minutes:           req.Minutes,
			AllowedApps:       req.AllowedApps,
			AllowedCategories: req.AllowedCategories,
			GrantedByUserID:   granter,
		})
		result.fromOutcome(out, err)

	case ActionRevoke:
		out, err := h.enforcer.ManualRevoke(ctx, req.ChildUserID)
		result.fromOutcome(out, err)

	case ActionQuery:
		st, err := h.enforcer.Query(ctx, req.ChildUserID)
		if err != nil {
			result.Error = err.Error()
			break
		}
		result.Success = true
		result.RemainingMinutes = st.RemainingMinutes
		result.GrantID = st.EnforcedGrantID
		result.Authorized = &st.Authorized
		result.Status = &st

	case ActionSync:
		if h.resyncer == nil {
			result.Error = "sync is not available"
			break
		}
		if err := h.resyncer.Resync(ctx); err != nil {
			result.Error = err.Error()
			break
		}
		result.Success = true

	case ActionAuthorize:
		ok := h.enforcer.RequestAuthorization(ctx)
		result.Success = ok
		result.Authorized = &ok
		if !ok {
			result.Error = "screen time authorization was not granted"
		}

	default:
		return nil, bridge.New(bridge.CodeMalformedMessage, "unknown screen time action: "+req.Action)
	}

	if !result.Success {
		logger.Warn("Screen time request failed", "error", result.Error)
	} else {
		logger.Info("Screen time request completed", "grant_id", result.GrantID)
	}
	return result, nil
}

func (r *ScreenTimeResult) fromOutcome(out engine.Outcome, err error) {
	r.GrantID = out.Record.Grant.ID
	r.State = out.Record.State
	r.RemainingMinutes = out.Record.Grant.RemainingMinutes()
	if out.Unauthorized {
		authorized := false
		r.Authorized = &authorized
	}
	if err != nil {
		r.Error = err.Error()
		return
	}
	r.Success = true
}

// ScreenTimeUpdate is pushed to embedded content after enforcement changes
type ScreenTimeUpdate struct {
	ChildUserID      string              `json:"childUserId"`
	GrantID          string              `json:"grantId"`
	State            core.LifecycleState `json:"state"`
	Previous         core.LifecycleState `json:"previous,omitempty"`
	Source           engine.Source       `json:"source"`
	RemainingMinutes int                 `json:"remainingMinutes"`
	ExpiresAt        int64               `json:"expiresAt,omitempty"`
	Error            string              `json:"error,omitempty"`
}

// GrantChanged implements engine.Observer. Updates are only pushed after the
// ready handshake.
func (h *Host) GrantChanged(ctx context.Context, out engine.Outcome) {
	if !out.Changed() || !h.endpoint.IsReady() {
		return
	}
	g := out.Record.Grant
	update := ScreenTimeUpdate{
		ChildUserID:      g.ChildUserID,
		GrantID:          g.ID,
		State:            out.Record.State,
		Previous:         out.Previous,
		Source:           out.Source,
		RemainingMinutes: g.RemainingMinutes(),
	}
	if !g.ExpiresAt.IsZero() {
		update.ExpiresAt = g.ExpiresAt.UnixMilli()
	}
	if out.Err != nil {
		update.Error = out.Err.Error()
	}
	if err := h.endpoint.SendFireAndForget(context.WithoutCancel(ctx), bridge.TypeScreenTimeUpdate, update); err != nil {
		h.logger.Debug("Screen time update not delivered", "grant_id", g.ID, "error", err)
	}
}
