// Package host registers the native-side bridge handlers: screen-time
// requests from the UI, device capabilities, the ready handshake and the
// account session messages.
package host

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"famlink/internal/auth"
	"famlink/internal/bridge"
	"famlink/internal/engine"
)

// Enforcer is the engine facade used for UI-initiated actions
type Enforcer interface {
	ManualGrant(ctx context.Context, req engine.ManualGrantRequest) (engine.Outcome, error)
	ManualRevoke(ctx context.Context, childUserID string) (engine.Outcome, error)
	Query(ctx context.Context, childUserID string) (engine.QueryResult, error)
	RequestAuthorization(ctx context.Context) bool
}

// Resyncer refreshes the running sync session from the authority
type Resyncer interface {
	Resync(ctx context.Context) error
}

// AccountListener is told when the signed-in account changes
type AccountListener interface {
	SetAccount(ctx context.Context, s *auth.Session) error
	ClearAccount(ctx context.Context) error
}

// Deps are the collaborators a Host needs. Resyncer and Accounts are optional.
type Deps struct {
	Endpoint *bridge.Endpoint
	Enforcer Enforcer
	Resyncer Resyncer
	Device   Device
	Auth     *auth.Manager
	Accounts AccountListener
	Platform string
	Version  string
	Logger   *slog.Logger
}

// Host owns the native end of the bridge
type Host struct {
	endpoint *bridge.Endpoint
	enforcer Enforcer
	resyncer Resyncer
	device   Device
	auth     *auth.Manager
	accounts AccountListener
	platform string
	version  string
	logger   *slog.Logger
}

// New creates a Host. Call Register to install its handlers.
func New(d Deps) (*Host, error) {
	if d.Endpoint == nil || d.Enforcer == nil || d.Auth == nil {
		return nil, errors.New("host: endpoint, enforcer and auth manager are required")
	}
	if d.Device == nil {
		d.Device = NewDesktopDevice("", false)
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Host{
		endpoint: d.Endpoint,
		enforcer: d.Enforcer,
		resyncer: d.Resyncer,
		device:   d.Device,
		auth:     d.Auth,
		accounts: d.Accounts,
		platform: d.Platform,
		version:  d.Version,
		logger:   d.Logger.With("component", "host"),
	}, nil
}

// Register installs every handler and the ready hook on the endpoint
func (h *Host) Register() error {
	handlers := map[string]bridge.HandlerFunc{
		bridge.TypeScreenTimeRequest:    h.handleScreenTime,
		bridge.TypeDeviceInfoRequest:    h.handleDeviceInfo,
		bridge.TypeHapticFeedback:       h.handleHaptic,
		bridge.TypeShareRequest:         h.handleShare,
		bridge.TypeBiometricAuthRequest: h.handleBiometric,
		bridge.TypeBridgeReady:          h.handleReady,
		bridge.TypeAuthSessionUpdate:    h.handleSessionUpdate,
		bridge.TypeAuthLogout:           h.handleLogout,
	}
	for typ, fn := range handlers {
		if err := h.endpoint.Handle(typ, fn); err != nil {
			return fmt.Errorf("failed to register %s: %w", typ, err)
		}
	}
	h.endpoint.OnReady(h.pushSession)
	return nil
}

// ReadyInfo is the host's reply to BRIDGE_READY
type ReadyInfo struct {
	Platform string `json:"platform"`
	Version  string `json:"version"`
}

func (h *Host) handleReady(ctx context.Context, msg bridge.Message) (any, error) {
	h.logger.Info("Embedded content announced ready")
	return ReadyInfo{Platform: h.platform, Version: h.version}, nil
}

// pushSession sends the restored session once the handshake completes
func (h *Host) pushSession(ctx context.Context) {
	s, ok := h.auth.Current()
	if !ok {
		return
	}
	if err := h.endpoint.SendFireAndForget(ctx, bridge.TypeAuthSessionUpdate, s); err != nil {
		h.logger.Warn("Failed to push restored session", "error", err)
		return
	}
	h.logger.Info("Pushed restored session", "user_id", s.UserID)
}

func (h *Host) handleSessionUpdate(ctx context.Context, msg bridge.Message) (any, error) {
	var s auth.Session
	if err := msg.DecodePayload(&s); err != nil {
		return nil, err
	}
	if err := s.Validate(); err != nil {
		return nil, bridge.Wrap(bridge.CodeMalformedMessage, "invalid session", err)
	}
	if err := h.auth.Update(&s); err != nil {
		return nil, fmt.Errorf("failed to store session: %w", err)
	}
	if h.accounts != nil {
		if err := h.accounts.SetAccount(ctx, &s); err != nil {
			h.logger.Warn("Account change did not start sync", "user_id", s.UserID, "error", err)
		}
	}
	return map[string]bool{"success": true}, nil
}

func (h *Host) handleLogout(ctx context.Context, msg bridge.Message) (any, error) {
	if err := h.auth.Logout(); err != nil {
		return nil, fmt.Errorf("failed to clear session: %w", err)
	}
	if h.accounts != nil {
		if err := h.accounts.ClearAccount(ctx); err != nil {
			h.logger.Warn("Failed to stop sync on logout", "error", err)
		}
	}
	return map[string]bool{"success": true}, nil
}

var _ engine.Observer = (*Host)(nil)
