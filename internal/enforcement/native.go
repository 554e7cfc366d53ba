package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"famlink/internal/core"
)

// nativeBridge holds the call plumbing shared by both platform adapters.
// The adapters differ only in how arguments are shaped for the host OS.
type nativeBridge struct {
	platform Platform
	native   NativeModule
	logger   *slog.Logger
	appsKey  string
	expiry   func(time.Time) any
}

// safeCall invokes a native method, converting panics and transport errors
// into ordinary errors.
func (b *nativeBridge) safeCall(ctx context.Context, method string, args map[string]any) (out map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Native call panicked", "method", method, "panic", r)
			out = nil
			err = fmt.Errorf("%w: %s panicked: %v", ErrNativeFailure, method, r)
		}
	}()

	if b.native == nil {
		return nil, ErrNativeUnavailable
	}
	if !b.native.Supports(method) {
		return nil, fmt.Errorf("%w: %s", ErrMethodUnsupported, method)
	}

	out, err = b.native.Call(ctx, method, args)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNativeFailure, method, err)
	}
	if out == nil {
		out = map[string]any{}
	}
	return out, nil
}

func (b *nativeBridge) grant(ctx context.Context, req GrantRequest) GrantResult {
	args := map[string]any{
		"childUserId":       req.ChildUserID,
		"durationMinutes":   req.Minutes,
		b.appsKey:           appsArg(req.AllowedApps),
		"allowedCategories": categoriesArg(req.AllowedCategories),
	}

	out, err := b.safeCall(ctx, MethodGrant, args)
	if err != nil {
		return GrantResult{Result: Result{Err: err}}
	}
	res := GrantResult{Result: resultFrom(out), RemainingMinutes: intValue(out["remainingMinutes"])}
	return res
}

func (b *nativeBridge) revoke(ctx context.Context, childUserID string) Result {
	out, err := b.safeCall(ctx, MethodRevoke, map[string]any{"childUserId": childUserID})
	if err != nil {
		return Result{Err: err}
	}
	return resultFrom(out)
}

func (b *nativeBridge) query(ctx context.Context, childUserID string) Status {
	out, err := b.safeCall(ctx, MethodStatus, map[string]any{"childUserId": childUserID})
	if err != nil {
		return Status{Err: err}
	}

	status := Status{RemainingMinutes: intValue(out["remainingMinutes"])}
	switch v := out["activeGrants"].(type) {
	case []any:
		status.ActiveGrants = len(v)
	case []map[string]any:
		status.ActiveGrants = len(v)
	default:
		status.ActiveGrants = intValue(v)
	}
	return status
}

func (b *nativeBridge) authorization(ctx context.Context, method string) bool {
	out, err := b.safeCall(ctx, method, nil)
	if err != nil {
		b.logger.Warn("Authorization check failed", "method", method, "error", err)
		return false
	}
	if v, ok := out["authorized"].(bool); ok {
		return v
	}
	v, _ := out["success"].(bool)
	return v
}

func (b *nativeBridge) syncGrant(ctx context.Context, g core.Grant) bool {
	args := map[string]any{
		"grantId":           g.ID,
		"childUserId":       g.ChildUserID,
		"durationMinutes":   g.RemainingMinutes(),
		"expiresAt":         b.expiry(g.ExpiresAt),
		b.appsKey:           appsArg(g.AllowedAppBundleIDs),
		"allowedCategories": categoriesArg(g.AllowedCategories),
		"status":            string(g.Status),
	}

	out, err := b.safeCall(ctx, MethodSyncGrant, args)
	if err != nil {
		if !errors.Is(err, ErrMethodUnsupported) {
			b.logger.Warn("Fast-path sync failed", "grant_id", g.ID, "error", err)
		}
		return false
	}
	return resultFrom(out).Success
}

// AppleBridge drives the iOS Screen Time (FamilyControls) native module
type AppleBridge struct {
	b nativeBridge
}

// NewAppleBridge creates the iOS adapter
func NewAppleBridge(native NativeModule, logger *slog.Logger) *AppleBridge {
	return &AppleBridge{b: nativeBridge{
		platform: PlatformIOS,
		native:   native,
		logger:   logger.With("component", "enforcement-ios"),
		appsKey:  "allowedBundleIds",
		expiry: func(t time.Time) any {
			if t.IsZero() {
				return nil
			}
			return t.UTC().Format(time.RFC3339)
		},
	}}
}

// Platform returns PlatformIOS
func (a *AppleBridge) Platform() Platform { return a.b.platform }

func (a *AppleBridge) Grant(ctx context.Context, req GrantRequest) GrantResult {
	return a.b.grant(ctx, req)
}

func (a *AppleBridge) Revoke(ctx context.Context, childUserID string) Result {
	return a.b.revoke(ctx, childUserID)
}

func (a *AppleBridge) Query(ctx context.Context, childUserID string) Status {
	return a.b.query(ctx, childUserID)
}

func (a *AppleBridge) IsAuthorized(ctx context.Context) bool {
	return a.b.authorization(ctx, MethodIsAuthorized)
}

func (a *AppleBridge) RequestAuthorization(ctx context.Context) bool {
	return a.b.authorization(ctx, MethodRequestAuthorization)
}

func (a *AppleBridge) SyncGrantFromServer(ctx context.Context, g core.Grant) bool {
	return a.b.syncGrant(ctx, g)
}

// AndroidBridge drives the Android usage-control native module.
// Android expects package names and epoch-millisecond expiry.
type AndroidBridge struct {
	b nativeBridge
}

// NewAndroidBridge creates the Android adapter
func NewAndroidBridge(native NativeModule, logger *slog.Logger) *AndroidBridge {
	return &AndroidBridge{b: nativeBridge{
		platform: PlatformAndroid,
		native:   native,
		logger:   logger.With("component", "enforcement-android"),
		appsKey:  "allowedPackages",
		expiry: func(t time.Time) any {
			if t.IsZero() {
				return int64(0)
			}
			return t.UnixMilli()
		},
	}}
}

// Platform returns PlatformAndroid
func (a *AndroidBridge) Platform() Platform { return a.b.platform }

func (a *AndroidBridge) Grant(ctx context.Context, req GrantRequest) GrantResult {
	return a.b.grant(ctx, req)
}

func (a *AndroidBridge) Revoke(ctx context.Context, childUserID string) Result {
	return a.b.revoke(ctx, childUserID)
}

func (a *AndroidBridge) Query(ctx context.Context, childUserID string) Status {
	return a.b.query(ctx, childUserID)
}

func (a *AndroidBridge) IsAuthorized(ctx context.Context) bool {
	return a.b.authorization(ctx, MethodIsAuthorized)
}

func (a *AndroidBridge) RequestAuthorization(ctx context.Context) bool {
	return a.b.authorization(ctx, MethodRequestAuthorization)
}

func (a *AndroidBridge) SyncGrantFromServer(ctx context.Context, g core.Grant) bool {
	return a.b.syncGrant(ctx, g)
}

// resultFrom reads the {success, error, code} shape every native method returns
func resultFrom(out map[string]any) Result {
	success, _ := out["success"].(bool)
	if success {
		return Result{Success: true}
	}

	msg, _ := out["error"].(string)
	code, _ := out["code"].(string)
	switch {
	case code == CodeNotAuthorized:
		if msg == "" {
			return Result{Err: ErrUnauthorized}
		}
		return Result{Err: fmt.Errorf("%w: %s", ErrUnauthorized, msg)}
	case msg != "":
		return Result{Err: fmt.Errorf("%w: %s", ErrNativeFailure, msg)}
	default:
		return Result{Err: ErrNativeFailure}
	}
}

func appsArg(apps []string) any {
	if apps == nil {
		return nil
	}
	return core.NormalizeBundleIDs(apps)
}

func categoriesArg(cats []core.Category) any {
	if cats == nil {
		return nil
	}
	normalized := core.NormalizeCategories(cats)
	out := make([]string, 0, len(normalized))
	for _, c := range normalized {
		out = append(out, string(c))
	}
	return out
}

// intValue accepts the numeric shapes native layers produce (JSON floats,
// Go ints, int64 from Java longs).
func intValue(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	case float32:
		return int(n)
	default:
		return 0
	}
}

// Ensure implementations satisfy the interfaces
var (
	_ Bridge       = (*AppleBridge)(nil)
	_ ServerSyncer = (*AppleBridge)(nil)
	_ Bridge       = (*AndroidBridge)(nil)
	_ ServerSyncer = (*AndroidBridge)(nil)
)
