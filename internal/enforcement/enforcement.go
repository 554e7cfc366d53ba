// Package enforcement is the only place that talks to OS-level screen-time
// enforcement. Callers see one Bridge contract; the concrete adapter for the
// host platform is picked once by New.
package enforcement

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"famlink/internal/core"
)

var (
	ErrUnauthorized      = errors.New("screen-time enforcement not authorized on this device")
	ErrNativeUnavailable = errors.New("native enforcement module unavailable")
	ErrMethodUnsupported = errors.New("native method not supported")
	ErrNativeFailure     = errors.New("native enforcement call failed")
	ErrUnknownPlatform   = errors.New("unknown enforcement platform")
)

// Platform identifies the host OS family
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

// ParsePlatform converts a configuration string to a Platform.
// An empty string selects the build's default platform.
func ParsePlatform(s string) (Platform, error) {
	switch Platform(s) {
	case "":
		return DefaultPlatform(), nil
	case PlatformIOS, PlatformAndroid:
		return Platform(s), nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
	}
}

// GrantRequest asks the OS to allow usage for a child
type GrantRequest struct {
	ChildUserID       string
	Minutes           int
	AllowedApps       []string        // nil means no app-level restriction
	AllowedCategories []core.Category // nil means no category restriction
}

// Result is the outcome of an enforcement call. Expected failures
// (unauthorized, OS API missing) are reported here, never as panics.
type Result struct {
	Success bool
	Err     error
}

// GrantResult extends Result with the minutes the OS now reports
type GrantResult struct {
	Result
	RemainingMinutes int
}

// Status is the enforcement state the OS reports for a child
type Status struct {
	RemainingMinutes int
	ActiveGrants     int
	Err              error
}

// Bridge is the platform-independent enforcement contract
type Bridge interface {
	Grant(ctx context.Context, req GrantRequest) GrantResult
	Revoke(ctx context.Context, childUserID string) Result
	Query(ctx context.Context, childUserID string) Status
	IsAuthorized(ctx context.Context) bool
	RequestAuthorization(ctx context.Context) bool
}

// ServerSyncer is implemented by bridges that can set enforcement to exactly
// match a server grant in one idempotent call. A false return means the fast
// path is unavailable or failed and the caller must fall back to Grant/Revoke.
type ServerSyncer interface {
	SyncGrantFromServer(ctx context.Context, grant core.Grant) bool
}

// NativeModule is the host-provided entry point into OS enforcement.
// Arguments and results use the native method names and keys.
type NativeModule interface {
	Call(ctx context.Context, method string, args map[string]any) (map[string]any, error)
	Supports(method string) bool
}

// Native method names
const (
	MethodGrant                = "grantScreenTime"
	MethodRevoke               = "revokeScreenTime"
	MethodStatus               = "getScreenTimeStatus"
	MethodSyncGrant            = "syncGrantFromServer"
	MethodIsAuthorized         = "isAuthorized"
	MethodRequestAuthorization = "requestAuthorization"
)

// CodeNotAuthorized is the error code native modules return when the
// device-level screen-time permission is missing.
const CodeNotAuthorized = "NOT_AUTHORIZED"

// New returns the adapter for platform over the given native module
func New(platform Platform, native NativeModule, logger *slog.Logger) (Bridge, error) {
	switch platform {
	case PlatformIOS:
		return NewAppleBridge(native, logger), nil
	case PlatformAndroid:
		return NewAndroidBridge(native, logger), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownPlatform, platform)
	}
}
