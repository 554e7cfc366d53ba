package host

import (
	"context"
	"errors"
	"os"
	"runtime"

	"famlink/internal/bridge"
)

var (
	ErrBiometricUnavailable = errors.New("biometric authentication unavailable")
	ErrUnsupported          = errors.New("device capability not supported")
)

// DeviceInfo is the DEVICE_INFO_RESPONSE payload
type DeviceInfo struct {
	Name      string `json:"name"`
	OS        string `json:"os"`
	Arch      string `json:"arch"`
	Platform  string `json:"platform"`
	Version   string `json:"version"`
	Biometric bool   `json:"biometric"`
}

// HapticRequest is the HAPTIC_FEEDBACK payload
type HapticRequest struct {
	Style string `json:"style"`
}

// ShareRequest is the SHARE_REQUEST payload
type ShareRequest struct {
	Title string `json:"title,omitempty"`
	Text  string `json:"text,omitempty"`
	URL   string `json:"url,omitempty"`
}

// BiometricRequest is the BIOMETRIC_AUTH_REQUEST payload
type BiometricRequest struct {
	Reason string `json:"reason"`
}

// Device exposes the host's non-enforcement capabilities
type Device interface {
	Info(ctx context.Context) DeviceInfo
	Haptic(ctx context.Context, req HapticRequest) error
	Share(ctx context.Context, req ShareRequest) (bool, error)
	Authenticate(ctx context.Context, req BiometricRequest) (bool, error)
}

// DesktopDevice stands in for a phone when the host runs on a workstation.
// Haptics are ignored and nothing is ever shared.
type DesktopDevice struct {
	name      string
	biometric bool
}

// NewDesktopDevice creates a DesktopDevice. With biometric set, every
// authentication prompt succeeds.
func NewDesktopDevice(name string, biometric bool) *DesktopDevice {
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		}
	}
	return &DesktopDevice{name: name, biometric: biometric}
}

func (d *DesktopDevice) Info(ctx context.Context) DeviceInfo {
	return DeviceInfo{
		Name:      d.name,
		OS:        runtime.GOOS,
		Arch:      runtime.GOARCH,
		Biometric: d.biometric,
	}
}

func (d *DesktopDevice) Haptic(ctx context.Context, req HapticRequest) error { return nil }

func (d *DesktopDevice) Share(ctx context.Context, req ShareRequest) (bool, error) {
	return false, nil
}

func (d *DesktopDevice) Authenticate(ctx context.Context, req BiometricRequest) (bool, error) {
	if !d.biometric {
		return false, ErrBiometricUnavailable
	}
	return true, nil
}

func (h *Host) handleDeviceInfo(ctx context.Context, msg bridge.Message) (any, error) {
	info := h.device.Info(ctx)
	info.Platform = h.platform
	info.Version = h.version
	return info, nil
}

func (h *Host) handleHaptic(ctx context.Context, msg bridge.Message) (any, error) {
	var req HapticRequest
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&req); err != nil {
			return nil, err
		}
	}
	if err := h.device.Haptic(ctx, req); err != nil {
		return nil, err
	}
	return map[string]bool{"success": true}, nil
}

func (h *Host) handleShare(ctx context.Context, msg bridge.Message) (any, error) {
	var req ShareRequest
	if err := msg.DecodePayload(&req); err != nil {
		return nil, err
	}
	if req.Text == "" && req.URL == "" {
		return nil, bridge.New(bridge.CodeMalformedMessage, "share needs text or url")
	}
	completed, err := h.device.Share(ctx, req)
	if err != nil {
		return nil, err
	}
	h.logger.Info("Share sheet finished", "completed", completed)
	return map[string]bool{"success": completed}, nil
}

// BiometricResult is the BIOMETRIC_AUTH_RESPONSE payload
type BiometricResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

func (h *Host) handleBiometric(ctx context.Context, msg bridge.Message) (any, error) {
	var req BiometricRequest
	if len(msg.Payload) > 0 {
		if err := msg.DecodePayload(&req); err != nil {
			return nil, err
		}
	}
	ok, err := h.device.Authenticate(ctx, req)
	if err != nil {
		return BiometricResult{Error: err.Error()}, nil
	}
	return BiometricResult{Success: ok}, nil
}

var _ Device = (*DesktopDevice)(nil)
