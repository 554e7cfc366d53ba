package mobile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"

	"famlink/internal/host"
)

// Native methods backing the device capabilities of the web view
const (
	MethodDeviceInfo = "getDeviceInfo"
	MethodHaptic     = "hapticFeedback"
	MethodShare      = "share"
	MethodBiometric  = "authenticateBiometric"
)

// nativeDevice answers device requests through the app's NativeModule
type nativeDevice struct {
	native NativeModule
	logger *slog.Logger
}

func newNativeDevice(native NativeModule, logger *slog.Logger) *nativeDevice {
	return &nativeDevice{native: native, logger: logger.With("component", "device")}
}

func (d *nativeDevice) call(method string, args, result any) error {
	if !d.native.Supports(method) {
		return fmt.Errorf("%w: %s", host.ErrUnsupported, method)
	}
	in, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("failed to encode %s arguments: %w", method, err)
	}
	out, err := d.native.Call(method, string(in))
	if err != nil {
		return err
	}
	if result == nil || out == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(out), result); err != nil {
		return fmt.Errorf("invalid %s result: %w", method, err)
	}
	return nil
}

func (d *nativeDevice) Info(ctx context.Context) host.DeviceInfo {
	var info host.DeviceInfo
	if err := d.call(MethodDeviceInfo, struct{}{}, &info); err != nil {
		d.logger.Warn("Device info unavailable", "error", err)
	}
	if info.OS == "" {
		info.OS = runtime.GOOS
	}
	if info.Arch == "" {
		info.Arch = runtime.GOARCH
	}
	return info
}

func (d *nativeDevice) Haptic(ctx context.Context, req host.HapticRequest) error {
	return d.call(MethodHaptic, req, nil)
}

func (d *nativeDevice) Share(ctx context.Context, req host.ShareRequest) (bool, error) {
	var res struct {
		Completed bool `json:"completed"`
	}
	if err := d.call(MethodShare, req, &res); err != nil {
		return false, err
	}
	return res.Completed, nil
}

func (d *nativeDevice) Authenticate(ctx context.Context, req host.BiometricRequest) (bool, error) {
	var res struct {
		Success bool   `json:"success"`
		Error   string `json:"error"`
	}
	if err := d.call(MethodBiometric, req, &res); err != nil {
		if errors.Is(err, host.ErrUnsupported) {
			return false, host.ErrBiometricUnavailable
		}
		return false, err
	}
	if !res.Success && res.Error != "" {
		return false, errors.New(res.Error)
	}
	return res.Success, nil
}

var _ host.Device = (*nativeDevice)(nil)
