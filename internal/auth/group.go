package auth

import (
	"context"
	"errors"

	devices "farm-telemetry/internal/devices/domain"
)

// DeviceFinder loads devices for ownership checks.
type DeviceFinder interface {
	FindDevice(ctx context.Context, id string) (*devices.Device, error)
}

// DeviceGroupChecker verifies the caller's group owns a device.
type DeviceGroupChecker struct {
	devices DeviceFinder
}

// NewDeviceGroupChecker constructs a checker.
func NewDeviceGroupChecker(finder DeviceFinder) *DeviceGroupChecker {
	if finder == nil {
		return nil
	}
	return &DeviceGroupChecker{devices: finder}
}

// EnsureDeviceGroup returns nil when the device belongs to the group in ctx.
// Requests without identity (auth disabled) and admins are not restricted,
// but the device must still exist.
func (c *DeviceGroupChecker) EnsureDeviceGroup(ctx context.Context, deviceID string) error {
	if c == nil || c.devices == nil {
		return nil
	}
	if deviceID == "" {
		return ErrNotFound
	}
	device, err := c.devices.FindDevice(ctx, deviceID)
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			return ErrNotFound
		}
		return err
	}
	if device == nil {
		return ErrNotFound
	}
	scope := IdentityFrom(ctx).ScopeGroup()
	if scope == "" {
		return nil
	}
	if device.GroupID != scope {
		return ErrGroupMismatch
	}
	return nil
}
