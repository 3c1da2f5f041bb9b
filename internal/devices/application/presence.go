package application

import (
	"context"
	"errors"
	"time"

	devices "farm-telemetry/internal/devices/domain"
)

// PresenceTracker records device liveness after accepted traffic.
type PresenceTracker struct {
	repo devices.DeviceRepository
	now  func() time.Time
}

// PresenceOption configures the tracker.
type PresenceOption func(*PresenceTracker)

// WithClock overrides the time source.
func WithClock(now func() time.Time) PresenceOption {
	return func(t *PresenceTracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewPresenceTracker constructs a tracker.
func NewPresenceTracker(repo devices.DeviceRepository, opts ...PresenceOption) (*PresenceTracker, error) {
	if repo == nil {
		return nil, errors.New("presence: nil repository")
	}
	tracker := &PresenceTracker{repo: repo, now: time.Now}
	for _, opt := range opts {
		opt(tracker)
	}
	return tracker, nil
}

// MarkOnline sets the device online with last_seen at the current time.
func (t *PresenceTracker) MarkOnline(ctx context.Context, deviceID string) error {
	return t.ApplyStatus(ctx, deviceID, devices.StatusOnline)
}

// ApplyStatus records a device-reported status with last_seen at the current time.
func (t *PresenceTracker) ApplyStatus(ctx context.Context, deviceID string, status devices.Status) error {
	if t == nil || t.repo == nil {
		return errors.New("presence: not initialized")
	}
	if deviceID == "" {
		return errors.New("presence: empty device id")
	}
	if _, err := devices.ParseStatus(string(status)); err != nil {
		return err
	}
	return t.repo.UpdateDevicePresence(ctx, deviceID, status, t.now().UTC())
}
