package devices

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Status is the presence state of a device.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
	StatusError   Status = "error"
)

// ErrDeviceNotFound is returned when a device id is not registered.
var ErrDeviceNotFound = errors.New("devices: device not found")

// ParseStatus maps a device-reported status string to a Status.
func ParseStatus(raw string) (Status, error) {
	switch status := Status(raw); status {
	case StatusOnline, StatusOffline, StatusError:
		return status, nil
	default:
		return "", fmt.Errorf("devices: unknown status %q", raw)
	}
}

// Device is a registered field device. Devices are provisioned out of band and
// never created by ingestion.
type Device struct {
	ID        string
	GroupID   string
	Name      string
	Status    Status
	LastSeen  *time.Time
	CreatedAt time.Time
}

// Validate checks device invariants.
func (d Device) Validate() error {
	if d.ID == "" {
		return errors.New("device: empty id")
	}
	if d.GroupID == "" {
		return errors.New("device: empty group id")
	}
	if _, err := ParseStatus(string(d.Status)); err != nil {
		return err
	}
	return nil
}

// DeviceRepository manages device persistence.
type DeviceRepository interface {
	FindDevice(ctx context.Context, id string) (*Device, error)
	UpdateDevicePresence(ctx context.Context, id string, status Status, seenAt time.Time) error
}
