package application

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"

	automation "farm-telemetry/internal/automation/domain"
	devices "farm-telemetry/internal/devices/domain"
)

// ErrInvalidRequest marks requests rejected before anything is written.
var ErrInvalidRequest = errors.New("provisioning: invalid request")

// ProvisionRequest registers the devices and automation rules of one group.
type ProvisionRequest struct {
	GroupID string        `json:"group_id"`
	Devices []DeviceInput `json:"devices"`
	Rules   []RuleInput   `json:"rules"`
}

// DeviceInput describes a device to register.
type DeviceInput struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// RuleInput describes an automation rule to store. IsActive defaults to true.
type RuleInput struct {
	ID                string  `json:"id"`
	Name              string  `json:"name"`
	IsActive          *bool   `json:"is_active,omitempty"`
	ConditionField    string  `json:"condition_field"`
	ConditionOperator string  `json:"condition_operator"`
	ConditionValue    float64 `json:"condition_value"`
	ActionType        string  `json:"action_type"`
	ActionDeviceID    string  `json:"action_device_id"`
}

// ProvisionResponse lists the ids written.
type ProvisionResponse struct {
	GroupID   string   `json:"group_id"`
	DeviceIDs []string `json:"device_ids"`
	RuleIDs   []string `json:"rule_ids"`
}

// DeviceStore upserts device registrations.
type DeviceStore interface {
	Save(ctx context.Context, device *devices.Device) error
}

// RuleStore upserts automation rules.
type RuleStore interface {
	Save(ctx context.Context, rule *automation.AutomationRule) error
}

// Service provisions devices and rules.
type Service struct {
	devices DeviceStore
	rules   RuleStore
}

// NewService constructs a provisioning service.
func NewService(deviceStore DeviceStore, ruleStore RuleStore) (*Service, error) {
	if deviceStore == nil {
		return nil, errors.New("provisioning: nil device store")
	}
	if ruleStore == nil {
		return nil, errors.New("provisioning: nil rule store")
	}
	return &Service{devices: deviceStore, rules: ruleStore}, nil
}

// Provision validates the whole request before writing anything. Missing ids
// are derived from the group and name, so replaying a request is idempotent.
func (s *Service) Provision(ctx context.Context, req ProvisionRequest) (*ProvisionResponse, error) {
	if req.GroupID == "" {
		return nil, fmt.Errorf("%w: missing group_id", ErrInvalidRequest)
	}
	if len(req.Devices) == 0 && len(req.Rules) == 0 {
		return nil, fmt.Errorf("%w: devices or rules required", ErrInvalidRequest)
	}

	deviceList := make([]*devices.Device, 0, len(req.Devices))
	for i, input := range req.Devices {
		id := input.ID
		if id == "" {
			if input.Name == "" {
				return nil, fmt.Errorf("%w: device %d needs id or name", ErrInvalidRequest, i)
			}
			id = stableID("device", req.GroupID+"|"+input.Name)
		}
		device := &devices.Device{ID: id, GroupID: req.GroupID, Name: input.Name, Status: devices.StatusOffline}
		if err := device.Validate(); err != nil {
			return nil, fmt.Errorf("%w: device %d: %v", ErrInvalidRequest, i, err)
		}
		deviceList = append(deviceList, device)
	}

	ruleList := make([]*automation.AutomationRule, 0, len(req.Rules))
	for i, input := range req.Rules {
		id := input.ID
		if id == "" {
			id = stableID("rule", req.GroupID+"|"+input.Name)
		}
		active := true
		if input.IsActive != nil {
			active = *input.IsActive
		}
		rule := &automation.AutomationRule{
			ID:                id,
			GroupID:           req.GroupID,
			Name:              input.Name,
			IsActive:          active,
			ConditionField:    input.ConditionField,
			ConditionOperator: automation.Operator(input.ConditionOperator),
			ConditionValue:    input.ConditionValue,
			ActionType:        input.ActionType,
			ActionDeviceID:    input.ActionDeviceID,
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("%w: rule %d: %v", ErrInvalidRequest, i, err)
		}
		ruleList = append(ruleList, rule)
	}

	resp := &ProvisionResponse{GroupID: req.GroupID, DeviceIDs: []string{}, RuleIDs: []string{}}
	for _, device := range deviceList {
		if err := s.devices.Save(ctx, device); err != nil {
			return nil, fmt.Errorf("provisioning: save device %s: %w", device.ID, err)
		}
		resp.DeviceIDs = append(resp.DeviceIDs, device.ID)
	}
	for _, rule := range ruleList {
		if err := s.rules.Save(ctx, rule); err != nil {
			return nil, fmt.Errorf("provisioning: save rule %s: %w", rule.ID, err)
		}
		resp.RuleIDs = append(resp.RuleIDs, rule.ID)
	}
	return resp, nil
}

func stableID(prefix, key string) string {
	sum := sha1.Sum([]byte(key))
	return prefix + "-" + hex.EncodeToString(sum[:8])
}
