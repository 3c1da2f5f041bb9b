package audit

import (
	"context"
	"encoding/json"
	"errors"

	"farm-telemetry/internal/auth"
	automation "farm-telemetry/internal/automation/domain"
	"farm-telemetry/internal/eventing"
)

const systemActor = "system"

// TriggerRecorder appends fired automation triggers to the audit log. It
// satisfies the command dispatcher contract so it can sit next to the
// transports in a fan-out.
type TriggerRecorder struct {
	logger Logger
}

// NewTriggerRecorder constructs a recorder.
func NewTriggerRecorder(logger Logger) (*TriggerRecorder, error) {
	if logger == nil {
		return nil, errors.New("audit: nil logger")
	}
	return &TriggerRecorder{logger: logger}, nil
}

// Dispatch records one trigger.
func (t *TriggerRecorder) Dispatch(ctx context.Context, trigger automation.TriggerEvent) error {
	if t == nil || t.logger == nil {
		return errors.New("audit: nil recorder")
	}
	meta, err := json.Marshal(map[string]any{
		"trigger_id":      trigger.ID,
		"condition_field": trigger.ConditionField,
		"matched_value":   trigger.MatchedValue,
		"action_type":     trigger.ActionType,
		"request_id":      eventing.CorrelationIDFromContext(ctx),
	})
	if err != nil {
		return err
	}
	actor := auth.IdentityFrom(ctx).Subject
	if actor == "" {
		actor = systemActor
	}
	return t.logger.Log(ctx, Entry{
		GroupID:      trigger.GroupID,
		Actor:        actor,
		Action:       ActionRuleTriggered,
		ResourceType: ResourceAutomationRule,
		ResourceID:   trigger.RuleID,
		DeviceID:     trigger.ActionDeviceID,
		Metadata:     meta,
		CreatedAt:    trigger.TriggeredAt,
	})
}
