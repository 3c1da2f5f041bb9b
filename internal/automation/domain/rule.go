package automation

import (
	"context"
	"errors"
	"time"
)

// Operator is the comparison a rule applies to its monitored field.
type Operator string

const (
	OperatorGreaterThan Operator = ">"
	OperatorLessThan    Operator = "<"
	OperatorEquals      Operator = "="
)

// Valid returns true when operator is supported.
func (o Operator) Valid() bool {
	switch o {
	case OperatorGreaterThan, OperatorLessThan, OperatorEquals:
		return true
	default:
		return false
	}
}

// Matches compares value against threshold. Equality is exact.
func (o Operator) Matches(value, threshold float64) bool {
	switch o {
	case OperatorGreaterThan:
		return value > threshold
	case OperatorLessThan:
		return value < threshold
	case OperatorEquals:
		return value == threshold
	default:
		return false
	}
}

// AutomationRule is a condition-action pair owned by a group. Rules are
// edited by external tooling; the pipeline only reads active ones.
type AutomationRule struct {
	ID                string
	GroupID           string
	Name              string
	IsActive          bool
	ConditionField    string
	ConditionOperator Operator
	ConditionValue    float64
	ActionType        string
	ActionDeviceID    string
	CreatedAt         time.Time
}

// Validate checks rule invariants.
func (r AutomationRule) Validate() error {
	if r.ID == "" {
		return errors.New("automation rule: empty id")
	}
	if r.GroupID == "" {
		return errors.New("automation rule: empty group id")
	}
	if r.Name == "" {
		return errors.New("automation rule: empty name")
	}
	if r.ConditionField == "" {
		return errors.New("automation rule: empty condition field")
	}
	if !r.ConditionOperator.Valid() {
		return errors.New("automation rule: invalid operator")
	}
	if r.ActionType == "" {
		return errors.New("automation rule: empty action type")
	}
	if r.ActionDeviceID == "" {
		return errors.New("automation rule: empty action device id")
	}
	return nil
}

// TriggerEvent is emitted when a rule matches an incoming reading set.
type TriggerEvent struct {
	ID             string    `json:"id"`
	RuleID         string    `json:"rule_id"`
	GroupID        string    `json:"group_id"`
	ConditionField string    `json:"condition_field"`
	MatchedValue   float64   `json:"matched_value"`
	ActionType     string    `json:"action_type"`
	ActionDeviceID string    `json:"action_device_id"`
	TriggeredAt    time.Time `json:"triggered_at"`
}

// RuleRepository reads active rules for a group.
type RuleRepository interface {
	ListActiveRules(ctx context.Context, groupID string) ([]AutomationRule, error)
}
