package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	automation "farm-telemetry/internal/automation/domain"
	"farm-telemetry/internal/platform/database"
)

const defaultRulesTable = "automation_rules"

// RuleRepository is a SQL repository for automation rules.
type RuleRepository struct {
	db    *database.DB
	table string
}

// NewRuleRepository constructs a repository.
func NewRuleRepository(db *database.DB) *RuleRepository {
	return &RuleRepository{db: db, table: defaultRulesTable}
}

// Create inserts a rule.
func (r *RuleRepository) Create(ctx context.Context, rule *automation.AutomationRule) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	if rule == nil {
		return errors.New("rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	query := r.db.Rebind(fmt.Sprintf(`
INSERT INTO %s (
	id, group_id, name, is_active, condition_field, condition_operator,
	condition_value, action_type, action_device_id, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10
)`, r.table))
	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.GroupID, rule.Name, rule.IsActive, rule.ConditionField,
		string(rule.ConditionOperator), rule.ConditionValue, rule.ActionType,
		rule.ActionDeviceID, rule.CreatedAt.UTC())
	return err
}

// ListActiveRules returns active rules for a group in creation order.
// Operators are returned as stored; callers decide what to do with unknown ones.
func (r *RuleRepository) ListActiveRules(ctx context.Context, groupID string) ([]automation.AutomationRule, error) {
	if r == nil || r.db == nil {
		return nil, errors.New("rule repo: nil db")
	}
	if groupID == "" {
		return nil, errors.New("rule repo: empty group id")
	}
	query := r.db.Rebind(fmt.Sprintf(`
SELECT id, group_id, name, is_active, condition_field, condition_operator,
	condition_value, action_type, action_device_id, created_at
FROM %s
WHERE group_id = $1 AND is_active = $2
ORDER BY created_at ASC, id ASC`, r.table))

	rows, err := r.db.QueryContext(ctx, query, groupID, true)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []automation.AutomationRule
	for rows.Next() {
		var rule automation.AutomationRule
		var op string
		if err := rows.Scan(
			&rule.ID,
			&rule.GroupID,
			&rule.Name,
			&rule.IsActive,
			&rule.ConditionField,
			&op,
			&rule.ConditionValue,
			&rule.ActionType,
			&rule.ActionDeviceID,
			&rule.CreatedAt,
		); err != nil {
			return nil, err
		}
		rule.ConditionOperator = automation.Operator(op)
		rule.CreatedAt = rule.CreatedAt.UTC()
		result = append(result, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// Save upserts a rule. created_at is kept on conflict so evaluation order is stable.
func (r *RuleRepository) Save(ctx context.Context, rule *automation.AutomationRule) error {
	if r == nil || r.db == nil {
		return errors.New("rule repo: nil db")
	}
	if rule == nil {
		return errors.New("rule repo: nil rule")
	}
	if err := rule.Validate(); err != nil {
		return err
	}
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = time.Now().UTC()
	}
	query := r.db.Rebind(fmt.Sprintf(`
INSERT INTO %s (
	id, group_id, name, is_active, condition_field, condition_operator,
	condition_value, action_type, action_device_id, created_at
) VALUES (
	$1, $2, $3, $4, $5, $6,
	$7, $8, $9, $10
)
ON CONFLICT (id)
DO UPDATE SET
	group_id = EXCLUDED.group_id,
	name = EXCLUDED.name,
	is_active = EXCLUDED.is_active,
	condition_field = EXCLUDED.condition_field,
	condition_operator = EXCLUDED.condition_operator,
	condition_value = EXCLUDED.condition_value,
	action_type = EXCLUDED.action_type,
	action_device_id = EXCLUDED.action_device_id`, r.table))
	_, err := r.db.ExecContext(ctx, query,
		rule.ID, rule.GroupID, rule.Name, rule.IsActive, rule.ConditionField,
		string(rule.ConditionOperator), rule.ConditionValue, rule.ActionType,
		rule.ActionDeviceID, rule.CreatedAt.UTC())
	return err
}
