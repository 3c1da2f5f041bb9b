package sqlstore

import (
	"context"
	"testing"
	"time"

	automation "farm-telemetry/internal/automation/domain"
	"farm-telemetry/internal/platform/database"
)

func openTestRepo(t *testing.T) (*RuleRepository, *database.DB) {
	t.Helper()
	ctx := context.Background()
	db, err := database.Open(ctx, database.DriverSQLite, ":memory:", database.Options{})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := db.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return NewRuleRepository(db), db
}

func newRule(id, group string, active bool, createdAt time.Time) *automation.AutomationRule {
	return &automation.AutomationRule{
		ID:                id,
		GroupID:           group,
		Name:              "rule " + id,
		IsActive:          active,
		ConditionField:    "soil_moisture",
		ConditionOperator: automation.OperatorLessThan,
		ConditionValue:    30,
		ActionType:        "pump_on",
		ActionDeviceID:    "pump-1",
		CreatedAt:         createdAt,
	}
}

func TestListActiveRulesScopesAndOrders(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	rules := []*automation.AutomationRule{
		newRule("rule-b", "farm-1", true, base.Add(2*time.Minute)),
		newRule("rule-a", "farm-1", true, base.Add(time.Minute)),
		newRule("rule-off", "farm-1", false, base),
		newRule("rule-other", "farm-2", true, base),
	}
	for _, rule := range rules {
		if err := repo.Create(ctx, rule); err != nil {
			t.Fatalf("create %s: %v", rule.ID, err)
		}
	}

	active, err := repo.ListActiveRules(ctx, "farm-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 2 {
		t.Fatalf("expected 2 active rules, got %d", len(active))
	}
	if active[0].ID != "rule-a" || active[1].ID != "rule-b" {
		t.Fatalf("unexpected order %s, %s", active[0].ID, active[1].ID)
	}
	if active[0].ConditionOperator != automation.OperatorLessThan || !active[0].IsActive {
		t.Fatalf("unexpected rule %+v", active[0])
	}
}

func TestListActiveRulesReturnsUnknownOperatorAsStored(t *testing.T) {
	repo, db := openTestRepo(t)
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `
INSERT INTO automation_rules (id, group_id, name, is_active, condition_field, condition_operator, condition_value, action_type, action_device_id)
VALUES ('legacy', 'farm-1', 'legacy', 1, 'ph', '>=', 7, 'alert', 'dev-1')`); err != nil {
		t.Fatalf("seed: %v", err)
	}
	active, err := repo.ListActiveRules(ctx, "farm-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(active) != 1 || active[0].ConditionOperator.Valid() {
		t.Fatalf("expected one rule with invalid operator, got %+v", active)
	}
}

func TestSaveUpsertsAndKeepsOrder(t *testing.T) {
	repo, _ := openTestRepo(t)
	ctx := context.Background()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	first := newRule("r-1", "farm-1", true, base)
	second := newRule("r-2", "farm-1", true, base.Add(time.Minute))
	for _, rule := range []*automation.AutomationRule{first, second} {
		if err := repo.Save(ctx, rule); err != nil {
			t.Fatalf("save: %v", err)
		}
	}

	updated := newRule("r-1", "farm-1", true, base.Add(time.Hour))
	updated.ConditionValue = 25
	if err := repo.Save(ctx, updated); err != nil {
		t.Fatalf("resave: %v", err)
	}

	rules, err := repo.ListActiveRules(ctx, "farm-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("expected 2 rules, got %d", len(rules))
	}
	if rules[0].ID != "r-1" || rules[0].ConditionValue != 25 {
		t.Fatalf("expected updated r-1 first, got %+v", rules[0])
	}

	disabled := newRule("r-2", "farm-1", false, base)
	if err := repo.Save(ctx, disabled); err != nil {
		t.Fatalf("disable: %v", err)
	}
	rules, _ = repo.ListActiveRules(ctx, "farm-1")
	if len(rules) != 1 {
		t.Fatalf("expected disabled rule to drop out, got %d", len(rules))
	}
}
