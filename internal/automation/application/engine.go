package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	automation "farm-telemetry/internal/automation/domain"
	"farm-telemetry/internal/eventing"
	"farm-telemetry/internal/observability/metrics"
	telemetry "farm-telemetry/internal/telemetry/domain"
)

// Engine evaluates a group's active rules against one message's sensor map.
type Engine struct {
	rules  automation.RuleRepository
	now    func() time.Time
	newID  func() string
	logger zerolog.Logger
}

// EngineOption customizes the engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used for triggered_at.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithIDGenerator overrides trigger id generation.
func WithIDGenerator(newID func() string) EngineOption {
	return func(e *Engine) {
		if newID != nil {
			e.newID = newID
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// NewEngine constructs a rule engine.
func NewEngine(rules automation.RuleRepository, opts ...EngineOption) (*Engine, error) {
	if rules == nil {
		return nil, errors.New("automation: nil rule repository")
	}
	engine := &Engine{
		rules:  rules,
		now:    time.Now,
		newID:  eventing.NewEventID,
		logger: log.Logger,
	}
	for _, opt := range opts {
		opt(engine)
	}
	return engine, nil
}

// Evaluate returns one TriggerEvent per matching rule, in rule order.
// Rules whose field is absent from sensors are skipped. Matches are not
// deduplicated.
func (e *Engine) Evaluate(ctx context.Context, groupID string, sensors telemetry.Sensors) ([]automation.TriggerEvent, error) {
	if e == nil || e.rules == nil {
		return nil, errors.New("automation: nil engine")
	}
	if groupID == "" {
		return nil, errors.New("automation: empty group id")
	}

	rules, err := e.rules.ListActiveRules(ctx, groupID)
	if err != nil {
		return nil, err
	}
	if len(rules) == 0 {
		return nil, nil
	}

	now := e.now().UTC()
	var triggers []automation.TriggerEvent
	for _, rule := range rules {
		value, ok := sensors.Lookup(rule.ConditionField)
		if !ok {
			continue
		}
		if !rule.ConditionOperator.Valid() {
			e.logger.Warn().
				Str("rule_id", rule.ID).
				Str("operator", string(rule.ConditionOperator)).
				Msg("skipping rule with unsupported operator")
			continue
		}
		if !rule.ConditionOperator.Matches(value, rule.ConditionValue) {
			continue
		}
		triggers = append(triggers, automation.TriggerEvent{
			ID:             e.newID(),
			RuleID:         rule.ID,
			GroupID:        rule.GroupID,
			ConditionField: rule.ConditionField,
			MatchedValue:   value,
			ActionType:     rule.ActionType,
			ActionDeviceID: rule.ActionDeviceID,
			TriggeredAt:    now,
		})
		metrics.IncRuleTriggered(rule.ActionType)
	}
	return triggers, nil
}
