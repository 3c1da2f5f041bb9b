package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	automation "farm-telemetry/internal/automation/domain"
	commands "farm-telemetry/internal/commands/domain"
)

// Dispatcher hands a trigger to whatever executes it. Delivery is not
// guaranteed beyond the returned error.
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger automation.TriggerEvent) error
}

// Publisher sends a payload to a pub/sub topic.
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// CommandStore persists the lifecycle of dispatched commands.
type CommandStore interface {
	Create(ctx context.Context, rec *commands.Record) error
	MarkSent(ctx context.Context, requestID string, sentAt time.Time) error
	MarkFailed(ctx context.Context, requestID, errMsg string) error
}

// MQTTDispatcher publishes device commands to farm/{device}/command.
type MQTTDispatcher struct {
	publisher Publisher
	store     CommandStore
	now       func() time.Time
}

// MQTTOption configures the MQTT dispatcher.
type MQTTOption func(*MQTTDispatcher)

// WithCommandStore records every published command so device responses can
// settle it.
func WithCommandStore(store CommandStore) MQTTOption {
	return func(d *MQTTDispatcher) {
		d.store = store
	}
}

// WithDispatchClock overrides the time source.
func WithDispatchClock(now func() time.Time) MQTTOption {
	return func(d *MQTTDispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

// NewMQTTDispatcher constructs a dispatcher.
func NewMQTTDispatcher(publisher Publisher, opts ...MQTTOption) (*MQTTDispatcher, error) {
	if publisher == nil {
		return nil, errors.New("commands: nil publisher")
	}
	d := &MQTTDispatcher{publisher: publisher, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Dispatch implements Dispatcher. A store failure never stops the publish;
// it is reported alongside the publish outcome.
func (d *MQTTDispatcher) Dispatch(ctx context.Context, trigger automation.TriggerEvent) error {
	if d == nil || d.publisher == nil {
		return errors.New("commands: nil dispatcher")
	}
	if trigger.ActionDeviceID == "" {
		return errors.New("commands: trigger without action device")
	}
	cmd := commands.FromTrigger(trigger)
	payload, err := json.Marshal(cmd)
	if err != nil {
		return err
	}

	var storeErr error
	tracked := false
	if d.store != nil && cmd.RequestID != "" {
		rec := &commands.Record{
			RequestID: cmd.RequestID,
			GroupID:   trigger.GroupID,
			DeviceID:  trigger.ActionDeviceID,
			RuleID:    trigger.RuleID,
			Command:   cmd.Command,
			Payload:   payload,
			Status:    commands.StatusCreated,
			CreatedAt: d.now().UTC(),
		}
		if storeErr = d.store.Create(ctx, rec); storeErr != nil {
			storeErr = fmt.Errorf("commands: record %s: %w", cmd.RequestID, storeErr)
		} else {
			tracked = true
		}
	}

	if err := d.publisher.Publish(ctx, commands.CommandTopic(trigger.ActionDeviceID), payload); err != nil {
		pubErr := fmt.Errorf("commands: publish to %s: %w", trigger.ActionDeviceID, err)
		if tracked {
			if markErr := d.store.MarkFailed(ctx, cmd.RequestID, pubErr.Error()); markErr != nil {
				storeErr = fmt.Errorf("commands: mark failed %s: %w", cmd.RequestID, markErr)
			}
		}
		return errors.Join(pubErr, storeErr)
	}
	if tracked {
		if err := d.store.MarkSent(ctx, cmd.RequestID, d.now().UTC()); err != nil {
			storeErr = fmt.Errorf("commands: mark sent %s: %w", cmd.RequestID, err)
		}
	}
	return storeErr
}

// MultiDispatcher fans a trigger out to every dispatcher. All dispatchers run
// even when one fails; failures are joined.
type MultiDispatcher struct {
	dispatchers []Dispatcher
}

// NewMultiDispatcher constructs a MultiDispatcher. Nil entries are dropped.
func NewMultiDispatcher(dispatchers ...Dispatcher) *MultiDispatcher {
	m := &MultiDispatcher{}
	for _, dispatcher := range dispatchers {
		if dispatcher != nil {
			m.dispatchers = append(m.dispatchers, dispatcher)
		}
	}
	return m
}

// Len reports how many dispatchers are configured.
func (m *MultiDispatcher) Len() int {
	if m == nil {
		return 0
	}
	return len(m.dispatchers)
}

// Dispatch implements Dispatcher.
func (m *MultiDispatcher) Dispatch(ctx context.Context, trigger automation.TriggerEvent) error {
	if m == nil {
		return nil
	}
	var errs []error
	for _, dispatcher := range m.dispatchers {
		if err := dispatcher.Dispatch(ctx, trigger); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
