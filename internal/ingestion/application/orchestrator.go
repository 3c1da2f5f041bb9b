package application

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	automation "farm-telemetry/internal/automation/domain"
	devices "farm-telemetry/internal/devices/domain"
	"farm-telemetry/internal/eventing"
	"farm-telemetry/internal/observability/metrics"
	telemetry "farm-telemetry/internal/telemetry/domain"
	"farm-telemetry/internal/telemetry/validation"
)

const defaultStageTimeout = 5 * time.Second

// State is a step of the per-message pipeline.
type State string

const (
	StateReceived        State = "received"
	StateValidated       State = "validated"
	StateDeviceResolved  State = "device_resolved"
	StatePersisted       State = "persisted"
	StatePresenceUpdated State = "presence_updated"
	StateRulesEvaluated  State = "rules_evaluated"
	StateCompleted       State = "completed"
	StateRejected        State = "rejected"
	StateFailed          State = "failed"
)

// DeviceFinder resolves a device from the registry.
type DeviceFinder interface {
	FindDevice(ctx context.Context, id string) (*devices.Device, error)
}

// PresenceUpdater records that a device was just heard from.
type PresenceUpdater interface {
	MarkOnline(ctx context.Context, deviceID string) error
}

// RuleEvaluator returns the triggers a sensor map fires for a group.
type RuleEvaluator interface {
	Evaluate(ctx context.Context, groupID string, sensors telemetry.Sensors) ([]automation.TriggerEvent, error)
}

// Dispatcher receives fired triggers.
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger automation.TriggerEvent) error
}

// Result is the outcome of an accepted message.
type Result struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	RecordsInserted int    `json:"records_inserted"`
	TriggersFired   int    `json:"-"`
	State           State  `json:"-"`
}

// Orchestrator runs one telemetry message through validation, device
// resolution, storage, presence and rule evaluation.
type Orchestrator struct {
	devices      DeviceFinder
	readings     telemetry.ReadingRepository
	presence     PresenceUpdater
	rules        RuleEvaluator
	dispatcher   Dispatcher
	bus          eventing.Bus
	stageTimeout time.Duration
	now          func() time.Time
	logger       zerolog.Logger
}

// Option customizes the orchestrator.
type Option func(*Orchestrator)

// WithStageTimeout bounds every external call of a stage.
func WithStageTimeout(timeout time.Duration) Option {
	return func(o *Orchestrator) {
		if timeout > 0 {
			o.stageTimeout = timeout
		}
	}
}

// WithDispatcher assigns the trigger dispatcher. Without one, triggers are only logged.
func WithDispatcher(dispatcher Dispatcher) Option {
	return func(o *Orchestrator) {
		o.dispatcher = dispatcher
	}
}

// WithEventBus publishes ReadingsInserted after each committed batch.
func WithEventBus(bus eventing.Bus) Option {
	return func(o *Orchestrator) {
		o.bus = bus
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger assigns a logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// NewOrchestrator constructs an orchestrator.
func NewOrchestrator(deviceFinder DeviceFinder, readings telemetry.ReadingRepository, presence PresenceUpdater, rules RuleEvaluator, opts ...Option) (*Orchestrator, error) {
	if deviceFinder == nil {
		return nil, errors.New("ingestion: nil device finder")
	}
	if readings == nil {
		return nil, errors.New("ingestion: nil reading repository")
	}
	if presence == nil {
		return nil, errors.New("ingestion: nil presence updater")
	}
	if rules == nil {
		return nil, errors.New("ingestion: nil rule evaluator")
	}
	o := &Orchestrator{
		devices:      deviceFinder,
		readings:     readings,
		presence:     presence,
		rules:        rules,
		stageTimeout: defaultStageTimeout,
		now:          time.Now,
		logger:       log.Logger,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o, nil
}

// Ingest processes one message. Rejections and storage failures return an
// *Error. Once the batch is stored the message is accepted regardless of
// what happens to presence, rules or dispatch.
func (o *Orchestrator) Ingest(ctx context.Context, msg telemetry.TelemetryMessage) (Result, error) {
	if o == nil {
		return Result{}, errors.New("ingestion: nil orchestrator")
	}
	start := o.now()
	source := SourceFromContext(ctx)
	logger := o.logger.With().
		Str("device_id", msg.DeviceID).
		Str("source", source).
		Logger()
	if corr := eventing.CorrelationIDFromContext(ctx); corr != "" {
		logger = logger.With().Str("correlation_id", corr).Logger()
	}

	// received -> validated
	if err := validation.CheckMessage(msg); err != nil {
		var structErr *validation.StructureError
		details := []string{err.Error()}
		if errors.As(err, &structErr) {
			details = structErr.Details
		}
		return o.reject(logger, source, start, &Error{Kind: KindStructural, Message: "Missing required fields", Details: details, Err: err})
	}
	if result := validation.ValidateSensors(msg.Sensors); !result.Valid {
		return o.reject(logger, source, start, &Error{Kind: KindValidation, Message: "Invalid sensor data", Details: result.Errors})
	}

	// validated -> device_resolved
	device, err := o.findDevice(ctx, msg.DeviceID)
	if err != nil {
		if errors.Is(err, devices.ErrDeviceNotFound) {
			return o.reject(logger, source, start, &Error{Kind: KindUnknownDevice, Message: "Device not found", Code: CodeDeviceNotFound, Err: err})
		}
		return o.fail(logger, source, start, &Error{Kind: KindStorage, Message: "Device lookup failed", Err: err})
	}
	logger = logger.With().Str("group_id", device.GroupID).Logger()

	// device_resolved -> persisted
	readings := msg.Readings()
	if err := o.persist(ctx, readings); err != nil {
		if errors.Is(err, telemetry.ErrPartialWriteHazard) {
			logger.Error().Err(err).Int("readings", len(readings)).Msg("partial write hazard: batch commit outcome unknown")
			return o.fail(logger, source, start, &Error{Kind: KindStorage, Message: "Failed to store data", Details: []string{"partial write hazard"}, Err: err})
		}
		return o.fail(logger, source, start, &Error{Kind: KindStorage, Message: "Failed to store data", Err: err})
	}
	metrics.AddReadingsInserted(len(readings))

	// Stages after persistence must not be interrupted by the caller going away.
	after := context.WithoutCancel(ctx)
	o.publishInserted(after, logger, device, readings)

	// persisted -> presence_updated
	o.updatePresence(after, logger, device.ID)

	// presence_updated -> rules_evaluated -> completed
	fired := o.evaluateAndDispatch(after, logger, device.GroupID, msg.Sensors)

	elapsed := o.now().Sub(start)
	metrics.ObserveIngest(source, metrics.ResultAccepted, elapsed)
	logger.Debug().Int("records", len(readings)).Int("triggers", fired).Dur("elapsed", elapsed).Msg("telemetry accepted")
	return Result{
		Success:         true,
		Message:         "Telemetry data received",
		RecordsInserted: len(readings),
		TriggersFired:   fired,
		State:           StateCompleted,
	}, nil
}

func (o *Orchestrator) findDevice(ctx context.Context, id string) (*devices.Device, error) {
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	started := time.Now()
	device, err := o.devices.FindDevice(stageCtx, id)
	metrics.ObserveStage("device_lookup", time.Since(started))
	if err != nil {
		return nil, err
	}
	if device == nil {
		return nil, devices.ErrDeviceNotFound
	}
	return device, nil
}

func (o *Orchestrator) persist(ctx context.Context, readings []telemetry.SensorReading) error {
	// A started write runs to completion even if the caller cancels.
	stageCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.stageTimeout)
	defer cancel()
	started := time.Now()
	err := o.readings.InsertReadings(stageCtx, readings)
	metrics.ObserveStage("persist", time.Since(started))
	return err
}

func (o *Orchestrator) publishInserted(ctx context.Context, logger zerolog.Logger, device *devices.Device, readings []telemetry.SensorReading) {
	if o.bus == nil {
		return
	}
	event := telemetry.ReadingsInserted{
		EventID:    eventing.NewEventID(),
		DeviceID:   device.ID,
		GroupID:    device.GroupID,
		Readings:   readings,
		OccurredAt: o.now().UTC(),
	}
	if err := o.bus.Publish(ctx, event); err != nil {
		logger.Warn().Err(err).Msg("readings inserted event handler failed")
	}
}

func (o *Orchestrator) updatePresence(ctx context.Context, logger zerolog.Logger, deviceID string) {
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	started := time.Now()
	err := o.presence.MarkOnline(stageCtx, deviceID)
	metrics.ObserveStage("presence", time.Since(started))
	if err != nil {
		metrics.IncPresenceFailure()
		logger.Warn().Err(err).Msg("presence update failed")
	}
}

func (o *Orchestrator) evaluateAndDispatch(ctx context.Context, logger zerolog.Logger, groupID string, sensors telemetry.Sensors) int {
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	started := time.Now()
	triggers, err := o.rules.Evaluate(stageCtx, groupID, sensors)
	cancel()
	metrics.ObserveStage("rules", time.Since(started))
	if err != nil {
		logger.Warn().Err(err).Msg("rule evaluation failed")
		return 0
	}

	for _, trigger := range triggers {
		event := logger.Info().
			Str("rule_id", trigger.RuleID).
			Str("action_type", trigger.ActionType).
			Str("action_device_id", trigger.ActionDeviceID).
			Float64("matched_value", trigger.MatchedValue)
		if o.dispatcher == nil {
			event.Msg("rule triggered")
			continue
		}
		event.Msg("rule triggered, dispatching")
		o.dispatch(ctx, logger, trigger)
	}
	return len(triggers)
}

func (o *Orchestrator) dispatch(ctx context.Context, logger zerolog.Logger, trigger automation.TriggerEvent) {
	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()
	if err := o.dispatcher.Dispatch(stageCtx, trigger); err != nil {
		metrics.IncDispatchResult(metrics.DispatchFailed)
		logger.Warn().Err(err).Str("rule_id", trigger.RuleID).Str("trigger_id", trigger.ID).Msg("trigger dispatch failed")
		return
	}
	metrics.IncDispatchResult(metrics.DispatchSent)
}

func (o *Orchestrator) reject(logger zerolog.Logger, source string, start time.Time, err *Error) (Result, error) {
	metrics.IncIngestError(string(err.Kind))
	metrics.ObserveIngest(source, metrics.ResultRejected, o.now().Sub(start))
	logger.Info().Str("kind", string(err.Kind)).Strs("details", err.Details).Msg("telemetry rejected")
	return Result{Message: err.Message, State: StateRejected}, err
}

func (o *Orchestrator) fail(logger zerolog.Logger, source string, start time.Time, err *Error) (Result, error) {
	metrics.IncIngestError(string(err.Kind))
	metrics.ObserveIngest(source, metrics.ResultFailed, o.now().Sub(start))
	logger.Error().Err(err.Err).Str("kind", string(err.Kind)).Msg("telemetry failed")
	return Result{Message: err.Message, State: StateFailed}, err
}
