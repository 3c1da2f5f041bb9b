package commands

import (
	"strings"

	automation "farm-telemetry/internal/automation/domain"
)

// Command names understood by the field firmware.
const (
	CommandSetRelay        = "set_relay"
	CommandSetThreshold    = "set_threshold"
	CommandRestart         = "restart"
	CommandUpdateInterval  = "update_interval"
	CommandCalibrateSensor = "calibrate_sensor"
)

// Relay states.
const (
	RelayOn  = "ON"
	RelayOff = "OFF"
)

// Params carries command arguments. Unset fields are omitted on the wire.
type Params struct {
	RelayID  *int     `json:"relay_id,omitempty"`
	State    string   `json:"state,omitempty"`
	Duration *int     `json:"duration,omitempty"`
	Sensor   string   `json:"sensor,omitempty"`
	Min      *float64 `json:"min,omitempty"`
	Max      *float64 `json:"max,omitempty"`
	Value    *float64 `json:"value,omitempty"`
	Interval *int     `json:"interval,omitempty"`
}

// Command is the payload published to a device command topic.
type Command struct {
	Command   string `json:"command"`
	Params    Params `json:"params"`
	RequestID string `json:"request_id"`
}

// CommandTopic returns the topic a device listens on for commands.
func CommandTopic(deviceID string) string {
	return "farm/" + deviceID + "/command"
}

// FromTrigger maps a rule action to a device command. Actions ending in
// "_on" or "_off" switch a relay; firmware command names pass through;
// anything else is sent as-is with the matched sensor attached.
func FromTrigger(trigger automation.TriggerEvent) Command {
	cmd := Command{RequestID: trigger.ID}
	action := strings.ToLower(strings.TrimSpace(trigger.ActionType))
	switch {
	case strings.HasSuffix(action, "_on"):
		cmd.Command = CommandSetRelay
		cmd.Params.State = RelayOn
	case strings.HasSuffix(action, "_off"):
		cmd.Command = CommandSetRelay
		cmd.Params.State = RelayOff
	case isFirmwareCommand(action):
		cmd.Command = action
	default:
		cmd.Command = trigger.ActionType
	}
	if cmd.Command != CommandSetRelay {
		value := trigger.MatchedValue
		cmd.Params.Sensor = trigger.ConditionField
		cmd.Params.Value = &value
	}
	return cmd
}

func isFirmwareCommand(action string) bool {
	switch action {
	case CommandSetRelay, CommandSetThreshold, CommandRestart, CommandUpdateInterval, CommandCalibrateSensor:
		return true
	default:
		return false
	}
}
