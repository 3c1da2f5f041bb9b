package commands

import (
	"errors"
	"strings"
	"time"
)

// Command lifecycle statuses.
const (
	StatusCreated = "created"
	StatusSent    = "sent"
	StatusAcked   = "acked"
	StatusFailed  = "failed"
	StatusTimeout = "timeout"
)

// Statuses a device reports on its response topic.
const (
	ResponseSuccess = "success"
	ResponseError   = "error"
)

// ErrCommandNotFound is returned when a response names an unknown request id.
var ErrCommandNotFound = errors.New("commands: command not found")

// Record tracks one command sent to a device, keyed by its request id.
type Record struct {
	RequestID string
	GroupID   string
	DeviceID  string
	RuleID    string
	Command   string
	Payload   []byte
	Status    string
	CreatedAt time.Time
	SentAt    time.Time
	AckedAt   time.Time
	Error     string
}

// Final reports whether the record can no longer change status.
func (r Record) Final() bool {
	switch r.Status {
	case StatusAcked, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// Response is what firmware publishes on farm/{id}/response after running a command.
type Response struct {
	RequestID string `json:"request_id"`
	Status    string `json:"status"`
	Message   string `json:"message"`
	Timestamp int64  `json:"timestamp"`
}

// Validate checks the fields needed to settle a command.
func (r Response) Validate() error {
	if strings.TrimSpace(r.RequestID) == "" {
		return errors.New("commands: response without request_id")
	}
	switch r.Status {
	case ResponseSuccess, ResponseError:
		return nil
	default:
		return errors.New("commands: unknown response status " + r.Status)
	}
}

// Succeeded reports whether the device ran the command.
func (r Response) Succeeded() bool {
	return r.Status == ResponseSuccess
}

// ResponseTopic returns the topic a device answers commands on.
func ResponseTopic(deviceID string) string {
	return "farm/" + deviceID + "/response"
}
