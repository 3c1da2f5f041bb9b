package audit

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Actions recorded in the audit log.
const (
	ActionRuleTriggered  = "rule.triggered"
	ActionProvisionGroup = "provision.group"

	ResourceAutomationRule = "automation_rule"
	ResourceGroup          = "group"
)

// Entry represents an audit log entry.
type Entry struct {
	ID            string
	GroupID       string
	Actor         string
	Action        string
	ResourceType  string
	ResourceID    string
	DeviceID      string
	Metadata      json.RawMessage
	PayloadDigest string
	CreatedAt     time.Time
}

// Logger writes audit entries.
type Logger interface {
	Log(ctx context.Context, entry Entry) error
}

// NewID generates a random audit id.
func NewID() string {
	buf := make([]byte, 16)
	_, _ = rand.Read(buf)
	return "audit-" + hex.EncodeToString(buf)
}

// DigestJSON computes a SHA256 hex digest for metadata payloads.
func DigestJSON(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
