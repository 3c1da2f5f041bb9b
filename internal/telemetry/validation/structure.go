package validation

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	telemetry "farm-telemetry/internal/telemetry/domain"
)

//go:embed telemetry_message.schema.json
var messageSchemaDoc []byte

// ErrStructure marks an inbound payload that does not satisfy the message contract.
var ErrStructure = errors.New("validation: malformed telemetry message")

// StructureError lists the individual contract violations.
type StructureError struct {
	Details []string
}

func (e *StructureError) Error() string {
	if len(e.Details) == 0 {
		return ErrStructure.Error()
	}
	return ErrStructure.Error() + ": " + strings.Join(e.Details, "; ")
}

func (e *StructureError) Unwrap() error { return ErrStructure }

var (
	compileOnce    sync.Once
	compiledSchema *jsonschema.Schema
	compileErr     error
)

func messageSchema() (*jsonschema.Schema, error) {
	compileOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(messageSchemaDoc))
		if err != nil {
			compileErr = fmt.Errorf("validation: schema decode: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("telemetry_message.schema.json", doc); err != nil {
			compileErr = fmt.Errorf("validation: schema resource: %w", err)
			return
		}
		compiledSchema, compileErr = c.Compile("telemetry_message.schema.json")
	})
	return compiledSchema, compileErr
}

// DecodeMessage checks raw JSON against the message contract and decodes it.
// It requires device_id, timestamp and a non-empty numeric sensors object.
func DecodeMessage(raw []byte) (telemetry.TelemetryMessage, error) {
	var msg telemetry.TelemetryMessage
	schema, err := messageSchema()
	if err != nil {
		return msg, err
	}

	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return msg, &StructureError{Details: []string{"invalid json"}}
	}
	if err := schema.Validate(instance); err != nil {
		return msg, &StructureError{Details: schemaDetails(err)}
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return msg, &StructureError{Details: []string{err.Error()}}
	}
	return msg, nil
}

// CheckMessage applies the same contract to an already decoded message.
func CheckMessage(msg telemetry.TelemetryMessage) error {
	var missing []string
	if msg.DeviceID == "" {
		missing = append(missing, "device_id")
	}
	if msg.Timestamp <= 0 {
		missing = append(missing, "timestamp")
	}
	if len(msg.Sensors) == 0 {
		missing = append(missing, "sensors")
	}
	if len(missing) > 0 {
		return &StructureError{Details: []string{"missing required fields: " + strings.Join(missing, ", ")}}
	}
	return nil
}

func schemaDetails(err error) []string {
	var details []string
	for _, line := range strings.Split(err.Error(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "jsonschema") {
			continue
		}
		details = append(details, strings.TrimPrefix(line, "- "))
	}
	if len(details) == 0 {
		details = []string{err.Error()}
	}
	return details
}
