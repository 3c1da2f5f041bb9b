package application

import (
	"errors"
	"strings"
)

// Kind classifies why a message was not accepted.
type Kind string

const (
	KindStructural    Kind = "structural"
	KindValidation    Kind = "validation"
	KindUnknownDevice Kind = "unknown_device"
	KindStorage       Kind = "storage"
)

// CodeDeviceNotFound is the error code returned for unregistered devices.
const CodeDeviceNotFound = 1001

// Error is returned by Ingest when a message is rejected or cannot be stored.
type Error struct {
	Kind    Kind
	Message string
	Details []string
	Code    int
	Err     error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("ingestion: ")
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if len(e.Details) > 0 {
		b.WriteString(" (")
		b.WriteString(strings.Join(e.Details, "; "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// Retryable reports whether resending the same message may succeed. Only
// storage failures qualify; a resend after an unacknowledged commit can
// leave duplicate rows.
func (e *Error) Retryable() bool {
	return e != nil && e.Kind == KindStorage
}

// KindOf extracts the error kind, or "" when err is not an ingestion error.
func KindOf(err error) Kind {
	var ingestErr *Error
	if errors.As(err, &ingestErr) {
		return ingestErr.Kind
	}
	return ""
}

// IsStructural reports whether err is a structural rejection.
func IsStructural(err error) bool { return KindOf(err) == KindStructural }

// IsValidation reports whether err is a range validation rejection.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }

// IsUnknownDevice reports whether err rejects an unregistered device.
func IsUnknownDevice(err error) bool { return KindOf(err) == KindUnknownDevice }

// IsStorage reports whether err is a storage failure.
func IsStorage(err error) bool { return KindOf(err) == KindStorage }
