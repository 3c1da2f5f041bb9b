package auth

import "errors"

var (
	ErrUnauthorized = errors.New("auth: unauthorized")
	ErrForbidden    = errors.New("auth: forbidden")
	// ErrGroupMismatch indicates the resource belongs to a different group.
	ErrGroupMismatch = errors.New("auth: group mismatch")
	// ErrNotFound indicates the resource does not exist.
	ErrNotFound = errors.New("auth: resource not found")
)
