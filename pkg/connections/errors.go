// Copyright 2024-2026 Aiku AI

package connections

import "errors"

// Error taxonomy shared by the registry, factory and provisioning callers.
// The provisioning layer maps these onto HTTP status codes (ErrNotFound to
// 404, ErrUnsupported to 400, ErrNotConfigured to 500-config).
var (
	// ErrNotFound is returned when a lookup or removal names a connection
	// the registry does not hold.
	ErrNotFound = errors.New("connection not found")

	// ErrUnsupported is returned when a connection kind does not implement
	// the requested operation.
	ErrUnsupported = errors.New("connection does not support this operation")

	// ErrNotConfigured is returned when constructing a connection whose
	// external service integration is absent from the config. It fails the
	// single construction attempt, never the caller.
	ErrNotConfigured = errors.New("integration is not configured")
)
