// Copyright 2024-2026 Aiku AI

package webhooks

import (
	"encoding/json"
	"errors"
)

// GenericHookEvent covers generic-webhook.event. HookData is the raw inbound
// body; the connection decides how to render it.
type GenericHookEvent struct {
	HookID   string          `json:"hookId"`
	HookData json.RawMessage `json:"hookData"`
}

// Validate checks the routing shape of a generic hook event.
func (e *GenericHookEvent) Validate() error {
	if e.HookID == "" {
		return errors.Join(ErrMalformed, errors.New("missing hookId"))
	}
	return nil
}
