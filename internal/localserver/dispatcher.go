package localserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// Handler processes one inbound frame of a registered type and returns the
// response payload (the dispatcher stamps on type/id).
type Handler func(ctx context.Context, reqCtx RequestContext, id string, raw json.RawMessage) (map[string]any, error)

// Dispatcher routes inbound frames to a per-type Handler after validating
// the frame against an optional per-type JSON schema — concretely
// implementing the "tagged variant with a schema validator" shape (spec.md
// §9, §4.8).
type Dispatcher struct {
	handlers map[string]Handler
	schemas  map[string]*gojsonschema.Schema
}

// NewDispatcher returns an empty Dispatcher; call Register for every
// supported message type.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]Handler), schemas: make(map[string]*gojsonschema.Schema)}
}

// Register adds a Handler for msgType. schemaJSON, if non-empty, is
// compiled once and used to validate every inbound frame of this type
// before the Handler runs.
func (d *Dispatcher) Register(msgType, schemaJSON string, h Handler) error {
	if schemaJSON != "" {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schemaJSON))
		if err != nil {
			return fmt.Errorf("localserver: compiling schema for %s: %w", msgType, err)
		}
		d.schemas[msgType] = schema
	}
	d.handlers[msgType] = h
	return nil
}

// Dispatch parses an inbound frame, validates and routes it, and returns
// the response frame to send back. The second return is false only for
// frames that fail to parse as JSON at all — per spec.md §4.8 those are
// silently dropped rather than answered with an error frame.
func (d *Dispatcher) Dispatch(ctx context.Context, reqCtx RequestContext, raw []byte) (map[string]any, bool) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, false
	}

	h, ok := d.handlers[env.Type]
	if !ok {
		return errorFrame(env.ID, fmt.Sprintf("unknown message type %q", env.Type)), true
	}

	if schema, ok := d.schemas[env.Type]; ok {
		result, err := schema.Validate(gojsonschema.NewBytesLoader(raw))
		if err != nil || !result.Valid() {
			return errorFrame(env.ID, fmt.Sprintf("invalid payload for %q", env.Type)), true
		}
	}

	resp, err := h(ctx, reqCtx, env.ID, json.RawMessage(raw))
	if err != nil {
		return errorFrame(env.ID, err.Error()), true
	}
	if resp == nil {
		resp = map[string]any{}
	}
	resp["type"] = responseType(env.Type)
	resp["id"] = env.ID
	return resp, true
}
