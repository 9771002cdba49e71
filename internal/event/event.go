// Flux - Event Ingestion, State Projection, and Real-Time Fan-Out
// Copyright 2026 EckmanTech LLC
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/EckmanTechLLC/flux

// Package event defines the immutable event envelope and ingress validation.
//
// An event is an envelope (id, stream, source, timestamp, optional key and
// schema descriptor) around an opaque JSON object payload. Envelopes are
// validated on ingress; payloads are not schema-checked beyond being JSON
// objects. Event ids are UUIDv7, so lexicographic order on ids of the same
// stream approximates time order.
package event

import (
	"fmt"
	"regexp"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// StreamPrefix is the NATS subject prefix under which all events publish.
const StreamPrefix = "flux.events."

// DeletionStream is the stream name used for entity tombstone events.
const DeletionStream = "deletions"

// streamPattern is the dotted-lowercase stream grammar.
var streamPattern = regexp.MustCompile(`^[a-z0-9]+(\.[a-z0-9]+)*$`)

// Event is the immutable envelope plus opaque payload.
type Event struct {
	// EventID is a time-ordered 128-bit identifier (UUIDv7). Generated
	// server-side when the producer omits it; preserved verbatim otherwise.
	EventID string `json:"event_id,omitempty"`

	// Stream classifies the event: dotted lowercase tokens, e.g. "sensors.temp".
	Stream string `json:"stream"`

	// Source is the free-form producer identity. Required.
	Source string `json:"source"`

	// Timestamp is producer wall-clock milliseconds since epoch. Must be > 0.
	Timestamp int64 `json:"timestamp"`

	// Key is an optional ordering key.
	Key string `json:"key,omitempty"`

	// Schema is an optional descriptor string, opaque to Flux.
	Schema string `json:"schema,omitempty"`

	// Payload is an arbitrary JSON object. It may carry "entity_id" and a
	// "properties" object that the projector folds into entity state.
	Payload json.RawMessage `json:"payload"`
}

// ValidationError reports a single envelope violation with a stable reason code.
type ValidationError struct {
	Code    string
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

// Validation reason codes.
const (
	CodeMissingStream    = "missing-stream"
	CodeInvalidStream    = "invalid-stream"
	CodeMissingSource    = "missing-source"
	CodeInvalidTimestamp = "invalid-timestamp"
	CodeInvalidPayload   = "invalid-payload"
)

// Validate checks the envelope and returns the first violation found.
// A nil return means the event is acceptable for append.
func (e *Event) Validate() *ValidationError {
	if e.Stream == "" {
		return &ValidationError{Code: CodeMissingStream, Field: "stream", Message: "required"}
	}
	if !streamPattern.MatchString(e.Stream) {
		return &ValidationError{Code: CodeInvalidStream, Field: "stream", Message: "must match dotted lowercase grammar"}
	}
	if e.Source == "" {
		return &ValidationError{Code: CodeMissingSource, Field: "source", Message: "required"}
	}
	if e.Timestamp <= 0 {
		return &ValidationError{Code: CodeInvalidTimestamp, Field: "timestamp", Message: "must be positive milliseconds since epoch"}
	}
	if !isJSONObject(e.Payload) {
		return &ValidationError{Code: CodeInvalidPayload, Field: "payload", Message: "must be a JSON object"}
	}
	return nil
}

// EnsureID assigns a freshly generated time-ordered id when the producer
// omitted one. Producer-supplied ids are preserved verbatim.
func (e *Event) EnsureID() error {
	if e.EventID != "" {
		return nil
	}
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("generate event id: %w", err)
	}
	e.EventID = id.String()
	return nil
}

// NewID returns a fresh time-ordered event id.
func NewID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate event id: %w", err)
	}
	return id.String(), nil
}

// Subject returns the NATS subject for this event.
// Format: flux.events.<stream>, e.g. flux.events.sensors.temp.
func (e *Event) Subject() string {
	return StreamPrefix + e.Stream
}

// PayloadMap decodes the payload into a map. Returns nil when the payload
// is absent or not an object.
func (e *Event) PayloadMap() map[string]any {
	if !isJSONObject(e.Payload) {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(e.Payload, &m); err != nil {
		return nil
	}
	return m
}

// EntityID extracts payload.entity_id, or "" when absent or not a string.
func (e *Event) EntityID() string {
	m := e.PayloadMap()
	if m == nil {
		return ""
	}
	id, _ := m["entity_id"].(string)
	return id
}

// Properties extracts the payload's "properties" object, or nil when absent.
func (e *Event) Properties() map[string]any {
	m := e.PayloadMap()
	if m == nil {
		return nil
	}
	props, _ := m["properties"].(map[string]any)
	return props
}

// IsTombstone reports whether the payload marks the entity for deletion
// (properties.__deleted__ == true). The projector keys off the payload
// shape, not the stream subject.
func (e *Event) IsTombstone() bool {
	props := e.Properties()
	if props == nil {
		return false
	}
	deleted, _ := props["__deleted__"].(bool)
	return deleted
}

// Tombstone builds a deletion event for the given entity.
func Tombstone(entityID, source string) (Event, error) {
	id, err := NewID()
	if err != nil {
		return Event{}, err
	}

	payload, err := json.Marshal(map[string]any{
		"entity_id":  entityID,
		"properties": map[string]any{"__deleted__": true},
	})
	if err != nil {
		return Event{}, fmt.Errorf("marshal tombstone payload: %w", err)
	}

	return Event{
		EventID:   id,
		Stream:    DeletionStream,
		Source:    source,
		Timestamp: time.Now().UnixMilli(),
		Key:       entityID,
		Payload:   payload,
	}, nil
}

// isJSONObject reports whether raw holds a JSON object (not array, scalar,
// or null). Leading whitespace is tolerated per the JSON grammar.
func isJSONObject(raw json.RawMessage) bool {
	for _, b := range raw {
		switch b {
		case ' ', '\t', '\r', '\n':
			continue
		case '{':
			return json.Valid(raw)
		default:
			return false
		}
	}
	return false
}
