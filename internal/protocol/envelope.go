// Package protocol implements the event-framed wire protocol spoken between
// Kapell and its clients.
//
// The sole wire unit is the [Envelope]: a self-describing JSON object with an
// event id, a dotted type tag, an ISO-8601 timestamp, a session id, and a
// free-form payload object. Parsing enforces a byte-size ceiling and the
// presence of every required field; all failures are reported as [*Error]
// values, never as panics or Go errors that would tear down a connection.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event types accepted from clients. Unknown inbound types are acknowledged
// but ignored by the conductor.
const (
	// TypeSessionStart opens (or re-attaches to) a session.
	TypeSessionStart = "session.start"

	// TypeTranscriptPartial is an interim user transcript. It is a pure UI
	// signal and never influences conversation history.
	TypeTranscriptPartial = "user.audio.transcript.partial"

	// TypeTranscriptFinal is an authoritative user transcript and drives a
	// conductor turn.
	TypeTranscriptFinal = "user.audio.transcript.final"

	// TypeToolResult answers a previously emitted tool.call.
	TypeToolResult = "tool.result"

	// TypeAudioInterrupted signals that client-side audio output was cut
	// short. Flows in both directions.
	TypeAudioInterrupted = "audio.output.interrupted"
)

// Event types emitted towards clients.
const (
	// TypeSessionStarted acknowledges session.start.
	TypeSessionStarted = "session.started"

	// TypeSpeechPartial carries the cumulative assistant text so far for the
	// current turn.
	TypeSpeechPartial = "assistant.speech.partial"

	// TypeSpeechFinal carries the complete assistant text for the turn.
	TypeSpeechFinal = "assistant.speech.final"

	// TypeUIPatch carries a UI patch for the client to apply.
	TypeUIPatch = "assistant.ui.patch"

	// TypeToolCall asks the client to run a tool on the conductor's behalf.
	TypeToolCall = "tool.call"

	// TypeError reports a recoverable protocol or conductor failure.
	TypeError = "error"
)

// Error codes carried in error envelopes. See the taxonomy in the server
// documentation; codec errors are produced here, the rest by the conductor
// and connection handler.
const (
	CodeInvalidJSON         = "invalid_json"
	CodeInvalidEvent        = "invalid_event"
	CodeEventTooLarge       = "event_too_large"
	CodeMissingID           = "missing_id"
	CodeMissingType         = "missing_type"
	CodeMissingTimestamp    = "missing_timestamp"
	CodeMissingSessionID    = "missing_session_id"
	CodeMissingPayload      = "missing_payload"
	CodeSessionMismatch     = "session_mismatch"
	CodeRateLimited         = "rate_limited"
	CodeInvalidTranscript   = "invalid_transcript"
	CodeNoPendingToolCall   = "no_pending_tool_call"
	CodeInvalidToolCall     = "invalid_tool_call"
	CodeModelProviderFailed = "model_provider_failed"
	CodeConductorError      = "conductor_error"
)

// Error is a protocol-level failure. It is a value, not an exception: the
// codec and the conductor hand it back to the connection handler, which
// reports it over the same connection as an error envelope.
type Error struct {
	// Code is one of the Code* constants.
	Code string

	// Message is a human-readable explanation safe to send to clients.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an [*Error] with a formatted message.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Envelope is the wire-level message. All fields are required on the wire;
// Payload is a non-array JSON object.
type Envelope struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"sessionId"`
	Payload   map[string]any `json:"payload"`
}

// Option customises an envelope produced by [New].
type Option func(*Envelope)

// WithID overrides the generated event id. Used by tests and by stores that
// replay persisted envelopes.
func WithID(id string) Option {
	return func(e *Envelope) { e.ID = id }
}

// WithTimestamp overrides the generated timestamp.
func WithTimestamp(ts time.Time) Option {
	return func(e *Envelope) { e.Timestamp = ts.UTC().Format(time.RFC3339Nano) }
}

// New builds a well-formed outbound envelope with a fresh random id and the
// current UTC timestamp. A nil payload is replaced with an empty object so
// the wire form always carries a payload field.
func New(eventType, sessionID string, payload map[string]any, opts ...Option) *Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	e := &Envelope{
		ID:        uuid.NewString(),
		Type:      eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		SessionID: sessionID,
		Payload:   payload,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Parse decodes and validates a raw frame. maxBytes is the frame-size
// ceiling; frames longer than that are rejected before any JSON work.
//
// The returned [*Error] is nil exactly when the envelope is well-formed.
func Parse(raw []byte, maxBytes int) (*Envelope, *Error) {
	if maxBytes > 0 && len(raw) > maxBytes {
		return nil, Errorf(CodeEventTooLarge, "frame of %d bytes exceeds limit of %d", len(raw), maxBytes)
	}

	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, Errorf(CodeInvalidJSON, "frame is not valid JSON")
	}
	obj, ok := probe.(map[string]any)
	if !ok {
		return nil, Errorf(CodeInvalidEvent, "envelope must be a JSON object")
	}

	e := &Envelope{}
	if e.ID, ok = nonEmptyString(obj, "id"); !ok {
		return nil, Errorf(CodeMissingID, "envelope is missing a non-empty id")
	}
	if e.Type, ok = nonEmptyString(obj, "type"); !ok {
		return nil, Errorf(CodeMissingType, "envelope is missing a non-empty type")
	}
	if e.Timestamp, ok = nonEmptyString(obj, "timestamp"); !ok {
		return nil, Errorf(CodeMissingTimestamp, "envelope is missing a timestamp")
	}
	if e.SessionID, ok = nonEmptyString(obj, "sessionId"); !ok {
		return nil, Errorf(CodeMissingSessionID, "envelope is missing a non-empty sessionId")
	}

	rawPayload, present := obj["payload"]
	if !present || rawPayload == nil {
		return nil, Errorf(CodeMissingPayload, "envelope is missing a payload")
	}
	payload, ok := rawPayload.(map[string]any)
	if !ok {
		// Arrays and scalars are not acceptable payload shapes.
		return nil, Errorf(CodeInvalidEvent, "payload must be a JSON object")
	}
	e.Payload = payload

	return e, nil
}

// Encode serialises the envelope to its UTF-8 JSON wire form.
func (e *Envelope) Encode() ([]byte, error) {
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("protocol: encode envelope: %w", err)
	}
	return data, nil
}

// String returns the string payload value under key, or "" when the key is
// absent or not a string.
func (e *Envelope) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// NullableString returns the string payload value under key, or nil when the
// key is absent, null, or not a string. Used for the result/error pair of
// tool.result, where null and absent are equivalent.
func (e *Envelope) NullableString(key string) *string {
	v, ok := e.Payload[key]
	if !ok || v == nil {
		return nil
	}
	s, ok := v.(string)
	if !ok {
		return nil
	}
	return &s
}

// nonEmptyString extracts obj[key] as a non-empty string.
func nonEmptyString(obj map[string]any, key string) (string, bool) {
	s, ok := obj[key].(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}
