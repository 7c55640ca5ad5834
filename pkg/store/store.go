// Package store defines the pluggable persistence contract for session
// state. The conductor runs fully in-process; a durable store lets pending
// tool-call correlations and conversation history survive a restart, so a
// suspended provider turn can resume on the other side.
//
// Implementations must be safe for concurrent use.
package store

import (
	"context"
	"time"

	"github.com/kapellhq/kapell/pkg/types"
)

// SessionRecord is the durable projection of one session.
type SessionRecord struct {
	// ID is the session identifier.
	ID string

	// History is the ordered conversation, already bounded by the caller.
	History []types.Turn

	// TranscriptCount is the number of final transcripts processed.
	TranscriptCount int

	// UpdatedAt is when this record was last written.
	UpdatedAt time.Time
}

// PendingRecord is the durable form of an unanswered tool call.
type PendingRecord struct {
	// SessionID scopes the call to its session.
	SessionID string

	// CallID is the client-facing correlation id.
	CallID string

	// ToolName is the original dotted tool name.
	ToolName string

	// ProviderToolUseID is the LLM-side block id the result answers.
	ProviderToolUseID string

	// EmittedAt is when the tool.call was sent.
	EmittedAt time.Time

	// ExpiresAt is when the record stops being honoured. Zero disables
	// expiry.
	ExpiresAt time.Time
}

// PersistentStore is the persistence contract. Lookups for absent records
// return (nil, nil) rather than an error; deletes of absent records are not
// errors.
type PersistentStore interface {
	// GetSession retrieves a session record by id.
	GetSession(ctx context.Context, id string) (*SessionRecord, error)

	// SaveSession upserts a session record.
	SaveSession(ctx context.Context, rec SessionRecord) error

	// PutPendingToolCall upserts a pending tool call keyed by
	// (SessionID, CallID).
	PutPendingToolCall(ctx context.Context, rec PendingRecord) error

	// GetPendingToolCalls returns all unexpired pending calls for a
	// session. Returns an empty (non-nil) slice when none exist.
	GetPendingToolCalls(ctx context.Context, sessionID string) ([]PendingRecord, error)

	// DeletePendingToolCall removes one pending call. An empty callID
	// removes every pending call of the session.
	DeletePendingToolCall(ctx context.Context, sessionID, callID string) error

	// Close releases the store's resources.
	Close()
}
