// Package postgres implements store.PersistentStore on PostgreSQL. History
// is kept as a JSONB column; pending tool calls live in their own table with
// an expiry timestamp so a restart can resume a suspended turn.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kapellhq/kapell/pkg/store"
	"github.com/kapellhq/kapell/pkg/types"
)

// Compile-time interface check.
var _ store.PersistentStore = (*Store)(nil)

// Store is the PostgreSQL-backed session store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore establishes a connection pool to the database at dsn and runs
// [Migrate] to ensure the schema exists.
func NewStore(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("postgres store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: ping: %w", err)
	}

	if err := Migrate(ctx, pool); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres store: migrate: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping verifies database connectivity. Used by the readiness checker.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// GetSession implements [store.PersistentStore]. Returns (nil, nil) when the
// session does not exist.
func (s *Store) GetSession(ctx context.Context, id string) (*store.SessionRecord, error) {
	const q = `
		SELECT history, transcript_count, updated_at
		FROM   sessions
		WHERE  id = $1`

	var (
		rawHistory []byte
		rec        = store.SessionRecord{ID: id}
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(&rawHistory, &rec.TranscriptCount, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("postgres store: get session: %w", err)
	}

	if err := json.Unmarshal(rawHistory, &rec.History); err != nil {
		return nil, fmt.Errorf("postgres store: decode history: %w", err)
	}
	return &rec, nil
}

// SaveSession implements [store.PersistentStore].
func (s *Store) SaveSession(ctx context.Context, rec store.SessionRecord) error {
	history := rec.History
	if history == nil {
		history = []types.Turn{}
	}
	rawHistory, err := json.Marshal(history)
	if err != nil {
		return fmt.Errorf("postgres store: encode history: %w", err)
	}

	updatedAt := rec.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}

	const q = `
		INSERT INTO sessions (id, history, transcript_count, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			history          = EXCLUDED.history,
			transcript_count = EXCLUDED.transcript_count,
			updated_at       = EXCLUDED.updated_at`

	if _, err := s.pool.Exec(ctx, q, rec.ID, rawHistory, rec.TranscriptCount, updatedAt); err != nil {
		return fmt.Errorf("postgres store: save session: %w", err)
	}
	return nil
}

// PutPendingToolCall implements [store.PersistentStore].
func (s *Store) PutPendingToolCall(ctx context.Context, rec store.PendingRecord) error {
	const q = `
		INSERT INTO pending_tool_calls
		    (session_id, call_id, tool_name, provider_tool_use_id, emitted_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (session_id, call_id) DO UPDATE SET
			tool_name            = EXCLUDED.tool_name,
			provider_tool_use_id = EXCLUDED.provider_tool_use_id,
			emitted_at           = EXCLUDED.emitted_at,
			expires_at           = EXCLUDED.expires_at`

	var expiresAt any
	if !rec.ExpiresAt.IsZero() {
		expiresAt = rec.ExpiresAt
	}

	_, err := s.pool.Exec(ctx, q,
		rec.SessionID,
		rec.CallID,
		rec.ToolName,
		rec.ProviderToolUseID,
		rec.EmittedAt,
		expiresAt,
	)
	if err != nil {
		return fmt.Errorf("postgres store: put pending tool call: %w", err)
	}
	return nil
}

// GetPendingToolCalls implements [store.PersistentStore]. Expired records
// are filtered out server-side.
func (s *Store) GetPendingToolCalls(ctx context.Context, sessionID string) ([]store.PendingRecord, error) {
	const q = `
		SELECT call_id, tool_name, provider_tool_use_id, emitted_at, expires_at
		FROM   pending_tool_calls
		WHERE  session_id = $1
		  AND  (expires_at IS NULL OR expires_at > now())
		ORDER  BY emitted_at`

	rows, err := s.pool.Query(ctx, q, sessionID)
	if err != nil {
		return nil, fmt.Errorf("postgres store: get pending tool calls: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (store.PendingRecord, error) {
		var (
			rec       = store.PendingRecord{SessionID: sessionID}
			expiresAt *time.Time
		)
		if err := row.Scan(&rec.CallID, &rec.ToolName, &rec.ProviderToolUseID, &rec.EmittedAt, &expiresAt); err != nil {
			return store.PendingRecord{}, err
		}
		if expiresAt != nil {
			rec.ExpiresAt = *expiresAt
		}
		return rec, nil
	})
	if err != nil {
		return nil, fmt.Errorf("postgres store: scan pending tool calls: %w", err)
	}
	if records == nil {
		records = []store.PendingRecord{}
	}
	return records, nil
}

// DeletePendingToolCall implements [store.PersistentStore]. An empty callID
// removes every pending call of the session.
func (s *Store) DeletePendingToolCall(ctx context.Context, sessionID, callID string) error {
	var err error
	if callID == "" {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM pending_tool_calls WHERE session_id = $1`, sessionID)
	} else {
		_, err = s.pool.Exec(ctx,
			`DELETE FROM pending_tool_calls WHERE session_id = $1 AND call_id = $2`, sessionID, callID)
	}
	if err != nil {
		return fmt.Errorf("postgres store: delete pending tool call: %w", err)
	}
	return nil
}

// Close implements [store.PersistentStore].
func (s *Store) Close() {
	s.pool.Close()
}
