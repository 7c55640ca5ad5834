package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Migrate creates the tables required by the store if they do not exist.
// It is safe to run repeatedly.
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id               TEXT PRIMARY KEY,
			history          JSONB NOT NULL DEFAULT '[]'::jsonb,
			transcript_count INTEGER NOT NULL DEFAULT 0,
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS pending_tool_calls (
			session_id           TEXT NOT NULL,
			call_id              TEXT NOT NULL,
			tool_name            TEXT NOT NULL,
			provider_tool_use_id TEXT NOT NULL DEFAULT '',
			emitted_at           TIMESTAMPTZ NOT NULL,
			expires_at           TIMESTAMPTZ,
			PRIMARY KEY (session_id, call_id)
		)`,

		`CREATE INDEX IF NOT EXISTS pending_tool_calls_expires_at_idx
			ON pending_tool_calls (expires_at)
			WHERE expires_at IS NOT NULL`,
	}

	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}
