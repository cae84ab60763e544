package rollout

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// StateDB is a small SQLite sidecar that indexes rollout files by
// conversation so the CLI can list/resume conversations without scanning
// every JSONL file in the rollouts directory.
type StateDB struct {
	db *sql.DB
}

// OpenStateDB opens (creating if necessary) the sidecar database at
// workspaceRoot/rollouts/state.db.
func OpenStateDB(ctx context.Context, workspaceRoot string) (*StateDB, error) {
	path := filepath.Join(workspaceRoot, "rollouts", "state.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open state db: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite serializes writers; avoid SQLITE_BUSY churn

	const schema = `
CREATE TABLE IF NOT EXISTS conversations (
	conversation_id TEXT PRIMARY KEY,
	rollout_path    TEXT NOT NULL,
	created_at      TEXT NOT NULL,
	updated_at      TEXT NOT NULL,
	last_seq        INTEGER NOT NULL DEFAULT 0,
	title           TEXT NOT NULL DEFAULT ''
);
`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to init state db schema: %w", err)
	}
	return &StateDB{db: db}, nil
}

// Close releases the underlying database handle.
func (s *StateDB) Close() error { return s.db.Close() }

// Touch upserts a conversation row, recording the rollout file path and
// the latest sequence number observed.
func (s *StateDB) Touch(ctx context.Context, conversationID, rolloutPath string, lastSeq int64, title string) error {
	const q = `
INSERT INTO conversations (conversation_id, rollout_path, created_at, updated_at, last_seq, title)
VALUES (?, ?, datetime('now'), datetime('now'), ?, ?)
ON CONFLICT(conversation_id) DO UPDATE SET
	rollout_path = excluded.rollout_path,
	updated_at   = datetime('now'),
	last_seq     = excluded.last_seq,
	title        = CASE WHEN excluded.title != '' THEN excluded.title ELSE conversations.title END;
`
	_, err := s.db.ExecContext(ctx, q, conversationID, rolloutPath, lastSeq, title)
	if err != nil {
		return fmt.Errorf("failed to touch conversation: %w", err)
	}
	return nil
}

// ConversationSummary is a listing row for a prior conversation.
type ConversationSummary struct {
	ConversationID string
	RolloutPath    string
	CreatedAt      string
	UpdatedAt      string
	LastSeq        int64
	Title          string
}

// List returns conversations ordered by most-recently-updated first.
func (s *StateDB) List(ctx context.Context) ([]ConversationSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT conversation_id, rollout_path, created_at, updated_at, last_seq, title
FROM conversations ORDER BY updated_at DESC;`)
	if err != nil {
		return nil, fmt.Errorf("failed to list conversations: %w", err)
	}
	defer rows.Close()

	var out []ConversationSummary
	for rows.Next() {
		var c ConversationSummary
		if err := rows.Scan(&c.ConversationID, &c.RolloutPath, &c.CreatedAt, &c.UpdatedAt, &c.LastSeq, &c.Title); err != nil {
			return nil, fmt.Errorf("failed to scan conversation row: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
