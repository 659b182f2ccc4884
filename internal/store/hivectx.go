package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Hive context entry types.
const (
	ContextOutput   = "output"
	ContextHandover = "handover"
	ContextSignal   = "signal"
	ContextArtifact = "artifact"
)

// ContextEntry is one append-only fact in a session's hive context.
// Seq is the insertion order and the only ordering readers rely on.
type ContextEntry struct {
	Seq            int64           `json:"seq"`
	ID             string          `json:"id"`
	SwarmSessionID string          `json:"swarm_session_id"`
	SourceBeeRunID string          `json:"source_bee_run_id,omitempty"`
	Phase          int             `json:"phase"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	CreatedAt      time.Time       `json:"created_at"`
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertContext(ctx context.Context, ex execer, e *ContextEntry) error {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if len(e.Payload) == 0 {
		e.Payload = json.RawMessage("null")
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO hive_context (id, swarm_session_id, source_bee_run_id, phase, type, payload)
		VALUES (?, ?, ?, ?, ?, ?)`,
		e.ID, e.SwarmSessionID, nullString(e.SourceBeeRunID), e.Phase, e.Type, string(e.Payload))
	if err != nil {
		return fmt.Errorf("append context: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		e.Seq = seq
	}
	return nil
}

// AppendContext records a standalone entry. It fails with ErrSessionFinished
// once the session is terminal.
func (s *Store) AppendContext(ctx context.Context, e *ContextEntry) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := liveStatus(ctx, tx, e.SwarmSessionID); err != nil {
		return err
	}
	if err := insertContext(ctx, tx, e); err != nil {
		return err
	}
	return tx.Commit()
}

// GetContextSnapshot returns every entry of a session in insertion order.
func (s *Store) GetContextSnapshot(ctx context.Context, sessionID string) ([]ContextEntry, error) {
	return s.ContextSince(ctx, sessionID, 0)
}

// ContextSince returns the entries appended after seq, in insertion order.
func (s *Store) ContextSince(ctx context.Context, sessionID string, seq int64) ([]ContextEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, id, swarm_session_id, source_bee_run_id, phase, type, payload, created_at
		FROM hive_context WHERE swarm_session_id = ? AND seq > ? ORDER BY seq`, sessionID, seq)
	if err != nil {
		return nil, fmt.Errorf("read context: %w", err)
	}
	defer rows.Close()

	var entries []ContextEntry
	for rows.Next() {
		var e ContextEntry
		var source sql.NullString
		var payload string
		if err := rows.Scan(&e.Seq, &e.ID, &e.SwarmSessionID, &source, &e.Phase, &e.Type, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan context: %w", err)
		}
		e.SourceBeeRunID = source.String
		e.Payload = json.RawMessage(payload)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
