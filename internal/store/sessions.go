package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Session statuses. completed and failed are terminal.
const (
	StatusPlanning  = "planning"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

type SwarmSession struct {
	ID             string          `json:"id"`
	OrgID          string          `json:"org_id"`
	UserID         string          `json:"user_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	TriggerMessage string          `json:"trigger_message"`
	DispatchPlan   json.RawMessage `json:"dispatch_plan"`
	Verbosity      string          `json:"verbosity,omitempty"`
	Formality      string          `json:"formality,omitempty"`
	Status         string          `json:"status"`
	Result         string          `json:"result,omitempty"`
	Error          string          `json:"error,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
}

// IsTerminal reports whether status admits no further mutation.
func IsTerminal(status string) bool {
	return status == StatusCompleted || status == StatusFailed
}

const sessionColumns = `id, org_id, user_id, conversation_id, trigger_message, dispatch_plan, verbosity, formality,
	status, result, error, created_at, updated_at, completed_at`

// unresolvedHold matches sessions that still carry an unresolved hold signal.
const unresolvedHold = `EXISTS (SELECT 1 FROM bee_signals
	WHERE bee_signals.swarm_session_id = swarm_sessions.id AND type = 'hold' AND resolved = 0)`

func scanSession(sc scanner) (*SwarmSession, error) {
	s := &SwarmSession{}
	var conversationID, result, errText sql.NullString
	var plan string
	err := sc.Scan(&s.ID, &s.OrgID, &s.UserID, &conversationID, &s.TriggerMessage, &plan, &s.Verbosity, &s.Formality,
		&s.Status, &result, &errText, &s.CreatedAt, &s.UpdatedAt, &s.CompletedAt)
	if err != nil {
		return nil, err
	}
	s.ConversationID = conversationID.String
	s.Result = result.String
	s.Error = errText.String
	s.DispatchPlan = json.RawMessage(plan)
	return s, nil
}

// CreateSession inserts a new session in planning state.
func (s *Store) CreateSession(ctx context.Context, sess *SwarmSession) error {
	if sess.ID == "" {
		sess.ID = uuid.New().String()
	}
	sess.Status = StatusPlanning
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO swarm_sessions (id, org_id, user_id, conversation_id, trigger_message, dispatch_plan, verbosity, formality, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sess.ID, sess.OrgID, sess.UserID, nullString(sess.ConversationID), sess.TriggerMessage,
		string(sess.DispatchPlan), sess.Verbosity, sess.Formality, sess.Status)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

func (s *Store) GetSession(ctx context.Context, id string) (*SwarmSession, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM swarm_sessions WHERE id = ?`, id)
	sess, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// StartSession moves a session from planning, or from paused when no hold remains,
// into running. It reports whether the transition happened.
func (s *Store) StartSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE swarm_sessions SET status = 'running', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND (status = 'planning' OR (status = 'paused' AND NOT `+unresolvedHold+`))`, id)
	if err != nil {
		return false, fmt.Errorf("start session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// PauseSession moves a running session to paused.
func (s *Store) PauseSession(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE swarm_sessions SET status = 'paused', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running'`, id)
	if err != nil {
		return false, fmt.Errorf("pause session: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// CompleteSession records the final result. It only succeeds from running with no
// unresolved hold; otherwise the current status is re-read to explain why.
func (s *Store) CompleteSession(ctx context.Context, id, result string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE swarm_sessions
		SET status = 'completed', result = ?, updated_at = CURRENT_TIMESTAMP, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'running' AND NOT `+unresolvedHold, result, id)
	if err != nil {
		return fmt.Errorf("complete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	return s.explainRejected(ctx, id, "complete")
}

// FailSession marks a live session failed with a human-readable reason and fails
// any of its queued or running bee runs in the same transaction.
func (s *Store) FailSession(ctx context.Context, id, reason string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := liveStatus(ctx, tx, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE bee_runs SET status = 'failed', status_text = ?, completed_at = CURRENT_TIMESTAMP
		WHERE swarm_session_id = ? AND status IN ('queued', 'running')`, "session failed: "+reason, id); err != nil {
		return fmt.Errorf("fail open runs: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE swarm_sessions
		SET status = 'failed', error = ?, updated_at = CURRENT_TIMESTAMP, completed_at = CURRENT_TIMESTAMP
		WHERE id = ?`, reason, id); err != nil {
		return fmt.Errorf("fail session: %w", err)
	}
	return tx.Commit()
}

// TouchSession bumps updated_at on a live session so the recovery sweep leaves it alone.
func (s *Store) TouchSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE swarm_sessions SET updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status NOT IN ('completed', 'failed')`, id)
	return err
}

// ListStaleSessions returns live sessions in the given statuses untouched since before.
func (s *Store) ListStaleSessions(ctx context.Context, statuses []string, before time.Time) ([]SwarmSession, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	query := `SELECT ` + sessionColumns + ` FROM swarm_sessions WHERE updated_at < ? AND status IN (`
	args := []any{sqlTime(before)}
	for i, st := range statuses {
		if i > 0 {
			query += ","
		}
		query += "?"
		args = append(args, st)
	}
	query += ") ORDER BY updated_at"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SwarmSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *Store) ListSessions(ctx context.Context, orgID string, limit int) ([]SwarmSession, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+sessionColumns+` FROM swarm_sessions
		WHERE org_id = ? ORDER BY created_at DESC LIMIT ?`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []SwarmSession
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session; runs, context, handovers and signals cascade.
func (s *Store) DeleteSession(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM swarm_sessions WHERE id = ?`, id)
	return err
}

func (s *Store) explainRejected(ctx context.Context, id, op string) error {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("%s session %s: %w", op, id, ErrNotFound)
	}
	if IsTerminal(sess.Status) {
		return fmt.Errorf("%s session %s: %w", op, id, ErrSessionFinished)
	}
	return fmt.Errorf("%s session %s: not allowed from status %s", op, id, sess.Status)
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// liveStatus returns the session status, or ErrNotFound / ErrSessionFinished.
func liveStatus(ctx context.Context, q queryer, sessionID string) (string, error) {
	var status string
	err := q.QueryRowContext(ctx, `SELECT status FROM swarm_sessions WHERE id = ?`, sessionID).Scan(&status)
	if err == sql.ErrNoRows {
		return "", fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}
	if err != nil {
		return "", fmt.Errorf("read session status: %w", err)
	}
	if IsTerminal(status) {
		return status, fmt.Errorf("session %s: %w", sessionID, ErrSessionFinished)
	}
	return status, nil
}
