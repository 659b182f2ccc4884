package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Signal types. A hold pauses the session until resolved.
const (
	SignalInfo     = "info"
	SignalWarning  = "warning"
	SignalHold     = "hold"
	SignalEscalate = "escalate"
)

type BeeSignal struct {
	Seq            int64      `json:"seq"`
	ID             string     `json:"id"`
	SwarmSessionID string     `json:"swarm_session_id"`
	BeeRunID       string     `json:"bee_run_id,omitempty"`
	Type           string     `json:"type"`
	Message        string     `json:"message"`
	Resolved       bool       `json:"resolved"`
	CreatedAt      time.Time  `json:"created_at"`
	ResolvedAt     *time.Time `json:"resolved_at,omitempty"`
}

const signalColumns = `seq, id, swarm_session_id, bee_run_id, type, message, resolved, created_at, resolved_at`

func scanSignal(sc scanner) (*BeeSignal, error) {
	sig := &BeeSignal{}
	var runID sql.NullString
	err := sc.Scan(&sig.Seq, &sig.ID, &sig.SwarmSessionID, &runID, &sig.Type, &sig.Message,
		&sig.Resolved, &sig.CreatedAt, &sig.ResolvedAt)
	if err != nil {
		return nil, err
	}
	sig.BeeRunID = runID.String
	return sig, nil
}

// insertSignal writes the signal and its context entry. A hold flips a running
// session to paused in the same transaction.
func insertSignal(ctx context.Context, ex execer, sig *BeeSignal, phase int) error {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	res, err := ex.ExecContext(ctx, `
		INSERT INTO bee_signals (id, swarm_session_id, bee_run_id, type, message)
		VALUES (?, ?, ?, ?, ?)`,
		sig.ID, sig.SwarmSessionID, nullString(sig.BeeRunID), sig.Type, sig.Message)
	if err != nil {
		return fmt.Errorf("insert signal: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		sig.Seq = seq
	}

	payload, _ := json.Marshal(map[string]string{"signal_id": sig.ID, "type": sig.Type, "message": sig.Message})
	if err := insertContext(ctx, ex, &ContextEntry{
		SwarmSessionID: sig.SwarmSessionID,
		SourceBeeRunID: sig.BeeRunID,
		Phase:          phase,
		Type:           ContextSignal,
		Payload:        payload,
	}); err != nil {
		return err
	}

	if sig.Type == SignalHold {
		if _, err := ex.ExecContext(ctx, `
			UPDATE swarm_sessions SET status = 'paused', updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = 'running'`, sig.SwarmSessionID); err != nil {
			return fmt.Errorf("pause on hold: %w", err)
		}
	}
	return nil
}

// AddSignal records a signal raised outside a bee run outcome.
func (s *Store) AddSignal(ctx context.Context, sig *BeeSignal, phase int) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := liveStatus(ctx, tx, sig.SwarmSessionID); err != nil {
		return err
	}
	if err := insertSignal(ctx, tx, sig, phase); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) GetSignal(ctx context.Context, id string) (*BeeSignal, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM bee_signals WHERE id = ?`, id)
	sig, err := scanSignal(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	return sig, nil
}

// ResolveSignal marks a signal resolved and returns it. A missing signal yields
// (nil, nil). Resolving an already resolved signal returns the stored record
// unchanged. An unresolved signal on a terminal session cannot be resolved.
func (s *Store) ResolveSignal(ctx context.Context, id string) (*BeeSignal, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	sig, err := scanSignal(tx.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM bee_signals WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get signal: %w", err)
	}
	if sig.Resolved {
		return sig, nil
	}
	if _, err := liveStatus(ctx, tx, sig.SwarmSessionID); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE bee_signals SET resolved = 1, resolved_at = CURRENT_TIMESTAMP
		WHERE id = ? AND resolved = 0`, id); err != nil {
		return nil, fmt.Errorf("resolve signal: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE swarm_sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		sig.SwarmSessionID); err != nil {
		return nil, fmt.Errorf("touch session: %w", err)
	}

	sig, err = scanSignal(tx.QueryRowContext(ctx, `SELECT `+signalColumns+` FROM bee_signals WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("reread signal: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return sig, nil
}

// HasHoldSignal reports whether the session still has an unresolved hold.
func (s *Store) HasHoldSignal(ctx context.Context, sessionID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM bee_signals
		WHERE swarm_session_id = ? AND type = 'hold' AND resolved = 0`, sessionID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count holds: %w", err)
	}
	return n > 0, nil
}

func (s *Store) ListUnresolvedHolds(ctx context.Context, sessionID string) ([]BeeSignal, error) {
	return s.listSignals(ctx, `SELECT `+signalColumns+` FROM bee_signals
		WHERE swarm_session_id = ? AND type = 'hold' AND resolved = 0 ORDER BY seq`, sessionID)
}

func (s *Store) ListSignals(ctx context.Context, sessionID string) ([]BeeSignal, error) {
	return s.listSignals(ctx, `SELECT `+signalColumns+` FROM bee_signals
		WHERE swarm_session_id = ? ORDER BY seq`, sessionID)
}

func (s *Store) listSignals(ctx context.Context, query string, args ...any) ([]BeeSignal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list signals: %w", err)
	}
	defer rows.Close()

	var signals []BeeSignal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, fmt.Errorf("scan signal: %w", err)
		}
		signals = append(signals, *sig)
	}
	return signals, rows.Err()
}
