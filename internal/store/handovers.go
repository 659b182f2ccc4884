package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Handover is a directed contract from one bee run to a bee instance later in the plan.
type Handover struct {
	Seq             int64           `json:"seq"`
	ID              string          `json:"id"`
	SwarmSessionID  string          `json:"swarm_session_id"`
	FromBeeRunID    string          `json:"from_bee_run_id"`
	ToBeeInstanceID string          `json:"to_bee_instance_id"`
	ConsumedByRunID string          `json:"consumed_by_run_id,omitempty"`
	Type            string          `json:"type"`
	Summary         string          `json:"summary"`
	Data            json.RawMessage `json:"data,omitempty"`
	Request         string          `json:"request,omitempty"`
	Constraints     []string        `json:"constraints,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	ConsumedAt      *time.Time      `json:"consumed_at,omitempty"`
}

const handoverColumns = `seq, id, swarm_session_id, from_bee_run_id, to_bee_instance_id, consumed_by_run_id,
	type, summary, data, request, constraints, created_at, consumed_at`

func scanHandover(sc scanner) (*Handover, error) {
	h := &Handover{}
	var consumedBy sql.NullString
	var data, constraints string
	err := sc.Scan(&h.Seq, &h.ID, &h.SwarmSessionID, &h.FromBeeRunID, &h.ToBeeInstanceID, &consumedBy,
		&h.Type, &h.Summary, &data, &h.Request, &constraints, &h.CreatedAt, &h.ConsumedAt)
	if err != nil {
		return nil, err
	}
	h.ConsumedByRunID = consumedBy.String
	if data != "null" {
		h.Data = json.RawMessage(data)
	}
	if err := json.Unmarshal([]byte(constraints), &h.Constraints); err != nil {
		return nil, fmt.Errorf("decode constraints: %w", err)
	}
	return h, nil
}

func insertHandover(ctx context.Context, ex execer, h *Handover) error {
	if h.ID == "" {
		h.ID = uuid.New().String()
	}
	if len(h.Data) == 0 {
		h.Data = json.RawMessage("null")
	}
	if h.Constraints == nil {
		h.Constraints = []string{}
	}
	constraints, _ := json.Marshal(h.Constraints)
	res, err := ex.ExecContext(ctx, `
		INSERT INTO handovers (id, swarm_session_id, from_bee_run_id, to_bee_instance_id, type, summary, data, request, constraints)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		h.ID, h.SwarmSessionID, h.FromBeeRunID, h.ToBeeInstanceID, h.Type, h.Summary,
		string(h.Data), h.Request, string(constraints))
	if err != nil {
		return fmt.Errorf("insert handover: %w", err)
	}
	if seq, err := res.LastInsertId(); err == nil {
		h.Seq = seq
	}
	return nil
}

// ConsumeHandovers claims every unconsumed handover addressed to instanceID for
// runID and returns all handovers that run owns, oldest first. Calling it again
// for the same run re-reads the same set; another run never sees them.
func (s *Store) ConsumeHandovers(ctx context.Context, sessionID, instanceID, runID string) ([]Handover, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := liveStatus(ctx, tx, sessionID); err != nil {
		return nil, err
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE handovers SET consumed_by_run_id = ?, consumed_at = CURRENT_TIMESTAMP
		WHERE swarm_session_id = ? AND to_bee_instance_id = ? AND consumed_by_run_id IS NULL`,
		runID, sessionID, instanceID); err != nil {
		return nil, fmt.Errorf("consume handovers: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `SELECT `+handoverColumns+` FROM handovers
		WHERE swarm_session_id = ? AND consumed_by_run_id = ? ORDER BY seq`, sessionID, runID)
	if err != nil {
		return nil, fmt.Errorf("read consumed handovers: %w", err)
	}
	var handovers []Handover
	for rows.Next() {
		h, err := scanHandover(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan handover: %w", err)
		}
		handovers = append(handovers, *h)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return handovers, nil
}

// ListHandovers returns every handover of a session, oldest first.
func (s *Store) ListHandovers(ctx context.Context, sessionID string) ([]Handover, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+handoverColumns+` FROM handovers
		WHERE swarm_session_id = ? ORDER BY seq`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list handovers: %w", err)
	}
	defer rows.Close()

	var handovers []Handover
	for rows.Next() {
		h, err := scanHandover(rows)
		if err != nil {
			return nil, fmt.Errorf("scan handover: %w", err)
		}
		handovers = append(handovers, *h)
	}
	return handovers, rows.Err()
}
