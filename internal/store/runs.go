package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Bee run statuses. completed and failed are final.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

type BeeRun struct {
	ID             string     `json:"id"`
	SwarmSessionID string     `json:"swarm_session_id"`
	BeeInstanceID  string     `json:"bee_instance_id"`
	TemplateName   string     `json:"template_name"`
	Phase          int        `json:"phase"`
	Input          string     `json:"input,omitempty"`
	Status         string     `json:"status"`
	Output         string     `json:"output,omitempty"`
	StatusText     string     `json:"status_text,omitempty"`
	TokensUsed     int        `json:"tokens_used,omitempty"`
	DurationMs     int64      `json:"duration_ms,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// Finished reports whether the run reached a final status.
func (r BeeRun) Finished() bool {
	return r.Status == RunCompleted || r.Status == RunFailed
}

const runColumns = `id, swarm_session_id, bee_instance_id, template_name, phase, input, status, output,
	status_text, tokens_used, duration_ms, created_at, started_at, completed_at`

func scanRun(sc scanner) (*BeeRun, error) {
	r := &BeeRun{}
	var input, output, statusText sql.NullString
	var tokens, duration sql.NullInt64
	err := sc.Scan(&r.ID, &r.SwarmSessionID, &r.BeeInstanceID, &r.TemplateName, &r.Phase, &input, &r.Status,
		&output, &statusText, &tokens, &duration, &r.CreatedAt, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.Input = input.String
	r.Output = output.String
	r.StatusText = statusText.String
	r.TokensUsed = int(tokens.Int64)
	r.DurationMs = duration.Int64
	return r, nil
}

// CreatePhaseRuns makes sure one run exists per bee of a phase and returns the
// phase's runs. Runs that a crashed executor left queued or running are reset to
// queued so they execute again; finished runs are returned untouched.
func (s *Store) CreatePhaseRuns(ctx context.Context, sessionID string, phase int, runs []BeeRun) ([]BeeRun, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := liveStatus(ctx, tx, sessionID); err != nil {
		return nil, err
	}

	ids := make([]any, 0, len(runs))
	for _, r := range runs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO bee_runs (id, swarm_session_id, bee_instance_id, template_name, phase, status)
			VALUES (?, ?, ?, ?, ?, 'queued')
			ON CONFLICT(swarm_session_id, bee_instance_id) DO UPDATE SET
				status = 'queued', started_at = NULL
			WHERE bee_runs.status IN ('queued', 'running')`,
			uuid.New().String(), sessionID, r.BeeInstanceID, r.TemplateName, phase); err != nil {
			return nil, fmt.Errorf("create bee run: %w", err)
		}
		ids = append(ids, r.BeeInstanceID)
	}
	if len(ids) == 0 {
		return nil, tx.Commit()
	}

	query := `SELECT ` + runColumns + ` FROM bee_runs WHERE swarm_session_id = ? AND bee_instance_id IN (?`
	for range ids[1:] {
		query += ",?"
	}
	query += ") ORDER BY created_at, id"

	rows, err := tx.QueryContext(ctx, query, append([]any{sessionID}, ids...)...)
	if err != nil {
		return nil, fmt.Errorf("read phase runs: %w", err)
	}
	var out []BeeRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan bee run: %w", err)
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

// MarkRunRunning records the prompt a run was started with.
func (s *Store) MarkRunRunning(ctx context.Context, sessionID, runID, input string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := liveStatus(ctx, tx, sessionID); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE bee_runs SET status = 'running', input = ?, started_at = CURRENT_TIMESTAMP
		WHERE id = ? AND swarm_session_id = ? AND status IN ('queued', 'running')`, input, runID, sessionID)
	if err != nil {
		return fmt.Errorf("mark run running: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("bee run %s: %w", runID, ErrRunFinished)
	}
	return tx.Commit()
}

// RunOutcome is everything a finished bee invocation produced.
type RunOutcome struct {
	SessionID  string
	RunID      string
	Phase      int
	Status     string
	Output     string
	StatusText string
	TokensUsed int
	DurationMs int64
	// Payload of the run's output (or failure) context entry.
	Context   json.RawMessage
	Handovers []Handover
	Signals   []BeeSignal
}

// RecordRunOutcome finalizes a bee run together with its context entry,
// handovers and signals, so readers see all of it or none of it. It reports
// whether the session is paused afterwards. ErrSessionFinished means the session
// was cancelled or completed meanwhile and the outcome was discarded.
func (s *Store) RecordRunOutcome(ctx context.Context, o RunOutcome) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := liveStatus(ctx, tx, o.SessionID); err != nil {
		return false, err
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE bee_runs
		SET status = ?, output = ?, status_text = ?, tokens_used = ?, duration_ms = ?, completed_at = CURRENT_TIMESTAMP
		WHERE id = ? AND swarm_session_id = ? AND status IN ('queued', 'running')`,
		o.Status, nullString(o.Output), nullString(o.StatusText), o.TokensUsed, o.DurationMs, o.RunID, o.SessionID)
	if err != nil {
		return false, fmt.Errorf("update bee run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return false, fmt.Errorf("bee run %s: %w", o.RunID, ErrRunFinished)
	}

	if err := insertContext(ctx, tx, &ContextEntry{
		SwarmSessionID: o.SessionID,
		SourceBeeRunID: o.RunID,
		Phase:          o.Phase,
		Type:           ContextOutput,
		Payload:        o.Context,
	}); err != nil {
		return false, err
	}

	for i := range o.Handovers {
		h := &o.Handovers[i]
		h.SwarmSessionID = o.SessionID
		h.FromBeeRunID = o.RunID
		if err := insertHandover(ctx, tx, h); err != nil {
			return false, err
		}
		payload, _ := json.Marshal(map[string]any{
			"handover_id": h.ID,
			"to":          h.ToBeeInstanceID,
			"type":        h.Type,
			"summary":     h.Summary,
		})
		if err := insertContext(ctx, tx, &ContextEntry{
			SwarmSessionID: o.SessionID,
			SourceBeeRunID: o.RunID,
			Phase:          o.Phase,
			Type:           ContextHandover,
			Payload:        payload,
		}); err != nil {
			return false, err
		}
	}

	for i := range o.Signals {
		sig := &o.Signals[i]
		sig.SwarmSessionID = o.SessionID
		sig.BeeRunID = o.RunID
		if err := insertSignal(ctx, tx, sig, o.Phase); err != nil {
			return false, err
		}
	}

	if _, err := tx.ExecContext(ctx, `UPDATE swarm_sessions SET updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		o.SessionID); err != nil {
		return false, fmt.Errorf("touch session: %w", err)
	}

	var status string
	if err := tx.QueryRowContext(ctx, `SELECT status FROM swarm_sessions WHERE id = ?`, o.SessionID).Scan(&status); err != nil {
		return false, fmt.Errorf("read session status: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	return status == StatusPaused, nil
}

func (s *Store) GetRun(ctx context.Context, id string) (*BeeRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM bee_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bee run: %w", err)
	}
	return r, nil
}

// ListRuns returns a session's runs ordered by phase.
func (s *Store) ListRuns(ctx context.Context, sessionID string) ([]BeeRun, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM bee_runs
		WHERE swarm_session_id = ? ORDER BY phase, created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list bee runs: %w", err)
	}
	defer rows.Close()

	var runs []BeeRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan bee run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}
