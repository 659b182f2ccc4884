package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TriggerConditions decide when a template's instances are eligible for a request.
type TriggerConditions struct {
	Intents  []string `json:"intents,omitempty" yaml:"intents,omitempty"`
	Keywords []string `json:"keywords,omitempty" yaml:"keywords,omitempty"`
}

type BeeTemplate struct {
	ID                  string            `json:"id"`
	OrgID               string            `json:"org_id"`
	Name                string            `json:"name"`
	Type                string            `json:"type"`
	Subtype             string            `json:"subtype"`
	SystemPrompt        string            `json:"system_prompt"`
	ToolAccess          []string          `json:"tool_access"`
	DefaultAutonomyTier string            `json:"default_autonomy_tier"`
	TriggerConditions   TriggerConditions `json:"trigger_conditions"`
	HandoverTargets     []string          `json:"handover_targets,omitempty"`
	IsSystem            bool              `json:"is_system"`
	IsActive            bool              `json:"is_active"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

const templateColumns = `id, org_id, name, type, subtype, system_prompt, tool_access, default_autonomy_tier,
	trigger_conditions, handover_targets, is_system, is_active, created_at, updated_at`

func scanTemplate(sc scanner) (*BeeTemplate, error) {
	t := &BeeTemplate{}
	var toolAccess, triggers, targets string
	err := sc.Scan(&t.ID, &t.OrgID, &t.Name, &t.Type, &t.Subtype, &t.SystemPrompt, &toolAccess,
		&t.DefaultAutonomyTier, &triggers, &targets, &t.IsSystem, &t.IsActive, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(toolAccess), &t.ToolAccess); err != nil {
		return nil, fmt.Errorf("decode tool_access: %w", err)
	}
	if err := json.Unmarshal([]byte(triggers), &t.TriggerConditions); err != nil {
		return nil, fmt.Errorf("decode trigger_conditions: %w", err)
	}
	if err := json.Unmarshal([]byte(targets), &t.HandoverTargets); err != nil {
		return nil, fmt.Errorf("decode handover_targets: %w", err)
	}
	return t, nil
}

// SaveTemplate inserts or fully replaces a template. A missing ID is generated.
func (s *Store) SaveTemplate(t *BeeTemplate) error {
	if t.ID == "" {
		t.ID = uuid.New().String()
	}
	if t.ToolAccess == nil {
		t.ToolAccess = []string{}
	}
	if t.HandoverTargets == nil {
		t.HandoverTargets = []string{}
	}
	toolAccess, _ := json.Marshal(t.ToolAccess)
	triggers, _ := json.Marshal(t.TriggerConditions)
	targets, _ := json.Marshal(t.HandoverTargets)

	_, err := s.db.Exec(`
		INSERT INTO bee_templates (id, org_id, name, type, subtype, system_prompt, tool_access,
			default_autonomy_tier, trigger_conditions, handover_targets, is_system, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			type = excluded.type,
			subtype = excluded.subtype,
			system_prompt = excluded.system_prompt,
			tool_access = excluded.tool_access,
			default_autonomy_tier = excluded.default_autonomy_tier,
			trigger_conditions = excluded.trigger_conditions,
			handover_targets = excluded.handover_targets,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP`,
		t.ID, t.OrgID, t.Name, t.Type, t.Subtype, t.SystemPrompt, string(toolAccess),
		t.DefaultAutonomyTier, string(triggers), string(targets), boolToInt(t.IsSystem), boolToInt(t.IsActive))
	if err != nil {
		return fmt.Errorf("save template: %w", err)
	}
	return nil
}

func (s *Store) GetTemplate(id string) (*BeeTemplate, error) {
	row := s.db.QueryRow(`SELECT `+templateColumns+` FROM bee_templates WHERE id = ?`, id)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template: %w", err)
	}
	return t, nil
}

func (s *Store) GetTemplateByName(orgID, name string) (*BeeTemplate, error) {
	row := s.db.QueryRow(`SELECT `+templateColumns+` FROM bee_templates WHERE org_id = ? AND name = ?`, orgID, name)
	t, err := scanTemplate(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get template by name: %w", err)
	}
	return t, nil
}

func (s *Store) ListTemplates(orgID string) ([]BeeTemplate, error) {
	rows, err := s.db.Query(`SELECT `+templateColumns+` FROM bee_templates WHERE org_id = ? ORDER BY created_at, name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	var templates []BeeTemplate
	for rows.Next() {
		t, err := scanTemplate(rows)
		if err != nil {
			return nil, fmt.Errorf("scan template: %w", err)
		}
		templates = append(templates, *t)
	}
	return templates, rows.Err()
}

// DeleteTemplate removes a template and, by cascade, its instances.
// Callers enforce the system-template rule.
func (s *Store) DeleteTemplate(id string) error {
	res, err := s.db.Exec(`DELETE FROM bee_templates WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
