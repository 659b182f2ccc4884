package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type BeeInstance struct {
	ID               string         `json:"id"`
	TemplateID       string         `json:"template_id"`
	OrgID            string         `json:"org_id"`
	ProjectID        string         `json:"project_id,omitempty"`
	Name             string         `json:"name"`
	ContextOverrides map[string]any `json:"context_overrides"`
	IsActive         bool           `json:"is_active"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ActiveBee is an enabled instance joined with its enabled template.
type ActiveBee struct {
	Instance BeeInstance
	Template BeeTemplate
}

const instanceColumns = `id, template_id, org_id, project_id, name, context_overrides, is_active, created_at, updated_at`

func scanInstance(sc scanner) (*BeeInstance, error) {
	i := &BeeInstance{}
	var projectID sql.NullString
	var overrides string
	err := sc.Scan(&i.ID, &i.TemplateID, &i.OrgID, &projectID, &i.Name, &overrides, &i.IsActive, &i.CreatedAt, &i.UpdatedAt)
	if err != nil {
		return nil, err
	}
	i.ProjectID = projectID.String
	if err := json.Unmarshal([]byte(overrides), &i.ContextOverrides); err != nil {
		return nil, fmt.Errorf("decode context_overrides: %w", err)
	}
	return i, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) SaveInstance(i *BeeInstance) error {
	if i.ID == "" {
		i.ID = uuid.New().String()
	}
	if i.ContextOverrides == nil {
		i.ContextOverrides = map[string]any{}
	}
	overrides, err := json.Marshal(i.ContextOverrides)
	if err != nil {
		return fmt.Errorf("encode context_overrides: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO bee_instances (id, template_id, org_id, project_id, name, context_overrides, is_active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			project_id = excluded.project_id,
			name = excluded.name,
			context_overrides = excluded.context_overrides,
			is_active = excluded.is_active,
			updated_at = CURRENT_TIMESTAMP`,
		i.ID, i.TemplateID, i.OrgID, nullString(i.ProjectID), i.Name, string(overrides), boolToInt(i.IsActive))
	if err != nil {
		return fmt.Errorf("save instance: %w", err)
	}
	return nil
}

func (s *Store) GetInstance(id string) (*BeeInstance, error) {
	row := s.db.QueryRow(`SELECT `+instanceColumns+` FROM bee_instances WHERE id = ?`, id)
	i, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get instance: %w", err)
	}
	return i, nil
}

func (s *Store) ListInstances(orgID string) ([]BeeInstance, error) {
	rows, err := s.db.Query(`SELECT `+instanceColumns+` FROM bee_instances WHERE org_id = ? ORDER BY created_at, name`, orgID)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	var instances []BeeInstance
	for rows.Next() {
		i, err := scanInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan instance: %w", err)
		}
		instances = append(instances, *i)
	}
	return instances, rows.Err()
}

func (s *Store) SetInstanceActive(id string, active bool) error {
	res, err := s.db.Exec(`UPDATE bee_instances SET is_active = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(active), id)
	if err != nil {
		return fmt.Errorf("set instance active: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) DeleteInstance(id string) error {
	res, err := s.db.Exec(`DELETE FROM bee_instances WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListActiveBees returns enabled instances of enabled templates for an org.
// Project-scoped instances are only returned for their own project.
func (s *Store) ListActiveBees(orgID, projectID string) ([]ActiveBee, error) {
	rows, err := s.db.Query(`
		SELECT i.id, i.template_id, i.org_id, i.project_id, i.name, i.context_overrides, i.is_active, i.created_at, i.updated_at,
		       t.id, t.org_id, t.name, t.type, t.subtype, t.system_prompt, t.tool_access, t.default_autonomy_tier,
		       t.trigger_conditions, t.handover_targets, t.is_system, t.is_active, t.created_at, t.updated_at
		FROM bee_instances i
		JOIN bee_templates t ON t.id = i.template_id
		WHERE i.org_id = ? AND i.is_active = 1 AND t.is_active = 1
		  AND (i.project_id IS NULL OR i.project_id = ?)
		ORDER BY i.created_at, i.id`, orgID, projectID)
	if err != nil {
		return nil, fmt.Errorf("list active bees: %w", err)
	}
	defer rows.Close()

	var bees []ActiveBee
	for rows.Next() {
		var b ActiveBee
		var projID sql.NullString
		var overrides, toolAccess, triggers, targets string
		err := rows.Scan(&b.Instance.ID, &b.Instance.TemplateID, &b.Instance.OrgID, &projID, &b.Instance.Name,
			&overrides, &b.Instance.IsActive, &b.Instance.CreatedAt, &b.Instance.UpdatedAt,
			&b.Template.ID, &b.Template.OrgID, &b.Template.Name, &b.Template.Type, &b.Template.Subtype,
			&b.Template.SystemPrompt, &toolAccess, &b.Template.DefaultAutonomyTier, &triggers, &targets,
			&b.Template.IsSystem, &b.Template.IsActive, &b.Template.CreatedAt, &b.Template.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan active bee: %w", err)
		}
		b.Instance.ProjectID = projID.String
		_ = json.Unmarshal([]byte(overrides), &b.Instance.ContextOverrides)
		_ = json.Unmarshal([]byte(toolAccess), &b.Template.ToolAccess)
		_ = json.Unmarshal([]byte(triggers), &b.Template.TriggerConditions)
		_ = json.Unmarshal([]byte(targets), &b.Template.HandoverTargets)
		bees = append(bees, b)
	}
	return bees, rows.Err()
}
