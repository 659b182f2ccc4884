package bee

import (
	"errors"
	"fmt"
	"strings"

	"github.com/soomehta/hive/internal/config"
	"github.com/soomehta/hive/internal/store"
)

var (
	// ErrSystemTemplate is returned when deleting a template seeded by the system.
	ErrSystemTemplate = errors.New("system templates cannot be deleted")
	// ErrInvalid wraps every validation failure of a template or instance.
	ErrInvalid = errors.New("invalid bee definition")
)

// TemplateSpec is the user-supplied shape of a new template. It is also the
// seed file format.
type TemplateSpec struct {
	Name                string                  `json:"name" yaml:"name"`
	Type                Type                    `json:"type" yaml:"type"`
	Subtype             Subtype                 `json:"subtype" yaml:"subtype"`
	SystemPrompt        string                  `json:"system_prompt" yaml:"system_prompt"`
	ToolAccess          []string                `json:"tool_access" yaml:"tool_access"`
	DefaultAutonomyTier AutonomyTier            `json:"default_autonomy_tier" yaml:"default_autonomy_tier"`
	TriggerConditions   store.TriggerConditions `json:"trigger_conditions" yaml:"trigger_conditions"`
	HandoverTargets     []string                `json:"handover_targets" yaml:"handover_targets"`
}

// TemplatePatch is a partial update; nil fields are left unchanged.
type TemplatePatch struct {
	Name                *string                  `json:"name,omitempty"`
	Type                *Type                    `json:"type,omitempty"`
	Subtype             *Subtype                 `json:"subtype,omitempty"`
	SystemPrompt        *string                  `json:"system_prompt,omitempty"`
	ToolAccess          *[]string                `json:"tool_access,omitempty"`
	DefaultAutonomyTier *AutonomyTier            `json:"default_autonomy_tier,omitempty"`
	TriggerConditions   *store.TriggerConditions `json:"trigger_conditions,omitempty"`
	HandoverTargets     *[]string                `json:"handover_targets,omitempty"`
	IsActive            *bool                    `json:"is_active,omitempty"`
}

type InstanceSpec struct {
	TemplateID       string         `json:"template_id"`
	ProjectID        string         `json:"project_id,omitempty"`
	Name             string         `json:"name"`
	ContextOverrides map[string]any `json:"context_overrides,omitempty"`
}

type InstancePatch struct {
	Name             *string         `json:"name,omitempty"`
	ContextOverrides *map[string]any `json:"context_overrides,omitempty"`
	IsActive         *bool           `json:"is_active,omitempty"`
}

type Catalog struct {
	store    *store.Store
	seedFile string
}

func NewCatalog(s *store.Store, cfg config.BeesConfig) *Catalog {
	return &Catalog{store: s, seedFile: cfg.SeedFile}
}

func (spec *TemplateSpec) normalize() error {
	spec.Name = strings.TrimSpace(spec.Name)
	if spec.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalid)
	}
	if spec.Subtype == "" {
		spec.Subtype = SubtypeNone
	}
	if spec.DefaultAutonomyTier == "" {
		spec.DefaultAutonomyTier = SuggestOnly
	}
	return validate(spec.Type, spec.Subtype, spec.DefaultAutonomyTier)
}

func validate(t Type, st Subtype, tier AutonomyTier) error {
	if !t.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInvalid, t)
	}
	if !st.Valid() {
		return fmt.Errorf("%w: unknown subtype %q", ErrInvalid, st)
	}
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown autonomy tier %q", ErrInvalid, tier)
	}
	return nil
}

func (c *Catalog) CreateTemplate(orgID string, spec TemplateSpec) (*store.BeeTemplate, error) {
	if err := spec.normalize(); err != nil {
		return nil, err
	}
	existing, err := c.store.GetTemplateByName(orgID, spec.Name)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return nil, fmt.Errorf("%w: template %q already exists", ErrInvalid, spec.Name)
	}

	t := &store.BeeTemplate{
		OrgID:               orgID,
		Name:                spec.Name,
		Type:                string(spec.Type),
		Subtype:             string(spec.Subtype),
		SystemPrompt:        spec.SystemPrompt,
		ToolAccess:          spec.ToolAccess,
		DefaultAutonomyTier: string(spec.DefaultAutonomyTier),
		TriggerConditions:   spec.TriggerConditions,
		HandoverTargets:     spec.HandoverTargets,
		IsActive:            true,
	}
	if err := c.store.SaveTemplate(t); err != nil {
		return nil, err
	}
	return t, nil
}

func (c *Catalog) GetTemplate(id string) (*store.BeeTemplate, error) {
	return c.store.GetTemplate(id)
}

func (c *Catalog) ListTemplates(orgID string) ([]store.BeeTemplate, error) {
	return c.store.ListTemplates(orgID)
}

// UpdateTemplate applies a partial update and returns the stored result.
func (c *Catalog) UpdateTemplate(id string, patch TemplatePatch) (*store.BeeTemplate, error) {
	t, err := c.store.GetTemplate(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("template %s: %w", id, store.ErrNotFound)
	}

	if patch.Name != nil {
		name := strings.TrimSpace(*patch.Name)
		if name == "" {
			return nil, fmt.Errorf("%w: name is required", ErrInvalid)
		}
		t.Name = name
	}
	if patch.Type != nil {
		t.Type = string(*patch.Type)
	}
	if patch.Subtype != nil {
		t.Subtype = string(*patch.Subtype)
	}
	if patch.SystemPrompt != nil {
		t.SystemPrompt = *patch.SystemPrompt
	}
	if patch.ToolAccess != nil {
		t.ToolAccess = *patch.ToolAccess
	}
	if patch.DefaultAutonomyTier != nil {
		t.DefaultAutonomyTier = string(*patch.DefaultAutonomyTier)
	}
	if patch.TriggerConditions != nil {
		t.TriggerConditions = *patch.TriggerConditions
	}
	if patch.HandoverTargets != nil {
		t.HandoverTargets = *patch.HandoverTargets
	}
	if patch.IsActive != nil {
		t.IsActive = *patch.IsActive
	}

	if err := validate(Type(t.Type), Subtype(t.Subtype), AutonomyTier(t.DefaultAutonomyTier)); err != nil {
		return nil, err
	}
	if err := c.store.SaveTemplate(t); err != nil {
		return nil, err
	}
	return t, nil
}

// DeleteTemplate removes a non-system template and its instances.
func (c *Catalog) DeleteTemplate(id string) error {
	t, err := c.store.GetTemplate(id)
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("template %s: %w", id, store.ErrNotFound)
	}
	if t.IsSystem {
		return fmt.Errorf("template %q: %w", t.Name, ErrSystemTemplate)
	}
	return c.store.DeleteTemplate(id)
}

func (c *Catalog) CreateInstance(orgID string, spec InstanceSpec) (*store.BeeInstance, error) {
	t, err := c.store.GetTemplate(spec.TemplateID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.OrgID != orgID {
		return nil, fmt.Errorf("%w: template %s not found in org %s", ErrInvalid, spec.TemplateID, orgID)
	}
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		name = t.Name
	}

	i := &store.BeeInstance{
		TemplateID:       t.ID,
		OrgID:            orgID,
		ProjectID:        spec.ProjectID,
		Name:             name,
		ContextOverrides: spec.ContextOverrides,
		IsActive:         true,
	}
	if err := c.store.SaveInstance(i); err != nil {
		return nil, err
	}
	return i, nil
}

func (c *Catalog) ListInstances(orgID string) ([]store.BeeInstance, error) {
	return c.store.ListInstances(orgID)
}

func (c *Catalog) UpdateInstance(id string, patch InstancePatch) (*store.BeeInstance, error) {
	i, err := c.store.GetInstance(id)
	if err != nil {
		return nil, err
	}
	if i == nil {
		return nil, fmt.Errorf("instance %s: %w", id, store.ErrNotFound)
	}
	if patch.Name != nil {
		i.Name = strings.TrimSpace(*patch.Name)
	}
	if patch.ContextOverrides != nil {
		i.ContextOverrides = *patch.ContextOverrides
	}
	if patch.IsActive != nil {
		i.IsActive = *patch.IsActive
	}
	if err := c.store.SaveInstance(i); err != nil {
		return nil, err
	}
	return i, nil
}

// SetInstanceActive soft-enables or soft-disables an instance.
func (c *Catalog) SetInstanceActive(id string, active bool) error {
	return c.store.SetInstanceActive(id, active)
}

func (c *Catalog) DeleteInstance(id string) error {
	return c.store.DeleteInstance(id)
}

// ActiveBees returns the bees that may take part in a request for the org and,
// when set, the project.
func (c *Catalog) ActiveBees(orgID, projectID string) ([]Bee, error) {
	rows, err := c.store.ListActiveBees(orgID, projectID)
	if err != nil {
		return nil, err
	}
	bees := make([]Bee, 0, len(rows))
	for _, r := range rows {
		bees = append(bees, fromActive(r))
	}
	return bees, nil
}

// Bee loads one instance with its template, whether or not either is active.
// It returns (nil, nil) when the instance no longer exists.
func (c *Catalog) Bee(instanceID string) (*Bee, error) {
	i, err := c.store.GetInstance(instanceID)
	if err != nil || i == nil {
		return nil, err
	}
	t, err := c.store.GetTemplate(i.TemplateID)
	if err != nil || t == nil {
		return nil, err
	}
	b := fromActive(store.ActiveBee{Instance: *i, Template: *t})
	return &b, nil
}
