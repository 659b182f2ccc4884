package bee

import (
	_ "embed"
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/soomehta/hive/internal/store"
)

//go:embed system_templates.yaml
var systemTemplatesYAML []byte

// SystemTemplates returns the built-in templates followed by those from the
// configured seed file.
func (c *Catalog) SystemTemplates() ([]TemplateSpec, error) {
	var specs []TemplateSpec
	if err := yaml.Unmarshal(systemTemplatesYAML, &specs); err != nil {
		return nil, fmt.Errorf("parse built-in templates: %w", err)
	}
	if c.seedFile == "" {
		return specs, nil
	}

	data, err := os.ReadFile(c.seedFile)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	var extra []TemplateSpec
	if err := yaml.Unmarshal(data, &extra); err != nil {
		return nil, fmt.Errorf("parse seed file %s: %w", c.seedFile, err)
	}
	return append(specs, extra...), nil
}

// SeedSystemTemplates upserts the system templates for an org and gives every
// template without an instance one org-wide instance. Running it again only
// refreshes template definitions; user toggles of is_active survive.
func (c *Catalog) SeedSystemTemplates(orgID string) error {
	specs, err := c.SystemTemplates()
	if err != nil {
		return err
	}

	instances, err := c.store.ListInstances(orgID)
	if err != nil {
		return err
	}
	hasInstance := make(map[string]bool, len(instances))
	for _, i := range instances {
		hasInstance[i.TemplateID] = true
	}

	for _, spec := range specs {
		if err := spec.normalize(); err != nil {
			return fmt.Errorf("system template %q: %w", spec.Name, err)
		}

		t, err := c.store.GetTemplateByName(orgID, spec.Name)
		if err != nil {
			return err
		}
		if t == nil {
			t = &store.BeeTemplate{OrgID: orgID, Name: spec.Name, IsActive: true}
		}
		t.Type = string(spec.Type)
		t.Subtype = string(spec.Subtype)
		t.SystemPrompt = spec.SystemPrompt
		t.ToolAccess = spec.ToolAccess
		t.DefaultAutonomyTier = string(spec.DefaultAutonomyTier)
		t.TriggerConditions = spec.TriggerConditions
		t.HandoverTargets = spec.HandoverTargets
		t.IsSystem = true
		if err := c.store.SaveTemplate(t); err != nil {
			return fmt.Errorf("save system template %s: %w", spec.Name, err)
		}

		if hasInstance[t.ID] {
			continue
		}
		if err := c.store.SaveInstance(&store.BeeInstance{
			TemplateID: t.ID,
			OrgID:      orgID,
			Name:       t.Name,
			IsActive:   true,
		}); err != nil {
			return fmt.Errorf("create instance for %s: %w", spec.Name, err)
		}
		hasInstance[t.ID] = true
	}

	slog.Info("system bees seeded", "org", orgID, "templates", len(specs))
	return nil
}
