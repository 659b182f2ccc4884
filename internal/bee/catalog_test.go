package bee

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/soomehta/hive/internal/config"
	"github.com/soomehta/hive/internal/store"
)

func newTestCatalog(t *testing.T, seedFile string) (*Catalog, *store.Store) {
	t.Helper()
	dir := t.TempDir()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewCatalog(s, config.BeesConfig{SeedFile: seedFile}), s
}

func TestSeedSystemTemplates(t *testing.T) {
	c, s := newTestCatalog(t, "")

	if err := c.SeedSystemTemplates("org1"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	templates, err := s.ListTemplates("org1")
	if err != nil {
		t.Fatalf("list templates: %v", err)
	}
	if len(templates) != 5 {
		t.Fatalf("expected 5 system templates, got %d", len(templates))
	}
	for _, tmpl := range templates {
		if !tmpl.IsSystem {
			t.Errorf("template %s should be system", tmpl.Name)
		}
	}

	bees, err := c.ActiveBees("org1", "")
	if err != nil {
		t.Fatalf("active bees: %v", err)
	}
	if len(bees) != 5 {
		t.Errorf("expected one instance per template, got %d", len(bees))
	}

	// Seeding is idempotent
	if err := c.SeedSystemTemplates("org1"); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	instances, _ := s.ListInstances("org1")
	if len(instances) != 5 {
		t.Errorf("expected 5 instances after reseed, got %d", len(instances))
	}

	coordinator, _ := s.GetTemplateByName("org1", "Project Coordinator")
	if coordinator == nil || len(coordinator.HandoverTargets) != 1 || coordinator.HandoverTargets[0] != "Task Operator" {
		t.Errorf("unexpected coordinator template: %+v", coordinator)
	}
}

func TestSeedFileAddsTemplates(t *testing.T) {
	seed := filepath.Join(t.TempDir(), "bees.yaml")
	data := `
- name: Finance Bee
  type: operator
  subtype: specialist
  trigger_conditions:
    keywords: [budget, invoice]
`
	if err := os.WriteFile(seed, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	c, s := newTestCatalog(t, seed)
	if err := c.SeedSystemTemplates("org1"); err != nil {
		t.Fatalf("seed: %v", err)
	}

	finance, err := s.GetTemplateByName("org1", "Finance Bee")
	if err != nil || finance == nil {
		t.Fatalf("expected Finance Bee, got %v %v", finance, err)
	}
	if finance.DefaultAutonomyTier != string(SuggestOnly) {
		t.Errorf("expected default tier suggest_only, got %s", finance.DefaultAutonomyTier)
	}
}

func TestDeleteSystemTemplateRejected(t *testing.T) {
	c, s := newTestCatalog(t, "")
	if err := c.SeedSystemTemplates("org1"); err != nil {
		t.Fatal(err)
	}
	assistant, _ := s.GetTemplateByName("org1", "Assistant Bee")

	if err := c.DeleteTemplate(assistant.ID); !errors.Is(err, ErrSystemTemplate) {
		t.Fatalf("expected ErrSystemTemplate, got %v", err)
	}
	if got, _ := s.GetTemplate(assistant.ID); got == nil {
		t.Error("system template was deleted")
	}

	custom, err := c.CreateTemplate("org1", TemplateSpec{Name: "Custom", Type: TypeOperator})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := c.DeleteTemplate(custom.ID); err != nil {
		t.Fatalf("delete custom: %v", err)
	}
	if err := c.DeleteTemplate("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestCreateTemplateValidation(t *testing.T) {
	c, _ := newTestCatalog(t, "")

	cases := []struct {
		name string
		spec TemplateSpec
	}{
		{"missing name", TemplateSpec{Type: TypeOperator}},
		{"bad type", TemplateSpec{Name: "x", Type: "robot"}},
		{"bad subtype", TemplateSpec{Name: "x", Type: TypeOperator, Subtype: "lead"}},
		{"bad tier", TemplateSpec{Name: "x", Type: TypeOperator, DefaultAutonomyTier: "yolo"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := c.CreateTemplate("org1", tc.spec); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	tmpl, err := c.CreateTemplate("org1", TemplateSpec{Name: "Writer", Type: TypeOperator})
	if err != nil {
		t.Fatal(err)
	}
	if tmpl.Subtype != string(SubtypeNone) || !tmpl.IsActive {
		t.Errorf("unexpected defaults: %+v", tmpl)
	}
	if _, err := c.CreateTemplate("org1", TemplateSpec{Name: "Writer", Type: TypeOperator}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected duplicate name rejected, got %v", err)
	}
}

func TestUpdateTemplatePartial(t *testing.T) {
	c, _ := newTestCatalog(t, "")
	tmpl, err := c.CreateTemplate("org1", TemplateSpec{
		Name:         "Writer",
		Type:         TypeOperator,
		Subtype:      SubtypeSpecialist,
		SystemPrompt: "write",
		ToolAccess:   []string{"docs"},
	})
	if err != nil {
		t.Fatal(err)
	}

	prompt := "write better"
	inactive := false
	got, err := c.UpdateTemplate(tmpl.ID, TemplatePatch{SystemPrompt: &prompt, IsActive: &inactive})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.SystemPrompt != "write better" || got.IsActive {
		t.Errorf("patch not applied: %+v", got)
	}
	if got.Subtype != string(SubtypeSpecialist) || len(got.ToolAccess) != 1 {
		t.Errorf("untouched fields changed: %+v", got)
	}

	bad := Subtype("boss")
	if _, err := c.UpdateTemplate(tmpl.ID, TemplatePatch{Subtype: &bad}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected ErrInvalid, got %v", err)
	}
}

func TestInstances(t *testing.T) {
	c, _ := newTestCatalog(t, "")
	tmpl, err := c.CreateTemplate("org1", TemplateSpec{Name: "Writer", Type: TypeOperator, Subtype: SubtypeSpecialist})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := c.CreateInstance("org2", InstanceSpec{TemplateID: tmpl.ID}); !errors.Is(err, ErrInvalid) {
		t.Errorf("expected cross-org instance rejected, got %v", err)
	}

	inst, err := c.CreateInstance("org1", InstanceSpec{TemplateID: tmpl.ID, ProjectID: "p1"})
	if err != nil {
		t.Fatalf("create instance: %v", err)
	}
	if inst.Name != "Writer" {
		t.Errorf("expected name from template, got %s", inst.Name)
	}

	bees, _ := c.ActiveBees("org1", "p1")
	if len(bees) != 1 || bees[0].Subtype != SubtypeSpecialist || bees[0].TemplateName != "Writer" {
		t.Fatalf("unexpected bees: %+v", bees)
	}
	if bees, _ := c.ActiveBees("org1", "p2"); len(bees) != 0 {
		t.Errorf("project-scoped instance leaked to another project")
	}

	off := false
	if _, err := c.UpdateInstance(inst.ID, InstancePatch{IsActive: &off}); err != nil {
		t.Fatal(err)
	}
	if bees, _ := c.ActiveBees("org1", "p1"); len(bees) != 0 {
		t.Errorf("disabled instance still active")
	}
	if err := c.DeleteInstance(inst.ID); err != nil {
		t.Fatal(err)
	}
	if err := c.DeleteInstance(inst.ID); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestMatchTriggers(t *testing.T) {
	b := Bee{
		TemplateName: "Task Operator",
		Triggers:     store.TriggerConditions{Intents: []string{"create_task"}, Keywords: []string{"task", "Deadline"}},
	}

	hit, kws := b.MatchTriggers("CREATE_TASK", "Add a task before the deadline")
	if !hit {
		t.Error("expected intent hit")
	}
	if len(kws) != 2 {
		t.Errorf("expected 2 keywords, got %v", kws)
	}

	hit, kws = b.MatchTriggers("query", "how are we doing")
	if hit || len(kws) != 0 {
		t.Errorf("expected no match, got %v %v", hit, kws)
	}

	coord := Bee{HandoverTargets: []string{"task operator"}}
	if !coord.HandsOverTo(b) {
		t.Error("expected case-insensitive handover target match")
	}
}
