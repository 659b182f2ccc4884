package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/soomehta/hive/internal/config"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s, err := New(config.StoreConfig{Path: filepath.Join(dir, "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// newRunningSession creates a session and moves it to running.
func newRunningSession(t *testing.T, s *Store) *SwarmSession {
	t.Helper()
	ctx := context.Background()
	sess := &SwarmSession{
		OrgID:          "org1",
		UserID:         "user1",
		TriggerMessage: "plan the launch",
		DispatchPlan:   json.RawMessage(`{"mode":"swarm"}`),
	}
	if err := s.CreateSession(ctx, sess); err != nil {
		t.Fatalf("create session: %v", err)
	}
	ok, err := s.StartSession(ctx, sess.ID)
	if err != nil || !ok {
		t.Fatalf("start session: ok=%v err=%v", ok, err)
	}
	return sess
}

func createRun(t *testing.T, s *Store, sessionID, instanceID string, phase int) BeeRun {
	t.Helper()
	runs, err := s.CreatePhaseRuns(context.Background(), sessionID, phase, []BeeRun{{BeeInstanceID: instanceID, TemplateName: "T-" + instanceID}})
	if err != nil {
		t.Fatalf("create phase runs: %v", err)
	}
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	return runs[0]
}

func TestTemplateAndInstanceCRUD(t *testing.T) {
	s := newTestStore(t)

	tmpl := &BeeTemplate{
		OrgID:               "org1",
		Name:                "Research Bee",
		Type:                "operator",
		Subtype:             "specialist",
		SystemPrompt:        "You research.",
		ToolAccess:          []string{"search"},
		DefaultAutonomyTier: "draft_approve",
		TriggerConditions:   TriggerConditions{Intents: []string{"report"}, Keywords: []string{"research"}},
		HandoverTargets:     []string{"Writer Bee"},
		IsActive:            true,
	}
	if err := s.SaveTemplate(tmpl); err != nil {
		t.Fatalf("save template: %v", err)
	}

	got, err := s.GetTemplate(tmpl.ID)
	if err != nil {
		t.Fatalf("get template: %v", err)
	}
	if got == nil || got.Name != "Research Bee" {
		t.Fatalf("unexpected template: %+v", got)
	}
	if len(got.TriggerConditions.Keywords) != 1 || got.TriggerConditions.Keywords[0] != "research" {
		t.Errorf("trigger conditions not round-tripped: %+v", got.TriggerConditions)
	}
	if len(got.HandoverTargets) != 1 || got.HandoverTargets[0] != "Writer Bee" {
		t.Errorf("handover targets not round-tripped: %+v", got.HandoverTargets)
	}

	byName, err := s.GetTemplateByName("org1", "Research Bee")
	if err != nil || byName == nil || byName.ID != tmpl.ID {
		t.Fatalf("get by name: %+v %v", byName, err)
	}

	missing, err := s.GetTemplate("nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missing != nil {
		t.Error("expected nil for missing template")
	}

	inst := &BeeInstance{TemplateID: tmpl.ID, OrgID: "org1", Name: "Research", IsActive: true,
		ContextOverrides: map[string]any{"region": "eu"}}
	if err := s.SaveInstance(inst); err != nil {
		t.Fatalf("save instance: %v", err)
	}
	gotInst, err := s.GetInstance(inst.ID)
	if err != nil || gotInst == nil {
		t.Fatalf("get instance: %v", err)
	}
	if gotInst.ContextOverrides["region"] != "eu" {
		t.Errorf("expected region override, got %v", gotInst.ContextOverrides)
	}

	// Deleting the template cascades to its instances
	if err := s.DeleteTemplate(tmpl.ID); err != nil {
		t.Fatalf("delete template: %v", err)
	}
	gotInst, _ = s.GetInstance(inst.ID)
	if gotInst != nil {
		t.Error("expected instance removed with template")
	}
	if err := s.DeleteTemplate(tmpl.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListActiveBeesScope(t *testing.T) {
	s := newTestStore(t)

	active := &BeeTemplate{OrgID: "org1", Name: "Active", Type: "operator", Subtype: "specialist", IsActive: true}
	inactive := &BeeTemplate{OrgID: "org1", Name: "Inactive", Type: "operator", Subtype: "specialist", IsActive: false}
	for _, tmpl := range []*BeeTemplate{active, inactive} {
		if err := s.SaveTemplate(tmpl); err != nil {
			t.Fatal(err)
		}
	}

	instances := []*BeeInstance{
		{TemplateID: active.ID, OrgID: "org1", Name: "org-wide", IsActive: true},
		{TemplateID: active.ID, OrgID: "org1", ProjectID: "p1", Name: "project-p1", IsActive: true},
		{TemplateID: active.ID, OrgID: "org1", ProjectID: "p2", Name: "project-p2", IsActive: true},
		{TemplateID: active.ID, OrgID: "org1", Name: "disabled", IsActive: false},
		{TemplateID: inactive.ID, OrgID: "org1", Name: "inactive-template", IsActive: true},
		{TemplateID: active.ID, OrgID: "org2", Name: "other-org", IsActive: true},
	}
	for _, inst := range instances {
		if err := s.SaveInstance(inst); err != nil {
			t.Fatal(err)
		}
	}

	bees, err := s.ListActiveBees("org1", "p1")
	if err != nil {
		t.Fatalf("list active bees: %v", err)
	}
	names := map[string]bool{}
	for _, b := range bees {
		names[b.Instance.Name] = true
		if b.Template.ID != active.ID {
			t.Errorf("unexpected template %s for %s", b.Template.Name, b.Instance.Name)
		}
	}
	if len(bees) != 2 || !names["org-wide"] || !names["project-p1"] {
		t.Errorf("expected org-wide and project-p1, got %v", names)
	}

	if err := s.SetInstanceActive(instances[0].ID, false); err != nil {
		t.Fatal(err)
	}
	bees, _ = s.ListActiveBees("org1", "")
	if len(bees) != 0 {
		t.Errorf("expected no bees without project after disabling org-wide, got %d", len(bees))
	}
}

func TestSessionLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	sess := newRunningSession(t, s)

	// A second start is a no-op
	ok, err := s.StartSession(ctx, sess.ID)
	if err != nil || ok {
		t.Errorf("expected no transition from running, got ok=%v err=%v", ok, err)
	}

	if err := s.CompleteSession(ctx, sess.ID, "final answer"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, err := s.GetSession(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != StatusCompleted || got.Result != "final answer" || got.CompletedAt == nil {
		t.Errorf("unexpected session: %+v", got)
	}
	if string(got.DispatchPlan) != `{"mode":"swarm"}` {
		t.Errorf("dispatch plan changed: %s", got.DispatchPlan)
	}

	if err := s.CompleteSession(ctx, sess.ID, "again"); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("expected ErrSessionFinished, got %v", err)
	}
	if err := s.FailSession(ctx, sess.ID, "cancelled"); !errors.Is(err, ErrSessionFinished) {
		t.Errorf("expected ErrSessionFinished on fail, got %v", err)
	}
	if err := s.FailSession(ctx, "missing", "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRecordRunOutcomeIsAtomic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newRunningSession(t, s)
	run := createRun(t, s, sess.ID, "inst-a", 0)

	if err := s.MarkRunRunning(ctx, sess.ID, run.ID, "prompt text"); err != nil {
		t.Fatalf("mark running: %v", err)
	}

	paused, err := s.RecordRunOutcome(ctx, RunOutcome{
		SessionID:  sess.ID,
		RunID:      run.ID,
		Phase:      0,
		Status:     RunCompleted,
		Output:     `{"summary":"s","result":"r"}`,
		TokensUsed: 42,
		DurationMs: 1200,
		Context:    json.RawMessage(`{"summary":"s"}`),
		Handovers: []Handover{{ToBeeInstanceID: "inst-b", Type: "analysis", Summary: "numbers",
			Data: json.RawMessage(`{"n":3}`), Constraints: []string{"eu only"}}},
		Signals: []BeeSignal{{Type: SignalInfo, Message: "fyi"}},
	})
	if err != nil {
		t.Fatalf("record outcome: %v", err)
	}
	if paused {
		t.Error("info signal must not pause")
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != RunCompleted || got.TokensUsed != 42 || got.Input != "prompt text" {
		t.Errorf("unexpected run: %+v", got)
	}

	entries, err := s.GetContextSnapshot(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	var types []string
	for _, e := range entries {
		types = append(types, e.Type)
	}
	if diff := cmp.Diff([]string{ContextOutput, ContextHandover, ContextSignal}, types); diff != "" {
		t.Errorf("context types mismatch (-want +got):\n%s", diff)
	}

	// Recording twice is rejected and writes nothing
	_, err = s.RecordRunOutcome(ctx, RunOutcome{SessionID: sess.ID, RunID: run.ID, Status: RunFailed})
	if !errors.Is(err, ErrRunFinished) {
		t.Errorf("expected ErrRunFinished, got %v", err)
	}
	entries, _ = s.GetContextSnapshot(ctx, sess.ID)
	if len(entries) != 3 {
		t.Errorf("expected 3 entries after rejected write, got %d", len(entries))
	}
}

func TestHoldPausesUntilResolved(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newRunningSession(t, s)
	run := createRun(t, s, sess.ID, "inst-a", 1)

	paused, err := s.RecordRunOutcome(ctx, RunOutcome{
		SessionID: sess.ID, RunID: run.ID, Phase: 1, Status: RunCompleted,
		Signals: []BeeSignal{{Type: SignalHold, Message: "need budget approval"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if !paused {
		t.Fatal("expected session paused after hold")
	}

	held, err := s.HasHoldSignal(ctx, sess.ID)
	if err != nil || !held {
		t.Fatalf("expected hold, got %v %v", held, err)
	}
	if err := s.CompleteSession(ctx, sess.ID, "too early"); err == nil {
		t.Fatal("complete must fail while held")
	}
	if ok, _ := s.StartSession(ctx, sess.ID); ok {
		t.Fatal("resume must fail while held")
	}

	holds, _ := s.ListUnresolvedHolds(ctx, sess.ID)
	if len(holds) != 1 {
		t.Fatalf("expected 1 hold, got %d", len(holds))
	}

	first, err := s.ResolveSignal(ctx, holds[0].ID)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !first.Resolved || first.ResolvedAt == nil {
		t.Fatalf("expected resolved record, got %+v", first)
	}
	second, err := s.ResolveSignal(ctx, holds[0].ID)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if diff := cmp.Diff(first, second); diff != "" {
		t.Errorf("second resolve changed the record (-first +second):\n%s", diff)
	}

	// Resolution alone does not resume
	got, _ := s.GetSession(ctx, sess.ID)
	if got.Status != StatusPaused {
		t.Errorf("expected paused until resumed, got %s", got.Status)
	}
	if ok, err := s.StartSession(ctx, sess.ID); err != nil || !ok {
		t.Fatalf("expected resume, got ok=%v err=%v", ok, err)
	}

	missing, err := s.ResolveSignal(ctx, "nope")
	if err != nil || missing != nil {
		t.Errorf("expected nil, nil for missing signal, got %v %v", missing, err)
	}
}

func TestTerminalSessionRejectsMutations(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newRunningSession(t, s)
	run := createRun(t, s, sess.ID, "inst-a", 0)
	hold := &BeeSignal{SwarmSessionID: sess.ID, Type: SignalWarning, Message: "w"}
	if err := s.AddSignal(ctx, hold, 0); err != nil {
		t.Fatal(err)
	}

	if err := s.FailSession(ctx, sess.ID, "cancelled by user"); err != nil {
		t.Fatalf("fail: %v", err)
	}

	got, _ := s.GetRun(ctx, run.ID)
	if got.Status != RunFailed {
		t.Errorf("expected open run failed with session, got %s", got.Status)
	}
	sessGot, _ := s.GetSession(ctx, sess.ID)
	if sessGot.Error != "cancelled by user" {
		t.Errorf("expected reason kept, got %q", sessGot.Error)
	}

	checks := map[string]error{}
	_, checks["create runs"] = s.CreatePhaseRuns(ctx, sess.ID, 1, []BeeRun{{BeeInstanceID: "inst-b"}})
	checks["mark running"] = s.MarkRunRunning(ctx, sess.ID, run.ID, "x")
	_, checks["record outcome"] = s.RecordRunOutcome(ctx, RunOutcome{SessionID: sess.ID, RunID: run.ID, Status: RunCompleted})
	checks["append context"] = s.AppendContext(ctx, &ContextEntry{SwarmSessionID: sess.ID, Type: ContextArtifact})
	checks["add signal"] = s.AddSignal(ctx, &BeeSignal{SwarmSessionID: sess.ID, Type: SignalHold, Message: "h"}, 0)
	_, checks["resolve signal"] = s.ResolveSignal(ctx, hold.ID)
	_, checks["consume handovers"] = s.ConsumeHandovers(ctx, sess.ID, "inst-b", "run-x")

	for name, err := range checks {
		if !errors.Is(err, ErrSessionFinished) {
			t.Errorf("%s: expected ErrSessionFinished, got %v", name, err)
		}
	}
}

func TestConsumeHandoversOncePerRun(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newRunningSession(t, s)
	from := createRun(t, s, sess.ID, "inst-a", 0)

	_, err := s.RecordRunOutcome(ctx, RunOutcome{
		SessionID: sess.ID, RunID: from.ID, Status: RunCompleted,
		Handovers: []Handover{
			{ToBeeInstanceID: "inst-b", Type: "draft", Summary: "first"},
			{ToBeeInstanceID: "inst-b", Type: "draft", Summary: "second"},
			{ToBeeInstanceID: "inst-c", Type: "draft", Summary: "other"},
		},
	})
	if err != nil {
		t.Fatal(err)
	}

	got, err := s.ConsumeHandovers(ctx, sess.ID, "inst-b", "run-b")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].Summary != "first" || got[1].Summary != "second" {
		t.Fatalf("unexpected handovers: %+v", got)
	}

	again, _ := s.ConsumeHandovers(ctx, sess.ID, "inst-b", "run-b")
	if len(again) != 2 {
		t.Errorf("expected idempotent re-read, got %d", len(again))
	}
	other, _ := s.ConsumeHandovers(ctx, sess.ID, "inst-b", "run-b2")
	if len(other) != 0 {
		t.Errorf("expected handovers consumed once, got %d", len(other))
	}
}

func TestCreatePhaseRunsResetsInterruptedRuns(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	sess := newRunningSession(t, s)

	bees := []BeeRun{{BeeInstanceID: "done"}, {BeeInstanceID: "crashed"}}
	runs, err := s.CreatePhaseRuns(ctx, sess.ID, 1, bees)
	if err != nil {
		t.Fatal(err)
	}
	ids := map[string]string{}
	for _, r := range runs {
		ids[r.BeeInstanceID] = r.ID
	}
	if _, err := s.RecordRunOutcome(ctx, RunOutcome{SessionID: sess.ID, RunID: ids["done"], Phase: 1, Status: RunCompleted}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkRunRunning(ctx, sess.ID, ids["crashed"], "p"); err != nil {
		t.Fatal(err)
	}

	runs, err = s.CreatePhaseRuns(ctx, sess.ID, 1, bees)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	for _, r := range runs {
		if r.ID != ids[r.BeeInstanceID] {
			t.Errorf("run for %s was recreated", r.BeeInstanceID)
		}
		switch r.BeeInstanceID {
		case "done":
			if r.Status != RunCompleted {
				t.Errorf("finished run must stay completed, got %s", r.Status)
			}
		case "crashed":
			if r.Status != RunQueued {
				t.Errorf("interrupted run must be re-queued, got %s", r.Status)
			}
		}
	}
}

func TestContextSnapshotSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "hive.db")
	ctx := context.Background()

	s, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	sess := newRunningSession(t, s)
	for phase, inst := range []string{"a", "b", "c"} {
		run := createRun(t, s, sess.ID, inst, phase)
		if _, err := s.RecordRunOutcome(ctx, RunOutcome{
			SessionID: sess.ID, RunID: run.ID, Phase: phase, Status: RunCompleted,
			Context:   json.RawMessage(`{"summary":"` + inst + `"}`),
			Handovers: []Handover{{ToBeeInstanceID: "next", Type: "t", Summary: inst}},
		}); err != nil {
			t.Fatal(err)
		}
	}
	before, err := s.GetContextSnapshot(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	s.Close()

	reopened, err := New(config.StoreConfig{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	after, err := reopened.GetContextSnapshot(ctx, sess.ID)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(before, after); diff != "" {
		t.Errorf("snapshot changed across restart (-before +after):\n%s", diff)
	}

	tail, _ := reopened.ContextSince(ctx, sess.ID, before[1].Seq)
	if diff := cmp.Diff(before[2:], tail); diff != "" {
		t.Errorf("ContextSince mismatch (-want +got):\n%s", diff)
	}
}

func TestListStaleSessions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	running := newRunningSession(t, s)
	done := newRunningSession(t, s)
	if err := s.CompleteSession(ctx, done.ID, "ok"); err != nil {
		t.Fatal(err)
	}

	stale, err := s.ListStaleSessions(ctx, []string{StatusPlanning, StatusRunning}, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if len(stale) != 1 || stale[0].ID != running.ID {
		t.Errorf("expected only the running session, got %+v", stale)
	}

	fresh, _ := s.ListStaleSessions(ctx, []string{StatusRunning}, time.Now().Add(-time.Hour))
	if len(fresh) != 0 {
		t.Errorf("expected no stale sessions an hour ago, got %d", len(fresh))
	}
}

func TestSecrets(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveSecret(&Secret{Name: "gemini", Sealed: []byte{1, 2, 3}}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSecret(&Secret{Name: "gemini", Description: "rotated", Sealed: []byte{4}}); err != nil {
		t.Fatal(err)
	}

	sealed, err := s.SealedSecret("gemini")
	if err != nil {
		t.Fatal(err)
	}
	if len(sealed) != 1 || sealed[0] != 4 {
		t.Errorf("expected rotated value, got %v", sealed)
	}

	list, _ := s.ListSecrets()
	if len(list) != 1 || list[0].Description != "rotated" || list[0].Sealed != nil {
		t.Errorf("unexpected secret list: %+v", list)
	}

	if err := s.DeleteSecret("gemini"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.SealedSecret("gemini"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
