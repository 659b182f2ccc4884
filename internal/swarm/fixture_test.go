package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/soomehta/hive/internal/bee"
	"github.com/soomehta/hive/internal/config"
	"github.com/soomehta/hive/internal/intent"
	"github.com/soomehta/hive/internal/llm"
	"github.com/soomehta/hive/internal/store"
)

const testOrg = "org1"

type replyFunc func(ctx context.Context, req llm.Request) (llm.Response, error)

// scriptedModel answers bee prompts by the bee name in their header and
// synthesis requests (the only non-JSON requests) with synth.
type scriptedModel struct {
	mu      sync.Mutex
	replies map[string]replyFunc
	synth   replyFunc
	prompts map[string][]string
}

var beeHeader = regexp.MustCompile(`(?m)^## Bee: (.+)$`)

func newScriptedModel() *scriptedModel {
	return &scriptedModel{
		replies: make(map[string]replyFunc),
		prompts: make(map[string][]string),
		synth:   text("Here is the combined answer."),
	}
}

func (m *scriptedModel) Generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	name := "synthesizer"
	if req.JSON {
		match := beeHeader.FindStringSubmatch(req.Prompt)
		if match == nil {
			return llm.Response{}, fmt.Errorf("unexpected prompt")
		}
		name = match[1]
	}

	m.mu.Lock()
	m.prompts[name] = append(m.prompts[name], req.Prompt)
	fn := m.replies[name]
	if name == "synthesizer" {
		fn = m.synth
	}
	m.mu.Unlock()

	if fn == nil {
		return llm.Response{}, fmt.Errorf("no reply scripted for %s", name)
	}
	return fn(ctx, req)
}

func (m *scriptedModel) set(name string, fn replyFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replies[name] = fn
}

func (m *scriptedModel) calls(name string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts[name]...)
}

func text(s string) replyFunc {
	return func(context.Context, llm.Request) (llm.Response, error) {
		return llm.Response{Text: s, TokensUsed: 10}, nil
	}
}

// beeReply renders a well-formed bee answer with optional extra fields.
func beeReply(summary string, result any, extra map[string]any) replyFunc {
	out := map[string]any{"summary": summary, "result": result}
	for k, v := range extra {
		out[k] = v
	}
	data, _ := json.Marshal(out)
	return text(string(data))
}

type recordingPublisher struct {
	mu     sync.Mutex
	topics []string
	types  []string
	data   []map[string]any
}

func (p *recordingPublisher) PublishJSON(topic string, v any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.topics = append(p.topics, topic)
	if ev, ok := v.(map[string]any); ok {
		p.types = append(p.types, fmt.Sprint(ev["type"]))
		data, _ := ev["data"].(map[string]any)
		p.data = append(p.data, data)
	}
	return nil
}

// lastEvent returns the data of the most recent event of the given type.
func (p *recordingPublisher) lastEvent(eventType string) (map[string]any, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.types) - 1; i >= 0; i-- {
		if p.types[i] == eventType {
			return p.data[i], true
		}
	}
	return nil, false
}

func (p *recordingPublisher) eventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.types...)
}

type fakeSubmitter struct {
	mu   sync.Mutex
	jobs []ExecutionJob
	err  error
}

func (f *fakeSubmitter) Submit(_ context.Context, job ExecutionJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.jobs = append(f.jobs, job)
	return nil
}

func (f *fakeSubmitter) last(t *testing.T) ExecutionJob {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.jobs, "no job submitted")
	return f.jobs[len(f.jobs)-1]
}

type fixture struct {
	store     *store.Store
	catalog   *bee.Catalog
	model     *scriptedModel
	pub       *recordingPublisher
	jobs      *fakeSubmitter
	exec      *Executor
	svc       *Service
	instances map[string]string // template name -> instance id
}

type fixtureOption func(*fixtureSetup)

type fixtureSetup struct {
	researchTargets []string
	beeTimeout      time.Duration
}

// researchHandsTo makes Research Bee list handover targets, so its targets run
// one phase later and depend on it.
func researchHandsTo(names ...string) fixtureOption {
	return func(s *fixtureSetup) { s.researchTargets = names }
}

func withBeeTimeout(d time.Duration) fixtureOption {
	return func(s *fixtureSetup) { s.beeTimeout = d }
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	setup := fixtureSetup{beeTimeout: 5 * time.Second}
	for _, o := range opts {
		o(&setup)
	}

	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "hive.db")})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	catalog := bee.NewCatalog(s, config.BeesConfig{})
	f := &fixture{
		store:     s,
		catalog:   catalog,
		model:     newScriptedModel(),
		pub:       &recordingPublisher{},
		jobs:      &fakeSubmitter{},
		instances: make(map[string]string),
	}

	specs := []bee.TemplateSpec{
		{Name: "Assistant Bee", Type: bee.TypeAssistant, SystemPrompt: "You are the assistant."},
		{Name: "Compliance Bee", Type: bee.TypeAdmin, Subtype: bee.SubtypeCompliance, SystemPrompt: "You check policy."},
		{
			Name: "Research Bee", Type: bee.TypeOperator, Subtype: bee.SubtypeSpecialist,
			SystemPrompt:      "You research.",
			TriggerConditions: store.TriggerConditions{Intents: []string{"report"}, Keywords: []string{"research", "market"}},
			HandoverTargets:   setup.researchTargets,
		},
		{
			Name: "Writer Bee", Type: bee.TypeOperator, Subtype: bee.SubtypeSpecialist,
			SystemPrompt:      "You write.",
			TriggerConditions: store.TriggerConditions{Keywords: []string{"write", "draft"}},
		},
		{
			Name: "Task Bee", Type: bee.TypeOperator, Subtype: bee.SubtypeSpecialist,
			SystemPrompt:      "You create tasks.",
			TriggerConditions: store.TriggerConditions{Intents: []string{"create_task"}, Keywords: []string{"task"}},
		},
	}
	for _, spec := range specs {
		tmpl, err := catalog.CreateTemplate(testOrg, spec)
		require.NoError(t, err)
		inst, err := catalog.CreateInstance(testOrg, bee.InstanceSpec{TemplateID: tmpl.ID})
		require.NoError(t, err)
		f.instances[spec.Name] = inst.ID
	}

	cfg := config.SwarmConfig{
		BeeTimeout:          setup.beeTimeout,
		ComplexityThreshold: 0.5,
		PhaseBaseMs:         8000,
		BeeExtraMs:          1500,
		Verbosity:           "balanced",
		Formality:           "neutral",
	}
	f.exec = NewExecutor(s, catalog, f.model, f.pub, cfg)
	f.svc = NewService(s, catalog, intent.New(nil), f.jobs, f.pub, cfg)
	return f
}

// scenarioRequest is a report request that spans Research Bee and Writer Bee.
func scenarioRequest() DispatchRequest {
	return DispatchRequest{
		OrgID:   testOrg,
		UserID:  "user1",
		Message: "research the market and write a draft report",
		Intent:  "report",
	}
}

// dispatchSwarm dispatches the scenario request and returns the queued job.
func (f *fixture) dispatchSwarm(t *testing.T) ExecutionJob {
	t.Helper()
	res, err := f.svc.Dispatch(context.Background(), scenarioRequest())
	require.NoError(t, err)
	require.Equal(t, ModeSwarm, res.Plan.Mode)
	require.NotEmpty(t, res.SessionID)
	job := f.jobs.last(t)
	require.Equal(t, res.SessionID, job.SwarmSessionID)
	return job
}

func (f *fixture) session(t *testing.T, id string) *store.SwarmSession {
	t.Helper()
	sess, err := f.store.GetSession(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, sess)
	return sess
}

func (f *fixture) runsByTemplate(t *testing.T, sessionID string) map[string]store.BeeRun {
	t.Helper()
	runs, err := f.store.ListRuns(context.Background(), sessionID)
	require.NoError(t, err)
	out := make(map[string]store.BeeRun, len(runs))
	for _, r := range runs {
		out[r.TemplateName] = r
	}
	return out
}

// scriptHappyPath gives every swarm bee a valid answer.
func (f *fixture) scriptHappyPath() {
	f.model.set("Compliance Bee", beeReply("no policy concerns", "ok", nil))
	f.model.set("Research Bee", beeReply("market grew 12 percent", map[string]any{"growth": 12}, nil))
	f.model.set("Writer Bee", beeReply("draft report written", "Q3 draft text", nil))
}
