package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"golang.org/x/sync/errgroup"

	"github.com/soomehta/hive/internal/bee"
	"github.com/soomehta/hive/internal/config"
	"github.com/soomehta/hive/internal/llm"
	"github.com/soomehta/hive/internal/natsbus"
	"github.com/soomehta/hive/internal/store"
)

// Publisher delivers swarm events. *natsbus.Client satisfies it.
type Publisher interface {
	PublishJSON(topic string, v any) error
}

// Executor drives one session through its plan. It holds no per-session state:
// everything it needs to resume is read back from the store.
type Executor struct {
	store      *store.Store
	catalog    *bee.Catalog
	model      llm.Model
	pub        Publisher
	beeTimeout time.Duration
	verbosity  string
	formality  string
}

func NewExecutor(s *store.Store, catalog *bee.Catalog, model llm.Model, pub Publisher, cfg config.SwarmConfig) *Executor {
	return &Executor{
		store:      s,
		catalog:    catalog,
		model:      model,
		pub:        pub,
		beeTimeout: cfg.BeeTimeout,
		verbosity:  cfg.Verbosity,
		formality:  cfg.Formality,
	}
}

// Execute advances the job's session as far as it can go: to completion, to a
// pause on hold signals, or to failure. It is safe to call again for the same
// session; finished phases and runs are skipped. A nil error means the job is
// done with, whatever the session's final status.
func (e *Executor) Execute(ctx context.Context, job ExecutionJob) error {
	log := slog.With("session", job.SwarmSessionID)

	sess, err := retry(ctx, "get session", func() (*store.SwarmSession, error) {
		return e.store.GetSession(ctx, job.SwarmSessionID)
	})
	if err != nil {
		return err
	}
	if sess == nil {
		return fmt.Errorf("session %s: %w", job.SwarmSessionID, store.ErrNotFound)
	}
	if store.IsTerminal(sess.Status) {
		log.Info("session already finished, dropping job", "status", sess.Status)
		return nil
	}

	plan := job.DispatchPlan
	if err := plan.Validate(); err != nil {
		return e.fail(ctx, job.SwarmSessionID, err.Error())
	}

	prev := sess.Status
	if prev != store.StatusRunning {
		started, err := retry(ctx, "start session", func() (bool, error) {
			return e.store.StartSession(ctx, job.SwarmSessionID)
		})
		if err != nil {
			return e.infraFailure(ctx, job.SwarmSessionID, err)
		}
		if !started {
			log.Info("session not resumable yet", "status", prev)
			return ErrHoldPending
		}
		if prev == store.StatusPaused {
			e.publish(job.SwarmSessionID, "swarm_resumed", nil)
		} else {
			e.publish(job.SwarmSessionID, "swarm_started", map[string]any{
				"bees":   len(plan.SelectedBees),
				"phases": len(plan.Phases()),
			})
		}
	}

	phases := plan.Phases()
	synth, hasSynth := plan.Synthesizer()
	for idx, phase := range phases {
		if hasSynth && idx == len(phases)-1 && phase.Order == synth.Order {
			break
		}

		stop, err := e.boundary(ctx, job.SwarmSessionID)
		if err != nil || stop {
			return err
		}

		log.Info("executing phase", "phase", phase.Order, "bees", len(phase.Bees))
		if err := e.runPhase(ctx, job, phase); err != nil {
			if errors.Is(err, store.ErrSessionFinished) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return e.infraFailure(ctx, job.SwarmSessionID, err)
		}
	}

	stop, err := e.boundary(ctx, job.SwarmSessionID)
	if err != nil || stop {
		return err
	}
	return e.synthesize(ctx, job, synth, hasSynth, len(phases)-1)
}

// boundary is the phase join check: it reports whether execution must stop
// because the session was paused, cancelled or otherwise finished.
func (e *Executor) boundary(ctx context.Context, sessionID string) (bool, error) {
	sess, err := retry(ctx, "get session", func() (*store.SwarmSession, error) {
		return e.store.GetSession(ctx, sessionID)
	})
	if err != nil {
		return true, e.infraFailure(ctx, sessionID, err)
	}
	if sess == nil {
		return true, nil
	}

	switch sess.Status {
	case store.StatusRunning:
		return false, nil
	case store.StatusPaused:
		holds, err := retry(ctx, "list holds", func() ([]store.BeeSignal, error) {
			return e.store.ListUnresolvedHolds(ctx, sessionID)
		})
		if err != nil {
			slog.Error("could not list holds of paused session", "session", sessionID, "error", err)
		}
		messages := make([]string, 0, len(holds))
		for _, h := range holds {
			messages = append(messages, h.Message)
		}
		slog.Info("session paused on hold", "session", sessionID, "holds", len(holds))
		e.publish(sessionID, "swarm_paused", map[string]any{"holds": messages})
		return true, nil
	default:
		slog.Info("session stopped at phase boundary", "session", sessionID, "status", sess.Status)
		return true, nil
	}
}

func (e *Executor) runPhase(ctx context.Context, job ExecutionJob, phase Phase) error {
	sessionID := job.SwarmSessionID

	pending := make([]store.BeeRun, 0, len(phase.Bees))
	for _, b := range phase.Bees {
		pending = append(pending, store.BeeRun{BeeInstanceID: b.BeeInstanceID, TemplateName: b.TemplateName})
	}
	runs, err := retry(ctx, "create phase runs", func() ([]store.BeeRun, error) {
		return e.store.CreatePhaseRuns(ctx, sessionID, phase.Order, pending)
	})
	if err != nil {
		return err
	}

	all, err := retry(ctx, "list runs", func() ([]store.BeeRun, error) {
		return e.store.ListRuns(ctx, sessionID)
	})
	if err != nil {
		return err
	}
	runByInstance := make(map[string]store.BeeRun, len(all))
	for _, r := range all {
		runByInstance[r.BeeInstanceID] = r
	}

	slots := make(map[string]DispatchBee, len(phase.Bees))
	for _, b := range phase.Bees {
		slots[b.BeeInstanceID] = b
	}

	var open []store.BeeRun
	for _, r := range runs {
		if !r.Finished() {
			open = append(open, r)
		}
	}
	if len(open) == 0 {
		return nil
	}
	e.publish(sessionID, "swarm_phase_started", map[string]any{"phase": phase.Order, "bees": len(open)})

	// Only infrastructure errors cancel siblings. A session finished under a
	// running bee lets the others finish their model calls; their results are
	// discarded when recorded.
	g, gctx := errgroup.WithContext(ctx)
	for _, run := range open {
		g.Go(func() error {
			err := e.runBee(gctx, job, slots[run.BeeInstanceID], run, runByInstance)
			if errors.Is(err, store.ErrSessionFinished) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// runBee executes one bee. Bee-level problems are recorded on the run and
// return nil; only store failures and cancellation are returned.
func (e *Executor) runBee(ctx context.Context, job ExecutionJob, slot DispatchBee, run store.BeeRun, runs map[string]store.BeeRun) error {
	sessionID := job.SwarmSessionID
	log := slog.With("session", sessionID, "bee", slot.TemplateName, "run", run.ID)

	b, err := retry(ctx, "load bee", func() (*bee.Bee, error) {
		return e.catalog.Bee(slot.BeeInstanceID)
	})
	if err != nil {
		return err
	}
	if b == nil {
		return e.recordFailure(ctx, slot, run, 0, 0, "bee instance no longer exists")
	}

	handovers, err := retry(ctx, "consume handovers", func() ([]store.Handover, error) {
		return e.store.ConsumeHandovers(ctx, sessionID, slot.BeeInstanceID, run.ID)
	})
	if err != nil {
		return err
	}
	snapshot, err := retry(ctx, "context snapshot", func() ([]store.ContextEntry, error) {
		return e.store.GetContextSnapshot(ctx, sessionID)
	})
	if err != nil {
		return err
	}

	missing := missingUpstreams(slot, handovers, runs)
	if len(missing) > 0 {
		log.Warn("expected handovers missing", "upstreams", missing)
		sig := &store.BeeSignal{
			SwarmSessionID: sessionID,
			BeeRunID:       run.ID,
			Type:           store.SignalWarning,
			Message:        "missing handover from " + strings.Join(missing, ", "),
		}
		if err := retryDo(ctx, "add signal", func() error { return e.store.AddSignal(ctx, sig, slot.Order) }); err != nil {
			return err
		}
	}

	prompt := buildBeePrompt(beePromptInput{
		Job:       job,
		Bee:       *b,
		Slot:      slot,
		Snapshot:  snapshot,
		Handovers: handovers,
		Missing:   missing,
	})
	err = retryDo(ctx, "mark run running", func() error {
		return e.store.MarkRunRunning(ctx, sessionID, run.ID, prompt)
	})
	if errors.Is(err, store.ErrRunFinished) {
		return nil
	}
	if err != nil {
		return err
	}

	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.beeTimeout)
	resp, err := e.model.Generate(callCtx, llm.Request{System: b.SystemPrompt, Prompt: prompt, JSON: true})
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() != nil {
			// Shutdown, not a bee failure: the run stays open and is redone on redelivery.
			return ctx.Err()
		}
		reason := "model error: " + err.Error()
		if timedOut {
			reason = fmt.Sprintf("timed out after %s", e.beeTimeout)
		}
		log.Warn("bee failed", "reason", reason)
		return e.recordFailure(ctx, slot, run, resp.TokensUsed, elapsed, reason)
	}

	out, err := ParseBeeOutput(resp.Text)
	if err != nil {
		log.Warn("bee returned invalid output", "error", err)
		return e.recordFailure(ctx, slot, run, resp.TokensUsed, elapsed, err.Error())
	}

	payload, _ := json.Marshal(contextPayload{
		Bee:        slot.TemplateName,
		InstanceID: slot.BeeInstanceID,
		Status:     store.RunCompleted,
		Summary:    out.Summary,
		Result:     out.Result,
	})
	outcome := store.RunOutcome{
		SessionID:  sessionID,
		RunID:      run.ID,
		Phase:      slot.Order,
		Status:     store.RunCompleted,
		Output:     strings.TrimSpace(resp.Text),
		TokensUsed: resp.TokensUsed,
		DurationMs: elapsed,
		Context:    payload,
		Handovers:  e.resolveHandovers(job.DispatchPlan, slot, out.HandoverData),
	}
	for _, s := range out.Signals {
		outcome.Signals = append(outcome.Signals, store.BeeSignal{Type: s.Type, Message: s.Message})
	}

	if err := e.record(ctx, outcome); err != nil {
		return err
	}

	e.publish(sessionID, "swarm_bee_completed", map[string]any{
		"bee":     slot.TemplateName,
		"phase":   slot.Order,
		"summary": truncate(out.Summary, 200),
	})
	for _, s := range outcome.Signals {
		e.publish(sessionID, "swarm_signal", map[string]any{
			"signal_id": s.ID,
			"bee":       slot.TemplateName,
			"type":      s.Type,
			"message":   s.Message,
		})
	}
	return nil
}

func (e *Executor) recordFailure(ctx context.Context, slot DispatchBee, run store.BeeRun, tokens int, elapsed int64, reason string) error {
	payload, _ := json.Marshal(contextPayload{
		Bee:        slot.TemplateName,
		InstanceID: slot.BeeInstanceID,
		Status:     store.RunFailed,
		Error:      reason,
	})
	err := e.record(ctx, store.RunOutcome{
		SessionID:  run.SwarmSessionID,
		RunID:      run.ID,
		Phase:      slot.Order,
		Status:     store.RunFailed,
		StatusText: reason,
		TokensUsed: tokens,
		DurationMs: elapsed,
		Context:    payload,
	})
	if err != nil {
		return err
	}
	e.publish(run.SwarmSessionID, "swarm_bee_failed", map[string]any{
		"bee":    slot.TemplateName,
		"phase":  slot.Order,
		"reason": reason,
	})
	return nil
}

// record persists an outcome. Outcomes for sessions that finished meanwhile are
// discarded, as are duplicates of an already recorded run.
func (e *Executor) record(ctx context.Context, o store.RunOutcome) error {
	_, err := retry(ctx, "record run outcome", func() (bool, error) {
		return e.store.RecordRunOutcome(ctx, o)
	})
	switch {
	case errors.Is(err, store.ErrSessionFinished):
		slog.Info("discarding bee result for finished session", "session", o.SessionID, "run", o.RunID)
		return store.ErrSessionFinished
	case errors.Is(err, store.ErrRunFinished):
		return nil
	}
	return err
}

// resolveHandovers maps handover targets to instances later in the plan.
// A handover without a target goes to every bee that depends on the sender.
func (e *Executor) resolveHandovers(plan DispatchPlan, from DispatchBee, data []HandoverData) []store.Handover {
	var out []store.Handover
	for _, h := range data {
		var targets []string
		for _, b := range plan.SelectedBees {
			if b.Order <= from.Order {
				continue
			}
			switch {
			case h.To == "":
				for _, dep := range b.DependsOn {
					if dep == from.BeeInstanceID {
						targets = append(targets, b.BeeInstanceID)
					}
				}
			case strings.EqualFold(h.To, b.TemplateName) || h.To == b.BeeInstanceID:
				targets = append(targets, b.BeeInstanceID)
			}
		}
		if len(targets) == 0 {
			slog.Debug("handover has no later recipient, dropping", "from", from.TemplateName, "to", h.To)
			continue
		}
		for _, t := range targets {
			out = append(out, store.Handover{
				ToBeeInstanceID: t,
				Type:            h.Type,
				Summary:         h.Summary,
				Data:            h.Data,
				Request:         h.Request,
				Constraints:     h.Constraints,
			})
		}
	}
	return out
}

// missingUpstreams lists the template names of dependencies that did not hand
// anything over to this bee.
func missingUpstreams(slot DispatchBee, handovers []store.Handover, runs map[string]store.BeeRun) []string {
	if len(slot.DependsOn) == 0 {
		return nil
	}
	fromRun := make(map[string]bool, len(handovers))
	for _, h := range handovers {
		fromRun[h.FromBeeRunID] = true
	}
	var missing []string
	for _, dep := range slot.DependsOn {
		r, ok := runs[dep]
		if ok && r.Status == store.RunCompleted && fromRun[r.ID] {
			continue
		}
		name := dep
		if ok && r.TemplateName != "" {
			name = r.TemplateName
		}
		missing = append(missing, name)
	}
	return missing
}

func (e *Executor) synthesize(ctx context.Context, job ExecutionJob, slot DispatchBee, hasBee bool, lastPhase int) error {
	sessionID := job.SwarmSessionID
	log := slog.With("session", sessionID)

	snapshot, err := retry(ctx, "context snapshot", func() ([]store.ContextEntry, error) {
		return e.store.GetContextSnapshot(ctx, sessionID)
	})
	if err != nil {
		return e.infraFailure(ctx, sessionID, err)
	}

	in := SynthesisInput{
		TriggerMessage: job.TriggerMessage,
		Outputs:        completedOutputs(snapshot),
		Verbosity:      orDefault(job.Verbosity, e.verbosity),
		Formality:      orDefault(job.Formality, e.formality),
	}

	var run store.BeeRun
	if hasBee {
		runs, err := retry(ctx, "create synthesis run", func() ([]store.BeeRun, error) {
			return e.store.CreatePhaseRuns(ctx, sessionID, slot.Order,
				[]store.BeeRun{{BeeInstanceID: slot.BeeInstanceID, TemplateName: slot.TemplateName}})
		})
		if errors.Is(err, store.ErrSessionFinished) {
			return nil
		}
		if err != nil {
			return e.infraFailure(ctx, sessionID, err)
		}
		run = runs[0]
		if run.Status == store.RunCompleted {
			// Synthesis was recorded before a crash; only the session update is missing.
			return e.complete(ctx, sessionID, run.Output)
		}
		if b, _ := e.catalog.Bee(slot.BeeInstanceID); b != nil {
			in.System = b.SystemPrompt
		}
		if err := e.store.MarkRunRunning(ctx, sessionID, run.ID, buildSynthesisPrompt(in)); err != nil {
			if errors.Is(err, store.ErrSessionFinished) || errors.Is(err, store.ErrRunFinished) {
				return nil
			}
			return e.infraFailure(ctx, sessionID, err)
		}
		e.publish(sessionID, "swarm_phase_started", map[string]any{"phase": slot.Order, "bees": 1})
	}

	log.Info("synthesizing", "outputs", len(in.Outputs))
	start := time.Now()
	callCtx, cancel := context.WithTimeout(ctx, e.beeTimeout)
	resp, err := Synthesize(callCtx, e.model, in)
	cancel()
	elapsed := time.Since(start).Milliseconds()

	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Error("synthesis failed", "error", err)
		if hasBee {
			if rerr := e.recordFailure(ctx, slot, run, resp.TokensUsed, elapsed, err.Error()); rerr != nil && !errors.Is(rerr, store.ErrSessionFinished) {
				return e.infraFailure(ctx, sessionID, rerr)
			}
		}
		return e.fail(ctx, sessionID, err.Error())
	}

	if hasBee {
		result, _ := json.Marshal(resp.Text)
		payload, _ := json.Marshal(contextPayload{
			Bee:        slot.TemplateName,
			InstanceID: slot.BeeInstanceID,
			Status:     store.RunCompleted,
			Summary:    "final synthesis",
			Result:     result,
		})
		err := e.record(ctx, store.RunOutcome{
			SessionID:  sessionID,
			RunID:      run.ID,
			Phase:      slot.Order,
			Status:     store.RunCompleted,
			Output:     resp.Text,
			TokensUsed: resp.TokensUsed,
			DurationMs: elapsed,
			Context:    payload,
		})
		if errors.Is(err, store.ErrSessionFinished) {
			return nil
		}
		if err != nil {
			return e.infraFailure(ctx, sessionID, err)
		}
	}

	log.Info("synthesis done", "phases", lastPhase+1, "tokens", resp.TokensUsed)
	return e.complete(ctx, sessionID, resp.Text)
}

func (e *Executor) complete(ctx context.Context, sessionID, result string) error {
	err := retryDo(ctx, "complete session", func() error {
		return e.store.CompleteSession(ctx, sessionID, result)
	})
	if errors.Is(err, store.ErrSessionFinished) {
		slog.Info("session finished before synthesis was stored", "session", sessionID)
		return nil
	}
	if err != nil {
		// A hold raised meanwhile leaves the session paused.
		if stop, berr := e.boundary(ctx, sessionID); stop && berr == nil {
			return nil
		}
		return e.infraFailure(ctx, sessionID, err)
	}

	slog.Info("swarm completed", "session", sessionID)
	e.publish(sessionID, "swarm_completed", map[string]any{"result": truncate(result, 500)})
	return nil
}

// fail marks the session failed with a human-readable reason.
func (e *Executor) fail(ctx context.Context, sessionID, reason string) error {
	err := retryDo(ctx, "fail session", func() error {
		return e.store.FailSession(ctx, sessionID, reason)
	})
	if err != nil && !errors.Is(err, store.ErrSessionFinished) {
		slog.Error("could not mark session failed", "session", sessionID, "error", err)
		return err
	}
	if err == nil {
		e.publish(sessionID, "swarm_failed", map[string]any{"error": reason})
	}
	return nil
}

func (e *Executor) infraFailure(ctx context.Context, sessionID string, cause error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	slog.Error("swarm infrastructure error", "session", sessionID, "error", cause)
	if err := e.fail(context.WithoutCancel(ctx), sessionID, "infrastructure error: "+cause.Error()); err != nil {
		return errors.Join(cause, err)
	}
	return nil
}

func (e *Executor) publish(sessionID, eventType string, data map[string]any) {
	publishEvent(e.pub, sessionID, eventType, data)
}

func publishEvent(pub Publisher, sessionID, eventType string, data map[string]any) {
	if pub == nil {
		return
	}
	event := map[string]any{
		"type":      eventType,
		"swarm_id":  sessionID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data":      data,
	}
	if err := pub.PublishJSON(natsbus.TopicEventsSwarmID(sessionID), event); err != nil {
		slog.Debug("publish swarm event failed", "type", eventType, "error", err)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// truncate shortens s to at most max runes.
func truncate(s string, max int) string {
	if utf8.RuneCountInString(s) <= max {
		return s
	}
	n := 0
	for i := range s {
		if n == max {
			return s[:i] + "..."
		}
		n++
	}
	return s
}
