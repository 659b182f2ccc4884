package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/soomehta/hive/internal/bee"
	"github.com/soomehta/hive/internal/config"
	"github.com/soomehta/hive/internal/intent"
	"github.com/soomehta/hive/internal/store"
)

// JobSubmitter hands execution jobs to whatever runs them.
type JobSubmitter interface {
	Submit(ctx context.Context, job ExecutionJob) error
}

// Service is the entry point for everything outside the package: dispatching
// requests, resolving signals and inspecting or cancelling sessions.
type Service struct {
	store      *store.Store
	catalog    *bee.Catalog
	classifier *intent.Classifier
	jobs       JobSubmitter
	pub        Publisher
	scorer     Scorer
	planner    Planner
	verbosity  string
	formality  string
}

func NewService(s *store.Store, catalog *bee.Catalog, classifier *intent.Classifier, jobs JobSubmitter, pub Publisher, cfg config.SwarmConfig) *Service {
	return &Service{
		store:      s,
		catalog:    catalog,
		classifier: classifier,
		jobs:       jobs,
		pub:        pub,
		scorer:     Scorer{Threshold: cfg.ComplexityThreshold},
		planner:    Planner{PhaseBaseMs: cfg.PhaseBaseMs, BeeExtraMs: cfg.BeeExtraMs},
		verbosity:  cfg.Verbosity,
		formality:  cfg.Formality,
	}
}

type DispatchRequest struct {
	OrgID          string         `json:"org_id"`
	UserID         string         `json:"user_id"`
	ProjectID      string         `json:"project_id,omitempty"`
	ConversationID string         `json:"conversation_id,omitempty"`
	Message        string         `json:"message"`
	Intent         string         `json:"intent,omitempty"`
	Entities       map[string]any `json:"entities,omitempty"`
	ForceSwarm     bool           `json:"force_swarm,omitempty"`
	Verbosity      string         `json:"verbosity,omitempty"`
	Formality      string         `json:"formality,omitempty"`
}

// DispatchResult carries the plan and, for swarm mode, the session created for it.
type DispatchResult struct {
	Plan      DispatchPlan `json:"plan"`
	SessionID string       `json:"session_id,omitempty"`
}

// Plan classifies and scores a request and builds its dispatch plan without
// creating anything.
func (s *Service) Plan(ctx context.Context, req DispatchRequest) (DispatchPlan, error) {
	msg := strings.TrimSpace(req.Message)
	if msg == "" {
		return DispatchPlan{}, fmt.Errorf("%w: message is required", ErrInvalidRequest)
	}
	if req.OrgID == "" {
		return DispatchPlan{}, fmt.Errorf("%w: org is required", ErrInvalidRequest)
	}

	intentName, entities, force := req.Intent, req.Entities, req.ForceSwarm
	if intentName == "" {
		c := s.classifier.Classify(ctx, msg)
		intentName, msg = c.Intent, c.Message
		if entities == nil {
			entities = c.Entities
		}
		force = force || c.ForceSwarm
	}

	bees, err := s.catalog.ActiveBees(req.OrgID, req.ProjectID)
	if err != nil {
		return DispatchPlan{}, fmt.Errorf("load bees: %w", err)
	}

	score := s.scorer.Score(ScoreInput{
		Message:    msg,
		Intent:     intentName,
		Entities:   entities,
		Bees:       bees,
		ForceSwarm: force,
	})
	return s.planner.Plan(PlanInput{
		Message:  msg,
		Intent:   intentName,
		Entities: entities,
		Bees:     bees,
	}, score)
}

// Dispatch plans a request. Direct plans are returned to the caller as is;
// swarm plans get a session and an execution job.
func (s *Service) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	plan, err := s.Plan(ctx, req)
	if err != nil {
		return nil, err
	}
	res := &DispatchResult{Plan: plan}
	if plan.Mode == ModeDirect {
		slog.Info("dispatching direct", "org", req.OrgID, "score", plan.ComplexityScore)
		return res, nil
	}

	sess, err := s.CreateSession(ctx, req, plan)
	if err != nil {
		return nil, err
	}
	res.SessionID = sess.ID
	return res, nil
}

// CreateSession persists a session for an already computed swarm plan and
// submits its execution job. When submission fails the session is failed too,
// so nothing is left waiting for a job that never comes.
func (s *Service) CreateSession(ctx context.Context, req DispatchRequest, plan DispatchPlan) (*store.SwarmSession, error) {
	if plan.Mode != ModeSwarm {
		return nil, fmt.Errorf("%w: sessions are only created for swarm plans", ErrInvalidPlan)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	raw, err := json.Marshal(plan)
	if err != nil {
		return nil, fmt.Errorf("marshal plan: %w", err)
	}

	sess := &store.SwarmSession{
		OrgID:          req.OrgID,
		UserID:         req.UserID,
		ConversationID: req.ConversationID,
		TriggerMessage: req.Message,
		DispatchPlan:   raw,
		Verbosity:      orDefault(req.Verbosity, s.verbosity),
		Formality:      orDefault(req.Formality, s.formality),
	}
	if err := s.store.CreateSession(ctx, sess); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	job, err := JobFromSession(sess)
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Submit(ctx, job); err != nil {
		slog.Error("submit execution job failed", "session", sess.ID, "error", err)
		if ferr := s.store.FailSession(context.WithoutCancel(ctx), sess.ID, "could not queue execution: "+err.Error()); ferr != nil {
			slog.Error("fail session after submit error", "session", sess.ID, "error", ferr)
		}
		return nil, fmt.Errorf("submit execution job: %w", err)
	}

	slog.Info("swarm session created", "session", sess.ID, "bees", len(plan.SelectedBees), "score", plan.ComplexityScore)
	return sess, nil
}

type ResolveResult struct {
	Signal  *store.BeeSignal `json:"signal"`
	Resumed bool             `json:"resumed"`
}

// ResolveSignal marks a signal resolved. When that lifts the last hold of a
// paused session, the session's job is resubmitted with its original plan.
func (s *Service) ResolveSignal(ctx context.Context, signalID string) (*ResolveResult, error) {
	sig, err := s.store.ResolveSignal(ctx, signalID)
	if err != nil {
		return nil, err
	}
	if sig == nil {
		return nil, fmt.Errorf("signal %s: %w", signalID, store.ErrNotFound)
	}
	res := &ResolveResult{Signal: sig}

	sess, err := s.store.GetSession(ctx, sig.SwarmSessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil || sess.Status != store.StatusPaused {
		return res, nil
	}
	holds, err := s.store.HasHoldSignal(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	if holds {
		return res, nil
	}

	job, err := JobFromSession(sess)
	if err != nil {
		return nil, err
	}
	if err := s.jobs.Submit(ctx, job); err != nil {
		return nil, fmt.Errorf("resubmit execution job: %w", err)
	}
	slog.Info("last hold resolved, session resubmitted", "session", sess.ID)
	res.Resumed = true
	return res, nil
}

func (s *Service) HasHoldSignal(ctx context.Context, sessionID string) (bool, error) {
	return s.store.HasHoldSignal(ctx, sessionID)
}

// Cancel fails a non-terminal session. Results of bees still running are
// discarded when they arrive.
func (s *Service) Cancel(ctx context.Context, sessionID, reason string) error {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by user"
	}
	if err := s.store.FailSession(ctx, sessionID, reason); err != nil {
		return err
	}
	slog.Info("session cancelled", "session", sessionID, "reason", reason)
	publishEvent(s.pub, sessionID, "swarm_failed", map[string]any{"error": reason})
	return nil
}

// SessionView is a session with everything recorded for it.
type SessionView struct {
	Session *store.SwarmSession `json:"session"`
	Plan    DispatchPlan        `json:"plan"`
	Runs    []store.BeeRun      `json:"runs"`
	Holds   []store.BeeSignal   `json:"holds"`
	Signals []store.BeeSignal   `json:"signals"`
}

func (s *Service) Session(ctx context.Context, sessionID string) (*SessionView, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	view := &SessionView{Session: sess}
	if err := json.Unmarshal(sess.DispatchPlan, &view.Plan); err != nil {
		return nil, fmt.Errorf("decode dispatch plan: %w", err)
	}
	if view.Runs, err = s.store.ListRuns(ctx, sessionID); err != nil {
		return nil, err
	}
	if view.Holds, err = s.store.ListUnresolvedHolds(ctx, sessionID); err != nil {
		return nil, err
	}
	if view.Signals, err = s.store.ListSignals(ctx, sessionID); err != nil {
		return nil, err
	}
	return view, nil
}

func (s *Service) ListSessions(ctx context.Context, orgID string, limit int) ([]store.SwarmSession, error) {
	return s.store.ListSessions(ctx, orgID, limit)
}

// Context returns the session's hive context entries after seq, in append order.
func (s *Service) Context(ctx context.Context, sessionID string, since int64) ([]store.ContextEntry, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return nil, fmt.Errorf("session %s: %w", sessionID, store.ErrNotFound)
	}
	if since > 0 {
		return s.store.ContextSince(ctx, sessionID, since)
	}
	return s.store.GetContextSnapshot(ctx, sessionID)
}

// IsClientError reports whether err was caused by the request rather than by
// the hive itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, ErrInvalidPlan) ||
		errors.Is(err, ErrNoEligibleBees) || errors.Is(err, bee.ErrInvalid)
}
