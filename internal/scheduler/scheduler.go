// Package scheduler periodically requeues swarm sessions whose executor went
// away, so a crash or restart never strands a session in planning or running.
package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/soomehta/hive/internal/config"
	"github.com/soomehta/hive/internal/natsbus"
	"github.com/soomehta/hive/internal/store"
	"github.com/soomehta/hive/internal/swarm"
)

type Scheduler struct {
	store      *store.Store
	jobs       swarm.JobSubmitter
	pub        swarm.Publisher
	cron       string
	staleAfter time.Duration
	now        func() time.Time
}

func New(s *store.Store, jobs swarm.JobSubmitter, pub swarm.Publisher, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:      s,
		jobs:       jobs,
		pub:        pub,
		cron:       cfg.RecoveryCron,
		staleAfter: cfg.StaleAfter,
		now:        time.Now,
	}
}

// nextRun returns the first tick of expr strictly after from.
func nextRun(expr string, from time.Time) (time.Time, error) {
	return gronx.NextTickAfter(expr, from, false)
}

// Start sweeps once immediately, then on every cron tick until ctx is done.
func (s *Scheduler) Start(ctx context.Context) {
	if s.cron == "" {
		slog.Info("recovery scheduler disabled")
		return
	}
	slog.Info("recovery scheduler started", "cron", s.cron, "stale_after", s.staleAfter)

	s.sweep(ctx)
	for {
		next, err := nextRun(s.cron, s.now())
		if err != nil {
			slog.Error("invalid recovery cron, scheduler stopped", "cron", s.cron, "error", err)
			return
		}
		timer := time.NewTimer(time.Until(next))
		select {
		case <-ctx.Done():
			timer.Stop()
			slog.Info("recovery scheduler stopped")
			return
		case <-timer.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	n, err := s.Sweep(ctx)
	if err != nil {
		slog.Error("recovery sweep failed", "error", err)
		return
	}
	if n > 0 {
		slog.Info("requeued stale sessions", "count", n)
	}
}

// Sweep resubmits every planning or running session that has not changed for
// longer than the stale threshold, and every stale paused session whose holds
// are all resolved. Paused sessions still on hold are left to signal
// resolution. It returns the number of sessions requeued.
func (s *Scheduler) Sweep(ctx context.Context) (int, error) {
	before := s.now().Add(-s.staleAfter)
	stale, err := s.store.ListStaleSessions(ctx, []string{store.StatusPlanning, store.StatusRunning, store.StatusPaused}, before)
	if err != nil {
		return 0, err
	}

	requeued := 0
	for i := range stale {
		sess := &stale[i]
		if sess.Status == store.StatusPaused {
			held, err := s.store.HasHoldSignal(ctx, sess.ID)
			if err != nil {
				return requeued, err
			}
			if held {
				continue
			}
		}
		job, err := swarm.JobFromSession(sess)
		if err != nil {
			slog.Error("stale session has an unreadable plan, failing it", "session", sess.ID, "error", err)
			if ferr := s.store.FailSession(ctx, sess.ID, "infrastructure error: "+err.Error()); ferr != nil {
				slog.Error("fail session", "session", sess.ID, "error", ferr)
			}
			continue
		}
		if err := s.jobs.Submit(ctx, job); err != nil {
			return requeued, err
		}
		requeued++
		slog.Info("requeued stale session", "session", sess.ID, "status", sess.Status, "updated_at", sess.UpdatedAt)
		s.publishRequeued(sess)
	}
	return requeued, nil
}

func (s *Scheduler) publishRequeued(sess *store.SwarmSession) {
	if s.pub == nil {
		return
	}
	event := map[string]any{
		"type":      "swarm_requeued",
		"swarm_id":  sess.ID,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"status": sess.Status,
		},
	}
	_ = s.pub.PublishJSON(natsbus.TopicEventsSwarmID(sess.ID), event)
}
