package swarm

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/soomehta/hive/internal/bee"
)

type PlanInput struct {
	Message  string
	Intent   string
	Entities map[string]any
	Bees     []bee.Bee
}

// Planner turns a scored request into a DispatchPlan.
type Planner struct {
	PhaseBaseMs int64
	BeeExtraMs  int64
}

type candidate struct {
	bee       bee.Bee
	relevance float64
	reason    string
}

// Plan selects bees and assigns phase orders. Watchers (analyst, compliance)
// run first at order 0; worker bees follow in handover-dependency depth; the
// assistant synthesizer runs alone after everything else. When the swarm would
// have nothing to do the plan falls back to direct mode. ErrNoEligibleBees is
// returned only when no bee at all can take the request.
func (p Planner) Plan(in PlanInput, score ScoreResult) (DispatchPlan, error) {
	plan := DispatchPlan{
		Mode:              score.Mode,
		ComplexityScore:   score.Score,
		ComplexityReasons: slices.Clone(score.Reasons),
	}
	if len(in.Bees) == 0 {
		return plan, ErrNoEligibleBees
	}

	var watchers, workers []candidate
	var synth *candidate
	seen := make(map[string]bool, len(in.Bees))
	for _, b := range in.Bees {
		if seen[b.InstanceID] {
			continue
		}
		seen[b.InstanceID] = true

		c, triggered := rate(b, in.Intent, in.Message)
		switch {
		case b.Type == bee.TypeAssistant:
			if synth == nil || c.relevance > synth.relevance {
				c.reason = "synthesizes the final answer"
				cc := c
				synth = &cc
			}
		case b.Subtype.Watcher():
			if c.relevance < 0.3 {
				c.relevance = 0.3
			}
			if !triggered {
				c.reason = "always-on " + string(b.Subtype) + " watcher"
			}
			watchers = append(watchers, c)
		case triggered:
			workers = append(workers, c)
		}
	}

	if plan.Mode == ModeDirect {
		return p.direct(plan, workers, watchers, synth), nil
	}

	if len(workers) == 0 && len(watchers) == 0 {
		plan.Mode = ModeDirect
		plan.ComplexityReasons = append(plan.ComplexityReasons, "no eligible bees for a swarm")
		return p.direct(plan, workers, watchers, synth), nil
	}

	depth, deps, err := workerDepths(workers)
	if err != nil {
		return plan, err
	}

	// Order 0 belongs to watchers; workers start at 1 even when no watcher joins.
	offset := 1
	maxOrder := -1
	for _, c := range watchers {
		plan.SelectedBees = append(plan.SelectedBees, dispatchBee(c, 0, nil))
		maxOrder = 0
	}
	for _, c := range workers {
		order := offset + depth[c.bee.InstanceID]
		plan.SelectedBees = append(plan.SelectedBees, dispatchBee(c, order, deps[c.bee.InstanceID]))
		maxOrder = max(maxOrder, order)
	}
	if synth != nil {
		plan.SelectedBees = append(plan.SelectedBees, dispatchBee(*synth, maxOrder+1, nil))
	}

	slices.SortStableFunc(plan.SelectedBees, func(a, b DispatchBee) int {
		if a.Order != b.Order {
			return a.Order - b.Order
		}
		if c := strings.Compare(a.TemplateName, b.TemplateName); c != 0 {
			return c
		}
		return strings.Compare(a.BeeInstanceID, b.BeeInstanceID)
	})

	plan.EstimatedDurationMs = p.estimate(plan)
	if err := plan.Validate(); err != nil {
		return plan, err
	}
	return plan, nil
}

// direct picks the single most relevant bee to answer on its own.
func (p Planner) direct(plan DispatchPlan, workers, watchers []candidate, synth *candidate) DispatchPlan {
	plan.Mode = ModeDirect
	var best *candidate
	for _, group := range [][]candidate{workers, watchers} {
		for i := range group {
			if best == nil || group[i].relevance > best.relevance {
				best = &group[i]
			}
		}
		if best != nil {
			break
		}
	}
	if best == nil {
		best = synth
	}
	if best != nil {
		plan.SelectedBees = []DispatchBee{dispatchBee(*best, 0, nil)}
	}
	plan.EstimatedDurationMs = p.estimate(plan)
	return plan
}

// estimate grows by PhaseBaseMs per phase and by BeeExtraMs per extra bee in a
// phase, so wide phases cost less than additional phases.
func (p Planner) estimate(plan DispatchPlan) int64 {
	var total int64
	for _, ph := range plan.Phases() {
		total += p.PhaseBaseMs + int64(len(ph.Bees)-1)*p.BeeExtraMs
	}
	return total
}

func rate(b bee.Bee, intent, message string) (candidate, bool) {
	c := candidate{bee: b}
	hit, kws := b.MatchTriggers(intent, message)
	var reasons []string
	if hit {
		c.relevance += 0.5
		reasons = append(reasons, "matched intent "+intent)
	}
	if len(kws) > 0 {
		c.relevance += min(0.2*float64(len(kws)), 0.5)
		reasons = append(reasons, "keywords: "+strings.Join(kws, ", "))
	}
	c.relevance = min(c.relevance, 1)
	c.reason = strings.Join(reasons, "; ")
	return c, hit || len(kws) > 0
}

func dispatchBee(c candidate, order int, deps []string) DispatchBee {
	return DispatchBee{
		BeeInstanceID:  c.bee.InstanceID,
		TemplateName:   c.bee.TemplateName,
		Type:           c.bee.Type,
		Subtype:        c.bee.Subtype,
		Order:          order,
		RelevanceScore: c.relevance,
		Reason:         c.reason,
		DependsOn:      deps,
	}
}

// handsOff reports whether a is expected to hand work to b.
func handsOff(a, b bee.Bee) bool {
	if a.HandsOverTo(b) {
		return true
	}
	lead := a.Subtype == bee.SubtypeOrchestrator || a.Subtype == bee.SubtypeCoordinator
	return lead && b.Subtype == bee.SubtypeSpecialist
}

// workerDepths orders workers by Kahn depth over handover edges. Workers with no
// inferable dependency share depth 0. A cycle is a planning error.
func workerDepths(workers []candidate) (map[string]int, map[string][]string, error) {
	edges := make(map[string][]string)
	inDegree := make(map[string]int, len(workers))
	deps := make(map[string][]string)
	for _, w := range workers {
		inDegree[w.bee.InstanceID] = 0
	}
	for _, a := range workers {
		for _, b := range workers {
			if a.bee.InstanceID == b.bee.InstanceID || !handsOff(a.bee, b.bee) {
				continue
			}
			edges[a.bee.InstanceID] = append(edges[a.bee.InstanceID], b.bee.InstanceID)
			inDegree[b.bee.InstanceID]++
			deps[b.bee.InstanceID] = append(deps[b.bee.InstanceID], a.bee.InstanceID)
		}
	}

	depth := make(map[string]int, len(workers))
	var queue []string
	for _, w := range workers {
		if inDegree[w.bee.InstanceID] == 0 {
			queue = append(queue, w.bee.InstanceID)
			depth[w.bee.InstanceID] = 0
		}
	}

	processed := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		processed++

		for _, next := range edges[node] {
			inDegree[next]--
			if d := depth[node] + 1; d > depth[next] {
				depth[next] = d
			}
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}

	if processed != len(workers) {
		return nil, nil, errors.Join(ErrInvalidPlan, fmt.Errorf("handover targets form a cycle"))
	}
	return depth, deps, nil
}
