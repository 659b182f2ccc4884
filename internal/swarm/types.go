package swarm

import (
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"github.com/soomehta/hive/internal/bee"
	"github.com/soomehta/hive/internal/store"
)

var (
	// ErrNoEligibleBees is a planning error: nothing in the catalog can serve the request.
	ErrNoEligibleBees = errors.New("no eligible bees")
	// ErrInvalidRequest is a planning error for malformed trigger input.
	ErrInvalidRequest = errors.New("invalid dispatch request")
	// ErrInvalidPlan is returned for plans that break ordering rules.
	ErrInvalidPlan = errors.New("invalid dispatch plan")
	// ErrInvalidOutput marks bee output that failed schema validation.
	ErrInvalidOutput = errors.New("invalid bee output")
	// ErrSynthesis marks a failed final synthesis.
	ErrSynthesis = errors.New("synthesis failed")
	// ErrHoldPending is returned when a paused session still has unresolved holds.
	ErrHoldPending = errors.New("unresolved hold signals")
)

type Mode string

const (
	ModeDirect Mode = "direct"
	ModeSwarm  Mode = "swarm"
)

// DispatchBee is one bee's slot in a plan. Bees sharing an Order run concurrently.
type DispatchBee struct {
	BeeInstanceID  string      `json:"beeInstanceId"`
	TemplateName   string      `json:"templateName"`
	Type           bee.Type    `json:"type"`
	Subtype        bee.Subtype `json:"subtype"`
	Order          int         `json:"order"`
	RelevanceScore float64     `json:"relevanceScore"`
	Reason         string      `json:"reason"`
	// DependsOn lists instances whose handovers this bee expects.
	DependsOn []string `json:"dependsOn,omitempty"`
}

type DispatchPlan struct {
	Mode                Mode          `json:"mode"`
	ComplexityScore     float64       `json:"complexityScore"`
	ComplexityReasons   []string      `json:"complexityReasons"`
	SelectedBees        []DispatchBee `json:"selectedBees"`
	EstimatedDurationMs int64         `json:"estimatedDurationMs"`
}

// Phase is the set of bees sharing one order value.
type Phase struct {
	Order int
	Bees  []DispatchBee
}

// Phases groups the selected bees by order, ascending.
func (p DispatchPlan) Phases() []Phase {
	byOrder := make(map[int][]DispatchBee)
	var orders []int
	for _, b := range p.SelectedBees {
		if _, ok := byOrder[b.Order]; !ok {
			orders = append(orders, b.Order)
		}
		byOrder[b.Order] = append(byOrder[b.Order], b)
	}
	slices.Sort(orders)

	phases := make([]Phase, 0, len(orders))
	for _, o := range orders {
		phases = append(phases, Phase{Order: o, Bees: byOrder[o]})
	}
	return phases
}

// Synthesizer returns the assistant bee that closes the plan, if any.
func (p DispatchPlan) Synthesizer() (DispatchBee, bool) {
	for _, b := range p.SelectedBees {
		if b.Type == bee.TypeAssistant {
			return b, true
		}
	}
	return DispatchBee{}, false
}

// Validate checks the ordering rules every swarm plan must satisfy.
func (p DispatchPlan) Validate() error {
	if p.Mode != ModeDirect && p.Mode != ModeSwarm {
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidPlan, p.Mode)
	}
	if p.Mode == ModeSwarm && len(p.SelectedBees) == 0 {
		return fmt.Errorf("%w: swarm plan selects no bees", ErrInvalidPlan)
	}

	seen := make(map[string]bool, len(p.SelectedBees))
	assistants := 0
	for _, b := range p.SelectedBees {
		if b.Order < 0 {
			return fmt.Errorf("%w: negative order for %s", ErrInvalidPlan, b.TemplateName)
		}
		if seen[b.BeeInstanceID] {
			return fmt.Errorf("%w: instance %s selected twice", ErrInvalidPlan, b.BeeInstanceID)
		}
		seen[b.BeeInstanceID] = true
		if b.Type == bee.TypeAssistant {
			assistants++
		}
	}
	if assistants > 1 {
		return fmt.Errorf("%w: more than one synthesizer", ErrInvalidPlan)
	}

	if synth, ok := p.Synthesizer(); ok && p.Mode == ModeSwarm {
		for _, b := range p.SelectedBees {
			if b.BeeInstanceID != synth.BeeInstanceID && b.Order >= synth.Order {
				return fmt.Errorf("%w: synthesizer must run alone in the last phase", ErrInvalidPlan)
			}
		}
	}
	return nil
}

// ExecutionJob is the message that drives one session forward. A resumed
// session is resubmitted with the same plan it was created with.
type ExecutionJob struct {
	SwarmSessionID string       `json:"swarmSessionId"`
	UserID         string       `json:"userId"`
	OrgID          string       `json:"orgId"`
	TriggerMessage string       `json:"triggerMessage"`
	DispatchPlan   DispatchPlan `json:"dispatchPlan"`
	Verbosity      string       `json:"verbosity,omitempty"`
	Formality      string       `json:"formality,omitempty"`
}

// JobFromSession rebuilds the execution job from the persisted session.
func JobFromSession(sess *store.SwarmSession) (ExecutionJob, error) {
	var plan DispatchPlan
	if err := json.Unmarshal(sess.DispatchPlan, &plan); err != nil {
		return ExecutionJob{}, fmt.Errorf("decode dispatch plan of %s: %w", sess.ID, err)
	}
	return ExecutionJob{
		SwarmSessionID: sess.ID,
		UserID:         sess.UserID,
		OrgID:          sess.OrgID,
		TriggerMessage: sess.TriggerMessage,
		DispatchPlan:   plan,
		Verbosity:      sess.Verbosity,
		Formality:      sess.Formality,
	}, nil
}
