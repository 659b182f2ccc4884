package swarm

import (
	"fmt"
	"strings"

	"github.com/soomehta/hive/internal/bee"
)

// Intents that on their own map to one simple action.
var simpleIntents = map[string]bool{
	"create_task":      true,
	"schedule_meeting": true,
	"query":            true,
}

// Intents that call for gathering and combining information.
var analyticalIntents = map[string]bool{
	"report":    true,
	"summarize": true,
}

var multiStepMarkers = []string{" and ", " then ", " also ", " as well as ", "; ", " after that"}

type ScoreInput struct {
	Message  string
	Intent   string
	Entities map[string]any
	Bees     []bee.Bee
	// ForceSwarm skips scoring in favour of swarm mode.
	ForceSwarm bool
}

type ScoreResult struct {
	Score   float64  `json:"complexityScore"`
	Reasons []string `json:"complexityReasons"`
	Mode    Mode     `json:"mode"`
}

// Scorer decides between a direct answer and a swarm. It is a pure function of
// its input.
type Scorer struct {
	Threshold float64
}

func (s Scorer) Score(in ScoreInput) ScoreResult {
	var res ScoreResult

	if in.ForceSwarm {
		res.Score = 1
		res.Reasons = append(res.Reasons, "explicit swarm request")
	} else {
		res.Score, res.Reasons = s.signals(in)
	}

	res.Mode = ModeDirect
	if res.Score >= s.Threshold {
		res.Mode = ModeSwarm
	}

	if res.Mode == ModeSwarm && !hasSpecialists(in.Bees) {
		res.Mode = ModeDirect
		res.Reasons = append(res.Reasons, "no specialists available")
	}
	return res
}

func (s Scorer) signals(in ScoreInput) (float64, []string) {
	var score float64
	var reasons []string
	add := func(w float64, reason string) {
		score += w
		reasons = append(reasons, reason)
	}

	lower := " " + strings.ToLower(in.Message) + " "

	if n := len(in.Entities); n >= 2 {
		add(0.2, fmt.Sprintf("%d entity kinds", n))
	}
	if n := listLen(in.Entities["mentions"]); n > 1 {
		add(0.1, fmt.Sprintf("%d people involved", n))
	}

	steps := 0
	for _, m := range multiStepMarkers {
		steps += strings.Count(lower, m)
	}
	if steps > 0 {
		add(0.15, "multi-step request")
	}

	if words := len(strings.Fields(in.Message)); words > 30 {
		add(0.1, fmt.Sprintf("long request (%d words)", words))
	}

	if analyticalIntents[in.Intent] {
		add(0.15, "analytical intent "+in.Intent)
	} else if !simpleIntents[in.Intent] && in.Intent != "" && in.Intent != "general" {
		add(0.05, "uncommon intent "+in.Intent)
	}

	domains := 0
	for _, b := range in.Bees {
		if b.Type == bee.TypeAssistant || b.Subtype.Watcher() {
			continue
		}
		if hit, kws := b.MatchTriggers(in.Intent, in.Message); hit || len(kws) > 0 {
			domains++
		}
	}
	if domains >= 2 {
		add(0.3, fmt.Sprintf("request spans %d specialist domains", domains))
	}

	if score > 1 {
		score = 1
	}
	return score, reasons
}

// hasSpecialists reports whether any bee other than a synthesizer is active.
func hasSpecialists(bees []bee.Bee) bool {
	for _, b := range bees {
		if b.Type != bee.TypeAssistant {
			return true
		}
	}
	return false
}

// listLen counts the items of an entity list, whether it was built in Go or
// decoded from JSON.
func listLen(v any) int {
	switch l := v.(type) {
	case []string:
		return len(l)
	case []any:
		return len(l)
	}
	return 0
}
