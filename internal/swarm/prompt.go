package swarm

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/soomehta/hive/internal/bee"
	"github.com/soomehta/hive/internal/store"
)

// contextPayload is the payload of an output context entry.
type contextPayload struct {
	Bee        string          `json:"bee"`
	InstanceID string          `json:"instanceId"`
	Status     string          `json:"status"`
	Summary    string          `json:"summary,omitempty"`
	Result     json.RawMessage `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

const outputContract = `Respond with a single JSON object and nothing else:
{
  "summary": "one or two sentences on what you found or did",
  "result": <your full result, string or object>,
  "handoverData": [{"to": "<bee name>", "type": "<kind>", "summary": "...", "data": {}, "request": "...", "constraints": []}],
  "signals": [{"type": "info|warning|hold|escalate", "message": "..."}]
}
handoverData and signals are optional. Use a "hold" signal only when a human must decide before work continues.`

type beePromptInput struct {
	Job       ExecutionJob
	Bee       bee.Bee
	Slot      DispatchBee
	Snapshot  []store.ContextEntry
	Handovers []store.Handover
	Missing   []string
}

func buildBeePrompt(in beePromptInput) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "## Bee: %s\n\n", in.Bee.TemplateName)

	sb.WriteString("## Request\n\n")
	sb.WriteString(in.Job.TriggerMessage)
	sb.WriteString("\n\n")

	if in.Slot.Reason != "" {
		fmt.Fprintf(&sb, "You were selected because: %s\n\n", in.Slot.Reason)
	}

	if len(in.Bee.ContextOverrides) > 0 {
		sb.WriteString("## Instance Settings\n\n")
		keys := make([]string, 0, len(in.Bee.ContextOverrides))
		for k := range in.Bee.ContextOverrides {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&sb, "- %s: %v\n", k, in.Bee.ContextOverrides[k])
		}
		sb.WriteString("\n")
	}

	if outputs := completedOutputs(in.Snapshot); len(outputs) > 0 {
		sb.WriteString("## Shared Hive Context\n\n")
		for _, o := range outputs {
			fmt.Fprintf(&sb, "### %s (phase %d)\n\n%s\n\n%s\n\n", o.Bee, o.Phase, o.Summary, o.Result)
		}
	}

	if len(in.Handovers) > 0 {
		sb.WriteString("## Handovers for You\n\n")
		for _, h := range in.Handovers {
			fmt.Fprintf(&sb, "### %s: %s\n\n", h.Type, h.Summary)
			if h.Request != "" {
				fmt.Fprintf(&sb, "Request: %s\n", h.Request)
			}
			if len(h.Data) > 0 {
				fmt.Fprintf(&sb, "Data: %s\n", h.Data)
			}
			for _, c := range h.Constraints {
				fmt.Fprintf(&sb, "Constraint: %s\n", c)
			}
			sb.WriteString("\n")
		}
	}

	if len(in.Missing) > 0 {
		sb.WriteString("## Missing Inputs\n\n")
		sb.WriteString("You expected handovers from these bees but none arrived:\n")
		for _, m := range in.Missing {
			fmt.Fprintf(&sb, "- %s\n", m)
		}
		sb.WriteString("Check whether you can still do your part. If you cannot, say so in the summary and raise a warning signal.\n\n")
	}

	sb.WriteString("## Response Format\n\n")
	sb.WriteString(outputContract)
	sb.WriteString("\n")
	return sb.String()
}

// PhaseOutput is one completed bee's contribution, as read back from the hive context.
type PhaseOutput struct {
	Phase   int
	Bee     string
	Summary string
	Result  string
}

// completedOutputs extracts successful bee outputs in context order.
func completedOutputs(entries []store.ContextEntry) []PhaseOutput {
	var out []PhaseOutput
	for _, e := range entries {
		if e.Type != store.ContextOutput {
			continue
		}
		var p contextPayload
		if err := json.Unmarshal(e.Payload, &p); err != nil || p.Status != store.RunCompleted {
			continue
		}
		out = append(out, PhaseOutput{
			Phase:   e.Phase,
			Bee:     p.Bee,
			Summary: p.Summary,
			Result:  resultText(p.Result),
		})
	}
	return out
}
