package swarm

import (
	"context"
	"fmt"
	"strings"

	"github.com/soomehta/hive/internal/llm"
)

const defaultSynthesizerPrompt = `You are the assistant that speaks to the user. Merge the findings of every
specialist into one coherent answer. Do not mention the specialists by name unless it helps the user.`

var verbosityGuide = map[string]string{
	"concise":  "Keep it short: a few sentences or a tight bullet list.",
	"balanced": "Be complete but economical.",
	"detailed": "Be thorough and include supporting detail.",
}

var formalityGuide = map[string]string{
	"casual":  "Use a friendly, informal tone.",
	"neutral": "Use a plain, professional tone.",
	"formal":  "Use a formal register.",
}

type SynthesisInput struct {
	System         string
	TriggerMessage string
	Outputs        []PhaseOutput
	Verbosity      string
	Formality      string
}

// Synthesize asks the model for the final plain-text answer. An error or an
// empty answer wraps ErrSynthesis.
func Synthesize(ctx context.Context, model llm.Model, in SynthesisInput) (llm.Response, error) {
	system := in.System
	if strings.TrimSpace(system) == "" {
		system = defaultSynthesizerPrompt
	}

	resp, err := model.Generate(ctx, llm.Request{
		System: system,
		Prompt: buildSynthesisPrompt(in),
	})
	if err != nil {
		return resp, fmt.Errorf("%w: %v", ErrSynthesis, err)
	}
	resp.Text = strings.TrimSpace(resp.Text)
	if resp.Text == "" {
		return resp, fmt.Errorf("%w: empty answer", ErrSynthesis)
	}
	return resp, nil
}

func buildSynthesisPrompt(in SynthesisInput) string {
	var sb strings.Builder

	sb.WriteString("## User Request\n\n")
	sb.WriteString(in.TriggerMessage)
	sb.WriteString("\n\n")

	sb.WriteString("## Results from All Bees\n\n")
	if len(in.Outputs) == 0 {
		sb.WriteString("No bee produced a usable result. Tell the user what could not be done.\n\n")
	}
	for _, o := range in.Outputs {
		fmt.Fprintf(&sb, "### %s (phase %d)\n\nSummary: %s\n\n%s\n\n", o.Bee, o.Phase, o.Summary, o.Result)
	}

	sb.WriteString("## Style\n\n")
	if g, ok := verbosityGuide[in.Verbosity]; ok {
		sb.WriteString(g + "\n")
	}
	if g, ok := formalityGuide[in.Formality]; ok {
		sb.WriteString(g + "\n")
	}
	sb.WriteString("Answer in plain text for direct display. Do not return JSON. Use every result above.\n")
	return sb.String()
}
