// Package intent classifies a user message into an intent label and entities.
package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"slices"
	"strings"

	"github.com/soomehta/hive/internal/llm"
)

// Known intents. Anything else the model returns is mapped to General.
const (
	CreateTask      = "create_task"
	ScheduleMeeting = "schedule_meeting"
	Summarize       = "summarize"
	Report          = "report"
	Query           = "query"
	General         = "general"
)

var known = []string{CreateTask, ScheduleMeeting, Summarize, Report, Query, General}

type Result struct {
	Intent   string         `json:"intent"`
	Entities map[string]any `json:"entities"`
	// ForceSwarm is set by an explicit "@swarm " prefix.
	ForceSwarm bool `json:"force_swarm,omitempty"`
	// Message is the input with any routing prefix removed.
	Message string `json:"message"`
}

type Classifier struct {
	model llm.Model
}

// New returns a classifier. A nil model uses keyword rules only.
func New(model llm.Model) *Classifier {
	return &Classifier{model: model}
}

// Classify never fails: model errors and unparseable answers fall back to rules.
func (c *Classifier) Classify(ctx context.Context, message string) Result {
	res := Result{Message: strings.TrimSpace(message)}
	if rest, ok := strings.CutPrefix(res.Message, "@swarm "); ok {
		res.ForceSwarm = true
		res.Message = strings.TrimSpace(rest)
	}

	if c.model != nil {
		intent, entities, err := c.classifyWithModel(ctx, res.Message)
		if err == nil {
			res.Intent = intent
			res.Entities = entities
			return res
		}
		slog.Debug("intent model failed, using keyword rules", "error", err)
	}

	res.Intent = classifyKeywords(res.Message)
	res.Entities = ExtractEntities(res.Message)
	return res
}

func (c *Classifier) classifyWithModel(ctx context.Context, message string) (string, map[string]any, error) {
	resp, err := c.model.Generate(ctx, llm.Request{
		System: buildClassifierPrompt(),
		Prompt: message,
		JSON:   true,
	})
	if err != nil {
		return "", nil, err
	}

	var out struct {
		Intent   string         `json:"intent"`
		Entities map[string]any `json:"entities"`
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(resp.Text)), &out); err != nil {
		return "", nil, fmt.Errorf("parse classifier output: %w", err)
	}
	intent := strings.ToLower(strings.TrimSpace(out.Intent))
	if !slices.Contains(known, intent) {
		intent = General
	}
	if out.Entities == nil {
		out.Entities = map[string]any{}
	}
	return intent, out.Entities, nil
}

func buildClassifierPrompt() string {
	var b strings.Builder
	b.WriteString("Classify the user's message. Respond with JSON only: ")
	b.WriteString(`{"intent": "<label>", "entities": {"<kind>": <value>}}`)
	b.WriteString("\n\nAllowed intents: ")
	b.WriteString(strings.Join(known, ", "))
	b.WriteString("\nEntity kinds: date, mentions, title, project, people.")
	return b.String()
}

var keywordRules = []struct {
	intent string
	words  []string
}{
	{ScheduleMeeting, []string{"meeting", "schedule a call", "book a", "calendar", "invite"}},
	{CreateTask, []string{"create a task", "add a task", "new task", "todo", "remind me to", "task to"}},
	{Summarize, []string{"summarize", "summarise", "summary", "tl;dr", "recap"}},
	{Report, []string{"report", "status update", "progress", "metrics", "analysis"}},
	{Query, []string{"what", "who", "when", "where", "how many", "which", "?"}},
}

func classifyKeywords(message string) string {
	lower := strings.ToLower(message)
	for _, rule := range keywordRules {
		for _, w := range rule.words {
			if strings.Contains(lower, w) {
				return rule.intent
			}
		}
	}
	return General
}

var (
	datePattern    = regexp.MustCompile(`(?i)\b(today|tomorrow|tonight|next week|next month|(?:by |on |this |next )?(?:monday|tuesday|wednesday|thursday|friday|saturday|sunday)|\d{4}-\d{2}-\d{2})\b`)
	mentionPattern = regexp.MustCompile(`@([A-Za-z0-9_.-]+)`)
	quotedPattern  = regexp.MustCompile(`"([^"]+)"`)
)

// ExtractEntities pulls dates, @mentions and quoted titles out of a message.
func ExtractEntities(message string) map[string]any {
	entities := map[string]any{}
	if m := datePattern.FindString(message); m != "" {
		entities["date"] = strings.ToLower(m)
	}
	var mentions []string
	for _, m := range mentionPattern.FindAllStringSubmatch(message, -1) {
		mentions = append(mentions, m[1])
	}
	if len(mentions) > 0 {
		entities["mentions"] = mentions
	}
	if m := quotedPattern.FindStringSubmatch(message); m != nil {
		entities["title"] = m[1]
	}
	return entities
}
