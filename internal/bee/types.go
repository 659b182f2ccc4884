// Package bee is the catalog of bee templates and their org-scoped instances.
package bee

import (
	"slices"
	"strings"

	"github.com/soomehta/hive/internal/store"
)

// Type is the broad role of a bee template.
type Type string

const (
	TypeAssistant Type = "assistant"
	TypeAdmin     Type = "admin"
	TypeManager   Type = "manager"
	TypeOperator  Type = "operator"
)

func (t Type) Valid() bool {
	switch t {
	case TypeAssistant, TypeAdmin, TypeManager, TypeOperator:
		return true
	}
	return false
}

// Subtype refines a Type and drives phase assignment.
type Subtype string

const (
	SubtypeNone         Subtype = "none"
	SubtypeOrchestrator Subtype = "orchestrator"
	SubtypeCoordinator  Subtype = "coordinator"
	SubtypeSpecialist   Subtype = "specialist"
	SubtypeAnalyst      Subtype = "analyst"
	SubtypeCompliance   Subtype = "compliance"
)

func (s Subtype) Valid() bool {
	switch s {
	case SubtypeNone, SubtypeOrchestrator, SubtypeCoordinator, SubtypeSpecialist, SubtypeAnalyst, SubtypeCompliance:
		return true
	}
	return false
}

// Watcher reports whether bees of this subtype join every swarm regardless of triggers.
func (s Subtype) Watcher() bool {
	return s == SubtypeAnalyst || s == SubtypeCompliance
}

// AutonomyTier bounds what a bee may do without a human.
type AutonomyTier string

const (
	AutoExecute   AutonomyTier = "auto_execute"
	ExecuteNotify AutonomyTier = "execute_notify"
	DraftApprove  AutonomyTier = "draft_approve"
	SuggestOnly   AutonomyTier = "suggest_only"
)

func (a AutonomyTier) Valid() bool {
	switch a {
	case AutoExecute, ExecuteNotify, DraftApprove, SuggestOnly:
		return true
	}
	return false
}

// Bee is an active instance joined with its template, the unit the planner works on.
type Bee struct {
	InstanceID       string
	Name             string
	TemplateID       string
	TemplateName     string
	Type             Type
	Subtype          Subtype
	SystemPrompt     string
	AutonomyTier     AutonomyTier
	ToolAccess       []string
	Triggers         store.TriggerConditions
	HandoverTargets  []string
	ContextOverrides map[string]any
}

func fromActive(a store.ActiveBee) Bee {
	return Bee{
		InstanceID:       a.Instance.ID,
		Name:             a.Instance.Name,
		TemplateID:       a.Template.ID,
		TemplateName:     a.Template.Name,
		Type:             Type(a.Template.Type),
		Subtype:          Subtype(a.Template.Subtype),
		SystemPrompt:     a.Template.SystemPrompt,
		AutonomyTier:     AutonomyTier(a.Template.DefaultAutonomyTier),
		ToolAccess:       a.Template.ToolAccess,
		Triggers:         a.Template.TriggerConditions,
		HandoverTargets:  a.Template.HandoverTargets,
		ContextOverrides: a.Instance.ContextOverrides,
	}
}

// MatchTriggers reports whether intent is one of the bee's trigger intents and
// which trigger keywords appear in message. Matching is case-insensitive.
func (b Bee) MatchTriggers(intent, message string) (intentHit bool, keywords []string) {
	intent = strings.ToLower(strings.TrimSpace(intent))
	if intent != "" {
		intentHit = slices.ContainsFunc(b.Triggers.Intents, func(i string) bool {
			return strings.EqualFold(i, intent)
		})
	}
	lower := strings.ToLower(message)
	for _, kw := range b.Triggers.Keywords {
		kw = strings.ToLower(strings.TrimSpace(kw))
		if kw != "" && strings.Contains(lower, kw) {
			keywords = append(keywords, kw)
		}
	}
	return intentHit, keywords
}

// HandsOverTo reports whether this bee's template lists other as a handover target.
func (b Bee) HandsOverTo(other Bee) bool {
	return slices.ContainsFunc(b.HandoverTargets, func(name string) bool {
		return strings.EqualFold(name, other.TemplateName)
	})
}
