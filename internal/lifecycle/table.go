// Package lifecycle enforces the per-type status state machine and
// propagates status changes to related entities.
package lifecycle

import (
	"context"

	"github.com/starford/waymark/internal/models"
)

// EntityReader resolves entities for condition checks. GetEntity returns
// an error wrapping apperr.ErrNotFound for unknown ids; GetParent returns
// nil without error when the entity has no parent.
type EntityReader interface {
	GetEntity(ctx context.Context, id models.EntityID) (*models.Entity, error)
	GetChildren(ctx context.Context, id models.EntityID, typ models.EntityType) ([]*models.Entity, error)
	GetParent(ctx context.Context, id models.EntityID) (*models.Entity, error)
}

// EntityStore adds write-back to EntityReader for cascades.
type EntityStore interface {
	EntityReader
	WriteEntity(ctx context.Context, e *models.Entity) error
	ArchiveEntity(ctx context.Context, id models.EntityID, path string) error
}

// Condition names a predicate that must hold for a transition.
type Condition string

// Conditions.
const (
	NoIncompleteBlockers Condition = "no_incomplete_blockers"
	AllChildrenComplete  Condition = "all_children_complete"
	NoChildrenStarted    Condition = "no_children_started"
)

// SideEffect names an observational effect recorded after a transition.
type SideEffect string

// Side effects.
const (
	EffectNotifyParent      SideEffect = "notify_parent"
	EffectNotifyDependents  SideEffect = "notify_dependents"
	EffectNotifyEnabled     SideEffect = "notify_enabled"
	EffectNotifyImplementer SideEffect = "notify_implementers"
	EffectRecordSuperseded  SideEffect = "record_superseded"
)

// Transition is one legal row of a type's state machine.
type Transition struct {
	From        models.Status `json:"from"`
	To          models.Status `json:"to"`
	Action      string        `json:"action"`
	Conditions  []Condition   `json:"conditions,omitempty"`
	SideEffects []SideEffect  `json:"side_effects,omitempty"`
}

func workItemTransitions() []Transition {
	return []Transition{
		{From: models.StatusNotStarted, To: models.StatusInProgress, Action: "start",
			Conditions:  []Condition{NoIncompleteBlockers},
			SideEffects: []SideEffect{EffectNotifyParent}},
		{From: models.StatusInProgress, To: models.StatusCompleted, Action: "complete",
			Conditions:  []Condition{AllChildrenComplete},
			SideEffects: []SideEffect{EffectNotifyParent, EffectNotifyDependents}},
		{From: models.StatusNotStarted, To: models.StatusBlocked, Action: "block",
			SideEffects: []SideEffect{EffectNotifyParent}},
		{From: models.StatusInProgress, To: models.StatusBlocked, Action: "block",
			SideEffects: []SideEffect{EffectNotifyParent}},
		{From: models.StatusBlocked, To: models.StatusInProgress, Action: "unblock",
			Conditions:  []Condition{NoIncompleteBlockers},
			SideEffects: []SideEffect{EffectNotifyParent}},
		{From: models.StatusCompleted, To: models.StatusInProgress, Action: "reopen",
			SideEffects: []SideEffect{EffectNotifyParent}},
		{From: models.StatusInProgress, To: models.StatusNotStarted, Action: "reset",
			Conditions:  []Condition{NoChildrenStarted},
			SideEffects: []SideEffect{EffectNotifyParent}},
	}
}

var transitions = map[models.EntityType][]Transition{
	models.TypeTask:      workItemTransitions(),
	models.TypeStory:     workItemTransitions(),
	models.TypeMilestone: workItemTransitions(),
	models.TypeDecision: {
		{From: models.StatusPending, To: models.StatusDecided, Action: "decide",
			SideEffects: []SideEffect{EffectNotifyEnabled}},
		{From: models.StatusDecided, To: models.StatusSuperseded, Action: "supersede",
			SideEffects: []SideEffect{EffectRecordSuperseded}},
		{From: models.StatusDecided, To: models.StatusPending, Action: "reopen"},
	},
	models.TypeDocument: {
		{From: models.StatusDraft, To: models.StatusReview, Action: "submit"},
		{From: models.StatusReview, To: models.StatusApproved, Action: "approve",
			SideEffects: []SideEffect{EffectNotifyImplementer}},
		{From: models.StatusReview, To: models.StatusDraft, Action: "reject"},
		{From: models.StatusApproved, To: models.StatusDraft, Action: "revise"},
		{From: models.StatusApproved, To: models.StatusSuperseded, Action: "supersede",
			SideEffects: []SideEffect{EffectRecordSuperseded}},
	},
}

// Transitions returns the transition table for t.
func Transitions(t models.EntityType) []Transition {
	return transitions[t]
}

// Lookup returns the row for t moving from -> to.
func Lookup(t models.EntityType, from, to models.Status) (Transition, bool) {
	for _, tr := range transitions[t] {
		if tr.From == from && tr.To == to {
			return tr, true
		}
	}
	return Transition{}, false
}
