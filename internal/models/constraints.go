package models

import (
	"fmt"
	"sort"
	"strings"
)

// dependsOnTargets lists the entity types each type may depend on.
var dependsOnTargets = map[EntityType][]EntityType{
	TypeMilestone: {TypeMilestone, TypeDecision},
	TypeStory:     {TypeStory, TypeDecision, TypeDocument},
	TypeTask:      {TypeTask, TypeDecision},
	TypeDecision:  {TypeDecision},
	TypeDocument:  {TypeDocument, TypeDecision},
}

var (
	enablesTargets       = []EntityType{TypeDocument, TypeStory, TypeTask}
	implementedByTargets = []EntityType{TypeStory, TypeTask}
	implementsTargets    = []EntityType{TypeDocument}
)

// expectedParent is the only parent type allowed for a child type. Types
// absent from the map may not have a parent constraint.
var expectedParent = map[EntityType]EntityType{
	TypeStory: TypeMilestone,
	TypeTask:  TypeStory,
}

// CheckRelationship validates that an edge of kind rel from an entity of
// type from to one of type to is allowed by the vault's type rules.
//
// depends_on is stored as blocked_by on the dependent, and a decision's
// enables list is stored as blocks; both are checked here under those names.
func CheckRelationship(from EntityType, rel RelationType, to EntityType) Verdict {
	if !rel.Valid() {
		return Reject(fmt.Sprintf("unknown relationship type %q", rel))
	}
	switch rel {
	case RelBlockedBy:
		if allowed := dependsOnTargets[from]; !containsType(allowed, to) {
			return Reject(fmt.Sprintf("%s cannot depend on %s. Valid types: %s", from, to, joinTypes(allowed)))
		}
	case RelBlocks:
		if from == TypeDecision && !containsType(enablesTargets, to) {
			return Reject(fmt.Sprintf("decision cannot enable %s. Valid types: %s", to, joinTypes(enablesTargets)))
		}
		if allowed := dependsOnTargets[to]; to != "" && from != TypeDecision && !containsType(allowed, from) {
			return Reject(fmt.Sprintf("%s cannot depend on %s. Valid types: %s", to, from, joinTypes(allowed)))
		}
	case RelImplements:
		if !containsType(implementsTargets, to) {
			return Reject(fmt.Sprintf("%s cannot implement %s. Valid types: %s", from, to, joinTypes(implementsTargets)))
		}
	case RelImplementedBy:
		if from == TypeDocument && !containsType(implementedByTargets, to) {
			return Reject(fmt.Sprintf("document cannot be implemented by %s. Valid types: %s", to, joinTypes(implementedByTargets)))
		}
	case RelChildOf:
		if want, ok := expectedParent[from]; ok && to != want {
			return Reject(fmt.Sprintf("invalid parent type: expected '%s', got '%s'", want, to))
		}
	case RelParentOf:
		if want, ok := expectedParent[to]; ok && from != want {
			return Reject(fmt.Sprintf("invalid parent type: expected '%s', got '%s'", want, from))
		}
	}
	return Allow()
}

func joinTypes(types []EntityType) string {
	s := make([]string, len(types))
	for i, t := range types {
		s[i] = string(t)
	}
	sort.Strings(s)
	return strings.Join(s, ", ")
}
