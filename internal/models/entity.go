// Package models defines the domain types for waymark.
package models

import (
	"strings"
	"time"
)

// EntityType is the kind of a trackable work item.
type EntityType string

// Entity types.
const (
	TypeMilestone EntityType = "milestone"
	TypeStory     EntityType = "story"
	TypeTask      EntityType = "task"
	TypeDecision  EntityType = "decision"
	TypeDocument  EntityType = "document"
)

// EntityTypes lists every entity type in a stable order.
var EntityTypes = []EntityType{TypeMilestone, TypeStory, TypeTask, TypeDecision, TypeDocument}

// idPrefixes maps an id prefix to its entity type. DEC- and DOC- are checked
// before any shorter prefix could match.
var idPrefixes = []struct {
	prefix string
	typ    EntityType
}{
	{"DEC-", TypeDecision},
	{"DOC-", TypeDocument},
	{"M-", TypeMilestone},
	{"S-", TypeStory},
	{"T-", TypeTask},
}

// Valid reports whether t is one of the known entity types.
func (t EntityType) Valid() bool {
	for _, known := range EntityTypes {
		if t == known {
			return true
		}
	}
	return false
}

// Prefix returns the id prefix used for entities of type t.
func (t EntityType) Prefix() string {
	for _, p := range idPrefixes {
		if p.typ == t {
			return p.prefix
		}
	}
	return ""
}

// EntityID is the globally unique identifier of an entity, e.g. "S-012".
type EntityID string

// Type resolves the entity type from the id prefix.
func (id EntityID) Type() (EntityType, bool) {
	for _, p := range idPrefixes {
		if strings.HasPrefix(string(id), p.prefix) {
			return p.typ, true
		}
	}
	return "", false
}

// Entity is a full work item as loaded from the vault.
type Entity struct {
	ID              EntityID   `json:"id" yaml:"id"`
	Type            EntityType `json:"type" yaml:"type"`
	Title           string     `json:"title" yaml:"title"`
	Status          Status     `json:"status" yaml:"status"`
	Workstream      string     `json:"workstream,omitempty" yaml:"workstream,omitempty"`
	Priority        string     `json:"priority,omitempty" yaml:"priority,omitempty"`
	Effort          string     `json:"effort,omitempty" yaml:"effort,omitempty"`
	Parent          EntityID   `json:"parent,omitempty" yaml:"parent,omitempty"`
	DependsOn       []EntityID `json:"depends_on,omitempty" yaml:"depends_on,omitempty"`
	BlockedBy       []EntityID `json:"blocked_by,omitempty" yaml:"blocked_by,omitempty"`
	Blocks          []EntityID `json:"blocks,omitempty" yaml:"blocks,omitempty"`
	Enables         []EntityID `json:"enables,omitempty" yaml:"enables,omitempty"`
	Implements      []EntityID `json:"implements,omitempty" yaml:"implements,omitempty"`
	ImplementedBy   []EntityID `json:"implemented_by,omitempty" yaml:"implemented_by,omitempty"`
	Supersedes      EntityID   `json:"supersedes,omitempty" yaml:"supersedes,omitempty"`
	PreviousVersion EntityID   `json:"previous_version,omitempty" yaml:"previous_version,omitempty"`
	CanvasSource    string     `json:"canvas_source,omitempty" yaml:"canvas_source,omitempty"`
	Archived        bool       `json:"archived,omitempty" yaml:"archived,omitempty"`
	VaultPath       string     `json:"vault_path" yaml:"-"`
	Content         string     `json:"content,omitempty" yaml:"-"`
	CreatedAt       time.Time  `json:"created_at" yaml:"created,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at" yaml:"updated,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Entity) Clone() *Entity {
	c := *e
	c.DependsOn = cloneIDs(e.DependsOn)
	c.BlockedBy = cloneIDs(e.BlockedBy)
	c.Blocks = cloneIDs(e.Blocks)
	c.Enables = cloneIDs(e.Enables)
	c.Implements = cloneIDs(e.Implements)
	c.ImplementedBy = cloneIDs(e.ImplementedBy)
	return &c
}

// Refers reports whether e declares an edge to id in any of its
// relationship fields other than parent.
func (e *Entity) Refers(id EntityID) bool {
	for _, list := range [][]EntityID{e.DependsOn, e.BlockedBy, e.Blocks, e.Enables, e.Implements, e.ImplementedBy} {
		for _, ref := range list {
			if ref == id {
				return true
			}
		}
	}
	return e.Supersedes == id || e.PreviousVersion == id
}

// Metadata projects e into its index representation.
func (e *Entity) Metadata(fileMtime time.Time) EntityMetadata {
	return EntityMetadata{
		ID:           e.ID,
		Type:         e.Type,
		Title:        e.Title,
		Workstream:   e.Workstream,
		Status:       e.Status,
		Archived:     e.Archived,
		InProgress:   e.Status.InProgress(),
		Priority:     e.Priority,
		Effort:       e.Effort,
		Parent:       e.Parent,
		CanvasSource: e.CanvasSource,
		VaultPath:    e.VaultPath,
		UpdatedAt:    e.UpdatedAt,
		FileMtime:    fileMtime,
	}
}

// EntityMetadata is the denormalized projection of an entity used for
// indexing and listing.
type EntityMetadata struct {
	ID           EntityID   `json:"id"`
	Type         EntityType `json:"type"`
	Title        string     `json:"title"`
	Workstream   string     `json:"workstream,omitempty"`
	Status       Status     `json:"status"`
	Archived     bool       `json:"archived"`
	InProgress   bool       `json:"in_progress"`
	Priority     string     `json:"priority,omitempty"`
	Effort       string     `json:"effort,omitempty"`
	Parent       EntityID   `json:"parent,omitempty"`
	CanvasSource string     `json:"canvas_source,omitempty"`
	VaultPath    string     `json:"vault_path"`
	UpdatedAt    time.Time  `json:"updated_at"`
	FileMtime    time.Time  `json:"file_mtime"`
}

func cloneIDs(ids []EntityID) []EntityID {
	if ids == nil {
		return nil
	}
	out := make([]EntityID, len(ids))
	copy(out, ids)
	return out
}
