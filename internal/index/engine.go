// Package index holds the in-memory project graph: entity metadata with
// secondary indexes, typed relationships and the full-text search index,
// composed behind Engine. It also scans and watches the vault to keep an
// Engine current.
package index

import (
	"fmt"
	"sort"
	"time"

	"github.com/starford/waymark/internal/apperr"
	"github.com/starford/waymark/internal/deps"
	"github.com/starford/waymark/internal/models"
	"github.com/starford/waymark/internal/search"
)

// Engine composes the entity index, relationship graph and search index.
// It performs no I/O and has no internal locking; the host serializes
// writers and rebuilds by swapping in a fresh Engine.
type Engine struct {
	entities *EntityIndex
	graph    *RelationshipGraph
	search   *search.Index
	version  uint64
}

// NewEngine returns an empty engine.
func NewEngine() *Engine {
	return &Engine{
		entities: NewEntityIndex(),
		graph:    NewRelationshipGraph(),
		search:   search.New(),
	}
}

// SearchHit is a search result enriched with entity metadata.
type SearchHit struct {
	search.Result
	Title     string        `json:"title"`
	Status    models.Status `json:"status"`
	VaultPath string        `json:"vault_path"`
}

// Stats summarises the engine contents.
type Stats struct {
	Total         int                       `json:"total"`
	ByType        map[models.EntityType]int `json:"by_type"`
	ByStatus      map[models.Status]int     `json:"by_status"`
	ByWorkstream  map[string]int            `json:"by_workstream"`
	Archived      int                       `json:"archived"`
	InProgress    int                       `json:"in_progress"`
	Relationships int                       `json:"relationships"`
	SearchTerms   int                       `json:"search_terms"`
	Version       uint64                    `json:"version"`
}

// IndexEntity (re)indexes e. The entity's own declared edges are rebuilt
// from its fields; parent_of edges declared by its children are kept. An
// empty type is derived from the id prefix for the index only; e is not
// modified.
func (en *Engine) IndexEntity(e *models.Entity, fileMtime time.Time) error {
	if e == nil || e.ID == "" {
		return fmt.Errorf("index: index entity: %w: missing id", apperr.ErrInvalidEntity)
	}
	typ := e.Type
	if typ == "" {
		t, ok := e.ID.Type()
		if !ok {
			return fmt.Errorf("index: index entity %s: %w: unknown id prefix", e.ID, apperr.ErrInvalidEntity)
		}
		typ = t
	}
	if !typ.Valid() {
		return fmt.Errorf("index: index entity %s: %w: unknown type %q", e.ID, apperr.ErrInvalidEntity, typ)
	}

	meta := e.Metadata(fileMtime)
	meta.Type = typ
	en.entities.Set(meta)

	en.graph.RemoveForwardRelationships(e.ID, models.RelParentOf)
	for _, p := range en.graph.GetRelatedReverse(e.ID, models.RelChildOf) {
		if p != e.Parent {
			en.graph.RemoveRelationship(p, models.RelParentOf, e.ID)
		}
	}
	if e.Parent != "" {
		en.graph.AddRelationship(e.Parent, models.RelParentOf, e.ID)
	}
	// Children indexed while this entity was absent still name it as parent.
	for _, child := range en.entities.IDsByParent(e.ID) {
		en.graph.AddRelationship(e.ID, models.RelParentOf, child)
	}

	for _, dep := range e.DependsOn {
		en.graph.AddRelationship(e.ID, models.RelBlockedBy, dep)
	}
	for _, dep := range e.BlockedBy {
		en.graph.AddRelationship(e.ID, models.RelBlockedBy, dep)
	}
	for _, b := range e.Blocks {
		en.graph.AddRelationship(e.ID, models.RelBlocks, b)
	}
	for _, b := range e.Enables {
		en.graph.AddRelationship(e.ID, models.RelBlocks, b)
	}
	for _, doc := range e.Implements {
		en.graph.AddRelationship(e.ID, models.RelImplements, doc)
	}
	for _, impl := range e.ImplementedBy {
		en.graph.AddRelationship(e.ID, models.RelImplementedBy, impl)
	}
	if e.Supersedes != "" {
		en.graph.AddRelationship(e.ID, models.RelSupersedes, e.Supersedes)
	}
	if e.PreviousVersion != "" {
		en.graph.AddRelationship(e.ID, models.RelPreviousVersion, e.PreviousVersion)
	}

	en.search.Index(e.ID, e.Title, e.Content, typ, e.Archived)
	en.version++
	return nil
}

// RemoveEntity drops id from every index. It reports whether id existed.
func (en *Engine) RemoveEntity(id models.EntityID) bool {
	existed := en.entities.Delete(id)
	en.graph.RemoveEntity(id)
	en.search.Remove(id)
	if existed {
		en.version++
	}
	return existed
}

// Get returns the metadata for id.
func (en *Engine) Get(id models.EntityID) (models.EntityMetadata, bool) {
	return en.entities.Get(id)
}

// GetByPath returns the metadata of the entity stored at path.
func (en *Engine) GetByPath(path string) (models.EntityMetadata, bool) {
	return en.entities.GetByPath(path)
}

// GetIDByPath returns the id of the entity stored at path.
func (en *Engine) GetIDByPath(path string) (models.EntityID, bool) {
	return en.entities.GetIDByPath(path)
}

// Len returns the number of indexed entities.
func (en *Engine) Len() int { return en.entities.Len() }

// IDs returns every indexed id, sorted.
func (en *Engine) IDs() []models.EntityID { return en.entities.IDs() }

// Query returns the metadata matching f.
func (en *Engine) Query(f models.Filter) []models.EntityMetadata {
	return en.entities.Query(f)
}

// Search runs a ranked full-text search and attaches metadata to each hit.
func (en *Engine) Search(query string, opts search.Options) []SearchHit {
	results := en.search.Search(query, opts)
	out := make([]SearchHit, 0, len(results))
	for _, r := range results {
		hit := SearchHit{Result: r}
		if m, ok := en.entities.Get(r.ID); ok {
			hit.Title = m.Title
			hit.Status = m.Status
			hit.VaultPath = m.VaultPath
		}
		out = append(out, hit)
	}
	return out
}

// GetRelated returns every id related to id by rel.
func (en *Engine) GetRelated(id models.EntityID, rel models.RelationType) []models.EntityID {
	return en.graph.GetRelated(id, rel)
}

// GetRelatedReverse returns the ids that installed an inverse rel edge on id.
func (en *Engine) GetRelatedReverse(id models.EntityID, rel models.RelationType) []models.EntityID {
	return en.graph.GetRelatedReverse(id, rel)
}

// Relations returns all relations of id keyed by type.
func (en *Engine) Relations(id models.EntityID) map[models.RelationType][]models.EntityID {
	return en.graph.Relations(id)
}

// GetChildren returns the metadata of every child of id, sorted by id.
func (en *Engine) GetChildren(id models.EntityID) []models.EntityMetadata {
	ids := en.graph.GetRelated(id, models.RelParentOf)
	out := make([]models.EntityMetadata, 0, len(ids))
	for _, child := range ids {
		if m, ok := en.entities.Get(child); ok {
			out = append(out, m)
		}
	}
	return out
}

// GetParent returns the metadata of the parent of id.
func (en *Engine) GetParent(id models.EntityID) (models.EntityMetadata, bool) {
	parents := en.graph.GetRelated(id, models.RelChildOf)
	if len(parents) == 0 {
		return models.EntityMetadata{}, false
	}
	return en.entities.Get(parents[0])
}

// CheckRelationship reports whether from -rel-> to satisfies the type rules.
// Ids that are not indexed fall back to the type encoded in their prefix.
func (en *Engine) CheckRelationship(from models.EntityID, rel models.RelationType, to models.EntityID) models.Verdict {
	fromType, ok := en.typeOf(from)
	if !ok {
		return models.Reject(fmt.Sprintf("unknown entity %s", from))
	}
	toType, ok := en.typeOf(to)
	if !ok {
		return models.Reject(fmt.Sprintf("unknown entity %s", to))
	}
	return models.CheckRelationship(fromType, rel, toType)
}

// AddRelationship adds an explicit edge after checking the type rules.
// Explicit edges are owned by from and are replaced when from re-indexes.
func (en *Engine) AddRelationship(from models.EntityID, rel models.RelationType, to models.EntityID) error {
	if v := en.CheckRelationship(from, rel, to); !v.Allowed {
		return fmt.Errorf("index: add relationship: %w: %s", apperr.ErrInvalidRelationship, v.Reason)
	}
	en.graph.AddRelationship(from, rel, to)
	en.version++
	return nil
}

// RemoveRelationship removes an explicit edge.
func (en *Engine) RemoveRelationship(from models.EntityID, rel models.RelationType, to models.EntityID) {
	en.graph.RemoveRelationship(from, rel, to)
	en.version++
}

// Dependencies returns the dependency closure used by the analyzer: the
// direct dependencies of an id are the entities it is blocked by.
func (en *Engine) Dependencies() deps.DependencyFunc {
	return func(id models.EntityID) []models.EntityID {
		return en.graph.GetRelated(id, models.RelBlockedBy)
	}
}

// Progress returns the number of completed children and the total number
// of children of id.
func (en *Engine) Progress(id models.EntityID) (completed, total int) {
	for _, child := range en.GetChildren(id) {
		total++
		if child.Status.Done() {
			completed++
		}
	}
	return completed, total
}

// GetStats summarises the engine contents.
func (en *Engine) GetStats() Stats {
	return Stats{
		Total:         en.entities.Len(),
		ByType:        en.entities.CountByType(),
		ByStatus:      en.entities.CountByStatus(),
		ByWorkstream:  en.entities.CountByWorkstream(),
		Archived:      en.entities.CountArchived(),
		InProgress:    en.entities.CountInProgress(),
		Relationships: en.graph.EdgeCount(),
		SearchTerms:   en.search.Vocabulary(),
		Version:       en.version,
	}
}

// Version increases on every mutation.
func (en *Engine) Version() uint64 { return en.version }

// Workstreams returns the distinct workstream names, sorted.
func (en *Engine) Workstreams() []string {
	counts := en.entities.CountByWorkstream()
	out := make([]string, 0, len(counts))
	for ws := range counts {
		out = append(out, ws)
	}
	sort.Strings(out)
	return out
}

func (en *Engine) typeOf(id models.EntityID) (models.EntityType, bool) {
	if m, ok := en.entities.Get(id); ok {
		return m.Type, true
	}
	return id.Type()
}
