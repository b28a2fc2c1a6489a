package index

import (
	"sort"

	"github.com/starford/waymark/internal/models"
)

type idSet map[models.EntityID]struct{}

// EntityIndex stores entity metadata by id with secondary indexes for the
// common filter attributes. Every write retracts the previous secondary
// memberships before installing new ones so the indexes never drift.
type EntityIndex struct {
	byID   map[models.EntityID]*models.EntityMetadata
	byPath map[string]models.EntityID

	byType       map[models.EntityType]idSet
	byStatus     map[models.Status]idSet
	byWorkstream map[string]idSet
	byPriority   map[string]idSet
	byParent     map[models.EntityID]idSet
	byCanvas     map[string]idSet
	archived     idSet
	inProgress   idSet
}

// NewEntityIndex returns an empty index.
func NewEntityIndex() *EntityIndex {
	return &EntityIndex{
		byID:         make(map[models.EntityID]*models.EntityMetadata),
		byPath:       make(map[string]models.EntityID),
		byType:       make(map[models.EntityType]idSet),
		byStatus:     make(map[models.Status]idSet),
		byWorkstream: make(map[string]idSet),
		byPriority:   make(map[string]idSet),
		byParent:     make(map[models.EntityID]idSet),
		byCanvas:     make(map[string]idSet),
		archived:     make(idSet),
		inProgress:   make(idSet),
	}
}

// Set upserts meta. Existing metadata for the same id is overwritten, not
// merged.
func (x *EntityIndex) Set(meta models.EntityMetadata) {
	if old, ok := x.byID[meta.ID]; ok {
		x.retract(old)
	}
	m := meta
	x.byID[m.ID] = &m
	if m.VaultPath != "" {
		x.byPath[m.VaultPath] = m.ID
	}
	addTo(x.byType, m.Type, m.ID)
	addTo(x.byStatus, m.Status, m.ID)
	if m.Workstream != "" {
		addTo(x.byWorkstream, m.Workstream, m.ID)
	}
	if m.Priority != "" {
		addTo(x.byPriority, m.Priority, m.ID)
	}
	if m.Parent != "" {
		addTo(x.byParent, m.Parent, m.ID)
	}
	if m.CanvasSource != "" {
		addTo(x.byCanvas, m.CanvasSource, m.ID)
	}
	if m.Archived {
		x.archived[m.ID] = struct{}{}
	}
	if m.InProgress {
		x.inProgress[m.ID] = struct{}{}
	}
}

// Delete removes id from the primary and every secondary index. It reports
// whether id was present.
func (x *EntityIndex) Delete(id models.EntityID) bool {
	old, ok := x.byID[id]
	if !ok {
		return false
	}
	x.retract(old)
	delete(x.byID, id)
	return true
}

func (x *EntityIndex) retract(m *models.EntityMetadata) {
	if x.byPath[m.VaultPath] == m.ID {
		delete(x.byPath, m.VaultPath)
	}
	removeFrom(x.byType, m.Type, m.ID)
	removeFrom(x.byStatus, m.Status, m.ID)
	removeFrom(x.byWorkstream, m.Workstream, m.ID)
	removeFrom(x.byPriority, m.Priority, m.ID)
	removeFrom(x.byParent, m.Parent, m.ID)
	removeFrom(x.byCanvas, m.CanvasSource, m.ID)
	delete(x.archived, m.ID)
	delete(x.inProgress, m.ID)
}

// Get returns a copy of the metadata for id.
func (x *EntityIndex) Get(id models.EntityID) (models.EntityMetadata, bool) {
	m, ok := x.byID[id]
	if !ok {
		return models.EntityMetadata{}, false
	}
	return *m, true
}

// GetByPath returns the metadata of the entity backed by path.
func (x *EntityIndex) GetByPath(path string) (models.EntityMetadata, bool) {
	id, ok := x.byPath[path]
	if !ok {
		return models.EntityMetadata{}, false
	}
	return x.Get(id)
}

// GetIDByPath returns the id of the entity backed by path.
func (x *EntityIndex) GetIDByPath(path string) (models.EntityID, bool) {
	id, ok := x.byPath[path]
	return id, ok
}

// Len returns the number of indexed entities.
func (x *EntityIndex) Len() int { return len(x.byID) }

// Query scans every entity and returns those matching f, sorted by id, with
// offset and limit applied. A zero limit means no limit.
func (x *EntityIndex) Query(f models.Filter) []models.EntityMetadata {
	out := make([]models.EntityMetadata, 0)
	for _, m := range x.byID {
		if f.Match(m) {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return out[:0]
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out
}

// IDs returns every indexed id, sorted.
func (x *EntityIndex) IDs() []models.EntityID {
	out := make([]models.EntityID, 0, len(x.byID))
	for id := range x.byID {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

// IDsByType returns the ids of every entity of type t, sorted.
func (x *EntityIndex) IDsByType(t models.EntityType) []models.EntityID {
	return sortedKeys(x.byType[t])
}

// IDsByStatus returns the ids of every entity in status s, sorted.
func (x *EntityIndex) IDsByStatus(s models.Status) []models.EntityID {
	return sortedKeys(x.byStatus[s])
}

// IDsByWorkstream returns the ids of every entity in workstream ws, sorted.
func (x *EntityIndex) IDsByWorkstream(ws string) []models.EntityID {
	return sortedKeys(x.byWorkstream[ws])
}

// IDsByParent returns the ids of every entity whose parent is parent.
func (x *EntityIndex) IDsByParent(parent models.EntityID) []models.EntityID {
	return sortedKeys(x.byParent[parent])
}

// IDsByCanvas returns the ids of every entity sourced from canvas.
func (x *EntityIndex) IDsByCanvas(canvas string) []models.EntityID {
	return sortedKeys(x.byCanvas[canvas])
}

// CountByType returns the number of entities per type.
func (x *EntityIndex) CountByType() map[models.EntityType]int {
	return counts(x.byType)
}

// CountByStatus returns the number of entities per status.
func (x *EntityIndex) CountByStatus() map[models.Status]int {
	return counts(x.byStatus)
}

// CountByWorkstream returns the number of entities per workstream.
func (x *EntityIndex) CountByWorkstream() map[string]int {
	return counts(x.byWorkstream)
}

// CountArchived returns the number of archived entities.
func (x *EntityIndex) CountArchived() int { return len(x.archived) }

// CountInProgress returns the number of entities with active work.
func (x *EntityIndex) CountInProgress() int { return len(x.inProgress) }

func addTo[K comparable](m map[K]idSet, key K, id models.EntityID) {
	set, ok := m[key]
	if !ok {
		set = make(idSet)
		m[key] = set
	}
	set[id] = struct{}{}
}

func removeFrom[K comparable](m map[K]idSet, key K, id models.EntityID) {
	set, ok := m[key]
	if !ok {
		return
	}
	delete(set, id)
	if len(set) == 0 {
		delete(m, key)
	}
}

func counts[K comparable](m map[K]idSet) map[K]int {
	out := make(map[K]int, len(m))
	for k, set := range m {
		out[k] = len(set)
	}
	return out
}

func sortedKeys(set idSet) []models.EntityID {
	out := make([]models.EntityID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sortIDs(out)
	return out
}

func sortIDs(ids []models.EntityID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
