package index

import "github.com/starford/waymark/internal/models"

type adjacency map[models.EntityID]map[models.RelationType]idSet

// RelationshipGraph keeps typed edges between entities. Forward edges are
// the ones an entity owns; reverse edges are the inverses installed on the
// target when a forward edge is added.
type RelationshipGraph struct {
	forward adjacency
	reverse adjacency
}

// NewRelationshipGraph returns an empty graph.
func NewRelationshipGraph() *RelationshipGraph {
	return &RelationshipGraph{
		forward: make(adjacency),
		reverse: make(adjacency),
	}
}

// AddRelationship records from -rel-> to and the inverse edge on to.
// Adding the same edge twice is a no-op.
func (g *RelationshipGraph) AddRelationship(from models.EntityID, rel models.RelationType, to models.EntityID) {
	g.forward.add(from, rel, to)
	g.reverse.add(to, rel.Inverse(), from)
}

// RemoveRelationship deletes from -rel-> to and its inverse.
func (g *RelationshipGraph) RemoveRelationship(from models.EntityID, rel models.RelationType, to models.EntityID) {
	g.forward.remove(from, rel, to)
	g.reverse.remove(to, rel.Inverse(), from)
}

// GetRelated returns every entity id related to id by rel, whether the
// edge was declared by id or installed on it as an inverse.
func (g *RelationshipGraph) GetRelated(id models.EntityID, rel models.RelationType) []models.EntityID {
	fwd := g.forward[id][rel]
	rev := g.reverse[id][rel]
	if len(rev) == 0 {
		return sortedKeys(fwd)
	}
	if len(fwd) == 0 {
		return sortedKeys(rev)
	}
	merged := make(idSet, len(fwd)+len(rev))
	for t := range fwd {
		merged[t] = struct{}{}
	}
	for t := range rev {
		merged[t] = struct{}{}
	}
	return sortedKeys(merged)
}

// GetRelatedReverse returns only the inverse edges of kind rel installed on
// id by other entities.
func (g *RelationshipGraph) GetRelatedReverse(id models.EntityID, rel models.RelationType) []models.EntityID {
	return sortedKeys(g.reverse[id][rel])
}

// GetOwned returns only the forward edges of kind rel that id declared.
func (g *RelationshipGraph) GetOwned(id models.EntityID, rel models.RelationType) []models.EntityID {
	return sortedKeys(g.forward[id][rel])
}

// Relations returns every non-empty relation of id keyed by type.
func (g *RelationshipGraph) Relations(id models.EntityID) map[models.RelationType][]models.EntityID {
	out := make(map[models.RelationType][]models.EntityID)
	for _, rel := range models.RelationTypes {
		if related := g.GetRelated(id, rel); len(related) > 0 {
			out[rel] = related
		}
	}
	return out
}

// RemoveForwardRelationships clears the edges id owns, together with their
// inverses, except for relation types listed in exclude.
func (g *RelationshipGraph) RemoveForwardRelationships(id models.EntityID, exclude ...models.RelationType) {
	for rel, targets := range g.forward[id] {
		if containsRel(exclude, rel) {
			continue
		}
		for to := range targets {
			g.reverse.remove(to, rel.Inverse(), id)
		}
		delete(g.forward[id], rel)
	}
	if len(g.forward[id]) == 0 {
		delete(g.forward, id)
	}
}

// RemoveEntity strips every edge touching id so no other entity keeps a
// reference to it.
func (g *RelationshipGraph) RemoveEntity(id models.EntityID) {
	for rel, targets := range g.forward[id] {
		for to := range targets {
			g.reverse.remove(to, rel.Inverse(), id)
		}
	}
	for rel, sources := range g.reverse[id] {
		for from := range sources {
			g.forward.remove(from, rel.Inverse(), id)
		}
	}
	delete(g.forward, id)
	delete(g.reverse, id)
}

// EdgeCount returns the number of forward edges in the graph.
func (g *RelationshipGraph) EdgeCount() int {
	n := 0
	for _, rels := range g.forward {
		for _, targets := range rels {
			n += len(targets)
		}
	}
	return n
}

// References reports whether any forward or reverse edge mentions id.
func (g *RelationshipGraph) References(id models.EntityID) bool {
	for _, adj := range []adjacency{g.forward, g.reverse} {
		for owner, rels := range adj {
			if owner == id {
				return true
			}
			for _, targets := range rels {
				if _, ok := targets[id]; ok {
					return true
				}
			}
		}
	}
	return false
}

func (a adjacency) add(from models.EntityID, rel models.RelationType, to models.EntityID) {
	rels, ok := a[from]
	if !ok {
		rels = make(map[models.RelationType]idSet)
		a[from] = rels
	}
	addTo(rels, rel, to)
}

func (a adjacency) remove(from models.EntityID, rel models.RelationType, to models.EntityID) {
	rels, ok := a[from]
	if !ok {
		return
	}
	removeFrom(rels, rel, to)
	if len(rels) == 0 {
		delete(a, from)
	}
}

func containsRel(list []models.RelationType, rel models.RelationType) bool {
	for _, r := range list {
		if r == rel {
			return true
		}
	}
	return false
}
