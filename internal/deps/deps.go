// Package deps analyzes the depends_on graph between entities: cycle
// checks before an edge is added, whole-graph cycle detection and
// transitive reduction of an entity's direct dependencies.
//
// The analyzer never reads the index directly. Callers pass a
// DependencyFunc that returns the direct dependencies of an id.
package deps

import (
	"fmt"
	"sort"

	"github.com/starford/waymark/internal/models"
)

// DependencyFunc returns the direct dependencies of id.
type DependencyFunc func(id models.EntityID) []models.EntityID

// CycleCheck is the advisory result of a cycle check. It is data, not an
// error: the caller decides whether to block, prune or warn.
type CycleCheck struct {
	HasCycle    bool              `json:"has_cycle"`
	CyclePath   []models.EntityID `json:"cycle_path,omitempty"`
	Suggestions []string          `json:"suggestions,omitempty"`
}

// WouldCreateCycle reports whether making from depend on to would close a
// cycle, which is the case when from is already reachable from to. The
// returned path starts and ends at from.
func WouldCreateCycle(from, to models.EntityID, deps DependencyFunc) CycleCheck {
	if from == to {
		return CycleCheck{
			HasCycle:    true,
			CyclePath:   []models.EntityID{from, from},
			Suggestions: []string{fmt.Sprintf("%s cannot depend on itself", from)},
		}
	}

	prev := map[models.EntityID]models.EntityID{to: ""}
	stack := []models.EntityID{to}
	found := false
	for len(stack) > 0 && !found {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range deps(cur) {
			if _, seen := prev[next]; seen {
				continue
			}
			prev[next] = cur
			if next == from {
				found = true
				break
			}
			stack = append(stack, next)
		}
	}
	if !found {
		return CycleCheck{}
	}

	// Walk back from `from` to `to`, then reverse into to -> ... -> from.
	chain := []models.EntityID{from}
	for cur := prev[from]; cur != ""; cur = prev[cur] {
		chain = append(chain, cur)
	}
	reverseIDs(chain)

	path := make([]models.EntityID, 0, len(chain)+1)
	path = append(path, from)
	path = append(path, chain...)

	suggestions := []string{
		fmt.Sprintf("Do not add the dependency %s -> %s", from, to),
		fmt.Sprintf("Remove the existing dependency %s -> %s", chain[0], chain[1]),
	}
	if len(chain) > 2 {
		last := len(chain) - 1
		suggestions = append(suggestions, fmt.Sprintf("Remove the existing dependency %s -> %s", chain[last-1], chain[last]))
	}
	return CycleCheck{HasCycle: true, CyclePath: path, Suggestions: suggestions}
}

const (
	white = iota
	grey
	black
)

// frame is one level of the explicit DFS stack.
type frame struct {
	id   models.EntityID
	deps []models.EntityID
	next int
}

// DetectCycles runs a three-colour depth-first search over ids and returns
// the first cycle found. Roots are visited in sorted order so the result is
// deterministic. The search uses an explicit stack so long chains cannot
// exhaust the goroutine stack.
func DetectCycles(ids []models.EntityID, deps DependencyFunc) CycleCheck {
	roots := append([]models.EntityID(nil), ids...)
	sort.Slice(roots, func(i, j int) bool { return roots[i] < roots[j] })

	colour := make(map[models.EntityID]int, len(roots))
	for _, root := range roots {
		if colour[root] != white {
			continue
		}
		colour[root] = grey
		stack := []frame{{id: root, deps: deps(root)}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			if top.next >= len(top.deps) {
				colour[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			child := top.deps[top.next]
			top.next++

			switch colour[child] {
			case white:
				colour[child] = grey
				stack = append(stack, frame{id: child, deps: deps(child)})
			case grey:
				return cycleFromStack(stack, child)
			}
		}
	}
	return CycleCheck{}
}

func cycleFromStack(stack []frame, back models.EntityID) CycleCheck {
	start := 0
	for i, f := range stack {
		if f.id == back {
			start = i
			break
		}
	}
	path := make([]models.EntityID, 0, len(stack)-start+1)
	for _, f := range stack[start:] {
		path = append(path, f.id)
	}
	path = append(path, back)

	last := path[len(path)-2]
	return CycleCheck{
		HasCycle:    true,
		CyclePath:   path,
		Suggestions: []string{fmt.Sprintf("Remove the dependency %s -> %s", last, back)},
	}
}

// Redundancy explains why a dependency was found to be transitive.
type Redundancy struct {
	Dependency models.EntityID `json:"dependency"`
	Via        models.EntityID `json:"via"`
}

// TransitiveAnalysis lists the direct dependencies of an entity that are
// already implied by another direct dependency.
type TransitiveAnalysis struct {
	EntityID              models.EntityID   `json:"entity_id"`
	OriginalDependencies  []models.EntityID `json:"original_dependencies"`
	RemovedDependencies   []models.EntityID `json:"removed_dependencies"`
	RemainingDependencies []models.EntityID `json:"remaining_dependencies"`
	Reasons               []Redundancy      `json:"reasons"`
}

// AnalyzeEntity finds redundant direct dependencies of e. It returns nil
// when e has fewer than two distinct dependencies or none are redundant.
//
// A dependency b is redundant when it is reachable from another direct
// dependency a. A dependency already marked redundant is not used as a
// witness, so of two mutually reachable dependencies one always survives.
func AnalyzeEntity(e *models.Entity, deps DependencyFunc) *TransitiveAnalysis {
	direct := dedupe(e.DependsOn)
	if len(direct) < 2 {
		return nil
	}

	removed := make(map[models.EntityID]struct{})
	var reasons []Redundancy
	for _, a := range direct {
		if _, gone := removed[a]; gone {
			continue
		}
		reach := reachable(a, e.ID, deps)
		for _, b := range direct {
			if b == a {
				continue
			}
			if _, gone := removed[b]; gone {
				continue
			}
			if _, ok := reach[b]; ok {
				removed[b] = struct{}{}
				reasons = append(reasons, Redundancy{Dependency: b, Via: a})
			}
		}
	}
	if len(removed) == 0 {
		return nil
	}

	out := &TransitiveAnalysis{
		EntityID:             e.ID,
		OriginalDependencies: direct,
		Reasons:              reasons,
	}
	for _, id := range direct {
		if _, gone := removed[id]; gone {
			out.RemovedDependencies = append(out.RemovedDependencies, id)
		} else {
			out.RemainingDependencies = append(out.RemainingDependencies, id)
		}
	}
	return out
}

// RemoveTransitiveDependencies returns a copy of e whose depends_on list
// no longer contains redundant entries. Applying it twice is a no-op.
func RemoveTransitiveDependencies(e *models.Entity, deps DependencyFunc) *models.Entity {
	out := e.Clone()
	analysis := AnalyzeEntity(e, deps)
	if analysis == nil {
		return out
	}
	out.DependsOn = analysis.RemainingDependencies
	return out
}

// AnalyzeAll runs AnalyzeEntity for every id, using deps(id) as the direct
// dependency list, and returns the non-nil results ordered by id.
func AnalyzeAll(ids []models.EntityID, deps DependencyFunc) []TransitiveAnalysis {
	sorted := append([]models.EntityID(nil), ids...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var out []TransitiveAnalysis
	for _, id := range sorted {
		e := &models.Entity{ID: id, DependsOn: deps(id)}
		if a := AnalyzeEntity(e, deps); a != nil {
			out = append(out, *a)
		}
	}
	return out
}

// reachable returns every id reachable from start in one or more hops. The
// traversal never expands self, so edges owned by the analyzed entity do
// not count as evidence.
func reachable(start, self models.EntityID, deps DependencyFunc) map[models.EntityID]struct{} {
	seen := make(map[models.EntityID]struct{})
	stack := []models.EntityID{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, next := range deps(cur) {
			if _, ok := seen[next]; ok {
				continue
			}
			seen[next] = struct{}{}
			if next != self {
				stack = append(stack, next)
			}
		}
	}
	return seen
}

func dedupe(ids []models.EntityID) []models.EntityID {
	seen := make(map[models.EntityID]struct{}, len(ids))
	out := make([]models.EntityID, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

func reverseIDs(ids []models.EntityID) {
	for i, j := 0, len(ids)-1; i < j; i, j = i+1, j-1 {
		ids[i], ids[j] = ids[j], ids[i]
	}
}
