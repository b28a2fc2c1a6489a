package entityservice

import (
	"fmt"
	"sort"
	"strings"

	"github.com/starford/waymark/internal/deps"
	"github.com/starford/waymark/internal/models"
)

// Severity grades a validation issue.
type Severity string

// Severities.
const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one problem found in the vault.
type Issue struct {
	EntityID models.EntityID `json:"entity_id"`
	Field    string          `json:"field"`
	Message  string          `json:"message"`
	Severity Severity        `json:"severity"`
	Path     string          `json:"path,omitempty"`
}

// Report is the result of validating the whole vault.
type Report struct {
	Entities int     `json:"entities"`
	Errors   int     `json:"errors"`
	Warnings int     `json:"warnings"`
	Issues   []Issue `json:"issues"`
}

// OK reports whether the vault has no errors. Warnings are allowed.
func (r *Report) OK() bool { return r.Errors == 0 }

func (r *Report) add(i Issue) {
	r.Issues = append(r.Issues, i)
	if i.Severity == SeverityError {
		r.Errors++
	} else {
		r.Warnings++
	}
}

// Validate checks every indexed entity: field rules, that referenced ids
// exist, relationship type rules, duplicate ids from the last rebuild,
// dependency cycles and redundant dependencies.
func (s *Service) Validate() *Report {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r := &Report{Entities: len(s.entities)}
	ids := make([]models.EntityID, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	for _, id := range ids {
		e := s.entities[id]
		s.validateFields(r, e)
		s.validateReferences(r, e)
		s.validateTypes(r, e)
	}

	if s.lastSync != nil {
		for _, d := range s.lastSync.Duplicates {
			r.add(Issue{
				EntityID: d.ID,
				Field:    "id",
				Message:  fmt.Sprintf("Duplicate id defined in %s", strings.Join(d.Paths, ", ")),
				Severity: SeverityError,
				Path:     d.Paths[len(d.Paths)-1],
			})
		}
	}

	fn := s.engine.Dependencies()
	if c := deps.DetectCycles(ids, fn); c.HasCycle {
		start := c.CyclePath[0]
		r.add(Issue{
			EntityID: start,
			Field:    "depends_on",
			Message:  "Dependency cycle: " + joinPath(c.CyclePath),
			Severity: SeverityError,
			Path:     s.pathOf(start),
		})
	}
	for _, a := range deps.AnalyzeAll(ids, fn) {
		for _, red := range a.Reasons {
			r.add(Issue{
				EntityID: a.EntityID,
				Field:    "depends_on",
				Message:  fmt.Sprintf("Dependency %s is redundant, already implied by %s", red.Dependency, red.Via),
				Severity: SeverityWarning,
				Path:     s.pathOf(a.EntityID),
			})
		}
	}
	return r
}

func (s *Service) validateFields(r *Report, e *models.Entity) {
	fields := models.FieldErrors(e.Validate())
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.add(Issue{EntityID: e.ID, Field: k, Message: fields[k], Severity: SeverityError, Path: e.VaultPath})
	}
}

func (s *Service) validateReferences(r *Report, e *models.Entity) {
	check := func(field string, sev Severity, refs ...models.EntityID) {
		for _, ref := range refs {
			if ref == "" {
				continue
			}
			if _, ok := s.entities[ref]; ok {
				continue
			}
			r.add(Issue{
				EntityID: e.ID,
				Field:    field,
				Message:  fmt.Sprintf("Referenced entity '%s' not found", ref),
				Severity: sev,
				Path:     e.VaultPath,
			})
		}
	}
	check("parent", SeverityError, e.Parent)
	check("depends_on", SeverityError, e.DependsOn...)
	check("blocked_by", SeverityWarning, e.BlockedBy...)
	check("blocks", SeverityError, e.Blocks...)
	check("enables", SeverityError, e.Enables...)
	check("implements", SeverityError, e.Implements...)
	check("implemented_by", SeverityError, e.ImplementedBy...)
	check("supersedes", SeverityError, e.Supersedes)
	check("previous_version", SeverityError, e.PreviousVersion)
}

// validateTypes applies the relationship type rules to references whose
// target exists.
func (s *Service) validateTypes(r *Report, e *models.Entity) {
	check := func(field string, rel models.RelationType, refs ...models.EntityID) {
		for _, ref := range refs {
			target, ok := s.entities[ref]
			if !ok {
				continue
			}
			if v := models.CheckRelationship(e.Type, rel, target.Type); !v.Allowed {
				r.add(Issue{EntityID: e.ID, Field: field, Message: v.Reason, Severity: SeverityError, Path: e.VaultPath})
			}
		}
	}
	check("parent", models.RelChildOf, e.Parent)
	check("depends_on", models.RelBlockedBy, e.DependsOn...)
	check("blocked_by", models.RelBlockedBy, e.BlockedBy...)
	check("implements", models.RelImplements, e.Implements...)
	check("implemented_by", models.RelImplementedBy, e.ImplementedBy...)
	if e.Type == models.TypeDecision {
		check("enables", models.RelBlocks, e.Enables...)
	}
}

func (s *Service) pathOf(id models.EntityID) string {
	if e, ok := s.entities[id]; ok {
		return e.VaultPath
	}
	return ""
}
