package entityservice

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"github.com/starford/waymark/internal/apperr"
	"github.com/starford/waymark/internal/checksum"
	"github.com/starford/waymark/internal/deps"
	"github.com/starford/waymark/internal/lifecycle"
	"github.com/starford/waymark/internal/models"
	"github.com/starford/waymark/internal/telemetry"
)

// TransitionOutcome is the result of a status change and its cascade.
type TransitionOutcome struct {
	Transition   *lifecycle.TransitionResult `json:"transition"`
	Cascade      *lifecycle.CascadeResult    `json:"cascade,omitempty"`
	CascadeError string                      `json:"cascade_error,omitempty"`
	Checksum     string                      `json:"checksum"`
}

// TransitionStatus validates and applies the move of id to status to,
// writes it back to the entity file and runs the cascade. A non-empty
// ifMatch must match the current file checksum or apperr.ErrConflict is
// returned. A failing cascade does not undo the transition; its error is
// reported in the outcome.
func (s *Service) TransitionStatus(ctx context.Context, id models.EntityID, to models.Status, ifMatch string) (*TransitionOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.entityLocked(id)
	if err != nil {
		return nil, err
	}
	if ifMatch != "" && !checksum.Match(ifMatch, s.fileChecksum(cur)) {
		return nil, fmt.Errorf("entityservice: transition %s: %w", id, apperr.ErrConflict)
	}

	e := cur.Clone()
	res, err := s.lifecycle.Transition(ctx, e, to)
	if err != nil {
		telemetry.Transitions.WithLabelValues(string(cur.Type), "rejected").Inc()
		return nil, err
	}
	if err := s.persistLocked(e); err != nil {
		telemetry.Transitions.WithLabelValues(string(cur.Type), "error").Inc()
		return nil, err
	}
	telemetry.Transitions.WithLabelValues(string(e.Type), "ok").Inc()
	s.emit(Event{Kind: EventStatus, ID: e.ID, Path: e.VaultPath, From: res.From, To: res.To})
	s.logger.Info("status changed",
		slog.String("id", string(e.ID)),
		slog.String("from", string(res.From)),
		slog.String("to", string(res.To)),
	)

	out := &TransitionOutcome{Transition: res}
	if s.cascade != nil {
		cres, cerr := s.cascade.HandleStatusChange(ctx, e.Clone(), res.From, res.To)
		out.Cascade = cres
		if cres != nil {
			telemetry.CascadeUpdates.WithLabelValues("updated").Add(float64(len(cres.Updated)))
			telemetry.CascadeUpdates.WithLabelValues("archived").Add(float64(len(cres.Archived)))
		}
		if cerr != nil {
			out.CascadeError = cerr.Error()
			s.logger.Error("cascade failed", slog.String("id", string(e.ID)), slog.String("error", cerr.Error()))
		}
	}
	if final, ok := s.entities[id]; ok {
		out.Checksum = s.fileChecksum(final)
	}
	return out, nil
}

// DependencyCheck is the advisory result of checking a prospective
// depends_on edge.
type DependencyCheck struct {
	From    models.EntityID `json:"from"`
	To      models.EntityID `json:"to"`
	Allowed bool            `json:"allowed"`
	Reason  string          `json:"reason,omitempty"`
	Exists  bool            `json:"exists"`
	Cycle   deps.CycleCheck `json:"cycle"`
}

// CheckDependency reports whether from may depend on to: both must exist,
// the type rules must allow it and the edge must not close a cycle.
func (s *Service) CheckDependency(from, to models.EntityID) (*DependencyCheck, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.checkDependencyLocked(from, to)
}

func (s *Service) checkDependencyLocked(from, to models.EntityID) (*DependencyCheck, error) {
	src, err := s.entityLocked(from)
	if err != nil {
		return nil, err
	}
	if _, err := s.entityLocked(to); err != nil {
		return nil, err
	}

	out := &DependencyCheck{
		From:   from,
		To:     to,
		Exists: slices.Contains(src.DependsOn, to) || slices.Contains(src.BlockedBy, to),
	}
	v := s.engine.CheckRelationship(from, models.RelBlockedBy, to)
	out.Allowed, out.Reason = v.Allowed, v.Reason

	out.Cycle = deps.WouldCreateCycle(from, to, s.engine.Dependencies())
	telemetry.CycleChecks.WithLabelValues(cycleOutcome(out.Cycle)).Inc()
	if out.Cycle.HasCycle && out.Allowed {
		out.Allowed = false
		out.Reason = "would create a dependency cycle"
	}
	return out, nil
}

func cycleOutcome(c deps.CycleCheck) string {
	if c.HasCycle {
		return "cycle"
	}
	return "clear"
}

// AddDependency records that from depends on to and writes it back to the
// file. Type violations fail with apperr.ErrInvalidRelationship, cycles
// with apperr.ErrCycle unless force is set. Adding an existing dependency
// is a no-op.
func (s *Service) AddDependency(_ context.Context, from, to models.EntityID, force bool) (*DependencyCheck, error) {
	if from == to {
		return nil, fmt.Errorf("entityservice: add dependency: %w: %s cannot depend on itself", apperr.ErrInvalidRelationship, from)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	chk, err := s.checkDependencyLocked(from, to)
	if err != nil {
		return nil, err
	}
	if chk.Exists {
		return chk, nil
	}
	if v := s.engine.CheckRelationship(from, models.RelBlockedBy, to); !v.Allowed {
		return chk, fmt.Errorf("entityservice: add dependency %s -> %s: %w: %s", from, to, apperr.ErrInvalidRelationship, v.Reason)
	}
	if chk.Cycle.HasCycle && !force {
		return chk, fmt.Errorf("entityservice: add dependency %s -> %s: %w: %s", from, to, apperr.ErrCycle, joinPath(chk.Cycle.CyclePath))
	}

	e := s.entities[from].Clone()
	e.DependsOn = append(e.DependsOn, to)
	e.UpdatedAt = s.now()
	if err := s.persistLocked(e); err != nil {
		return nil, err
	}
	chk.Exists = true
	chk.Allowed = true
	s.emit(Event{Kind: EventIndexed, ID: from, Path: e.VaultPath})
	return chk, nil
}

// RemoveDependency drops to from the dependency lists of from. Removing a
// dependency that is not present is a no-op.
func (s *Service) RemoveDependency(_ context.Context, from, to models.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.entityLocked(from)
	if err != nil {
		return err
	}
	if !slices.Contains(cur.DependsOn, to) && !slices.Contains(cur.BlockedBy, to) {
		return nil
	}
	e := cur.Clone()
	e.DependsOn = without(e.DependsOn, to)
	e.BlockedBy = without(e.BlockedBy, to)
	e.UpdatedAt = s.now()
	if err := s.persistLocked(e); err != nil {
		return err
	}
	s.emit(Event{Kind: EventIndexed, ID: from, Path: e.VaultPath})
	return nil
}

// AnalyzeDependencies lists the redundant direct dependencies of id. A nil
// result means none are redundant.
func (s *Service) AnalyzeDependencies(id models.EntityID) (*deps.TransitiveAnalysis, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, err := s.entityLocked(id)
	if err != nil {
		return nil, err
	}
	return deps.AnalyzeEntity(dependencyView(e), s.engine.Dependencies()), nil
}

// PruneDependencies removes the redundant direct dependencies of id and
// writes the result back. Pruning an entity with nothing redundant is a
// no-op.
func (s *Service) PruneDependencies(_ context.Context, id models.EntityID) (*deps.TransitiveAnalysis, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.entityLocked(id)
	if err != nil {
		return nil, err
	}
	analysis := deps.AnalyzeEntity(dependencyView(cur), s.engine.Dependencies())
	if analysis == nil {
		return nil, nil
	}

	e := cur.Clone()
	for _, r := range analysis.RemovedDependencies {
		e.DependsOn = without(e.DependsOn, r)
		e.BlockedBy = without(e.BlockedBy, r)
	}
	e.UpdatedAt = s.now()
	if err := s.persistLocked(e); err != nil {
		return nil, err
	}
	s.logger.Info("dependencies pruned",
		slog.String("id", string(id)),
		slog.Int("removed", len(analysis.RemovedDependencies)),
	)
	s.emit(Event{Kind: EventIndexed, ID: id, Path: e.VaultPath})
	return analysis, nil
}

// DetectCycles reports one dependency cycle in the whole graph, if any.
func (s *Service) DetectCycles() deps.CycleCheck {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := deps.DetectCycles(s.engine.IDs(), s.engine.Dependencies())
	telemetry.CycleChecks.WithLabelValues(cycleOutcome(c)).Inc()
	return c
}

// AnalyzeAll runs the redundancy analysis over every entity.
func (s *Service) AnalyzeAll() []deps.TransitiveAnalysis {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return deps.AnalyzeAll(s.engine.IDs(), s.engine.Dependencies())
}

// dependencyView returns a copy of e whose DependsOn holds both declared
// dependency lists.
func dependencyView(e *models.Entity) *models.Entity {
	v := e.Clone()
	v.DependsOn = append(v.DependsOn, v.BlockedBy...)
	return v
}

func without(ids []models.EntityID, id models.EntityID) []models.EntityID {
	out := ids[:0:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func joinPath(ids []models.EntityID) string {
	var s string
	for i, id := range ids {
		if i > 0 {
			s += " -> "
		}
		s += string(id)
	}
	return s
}
