package lifecycle

import (
	"context"
	"fmt"
	"math"
	"path"
	"strings"

	"github.com/starford/waymark/internal/models"
)

// Target selects which related entities a cascade rule acts on.
type Target string

// Targets.
const (
	TargetParent   Target = "parent"
	TargetChildren Target = "children"
)

// Action is what a cascade rule does to each target.
type Action string

// Actions.
const (
	ActionSetInProgress         Action = "set_in_progress"
	ActionCheckCompletion       Action = "check_completion"
	ActionNotifyReadyForArchive Action = "notify_ready_for_archive"
	ActionRecomputeProgress     Action = "recompute_progress"
	ActionCheckBlocked          Action = "check_blocked"
)

// Guard names a predicate on the target that must hold for a rule to fire.
type Guard string

// Guards.
const (
	GuardTargetInactive Guard = "target_inactive"
	GuardTargetDone     Guard = "target_done"
)

var guards = map[Guard]func(*models.Entity) bool{
	GuardTargetInactive: func(t *models.Entity) bool {
		return t.Status == models.StatusNotStarted || t.Status == models.StatusBlocked
	},
	GuardTargetDone: func(t *models.Entity) bool {
		return t.Status.Done() && !t.Archived
	},
}

// Rule reacts to an entity of TriggerType entering TriggerStatus.
type Rule struct {
	TriggerType   models.EntityType `json:"trigger_type"`
	TriggerStatus models.Status     `json:"trigger_status"`
	Target        Target            `json:"target"`
	TargetType    models.EntityType `json:"target_type,omitempty"`
	Guard         Guard             `json:"guard,omitempty"`
	Action        Action            `json:"action"`
}

// DefaultRules is the cascade rule table.
var DefaultRules = []Rule{
	{models.TypeTask, models.StatusInProgress, TargetParent, models.TypeStory, GuardTargetInactive, ActionSetInProgress},
	{models.TypeStory, models.StatusInProgress, TargetParent, models.TypeMilestone, GuardTargetInactive, ActionSetInProgress},

	{models.TypeTask, models.StatusCompleted, TargetParent, models.TypeStory, "", ActionRecomputeProgress},
	{models.TypeTask, models.StatusCompleted, TargetParent, models.TypeStory, "", ActionCheckCompletion},
	{models.TypeStory, models.StatusCompleted, TargetParent, models.TypeMilestone, "", ActionRecomputeProgress},
	{models.TypeStory, models.StatusCompleted, TargetParent, models.TypeMilestone, "", ActionCheckCompletion},

	{models.TypeTask, models.StatusNotStarted, TargetParent, models.TypeStory, "", ActionRecomputeProgress},
	{models.TypeTask, models.StatusInProgress, TargetParent, models.TypeStory, "", ActionRecomputeProgress},
	{models.TypeStory, models.StatusInProgress, TargetParent, models.TypeMilestone, "", ActionRecomputeProgress},

	{models.TypeTask, models.StatusBlocked, TargetParent, models.TypeStory, "", ActionCheckBlocked},
	{models.TypeStory, models.StatusBlocked, TargetParent, models.TypeMilestone, "", ActionCheckBlocked},

	{models.TypeStory, models.StatusCompleted, TargetChildren, models.TypeTask, GuardTargetDone, ActionNotifyReadyForArchive},
	{models.TypeMilestone, models.StatusCompleted, TargetChildren, models.TypeStory, GuardTargetDone, ActionNotifyReadyForArchive},
}

// AuditEntry records one thing a cascade did or observed.
type AuditEntry struct {
	EntityID models.EntityID `json:"entity_id"`
	Action   Action          `json:"action"`
	Detail   string          `json:"detail"`
	From     models.Status   `json:"from,omitempty"`
	To       models.Status   `json:"to,omitempty"`
}

// CascadeResult collects everything a cascade touched.
type CascadeResult struct {
	ID        string                  `json:"id"`
	TriggerID models.EntityID         `json:"trigger_id"`
	Entries   []AuditEntry            `json:"entries"`
	Updated   []models.EntityID       `json:"updated,omitempty"`
	Archived  []models.EntityID       `json:"archived,omitempty"`
	Progress  map[models.EntityID]int `json:"progress,omitempty"`
}

// CascadeManager applies the rule table after a status change.
type CascadeManager struct {
	store EntityStore
	rules []Rule
	opts  options
}

// NewCascadeManager creates a manager using DefaultRules.
func NewCascadeManager(store EntityStore, opts ...Option) *CascadeManager {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &CascadeManager{store: store, rules: DefaultRules, opts: o}
}

// Rules returns the rules matching an entity of type t entering status s.
func (m *CascadeManager) Rules(t models.EntityType, s models.Status) []Rule {
	var out []Rule
	for _, r := range m.rules {
		if r.TriggerType == t && r.TriggerStatus == s {
			out = append(out, r)
		}
	}
	return out
}

type change struct {
	entity   *models.Entity
	from, to models.Status
	depth    int
}

// HandleStatusChange applies every rule triggered by e moving from
// oldStatus to newStatus. Status changes it causes are followed in turn,
// each entity at most once and up to the configured depth. The trigger
// itself is not written; the caller persists it before calling. A store
// error stops the cascade and is returned with the partial result.
func (m *CascadeManager) HandleStatusChange(ctx context.Context, e *models.Entity, oldStatus, newStatus models.Status) (*CascadeResult, error) {
	res := &CascadeResult{ID: newID(), TriggerID: e.ID, Progress: make(map[models.EntityID]int)}
	visited := map[models.EntityID]struct{}{e.ID: {}}
	queue := []change{{entity: e, from: oldStatus, to: newStatus}}

	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		if c.depth >= m.opts.maxDepth {
			res.Entries = append(res.Entries, AuditEntry{EntityID: c.entity.ID, Detail: "cascade depth limit reached"})
			continue
		}

		for _, rule := range m.Rules(c.entity.Type, c.to) {
			targets, err := m.targets(ctx, c.entity, rule)
			if err != nil {
				return res, fmt.Errorf("lifecycle: cascade %s: %w", e.ID, err)
			}
			for _, t := range targets {
				if rule.Guard != "" && !guards[rule.Guard](t) {
					continue
				}
				before := t.Status
				changed, err := m.apply(ctx, rule.Action, c.entity, t, res)
				if err != nil {
					return res, fmt.Errorf("lifecycle: cascade %s: %w", e.ID, err)
				}
				if !changed {
					continue
				}
				if _, seen := visited[t.ID]; seen {
					continue
				}
				visited[t.ID] = struct{}{}
				queue = append(queue, change{entity: t, from: before, to: t.Status, depth: c.depth + 1})
			}
		}
	}
	return res, nil
}

func (m *CascadeManager) targets(ctx context.Context, e *models.Entity, r Rule) ([]*models.Entity, error) {
	switch r.Target {
	case TargetParent:
		p, err := m.store.GetParent(ctx, e.ID)
		if err != nil || p == nil {
			return nil, err
		}
		if r.TargetType != "" && p.Type != r.TargetType {
			return nil, nil
		}
		return []*models.Entity{p}, nil
	case TargetChildren:
		return m.store.GetChildren(ctx, e.ID, r.TargetType)
	}
	return nil, nil
}

// apply runs one action on target t. It reports whether t's status changed.
func (m *CascadeManager) apply(ctx context.Context, a Action, trigger, t *models.Entity, res *CascadeResult) (bool, error) {
	switch a {
	case ActionSetInProgress:
		return m.setStatus(ctx, a, t, models.StatusInProgress, fmt.Sprintf("started because %s is in progress", trigger.ID), res)

	case ActionRecomputeProgress:
		done, total, err := m.childProgress(ctx, t)
		if err != nil {
			return false, err
		}
		pct := Progress(done, total)
		res.Progress[t.ID] = pct
		res.Entries = append(res.Entries, AuditEntry{EntityID: t.ID, Action: a, Detail: fmt.Sprintf("progress %d%% (%d/%d)", pct, done, total)})
		return false, nil

	case ActionCheckCompletion:
		done, total, err := m.childProgress(ctx, t)
		if err != nil {
			return false, err
		}
		if total == 0 || done < total {
			return false, nil
		}
		if _, ok := Lookup(t.Type, t.Status, models.StatusCompleted); !ok {
			res.Entries = append(res.Entries, AuditEntry{EntityID: t.ID, Action: a, Detail: fmt.Sprintf("all %d children complete; ready to complete from %s", total, t.Status)})
			return false, nil
		}
		return m.setStatus(ctx, a, t, models.StatusCompleted, fmt.Sprintf("all %d children complete", total), res)

	case ActionCheckBlocked:
		children, err := m.store.GetChildren(ctx, t.ID, "")
		if err != nil {
			return false, err
		}
		var open, blocked int
		for _, c := range children {
			if c.Status.Done() {
				continue
			}
			open++
			if c.Status == models.StatusBlocked {
				blocked++
			}
		}
		if open == 0 || blocked < open {
			return false, nil
		}
		return m.setStatus(ctx, a, t, models.StatusBlocked, fmt.Sprintf("all %d open children are blocked", open), res)

	case ActionNotifyReadyForArchive:
		res.Entries = append(res.Entries, AuditEntry{EntityID: t.ID, Action: a, Detail: fmt.Sprintf("ready for archive since %s is %s", trigger.ID, trigger.Status)})
		if !m.opts.autoArchive || t.VaultPath == "" || strings.HasPrefix(t.VaultPath, m.opts.archiveDir+"/") {
			return false, nil
		}
		dest := path.Join(m.opts.archiveDir, t.VaultPath)
		if err := m.store.ArchiveEntity(ctx, t.ID, dest); err != nil {
			return false, err
		}
		res.Archived = append(res.Archived, t.ID)
		res.Entries = append(res.Entries, AuditEntry{EntityID: t.ID, Action: a, Detail: "archived to " + dest})
		return false, nil
	}
	return false, fmt.Errorf("unknown cascade action %q", a)
}

// setStatus moves t to status when the state machine has a row for it and
// writes t back.
func (m *CascadeManager) setStatus(ctx context.Context, a Action, t *models.Entity, to models.Status, why string, res *CascadeResult) (bool, error) {
	if t.Status == to {
		return false, nil
	}
	if _, ok := Lookup(t.Type, t.Status, to); !ok {
		res.Entries = append(res.Entries, AuditEntry{EntityID: t.ID, Action: a, Detail: fmt.Sprintf("skipped: no %s transition from %s to %s", t.Type, t.Status, to)})
		return false, nil
	}
	from := t.Status
	t.Status = to
	t.UpdatedAt = m.opts.now()
	if err := m.store.WriteEntity(ctx, t); err != nil {
		t.Status = from
		return false, err
	}
	res.Updated = append(res.Updated, t.ID)
	res.Entries = append(res.Entries, AuditEntry{EntityID: t.ID, Action: a, Detail: why, From: from, To: to})
	return true, nil
}

func (m *CascadeManager) childProgress(ctx context.Context, t *models.Entity) (done, total int, err error) {
	children, err := m.store.GetChildren(ctx, t.ID, "")
	if err != nil {
		return 0, 0, err
	}
	for _, c := range children {
		total++
		if c.Status.Done() {
			done++
		}
	}
	return done, total, nil
}

// Progress returns round(done/total*100), or 0 when total is 0.
func Progress(done, total int) int {
	if total <= 0 {
		return 0
	}
	return int(math.Round(float64(done) / float64(total) * 100))
}
