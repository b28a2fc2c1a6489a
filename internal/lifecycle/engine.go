package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/starford/waymark/internal/apperr"
	"github.com/starford/waymark/internal/models"
)

// Option configures an Engine or a CascadeManager.
type Option func(*options)

type options struct {
	now         func() time.Time
	archiveDir  string
	autoArchive bool
	maxDepth    int
}

func defaultOptions() options {
	return options{now: time.Now, maxDepth: 8}
}

// WithClock overrides the clock used for updated timestamps.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// WithAutoArchive makes the cascade move completed children into dir when
// their parent completes.
func WithAutoArchive(dir string) Option {
	return func(o *options) {
		o.autoArchive = true
		o.archiveDir = dir
	}
}

// WithMaxDepth bounds how many levels of follow-up status changes a
// cascade may cause.
func WithMaxDepth(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDepth = n
		}
	}
}

// Engine validates and applies status transitions.
type Engine struct {
	reader EntityReader
	opts   options
}

// NewEngine creates an Engine that evaluates conditions through reader.
func NewEngine(reader EntityReader, opts ...Option) *Engine {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Engine{reader: reader, opts: o}
}

// TransitionResult is the outcome of an applied transition.
type TransitionResult struct {
	ID       string          `json:"id"`
	EntityID models.EntityID `json:"entity_id"`
	From     models.Status   `json:"from"`
	To       models.Status   `json:"to"`
	Action   string          `json:"action"`
	Effects  []string        `json:"effects,omitempty"`
	At       time.Time       `json:"at"`
}

// Available describes a transition from the entity's current status and
// whether its conditions currently hold.
type Available struct {
	To      models.Status `json:"to"`
	Action  string        `json:"action"`
	Allowed bool          `json:"allowed"`
	Reason  string        `json:"reason,omitempty"`
}

// CanTransition reports whether e may move to status to. The verdict
// carries the first failing reason.
func (en *Engine) CanTransition(ctx context.Context, e *models.Entity, to models.Status) models.Verdict {
	if e.Status == to {
		return models.Reject(fmt.Sprintf("%s is already %s", e.ID, to))
	}
	if !to.ValidFor(e.Type) {
		return models.Reject(fmt.Sprintf("%q is not a valid %s status", to, e.Type))
	}
	tr, ok := Lookup(e.Type, e.Status, to)
	if !ok {
		return models.Reject(fmt.Sprintf("no %s transition from %s to %s", e.Type, e.Status, to))
	}
	for _, c := range tr.Conditions {
		if v := en.check(ctx, e, c); !v.Allowed {
			return v
		}
	}
	return models.Allow()
}

// Transition re-validates and applies the move to status to, mutating e in
// place. It fails with apperr.ErrInvalidTransition when the move is not
// allowed.
func (en *Engine) Transition(ctx context.Context, e *models.Entity, to models.Status) (*TransitionResult, error) {
	if v := en.CanTransition(ctx, e, to); !v.Allowed {
		return nil, fmt.Errorf("lifecycle: transition %s: %w: %s", e.ID, apperr.ErrInvalidTransition, v.Reason)
	}
	tr, _ := Lookup(e.Type, e.Status, to)

	now := en.opts.now()
	res := &TransitionResult{
		ID:       newID(),
		EntityID: e.ID,
		From:     e.Status,
		To:       to,
		Action:   tr.Action,
		At:       now,
	}
	e.Status = to
	e.UpdatedAt = now

	for _, se := range tr.SideEffects {
		res.Effects = append(res.Effects, en.describe(ctx, e, se))
	}
	return res, nil
}

// AvailableTransitions lists every row leaving e's current status with its
// current verdict.
func (en *Engine) AvailableTransitions(ctx context.Context, e *models.Entity) []Available {
	var out []Available
	for _, tr := range transitions[e.Type] {
		if tr.From != e.Status {
			continue
		}
		v := en.CanTransition(ctx, e, tr.To)
		out = append(out, Available{To: tr.To, Action: tr.Action, Allowed: v.Allowed, Reason: v.Reason})
	}
	return out
}

func (en *Engine) check(ctx context.Context, e *models.Entity, c Condition) models.Verdict {
	switch c {
	case NoIncompleteBlockers:
		var open []string
		for _, id := range blockers(e) {
			dep, err := en.reader.GetEntity(ctx, id)
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			if err != nil {
				return models.Reject(fmt.Sprintf("cannot check blocker %s: %v", id, err))
			}
			if !dep.Status.Done() {
				open = append(open, string(id))
			}
		}
		if len(open) > 0 {
			return models.Reject(fmt.Sprintf("%s has incomplete blockers: %s", e.ID, strings.Join(open, ", ")))
		}
	case AllChildrenComplete:
		children, err := en.reader.GetChildren(ctx, e.ID, "")
		if err != nil {
			return models.Reject(fmt.Sprintf("cannot list children of %s: %v", e.ID, err))
		}
		var open []string
		for _, c := range children {
			if !c.Status.Done() {
				open = append(open, string(c.ID))
			}
		}
		if len(open) > 0 {
			return models.Reject(fmt.Sprintf("%s has incomplete children: %s", e.ID, strings.Join(open, ", ")))
		}
	case NoChildrenStarted:
		children, err := en.reader.GetChildren(ctx, e.ID, "")
		if err != nil {
			return models.Reject(fmt.Sprintf("cannot list children of %s: %v", e.ID, err))
		}
		var started []string
		for _, c := range children {
			if c.Status.Started() {
				started = append(started, string(c.ID))
			}
		}
		if len(started) > 0 {
			return models.Reject(fmt.Sprintf("%s has started children: %s", e.ID, strings.Join(started, ", ")))
		}
	default:
		return models.Reject(fmt.Sprintf("unknown condition %q", c))
	}
	return models.Allow()
}

func (en *Engine) describe(ctx context.Context, e *models.Entity, se SideEffect) string {
	switch se {
	case EffectNotifyParent:
		parent, err := en.reader.GetParent(ctx, e.ID)
		if err != nil || parent == nil {
			return fmt.Sprintf("%s: %s has no parent to notify", se, e.ID)
		}
		return fmt.Sprintf("%s: %s notified that %s is %s", se, parent.ID, e.ID, e.Status)
	case EffectNotifyDependents:
		if len(e.Blocks) == 0 {
			return fmt.Sprintf("%s: %s blocks nothing", se, e.ID)
		}
		return fmt.Sprintf("%s: %s may now proceed", se, joinIDs(e.Blocks))
	case EffectNotifyEnabled:
		if len(e.Enables) == 0 {
			return fmt.Sprintf("%s: %s enables nothing", se, e.ID)
		}
		return fmt.Sprintf("%s: %s enabled by %s", se, joinIDs(e.Enables), e.ID)
	case EffectNotifyImplementer:
		if len(e.ImplementedBy) == 0 {
			return fmt.Sprintf("%s: %s approved with no implementers listed", se, e.ID)
		}
		return fmt.Sprintf("%s: %s can implement %s", se, joinIDs(e.ImplementedBy), e.ID)
	case EffectRecordSuperseded:
		return fmt.Sprintf("%s: %s superseded at %s", se, e.ID, e.UpdatedAt.Format(time.RFC3339))
	}
	return fmt.Sprintf("%s: %s", se, e.ID)
}

// blockers returns the declared dependencies of e without duplicates.
func blockers(e *models.Entity) []models.EntityID {
	seen := make(map[models.EntityID]struct{}, len(e.DependsOn)+len(e.BlockedBy))
	var out []models.EntityID
	for _, list := range [][]models.EntityID{e.DependsOn, e.BlockedBy} {
		for _, id := range list {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

func joinIDs(ids []models.EntityID) string {
	s := make([]string, len(ids))
	for i, id := range ids {
		s[i] = string(id)
	}
	return strings.Join(s, ", ")
}

// newID returns a time-ordered audit id.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.New().String()
	}
	return id.String()
}
