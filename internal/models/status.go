package models

// Status is the lifecycle state of an entity. The legal values depend on the
// entity type.
type Status string

// Work item statuses (milestone, story, task).
const (
	StatusNotStarted Status = "Not Started"
	StatusInProgress Status = "In Progress"
	StatusBlocked    Status = "Blocked"
	StatusCompleted  Status = "Completed"
)

// Decision statuses.
const (
	StatusPending Status = "Pending"
	StatusDecided Status = "Decided"
)

// Document statuses. Superseded is shared with decisions.
const (
	StatusDraft      Status = "Draft"
	StatusReview     Status = "Review"
	StatusApproved   Status = "Approved"
	StatusSuperseded Status = "Superseded"
)

var statusesByType = map[EntityType][]Status{
	TypeMilestone: {StatusNotStarted, StatusInProgress, StatusBlocked, StatusCompleted},
	TypeStory:     {StatusNotStarted, StatusInProgress, StatusBlocked, StatusCompleted},
	TypeTask:      {StatusNotStarted, StatusInProgress, StatusBlocked, StatusCompleted},
	TypeDecision:  {StatusPending, StatusDecided, StatusSuperseded},
	TypeDocument:  {StatusDraft, StatusReview, StatusApproved, StatusSuperseded},
}

// Statuses returns the legal statuses for t.
func Statuses(t EntityType) []Status {
	return statusesByType[t]
}

// ValidFor reports whether s is a legal status for entities of type t.
func (s Status) ValidFor(t EntityType) bool {
	for _, known := range statusesByType[t] {
		if s == known {
			return true
		}
	}
	return false
}

// InProgress reports whether s counts as active work.
func (s Status) InProgress() bool {
	return s == StatusInProgress || s == StatusReview
}

// Done reports whether s is terminal for the purposes of blocking and
// completion checks.
func (s Status) Done() bool {
	switch s {
	case StatusCompleted, StatusDecided, StatusApproved, StatusSuperseded:
		return true
	}
	return false
}

// Started reports whether work has begun.
func (s Status) Started() bool {
	return s != "" && s != StatusNotStarted && s != StatusPending && s != StatusDraft
}

// InitialStatus is the status a new entity of type t starts in.
func InitialStatus(t EntityType) Status {
	if st := statusesByType[t]; len(st) > 0 {
		return st[0]
	}
	return ""
}
