package models

// Filter selects entities in a query. Zero values mean "no filter".
type Filter struct {
	Types        []EntityType
	Statuses     []Status
	Workstream   string
	Priority     string
	Parent       EntityID
	CanvasSource string
	Archived     *bool
	InProgress   *bool
	Offset       int
	Limit        int
}

// Match reports whether m satisfies every predicate in f.
func (f *Filter) Match(m *EntityMetadata) bool {
	if len(f.Types) > 0 && !containsType(f.Types, m.Type) {
		return false
	}
	if len(f.Statuses) > 0 && !containsStatus(f.Statuses, m.Status) {
		return false
	}
	if f.Workstream != "" && m.Workstream != f.Workstream {
		return false
	}
	if f.Priority != "" && m.Priority != f.Priority {
		return false
	}
	if f.Parent != "" && m.Parent != f.Parent {
		return false
	}
	if f.CanvasSource != "" && m.CanvasSource != f.CanvasSource {
		return false
	}
	if f.Archived != nil && m.Archived != *f.Archived {
		return false
	}
	if f.InProgress != nil && m.InProgress != *f.InProgress {
		return false
	}
	return true
}

func containsType(list []EntityType, t EntityType) bool {
	for _, v := range list {
		if v == t {
			return true
		}
	}
	return false
}

func containsStatus(list []Status, s Status) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// Verdict is the outcome of a pre-check. A rejected verdict carries a
// human-readable reason.
type Verdict struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

// Allow returns an allowed verdict.
func Allow() Verdict { return Verdict{Allowed: true} }

// Reject returns a rejected verdict with the given reason.
func Reject(reason string) Verdict { return Verdict{Reason: reason} }
