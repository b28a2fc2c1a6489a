package models

// RelationType is the kind of a directed relationship edge.
type RelationType string

// Relation types. Each one has exactly one inverse.
const (
	RelBlocks          RelationType = "blocks"
	RelBlockedBy       RelationType = "blocked_by"
	RelImplements      RelationType = "implements"
	RelImplementedBy   RelationType = "implemented_by"
	RelSupersedes      RelationType = "supersedes"
	RelSupersededBy    RelationType = "superseded_by"
	RelParentOf        RelationType = "parent_of"
	RelChildOf         RelationType = "child_of"
	RelPreviousVersion RelationType = "previous_version"
	RelNextVersion     RelationType = "next_version"
)

var inverses = map[RelationType]RelationType{
	RelBlocks:          RelBlockedBy,
	RelBlockedBy:       RelBlocks,
	RelImplements:      RelImplementedBy,
	RelImplementedBy:   RelImplements,
	RelSupersedes:      RelSupersededBy,
	RelSupersededBy:    RelSupersedes,
	RelParentOf:        RelChildOf,
	RelChildOf:         RelParentOf,
	RelPreviousVersion: RelNextVersion,
	RelNextVersion:     RelPreviousVersion,
}

// RelationTypes lists all relation types in a stable order.
var RelationTypes = []RelationType{
	RelBlocks, RelBlockedBy,
	RelImplements, RelImplementedBy,
	RelSupersedes, RelSupersededBy,
	RelParentOf, RelChildOf,
	RelPreviousVersion, RelNextVersion,
}

// Inverse returns the relation recorded on the target when r is added on
// the source. Unknown relations return "".
func (r RelationType) Inverse() RelationType {
	return inverses[r]
}

// Valid reports whether r is a known relation type.
func (r RelationType) Valid() bool {
	_, ok := inverses[r]
	return ok
}
