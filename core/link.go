package core

import "time"

// Relationship is the typed vocabulary for links between records.
type Relationship string

const (
	RelElaboratesOn Relationship = "elaborates_on"
	RelContradicts  Relationship = "contradicts"
	RelRelatesTo    Relationship = "relates_to"
	RelDependsOn    Relationship = "depends_on"
	RelSupersedes   Relationship = "supersedes"
)

// ValidRelationship reports whether rel is part of the fixed vocabulary.
func ValidRelationship(rel Relationship) bool {
	switch rel {
	case RelElaboratesOn, RelContradicts, RelRelatesTo, RelDependsOn, RelSupersedes:
		return true
	}
	return false
}

// Link is a directed, typed edge between two record ids.
//
// Links are queryable from either endpoint. A link may reference a target
// that does not exist yet only transiently, inside the job that creates
// both ends.
type Link struct {
	ID           string
	FromID       string
	ToID         string
	Relationship Relationship
	Confidence   float64
	CreatedAt    time.Time
}

// Direction selects which edges a graph traversal follows.
type Direction int

const (
	// DirOut follows edges away from the start id.
	DirOut Direction = iota

	// DirIn follows edges pointing at the start id.
	DirIn

	// DirBoth follows edges in either direction.
	DirBoth
)
