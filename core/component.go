package core

import "time"

// Component is a versioned, long-lived identity or knowledge artifact:
// a value system, a purpose statement, a concept summary.
//
// Invariants: Version strictly increases, History is append-only, and
// CurrentText always equals the NewText of the last revision (or the
// bootstrap text if no revision exists yet).
type Component struct {
	// Name identifies the component ("values", "purpose", ...).
	Name string

	// CurrentText is the live version of the component.
	CurrentText string

	// Confidence is the assessor's confidence in the current text [0.0-1.0].
	Confidence float64

	// BasedOnRecordCount is how many records have fed into the component.
	BasedOnRecordCount int

	// Version starts at 1 and increments with every revision.
	Version int

	// History is the ordered, append-only revision log.
	History []Revision
}

// Revision is one entry in a component's history.
type Revision struct {
	Version      int
	PreviousText string
	NewText      string
	Reason       string
	Timestamp    time.Time
}
