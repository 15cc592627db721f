package core

import (
	"strings"
	"time"
)

// Kind classifies a record.
type Kind string

const (
	// KindVerbatim is a raw conversational turn, stored exactly as spoken.
	KindVerbatim Kind = "verbatim"

	// KindNote is a derived observation about one or more verbatim records.
	KindNote Kind = "note"

	// KindFact is an extracted, standalone piece of knowledge.
	KindFact Kind = "fact"

	// KindLink is a record documenting an association between records.
	KindLink Kind = "link"

	// KindIdentity is a version of a long-lived identity component.
	KindIdentity Kind = "identity-component"

	// KindLibrary is ingested reference material (documents, articles).
	KindLibrary Kind = "library-entry"
)

// Valence is the emotional direction of a record.
type Valence string

const (
	ValencePositive Valence = "positive"
	ValenceNegative Valence = "negative"
	ValenceMixed    Valence = "mixed"
	ValenceUnknown  Valence = "unknown"
)

// Record is the immutable unit of memory.
//
// Content never changes after creation; corrections are new records that
// reference the original via a link. Embedding and Intensity are derived
// fields filled in by background work, and are the only fields a store may
// write after the initial append.
type Record struct {
	// ID is opaque, globally unique, and time-sortable (UUIDv7).
	ID string

	// Kind classifies the record.
	Kind Kind

	// CreatedAt is assigned by the store at append time.
	CreatedAt time.Time

	// Actor identifies who produced the record (user or agent id).
	Actor string

	// Location is a free-form context tag ("cli", "office", ...).
	Location string

	// Content is the record text. Immutable.
	Content string

	// Importance is the assessed importance [0.0-1.0].
	Importance float64

	// Valence is the emotional direction, defaults to unknown.
	Valence Valence

	// Intensity is derived: importance * abs(alignment).
	Intensity float64

	// Tags are free-form labels used for filtering.
	Tags []string

	// Embedding is nil until the background embed task completes.
	Embedding []float32
}

// Validate checks the fields a caller must supply before an append.
// Derived fields (ID, CreatedAt, Intensity, Embedding) are not required.
func (r *Record) Validate() error {
	if r.Kind == "" {
		return &ValidationError{Field: "kind", Reason: "required"}
	}
	switch r.Kind {
	case KindVerbatim, KindNote, KindFact, KindLink, KindIdentity, KindLibrary:
	default:
		return &ValidationError{Field: "kind", Reason: "unknown kind " + string(r.Kind)}
	}
	if r.Actor == "" {
		return &ValidationError{Field: "actor", Reason: "required"}
	}
	if strings.TrimSpace(r.Content) == "" {
		return &ValidationError{Field: "content", Reason: "required"}
	}
	if r.Importance < 0 || r.Importance > 1 {
		return &ValidationError{Field: "importance", Reason: "must be in [0,1]"}
	}
	switch r.Valence {
	case "", ValencePositive, ValenceNegative, ValenceMixed, ValenceUnknown:
	default:
		return &ValidationError{Field: "valence", Reason: "unknown valence " + string(r.Valence)}
	}
	return nil
}

// HasTag reports whether the record carries the given tag.
func (r *Record) HasTag(tag string) bool {
	for _, t := range r.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Filter selects records from a store. Zero values mean "no constraint".
type Filter struct {
	// Actor restricts to records produced by this actor.
	Actor string

	// Kind restricts to a single record kind.
	Kind Kind

	// Since/Until bound CreatedAt (inclusive lower, exclusive upper).
	Since time.Time
	Until time.Time

	// Tags requires every listed tag to be present.
	Tags []string

	// Limit caps the number of returned records (0 = no cap).
	Limit int
}
