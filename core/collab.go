package core

import (
	"context"
	"math"
)

// Embedder converts text to vector embeddings.
// Implementations: mock (testing), ONNX (local), API-based (production).
//
// Embed must be deterministic for identical input: the same text is
// embedded at write time for indexing and at query time for retrieval,
// and those vectors have to agree.
type Embedder interface {
	// Embed converts a single text to an embedding vector.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the embedding vector size.
	Dimensions() int
}

// Assessment is the cognitive judgment for a piece of evidence.
type Assessment struct {
	// Importance is how much the evidence matters [0.0-1.0].
	Importance float64

	// Alignment is how the evidence sits with the agent's values [-1.0-1.0].
	Alignment float64

	// Reason is the assessor's rationale, recorded for auditability.
	Reason string
}

// Assessor is the sole source of cognitive judgment in the engine.
// Implementations: Claude-backed (production), mock (testing).
//
// The engine performs no text-pattern scoring of importance or alignment
// itself; the only arithmetic it owns is Intensity below.
type Assessor interface {
	Assess(ctx context.Context, evidence string) (Assessment, error)
}

// Reviser proposes a new text for a long-lived component given gathered
// evidence. Like Assessor, it is an injected LLM capability; the engine
// only compares the candidate against the current text and versions the
// change.
type Reviser interface {
	// Revise returns the candidate text, the rationale, and the
	// reviser's confidence in it. Returning the current text unchanged
	// means "no revision warranted".
	Revise(ctx context.Context, name, currentText string, evidence []string) (newText, reason string, confidence float64, err error)
}

// Intensity derives the emotional-resonance scalar from an assessment:
// importance * abs(alignment). Intensity above the anchor threshold
// gates special treatment (temporal anchoring).
func Intensity(importance, alignment float64) float64 {
	return importance * math.Abs(alignment)
}

// Clamp bounds v to [lo, hi].
func Clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
