package engine

import (
	"context"
	"fmt"

	"github.com/engramlabs/engram-go/consolidate"
	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/index"
)

// Task kinds. Dispatch is a closed mapping registered at construction;
// enqueueing an unregistered kind is rejected up front.
const (
	assessKind      = "assess_record"
	backfillKind    = consolidate.BackfillKind
	consolidateKind = "consolidate"
)

func (e *Engine) registerHandlers() error {
	handlers := map[string]func(ctx context.Context, task *core.Task) (string, error){
		assessKind:      e.handleAssess,
		backfillKind:    e.handleBackfill,
		consolidateKind: e.handleConsolidate,
	}
	for kind, h := range handlers {
		if err := e.queue.Register(kind, h); err != nil {
			return fmt.Errorf("register %s handler: %w", kind, err)
		}
	}
	return nil
}

// handleAssess is the per-record background job: cognitive assessment,
// embedding, then the derived writes. All store writes happen only
// after every computation has succeeded, so a timeout or failure
// mid-task leaves no partial derived state — the whole task's writes
// land on the retry instead.
func (e *Engine) handleAssess(ctx context.Context, task *core.Task) (string, error) {
	id := task.Params["record_id"]
	if id == "" {
		return "", &core.ValidationError{Field: "record_id", Reason: "required"}
	}
	rec, err := e.records.Get(ctx, id)
	if err != nil {
		return "", err
	}

	assessment, err := e.assessor.Assess(ctx, rec.Content)
	if err != nil {
		return "", fmt.Errorf("assess record: %w", err)
	}
	vec, err := e.embedder.Embed(ctx, rec.Content)
	if err != nil {
		return "", fmt.Errorf("embed record: %w", err)
	}

	// A caller-supplied importance acts as a floor under the assessor's.
	importance := assessment.Importance
	if rec.Importance > importance {
		importance = rec.Importance
	}
	intensity := core.Intensity(importance, assessment.Alignment)
	valence := rec.Valence
	if valence == core.ValenceUnknown || valence == "" {
		valence = valenceFromAlignment(assessment.Alignment)
	}

	// Derived writes, in dependency order.
	if err := e.records.SetAssessment(ctx, id, importance, valence, intensity); err != nil {
		return "", err
	}
	if err := e.records.SetEmbedding(ctx, id, vec); err != nil {
		return "", err
	}

	rec.Importance = importance
	rec.Valence = valence
	rec.Intensity = intensity
	if err := e.idx.Upsert(ctx, index.ForKind(rec.Kind), id, vec, rec.Content, index.Metadata(rec)); err != nil {
		return "", err
	}

	if intensity > consolidate.AnchorThreshold {
		anchorID, err := consolidate.WriteAnchor(ctx, e.records, e.graph, rec)
		if err != nil {
			return "", err
		}
		// The anchor is a record like any other: it gets indexed now, at
		// write time, so retrieval sees it and later startups find the
		// stores in sync.
		if err := e.indexRecord(ctx, anchorID); err != nil {
			return "", err
		}
		return fmt.Sprintf("intensity=%.3f anchor=%s", intensity, anchorID), nil
	}
	return fmt.Sprintf("intensity=%.3f", intensity), nil
}

// handleBackfill indexes a durable record the vector index is missing.
func (e *Engine) handleBackfill(ctx context.Context, task *core.Task) (string, error) {
	id := task.Params["record_id"]
	if id == "" {
		return "", &core.ValidationError{Field: "record_id", Reason: "required"}
	}
	if err := e.indexRecord(ctx, id); err != nil {
		return "", err
	}
	return "indexed", nil
}

// indexRecord embeds and upserts one durable record, reusing a stored
// embedding when one exists.
func (e *Engine) indexRecord(ctx context.Context, id string) error {
	rec, err := e.records.Get(ctx, id)
	if err != nil {
		return err
	}

	vec := rec.Embedding
	if vec == nil {
		vec, err = e.embedder.Embed(ctx, rec.Content)
		if err != nil {
			return fmt.Errorf("embed record: %w", err)
		}
		if err := e.records.SetEmbedding(ctx, id, vec); err != nil {
			return err
		}
	}

	return e.idx.Upsert(ctx, index.ForKind(rec.Kind), id, vec, rec.Content, index.Metadata(rec))
}

func (e *Engine) handleConsolidate(ctx context.Context, task *core.Task) (string, error) {
	if e.consol == nil {
		return "", &core.ValidationError{Field: "mode", Reason: "consolidation not configured"}
	}
	mode := consolidate.Mode(task.Params["mode"])
	if err := e.consol.Run(ctx, mode); err != nil {
		return "", err
	}
	return string(mode) + " run complete", nil
}

// valenceFromAlignment maps the assessor's alignment sign onto a
// valence when the caller did not supply one.
func valenceFromAlignment(alignment float64) core.Valence {
	switch {
	case alignment > 0.15:
		return core.ValencePositive
	case alignment < -0.15:
		return core.ValenceNegative
	default:
		return core.ValenceUnknown
	}
}
