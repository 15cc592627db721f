// Package consolidate folds accumulated records into versioned
// identity/knowledge components, on a periodic schedule or on demand.
//
// Consolidation is idempotent: the candidate text is compared against the
// component's current text before committing, so re-running on an
// unchanged evidence window never bumps a version.
package consolidate

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/graph"
	"github.com/engramlabs/engram-go/record"
)

// Mode selects the consolidation window.
type Mode string

const (
	Daily     Mode = "daily"
	Weekly    Mode = "weekly"
	Monthly   Mode = "monthly"
	Immediate Mode = "immediate"
)

// AnchorThreshold is the intensity above which a record earns a temporal
// anchor, independent of the periodic schedule.
const AnchorThreshold = 0.7

// AnchorTag marks anchor records for prioritized retention.
const AnchorTag = "temporal-anchor"

// Consolidator runs the periodic folding process.
type Consolidator struct {
	records    *record.Store
	components *record.Components
	graph      *graph.Graph
	reviser    core.Reviser
	db         *sql.DB
}

// New creates a consolidator. The reviser is the external collaborator
// that proposes candidate component texts from evidence.
func New(records *record.Store, components *record.Components, g *graph.Graph, reviser core.Reviser) (*Consolidator, error) {
	c := &Consolidator{
		records:    records,
		components: components,
		graph:      g,
		reviser:    reviser,
		db:         records.DB(),
	}
	if err := c.init(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Consolidator) init() error {
	_, err := c.db.Exec(`
		CREATE TABLE IF NOT EXISTS consolidation_runs (
			mode     TEXT PRIMARY KEY,
			last_run TEXT NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("init consolidation schema: %w", err)
	}
	return nil
}

// Run gathers unconsolidated records since the last run for the mode's
// window and revises each component against that evidence.
func (c *Consolidator) Run(ctx context.Context, mode Mode) error {
	since, err := c.lastRun(ctx, mode)
	if err != nil {
		return err
	}
	if since.IsZero() {
		since = time.Now().Add(-windowFor(mode))
	}

	evidence, err := c.gather(ctx, since)
	if err != nil {
		return fmt.Errorf("gather evidence: %w", err)
	}
	if len(evidence) == 0 {
		log.Printf("[CONSOLIDATE] No new records since %s for %s run", since.Format(time.RFC3339), mode)
		return c.markRun(ctx, mode)
	}

	comps, err := c.components.List(ctx)
	if err != nil {
		return fmt.Errorf("list components: %w", err)
	}

	for _, comp := range comps {
		if err := c.reviseComponent(ctx, comp, evidence); err != nil {
			// One component's failure never aborts the rest of the run.
			log.Printf("[CONSOLIDATE] Component %s revision failed: %v", comp.Name, err)
		}
	}

	return c.markRun(ctx, mode)
}

func (c *Consolidator) reviseComponent(ctx context.Context, comp *core.Component, evidence []string) error {
	newText, reason, confidence, err := c.reviser.Revise(ctx, comp.Name, comp.CurrentText, evidence)
	if err != nil {
		return fmt.Errorf("revise %s: %w", comp.Name, err)
	}

	// Idempotence: commit only on material change.
	if !materiallyDifferent(comp.CurrentText, newText) {
		log.Printf("[CONSOLIDATE] Component %s unchanged (v%d)", comp.Name, comp.Version)
		return nil
	}

	revised, err := c.components.Revise(ctx, comp.Name, newText, reason, confidence, len(evidence))
	if err != nil {
		return fmt.Errorf("commit revision for %s: %w", comp.Name, err)
	}
	log.Printf("[CONSOLIDATE] Component %s revised to v%d: %s",
		comp.Name, revised.Version, truncateLog(reason, 80))
	return nil
}

// gather collects record contents appended since the cutoff.
func (c *Consolidator) gather(ctx context.Context, since time.Time) ([]string, error) {
	records, err := c.records.List(ctx, core.Filter{Since: since})
	if err != nil {
		return nil, err
	}
	evidence := make([]string, 0, len(records))
	for _, r := range records {
		// Anchor copies would double-count their source records.
		if r.HasTag(AnchorTag) {
			continue
		}
		evidence = append(evidence, r.Content)
	}
	return evidence, nil
}

// WriteAnchor creates the temporal-anchor record for a high-intensity
// source record and links it back. Exactly one anchor per qualifying
// record: an existing relates_to edge from an anchor means this is a
// re-run and nothing is written. It is a package function rather than a
// Consolidator method because anchoring is event-driven and runs even
// when no reviser (and so no Consolidator) is configured.
func WriteAnchor(ctx context.Context, records *record.Store, g *graph.Graph, src *core.Record) (string, error) {
	if src.Intensity <= AnchorThreshold {
		return "", nil
	}

	neighbors, err := g.Neighbors(ctx, src.ID, core.DirIn, 1)
	if err == nil {
		for _, id := range neighbors {
			if rec, err := records.Get(ctx, id); err == nil && rec.HasTag(AnchorTag) {
				return rec.ID, nil
			}
		}
	}

	content := anchorContent(src)

	// The append and its link are separate writes. A failure between
	// them leaves an anchor with no inbound edge, invisible to the check
	// above; find it by tag and content and repair the link rather than
	// minting a second anchor.
	if existing, err := records.List(ctx, core.Filter{Actor: src.Actor, Kind: core.KindNote, Tags: []string{AnchorTag}}); err == nil {
		for _, rec := range existing {
			if rec.Content != content {
				continue
			}
			if _, err := g.AddLink(ctx, rec.ID, src.ID, core.RelRelatesTo, 1.0); err != nil {
				return "", fmt.Errorf("link anchor: %w", err)
			}
			log.Printf("[CONSOLIDATE] Relinked anchor %s to record %s", rec.ID, src.ID)
			return rec.ID, nil
		}
	}

	anchor := &core.Record{
		Kind:       core.KindNote,
		Actor:      src.Actor,
		Location:   src.Location,
		Content:    content,
		Importance: src.Importance,
		Valence:    src.Valence,
		Intensity:  src.Intensity,
		Tags:       []string{AnchorTag},
	}
	id, err := records.Append(ctx, anchor)
	if err != nil {
		return "", fmt.Errorf("append anchor: %w", err)
	}
	if _, err := g.AddLink(ctx, id, src.ID, core.RelRelatesTo, 1.0); err != nil {
		return "", fmt.Errorf("link anchor: %w", err)
	}
	log.Printf("[CONSOLIDATE] Temporal anchor %s for record %s (intensity %.3f)", id, src.ID, src.Intensity)
	return id, nil
}

func anchorContent(src *core.Record) string {
	return fmt.Sprintf("Temporal anchor (intensity %.3f): %s", src.Intensity, src.Content)
}

func (c *Consolidator) lastRun(ctx context.Context, mode Mode) (time.Time, error) {
	var ts string
	err := c.db.QueryRowContext(ctx,
		`SELECT last_run FROM consolidation_runs WHERE mode = ?`, string(mode)).Scan(&ts)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("read last run: %w", err)
	}
	t, err := time.Parse(time.RFC3339Nano, ts)
	if err != nil {
		return time.Time{}, nil
	}
	return t, nil
}

func (c *Consolidator) markRun(ctx context.Context, mode Mode) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO consolidation_runs (mode, last_run) VALUES (?, ?)
		ON CONFLICT(mode) DO UPDATE SET last_run = excluded.last_run`,
		string(mode), time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("mark run: %w", err)
	}
	return nil
}

func windowFor(mode Mode) time.Duration {
	switch mode {
	case Weekly:
		return 7 * 24 * time.Hour
	case Monthly:
		return 30 * 24 * time.Hour
	default:
		return 24 * time.Hour
	}
}

// materiallyDifferent ignores whitespace-only drift between candidate
// and current text.
func materiallyDifferent(current, candidate string) bool {
	return strings.TrimSpace(current) != strings.TrimSpace(candidate) && strings.TrimSpace(candidate) != ""
}

func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
