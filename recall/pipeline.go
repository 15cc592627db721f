// Package recall reconstructs relevant context for an interaction.
//
// The pipeline merges candidates from semantic retrieval, link expansion
// and library search, filters them by emotional intensity and time or
// place, always injects the current identity components, deduplicates by
// record id, ranks, and synthesizes a structured summary.
//
// Every stage tolerates its upstream store being unavailable by
// contributing nothing; an empty result is a valid (if uninformative)
// output, never an error.
package recall

import (
	"context"
	"log"
	"math"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/graph"
	"github.com/engramlabs/engram-go/index"
	"github.com/engramlabs/engram-go/record"
)

// FocusLevel tunes how wide the reconstruction looks: higher levels span
// more time, admit more memories, and lower the intensity floor.
type FocusLevel int

type focusParams struct {
	Span         time.Duration // 0 = unbounded
	Budget       int
	MinIntensity float64
	LinkDepth    int
}

var focusTable = map[FocusLevel]focusParams{
	0: {Span: 24 * time.Hour, Budget: 5, MinIntensity: 0.6, LinkDepth: 1},
	1: {Span: 3 * 24 * time.Hour, Budget: 8, MinIntensity: 0.5, LinkDepth: 1},
	2: {Span: 7 * 24 * time.Hour, Budget: 12, MinIntensity: 0.4, LinkDepth: 1},
	3: {Span: 30 * 24 * time.Hour, Budget: 20, MinIntensity: 0.3, LinkDepth: 2},
	4: {Span: 182 * 24 * time.Hour, Budget: 30, MinIntensity: 0.2, LinkDepth: 2},
	5: {Span: 0, Budget: 50, MinIntensity: 0, LinkDepth: 2},
}

func (f FocusLevel) params() focusParams {
	if p, ok := focusTable[f]; ok {
		return p
	}
	if f < 0 {
		return focusTable[0]
	}
	return focusTable[5]
}

// Options shape one reconstruction call.
type Options struct {
	// Actor scopes retrieval to one actor's memories.
	Actor string

	// Focus widens or narrows the reconstruction (0-5).
	Focus FocusLevel

	// Location, when set, drops candidates tagged with a different
	// location.
	Location string

	// Since/Until override the focus level's time window.
	Since time.Time
	Until time.Time

	// IncludeAllTime disables the temporal filter entirely.
	IncludeAllTime bool
}

// Memory is one synthesized entry. Content is the full record text,
// bounded only by a generous cap: truncation previews starve the
// consuming model of evidence.
type Memory struct {
	ID         string
	Kind       core.Kind
	Actor      string
	Location   string
	CreatedAt  time.Time
	Content    string
	Importance float64
	Valence    core.Valence
	Intensity  float64
	Score      float64
	Sources    []string
}

// ComponentView is the injected current version of an identity component.
type ComponentView struct {
	Name       string
	Text       string
	Version    int
	Confidence float64
}

// Result is the structured synthesis handed to the caller.
type Result struct {
	Query       string
	Focus       FocusLevel
	Memories    []Memory
	Components  []ComponentView
	UniqueCount int
}

// contentCap bounds synthesized content. Generous on purpose.
const contentCap = 8192

// Pipeline wires the stores together for reconstruction. It is used
// both online (per interaction) and offline (reflection jobs).
type Pipeline struct {
	embedder   core.Embedder
	idx        *index.Facade
	graph      *graph.Graph
	records    *record.Store
	components *record.Components
}

// New creates a reconstruction pipeline.
func New(embedder core.Embedder, idx *index.Facade, g *graph.Graph, records *record.Store, components *record.Components) *Pipeline {
	return &Pipeline{
		embedder:   embedder,
		idx:        idx,
		graph:      g,
		records:    records,
		components: components,
	}
}

// candidate accumulates per-id evidence across stages before synthesis.
type candidate struct {
	id      string
	score   float64
	sources []string
}

// Reconstruct runs the full pipeline for a query.
func (p *Pipeline) Reconstruct(ctx context.Context, query string, opts Options) (*Result, error) {
	par := opts.Focus.params()
	res := &Result{Query: query, Focus: opts.Focus}

	since, until := opts.Since, opts.Until
	if since.IsZero() && !opts.IncludeAllTime && par.Span > 0 {
		since = time.Now().Add(-par.Span)
	}

	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		// Without a query vector the semantic stages contribute nothing,
		// but identity injection below still produces a usable result.
		log.Printf("[RECALL] Query embedding failed, semantic stages skipped: %v", err)
		vec = nil
	}

	candidates := make(map[string]*candidate)
	add := func(id string, score float64, source string) {
		c, ok := candidates[id]
		if !ok {
			c = &candidate{id: id}
			candidates[id] = c
		}
		if score > c.score {
			c.score = score
		}
		c.sources = append(c.sources, source)
	}

	filter := index.Filter{Actor: opts.Actor, Since: since, Until: until}

	// Stage 1: semantic retrieval over notes and verbatim turns.
	if vec != nil {
		for _, col := range []index.Collection{index.Notes, index.Verbatim} {
			hits, err := p.idx.Query(ctx, col, vec, par.Budget, filter)
			if err != nil {
				log.Printf("[RECALL] Semantic stage degraded for %s: %v", col, err)
				continue
			}
			for _, h := range hits {
				add(h.ID, h.Score, "semantic")
			}
		}
	}

	// Stage 2: link expansion around the semantic candidates, with a
	// discounted score.
	if p.graph != nil {
		seeds := make([]string, 0, len(candidates))
		for id := range candidates {
			seeds = append(seeds, id)
		}
		for _, seed := range seeds {
			parent := candidates[seed].score
			neighbors, err := p.graph.Neighbors(ctx, seed, core.DirBoth, par.LinkDepth)
			if err != nil {
				log.Printf("[RECALL] Link expansion degraded: %v", err)
				break
			}
			for _, id := range neighbors {
				add(id, parent*0.6, "linked")
			}
		}
	}

	// Stage 3: reference material.
	if vec != nil {
		hits, err := p.idx.Query(ctx, index.Library, vec, par.Budget, index.Filter{Since: since, Until: until})
		if err == nil {
			for _, h := range hits {
				add(h.ID, h.Score, "library")
			}
		} else {
			log.Printf("[RECALL] Library stage degraded: %v", err)
		}
	}

	// Resolve candidates against the record store; ids that no longer
	// resolve are dropped here.
	now := time.Now()
	var resolved []Memory
	for _, c := range candidates {
		rec, err := p.records.Get(ctx, c.id)
		if err != nil {
			if !core.IsNotFound(err) {
				log.Printf("[RECALL] Resolve failed for %s: %v", c.id, err)
			}
			continue
		}

		// Stage 4: emotional filter. Low-intensity memories fall below
		// the focus floor; high-intensity ones get boosted.
		if rec.Intensity < par.MinIntensity {
			continue
		}
		score := c.score
		if rec.Intensity >= 0.7 {
			score *= 1.25
		}

		// Stage 5: temporal and spatial filter.
		if !opts.IncludeAllTime {
			if !since.IsZero() && rec.CreatedAt.Before(since) {
				continue
			}
			if !until.IsZero() && !rec.CreatedAt.Before(until) {
				continue
			}
		}
		if opts.Location != "" && rec.Location != "" && rec.Location != opts.Location {
			continue
		}

		resolved = append(resolved, Memory{
			ID:         rec.ID,
			Kind:       rec.Kind,
			Actor:      rec.Actor,
			Location:   rec.Location,
			CreatedAt:  rec.CreatedAt,
			Content:    capContent(rec.Content),
			Importance: rec.Importance,
			Valence:    rec.Valence,
			Intensity:  rec.Intensity,
			Score:      composite(score, rec, now, par),
			Sources:    dedupeSources(c.sources),
		})
	}

	// Stage 8: ranking. Composite score, created_at descending on ties.
	sort.Slice(resolved, func(i, j int) bool {
		if resolved[i].Score != resolved[j].Score {
			return resolved[i].Score > resolved[j].Score
		}
		return resolved[i].CreatedAt.After(resolved[j].CreatedAt)
	})
	if len(resolved) > par.Budget {
		resolved = resolved[:par.Budget]
	}

	// Stage 6: identity injection, regardless of score or budget.
	if p.components != nil {
		comps, err := p.components.List(ctx)
		if err != nil {
			log.Printf("[RECALL] Identity injection degraded: %v", err)
		} else {
			for _, comp := range comps {
				res.Components = append(res.Components, ComponentView{
					Name:       comp.Name,
					Text:       comp.CurrentText,
					Version:    comp.Version,
					Confidence: comp.Confidence,
				})
			}
		}
	}

	// Stage 7 already happened structurally: candidates merged by id, so
	// the unique count is the cardinality of the id union, never the sum
	// of per-stage result sizes.
	res.Memories = resolved
	res.UniqueCount = len(resolved)

	log.Printf("[RECALL] Reconstructed %d unique memories, %d components for query %q",
		res.UniqueCount, len(res.Components), truncateLog(query, 60))
	return res, nil
}

// composite blends similarity, recency and importance.
func composite(similarity float64, rec *core.Record, now time.Time, par focusParams) float64 {
	span := par.Span
	if span == 0 {
		span = 365 * 24 * time.Hour
	}
	age := now.Sub(rec.CreatedAt)
	recency := 1.0 - float64(age)/float64(span)
	recency = math.Max(0, math.Min(1, recency))
	return 0.5*similarity + 0.3*recency + 0.2*rec.Importance
}

func capContent(s string) string {
	if len(s) <= contentCap {
		return s
	}
	// Back up to a rune boundary so the cut never emits invalid UTF-8.
	cut := contentCap
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}

func dedupeSources(sources []string) []string {
	seen := make(map[string]bool, len(sources))
	var out []string
	for _, s := range sources {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func truncateLog(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
