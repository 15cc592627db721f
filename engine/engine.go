// Package engine is the front door of the memory layer: it captures
// interactions, reconstructs context, and drives the background
// machinery (task queue, consolidation scheduler, startup migration).
//
// The interactive path only ever does two synchronous things: the
// durable record append, and bounded-timeout reads. Everything derived
// (assessment, embeddings, index and graph updates, anchors,
// consolidation) happens through the task queue and can never block a
// caller.
package engine

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/engramlabs/engram-go/consolidate"
	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/graph"
	"github.com/engramlabs/engram-go/index"
	"github.com/engramlabs/engram-go/queue"
	"github.com/engramlabs/engram-go/recall"
	"github.com/engramlabs/engram-go/record"
)

// Config configures the engine.
type Config struct {
	// SearchTimeout bounds synchronous retrieval reads. Past it the
	// search degrades to whatever was gathered instead of blocking.
	SearchTimeout time.Duration

	// Queue overrides the task queue configuration.
	Queue *queue.Config

	// Schedule overrides the consolidation cron schedule.
	Schedule consolidate.Schedule

	// DisableScheduler skips the cron loop (tests, one-shot tools).
	DisableScheduler bool
}

// DefaultConfig returns sensible defaults for local use.
var DefaultConfig = &Config{
	SearchTimeout: 3 * time.Second,
	Schedule:      consolidate.DefaultSchedule,
}

// Engine owns the stores and background machinery.
type Engine struct {
	records    *record.Store
	components *record.Components
	idx        *index.Facade
	graph      *graph.Graph
	queue      *queue.Queue
	pipeline   *recall.Pipeline
	consol     *consolidate.Consolidator
	scheduler  *consolidate.Scheduler

	embedder core.Embedder
	assessor core.Assessor
	config   *Config
}

// New wires an engine over an opened record store and vector index.
// The graph, component store and task queue share the record store's
// database. The reviser may be nil when consolidation is not used.
func New(records *record.Store, idx *index.Facade, embedder core.Embedder, assessor core.Assessor, reviser core.Reviser, cfg *Config) (*Engine, error) {
	if cfg == nil {
		cfg = DefaultConfig
	}
	if cfg.SearchTimeout == 0 {
		cfg.SearchTimeout = DefaultConfig.SearchTimeout
	}

	g, err := graph.New(records.DB())
	if err != nil {
		return nil, fmt.Errorf("create link graph: %w", err)
	}
	components, err := record.NewComponents(records.DB())
	if err != nil {
		return nil, fmt.Errorf("create component store: %w", err)
	}
	q, err := queue.New(records.DB(), cfg.Queue)
	if err != nil {
		return nil, fmt.Errorf("create task queue: %w", err)
	}

	e := &Engine{
		records:    records,
		components: components,
		idx:        idx,
		graph:      g,
		queue:      q,
		embedder:   embedder,
		assessor:   assessor,
		config:     cfg,
	}
	e.pipeline = recall.New(embedder, idx, g, records, components)

	if reviser != nil {
		e.consol, err = consolidate.New(records, components, g, reviser)
		if err != nil {
			return nil, fmt.Errorf("create consolidator: %w", err)
		}
		if !cfg.DisableScheduler {
			e.scheduler, err = consolidate.NewScheduler(e.consol, cfg.Schedule)
			if err != nil {
				return nil, fmt.Errorf("create scheduler: %w", err)
			}
		}
	}

	if err := e.registerHandlers(); err != nil {
		return nil, err
	}
	return e, nil
}

// Start launches the workers, runs the one-time startup sync check, and
// begins the consolidation schedule.
func (e *Engine) Start(ctx context.Context) error {
	e.queue.Start()

	n, err := consolidate.SyncCheck(ctx, e.records, e.idx, e.queue.Enqueue)
	if err != nil {
		return fmt.Errorf("startup sync check: %w", err)
	}
	if n > 0 {
		log.Printf("[ENGINE] Startup backfill: %d records queued for indexing", n)
	}

	if e.scheduler != nil {
		e.scheduler.Start()
	}
	return nil
}

// Stop shuts down the scheduler and drains the worker pool.
func (e *Engine) Stop() {
	if e.scheduler != nil {
		e.scheduler.Stop()
	}
	e.queue.Stop()
}

// Capture is the input to Append.
type Capture struct {
	Kind       core.Kind
	Actor      string
	Location   string
	Content    string
	Importance float64
	Valence    core.Valence
	Tags       []string
}

// Append durably writes a record and enqueues its background
// processing. Append errors always surface: losing a record silently
// would violate the durability contract. Enqueue problems do not fail
// the capture; the record is durable and the startup sync check will
// recover its indexing.
func (e *Engine) Append(ctx context.Context, c Capture) (string, error) {
	rec := &core.Record{
		Kind:       c.Kind,
		Actor:      c.Actor,
		Location:   c.Location,
		Content:    c.Content,
		Importance: c.Importance,
		Valence:    c.Valence,
		Tags:       c.Tags,
	}
	id, err := e.records.Append(ctx, rec)
	if err != nil {
		return "", err
	}

	if _, err := e.queue.Enqueue(ctx, assessKind, map[string]string{"record_id": id}); err != nil {
		log.Printf("[ENGINE] Failed to enqueue processing for %s: %v", id, err)
	}
	return id, nil
}

// AppendLibraryEntry ingests reference material (documents, articles)
// into the library collection. Source is stored as the actor so the
// provenance survives.
func (e *Engine) AppendLibraryEntry(ctx context.Context, source, content string, tags []string) (string, error) {
	return e.Append(ctx, Capture{
		Kind:    core.KindLibrary,
		Actor:   source,
		Content: content,
		Tags:    tags,
	})
}

// Get returns a record by id.
func (e *Engine) Get(ctx context.Context, id string) (*core.Record, error) {
	return e.records.Get(ctx, id)
}

// Link records a typed association between two records.
func (e *Engine) Link(ctx context.Context, fromID, toID string, rel core.Relationship, confidence float64) (string, error) {
	return e.graph.AddLink(ctx, fromID, toID, rel, confidence)
}

// Search reconstructs context for a query within a bounded read
// timeout; retrieval degradation inside the pipeline is silent.
func (e *Engine) Search(ctx context.Context, query string, opts recall.Options) (*recall.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, e.config.SearchTimeout)
	defer cancel()
	return e.pipeline.Reconstruct(ctx, query, opts)
}

// ExploreLinks returns the record ids reachable from id within depth
// hops in either direction.
func (e *Engine) ExploreLinks(ctx context.Context, id string, depth int) ([]string, error) {
	return e.graph.Neighbors(ctx, id, core.DirBoth, depth)
}

// BootstrapComponent seeds a named identity component with its initial
// text.
func (e *Engine) BootstrapComponent(ctx context.Context, name, text string) (*core.Component, error) {
	return e.components.Bootstrap(ctx, name, text)
}

// Component returns a component with its revision history.
func (e *Engine) Component(ctx context.Context, name string) (*core.Component, error) {
	return e.components.Get(ctx, name)
}

// RunConsolidation triggers a consolidation run through the queue, so
// the caller never waits on it. Returns the task id.
func (e *Engine) RunConsolidation(ctx context.Context, mode consolidate.Mode) (string, error) {
	if e.consol == nil {
		return "", &core.ValidationError{Field: "mode", Reason: "consolidation not configured (no reviser)"}
	}
	switch mode {
	case consolidate.Daily, consolidate.Weekly, consolidate.Monthly, consolidate.Immediate:
	default:
		return "", &core.ValidationError{Field: "mode", Reason: "unknown mode " + string(mode)}
	}
	return e.queue.Enqueue(ctx, consolidateKind, map[string]string{"mode": string(mode)})
}

// Tasks lists background tasks, optionally filtered by status.
func (e *Engine) Tasks(ctx context.Context, statuses ...core.TaskStatus) ([]*core.Task, error) {
	return e.queue.List(ctx, statuses...)
}

// TaskStatus returns the state of one background task.
func (e *Engine) TaskStatus(ctx context.Context, taskID string) (*core.Task, error) {
	return e.queue.Status(ctx, taskID)
}

// Queue exposes the task queue for callers that enqueue custom work.
func (e *Engine) Queue() *queue.Queue {
	return e.queue
}
