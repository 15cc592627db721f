// Package index wraps chromem-go behind a facade that unifies the
// engine's logical vector collections (notes, verbatim, links, library,
// identity) with metadata filters.
//
// Degradation policy: writes fail closed (errors surface so the caller
// retries via the task queue), reads fail open (unavailability returns an
// empty result set so interactive context reconstruction degrades instead
// of blocking).
package index

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	chromem "github.com/philippgille/chromem-go"

	"github.com/engramlabs/engram-go/core"
)

// Collection names one logical vector collection.
type Collection string

const (
	Notes    Collection = "notes"
	Verbatim Collection = "verbatim"
	Links    Collection = "links"
	Library  Collection = "library"
	Identity Collection = "identity"
)

// Collections lists every logical collection the facade manages.
var Collections = []Collection{Notes, Verbatim, Links, Library, Identity}

// ForKind maps a record kind to the collection that indexes it.
func ForKind(kind core.Kind) Collection {
	switch kind {
	case core.KindVerbatim:
		return Verbatim
	case core.KindLink:
		return Links
	case core.KindLibrary:
		return Library
	case core.KindIdentity:
		return Identity
	default:
		// Notes collection also carries facts and derived notes.
		return Notes
	}
}

// Resolver reports whether a record id still exists in the record store.
// Used for lazy pruning: the index must never return an id whose
// underlying record has been deleted.
type Resolver interface {
	Exists(ctx context.Context, id string) bool
}

// Hit is one query result.
type Hit struct {
	ID       string
	Score    float64
	Metadata map[string]string
}

// Filter is a conjunction over metadata fields. Zero values mean "no
// constraint".
type Filter struct {
	Actor         string
	Since         time.Time
	Until         time.Time
	MinImportance float64
	Valence       core.Valence
}

// Facade unifies multiple chromem collections behind one API.
type Facade struct {
	db          *chromem.DB
	collections map[Collection]*chromem.Collection
	mu          sync.RWMutex
	resolver    Resolver
}

// Option configures the facade.
type Option func(*Facade)

// WithResolver enables lazy pruning of stale entries on read.
func WithResolver(r Resolver) Option {
	return func(f *Facade) {
		f.resolver = r
	}
}

// New creates an in-memory facade.
func New(opts ...Option) *Facade {
	f := &Facade{
		db:          chromem.NewDB(),
		collections: make(map[Collection]*chromem.Collection),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// NewPersistent creates a facade backed by chromem's on-disk persistence.
func NewPersistent(path string, opts ...Option) (*Facade, error) {
	db, err := chromem.NewPersistentDB(path, false)
	if err != nil {
		return nil, fmt.Errorf("open persistent vector db: %w", err)
	}
	f := &Facade{
		db:          db,
		collections: make(map[Collection]*chromem.Collection),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

func (f *Facade) collection(c Collection) (*chromem.Collection, error) {
	f.mu.RLock()
	col, ok := f.collections[c]
	f.mu.RUnlock()
	if ok {
		return col, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if col, ok := f.collections[c]; ok {
		return col, nil
	}

	col, err := f.db.GetOrCreateCollection(string(c), nil, nil)
	if err != nil {
		return nil, &core.StoreUnavailableError{Store: "vector index", Err: err}
	}
	f.collections[c] = col
	return col, nil
}

// Metadata builds the standard metadata map for an indexed record.
func Metadata(r *core.Record) map[string]string {
	return map[string]string{
		"actor":      r.Actor,
		"kind":       string(r.Kind),
		"created_at": r.CreatedAt.UTC().Format(time.RFC3339Nano),
		"importance": strconv.FormatFloat(r.Importance, 'f', 4, 64),
		"valence":    string(r.Valence),
		"intensity":  strconv.FormatFloat(r.Intensity, 'f', 4, 64),
	}
}

// Upsert indexes (or re-indexes) a vector under the given collection.
// Fails closed: any error surfaces so the task queue can retry the write.
func (f *Facade) Upsert(ctx context.Context, c Collection, id string, vector []float32, content string, metadata map[string]string) error {
	col, err := f.collection(c)
	if err != nil {
		return err
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Embedding: vector,
		Metadata:  metadata,
	}
	if err := col.AddDocument(ctx, doc); err != nil {
		return &core.StoreUnavailableError{Store: "vector index", Err: fmt.Errorf("add document: %w", err)}
	}
	return nil
}

// Query runs a similarity search against one collection. Fails open: on
// index unavailability it logs and returns an empty result set.
func (f *Facade) Query(ctx context.Context, c Collection, vector []float32, k int, filter Filter) ([]Hit, error) {
	col, err := f.collection(c)
	if err != nil {
		log.Printf("[INDEX] Query degraded to empty for %s: %v", c, err)
		return nil, nil
	}

	where := map[string]string{}
	if filter.Actor != "" {
		where["actor"] = filter.Actor
	}

	// chromem requires nResults <= collection size; walk the limit down
	// rather than failing the whole query.
	var results []chromem.Result
	for limit := k; limit >= 1; limit-- {
		results, err = col.QueryEmbedding(ctx, vector, limit, where, nil)
		if err == nil {
			break
		}
		if isInsufficientDocsError(err) {
			if limit == 1 {
				return nil, nil
			}
			continue
		}
		log.Printf("[INDEX] Query degraded to empty for %s: %v", c, err)
		return nil, nil
	}

	hits := make([]Hit, 0, len(results))
	for _, res := range results {
		if !matchFilter(res.Metadata, filter) {
			continue
		}
		if f.resolver != nil && !f.resolver.Exists(ctx, res.ID) {
			// Stale entry: the record is gone, prune lazily.
			log.Printf("[INDEX] Pruning stale entry %s from %s", res.ID, c)
			_ = col.Delete(ctx, nil, nil, res.ID)
			continue
		}
		hits = append(hits, Hit{
			ID:       res.ID,
			Score:    float64(res.Similarity),
			Metadata: res.Metadata,
		})
	}
	return hits, nil
}

// Has reports whether an id is present in the collection. Used by the
// startup migration check.
func (f *Facade) Has(ctx context.Context, c Collection, id string) bool {
	col, err := f.collection(c)
	if err != nil {
		return false
	}
	_, err = col.GetByID(ctx, id)
	return err == nil
}

// Count returns the number of entries in a collection.
func (f *Facade) Count(c Collection) int {
	col, err := f.collection(c)
	if err != nil {
		return 0
	}
	return col.Count()
}

// Delete removes an entry from a collection.
func (f *Facade) Delete(ctx context.Context, c Collection, id string) error {
	col, err := f.collection(c)
	if err != nil {
		return err
	}
	if err := col.Delete(ctx, nil, nil, id); err != nil {
		return &core.StoreUnavailableError{Store: "vector index", Err: fmt.Errorf("delete document: %w", err)}
	}
	return nil
}

func matchFilter(md map[string]string, filter Filter) bool {
	if filter.MinImportance > 0 {
		imp, err := strconv.ParseFloat(md["importance"], 64)
		if err != nil || imp < filter.MinImportance {
			return false
		}
	}
	if filter.Valence != "" && md["valence"] != string(filter.Valence) {
		return false
	}
	if !filter.Since.IsZero() || !filter.Until.IsZero() {
		created, err := time.Parse(time.RFC3339Nano, md["created_at"])
		if err != nil {
			return false
		}
		if !filter.Since.IsZero() && created.Before(filter.Since) {
			return false
		}
		if !filter.Until.IsZero() && !created.Before(filter.Until) {
			return false
		}
	}
	return true
}

func isInsufficientDocsError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return contains(msg, "nResults must be") || contains(msg, "number of documents")
}

func contains(s, substr string) bool {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return true
		}
	}
	return false
}
