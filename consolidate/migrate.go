package consolidate

import (
	"context"
	"fmt"
	"log"

	"github.com/engramlabs/engram-go/index"
	"github.com/engramlabs/engram-go/record"
)

// BackfillKind is the task kind enqueued for each record missing from
// the vector index.
const BackfillKind = "backfill_record"

// Enqueue matches the task queue's enqueue signature without importing
// it.
type Enqueue func(ctx context.Context, kind string, params map[string]string) (string, error)

// SyncCheck is the one-time startup migration: it diffs durable record
// ids against the vector index and enqueues one backfill task per
// missing record. On subsequent startups with the stores in sync it
// enqueues nothing and no scan state persists: indexing happens only at
// write time.
func SyncCheck(ctx context.Context, records *record.Store, idx *index.Facade, enqueue Enqueue) (int, error) {
	ids, err := records.IDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("list record ids: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}

	indexed := 0
	for _, c := range index.Collections {
		indexed += idx.Count(c)
	}

	// Beyond the tolerance the index has lost most of the corpus; say so
	// loudly, then still backfill record by record.
	if indexed == 0 || float64(len(ids)) > 1.5*float64(indexed) {
		log.Printf("[MIGRATE] Index far behind records (%d records, %d indexed)", len(ids), indexed)
	} else if indexed >= len(ids) {
		return 0, nil
	}

	enqueued := 0
	for _, id := range ids {
		rec, err := records.Get(ctx, id)
		if err != nil {
			continue
		}
		if idx.Has(ctx, index.ForKind(rec.Kind), id) {
			continue
		}
		if _, err := enqueue(ctx, BackfillKind, map[string]string{"record_id": id}); err != nil {
			return enqueued, fmt.Errorf("enqueue backfill for %s: %w", id, err)
		}
		enqueued++
	}

	if enqueued > 0 {
		log.Printf("[MIGRATE] Enqueued %d backfill tasks", enqueued)
	}
	return enqueued, nil
}
