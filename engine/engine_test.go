package engine_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"github.com/engramlabs/engram-go/assess/mock"
	"github.com/engramlabs/engram-go/consolidate"
	"github.com/engramlabs/engram-go/core"
	embmock "github.com/engramlabs/engram-go/embedder/mock"
	"github.com/engramlabs/engram-go/engine"
	"github.com/engramlabs/engram-go/index"
	"github.com/engramlabs/engram-go/queue"
	"github.com/engramlabs/engram-go/recall"
	"github.com/engramlabs/engram-go/record"
)

func testQueueConfig() *queue.Config {
	return &queue.Config{
		Workers:        2,
		MaxRetries:     0,
		PollInterval:   10 * time.Millisecond,
		DefaultTimeout: 5 * time.Second,
		Retention:      time.Hour,
		MaxTerminal:    100,
	}
}

type env struct {
	engine   *engine.Engine
	records  *record.Store
	idx      *index.Facade
	assessor *mock.Assessor
	reviser  *mock.Reviser
}

func newEnv(t *testing.T) *env {
	t.Helper()
	store, err := record.Open(&record.Config{Path: filepath.Join(t.TempDir(), "engram.db")})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	idx := index.New(index.WithResolver(store))
	assessor := mock.NewAssessor()
	reviser := mock.NewReviser()

	e, err := engine.New(store, idx, embmock.New(64), assessor, reviser, &engine.Config{
		SearchTimeout:    3 * time.Second,
		Queue:            testQueueConfig(),
		DisableScheduler: true,
	})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return &env{engine: e, records: store, idx: idx, assessor: assessor, reviser: reviser}
}

// drain waits until no task is pending or running.
func (v *env) drain(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		open, err := v.engine.Tasks(ctx, core.TaskPending, core.TaskRunning)
		if err != nil {
			t.Fatalf("list tasks: %v", err)
		}
		if len(open) == 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("Background tasks did not drain in time")
}

func approx(got, want float64) bool {
	return math.Abs(got-want) < 1e-6
}

func TestEngine_CaptureAssessAnchor(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t)

	v.assessor.Script("promotion", core.Assessment{Importance: 0.9, Alignment: 0.8, Reason: "career milestone"})
	v.assessor.Script("sandwich", core.Assessment{Importance: 0.2, Alignment: 0.1, Reason: "routine"})
	v.assessor.Script("diagnosis", core.Assessment{Importance: 0.95, Alignment: -0.9, Reason: "health shock"})

	if err := v.engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer v.engine.Stop()

	promoID, err := v.engine.Append(ctx, engine.Capture{
		Kind: core.KindVerbatim, Actor: "alice", Content: "I got the promotion today",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	lunchID, err := v.engine.Append(ctx, engine.Capture{
		Kind: core.KindVerbatim, Actor: "alice", Content: "had a sandwich for lunch",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	diagID, err := v.engine.Append(ctx, engine.Capture{
		Kind: core.KindVerbatim, Actor: "alice", Content: "the diagnosis came back",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	v.drain(t)

	cases := []struct {
		id        string
		intensity float64
		valence   core.Valence
		anchored  bool
	}{
		{promoID, 0.9 * 0.8, core.ValencePositive, true},
		{lunchID, 0.2 * 0.1, core.ValenceUnknown, false},
		{diagID, 0.95 * 0.9, core.ValenceNegative, true},
	}
	for _, tc := range cases {
		rec, err := v.engine.Get(ctx, tc.id)
		if err != nil {
			t.Fatalf("get %s: %v", tc.id, err)
		}
		if !approx(rec.Intensity, tc.intensity) {
			t.Errorf("Record %s intensity = %.4f, want %.4f", tc.id, rec.Intensity, tc.intensity)
		}
		if rec.Valence != tc.valence {
			t.Errorf("Record %s valence = %s, want %s", tc.id, rec.Valence, tc.valence)
		}
		if rec.Embedding == nil {
			t.Errorf("Record %s has no embedding after processing", tc.id)
		}
		if !v.idx.Has(ctx, index.ForKind(rec.Kind), tc.id) {
			t.Errorf("Record %s missing from the vector index", tc.id)
		}

		neighbors, err := v.engine.ExploreLinks(ctx, tc.id, 1)
		if err != nil {
			t.Fatalf("explore links: %v", err)
		}
		anchored := false
		for _, n := range neighbors {
			rec, err := v.engine.Get(ctx, n)
			if err != nil || !rec.HasTag(consolidate.AnchorTag) {
				continue
			}
			anchored = true
			// Anchors are indexed at write time like any other record.
			if !v.idx.Has(ctx, index.ForKind(rec.Kind), rec.ID) {
				t.Errorf("Anchor %s missing from the vector index", rec.ID)
			}
		}
		if anchored != tc.anchored {
			t.Errorf("Record %s anchored = %v, want %v (intensity %.3f)",
				tc.id, anchored, tc.anchored, tc.intensity)
		}
	}

	// Three captures plus anchors for the two above the threshold.
	count, err := v.records.Count(ctx)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 5 {
		t.Errorf("Expected 5 records (3 captures + 2 anchors), got %d", count)
	}

	// With every record (anchors included) indexed at write time, a
	// fresh startup sync check has nothing to backfill.
	n, err := consolidate.SyncCheck(ctx, v.records, v.idx,
		func(ctx context.Context, kind string, params map[string]string) (string, error) {
			t.Errorf("Unexpected backfill enqueue for %v", params)
			return "", nil
		})
	if err != nil {
		t.Fatalf("sync check: %v", err)
	}
	if n != 0 {
		t.Errorf("Sync check enqueued %d backfills over in-sync stores", n)
	}
}

func TestEngine_SearchFindsProcessedRecords(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t)
	v.assessor.Default = core.Assessment{Importance: 0.6, Alignment: 0.5, Reason: "test"}

	if err := v.engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer v.engine.Stop()

	id, err := v.engine.Append(ctx, engine.Capture{
		Kind: core.KindNote, Actor: "alice", Content: "the river flooded the lower fields",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	v.drain(t)

	res, err := v.engine.Search(ctx, "river flood", recall.Options{Actor: "alice", Focus: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := false
	for _, m := range res.Memories {
		if m.ID == id {
			found = true
			if !approx(m.Intensity, 0.3) {
				t.Errorf("Memory intensity = %.4f, want 0.3", m.Intensity)
			}
		}
	}
	if !found {
		t.Errorf("Processed record not returned by search")
	}
}

func TestEngine_LibraryIngestion(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t)

	if err := v.engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer v.engine.Stop()

	id, err := v.engine.AppendLibraryEntry(ctx, "field-guide",
		"willows tolerate standing water better than maples", []string{"botany"})
	if err != nil {
		t.Fatalf("append library entry: %v", err)
	}
	v.drain(t)

	if !v.idx.Has(ctx, index.Library, id) {
		t.Fatal("Library entry missing from the library collection")
	}

	res, err := v.engine.Search(ctx, "which trees tolerate standing water", recall.Options{Focus: 5})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	found := false
	for _, m := range res.Memories {
		if m.ID == id {
			found = true
			for _, src := range m.Sources {
				if src != "library" {
					t.Errorf("Unexpected source %q for library entry", src)
				}
			}
		}
	}
	if !found {
		t.Errorf("Library entry not surfaced by reconstruction")
	}
}

func TestEngine_AppendValidation(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t)

	_, err := v.engine.Append(ctx, engine.Capture{Kind: core.KindNote, Actor: "alice"})
	if !core.IsValidation(err) {
		t.Fatalf("Expected ValidationError for empty content, got %v", err)
	}
	_, err = v.engine.Append(ctx, engine.Capture{Kind: "journal", Actor: "alice", Content: "x"})
	if !core.IsValidation(err) {
		t.Fatalf("Expected ValidationError for unknown kind, got %v", err)
	}
}

func TestEngine_RunConsolidationValidatesMode(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t)

	if _, err := v.engine.RunConsolidation(ctx, "hourly"); !core.IsValidation(err) {
		t.Fatalf("Expected ValidationError for unknown mode, got %v", err)
	}
}

func TestEngine_ConsolidationThroughQueue(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t)
	v.reviser.Propose("curiosity tempered by patience", "new evidence", 0.7)

	if err := v.engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer v.engine.Stop()

	if _, err := v.engine.BootstrapComponent(ctx, "temperament", "curious"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := v.engine.Append(ctx, engine.Capture{
		Kind: core.KindNote, Actor: "alice", Content: "waited a week before deciding, glad I did",
	}); err != nil {
		t.Fatalf("append: %v", err)
	}
	v.drain(t)

	taskID, err := v.engine.RunConsolidation(ctx, consolidate.Immediate)
	if err != nil {
		t.Fatalf("RunConsolidation failed: %v", err)
	}
	v.drain(t)

	task, err := v.engine.TaskStatus(ctx, taskID)
	if err != nil {
		t.Fatalf("task status: %v", err)
	}
	if task.Status != core.TaskCompleted {
		t.Fatalf("Consolidation task ended %s: %s", task.Status, task.Error)
	}

	comp, err := v.engine.Component(ctx, "temperament")
	if err != nil {
		t.Fatalf("get component: %v", err)
	}
	if comp.Version != 2 {
		t.Errorf("Expected component version 2 after consolidation, got %d", comp.Version)
	}
	if comp.CurrentText != "curiosity tempered by patience" {
		t.Errorf("Unexpected component text: %q", comp.CurrentText)
	}
}

func TestEngine_StartupBackfill(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t)

	// A record written while the index was absent, as after an index
	// wipe. The startup sync check must queue it for re-indexing.
	id, err := v.records.Append(ctx, &core.Record{
		Kind: core.KindNote, Actor: "alice", Content: "written before the index existed",
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if v.idx.Has(ctx, index.Notes, id) {
		t.Fatal("Record unexpectedly indexed before start")
	}

	if err := v.engine.Start(ctx); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	defer v.engine.Stop()
	v.drain(t)

	if !v.idx.Has(ctx, index.Notes, id) {
		t.Errorf("Backfill did not index the record")
	}
}
