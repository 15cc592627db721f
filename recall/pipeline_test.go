package recall_test

import (
	"context"
	"path/filepath"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/embedder/mock"
	"github.com/engramlabs/engram-go/graph"
	"github.com/engramlabs/engram-go/index"
	"github.com/engramlabs/engram-go/recall"
	"github.com/engramlabs/engram-go/record"
)

type fixture struct {
	pipeline   *recall.Pipeline
	records    *record.Store
	idx        *index.Facade
	graph      *graph.Graph
	components *record.Components
	embedder   *mock.Embedder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := record.Open(&record.Config{Path: filepath.Join(t.TempDir(), "engram.db")})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	g, err := graph.New(store.DB())
	if err != nil {
		t.Fatalf("Failed to create graph: %v", err)
	}
	comps, err := record.NewComponents(store.DB())
	if err != nil {
		t.Fatalf("Failed to create components: %v", err)
	}

	emb := mock.New(64)
	idx := index.New(index.WithResolver(store))

	return &fixture{
		pipeline:   recall.New(emb, idx, g, store, comps),
		records:    store,
		idx:        idx,
		graph:      g,
		components: comps,
		embedder:   emb,
	}
}

// addIndexed appends a record, assesses it, and indexes it in one step.
func (f *fixture) addIndexed(t *testing.T, content string, intensity float64) string {
	t.Helper()
	ctx := context.Background()

	rec := &core.Record{Kind: core.KindNote, Actor: "alice", Content: content, Importance: 0.5}
	id, err := f.records.Append(ctx, rec)
	if err != nil {
		t.Fatalf("Failed to append record: %v", err)
	}
	if err := f.records.SetAssessment(ctx, id, 0.5, core.ValenceUnknown, intensity); err != nil {
		t.Fatalf("Failed to assess record: %v", err)
	}

	vec, err := f.embedder.Embed(ctx, content)
	if err != nil {
		t.Fatalf("Failed to embed: %v", err)
	}
	stored, err := f.records.Get(ctx, id)
	if err != nil {
		t.Fatalf("Failed to reload record: %v", err)
	}
	if err := f.idx.Upsert(ctx, index.Notes, id, vec, content, index.Metadata(stored)); err != nil {
		t.Fatalf("Failed to index record: %v", err)
	}
	return id
}

// addUnindexed appends an assessed record that only link expansion can reach.
func (f *fixture) addUnindexed(t *testing.T, content string, intensity float64) string {
	t.Helper()
	ctx := context.Background()
	rec := &core.Record{Kind: core.KindNote, Actor: "alice", Content: content, Importance: 0.5}
	id, err := f.records.Append(ctx, rec)
	if err != nil {
		t.Fatalf("Failed to append record: %v", err)
	}
	if err := f.records.SetAssessment(ctx, id, 0.5, core.ValenceUnknown, intensity); err != nil {
		t.Fatalf("Failed to assess record: %v", err)
	}
	return id
}

func TestReconstruct_EmptyStores(t *testing.T) {
	f := newFixture(t)
	res, err := f.pipeline.Reconstruct(context.Background(), "anything at all", recall.Options{Focus: 5})
	if err != nil {
		t.Fatalf("Reconstruct over empty stores must not error: %v", err)
	}
	if res.UniqueCount != 0 || len(res.Memories) != 0 {
		t.Errorf("Expected empty result, got %d memories", len(res.Memories))
	}
}

func TestReconstruct_MergesStagesByID(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.addIndexed(t, "the project deadline moved to friday", 0.5)
	b := f.addIndexed(t, "friday is also the demo day", 0.5)
	c := f.addUnindexed(t, "the demo needs the staging environment", 0.5)

	// b is reachable both semantically and via the link from a, c only
	// via links. Each must appear once.
	if _, err := f.graph.AddLink(ctx, a, b, core.RelRelatesTo, 0.9); err != nil {
		t.Fatalf("Failed to link a-b: %v", err)
	}
	if _, err := f.graph.AddLink(ctx, b, c, core.RelElaboratesOn, 0.8); err != nil {
		t.Fatalf("Failed to link b-c: %v", err)
	}

	res, err := f.pipeline.Reconstruct(ctx, "friday deadline", recall.Options{Actor: "alice", Focus: 5})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	if res.UniqueCount != 3 {
		t.Fatalf("Expected 3 unique memories, got %d", res.UniqueCount)
	}
	seen := make(map[string]int)
	for _, m := range res.Memories {
		seen[m.ID]++
	}
	for _, id := range []string{a, b, c} {
		if seen[id] != 1 {
			t.Errorf("Record %s appeared %d times, want exactly once", id, seen[id])
		}
	}
}

func TestReconstruct_IntensityFloor(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	kept := f.addIndexed(t, "she said the diagnosis was clear", 0.8)
	dropped := f.addIndexed(t, "ordered a sandwich for lunch", 0.1)

	// Focus 0 floors intensity at 0.6.
	res, err := f.pipeline.Reconstruct(ctx, "what happened today", recall.Options{Actor: "alice", Focus: 0})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}

	ids := make(map[string]bool)
	for _, m := range res.Memories {
		ids[m.ID] = true
	}
	if !ids[kept] {
		t.Errorf("High-intensity record should survive the focus floor")
	}
	if ids[dropped] {
		t.Errorf("Low-intensity record must be dropped at focus 0")
	}
}

func TestReconstruct_LocationFilter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rec := &core.Record{Kind: core.KindNote, Actor: "alice", Content: "the office wifi password changed",
		Location: "office", Importance: 0.5}
	id, err := f.records.Append(ctx, rec)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	vec, _ := f.embedder.Embed(ctx, rec.Content)
	stored, _ := f.records.Get(ctx, id)
	if err := f.idx.Upsert(ctx, index.Notes, id, vec, rec.Content, index.Metadata(stored)); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	res, err := f.pipeline.Reconstruct(ctx, "wifi password",
		recall.Options{Actor: "alice", Focus: 5, Location: "home"})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	for _, m := range res.Memories {
		if m.ID == id {
			t.Errorf("Record tagged with a different location must be filtered out")
		}
	}

	res, err = f.pipeline.Reconstruct(ctx, "wifi password",
		recall.Options{Actor: "alice", Focus: 5, Location: "office"})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	found := false
	for _, m := range res.Memories {
		if m.ID == id {
			found = true
		}
	}
	if !found {
		t.Errorf("Record matching the requested location should be returned")
	}
}

func TestReconstruct_InjectsIdentityComponents(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.components.Bootstrap(ctx, "values", "honesty over comfort"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}
	if _, err := f.components.Bootstrap(ctx, "voice", "direct, warm, concrete"); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	// No records at all: identity still rides along.
	res, err := f.pipeline.Reconstruct(ctx, "who am I", recall.Options{Focus: 2})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if len(res.Components) != 2 {
		t.Fatalf("Expected 2 identity components, got %d", len(res.Components))
	}
	for _, c := range res.Components {
		if c.Version != 1 {
			t.Errorf("Bootstrapped component %s should be version 1, got %d", c.Name, c.Version)
		}
		if c.Text == "" {
			t.Errorf("Component %s has empty text", c.Name)
		}
	}
}

func TestReconstruct_ContentCapKeepsValidUTF8(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// 9000 bytes of 3-byte runes: the cap falls mid-rune unless the cut
	// backs up to a boundary.
	long := strings.Repeat("€", 3000)
	id := f.addIndexed(t, long, 0.5)

	res, err := f.pipeline.Reconstruct(ctx, "long entry", recall.Options{Actor: "alice", Focus: 5})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	for _, m := range res.Memories {
		if m.ID != id {
			continue
		}
		if len(m.Content) >= len(long) {
			t.Errorf("Content not capped: %d bytes", len(m.Content))
		}
		if !utf8.ValidString(m.Content) {
			t.Error("Capped content is not valid UTF-8")
		}
		return
	}
	t.Fatal("Long record not returned")
}

func TestReconstruct_BudgetCapsMemories(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		f.addIndexed(t, "meeting note variant "+string(rune('a'+i)), 0.8)
	}

	// Focus 0 admits at most 5 memories.
	res, err := f.pipeline.Reconstruct(ctx, "meeting note", recall.Options{Actor: "alice", Focus: 0})
	if err != nil {
		t.Fatalf("Reconstruct failed: %v", err)
	}
	if len(res.Memories) > 5 {
		t.Errorf("Focus 0 budget is 5, got %d memories", len(res.Memories))
	}
}
