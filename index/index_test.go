package index_test

import (
	"context"
	"testing"
	"time"

	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/embedder/mock"
	"github.com/engramlabs/engram-go/index"
)

func TestForKind(t *testing.T) {
	cases := []struct {
		kind core.Kind
		want index.Collection
	}{
		{core.KindVerbatim, index.Verbatim},
		{core.KindNote, index.Notes},
		{core.KindFact, index.Notes},
		{core.KindLink, index.Links},
		{core.KindLibrary, index.Library},
		{core.KindIdentity, index.Identity},
	}
	for _, tc := range cases {
		if got := index.ForKind(tc.kind); got != tc.want {
			t.Errorf("ForKind(%s) = %s, want %s", tc.kind, got, tc.want)
		}
	}
}

func upsertDoc(t *testing.T, f *index.Facade, emb *mock.Embedder, c index.Collection, id, content string, md map[string]string) []float32 {
	t.Helper()
	vec, err := emb.Embed(context.Background(), content)
	if err != nil {
		t.Fatalf("embed: %v", err)
	}
	if err := f.Upsert(context.Background(), c, id, vec, content, md); err != nil {
		t.Fatalf("upsert %s: %v", id, err)
	}
	return vec
}

func TestFacade_UpsertHasCountDelete(t *testing.T) {
	ctx := context.Background()
	f := index.New()
	emb := mock.New(32)

	upsertDoc(t, f, emb, index.Notes, "n1", "first note", nil)
	upsertDoc(t, f, emb, index.Notes, "n2", "second note", nil)

	if !f.Has(ctx, index.Notes, "n1") {
		t.Error("Has(n1) = false after upsert")
	}
	if f.Has(ctx, index.Notes, "missing") {
		t.Error("Has(missing) = true")
	}
	if got := f.Count(index.Notes); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}

	if err := f.Delete(ctx, index.Notes, "n1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if f.Has(ctx, index.Notes, "n1") {
		t.Error("Has(n1) = true after delete")
	}
}

func TestFacade_QueryShrinksLimit(t *testing.T) {
	ctx := context.Background()
	f := index.New()
	emb := mock.New(32)

	vec := upsertDoc(t, f, emb, index.Notes, "only", "a single entry", nil)

	// Asking for more results than documents must not error.
	hits, err := f.Query(ctx, index.Notes, vec, 10, index.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "only" {
		t.Errorf("Expected the single entry back, got %v", hits)
	}
}

func TestFacade_QueryEmptyCollection(t *testing.T) {
	ctx := context.Background()
	f := index.New()
	emb := mock.New(32)

	vec, _ := emb.Embed(ctx, "anything")
	hits, err := f.Query(ctx, index.Notes, vec, 5, index.Filter{})
	if err != nil {
		t.Fatalf("Query over empty collection must not error: %v", err)
	}
	if len(hits) != 0 {
		t.Errorf("Expected no hits, got %d", len(hits))
	}
}

func TestFacade_QueryMetadataFilter(t *testing.T) {
	ctx := context.Background()
	f := index.New()
	emb := mock.New(32)
	now := time.Now().UTC().Format(time.RFC3339Nano)

	upsertDoc(t, f, emb, index.Notes, "hers", "shared topic", map[string]string{
		"actor": "alice", "importance": "0.9000", "created_at": now,
	})
	upsertDoc(t, f, emb, index.Notes, "his", "shared topic too", map[string]string{
		"actor": "bob", "importance": "0.2000", "created_at": now,
	})

	vec, _ := emb.Embed(ctx, "shared topic")

	hits, err := f.Query(ctx, index.Notes, vec, 10, index.Filter{Actor: "alice"})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "hers" {
		t.Errorf("Actor filter returned %v, want only hers", hits)
	}

	hits, err = f.Query(ctx, index.Notes, vec, 10, index.Filter{MinImportance: 0.5})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(hits) != 1 || hits[0].ID != "hers" {
		t.Errorf("Importance filter returned %v, want only hers", hits)
	}
}

// setResolver marks a fixed id set as existing.
type setResolver map[string]bool

func (r setResolver) Exists(ctx context.Context, id string) bool { return r[id] }

func TestFacade_LazyPruneStaleEntries(t *testing.T) {
	ctx := context.Background()
	resolver := setResolver{"alive": true}
	f := index.New(index.WithResolver(resolver))
	emb := mock.New(32)

	upsertDoc(t, f, emb, index.Notes, "alive", "still in the record store", nil)
	upsertDoc(t, f, emb, index.Notes, "ghost", "record was deleted", nil)

	vec, _ := emb.Embed(ctx, "record")
	hits, err := f.Query(ctx, index.Notes, vec, 10, index.Filter{})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	for _, h := range hits {
		if h.ID == "ghost" {
			t.Fatal("Stale entry returned from query")
		}
	}

	// The stale entry is pruned from the collection, not just hidden.
	if f.Has(ctx, index.Notes, "ghost") {
		t.Error("Stale entry still present after lazy prune")
	}
	if !f.Has(ctx, index.Notes, "alive") {
		t.Error("Live entry pruned by mistake")
	}
}
