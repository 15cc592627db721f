package tools_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/engramlabs/engram-go/assess/mock"
	"github.com/engramlabs/engram-go/core"
	embmock "github.com/engramlabs/engram-go/embedder/mock"
	"github.com/engramlabs/engram-go/engine"
	"github.com/engramlabs/engram-go/index"
	"github.com/engramlabs/engram-go/queue"
	"github.com/engramlabs/engram-go/record"
	"github.com/engramlabs/engram-go/tools"
)

func TestMemoryToolDefinitions(t *testing.T) {
	defs := tools.MemoryToolDefinitions()
	if len(defs) == 0 {
		t.Fatal("No tool definitions")
	}

	writeTools := map[string]bool{
		"memory_append":      true,
		"memory_link":        true,
		"memory_consolidate": true,
	}
	for _, def := range defs {
		if def.Name == "" || def.Description == "" || def.InputSchema == nil {
			t.Errorf("Incomplete definition: %+v", def)
			continue
		}
		required, _ := def.InputSchema["required"].([]string)
		hasThought := false
		for _, r := range required {
			if r == "thought" {
				hasThought = true
			}
		}
		if writeTools[def.Name] && !hasThought {
			t.Errorf("Write tool %s does not require a thought", def.Name)
		}
		if !writeTools[def.Name] && hasThought {
			t.Errorf("Read tool %s should not require a thought", def.Name)
		}
	}
}

func newDispatcher(t *testing.T) *tools.Dispatcher {
	t.Helper()
	store, err := record.Open(&record.Config{Path: filepath.Join(t.TempDir(), "engram.db")})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	e, err := engine.New(store, index.New(index.WithResolver(store)),
		embmock.New(32), mock.NewAssessor(), mock.NewReviser(), &engine.Config{
			Queue: &queue.Config{
				Workers:        1,
				PollInterval:   10 * time.Millisecond,
				DefaultTimeout: 5 * time.Second,
				Retention:      time.Hour,
				MaxTerminal:    50,
			},
			DisableScheduler: true,
		})
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	if err := e.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	t.Cleanup(e.Stop)
	return tools.NewDispatcher(e)
}

func TestDispatcher_AppendRequiresThought(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Execute(context.Background(), "memory_append", json.RawMessage(
		`{"kind":"note","actor":"alice","content":"no reasoning given"}`))
	if !core.IsValidation(err) {
		t.Fatalf("Expected ValidationError without thought, got %v", err)
	}
}

func TestDispatcher_AppendGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	d := newDispatcher(t)

	out, err := d.Execute(ctx, "memory_append", json.RawMessage(
		`{"thought":"worth keeping","kind":"note","actor":"alice","content":"the garden survived the frost"}`))
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	var appended struct {
		RecordID string `json:"record_id"`
	}
	if err := json.Unmarshal([]byte(out), &appended); err != nil {
		t.Fatalf("parse append result: %v", err)
	}
	if appended.RecordID == "" {
		t.Fatal("Append returned no record id")
	}

	out, err = d.Execute(ctx, "memory_get", json.RawMessage(
		`{"record_id":"`+appended.RecordID+`"}`))
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var rec core.Record
	if err := json.Unmarshal([]byte(out), &rec); err != nil {
		t.Fatalf("parse get result: %v", err)
	}
	if rec.Content != "the garden survived the frost" {
		t.Errorf("Unexpected content: %q", rec.Content)
	}
}

func TestDispatcher_UnknownTool(t *testing.T) {
	d := newDispatcher(t)
	_, err := d.Execute(context.Background(), "memory_forget", json.RawMessage(`{}`))
	if !core.IsValidation(err) {
		t.Fatalf("Expected ValidationError for unknown tool, got %v", err)
	}
}
