// Package tools exposes the memory layer as LLM tool definitions, so a
// hosting agent can let its model read and write memory directly.
//
// Read tools accept an optional thought; write tools require one, and
// the dispatcher stores nothing about a write the model could not
// justify.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/engramlabs/engram-go/consolidate"
	"github.com/engramlabs/engram-go/core"
	"github.com/engramlabs/engram-go/engine"
	"github.com/engramlabs/engram-go/recall"
)

// ToolDefinition describes one tool in the shape LLM tool-use APIs
// expect: a name, a model-facing description, and a JSON Schema for the
// input.
type ToolDefinition struct {
	Name                 string
	Description          string
	RequiresConfirmation bool
	InputSchema          map[string]interface{}
}

// MemoryToolDefinitions returns the definitions for all memory tools.
func MemoryToolDefinitions() []ToolDefinition {
	return []ToolDefinition{
		// Read operations (thought optional)
		{
			Name:        "memory_search",
			Description: "Reconstruct relevant memories for a query. Returns ranked memories plus the current identity components. Use before answering anything that might touch on past interactions.",
			InputSchema: BuildSchemaWithThought(map[string]interface{}{
				"query": StringProperty("What to search memory for"),
				"actor": StringProperty("Optional: restrict to one actor's memories"),
				"focus": IntegerProperty("How wide to search, 0 (last day, strongest memories only) to 5 (everything)"),
			}, false, "query"),
		},
		{
			Name:        "memory_get",
			Description: "Fetch one memory record by id.",
			InputSchema: BuildSchemaWithThought(map[string]interface{}{
				"record_id": StringProperty("The record id"),
			}, false, "record_id"),
		},
		{
			Name:        "memory_explore_links",
			Description: "Walk the association graph around a record and return the ids of related records.",
			InputSchema: BuildSchemaWithThought(map[string]interface{}{
				"record_id": StringProperty("The record id to start from"),
				"depth":     IntegerProperty("How many hops to follow (default: 1)"),
			}, false, "record_id"),
		},

		// Write operations (thought required)
		{
			Name:        "memory_append",
			Description: "Durably store a new memory. Content is immutable once written; to correct something, append a new record and link it with 'supersedes'.",
			InputSchema: BuildSchemaWithThought(map[string]interface{}{
				"kind":       StringEnumProperty("What sort of record this is", "verbatim", "note", "fact", "library-entry"),
				"actor":      StringProperty("Who this memory belongs to"),
				"content":    StringProperty("The memory text"),
				"location":   StringProperty("Optional: where this happened (e.g. 'cli', 'office')"),
				"importance": NumberProperty("Optional: how important this seems, 0.0 to 1.0"),
				"tags":       ArrayProperty("Optional: free-form labels", StringProperty("tag")),
			}, true, "kind", "actor", "content"),
		},
		{
			Name:        "memory_link",
			Description: "Record a typed association between two existing records.",
			InputSchema: BuildSchemaWithThought(map[string]interface{}{
				"from_id":      StringProperty("Source record id"),
				"to_id":        StringProperty("Target record id"),
				"relationship": StringEnumProperty("How the records relate", "elaborates_on", "contradicts", "relates_to", "depends_on", "supersedes"),
				"confidence":   NumberProperty("Optional: how sure you are, 0.0 to 1.0 (default: 1.0)"),
			}, true, "from_id", "to_id", "relationship"),
		},
		{
			Name:                 "memory_consolidate",
			Description:          "Trigger a consolidation run that revises identity components against recent memories. Runs in the background; returns a task id.",
			RequiresConfirmation: true,
			InputSchema: BuildSchemaWithThought(map[string]interface{}{
				"mode": StringEnumProperty("Consolidation window", "daily", "weekly", "monthly", "immediate"),
			}, true, "mode"),
		},
	}
}

type searchInput struct {
	core.BaseInput
	Query string `json:"query"`
	Actor string `json:"actor,omitempty"`
	Focus int    `json:"focus,omitempty"`
}

type getInput struct {
	core.BaseInput
	RecordID string `json:"record_id"`
}

type exploreInput struct {
	core.BaseInput
	RecordID string `json:"record_id"`
	Depth    int    `json:"depth,omitempty"`
}

type appendInput struct {
	core.BaseInput
	Kind       string   `json:"kind"`
	Actor      string   `json:"actor"`
	Content    string   `json:"content"`
	Location   string   `json:"location,omitempty"`
	Importance float64  `json:"importance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

type linkInput struct {
	core.BaseInput
	FromID       string  `json:"from_id"`
	ToID         string  `json:"to_id"`
	Relationship string  `json:"relationship"`
	Confidence   float64 `json:"confidence,omitempty"`
}

type consolidateInput struct {
	core.BaseInput
	Mode string `json:"mode"`
}

// Dispatcher executes memory tool calls against an engine.
type Dispatcher struct {
	engine *engine.Engine
}

// NewDispatcher creates a dispatcher bound to the engine.
func NewDispatcher(e *engine.Engine) *Dispatcher {
	return &Dispatcher{engine: e}
}

// Execute runs one tool call and returns a JSON result for the model.
func (d *Dispatcher) Execute(ctx context.Context, name string, input json.RawMessage) (string, error) {
	switch name {
	case "memory_search":
		return d.search(ctx, input)
	case "memory_get":
		return d.get(ctx, input)
	case "memory_explore_links":
		return d.explore(ctx, input)
	case "memory_append":
		return d.append(ctx, input)
	case "memory_link":
		return d.link(ctx, input)
	case "memory_consolidate":
		return d.consolidate(ctx, input)
	default:
		return "", &core.ValidationError{Field: "tool", Reason: "unknown tool " + name}
	}
}

func (d *Dispatcher) search(ctx context.Context, input json.RawMessage) (string, error) {
	var in searchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parse search input: %w", err)
	}
	res, err := d.engine.Search(ctx, in.Query, recall.Options{
		Actor: in.Actor,
		Focus: recall.FocusLevel(in.Focus),
	})
	if err != nil {
		return "", err
	}
	return marshalResult(res)
}

func (d *Dispatcher) get(ctx context.Context, input json.RawMessage) (string, error) {
	var in getInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parse get input: %w", err)
	}
	rec, err := d.engine.Get(ctx, in.RecordID)
	if err != nil {
		return "", err
	}
	return marshalResult(rec)
}

func (d *Dispatcher) explore(ctx context.Context, input json.RawMessage) (string, error) {
	var in exploreInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parse explore input: %w", err)
	}
	depth := in.Depth
	if depth <= 0 {
		depth = 1
	}
	ids, err := d.engine.ExploreLinks(ctx, in.RecordID, depth)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]interface{}{"record_ids": ids})
}

func (d *Dispatcher) append(ctx context.Context, input json.RawMessage) (string, error) {
	var in appendInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parse append input: %w", err)
	}
	if in.Thought == "" {
		return "", &core.ValidationError{Field: "thought", Reason: "required for memory writes"}
	}
	id, err := d.engine.Append(ctx, engine.Capture{
		Kind:       core.Kind(in.Kind),
		Actor:      in.Actor,
		Location:   in.Location,
		Content:    in.Content,
		Importance: in.Importance,
		Tags:       in.Tags,
	})
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]string{"record_id": id})
}

func (d *Dispatcher) link(ctx context.Context, input json.RawMessage) (string, error) {
	var in linkInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parse link input: %w", err)
	}
	if in.Thought == "" {
		return "", &core.ValidationError{Field: "thought", Reason: "required for memory writes"}
	}
	confidence := in.Confidence
	if confidence == 0 {
		confidence = 1.0
	}
	id, err := d.engine.Link(ctx, in.FromID, in.ToID, core.Relationship(in.Relationship), confidence)
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]string{"link_id": id})
}

func (d *Dispatcher) consolidate(ctx context.Context, input json.RawMessage) (string, error) {
	var in consolidateInput
	if err := json.Unmarshal(input, &in); err != nil {
		return "", fmt.Errorf("parse consolidate input: %w", err)
	}
	if in.Thought == "" {
		return "", &core.ValidationError{Field: "thought", Reason: "required for memory writes"}
	}
	taskID, err := d.engine.RunConsolidation(ctx, consolidate.Mode(in.Mode))
	if err != nil {
		return "", err
	}
	return marshalResult(map[string]string{"task_id": taskID})
}

func marshalResult(v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal tool result: %w", err)
	}
	return string(data), nil
}
