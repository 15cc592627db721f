package core

// BaseInput provides common fields for all tool inputs.
// Tool input structs embed it to include ReAct thought support.
type BaseInput struct {
	// Thought is the agent's reasoning about why it is using this tool.
	// Optional for read operations; write operations require it so the
	// record of the decision survives alongside its effects.
	Thought string `json:"thought,omitempty"`
}
