// Package claude implements the cognitive collaborators (Assessor,
// Reviser) on top of the Anthropic API.
//
// All cognitive judgment lives here, behind the core interfaces. The
// engine itself never scores text; it only does the intensity
// arithmetic on what this package returns.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"

	"github.com/engramlabs/engram-go/core"
)

// Config configures the collaborator.
type Config struct {
	// Model is the Claude model to use.
	Model string

	// MaxTokens bounds each response.
	MaxTokens int64
}

// DefaultConfig uses a small, fast model: assessments run on the
// background path for every captured record.
var DefaultConfig = &Config{
	Model:     "claude-3-5-haiku-latest",
	MaxTokens: 1024,
}

// Collaborator implements core.Assessor and core.Reviser.
type Collaborator struct {
	client *anthropic.Client
	config *Config
}

// New creates a collaborator with the given Anthropic client.
func New(client *anthropic.Client, cfg *Config) *Collaborator {
	if cfg == nil {
		cfg = DefaultConfig
	}
	return &Collaborator{client: client, config: cfg}
}

const assessPrompt = `You assess a memory for an agent's long-term store.
Respond with strict JSON only, no prose:
{"importance": <0.0-1.0>, "alignment": <-1.0-1.0>, "reason": "<one sentence>"}

importance: how much this memory matters for the agent's future behavior.
alignment: how the content sits with the agent's values and goals
(negative = conflicts, positive = reinforces, magnitude = strength).`

// Assess obtains {importance, alignment, reason} for a piece of
// evidence.
func (c *Collaborator) Assess(ctx context.Context, evidence string) (core.Assessment, error) {
	text, err := c.complete(ctx, assessPrompt, evidence)
	if err != nil {
		return core.Assessment{}, err
	}

	var parsed struct {
		Importance float64 `json:"importance"`
		Alignment  float64 `json:"alignment"`
		Reason     string  `json:"reason"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return core.Assessment{}, fmt.Errorf("parse assessment: %w", err)
	}

	return core.Assessment{
		Importance: core.Clamp(parsed.Importance, 0, 1),
		Alignment:  core.Clamp(parsed.Alignment, -1, 1),
		Reason:     parsed.Reason,
	}, nil
}

const revisePrompt = `You maintain a long-lived component of an agent's identity.
Given its current text and new evidence, produce the component's next text.
If the evidence does not warrant a change, return the current text unchanged.
Respond with strict JSON only, no prose:
{"text": "<component text>", "reason": "<one sentence>", "confidence": <0.0-1.0>}`

// Revise proposes a candidate text for a component from gathered
// evidence.
func (c *Collaborator) Revise(ctx context.Context, name, currentText string, evidence []string) (string, string, float64, error) {
	var input strings.Builder
	fmt.Fprintf(&input, "Component: %s\n\nCurrent text:\n%s\n\nNew evidence:\n", name, currentText)
	for i, e := range evidence {
		fmt.Fprintf(&input, "%d. %s\n", i+1, e)
	}

	text, err := c.complete(ctx, revisePrompt, input.String())
	if err != nil {
		return "", "", 0, err
	}

	var parsed struct {
		Text       string  `json:"text"`
		Reason     string  `json:"reason"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(extractJSON(text)), &parsed); err != nil {
		return "", "", 0, fmt.Errorf("parse revision: %w", err)
	}

	return parsed.Text, parsed.Reason, core.Clamp(parsed.Confidence, 0, 1), nil
}

func (c *Collaborator) complete(ctx context.Context, system, user string) (string, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.config.Model),
		MaxTokens: c.config.MaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
	})
	if err != nil {
		return "", fmt.Errorf("claude API error: %w", err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return text, nil
}

// extractJSON pulls the first JSON object out of a response, tolerating
// models that wrap JSON in code fences despite instructions.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
