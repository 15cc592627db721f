// Package mock provides scripted cognitive collaborators for tests.
package mock

import (
	"context"
	"strings"
	"sync"

	"github.com/engramlabs/engram-go/core"
)

// Assessor returns scripted assessments keyed by content substring, or a
// fixed default. Safe for concurrent use.
type Assessor struct {
	mu      sync.Mutex
	Default core.Assessment
	scripts []script
	calls   int
}

type script struct {
	substr     string
	assessment core.Assessment
}

// NewAssessor creates a mock assessor with a neutral default.
func NewAssessor() *Assessor {
	return &Assessor{
		Default: core.Assessment{Importance: 0.5, Alignment: 0.5, Reason: "default"},
	}
}

// Script makes evidence containing substr return the given assessment.
func (a *Assessor) Script(substr string, assessment core.Assessment) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.scripts = append(a.scripts, script{substr: substr, assessment: assessment})
}

// Assess returns the first scripted match, or the default.
func (a *Assessor) Assess(ctx context.Context, evidence string) (core.Assessment, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.calls++
	for _, s := range a.scripts {
		if strings.Contains(evidence, s.substr) {
			return s.assessment, nil
		}
	}
	return a.Default, nil
}

// Calls reports how many assessments have been requested.
func (a *Assessor) Calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.calls
}

// Reviser returns a fixed candidate text, or echoes the current text
// when NoChange is set (for idempotence tests).
type Reviser struct {
	mu         sync.Mutex
	NextText   string
	Reason     string
	Confidence float64
	NoChange   bool
	calls      int
}

// NewReviser creates a mock reviser that proposes no change.
func NewReviser() *Reviser {
	return &Reviser{NoChange: true, Reason: "no change", Confidence: 0.5}
}

// Revise returns the scripted candidate.
func (r *Reviser) Revise(ctx context.Context, name, currentText string, evidence []string) (string, string, float64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.NoChange {
		return currentText, r.Reason, r.Confidence, nil
	}
	return r.NextText, r.Reason, r.Confidence, nil
}

// Propose scripts the next revision.
func (r *Reviser) Propose(text, reason string, confidence float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.NoChange = false
	r.NextText = text
	r.Reason = reason
	r.Confidence = confidence
}

// Calls reports how many revisions have been requested.
func (r *Reviser) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}
