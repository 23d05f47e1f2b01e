package replay

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Mindburn-Labs/helm/authority/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
)

// Executor re-runs the capability that produced a sealed envelope and
// returns its fresh output.
type Executor interface {
	Execute(ctx context.Context, content contracts.Document) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, content contracts.Document) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, content contracts.Document) (json.RawMessage, error) {
	return f(ctx, content)
}

// Harness drives a full replay: initiate, re-execute through the executor
// registered for the content's schema tag, hash canonically and complete.
type Harness struct {
	verifier *Verifier

	mu        sync.RWMutex
	executors map[string]Executor
	fallback  Executor
}

// NewHarness creates a harness over verifier.
func NewHarness(verifier *Verifier) *Harness {
	return &Harness{
		verifier:  verifier,
		executors: make(map[string]Executor),
	}
}

// RegisterExecutor binds an executor to a content schema tag. An empty tag
// registers the fallback for untagged or unknown content.
func (h *Harness) RegisterExecutor(schema string, exec Executor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if schema == "" {
		h.fallback = exec
		return
	}
	h.executors[schema] = exec
}

func (h *Harness) executorFor(schema string) (Executor, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if exec, ok := h.executors[schema]; ok {
		return exec, true
	}
	return h.fallback, h.fallback != nil
}

// RunResult combines both halves of a replay.
type RunResult struct {
	Initiated *InitiateResult `json:"initiated"`
	Completed *CompleteResult `json:"completed,omitempty"`
}

// Run replays the envelope sealed under contentHash. When the hash is not
// sealed the ERROR attempt is returned without a completion. Drift is
// reported as a result with Status DRIFT_DETECTED, not as an error.
func (h *Harness) Run(ctx context.Context, contentHash, source, initiatedBy string) (*RunResult, error) {
	initiated, err := h.verifier.InitiateReplay(ctx, &InitiateRequest{
		ContentHash: contentHash,
		Source:      source,
		InitiatedBy: initiatedBy,
	})
	if err != nil {
		return nil, err
	}
	result := &RunResult{Initiated: initiated}
	if initiated.Status != contracts.ReplayPending {
		return result, nil
	}

	content := *initiated.EnvelopeContent
	exec, ok := h.executorFor(content.Schema)
	if !ok {
		completed, failErr := h.verifier.FailReplay(ctx, initiated.ReplayID, contracts.CodeReplayExecutionFailed)
		if failErr == nil {
			result.Completed = completed
		}
		return result, fmt.Errorf("no executor registered for content schema %q", content.Schema)
	}

	output, err := exec.Execute(ctx, content)
	if err != nil {
		completed, failErr := h.verifier.FailReplay(ctx, initiated.ReplayID, contracts.CodeReplayExecutionFailed)
		if failErr == nil {
			result.Completed = completed
		}
		return result, contracts.Wrap(contracts.CodeReplayExecutionFailed, err, "replay execution failed")
	}

	// Sealed hashes cover the canonical body, so the output is hashed the same way.
	outputHash, err := canonicalize.CanonicalHash(output)
	if err != nil {
		completed, failErr := h.verifier.FailReplay(ctx, initiated.ReplayID, contracts.CodeReplayExecutionFailed)
		if failErr == nil {
			result.Completed = completed
		}
		return result, contracts.Wrap(contracts.CodeReplayExecutionFailed, err, "replay output has no canonical hash")
	}

	completed, err := h.verifier.CompleteReplay(ctx, &CompleteRequest{
		ReplayID:       initiated.ReplayID,
		NewOutput:      output,
		NewContentHash: outputHash,
	})
	if err != nil {
		return result, err
	}
	result.Completed = completed
	return result, nil
}
