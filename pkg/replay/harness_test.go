package replay_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/authority/pkg/canonicalize"
	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
	"github.com/Mindburn-Labs/helm/authority/pkg/replay"
)

func sealTagged(schema, hash string) *envelope.SealRequest {
	return &envelope.SealRequest{
		Version:       "1.2",
		ContentHash:   hash,
		TenantID:      "tenant-1",
		WorkspaceID:   "ws-1",
		PersonaID:     "persona-sdr",
		PolicyID:      "policy-outreach",
		PolicyVersion: "3",
		Content:       contracts.MustDocument(schema, "1", map[string]int{"score": 40}),
		SealedBy:      "svc-scoring",
	}
}

// echo reproduces the sealed body exactly.
var echo = replay.ExecutorFunc(func(_ context.Context, content contracts.Document) (json.RawMessage, error) {
	return content.Body, nil
})

func TestHarnessRunReproducesSealedOutput(t *testing.T) {
	f := newFixture(t)
	content := map[string]any{"lead": "acme", "score": 87}
	hash, err := canonicalize.CanonicalHash(content)
	require.NoError(t, err)
	f.seal(t, hash, content)

	h := replay.NewHarness(f.verifier)
	h.RegisterExecutor("", echo)

	res, err := h.Run(context.Background(), hash, "auditor", "alice")
	require.NoError(t, err)
	require.NotNil(t, res.Completed)
	assert.Equal(t, contracts.ReplaySuccess, res.Completed.Status)
}

func TestHarnessRunDetectsDrift(t *testing.T) {
	f := newFixture(t)
	content := map[string]any{"lead": "acme", "score": 87}
	hash, err := canonicalize.CanonicalHash(content)
	require.NoError(t, err)
	f.seal(t, hash, content)

	h := replay.NewHarness(f.verifier)
	h.RegisterExecutor("", replay.ExecutorFunc(func(context.Context, contracts.Document) (json.RawMessage, error) {
		return json.RawMessage(`{"lead":"acme","score":88}`), nil
	}))

	res, err := h.Run(context.Background(), hash, "auditor", "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReplayDriftDetected, res.Completed.Status)
	assert.Len(t, f.sink.attempts, 1)
}

func TestHarnessDispatchesOnSchemaTag(t *testing.T) {
	f := newFixture(t)

	h := replay.NewHarness(f.verifier)
	called := ""
	h.RegisterExecutor("", replay.ExecutorFunc(func(context.Context, contracts.Document) (json.RawMessage, error) {
		called = "fallback"
		return json.RawMessage(`{}`), nil
	}))
	h.RegisterExecutor("lead-score", replay.ExecutorFunc(func(context.Context, contracts.Document) (json.RawMessage, error) {
		called = "lead-score"
		return json.RawMessage(`{}`), nil
	}))

	// Seal a tagged document directly through the ledger.
	_, err := f.ledger.Seal(context.Background(), sealTagged("lead-score", "h-tagged"))
	require.NoError(t, err)

	_, err = h.Run(context.Background(), "h-tagged", "auditor", "alice")
	require.NoError(t, err)
	assert.Equal(t, "lead-score", called)
}

func TestHarnessExecutionFailureClosesAttempt(t *testing.T) {
	f := newFixture(t)
	f.seal(t, "h1", map[string]int{"test": 1})

	boom := errors.New("upstream model unavailable")
	h := replay.NewHarness(f.verifier)
	h.RegisterExecutor("", replay.ExecutorFunc(func(context.Context, contracts.Document) (json.RawMessage, error) {
		return nil, boom
	}))

	res, err := h.Run(context.Background(), "h1", "auditor", "alice")
	require.Error(t, err)
	assert.True(t, errors.Is(err, boom))
	assert.Equal(t, contracts.CodeReplayExecutionFailed, contracts.CodeOf(err))
	require.NotNil(t, res.Completed)
	assert.Equal(t, contracts.ReplayError, res.Completed.Status)
}

func TestHarnessOutputWithoutCanonicalHashClosesAttempt(t *testing.T) {
	f := newFixture(t)
	f.seal(t, "h1", map[string]int{"test": 1})

	// Two keys that merge under NFC have no canonical form.
	h := replay.NewHarness(f.verifier)
	h.RegisterExecutor("", replay.ExecutorFunc(func(context.Context, contracts.Document) (json.RawMessage, error) {
		return json.RawMessage("{\"e\u0301\":1,\"\u00e9\":2}"), nil
	}))

	res, err := h.Run(context.Background(), "h1", "auditor", "alice")
	require.Error(t, err)
	assert.Equal(t, contracts.CodeReplayExecutionFailed, contracts.CodeOf(err))
	require.NotNil(t, res.Completed)
	assert.Equal(t, contracts.ReplayError, res.Completed.Status)
}

func TestHarnessUnsealedHashSkipsExecution(t *testing.T) {
	f := newFixture(t)
	h := replay.NewHarness(f.verifier)
	h.RegisterExecutor("", replay.ExecutorFunc(func(context.Context, contracts.Document) (json.RawMessage, error) {
		t.Fatal("executor must not run for an unsealed hash")
		return nil, nil
	}))

	res, err := h.Run(context.Background(), "missing", "auditor", "alice")
	require.NoError(t, err)
	assert.Equal(t, contracts.ReplayError, res.Initiated.Status)
	assert.Nil(t, res.Completed)
}

func TestHarnessWithoutExecutor(t *testing.T) {
	f := newFixture(t)
	f.seal(t, "h1", map[string]int{"test": 1})

	res, err := replay.NewHarness(f.verifier).Run(context.Background(), "h1", "auditor", "alice")
	require.Error(t, err)
	assert.Equal(t, contracts.ReplayError, res.Completed.Status)
}
