package replay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
	"github.com/Mindburn-Labs/helm/authority/pkg/replay"
	"github.com/Mindburn-Labs/helm/authority/pkg/store/storetest"
)

var t0 = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

// Now advances one second per call so history ordering is deterministic.
func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

type recordingSink struct {
	mu       sync.Mutex
	attempts []*contracts.ReplayAttempt
}

func (s *recordingSink) ReportDrift(_ context.Context, a *contracts.ReplayAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
}

type fixture struct {
	ledger   *envelope.Ledger
	verifier *replay.Verifier
	sink     *recordingSink
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := storetest.New(t)
	clock := &stepClock{now: t0}
	ledger := envelope.NewLedger(db).WithClock(clock.Now)
	sink := &recordingSink{}
	verifier := replay.NewVerifier(db, ledger).WithClock(clock.Now).WithDriftSink(sink)
	return &fixture{ledger: ledger, verifier: verifier, sink: sink}
}

func (f *fixture) seal(t *testing.T, hash string, content any) *envelope.SealResult {
	t.Helper()
	res, err := f.ledger.Seal(context.Background(), &envelope.SealRequest{
		Version:       "1.2",
		ContentHash:   hash,
		TenantID:      "tenant-1",
		WorkspaceID:   "ws-1",
		PersonaID:     "persona-sdr",
		PolicyID:      "policy-outreach",
		PolicyVersion: "3",
		Content:       contracts.MustDocument("", "", content),
		SealedBy:      "svc-scoring",
	})
	require.NoError(t, err)
	return res
}

func (f *fixture) initiate(t *testing.T, hash string) *replay.InitiateResult {
	t.Helper()
	res, err := f.verifier.InitiateReplay(context.Background(), &replay.InitiateRequest{
		ContentHash: hash,
		Source:      "auditor",
		InitiatedBy: "alice",
	})
	require.NoError(t, err)
	return res
}

func TestReplayScenario(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sealed := f.seal(t, "h1", map[string]int{"test": 1})

	first := f.initiate(t, "h1")
	assert.Equal(t, contracts.ReplayPending, first.Status)
	require.NotNil(t, first.EnvelopeID)
	assert.Equal(t, sealed.EnvelopeID, *first.EnvelopeID)
	require.NotNil(t, first.EnvelopeContent)
	assert.JSONEq(t, `{"test":1}`, string(first.EnvelopeContent.Body))
	assert.Empty(t, first.ErrorCode)

	ok, err := f.verifier.CompleteReplay(ctx, &replay.CompleteRequest{
		ReplayID: first.ReplayID, NewOutput: json.RawMessage(`{"test":1}`), NewContentHash: "h1",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ReplaySuccess, ok.Status)
	assert.False(t, ok.DriftDetected)
	assert.Nil(t, ok.DriftDetails)
	assert.Empty(t, f.sink.attempts)

	second := f.initiate(t, "h1")
	drift, err := f.verifier.CompleteReplay(ctx, &replay.CompleteRequest{
		ReplayID: second.ReplayID, NewOutput: json.RawMessage(`{"test":2}`), NewContentHash: "h2",
	})
	require.NoError(t, err)
	assert.Equal(t, contracts.ReplayDriftDetected, drift.Status)
	assert.True(t, drift.DriftDetected)
	require.NotNil(t, drift.DriftDetails)
	assert.Equal(t, contracts.DriftTypeHashMismatch, drift.DriftDetails.DriftType)
	assert.Equal(t, "h1", drift.DriftDetails.ExpectedHash)
	assert.Equal(t, "h2", drift.DriftDetails.ActualHash)

	require.Len(t, f.sink.attempts, 1)
	assert.Equal(t, second.ReplayID, f.sink.attempts[0].ReplayID)

	// Replay never touches the envelope.
	verify, err := f.ledger.Verify(ctx, envelope.Lookup{ContentHash: "h1"})
	require.NoError(t, err)
	assert.True(t, verify.IsValid)
}

func TestInitiateUnsealedHashRecordsError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res := f.initiate(t, "never-sealed")
	assert.Equal(t, contracts.ReplayError, res.Status)
	assert.Equal(t, contracts.CodeEnvelopeNotSealed, res.ErrorCode)
	assert.Nil(t, res.EnvelopeID)
	assert.Nil(t, res.EnvelopeContent)

	history, err := f.verifier.History(ctx, replay.HistoryQuery{EnvelopeHash: "never-sealed"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, contracts.ReplayError, history[0].Status)
	assert.Equal(t, contracts.CodeEnvelopeNotSealed, history[0].ErrorCode)
	assert.Nil(t, history[0].EnvelopeID)
	assert.NotNil(t, history[0].CompletedAt)

	_, err = f.verifier.CompleteReplay(ctx, &replay.CompleteRequest{ReplayID: res.ReplayID, NewContentHash: "x"})
	assert.True(t, errors.Is(err, contracts.ErrReplayTerminal))
}

func TestCompleteIsOneShot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seal(t, "h1", map[string]int{"test": 1})
	started := f.initiate(t, "h1")

	_, err := f.verifier.CompleteReplay(ctx, &replay.CompleteRequest{ReplayID: started.ReplayID, NewContentHash: "h1"})
	require.NoError(t, err)

	_, err = f.verifier.CompleteReplay(ctx, &replay.CompleteRequest{ReplayID: started.ReplayID, NewContentHash: "h2"})
	require.Error(t, err)
	assert.Equal(t, contracts.CodeReplayAlreadyTerminal, contracts.CodeOf(err))

	history, err := f.verifier.History(ctx, replay.HistoryQuery{EnvelopeHash: "h1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, contracts.ReplaySuccess, history[0].Status)
	assert.Equal(t, "h1", history[0].NewContentHash)
}

func TestConcurrentCompletionsHaveOneWinner(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seal(t, "h1", map[string]int{"test": 1})
	started := f.initiate(t, "h1")

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes int
		terminal  int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.verifier.CompleteReplay(ctx, &replay.CompleteRequest{ReplayID: started.ReplayID, NewContentHash: "h1"})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				successes++
			case errors.Is(err, contracts.ErrReplayTerminal):
				terminal++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, successes)
	assert.Equal(t, 7, terminal)
}

func TestCompleteUnknownReplay(t *testing.T) {
	f := newFixture(t)
	_, err := f.verifier.CompleteReplay(context.Background(), &replay.CompleteRequest{ReplayID: "missing", NewContentHash: "h"})
	assert.True(t, errors.Is(err, contracts.ErrReplayNotFound))
}

func TestInitiateValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.verifier.InitiateReplay(ctx, &replay.InitiateRequest{ContentHash: "h1"})
	assert.Equal(t, contracts.CodeInvalidRequest, contracts.CodeOf(err))

	_, err = f.verifier.InitiateReplay(ctx, &replay.InitiateRequest{
		ContentHash: "h1", Source: "s", InitiatedBy: "u", ActorContext: json.RawMessage(`{nope`),
	})
	assert.Equal(t, contracts.CodeInvalidRequest, contracts.CodeOf(err))

	_, err = f.verifier.CompleteReplay(ctx, &replay.CompleteRequest{ReplayID: "r"})
	assert.Equal(t, contracts.CodeInvalidRequest, contracts.CodeOf(err))
}

func TestHistoryOrderingAndFilters(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	a := f.seal(t, "ha", map[string]string{"k": "a"})
	f.seal(t, "hb", map[string]string{"k": "b"})

	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.initiate(t, "ha").ReplayID)
	}
	f.initiate(t, "hb")

	byHash, err := f.verifier.History(ctx, replay.HistoryQuery{EnvelopeHash: "ha"})
	require.NoError(t, err)
	require.Len(t, byHash, 3)
	assert.Equal(t, []string{ids[2], ids[1], ids[0]}, []string{byHash[0].ReplayID, byHash[1].ReplayID, byHash[2].ReplayID})

	byID, err := f.verifier.History(ctx, replay.HistoryQuery{EnvelopeID: a.EnvelopeID, Limit: 2})
	require.NoError(t, err)
	require.Len(t, byID, 2)
	assert.Equal(t, ids[2], byID[0].ReplayID)

	all, err := f.verifier.History(ctx, replay.HistoryQuery{})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	none, err := f.verifier.History(ctx, replay.HistoryQuery{EnvelopeHash: "nothing"})
	require.NoError(t, err)
	assert.NotNil(t, none)
	assert.Empty(t, none)

	_, err = f.verifier.History(ctx, replay.HistoryQuery{Limit: -1})
	assert.Equal(t, contracts.CodeInvalidRequest, contracts.CodeOf(err))
}

func TestActorContextRoundTrip(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seal(t, "h1", map[string]int{"test": 1})

	_, err := f.verifier.InitiateReplay(ctx, &replay.InitiateRequest{
		ContentHash: "h1", Source: "auditor", InitiatedBy: "alice",
		ActorContext: json.RawMessage(`{"ticket":"AUD-7"}`),
	})
	require.NoError(t, err)

	history, err := f.verifier.History(ctx, replay.HistoryQuery{EnvelopeHash: "h1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.JSONEq(t, `{"ticket":"AUD-7"}`, string(history[0].ActorContext))
	assert.Equal(t, "auditor", history[0].Source)
	assert.Equal(t, "alice", history[0].InitiatedBy)
}

func TestDriftDetailsPersisted(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seal(t, "h1", map[string]int{"test": 1})
	started := f.initiate(t, "h1")

	_, err := f.verifier.CompleteReplay(ctx, &replay.CompleteRequest{ReplayID: started.ReplayID, NewContentHash: "h9"})
	require.NoError(t, err)

	history, err := f.verifier.History(ctx, replay.HistoryQuery{EnvelopeHash: "h1"})
	require.NoError(t, err)
	require.Len(t, history, 1)
	got := history[0]
	assert.True(t, got.DriftDetected)
	require.NotNil(t, got.DriftDetails)
	assert.Equal(t, contracts.DriftTypeHashMismatch, got.DriftDetails.DriftType)
	assert.Equal(t, "h9", got.DriftDetails.ActualHash)
}

func TestLogSinkRaisesAlert(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	envID := "env-1"

	replay.NewLogSink(logger, nil).ReportDrift(context.Background(), &contracts.ReplayAttempt{
		ReplayID:     "r-1",
		EnvelopeID:   &envID,
		EnvelopeHash: "h1",
		DriftDetails: &contracts.DriftDetails{DriftType: contracts.DriftTypeHashMismatch, ExpectedHash: "h1", ActualHash: "h2"},
	})

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "ERROR", entry["level"])
	assert.Equal(t, true, entry["alert"])
	assert.Equal(t, "HASH_MISMATCH", entry["drift_type"])
	assert.Equal(t, "env-1", entry["envelope_id"])
}

func TestFailReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.seal(t, "h1", map[string]int{"test": 1})
	started := f.initiate(t, "h1")

	res, err := f.verifier.FailReplay(ctx, started.ReplayID, contracts.CodeReplayExecutionFailed)
	require.NoError(t, err)
	assert.Equal(t, contracts.ReplayError, res.Status)

	history, err := f.verifier.History(ctx, replay.HistoryQuery{EnvelopeHash: "h1"})
	require.NoError(t, err)
	assert.Equal(t, contracts.CodeReplayExecutionFailed, history[0].ErrorCode)

	_, err = f.verifier.FailReplay(ctx, started.ReplayID, contracts.CodeReplayExecutionFailed)
	assert.True(t, errors.Is(err, contracts.ErrReplayTerminal))
	assert.True(t, strings.Contains(err.Error(), "ERROR"))
}
