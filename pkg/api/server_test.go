package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mindburn-Labs/helm/authority/pkg/api"
	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
	"github.com/Mindburn-Labs/helm/authority/pkg/gate"
	"github.com/Mindburn-Labs/helm/authority/pkg/replay"
	"github.com/Mindburn-Labs/helm/authority/pkg/store/storetest"
	"github.com/Mindburn-Labs/helm/authority/pkg/territory"
	"github.com/Mindburn-Labs/helm/authority/pkg/versioning"
)

const seedYAML = `
territories:
  - {id: t-global, slug: global, name: Global, level: global, coverage_type: GLOBAL}
  - {id: t-de, slug: germany, name: Germany, level: country, coverage_type: MULTI, parent_id: t-global, country_code: DE}
  - {id: t-berlin, slug: berlin, name: Berlin, level: city, coverage_type: SINGLE, parent_id: t-de, country_code: DE}
sub_verticals:
  - {id: sv-dental, slug: dental, name: Dental}
links:
  - {territory_id: t-berlin, sub_vertical_id: sv-dental}
`

func newTestServer(t *testing.T, opts ...func(*api.Server)) *httptest.Server {
	t.Helper()
	db := storetest.New(t)
	ledger := envelope.NewLedger(db)
	resolver, err := territory.NewResolver(db)
	require.NoError(t, err)
	seed, err := territory.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	_, err = resolver.Seed(context.Background(), seed)
	require.NoError(t, err)

	srv := api.NewServer(api.Services{
		Envelopes:   ledger,
		Replays:     replay.NewVerifier(db, ledger),
		Gate:        gate.New(db, ledger),
		Territories: resolver,
		Versions:    versioning.NewLedger(db),
	})
	for _, o := range opts {
		o(srv)
	}
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

type response struct {
	status int
	header http.Header
	body   []byte
}

func (r response) decode(t *testing.T, dst any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(r.body, dst), string(r.body))
}

func (r response) problem(t *testing.T) api.ProblemDetail {
	t.Helper()
	var p api.ProblemDetail
	r.decode(t, &p)
	return p
}

func do(t *testing.T, ts *httptest.Server, method, path string, body any, headers ...string) response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		rdr = bytes.NewReader(raw)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.URL+path, rdr)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(resp.Body)
	require.NoError(t, err)
	return response{status: resp.StatusCode, header: resp.Header, body: buf.Bytes()}
}

func sealBody(hash string) *envelope.SealRequest {
	return &envelope.SealRequest{
		Version:       "1.2",
		ContentHash:   hash,
		TenantID:      "tenant-1",
		WorkspaceID:   "ws-1",
		PersonaID:     "persona-sdr",
		PolicyID:      "policy-outreach",
		PolicyVersion: "3",
		Content:       contracts.MustDocument("", "", map[string]any{"score": 0.82}),
		SealedBy:      "svc-scoring",
	}
}

func TestEnvelopeLifecycle(t *testing.T) {
	ts := newTestServer(t)

	first := do(t, ts, http.MethodPost, "/v1/envelopes", sealBody("h-1"))
	require.Equal(t, http.StatusCreated, first.status, string(first.body))
	var sealed envelope.SealResult
	first.decode(t, &sealed)
	assert.True(t, sealed.IsNew)
	assert.NotEmpty(t, first.header.Get(api.HeaderRequestID))

	again := do(t, ts, http.MethodPost, "/v1/envelopes", sealBody("h-1"))
	require.Equal(t, http.StatusOK, again.status)
	var resealed envelope.SealResult
	again.decode(t, &resealed)
	assert.False(t, resealed.IsNew)
	assert.Equal(t, sealed.EnvelopeID, resealed.EnvelopeID)

	verify := do(t, ts, http.MethodGet, "/v1/envelopes/verify?envelope_id="+sealed.EnvelopeID, nil)
	require.Equal(t, http.StatusOK, verify.status)
	var vr envelope.VerifyResult
	verify.decode(t, &vr)
	assert.True(t, vr.IsValid)

	content := do(t, ts, http.MethodGet, "/v1/envelopes/content?content_hash=h-1", nil)
	require.Equal(t, http.StatusOK, content.status)
	var cr envelope.ContentResult
	content.decode(t, &cr)
	assert.Equal(t, sealed.EnvelopeID, cr.EnvelopeID)
	assert.JSONEq(t, `{"score":0.82}`, string(cr.Content.Body))

	revoke := do(t, ts, http.MethodPost, "/v1/envelopes/"+sealed.EnvelopeID+"/revoke",
		map[string]string{"revoked_by": "ops", "reason": "policy withdrawn"})
	require.Equal(t, http.StatusOK, revoke.status, string(revoke.body))

	verify = do(t, ts, http.MethodGet, "/v1/envelopes/verify?content_hash=h-1", nil)
	verify.decode(t, &vr)
	assert.False(t, vr.IsValid)
	assert.Equal(t, contracts.EnvelopeRevoked, vr.Status)

	revoke = do(t, ts, http.MethodPost, "/v1/envelopes/"+sealed.EnvelopeID+"/revoke",
		map[string]string{"revoked_by": "ops"})
	assert.Equal(t, http.StatusConflict, revoke.status)
	assert.Equal(t, contracts.CodeInvalidTransition, revoke.problem(t).Code)
}

func TestEnvelopeLookupErrors(t *testing.T) {
	ts := newTestServer(t)

	both := do(t, ts, http.MethodGet, "/v1/envelopes/verify?envelope_id=a&content_hash=b", nil)
	assert.Equal(t, http.StatusBadRequest, both.status)
	assert.Equal(t, contracts.CodeInvalidRequest, both.problem(t).Code)

	missing := do(t, ts, http.MethodGet, "/v1/envelopes/content?content_hash=nope", nil)
	assert.Equal(t, http.StatusNotFound, missing.status)
	p := missing.problem(t)
	assert.Equal(t, contracts.CodeEnvelopeNotSealed, p.Code)
	assert.Equal(t, "/v1/envelopes/content", p.Instance)

	verify := do(t, ts, http.MethodGet, "/v1/envelopes/verify?content_hash=nope", nil)
	require.Equal(t, http.StatusOK, verify.status)
	var vr envelope.VerifyResult
	verify.decode(t, &vr)
	assert.False(t, vr.IsValid)
	assert.Contains(t, vr.Message, string(contracts.CodeEnvelopeNotSealed))

	malformed := do(t, ts, http.MethodPost, "/v1/envelopes", "not an object")
	assert.Equal(t, http.StatusBadRequest, malformed.status)
}

func TestGateAndViolations(t *testing.T) {
	ts := newTestServer(t)

	check := do(t, ts, http.MethodPost, "/v1/gate/check", gate.CheckRequest{
		Source: "outreach", Endpoint: "/send", Method: "POST", TenantID: "tenant-1", WorkspaceID: "ws-1",
	})
	require.Equal(t, http.StatusOK, check.status)
	var res gate.CheckResult
	check.decode(t, &res)
	assert.False(t, res.GatePassed)
	assert.Equal(t, contracts.ViolationNoEnvelope, res.ViolationCode)
	require.NotNil(t, res.ViolationID)

	stats := do(t, ts, http.MethodGet, "/v1/gate/violations/stats?source=outreach", nil)
	require.Equal(t, http.StatusOK, stats.status)
	var vs contracts.ViolationStatistics
	stats.decode(t, &vs)
	assert.Equal(t, 1, vs.TotalViolations)
	assert.Equal(t, 1, vs.UnresolvedCount)

	ack := do(t, ts, http.MethodPost, "/v1/gate/violations/"+*res.ViolationID+"/acknowledge", map[string]string{"actor": "oncall"})
	require.Equal(t, http.StatusOK, ack.status, string(ack.body))
	var v contracts.GateViolation
	ack.decode(t, &v)
	assert.Equal(t, contracts.ResolutionAcknowledged, v.ResolutionStatus)

	ack = do(t, ts, http.MethodPost, "/v1/gate/violations/"+*res.ViolationID+"/acknowledge", map[string]string{"actor": "oncall"})
	assert.Equal(t, http.StatusConflict, ack.status)

	resolved := do(t, ts, http.MethodPost, "/v1/gate/violations/"+*res.ViolationID+"/resolve", map[string]string{"actor": "oncall"})
	require.Equal(t, http.StatusOK, resolved.status)

	stats = do(t, ts, http.MethodGet, "/v1/gate/violations/stats", nil)
	stats.decode(t, &vs)
	assert.Equal(t, 0, vs.UnresolvedCount)

	unknown := do(t, ts, http.MethodPost, "/v1/gate/violations/nope/resolve", map[string]string{"actor": "oncall"})
	assert.Equal(t, http.StatusNotFound, unknown.status)

	bad := do(t, ts, http.MethodPost, "/v1/gate/check", gate.CheckRequest{Endpoint: "/send"})
	assert.Equal(t, http.StatusBadRequest, bad.status)

	since := do(t, ts, http.MethodGet, "/v1/gate/violations/stats?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, since.status)
}

func TestGatePassesSealedEnvelope(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, http.MethodPost, "/v1/envelopes", sealBody("h-gate"))

	check := do(t, ts, http.MethodPost, "/v1/gate/check", gate.CheckRequest{
		Source: "outreach", Endpoint: "/send", Method: "POST", EnvelopeHash: "h-gate",
	})
	var res gate.CheckResult
	check.decode(t, &res)
	assert.True(t, res.GatePassed)
	assert.Nil(t, res.ViolationID)
}

func TestReplayFlow(t *testing.T) {
	ts := newTestServer(t)
	do(t, ts, http.MethodPost, "/v1/envelopes", sealBody("h-replay"))

	init := do(t, ts, http.MethodPost, "/v1/replays", replay.InitiateRequest{
		ContentHash: "h-replay", Source: "audit", InitiatedBy: "auditor",
	})
	require.Equal(t, http.StatusCreated, init.status, string(init.body))
	var started replay.InitiateResult
	init.decode(t, &started)
	assert.Equal(t, contracts.ReplayPending, started.Status)

	done := do(t, ts, http.MethodPost, "/v1/replays/"+started.ReplayID+"/complete",
		replay.CompleteRequest{NewContentHash: "h-replay"})
	require.Equal(t, http.StatusOK, done.status, string(done.body))
	var completed replay.CompleteResult
	done.decode(t, &completed)
	assert.Equal(t, contracts.ReplaySuccess, completed.Status)
	assert.False(t, completed.DriftDetected)

	again := do(t, ts, http.MethodPost, "/v1/replays/"+started.ReplayID+"/complete",
		replay.CompleteRequest{NewContentHash: "h-replay"})
	assert.Equal(t, http.StatusConflict, again.status)
	assert.Equal(t, contracts.CodeReplayAlreadyTerminal, again.problem(t).Code)

	history := do(t, ts, http.MethodGet, "/v1/replays?envelope_hash=h-replay&limit=5", nil)
	require.Equal(t, http.StatusOK, history.status)
	var page struct {
		Replays []contracts.ReplayAttempt `json:"replays"`
	}
	history.decode(t, &page)
	assert.Len(t, page.Replays, 1)

	badLimit := do(t, ts, http.MethodGet, "/v1/replays?limit=ten", nil)
	assert.Equal(t, http.StatusBadRequest, badLimit.status)

	unknown := do(t, ts, http.MethodPost, "/v1/replays/nope/complete", replay.CompleteRequest{NewContentHash: "x"})
	assert.Equal(t, http.StatusNotFound, unknown.status)
}

func TestReplayInitiationHonoursIdempotencyKey(t *testing.T) {
	store := api.NewIdempotencyStore(time.Minute)
	t.Cleanup(store.Close)
	ts := newTestServer(t, func(s *api.Server) { s.WithIdempotency(store) })
	do(t, ts, http.MethodPost, "/v1/envelopes", sealBody("h-idem"))

	req := replay.InitiateRequest{ContentHash: "h-idem", Source: "audit", InitiatedBy: "auditor"}
	first := do(t, ts, http.MethodPost, "/v1/replays", req, api.HeaderIdempotencyKey, "k-1")
	second := do(t, ts, http.MethodPost, "/v1/replays", req, api.HeaderIdempotencyKey, "k-1")
	third := do(t, ts, http.MethodPost, "/v1/replays", req, api.HeaderIdempotencyKey, "k-2")

	var a, b, c replay.InitiateResult
	first.decode(t, &a)
	second.decode(t, &b)
	third.decode(t, &c)
	assert.Equal(t, a.ReplayID, b.ReplayID)
	assert.NotEqual(t, a.ReplayID, c.ReplayID)
	assert.Equal(t, "true", second.header.Get(api.HeaderIdempotentReplayed))
	assert.Equal(t, http.StatusCreated, second.status)

	changed := req
	changed.InitiatedBy = "someone-else"
	reused := do(t, ts, http.MethodPost, "/v1/replays", changed, api.HeaderIdempotencyKey, "k-1")
	assert.Equal(t, http.StatusConflict, reused.status)
}

func TestTerritoryRoutes(t *testing.T) {
	ts := newTestServer(t)

	res := do(t, ts, http.MethodGet, "/v1/territories/resolve?identifier=Berlin", nil)
	require.Equal(t, http.StatusOK, res.status, string(res.body))
	var resolution contracts.TerritoryResolution
	res.decode(t, &resolution)
	assert.Equal(t, "t-berlin", resolution.TerritoryID)
	assert.Equal(t, contracts.StageExact, resolution.MatchedStage)

	res = do(t, ts, http.MethodGet, "/v1/territories/resolve?identifier=Munich&country=DE", nil)
	res.decode(t, &resolution)
	assert.Equal(t, "t-de", resolution.TerritoryID)
	assert.Equal(t, contracts.StageCountry, resolution.MatchedStage)

	valid := do(t, ts, http.MethodGet, "/v1/territories/t-berlin/sub-verticals/sv-dental/validate", nil)
	require.Equal(t, http.StatusOK, valid.status)
	var vr territory.ValidationResult
	valid.decode(t, &vr)
	assert.True(t, vr.IsValid)

	missing := do(t, ts, http.MethodGet, "/v1/territories/t-nowhere/sub-verticals/sv-dental/validate", nil)
	require.Equal(t, http.StatusOK, missing.status)
	missing.decode(t, &vr)
	assert.False(t, vr.IsValid)
	assert.Equal(t, contracts.CodeTerritoryNotFound, vr.Code)
}

func TestControlPlaneVersionRoutes(t *testing.T) {
	ts := newTestServer(t)

	empty := do(t, ts, http.MethodGet, "/v1/control-plane/version", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, empty.status)
	assert.Equal(t, contracts.CodeControlPlaneNotConfigured, empty.problem(t).Code)

	applied := do(t, ts, http.MethodPost, "/v1/control-plane/versions", map[string]string{"version": "1.0.0", "description": "initial"})
	require.Equal(t, http.StatusCreated, applied.status, string(applied.body))

	cur := do(t, ts, http.MethodGet, "/v1/control-plane/version", nil)
	require.Equal(t, http.StatusOK, cur.status)
	var v contracts.ControlPlaneVersion
	cur.decode(t, &v)
	assert.Equal(t, "1.0.0", v.Version)

	back := do(t, ts, http.MethodPost, "/v1/control-plane/versions", map[string]string{"version": "0.9.0"})
	assert.Equal(t, http.StatusConflict, back.status)
	assert.Equal(t, contracts.CodeVersionNotMonotonic, back.problem(t).Code)

	history := do(t, ts, http.MethodGet, "/v1/control-plane/versions", nil)
	var page struct {
		Versions []contracts.ControlPlaneVersion `json:"versions"`
	}
	history.decode(t, &page)
	assert.Len(t, page.Versions, 1)
}

func TestRoutingErrorsAndHealthChecks(t *testing.T) {
	failing := errors.New("database is closed")
	ts := newTestServer(t, func(s *api.Server) {
		s.WithReadiness(func(context.Context) error { return failing })
	})

	assert.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/healthz", nil).status)

	ready := do(t, ts, http.MethodGet, "/readyz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, ready.status)
	assert.NotContains(t, string(ready.body), "database is closed")

	notFound := do(t, ts, http.MethodGet, "/v2/anything", nil)
	assert.Equal(t, http.StatusNotFound, notFound.status)
	assert.Equal(t, "application/problem+json", notFound.header.Get("Content-Type"))

	wrongMethod := do(t, ts, http.MethodDelete, "/v1/gate/check", nil)
	assert.Equal(t, http.StatusMethodNotAllowed, wrongMethod.status)
}

func TestRateLimitAppliesToAPIRoutes(t *testing.T) {
	rl := api.NewGlobalRateLimiter(0.001, 1)
	t.Cleanup(rl.Close)
	ts := newTestServer(t, func(s *api.Server) { s.WithRateLimit(rl) })

	assert.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/v1/replays", nil).status)
	assert.Equal(t, http.StatusTooManyRequests, do(t, ts, http.MethodGet, "/v1/replays", nil).status)
	assert.Equal(t, http.StatusOK, do(t, ts, http.MethodGet, "/healthz", nil).status)
}
