package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Mindburn-Labs/helm/authority/pkg/contracts"
	"github.com/Mindburn-Labs/helm/authority/pkg/envelope"
	"github.com/Mindburn-Labs/helm/authority/pkg/gate"
	"github.com/Mindburn-Labs/helm/authority/pkg/replay"
	"github.com/Mindburn-Labs/helm/authority/pkg/territory"
	"github.com/Mindburn-Labs/helm/authority/pkg/versioning"
)

const (
	maxBodyBytes = 1 << 20

	// DefaultStatsWindow is how far back violation statistics look when the
	// caller gives no since.
	DefaultStatsWindow = 24 * time.Hour
)

// Services are the governance components the API exposes.
type Services struct {
	Envelopes   *envelope.Ledger
	Replays     *replay.Verifier
	Gate        *gate.Gate
	Territories *territory.Resolver
	Versions    *versioning.Ledger
}

// Server routes HTTP requests to the governance components.
type Server struct {
	svc     Services
	logger  *slog.Logger
	clock   func() time.Time
	limiter *GlobalRateLimiter
	idem    IdempotencyStorer
	rec     RequestRecorder
	ready   func(context.Context) error
}

// NewServer creates a server over svc.
func NewServer(svc Services) *Server {
	return &Server{
		svc:    svc,
		logger: slog.Default().With("component", "api"),
		clock:  time.Now,
	}
}

// WithLogger sets the logger.
func (s *Server) WithLogger(logger *slog.Logger) *Server {
	s.logger = logger
	return s
}

// WithClock overrides the clock for deterministic testing.
func (s *Server) WithClock(clock func() time.Time) *Server {
	s.clock = clock
	return s
}

// WithRateLimit enforces rl on every /v1 route.
func (s *Server) WithRateLimit(rl *GlobalRateLimiter) *Server {
	s.limiter = rl
	return s
}

// WithIdempotency honours Idempotency-Key on replay initiation and version
// apply.
func (s *Server) WithIdempotency(store IdempotencyStorer) *Server {
	s.idem = store
	return s
}

// WithRequestRecorder records request metrics.
func (s *Server) WithRequestRecorder(rec RequestRecorder) *Server {
	s.rec = rec
	return s
}

// WithReadiness sets the /readyz check.
func (s *Server) WithReadiness(check func(context.Context) error) *Server {
	s.ready = check
	return s
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(s.logger, s.rec, routePattern))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Get("/readyz", s.handleReady)

	idem := func(h http.HandlerFunc) http.Handler {
		if s.idem == nil {
			return h
		}
		return IdempotencyMiddleware(s.idem)(h)
	}

	r.Route("/v1", func(api chi.Router) {
		if s.limiter != nil {
			api.Use(s.limiter.Middleware)
		}

		api.Route("/envelopes", func(er chi.Router) {
			er.Post("/", s.handleSeal)
			er.Get("/verify", s.handleVerify)
			er.Get("/content", s.handleContent)
			er.Post("/{envelopeID}/revoke", s.handleRevoke)
		})

		api.Route("/replays", func(rr chi.Router) {
			rr.Method(http.MethodPost, "/", idem(s.handleInitiateReplay))
			rr.Get("/", s.handleReplayHistory)
			rr.Post("/{replayID}/complete", s.handleCompleteReplay)
		})

		api.Route("/gate", func(gr chi.Router) {
			gr.Post("/check", s.handleGateCheck)
			gr.Get("/violations/stats", s.handleViolationStats)
			gr.Post("/violations/{violationID}/acknowledge", s.handleViolationTransition(s.svc.Gate.Acknowledge))
			gr.Post("/violations/{violationID}/resolve", s.handleViolationTransition(s.svc.Gate.Resolve))
		})

		api.Route("/territories", func(tr chi.Router) {
			tr.Get("/resolve", s.handleResolveTerritory)
			tr.Get("/{territoryID}/sub-verticals/{subVerticalID}/validate", s.handleValidateTerritory)
		})

		api.Get("/control-plane/version", s.handleCurrentVersion)
		api.Get("/control-plane/versions", s.handleVersionHistory)
		api.Method(http.MethodPost, "/control-plane/versions", idem(s.handleApplyVersion))
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) { WriteMethodNotAllowed(w) })
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		WriteErrorR(w, r, http.StatusNotFound, "Not Found", "no route for "+r.URL.Path)
	})
	return r
}

func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready != nil {
		if err := s.ready(r.Context()); err != nil {
			s.logger.WarnContext(r.Context(), "readiness check failed", "error", err)
			WriteErrorR(w, r, http.StatusServiceUnavailable, "Service Unavailable", "dependencies are not ready")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Envelopes

func (s *Server) handleSeal(w http.ResponseWriter, r *http.Request) {
	var req envelope.SealRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Envelopes.Seal(r.Context(), &req)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	status := http.StatusOK
	if res.IsNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, res)
}

func lookupFromQuery(r *http.Request) envelope.Lookup {
	q := r.URL.Query()
	return envelope.Lookup{EnvelopeID: q.Get("envelope_id"), ContentHash: q.Get("content_hash")}
}

func (s *Server) handleVerify(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Envelopes.Verify(r.Context(), lookupFromQuery(r))
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Envelopes.GetContent(r.Context(), lookupFromQuery(r))
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleRevoke(w http.ResponseWriter, r *http.Request) {
	var req envelope.RevokeRequest
	if !decode(w, r, &req) {
		return
	}
	req.EnvelopeID = chi.URLParam(r, "envelopeID")
	env, err := s.svc.Envelopes.Revoke(r.Context(), &req)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

// Replays

func (s *Server) handleInitiateReplay(w http.ResponseWriter, r *http.Request) {
	var req replay.InitiateRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Replays.InitiateReplay(r.Context(), &req)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleCompleteReplay(w http.ResponseWriter, r *http.Request) {
	var req replay.CompleteRequest
	if !decode(w, r, &req) {
		return
	}
	req.ReplayID = chi.URLParam(r, "replayID")
	res, err := s.svc.Replays.CompleteReplay(r.Context(), &req)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleReplayHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := replay.HistoryQuery{
		EnvelopeID:   q.Get("envelope_id"),
		EnvelopeHash: q.Get("envelope_hash"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			WriteContractError(w, r, contracts.Errorf(contracts.CodeInvalidRequest, "limit %q is not an integer", raw))
			return
		}
		query.Limit = n
	}
	attempts, err := s.svc.Replays.History(r.Context(), query)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"replays": attempts})
}

// Gate

// handleGateCheck answers 200 for both outcomes; a denial is a decision,
// not a transport failure. A denial whose violation could not be recorded
// is a 500.
func (s *Server) handleGateCheck(w http.ResponseWriter, r *http.Request) {
	var req gate.CheckRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := s.svc.Gate.Check(r.Context(), &req)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleViolationStats(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	since := s.clock().Add(-DefaultStatsWindow)
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			WriteContractError(w, r, contracts.Errorf(contracts.CodeInvalidRequest, "since %q is not RFC 3339", raw))
			return
		}
		since = t
	}
	stats, err := s.svc.Gate.ViolationStatistics(r.Context(), since, q.Get("source"))
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type transitionRequest struct {
	Actor string `json:"actor"`
}

func (s *Server) handleViolationTransition(fn func(context.Context, string, string) (*contracts.GateViolation, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req transitionRequest
		if !decode(w, r, &req) {
			return
		}
		v, err := fn(r.Context(), chi.URLParam(r, "violationID"), strings.TrimSpace(req.Actor))
		if err != nil {
			WriteContractError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, v)
	}
}

// Territories

func (s *Server) handleResolveTerritory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := s.svc.Territories.ResolveWithInheritance(r.Context(), q.Get("identifier"),
		territory.Hint{Country: q.Get("country")})
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleValidateTerritory(w http.ResponseWriter, r *http.Request) {
	res, err := s.svc.Territories.ValidateForSubVertical(r.Context(),
		chi.URLParam(r, "territoryID"), chi.URLParam(r, "subVerticalID"))
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// Control plane

func (s *Server) handleCurrentVersion(w http.ResponseWriter, r *http.Request) {
	v, err := s.svc.Versions.Current(r.Context())
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleVersionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.svc.Versions.History(r.Context())
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": history})
}

type applyVersionRequest struct {
	Version     string `json:"version"`
	Description string `json:"description"`
}

func (s *Server) handleApplyVersion(w http.ResponseWriter, r *http.Request) {
	var req applyVersionRequest
	if !decode(w, r, &req) {
		return
	}
	v, err := s.svc.Versions.Apply(r.Context(), req.Version, req.Description)
	if err != nil {
		WriteContractError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		WriteContractError(w, r, contracts.Wrap(contracts.CodeInvalidRequest, err, "malformed JSON body"))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", fmt.Errorf("write %T: %w", v, err))
	}
}
