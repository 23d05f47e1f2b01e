package gate

import (
	"context"
	"encoding/json"
	"net/http"
)

// Headers read by Middleware.
const (
	HeaderEnvelopeID   = "X-Envelope-Id"
	HeaderEnvelopeHash = "X-Envelope-Hash"
	HeaderEnvelopeTok  = "X-Envelope-Token"
	HeaderTenantID     = "X-Tenant-Id"
	HeaderWorkspaceID  = "X-Workspace-Id"
	HeaderUserID       = "X-User-Id"
	HeaderRequestID    = "X-Request-ID"
)

// DenyWriter renders a denied request. err is non-nil when the check itself
// failed; the request is denied either way.
type DenyWriter func(w http.ResponseWriter, r *http.Request, result *CheckResult, err error)

type resultKey struct{}

// ResultFromContext returns the passing gate result for a request that went
// through Middleware.
func ResultFromContext(ctx context.Context) (*CheckResult, bool) {
	r, ok := ctx.Value(resultKey{}).(*CheckResult)
	return r, ok
}

// Middleware gates every request on the envelope headers. source names the
// calling service in the violation log. A nil deny writes the result as JSON
// with status 403.
func (g *Gate) Middleware(source string, deny DenyWriter) func(http.Handler) http.Handler {
	if deny == nil {
		deny = writeDenied
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqCtx, _ := json.Marshal(map[string]string{
				"path":       r.URL.Path,
				"query":      r.URL.RawQuery,
				"remote":     r.RemoteAddr,
				"request_id": firstNonEmpty(r.Header.Get(HeaderRequestID), w.Header().Get(HeaderRequestID)),
			})

			result, err := g.Check(r.Context(), &CheckRequest{
				Source:         source,
				Endpoint:       r.URL.Path,
				Method:         r.Method,
				TenantID:       r.Header.Get(HeaderTenantID),
				WorkspaceID:    r.Header.Get(HeaderWorkspaceID),
				RequestUserID:  r.Header.Get(HeaderUserID),
				EnvelopeID:     r.Header.Get(HeaderEnvelopeID),
				EnvelopeHash:   r.Header.Get(HeaderEnvelopeHash),
				Token:          r.Header.Get(HeaderEnvelopeTok),
				RequestContext: reqCtx,
			})
			if err != nil || result == nil || !result.GatePassed {
				deny(w, r, result, err)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), resultKey{}, result)))
		})
	}
}

func writeDenied(w http.ResponseWriter, _ *http.Request, result *CheckResult, _ error) {
	if result == nil {
		result = deny("", "gate check failed")
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusForbidden)
	_ = json.NewEncoder(w).Encode(result)
}
