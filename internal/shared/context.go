package shared

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-billing/internal/platform/httpx"
)

// Header names set by the upstream gateway for tenant-scoped requests.
const (
	HeaderTenantID = "X-Tenant-ID"
	HeaderActorID  = "X-Actor-ID"
)

// Principal identifies who performs a request and on behalf of which tenant.
type Principal struct {
	TenantID  int64
	ActorID   int64
	IP        string
	UserAgent string
	RequestID string
}

type principalContextKey struct{}

// ContextWithPrincipal stores the principal in context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalContextKey{}, p)
}

// PrincipalFromContext extracts the principal from context.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalContextKey{}).(Principal)
	return p, ok
}

// PrincipalFromRequest parses tenant and actor headers. RemoteAddr is expected
// to be rewritten by middleware.RealIP beforehand.
func PrincipalFromRequest(r *http.Request) (Principal, bool) {
	tenantID, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderTenantID)), 10, 64)
	if err != nil || tenantID <= 0 {
		return Principal{}, false
	}
	actorID, err := strconv.ParseInt(strings.TrimSpace(r.Header.Get(HeaderActorID)), 10, 64)
	if err != nil || actorID <= 0 {
		return Principal{}, false
	}
	return Principal{
		TenantID:  tenantID,
		ActorID:   actorID,
		IP:        clientIP(r.RemoteAddr),
		UserAgent: r.UserAgent(),
		RequestID: middleware.GetReqID(r.Context()),
	}, true
}

func clientIP(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}

// RequirePrincipal rejects requests without valid tenant and actor headers and
// stores the parsed principal in the request context.
func RequirePrincipal(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := PrincipalFromRequest(r)
		if !ok {
			httpx.RespondError(w, httpx.Rule(httpx.ErrUnauthorized, "principal_missing", "tenant and actor headers are required"))
			return
		}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), p)))
	})
}
