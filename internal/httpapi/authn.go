package httpapi

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fattyageboy/berthcare-sub003/internal/audit"
	"github.com/fattyageboy/berthcare-sub003/internal/auth"
)

const (
	authHeader = "Authorization"
	bearer     = "Bearer "
)

// Authenticate requires a valid, unrevoked access token and attaches the
// principal and the raw token to the request context.
func (a *API) Authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, err := extractBearerToken(r.Header.Get(authHeader))
		if err != nil {
			writeAuthError(w, r, err)
			return
		}
		principal, err := a.auth.Authenticate(r.Context(), token)
		if err != nil {
			a.fail(w, r, err)
			return
		}
		ctx := auth.ContextWithPrincipal(r.Context(), principal)
		ctx = auth.ContextWithToken(ctx, token)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// ZoneResolver returns the zone a request addresses, or "" when it is not
// zone scoped.
type ZoneResolver func(r *http.Request) string

// DefaultZone reads the zoneId path value, then the zoneId query parameter.
func DefaultZone(r *http.Request) string {
	if z := strings.TrimSpace(r.PathValue("zoneId")); z != "" {
		return z
	}
	return strings.TrimSpace(r.URL.Query().Get("zoneId"))
}

// Policy is the authorization requirement of one route.
type Policy struct {
	Roles       []auth.Role
	Permissions []string
	// Zone resolves the target zone; nil means the route is not zone scoped.
	Zone ZoneResolver
}

// Authorize checks the authenticated principal against p. It must run after
// Authenticate.
func (a *API) Authorize(p Policy) func(http.Handler) http.Handler {
	req := auth.Requirement{Roles: p.Roles, Permissions: p.Permissions}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principal, ok := auth.PrincipalFromContext(r.Context())
			if !ok {
				writeAuthError(w, r, auth.ErrUnauthenticated)
				return
			}
			var zone string
			if p.Zone != nil {
				zone = p.Zone(r)
			}
			if err := auth.Authorize(principal, req, zone); err != nil {
				fields := []zap.Field{zap.String("path", r.URL.Path), zap.Error(err)}
				if zone != "" {
					fields = append(fields, zap.String("target_zone", zone))
				}
				a.audit.Event(r.Context(), audit.EventAccessDenied, fields...)
				writeAuthError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// presentedCredential returns the value after the auth scheme whatever the
// scheme is, or the whole header when there is nothing after it.
func presentedCredential(header string) string {
	header = strings.TrimSpace(header)
	if strings.HasPrefix(header, bearer) {
		if v := strings.TrimSpace(header[len(bearer):]); v != "" {
			return v
		}
		return header
	}
	if i := strings.IndexAny(header, " \t"); i > 0 {
		if v := strings.TrimSpace(header[i+1:]); v != "" {
			return v
		}
	}
	return header
}

// extractBearerToken accepts exactly "Bearer <token>".
func extractBearerToken(header string) (string, error) {
	if header == "" {
		return "", auth.ErrMissingToken
	}
	if !strings.HasPrefix(header, bearer) {
		return "", auth.ErrInvalidTokenFormat
	}
	token := header[len(bearer):]
	if token == "" || strings.ContainsAny(token, " \t") {
		return "", auth.ErrInvalidTokenFormat
	}
	return token, nil
}
