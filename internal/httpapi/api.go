package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fattyageboy/berthcare-sub003/internal/audit"
	"github.com/fattyageboy/berthcare-sub003/internal/auth"
	"github.com/fattyageboy/berthcare-sub003/internal/obs"
	"github.com/fattyageboy/berthcare-sub003/internal/ratelimit"
)

const (
	serviceName         = "berthcare-auth"
	defaultMaxBodyBytes = 1 << 20
	readyTimeout        = 2 * time.Second
)

// Pinger is satisfied by cache clients that can report liveness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe checks the database and the cache, whichever are configured.
type ReadyProbe struct {
	DB    *sql.DB
	Cache Pinger
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Cache != nil {
		return rp.Cache.Ping(ctx)
	}
	return nil
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Limiters groups the per-route rate limiters. A nil limiter disables limiting
// for its routes.
type Limiters struct {
	General  *ratelimit.Limiter
	Login    *ratelimit.Limiter
	Register *ratelimit.Limiter
	Refresh  *ratelimit.Limiter
}

// Deps is everything the HTTP layer needs from the process.
type Deps struct {
	Auth           *auth.Service
	Audit          *audit.Logger
	Logger         *zap.Logger
	Ready          readinessChecker
	Version        string
	Limiters       Limiters
	MaxBodyBytes   int64
	AllowedOrigins []string
}

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	auth     *auth.Service
	audit    *audit.Logger
	logger   *zap.Logger
	ready    readinessChecker
	version  string
	limiters Limiters
	maxBody  int64
	origins  []string
}

func New(d Deps) *API {
	a := &API{
		mux:      http.NewServeMux(),
		auth:     d.Auth,
		audit:    d.Audit,
		logger:   d.Logger,
		ready:    d.Ready,
		version:  d.Version,
		limiters: d.Limiters,
		maxBody:  d.MaxBodyBytes,
		origins:  d.AllowedOrigins,
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("HTTP")
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if a.maxBody <= 0 {
		a.maxBody = defaultMaxBodyBytes
	}
	a.routes()
	return a
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.Handle("GET /metrics", obs.Handler())
	a.mux.HandleFunc("GET /.well-known/jwks.json", a.JWKS)

	general := limit(a.limiters.General)
	a.handle("POST /v1/auth/login", a.handleLogin, general, limit(a.limiters.Login))
	a.handle("POST /v1/auth/register", a.handleRegister, general, limit(a.limiters.Register))
	a.handle("POST /v1/auth/refresh", a.handleRefresh, general, limit(a.limiters.Refresh))
	a.handle("POST /v1/auth/logout", a.handleLogout, general)

	a.handle("POST /v1/auth/logout-all", a.handleLogoutAll, general, a.Authenticate)
	a.handle("GET /v1/auth/me", a.handleMe, general, a.Authenticate)
	a.handle("POST /v1/users/{userId}/sessions/revoke", a.handleRevokeSessions, general, a.Authenticate,
		a.Authorize(Policy{
			Roles:       []auth.Role{auth.RoleAdmin},
			Permissions: []string{auth.PermUsersManage},
		}))
	a.handle("GET /v1/zones/{zoneId}/access", a.handleZoneAccess, general, a.Authenticate,
		a.Authorize(Policy{Zone: DefaultZone}))
}

// handle registers h behind mw; the first middleware runs first.
func (a *API) handle(pattern string, h http.HandlerFunc, mw ...func(http.Handler) http.Handler) {
	var next http.Handler = h
	for i := len(mw) - 1; i >= 0; i-- {
		next = mw[i](next)
	}
	a.mux.Handle(pattern, next)
}

func limit(l *ratelimit.Limiter) func(http.Handler) http.Handler {
	if l == nil {
		return func(next http.Handler) http.Handler { return next }
	}
	return l.Middleware
}

// Handler returns the fully wrapped http.Handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, a.maxBody)
	h = CORS(a.origins)(h)
	h = SecurityHeaders(h)
	h = Recover(a.logger)(h)
	h = LoggingJSON(a.logger)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readyTimeout)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
		obs.SetReady(false)
		a.logger.Warn("readiness check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

// JWKS publishes the public verification keys.
func (a *API) JWKS(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, a.auth.Tokens().JWKS())
}
