// Package audit emits structured records of credential and session events.
package audit

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/fattyageboy/berthcare-sub003/internal/auth"
)

const (
	EventLogin          = "auth.login"
	EventLoginFailed    = "auth.login.failed"
	EventRegister       = "auth.register"
	EventRefresh        = "auth.refresh"
	EventRefreshFailed  = "auth.refresh.failed"
	EventLogout         = "auth.logout"
	EventLogoutAll      = "auth.logout_all"
	EventSessionsRevoke = "auth.sessions.revoked"
	EventAccessDenied   = "auth.access.denied"
)

type ctxKey struct{}

// WithRequestID attaches the request identifier to the context for audit logging.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	requestID = strings.TrimSpace(requestID)
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, requestID)
}

// RequestIDFromContext returns the request id stored by WithRequestID.
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	v, _ := ctx.Value(ctxKey{}).(string)
	return v
}

// Logger writes audit entries through zap.
type Logger struct {
	l *zap.Logger
}

func New(l *zap.Logger) *Logger {
	if l == nil {
		l = zap.NewNop()
	}
	return &Logger{l: l.Named("audit")}
}

// Event writes one entry enriched with the request id and the authenticated
// principal, if any. Token values must never be passed as fields.
func (a *Logger) Event(ctx context.Context, event string, fields ...zap.Field) {
	if a == nil {
		return
	}
	event = strings.TrimSpace(event)
	if event == "" {
		return
	}
	base := make([]zap.Field, 0, len(fields)+5)
	base = append(base, zap.String("type", "audit"), zap.String("event", event))
	if rid := RequestIDFromContext(ctx); rid != "" {
		base = append(base, zap.String("request_id", rid))
	}
	if p, ok := auth.PrincipalFromContext(ctx); ok {
		base = append(base, zap.String("user_id", p.UserID), zap.String("role", string(p.Role)))
	}
	a.l.Info("audit", append(base, fields...)...)
}
