package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/fattyageboy/berthcare-sub003/internal/audit"
	"github.com/fattyageboy/berthcare-sub003/internal/auth"
	"github.com/fattyageboy/berthcare-sub003/internal/ratelimit"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	DeviceID string `json:"device_id"`
}

type registerRequest struct {
	Email     string `json:"email"`
	Password  string `json:"password"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	ZoneID    string `json:"zone_id"`
	DeviceID  string `json:"device_id"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type userResponse struct {
	ID        string `json:"id"`
	Email     string `json:"email"`
	Role      string `json:"role"`
	ZoneID    string `json:"zone_id,omitempty"`
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
}

type tokenResponse struct {
	AccessToken      string        `json:"access_token"`
	RefreshToken     string        `json:"refresh_token,omitempty"`
	TokenType        string        `json:"token_type"`
	ExpiresIn        int64         `json:"expires_in"`
	AccessExpiresAt  time.Time     `json:"access_expires_at"`
	RefreshExpiresAt *time.Time    `json:"refresh_expires_at,omitempty"`
	User             *userResponse `json:"user,omitempty"`
}

func (a *API) tokenResponse(pair auth.TokenPair, acct *auth.Account) tokenResponse {
	resp := tokenResponse{
		AccessToken:     pair.AccessToken,
		RefreshToken:    pair.RefreshToken,
		TokenType:       strings.TrimSpace(bearer),
		ExpiresIn:       int64(pair.AccessExpiresAt.Sub(a.auth.Tokens().Now()).Seconds()),
		AccessExpiresAt: pair.AccessExpiresAt.UTC(),
	}
	if pair.RefreshToken != "" {
		exp := pair.RefreshExpiresAt.UTC()
		resp.RefreshExpiresAt = &exp
	}
	if acct != nil {
		u := toUserResponse(acct)
		resp.User = &u
	}
	return resp
}

func toUserResponse(acct *auth.Account) userResponse {
	return userResponse{
		ID:        acct.ID,
		Email:     acct.Email,
		Role:      string(acct.Role),
		ZoneID:    acct.ZoneID,
		FirstName: acct.FirstName,
		LastName:  acct.LastName,
	}
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAuthError(w, r, auth.Validation(err.Error()))
		return
	}
	pair, acct, err := a.auth.Login(r.Context(), req.Email, req.Password, req.DeviceID)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			a.audit.Event(r.Context(), audit.EventLoginFailed,
				zap.String("email", auth.NormalizeEmail(req.Email)),
				zap.String("remote_ip", ratelimit.ClientIP(r)),
			)
		}
		a.fail(w, r, err)
		return
	}
	a.audit.Event(r.Context(), audit.EventLogin,
		zap.String("user_id", acct.ID),
		zap.String("role", string(acct.Role)),
		zap.String("device_id", req.DeviceID),
	)
	writeJSON(w, http.StatusOK, a.tokenResponse(pair, acct))
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAuthError(w, r, auth.Validation(err.Error()))
		return
	}
	pair, acct, err := a.auth.Register(r.Context(), auth.RegisterInput{
		Email:     req.Email,
		Password:  req.Password,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		ZoneID:    req.ZoneID,
		DeviceID:  req.DeviceID,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit.Event(r.Context(), audit.EventRegister,
		zap.String("user_id", acct.ID),
		zap.String("zone_id", acct.ZoneID),
	)
	writeJSON(w, http.StatusCreated, a.tokenResponse(pair, acct))
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeAuthError(w, r, auth.Validation(err.Error()))
		return
	}
	if strings.TrimSpace(req.RefreshToken) == "" {
		writeAuthError(w, r, auth.Validation("refresh_token is required"))
		return
	}
	pair, err := a.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		if ae, ok := auth.AsError(err); ok && ae.Status < http.StatusInternalServerError {
			a.audit.Event(r.Context(), audit.EventRefreshFailed, zap.String("code", ae.Code))
		}
		a.fail(w, r, err)
		return
	}
	a.audit.Event(r.Context(), audit.EventRefresh, zap.Bool("rotated", pair.RefreshToken != ""))
	writeJSON(w, http.StatusOK, a.tokenResponse(pair, nil))
}

// handleLogout blacklists whatever bearer value was presented, valid or not,
// and revokes the refresh token from the body when there is one.
func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	access := presentedCredential(r.Header.Get(authHeader))
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, errEmptyBody) {
		a.logger.Debug("ignoring unreadable logout body", zap.Error(err))
	}
	if err := a.auth.Logout(r.Context(), access, strings.TrimSpace(req.RefreshToken)); err != nil {
		a.fail(w, r, err)
		return
	}
	fields := []zap.Field{zap.Bool("refresh_revoked", req.RefreshToken != "")}
	if claims, ok := a.auth.Tokens().Decode(access); ok {
		fields = append(fields, zap.String("user_id", claims.Subject))
	}
	a.audit.Event(r.Context(), audit.EventLogout, fields...)
	writeJSON(w, http.StatusOK, map[string]any{"status": "logged_out"})
}

func (a *API) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	token, _ := auth.TokenFromContext(r.Context())
	n, err := a.auth.LogoutAll(r.Context(), principal.UserID, token)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit.Event(r.Context(), audit.EventLogoutAll, zap.Int64("revoked_sessions", n))
	writeJSON(w, http.StatusOK, map[string]any{
		"status":           "logged_out",
		"revoked_sessions": n,
	})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	acct, err := a.auth.Account(r.Context(), principal.UserID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":        toUserResponse(acct),
		"role":        principal.Role,
		"zone_id":     principal.ZoneID,
		"device_id":   principal.DeviceID,
		"permissions": principal.PermissionList(),
		"expires_at":  principal.ExpiresAt.UTC(),
	})
}

func (a *API) handleRevokeSessions(w http.ResponseWriter, r *http.Request) {
	userID := r.PathValue("userId")
	n, err := a.auth.RevokeUserSessions(r.Context(), userID)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.audit.Event(r.Context(), audit.EventSessionsRevoke,
		zap.String("target_user_id", userID),
		zap.Int64("revoked_sessions", n),
	)
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":          userID,
		"revoked_sessions": n,
	})
}

// handleZoneAccess confirms the caller may act in the addressed zone. It is
// the reference for zone-scoped resource handlers.
func (a *API) handleZoneAccess(w http.ResponseWriter, r *http.Request) {
	principal, _ := auth.PrincipalFromContext(r.Context())
	writeJSON(w, http.StatusOK, map[string]any{
		"zone_id": r.PathValue("zoneId"),
		"allowed": true,
		"role":    principal.Role,
	})
}
