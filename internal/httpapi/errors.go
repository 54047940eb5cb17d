package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/fattyageboy/berthcare-sub003/internal/audit"
	"github.com/fattyageboy/berthcare-sub003/internal/auth"
)

var errEmptyBody = errors.New("request body is required")

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	payload := map[string]any{
		"error": msg,
		"code":  code,
	}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, status, payload)
}

// writeAuthError maps err onto the client-facing error body. Anything that is
// not an *auth.Error becomes a 500 without detail.
func writeAuthError(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := auth.AsError(err)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error")
		return
	}
	switch ae.Status {
	case http.StatusUnauthorized:
		w.Header().Set("WWW-Authenticate", `Bearer realm="berthcare"`)
	case http.StatusForbidden:
		w.Header().Set("WWW-Authenticate", `Bearer realm="berthcare", error="insufficient_scope"`)
	}
	writeError(w, r, ae.Status, ae.Code, ae.Message)
}

// fail logs server-side failures before writing the response.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	ae, ok := auth.AsError(err)
	if !ok || ae.Status >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
	}
	writeAuthError(w, r, err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, defaultMaxBodyBytes)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errEmptyBody
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}
