package httpapi

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fattyageboy/berthcare-sub003/internal/audit"
	"github.com/fattyageboy/berthcare-sub003/internal/auth"
	"github.com/fattyageboy/berthcare-sub003/internal/kv"
	"github.com/fattyageboy/berthcare-sub003/internal/ratelimit"
	"github.com/fattyageboy/berthcare-sub003/internal/revocation"
)

var (
	keyOnce sync.Once
	testKey *rsa.PrivateKey
)

func signingKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	keyOnce.Do(func() {
		var err error
		if testKey, err = rsa.GenerateKey(rand.Reader, 2048); err != nil {
			panic(err)
		}
	})
	return testKey
}

type fixture struct {
	t        *testing.T
	tokens   *auth.TokenService
	users    *auth.MemoryDirectory
	refresh  *auth.MemoryRefreshTokenStore
	store    *kv.MemoryStore
	registry *revocation.Registry
	svc      *auth.Service
	api      *API
	srv      *httptest.Server
	logs     *observer.ObservedLogs
}

type fixtureOption func(f *fixture, d *Deps)

// withLoginLimit installs a login limiter allowing n requests per minute.
func withLoginLimit(n int) fixtureOption {
	return func(f *fixture, d *Deps) {
		l, err := ratelimit.New(LimiterConfig("login", time.Minute, n, f.store, d.Logger))
		require.NoError(f.t, err)
		d.Limiters.Login = l
	}
}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	f := &fixture{t: t}

	var err error
	f.tokens, err = auth.NewTokenService(
		auth.WithSigningKey("k1", signingKey(t)),
		auth.WithIssuer("berthcare-test"),
	)
	require.NoError(t, err)

	core, logs := observer.New(zap.DebugLevel)
	f.logs = logs
	logger := zap.New(core)

	f.users = auth.NewMemoryDirectory()
	f.refresh = auth.NewMemoryRefreshTokenStore(time.Now)
	f.store = kv.NewMemoryStore()
	f.registry = revocation.New(f.store)
	f.svc = auth.NewService(f.tokens, f.refresh, f.users, f.registry, auth.WithLogger(logger))

	deps := Deps{
		Auth:    f.svc,
		Audit:   audit.New(logger),
		Logger:  logger,
		Version: "test",
	}
	for _, opt := range opts {
		opt(f, &deps)
	}
	f.api = New(deps)
	f.srv = httptest.NewServer(f.api.Handler())
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fixture) addAccount(email, password string, role auth.Role, zone string) *auth.Account {
	f.t.Helper()
	hash, err := auth.HashPassword(password)
	require.NoError(f.t, err)
	acct := &auth.Account{Email: email, PasswordHash: hash, Role: role, ZoneID: zone, Active: true}
	require.NoError(f.t, f.users.Create(context.Background(), acct))
	return acct
}

func (f *fixture) tokensFor(acct *auth.Account) auth.TokenPair {
	f.t.Helper()
	pair, err := f.svc.IssueTokenPair(context.Background(), acct, "device-1")
	require.NoError(f.t, err)
	return pair
}

func (f *fixture) do(method, path string, body any, headers map[string]string) *http.Response {
	f.t.Helper()
	var payload io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(f.t, err)
		payload = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, f.srv.URL+path, payload)
	require.NoError(f.t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := f.srv.Client().Do(req)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = resp.Body.Close() })
	return resp
}

func (f *fixture) post(path string, body any, headers map[string]string) *http.Response {
	f.t.Helper()
	return f.do(http.MethodPost, path, body, headers)
}

func (f *fixture) get(path string, headers map[string]string) *http.Response {
	f.t.Helper()
	return f.do(http.MethodGet, path, nil, headers)
}

func bearerHeader(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body
}

func requireError(t *testing.T, resp *http.Response, status int, code string) map[string]any {
	t.Helper()
	require.Equal(t, status, resp.StatusCode)
	body := decodeBody(t, resp)
	require.Equal(t, code, body["code"])
	require.NotEmpty(t, body["error"])
	require.NotEmpty(t, body["request_id"])
	return body
}

func zapEvent(event string) zap.Field {
	return zap.String("event", event)
}
