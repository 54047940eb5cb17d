package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/fattyageboy/berthcare-sub003/internal/kv"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newLimiter(t *testing.T, window time.Duration, max int, clock *fakeClock) (*Limiter, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore(kv.WithClock(clock.Now))
	l, err := New(Config{Name: "test", Window: window, Max: max, Store: store, Clock: clock.Now})
	require.NoError(t, err)
	return l, store
}

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestAllowExactlyMaxThenReject(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, _ := newLimiter(t, time.Minute, 5, clock)
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		d, err := l.Allow(ctx, "1.2.3.4")
		require.NoError(t, err)
		assert.True(t, d.Allowed, "request %d", i)
		assert.Equal(t, 5-i, d.Remaining)
	}
	d, err := l.Allow(ctx, "1.2.3.4")
	require.NoError(t, err)
	assert.False(t, d.Allowed, "request N+1 is rejected")
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, time.Minute, d.RetryAfter)
	assert.Equal(t, 60, d.RetryAfterSeconds())
}

func TestWindowResetsAfterElapsing(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, _ := newLimiter(t, time.Minute, 2, clock)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, _ = l.Allow(ctx, "k")
	}
	clock.Advance(30 * time.Second)
	d, _ := l.Allow(ctx, "k")
	assert.False(t, d.Allowed)
	assert.Equal(t, 30*time.Second, d.RetryAfter)

	clock.Advance(30 * time.Second)
	d, _ = l.Allow(ctx, "k")
	assert.False(t, d.Allowed, "the window has not passed at exactly start+window")

	clock.Advance(time.Millisecond)
	d, err := l.Allow(ctx, "k")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.EqualValues(t, 1, d.Count, "a new window starts at 1")
	assert.Equal(t, 1, d.Remaining)
}

func TestKeysDoNotShareBudget(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, store := newLimiter(t, time.Minute, 1, clock)
	ctx := context.Background()

	d, _ := l.Allow(ctx, "a")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "b")
	assert.True(t, d.Allowed)
	d, _ = l.Allow(ctx, "a")
	assert.False(t, d.Allowed)

	other, err := New(Config{Name: "login", Window: time.Minute, Max: 1, Store: store, Clock: clock.Now})
	require.NoError(t, err)
	d, _ = other.Allow(ctx, "a")
	assert.True(t, d.Allowed, "limiters with different names keep separate windows")
}

func TestConcurrentRequestsNeverOverAdmit(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, _ := newLimiter(t, time.Minute, 10, clock)

	var admitted atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(context.Background(), "shared")
			if err == nil && d.Allowed {
				admitted.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 10, admitted.Load())
}

func TestMiddlewareTwoRequestsPer200ms(t *testing.T) {
	store := kv.NewMemoryStore()
	l, err := New(Config{Name: "scenario", Window: 200 * time.Millisecond, Max: 2, Store: store})
	require.NoError(t, err)
	handler := l.Middleware(okHandler())

	do := func() *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/v1/clients", nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr
	}

	rr := do()
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "2", rr.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))
	reset, err := strconv.ParseInt(rr.Header().Get("X-RateLimit-Reset"), 10, 64)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, reset, time.Now().Unix())

	rr = do()
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))

	rr = do()
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("Retry-After"))
	assert.Equal(t, "0", rr.Header().Get("X-RateLimit-Remaining"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", body["code"])
	assert.EqualValues(t, 2, body["limit"])
	assert.EqualValues(t, 1, body["retry_after"])

	time.Sleep(250 * time.Millisecond)
	rr = do()
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "1", rr.Header().Get("X-RateLimit-Remaining"))
}

func TestMiddlewareHooksAndKeyFunc(t *testing.T) {
	var rejected, failed int
	store := kv.NewMemoryStore()
	l, err := New(Config{
		Name:    "hooks",
		Window:  time.Minute,
		Max:     1,
		Store:   store,
		KeyFunc: func(r *http.Request) string { return r.Header.Get("X-Device") },
		OnReject: func(w http.ResponseWriter, r *http.Request, d Decision) {
			rejected++
			w.WriteHeader(http.StatusTeapot)
		},
	})
	require.NoError(t, err)
	handler := l.Middleware(okHandler())

	send := func(device string) int {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req.Header.Set("X-Device", device)
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, req)
		return rr.Code
	}
	assert.Equal(t, http.StatusOK, send("a"))
	assert.Equal(t, http.StatusTeapot, send("a"))
	assert.Equal(t, http.StatusOK, send("b"))
	assert.Equal(t, 1, rejected)

	broken, err := New(Config{
		Name:   "broken",
		Window: time.Minute,
		Max:    1,
		Store:  failingStore{},
		OnError: func(w http.ResponseWriter, r *http.Request, err error) {
			failed++
			w.WriteHeader(http.StatusServiceUnavailable)
		},
	})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	broken.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code, "store failures never admit")
	assert.Equal(t, 1, failed)
}

type failingStore struct{ kv.Store }

func (failingStore) Incr(context.Context, string, time.Duration) (int64, time.Duration, error) {
	return 0, 0, errors.New("connection reset")
}

func TestDefaultErrorResponseFailsClosed(t *testing.T) {
	l, err := New(Config{Name: "x", Window: time.Second, Max: 10, Store: failingStore{}})
	require.NoError(t, err)
	rr := httptest.NewRecorder()
	l.Middleware(okHandler()).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestSweepRemovesOnlyExpiredWindows(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	l, store := newLimiter(t, time.Second, 5, clock)
	ctx := context.Background()

	_, _ = l.Allow(ctx, "old")
	clock.Advance(500 * time.Millisecond)
	_, _ = l.Allow(ctx, "fresh")
	require.NoError(t, store.Set(ctx, "blacklist:abc", "1", time.Millisecond))
	clock.Advance(600 * time.Millisecond)

	assert.Equal(t, 1, l.Sweep(clock.Now()))
	assert.Equal(t, 2, store.Len(), "other prefixes are left to their owners")
}

func TestStartStopLifecycle(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	store := kv.NewMemoryStore()
	l, err := New(Config{Name: "life", Window: 20 * time.Millisecond, Max: 1, Store: store, Logger: zap.New(core)})
	require.NoError(t, err)

	l.Stop() // no-op before Start
	_, _ = l.Allow(context.Background(), "k")
	l.Start(10 * time.Millisecond)
	l.Start(10 * time.Millisecond)

	require.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	l.Stop()
	l.Stop()

	_, _ = l.Allow(context.Background(), "k")
	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, 1, store.Len(), "no sweeping after Stop")
	assert.GreaterOrEqual(t, logs.FilterMessage("swept expired windows").Len(), 1)

	l.Start(10 * time.Millisecond)
	l.Stop()
}

func TestNewValidatesConfig(t *testing.T) {
	store := kv.NewMemoryStore()
	_, err := New(Config{Window: time.Second, Max: 1, Store: store})
	assert.Error(t, err)
	_, err = New(Config{Name: "a", Max: 1, Store: store})
	assert.Error(t, err)
	_, err = New(Config{Name: "a", Window: time.Second, Store: store})
	assert.Error(t, err)
	_, err = New(Config{Name: "a", Window: time.Second, Max: 1})
	assert.Error(t, err)
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.10:4000"
	assert.Equal(t, "192.0.2.10", ClientIP(req))

	req.Header.Set("X-Forwarded-For", "203.0.113.5, 10.0.0.1")
	assert.Equal(t, "203.0.113.5", ClientIP(req))

	req.Header.Del("X-Forwarded-For")
	req.RemoteAddr = "nonsense"
	assert.Equal(t, "nonsense", ClientIP(req))
}
