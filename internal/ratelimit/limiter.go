// Package ratelimit implements fixed-window request limiting over a kv.Store.
package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/fattyageboy/berthcare-sub003/internal/kv"
	"github.com/fattyageboy/berthcare-sub003/internal/obs"
)

const (
	keyPrefix      = "ratelimit:"
	defaultTimeout = 2 * time.Second
)

// Config describes one limiter. Distinct routes use distinct names so their
// budgets never mix.
type Config struct {
	Name   string
	Window time.Duration
	Max    int
	// KeyFunc derives the client key; ClientIP when nil.
	KeyFunc func(*http.Request) string
	Store   kv.Store
	// Timeout bounds each store call; 2s when zero.
	Timeout time.Duration
	Clock   func() time.Time
	Logger  *zap.Logger

	// OnReject and OnError replace the default JSON responses. Rate-limit
	// headers are already set when they run.
	OnReject func(w http.ResponseWriter, r *http.Request, d Decision)
	OnError  func(w http.ResponseWriter, r *http.Request, err error)
}

// Decision is the outcome of one Allow call.
type Decision struct {
	Allowed    bool
	Limit      int
	Remaining  int
	Count      int64
	ResetAt    time.Time
	RetryAfter time.Duration
}

// RetryAfterSeconds rounds the retry hint up to whole seconds, at least 1.
func (d Decision) RetryAfterSeconds() int {
	s := int(math.Ceil(d.RetryAfter.Seconds()))
	if s < 1 {
		s = 1
	}
	return s
}

// Limiter counts requests per key in fixed windows that start at the first
// request. The request that takes the count above Max is rejected.
type Limiter struct {
	cfg       Config
	logger    *zap.Logger
	logReject rate.Sometimes

	mu      sync.Mutex
	running bool
	stop    chan struct{}
	done    chan struct{}
}

func New(cfg Config) (*Limiter, error) {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Name == "" {
		return nil, errors.New("ratelimit: name is required")
	}
	if cfg.Window <= 0 || cfg.Max <= 0 {
		return nil, fmt.Errorf("ratelimit %s: window and max must be positive", cfg.Name)
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("ratelimit %s: store is required", cfg.Name)
	}
	if cfg.KeyFunc == nil {
		cfg.KeyFunc = ClientIP
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Limiter{
		cfg:       cfg,
		logger:    cfg.Logger.Named("RateLimit").With(zap.String("limiter", cfg.Name)),
		logReject: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}, nil
}

func (l *Limiter) Name() string { return l.cfg.Name }

func (l *Limiter) storeKey(key string) string {
	return keyPrefix + l.cfg.Name + ":" + key
}

// Allow counts one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.Timeout)
	defer cancel()

	count, left, err := l.cfg.Store.Incr(ctx, l.storeKey(key), l.cfg.Window)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit %s: %w", l.cfg.Name, err)
	}
	if left < 0 {
		left = l.cfg.Window
	}
	d := Decision{
		Allowed: count <= int64(l.cfg.Max),
		Limit:   l.cfg.Max,
		Count:   count,
		ResetAt: l.cfg.Clock().Add(left),
	}
	if rem := int64(l.cfg.Max) - count; rem > 0 {
		d.Remaining = int(rem)
	}
	if !d.Allowed {
		d.RetryAfter = left
	}
	return d, nil
}

// Middleware applies the limiter in front of next. Store failures reject the
// request.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := l.cfg.KeyFunc(r)
		if key == "" {
			key = "unknown"
		}
		d, err := l.Allow(r.Context(), key)
		if err != nil {
			l.logger.Error("rate limit store failed", zap.Error(err))
			if l.cfg.OnError != nil {
				l.cfg.OnError(w, r, err)
				return
			}
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"error": "rate limiter unavailable",
				"code":  "AUTH_BACKEND_UNAVAILABLE",
			})
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		h.Set("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(float64(d.ResetAt.UnixMilli())/1000)), 10))
		if d.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		obs.RateLimitRejections.WithLabelValues(l.cfg.Name).Inc()
		l.logReject.Do(func() {
			l.logger.Warn("rate limit exceeded", zap.String("key", key), zap.Int64("count", d.Count))
		})
		h.Set("Retry-After", strconv.Itoa(d.RetryAfterSeconds()))
		if l.cfg.OnReject != nil {
			l.cfg.OnReject(w, r, d)
			return
		}
		writeJSON(w, http.StatusTooManyRequests, map[string]any{
			"error":       "too many requests",
			"code":        "RATE_LIMIT_EXCEEDED",
			"retry_after": d.RetryAfterSeconds(),
			"limit":       d.Limit,
		})
	})
}

// Sweep discards this limiter's expired windows from stores that keep them
// in memory. It returns the number removed.
func (l *Limiter) Sweep(now time.Time) int {
	sw, ok := l.cfg.Store.(kv.Sweeper)
	if !ok {
		return 0
	}
	n := sw.SweepPrefix(keyPrefix+l.cfg.Name+":", now)
	if n > 0 {
		obs.RateLimitSwept.Add(float64(n))
		l.logger.Debug("swept expired windows", zap.Int("removed", n))
	}
	return n
}

// Start launches the background sweep. A second Start while running is a no-op.
// interval <= 0 uses the window length.
func (l *Limiter) Start(interval time.Duration) {
	if interval <= 0 {
		interval = l.cfg.Window
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running {
		return
	}
	l.running = true
	l.stop = make(chan struct{})
	l.done = make(chan struct{})
	go l.sweepLoop(interval, l.stop, l.done)
}

// Stop halts the sweep and waits for it to exit. Safe to call repeatedly and
// without a prior Start.
func (l *Limiter) Stop() {
	l.mu.Lock()
	if !l.running {
		l.mu.Unlock()
		return
	}
	l.running = false
	stop, done := l.stop, l.done
	l.mu.Unlock()

	close(stop)
	<-done
}

func (l *Limiter) sweepLoop(interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			l.Sweep(l.cfg.Clock())
		}
	}
}

// ClientIP returns the first X-Forwarded-For hop, else the remote address host.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		parts := strings.Split(xff, ",")
		if ip := strings.TrimSpace(parts[0]); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
