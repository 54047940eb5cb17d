package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"google.golang.org/grpc"

	"github.com/fattyageboy/berthcare-sub003/internal/audit"
	"github.com/fattyageboy/berthcare-sub003/internal/auth"
	"github.com/fattyageboy/berthcare-sub003/internal/config"
	"github.com/fattyageboy/berthcare-sub003/internal/httpapi"
	"github.com/fattyageboy/berthcare-sub003/internal/kv"
	"github.com/fattyageboy/berthcare-sub003/internal/obs"
	"github.com/fattyageboy/berthcare-sub003/internal/ratelimit"
	"github.com/fattyageboy/berthcare-sub003/internal/revocation"
	"github.com/fattyageboy/berthcare-sub003/internal/store/pg"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	configPath := flag.String("config", os.Getenv("BERTHCARE_CONFIG"), "Path to YAML config")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := obs.NewLogger(obs.LogConfig{Level: cfg.Log.Level, Encoding: cfg.Log.Encoding})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()
	zap.ReplaceGlobals(logger)

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api stopped with error", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	obs.Init()
	obs.InitBuildInfo("berthcare-auth", version, commit)

	var (
		ready    httpapi.ReadyProbe
		refresh  auth.RefreshTokenStore
		users    auth.UserDirectory
		store    kv.Store
		memStore *kv.MemoryStore
	)

	if cfg.Postgres.DSN != "" {
		pgStore, err := pg.Open(cfg.Postgres.DSN, pg.Pool{
			MaxOpenConns:    cfg.Postgres.MaxOpenConns,
			MaxIdleConns:    cfg.Postgres.MaxIdleConns,
			ConnMaxLifetime: cfg.Postgres.ConnMaxLifetime,
		})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		defer pgStore.Close()
		refresh, users = pgStore.RefreshTokens(), pgStore.Users()
		ready.DB = pgStore.DB()
	} else {
		logger.Warn("DATABASE_URL not set, using in-memory user directory and refresh tokens")
		refresh = auth.NewMemoryRefreshTokenStore(time.Now)
		users = auth.NewMemoryDirectory()
	}

	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		rs := kv.NewRedisStore(client, cfg.Redis.Prefix, logger)
		defer rs.Close()
		store, ready.Cache = rs, rs
	} else {
		logger.Warn("REDIS_ADDR not set, blacklist and rate limits are process-local")
		memStore = kv.NewMemoryStore()
		store = memStore
	}

	tokenOpts := []auth.TokenOption{
		auth.WithSigningKeyPEM(cfg.Auth.KeyID, cfg.Auth.PrivateKeyPEM),
		auth.WithVerificationKeyPEM(cfg.Auth.KeyID, cfg.Auth.PublicKeyPEM),
		auth.WithIssuer(cfg.Auth.Issuer),
		auth.WithAccessTTL(cfg.Auth.AccessTTL),
		auth.WithRefreshTTL(cfg.Auth.RefreshTTL),
	}
	for kid, pem := range cfg.Auth.PreviousPublicKeys {
		tokenOpts = append(tokenOpts, auth.WithVerificationKeyPEM(kid, pem))
	}
	tokens, err := auth.NewTokenService(tokenOpts...)
	if err != nil {
		return fmt.Errorf("token service: %w", err)
	}
	if !tokens.CanIssue() {
		logger.Warn("no private key configured, running as verifier only")
	}

	registry := revocation.New(store,
		revocation.WithDefaultTTL(cfg.Auth.BlacklistTTL),
		revocation.WithLogger(logger),
	)
	svc := auth.NewService(tokens, refresh, users, registry,
		auth.WithLogger(logger),
		auth.WithRefreshRotation(cfg.Auth.RotateRefresh),
		auth.WithStoreTimeout(cfg.Auth.StoreTimeout),
	)

	limiters, err := buildLimiters(cfg, store, logger)
	if err != nil {
		return err
	}
	for _, l := range []*ratelimit.Limiter{limiters.General, limiters.Login, limiters.Register, limiters.Refresh} {
		l.Start(cfg.RateLimit.SweepInterval)
		defer l.Stop()
	}
	if memStore != nil {
		// Revocation entries expire lazily; sweep them with the limiters' cadence.
		stopSweep := every(cfg.RateLimit.SweepInterval, func(now time.Time) { memStore.Sweep(now) })
		defer stopSweep()
	}

	api := httpapi.New(httpapi.Deps{
		Auth:           svc,
		Audit:          audit.New(logger),
		Logger:         logger,
		Ready:          ready,
		Version:        version,
		Limiters:       limiters,
		MaxBodyBytes:   cfg.HTTP.MaxBodyBytes,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           api.Handler(),
		ReadTimeout:       cfg.HTTP.ReadTimeout,
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
		WriteTimeout:      cfg.HTTP.WriteTimeout,
		IdleTimeout:       cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http listening", zap.String("addr", srv.Addr), zap.String("version", version))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http listen: %w", err)
		}
	}()

	var grpcSrv *grpc.Server
	if cfg.GRPC.Addr != "" {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return fmt.Errorf("grpc listen: %w", err)
		}
		grpcSrv = httpapi.NewGRPCServer(svc, ready, logger).NewServer()
		go func() {
			logger.Info("grpc listening", zap.String("addr", cfg.GRPC.Addr))
			if err := grpcSrv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
				errCh <- fmt.Errorf("grpc serve: %w", err)
			}
		}()
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	var runErr error
	select {
	case sig := <-stop:
		logger.Info("shutting down", zap.String("signal", sig.String()))
	case runErr = <-errCh:
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if grpcSrv != nil {
		grpcSrv.GracefulStop()
	}
	logger.Info("stopped")
	return runErr
}

func buildLimiters(cfg *config.Config, store kv.Store, logger *zap.Logger) (httpapi.Limiters, error) {
	var out httpapi.Limiters
	for _, lc := range []struct {
		name  string
		limit config.LimitConfig
		dst   **ratelimit.Limiter
	}{
		{"general", cfg.RateLimit.General, &out.General},
		{"login", cfg.RateLimit.Login, &out.Login},
		{"register", cfg.RateLimit.Register, &out.Register},
		{"refresh", cfg.RateLimit.Refresh, &out.Refresh},
	} {
		l, err := ratelimit.New(httpapi.LimiterConfig(lc.name, lc.limit.Window, lc.limit.Max, store, logger))
		if err != nil {
			return httpapi.Limiters{}, err
		}
		*lc.dst = l
	}
	return out, nil
}

// every runs fn on a ticker until the returned stop func is called.
func every(interval time.Duration, fn func(now time.Time)) func() {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-done:
				return
			case now := <-ticker.C:
				fn(now)
			}
		}
	}()
	return func() {
		ticker.Stop()
		close(done)
	}
}
