package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/fattyageboy/berthcare-sub003/internal/client"
	"github.com/fattyageboy/berthcare-sub003/internal/obs"
)

func main() {
	var (
		baseURL  = flag.String("url", envOr("BERTHCARE_API_URL", "http://localhost:8080"), "HTTP base URL")
		grpcAddr = flag.String("grpc", os.Getenv("BERTHCARE_GRPC_ADDR"), "gRPC address; empty skips the health check")
		email    = flag.String("email", os.Getenv("SMOKE_EMAIL"), "Account email")
		password = flag.String("password", os.Getenv("SMOKE_PASSWORD"), "Account password")
	)
	flag.Parse()

	logger, err := obs.NewLogger(obs.LogConfig{Level: "info", Encoding: "console"})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	if *email == "" || *password == "" {
		logger.Fatal("missing credentials: provide -email/-password or SMOKE_EMAIL/SMOKE_PASSWORD")
	}

	c := client.New(*baseURL)
	defer c.Close()

	ctx, cancel := client.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if *grpcAddr != "" {
		if err := c.DialGRPC(ctx, *grpcAddr); err != nil {
			logger.Fatal("dial grpc", zap.String("addr", *grpcAddr), zap.Error(err))
		}
		if err := c.Health(ctx); err != nil {
			logger.Fatal("grpc health", zap.Error(err))
		}
	}

	tokens, err := c.Login(ctx, *email, *password, "smoke")
	if err != nil {
		logger.Fatal("login", zap.Error(err))
	}
	session, err := c.Me(ctx, tokens.AccessToken)
	if err != nil {
		logger.Fatal("me", zap.Error(err))
	}

	refreshed, err := c.Refresh(ctx, tokens.RefreshToken)
	if err != nil {
		logger.Fatal("refresh", zap.Error(err))
	}
	refreshToken := tokens.RefreshToken
	if refreshed.RefreshToken != "" {
		refreshToken = refreshed.RefreshToken
	}

	if err := c.Logout(ctx, refreshed.AccessToken, refreshToken); err != nil {
		logger.Fatal("logout", zap.Error(err))
	}
	if _, err := c.Me(ctx, refreshed.AccessToken); !client.IsCode(err, "TOKEN_REVOKED") {
		logger.Fatal("access token still accepted after logout", zap.Error(err))
	}
	if _, err := c.Refresh(ctx, refreshToken); err == nil {
		logger.Fatal("refresh token still accepted after logout")
	}

	logger.Info("auth smoke test passed",
		zap.String("user_id", session.User.ID),
		zap.String("role", session.Role),
		zap.String("zone_id", session.ZoneID),
	)
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
