package httpapi

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/fattyageboy/berthcare-sub003/internal/auth"
)

const bufSize = 1024 * 1024

func startBufGRPC(t *testing.T, srv *GRPCServer) (*grpc.ClientConn, func()) {
	t.Helper()

	listener := bufconn.Listen(bufSize)
	server := srv.NewServer()

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			t.Logf("grpc serve error: %v", err)
		}
	}()

	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.DialContext(
		context.Background(),
		"bufnet",
		grpc.WithContextDialer(dialer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("dial bufnet: %v", err)
	}

	cleanup := func() {
		server.GracefulStop()
		_ = conn.Close()
		_ = listener.Close()
	}
	return conn, cleanup
}

func TestGRPCServer_HealthIsPublic(t *testing.T) {
	srv := NewGRPCServer(nil, ReadyProbe{}, nil)
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("Check error: %v", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("unexpected status: %s", resp.GetStatus())
	}
}

func TestGRPCServer_HealthFailure(t *testing.T) {
	srv := NewGRPCServer(nil, failingReadiness{}, nil)
	conn, cleanup := startBufGRPC(t, srv)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err == nil {
		t.Fatal("expected health check error")
	}
	st, ok := status.FromError(err)
	if !ok || st.Code() != codes.Unavailable {
		t.Fatalf("unexpected status: %v", err)
	}
}

func TestUnaryAuthInterceptor(t *testing.T) {
	f := newFixture(t)
	acct := f.addAccount("coord@example.com", "s3cret-pass", auth.RoleCoordinator, "Z1")
	pair := f.tokensFor(acct)
	revoked := f.tokensFor(acct)
	require.NoError(t, f.registry.Blacklist(context.Background(), revoked.AccessToken, 0))

	intercept := NewGRPCServer(f.svc, nil, nil).UnaryAuthInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/berthcare.v1.VisitService/ListVisits"}

	var seen auth.Principal
	handler := func(ctx context.Context, req any) (any, error) {
		seen, _ = auth.PrincipalFromContext(ctx)
		return "ok", nil
	}
	withAuth := func(value string) context.Context {
		if value == "" {
			return context.Background()
		}
		return metadata.NewIncomingContext(context.Background(), metadata.Pairs("authorization", value))
	}

	out, err := intercept(withAuth("Bearer "+pair.AccessToken), nil, info, handler)
	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, acct.ID, seen.UserID)
	assert.Equal(t, "Z1", seen.ZoneID)

	cases := []struct {
		name  string
		value string
		code  codes.Code
		msg   string
	}{
		{"missing", "", codes.Unauthenticated, "MISSING_TOKEN"},
		{"bad scheme", "Basic abc", codes.Unauthenticated, "INVALID_TOKEN_FORMAT"},
		{"garbage", "Bearer nope", codes.Unauthenticated, "INVALID_TOKEN"},
		{"revoked", "Bearer " + revoked.AccessToken, codes.Unauthenticated, "TOKEN_REVOKED"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := intercept(withAuth(tc.value), nil, info, handler)
			st, ok := status.FromError(err)
			require.True(t, ok)
			assert.Equal(t, tc.code, st.Code())
			assert.Contains(t, st.Message(), tc.msg)
		})
	}

	public := &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}
	_, err = intercept(context.Background(), nil, public, handler)
	require.NoError(t, err)
}

func TestGRPCStatusMapping(t *testing.T) {
	cases := map[error]codes.Code{
		auth.ErrZoneAccessDenied:                     codes.PermissionDenied,
		auth.ErrRateLimited:                          codes.ResourceExhausted,
		auth.Backend(errors.New("redis down")):       codes.Unavailable,
		auth.Validation("bad"):                       codes.InvalidArgument,
		errors.New("unexpected"):                     codes.Internal,
		auth.ErrTokenExpired.Wrap(errors.New("exp")): codes.Unauthenticated,
	}
	for err, want := range cases {
		st, _ := status.FromError(grpcStatus(err))
		assert.Equal(t, want, st.Code(), err.Error())
	}
}
