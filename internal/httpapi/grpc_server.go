package httpapi

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/fattyageboy/berthcare-sub003/internal/auth"
	"github.com/fattyageboy/berthcare-sub003/internal/obs"
)

// GRPCServer serves the standard health service and authenticates every
// other unary call the same way the HTTP API does.
type GRPCServer struct {
	healthpb.UnimplementedHealthServer

	auth      *auth.Service
	readiness readinessChecker
	logger    *zap.Logger
}

// NewGRPCServer creates the gRPC service wrapper.
func NewGRPCServer(svc *auth.Service, r readinessChecker, logger *zap.Logger) *GRPCServer {
	if r == nil {
		r = ReadyProbe{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GRPCServer{
		auth:      svc,
		readiness: r,
		logger:    logger.Named("GRPC"),
	}
}

// NewServer builds a grpc.Server with the auth interceptor installed and the
// health service registered.
func (s *GRPCServer) NewServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.ChainUnaryInterceptor(s.UnaryAuthInterceptor()))
	srv := grpc.NewServer(opts...)
	healthpb.RegisterHealthServer(srv, s)
	return srv
}

// Check evaluates readiness. On failure returns gRPC Unavailable error.
func (s *GRPCServer) Check(ctx context.Context, _ *healthpb.HealthCheckRequest) (*healthpb.HealthCheckResponse, error) {
	if err := s.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		return nil, status.Errorf(codes.Unavailable, "not ready: %v", err)
	}
	obs.SetReady(true)
	return &healthpb.HealthCheckResponse{Status: healthpb.HealthCheckResponse_SERVING}, nil
}

func isPublicMethod(fullMethod string) bool {
	return strings.HasPrefix(fullMethod, "/grpc.health.v1.Health/")
}

// UnaryAuthInterceptor authenticates the "authorization" metadata value and
// attaches the principal to the handler context.
func (s *GRPCServer) UnaryAuthInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if isPublicMethod(info.FullMethod) {
			return handler(ctx, req)
		}
		var header string
		if md, ok := metadata.FromIncomingContext(ctx); ok {
			if vals := md.Get("authorization"); len(vals) > 0 {
				header = vals[0]
			}
		}
		token, err := extractBearerToken(header)
		if err != nil {
			return nil, grpcStatus(err)
		}
		principal, err := s.auth.Authenticate(ctx, token)
		if err != nil {
			if ae, ok := auth.AsError(err); !ok || ae.Status >= http.StatusInternalServerError {
				s.logger.Error("authentication failed", zap.String("method", info.FullMethod), zap.Error(err))
			}
			return nil, grpcStatus(err)
		}
		ctx = auth.ContextWithPrincipal(ctx, principal)
		ctx = auth.ContextWithToken(ctx, token)
		return handler(ctx, req)
	}
}

// grpcStatus maps auth errors onto gRPC status codes.
func grpcStatus(err error) error {
	ae, ok := auth.AsError(err)
	if !ok {
		return status.Error(codes.Internal, "internal error")
	}
	code := codes.Internal
	switch ae.Status {
	case http.StatusUnauthorized:
		code = codes.Unauthenticated
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusTooManyRequests:
		code = codes.ResourceExhausted
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusConflict:
		code = codes.AlreadyExists
	case http.StatusServiceUnavailable:
		code = codes.Unavailable
	}
	return status.Error(code, ae.Code+": "+ae.Message)
}
