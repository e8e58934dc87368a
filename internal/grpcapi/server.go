// Package grpcapi exposes the gateway's gRPC surface: the standard health
// service and the bearer gate as interceptors.
package grpcapi

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"kalamche.app/gateway/internal/auth"
)

// ServiceName is reported by the health service for the gateway itself.
const ServiceName = "kalamche.gateway"

const healthPrefix = "/grpc.health.v1.Health/"

// ReadinessChecker reports whether downstream dependencies are reachable.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// Server bundles the grpc.Server with its health state.
type Server struct {
	*grpc.Server
	health *health.Server
	logger *zap.Logger
}

// NewServer builds a gRPC server whose non-health methods require a valid
// access token.
func NewServer(v auth.Verifier, logger *zap.Logger, opts ...grpc.ServerOption) *Server {
	gate := &Gate{verifier: v}
	opts = append(opts,
		grpc.ChainUnaryInterceptor(RecoverUnary(logger), gate.Unary()),
		grpc.ChainStreamInterceptor(gate.Stream()),
	)
	s := &Server{
		Server: grpc.NewServer(opts...),
		health: health.NewServer(),
		logger: logger,
	}
	healthpb.RegisterHealthServer(s.Server, s.health)
	s.health.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// SetReady flips the overall and gateway serving status.
func (s *Server) SetReady(ready bool) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		st = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}

// WatchReadiness polls c every interval and mirrors the result into the
// health service until ctx is done.
func (s *Server) WatchReadiness(ctx context.Context, c ReadinessChecker, interval time.Duration) {
	check := func() {
		cctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		err := c.Check(cctx)
		if err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
		}
		s.SetReady(err == nil)
	}
	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}

// Gate authenticates calls from the "authorization" metadata entry.
type Gate struct {
	verifier auth.Verifier
}

// NewGate returns a gate verifying access tokens with v.
func NewGate(v auth.Verifier) *Gate { return &Gate{verifier: v} }

func (g *Gate) authenticate(ctx context.Context) (context.Context, error) {
	md, _ := metadata.FromIncomingContext(ctx)
	var header string
	if vals := md.Get("authorization"); len(vals) > 0 {
		header = vals[0]
	}
	p, err := auth.Authenticate(g.verifier, header)
	if err != nil {
		return nil, status.Error(codes.Unauthenticated, "unauthenticated")
	}
	raw, _ := auth.ExtractBearerToken(header)
	ctx = auth.ContextWithToken(ctx, raw)
	return auth.ContextWithPrincipal(ctx, p), nil
}

// Unary returns the unary interceptor. Health methods are public.
func (g *Gate) Unary() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(ctx, req)
		}
		ctx, err := g.authenticate(ctx)
		if err != nil {
			return nil, err
		}
		return handler(ctx, req)
	}
}

// Stream returns the stream interceptor. Health methods are public.
func (g *Gate) Stream() grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		if strings.HasPrefix(info.FullMethod, healthPrefix) {
			return handler(srv, ss)
		}
		ctx, err := g.authenticate(ss.Context())
		if err != nil {
			return err
		}
		return handler(srv, &authedStream{ServerStream: ss, ctx: ctx})
	}
}

type authedStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (s *authedStream) Context() context.Context { return s.ctx }

// RecoverUnary converts handler panics into codes.Internal.
func RecoverUnary(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("grpc panic",
					zap.Any("panic", r),
					zap.ByteString("stack", debug.Stack()),
					zap.String("method", info.FullMethod),
				)
				err = status.Error(codes.Internal, "internal error")
			}
		}()
		return handler(ctx, req)
	}
}
