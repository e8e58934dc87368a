package grpcapi

import (
	"context"
	"errors"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"kalamche.app/gateway/internal/auth"
)

// ErrUnavailable is returned when the gateway cannot be reached or reports
// itself as not serving.
var ErrUnavailable = errors.New("grpcapi: gateway unavailable")

// Client wraps a connection to the gateway's gRPC surface.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	token  string
}

// Dial creates a client. Without options the transport is insecure.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, health: healthpb.NewHealthClient(conn)}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	if c == nil || c.conn == nil {
		return nil
	}
	return c.conn.Close()
}

// Conn exposes the connection for generated service clients.
func (c *Client) Conn() *grpc.ClientConn { return c.conn }

// WithToken returns a client that sends raw as a bearer access token.
func (c *Client) WithToken(raw string) *Client {
	cp := *c
	cp.token = raw
	return &cp
}

// Outgoing attaches the client's bearer token to ctx.
func (c *Client) Outgoing(ctx context.Context) context.Context {
	return OutgoingWithToken(ctx, c.token)
}

// Check asks the health service about service ("" for the whole server).
func (c *Client) Check(ctx context.Context, service string) error {
	resp, err := c.health.Check(c.Outgoing(ctx), &healthpb.HealthCheckRequest{Service: service})
	if err != nil {
		return MapError(err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: %s", ErrUnavailable, resp.GetStatus())
	}
	return nil
}

// OutgoingWithToken sets the authorization metadata read by Gate.
func OutgoingWithToken(ctx context.Context, raw string) context.Context {
	if raw == "" {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+raw)
}

// MapError translates gateway status codes into package errors.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unauthenticated:
		return auth.ErrUnauthenticated
	case codes.Unavailable, codes.DeadlineExceeded:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	default:
		return err
	}
}

// WithTimeout returns a context with a default timeout for CLI tools.
func WithTimeout(parent context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 10 * time.Second
	}
	return context.WithTimeout(parent, d)
}
