package grpcapi

import (
	"context"
	"errors"
	"net"
	"testing"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"kalamche.app/gateway/internal/auth"
)

func TestMapError(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name string
		err  error
		want error
	}{
		{"unauthenticated", status.Error(codes.Unauthenticated, "unauthenticated"), auth.ErrUnauthenticated},
		{"unavailable", status.Error(codes.Unavailable, "connection refused"), ErrUnavailable},
		{"deadline", status.Error(codes.DeadlineExceeded, "deadline"), ErrUnavailable},
		{"pass through", status.Error(codes.Internal, "internal"), status.Error(codes.Internal, "internal")},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := MapError(tc.err)
			if !errors.Is(got, tc.want) {
				t.Fatalf("MapError() = %v, want %v", got, tc.want)
			}
		})
	}
	if MapError(nil) != nil {
		t.Fatal("MapError(nil) should be nil")
	}
}

func TestOutgoingWithToken(t *testing.T) {
	ctx := OutgoingWithToken(context.Background(), "abc")
	md, _ := metadata.FromOutgoingContext(ctx)
	if got := md.Get("authorization"); len(got) != 1 || got[0] != "Bearer abc" {
		t.Fatalf("authorization metadata = %v", got)
	}
	if _, ok := metadata.FromOutgoingContext(OutgoingWithToken(context.Background(), "")); ok {
		t.Fatal("empty token should not add metadata")
	}
}

func TestClientCheck(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := NewServer(newTokens(), zap.NewNop())
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	c, err := Dial("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })

	ctx, cancel := WithTimeout(context.Background(), 0)
	defer cancel()
	if err := c.Check(ctx, ServiceName); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable before ready, got %v", err)
	}
	srv.SetReady(true)
	if err := c.WithToken("ignored-by-health").Check(ctx, ServiceName); err != nil {
		t.Fatalf("Check after ready: %v", err)
	}
}
