package server

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/msto63/popper/internal/popper/chain"
	"github.com/msto63/popper/internal/popper/service"
	"github.com/msto63/popper/internal/popper/validators"
	coregrpc "github.com/msto63/popper/pkg/core/grpc"
	"github.com/msto63/popper/pkg/core/logging"
)

func startGRPC(t *testing.T, v Validator) healthpb.HealthClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := coregrpc.NewServer(coregrpc.DefaultServerConfig(), logging.Nop(),
		grpc.ChainUnaryInterceptor(UnaryServerInterceptor(v, nil, logging.Nop())))
	go srv.Serve(lis)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.StopWithTimeout(ctx)
	})

	conn, err := coregrpc.Dial(coregrpc.DefaultClientConfig("passthrough:///bufnet"),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}))
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return healthpb.NewHealthClient(conn)
}

func TestUnaryServerInterceptor_RejectsInvalidMessages(t *testing.T) {
	client := startGRPC(t, newService(t))

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.Error(t, err)

	st := status.Convert(err)
	assert.Equal(t, codes.InvalidArgument, st.Code())

	var violations []*errdetails.BadRequest_FieldViolation
	for _, d := range st.Details() {
		if br, ok := d.(*errdetails.BadRequest); ok {
			violations = append(violations, br.GetFieldViolations()...)
		}
	}
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0].GetDescription(), validators.CodeMissingRequiredField)
}

func TestUnaryServerInterceptor_ForwardsValidMessages(t *testing.T) {
	client := startGRPC(t, newService(t))

	// the health server does not know this service, so reaching it yields NotFound
	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{Service: "popper"})
	assert.Equal(t, codes.NotFound, status.Code(err))
}

type recordingValidator struct {
	got service.Request
	res *chain.Result
	err error
}

func (r *recordingValidator) Validate(_ context.Context, req service.Request) (*chain.Result, error) {
	r.got = req
	return r.res, r.err
}

func TestUnaryServerInterceptor_RequestMapping(t *testing.T) {
	rv := &recordingValidator{res: chain.NewResult()}
	client := startGRPC(t, rv)

	ctx := metadata.AppendToOutgoingContext(context.Background(),
		"x-user-id", "u-1",
		"x-session-id", "s-1",
		"x-forwarded-for", "203.0.113.5, 10.0.0.1")
	_, err := client.Check(ctx, &healthpb.HealthCheckRequest{})
	require.NoError(t, err)

	assert.Equal(t, "/grpc.health.v1.Health/Check", rv.got.Endpoint)
	assert.Equal(t, "POST", rv.got.Method)
	assert.Equal(t, "u-1", rv.got.UserID)
	assert.Equal(t, "s-1", rv.got.SessionID)
	assert.NotEqual(t, "203.0.113.5", rv.got.ClientIP, "forwarded-for from an untrusted peer")
	assert.NotEmpty(t, rv.got.RequestID)
	assert.Equal(t, map[string]any{}, rv.got.Payload)
}

func TestGRPCRequest_ForwardedFor(t *testing.T) {
	proxies, err := ParseTrustedProxies([]string{"10.0.0.0/8"})
	require.NoError(t, err)

	md := metadata.Pairs("x-forwarded-for", "203.0.113.5, 10.0.0.2")
	fromProxy := peer.NewContext(metadata.NewIncomingContext(context.Background(), md),
		&peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("10.0.0.1"), Port: 4000}})
	fromClient := peer.NewContext(metadata.NewIncomingContext(context.Background(), md),
		&peer.Peer{Addr: &net.TCPAddr{IP: net.ParseIP("198.51.100.4"), Port: 4000}})

	assert.Equal(t, "203.0.113.5", grpcRequest(fromProxy, "/m", nil, proxies).ClientIP)
	assert.Equal(t, "198.51.100.4", grpcRequest(fromClient, "/m", nil, proxies).ClientIP)
	assert.Equal(t, "10.0.0.1", grpcRequest(fromProxy, "/m", nil, nil).ClientIP)
}

func TestUnaryServerInterceptor_RetryInfo(t *testing.T) {
	res := chain.Fail(chain.NewError(validators.CodeRateLimitExceeded, "slow down", "limit",
		chain.WithErrorMetadata(validators.MetaRetryAfter, 7)))
	client := startGRPC(t, &recordingValidator{res: res})

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	st := status.Convert(err)
	assert.Equal(t, codes.ResourceExhausted, st.Code())
	assert.Equal(t, "slow down", st.Message())

	var retry *errdetails.RetryInfo
	for _, d := range st.Details() {
		if ri, ok := d.(*errdetails.RetryInfo); ok {
			retry = ri
		}
	}
	require.NotNil(t, retry)
	assert.Equal(t, 7*time.Second, retry.GetRetryDelay().AsDuration())
}

func TestUnaryServerInterceptor_ServiceErrors(t *testing.T) {
	client := startGRPC(t, &recordingValidator{err: service.ErrClosed})

	_, err := client.Check(context.Background(), &healthpb.HealthCheckRequest{})
	assert.Equal(t, codes.Unavailable, status.Code(err))
}
