package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
)

const bufconnSize = 1 << 20

type stubPinger struct {
	err error
}

func (pinger stubPinger) PingContext(context.Context) error {
	return pinger.err
}

func startHealthClient(test *testing.T, pinger Pinger) (grpc_health_v1.HealthClient, *grpc.Server) {
	test.Helper()
	health, err := NewHealthServer(pinger, zap.NewNop())
	if err != nil {
		test.Fatalf("health server: %v", err)
	}
	grpcServer := NewServer(health, zap.NewNop())
	listener := bufconn.Listen(bufconnSize)
	go func() {
		if serveErr := grpcServer.Serve(listener); serveErr != nil {
			test.Logf("gRPC server error: %v", serveErr)
		}
	}()
	dialer := func(ctx context.Context, _ string) (net.Conn, error) {
		return listener.Dial()
	}
	conn, err := grpc.NewClient("passthrough:///bufnet", grpc.WithContextDialer(dialer), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		test.Fatalf("gRPC client init failed: %v", err)
	}
	test.Cleanup(func() {
		_ = conn.Close()
		grpcServer.Stop()
	})
	return grpc_health_v1.NewHealthClient(conn), grpcServer
}

func TestHealthCheck(test *testing.T) {
	testCases := []struct {
		name       string
		pinger     Pinger
		service    string
		wantStatus grpc_health_v1.HealthCheckResponse_ServingStatus
		wantCode   codes.Code
	}{
		{name: "overall serving", pinger: stubPinger{}, wantStatus: grpc_health_v1.HealthCheckResponse_SERVING, wantCode: codes.OK},
		{name: "ledger serving", pinger: stubPinger{}, service: ServiceName, wantStatus: grpc_health_v1.HealthCheckResponse_SERVING, wantCode: codes.OK},
		{name: "database down", pinger: stubPinger{err: errors.New("connection refused")}, wantStatus: grpc_health_v1.HealthCheckResponse_NOT_SERVING, wantCode: codes.OK},
		{name: "unknown service", pinger: stubPinger{}, service: "other.v1.Service", wantCode: codes.NotFound},
	}
	for _, testCase := range testCases {
		test.Run(testCase.name, func(test *testing.T) {
			client, _ := startHealthClient(test, testCase.pinger)
			response, err := client.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{Service: testCase.service})
			if status.Code(err) != testCase.wantCode {
				test.Fatalf("expected code %s, got %v", testCase.wantCode, err)
			}
			if err == nil && response.GetStatus() != testCase.wantStatus {
				test.Fatalf("expected %s, got %s", testCase.wantStatus, response.GetStatus())
			}
		})
	}
}

func TestHealthWatchSendsCurrentStatus(test *testing.T) {
	client, _ := startHealthClient(test, stubPinger{})
	stream, err := client.Watch(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		test.Fatalf("watch: %v", err)
	}
	response, err := stream.Recv()
	if err != nil {
		test.Fatalf("recv: %v", err)
	}
	if response.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		test.Fatalf("expected SERVING, got %s", response.GetStatus())
	}
}

func TestServerRegistersReflection(test *testing.T) {
	_, grpcServer := startHealthClient(test, stubPinger{})
	services := grpcServer.GetServiceInfo()
	for _, name := range []string{"grpc.health.v1.Health", "grpc.reflection.v1.ServerReflection"} {
		if _, ok := services[name]; !ok {
			test.Fatalf("expected %s to be registered, got %v", name, services)
		}
	}
}

func TestNewHealthServerRequiresPinger(test *testing.T) {
	if _, err := NewHealthServer(nil, nil); !errors.Is(err, ledger.ErrInvalidServiceConfig) {
		test.Fatalf("expected config error, got %v", err)
	}
}

func TestToStatus(test *testing.T) {
	testCases := []struct {
		err  error
		want codes.Code
	}{
		{err: nil, want: codes.OK},
		{err: ledger.ErrInsufficientFunds, want: codes.FailedPrecondition},
		{err: ledger.ErrAlreadyPurchased, want: codes.AlreadyExists},
		{err: fmt.Errorf("wrapped: %w", ledger.ErrDuplicateReference), want: codes.AlreadyExists},
		{err: ledger.ErrConflict, want: codes.Aborted},
		{err: ledger.ErrForbidden, want: codes.PermissionDenied},
		{err: ledger.ErrUnknownWithdrawRequest, want: codes.NotFound},
		{err: ledger.ErrInvalidAmount, want: codes.InvalidArgument},
		{err: ledger.StorageError(errors.New("db down")), want: codes.Unavailable},
		{err: status.Error(codes.Canceled, "client gone"), want: codes.Canceled},
		{err: errors.New("boom"), want: codes.Internal},
	}
	for _, testCase := range testCases {
		if got := status.Code(ToStatus(testCase.err)); got != testCase.want {
			test.Fatalf("%v: expected %s, got %s", testCase.err, testCase.want, got)
		}
	}
}
