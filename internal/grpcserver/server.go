// Package grpcserver runs the operations gRPC port: health checks backed by the
// ledger database, server reflection and a logging interceptor.
package grpcserver

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/MarkoPoloResearchLab/coinledger/pkg/ledger"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"
)

const (
	// ServiceName is the health service name reported for the ledger.
	ServiceName = "coinledger.v1.Ledger"

	defaultProbeTimeout = 2 * time.Second

	errorInsufficientFunds  = "insufficient_funds"
	errorAlreadyPurchased   = "already_purchased"
	errorDuplicateReference = "duplicate_reference"
	errorConflict           = "conflict"
	errorForbidden          = "forbidden"
	errorNotFound           = "not_found"
	errorInvalidRequest     = "invalid_request"
	errorUnavailable        = "ledger_unavailable"
)

// Pinger reports whether the ledger database is reachable. *sql.DB satisfies it.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer answers grpc.health.v1 checks by pinging the database.
type HealthServer struct {
	grpc_health_v1.UnimplementedHealthServer
	pinger       Pinger
	probeTimeout time.Duration
	logger       *zap.Logger
}

// NewHealthServer wires the health service over pinger.
func NewHealthServer(pinger Pinger, logger *zap.Logger) (*HealthServer, error) {
	if pinger == nil {
		return nil, fmt.Errorf("%w: health server requires a pinger", ledger.ErrInvalidServiceConfig)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthServer{pinger: pinger, probeTimeout: defaultProbeTimeout, logger: logger}, nil
}

// Check reports SERVING when the database answers within the probe timeout.
func (server *HealthServer) Check(ctx context.Context, request *grpc_health_v1.HealthCheckRequest) (*grpc_health_v1.HealthCheckResponse, error) {
	if name := request.GetService(); name != "" && name != ServiceName {
		return nil, status.Error(codes.NotFound, "unknown service "+name)
	}
	return &grpc_health_v1.HealthCheckResponse{Status: server.probe(ctx)}, nil
}

// Watch sends the current status once.
func (server *HealthServer) Watch(request *grpc_health_v1.HealthCheckRequest, stream grpc_health_v1.Health_WatchServer) error {
	response, err := server.Check(stream.Context(), request)
	if err != nil {
		return err
	}
	return stream.Send(response)
}

func (server *HealthServer) probe(ctx context.Context) grpc_health_v1.HealthCheckResponse_ServingStatus {
	probeCtx, cancel := context.WithTimeout(ctx, server.probeTimeout)
	defer cancel()
	if err := server.pinger.PingContext(probeCtx); err != nil {
		server.logger.Warn("ledger database unreachable", zap.Error(err))
		return grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	return grpc_health_v1.HealthCheckResponse_SERVING
}

// NewServer builds a grpc.Server with health, reflection and the logging interceptor.
func NewServer(health *HealthServer, logger *zap.Logger) *grpc.Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	grpcServer := grpc.NewServer(grpc.ChainUnaryInterceptor(loggingInterceptor(logger.Named("grpc"))))
	grpc_health_v1.RegisterHealthServer(grpcServer, health)
	reflection.Register(grpcServer)
	return grpcServer
}

// Run serves grpcServer on listenAddr until ctx is cancelled.
func Run(ctx context.Context, listenAddr string, grpcServer *grpc.Server, logger *zap.Logger) error {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gRPC server starting", zap.String("listen_addr", listenAddr))
		errCh <- grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		grpcServer.GracefulStop()
		if serveErr := <-errCh; serveErr != nil && !errors.Is(serveErr, grpc.ErrServerStopped) {
			return serveErr
		}
		return nil
	case serveErr := <-errCh:
		if errors.Is(serveErr, grpc.ErrServerStopped) {
			return nil
		}
		return serveErr
	}
}

func loggingInterceptor(logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, request any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		started := time.Now()
		response, err := handler(ctx, request)
		err = ToStatus(err)
		fields := []zap.Field{
			zap.String("method", info.FullMethod),
			zap.String("code", status.Code(err).String()),
			zap.Duration("elapsed", time.Since(started)),
		}
		if err != nil {
			logger.Warn("rpc failed", append(fields, zap.Error(err))...)
		} else {
			logger.Debug("rpc", fields...)
		}
		return response, err
	}
}

// ToStatus converts ledger errors to gRPC statuses; existing statuses pass through.
func ToStatus(source error) error {
	if source == nil {
		return nil
	}
	if _, ok := status.FromError(source); ok {
		return source
	}
	switch {
	case errors.Is(source, ledger.ErrInsufficientFunds):
		return status.Error(codes.FailedPrecondition, errorInsufficientFunds)
	case errors.Is(source, ledger.ErrAlreadyPurchased):
		return status.Error(codes.AlreadyExists, errorAlreadyPurchased)
	case errors.Is(source, ledger.ErrDuplicateReference):
		return status.Error(codes.AlreadyExists, errorDuplicateReference)
	case errors.Is(source, ledger.ErrConflict):
		return status.Error(codes.Aborted, errorConflict)
	case errors.Is(source, ledger.ErrForbidden):
		return status.Error(codes.PermissionDenied, errorForbidden)
	case errors.Is(source, ledger.ErrNotFound):
		return status.Error(codes.NotFound, errorNotFound)
	case errors.Is(source, ledger.ErrValidation):
		return status.Error(codes.InvalidArgument, errorInvalidRequest)
	case errors.Is(source, ledger.ErrStorageUnavailable), errors.Is(source, context.DeadlineExceeded):
		return status.Error(codes.Unavailable, errorUnavailable)
	}
	return status.Error(codes.Internal, source.Error())
}
