// Package grpcserver hosts the gRPC side of the job board: the standard
// health service, with a per-sync status, and server reflection.
//
// Business logic stays in packages ingest and search; this package only
// handles transport concerns (interceptors, status mapping, lifecycle).
package grpcserver

import (
	"context"
	"net"
	"runtime/debug"
	"time"

	"github.com/sirupsen/logrus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/reflection"
	"google.golang.org/grpc/status"

	"careers/jobboard/internal/ingest"
	"careers/jobboard/internal/model"
)

// SyncService is the health service name that reflects the last sync run.
const SyncService = "jobboard.sync"

// Server wraps a grpc.Server with the health service registered.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	log    logrus.FieldLogger
}

// New constructs a Server. Both health entries start SERVING.
func New(log logrus.FieldLogger) *Server {
	log = log.WithField("component", "grpc")
	gs := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{
			Time:    30 * time.Second,
			Timeout: 5 * time.Second,
		}),
		grpc.KeepaliveEnforcementPolicy(keepalive.EnforcementPolicy{
			MinTime:             5 * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.ChainUnaryInterceptor(
			recoveryInterceptor(log),
			loggingInterceptor(log),
		),
	)

	hs := health.NewServer()
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(SyncService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(gs, hs)
	reflection.Register(gs)

	return &Server{grpc: gs, health: hs, log: log}
}

// Serve accepts connections on lis until Stop is called.
func (s *Server) Serve(lis net.Listener) error {
	s.log.WithField("address", lis.Addr().String()).Info("[grpc] Serving")
	return s.grpc.Serve(lis)
}

// Stop drains in-flight RPCs, forcing a stop if ctx expires first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		s.log.Warn("[grpc] Graceful stop timed out, forcing")
		s.grpc.Stop()
	}
}

// Report implements ingest.Reporter: a failed run flips SyncService to
// NOT_SERVING until the next successful run.
func (s *Server) Report(_ context.Context, run model.RunSummary) error {
	st := healthpb.HealthCheckResponse_SERVING
	if run.Phase == string(ingest.PhaseFailed) {
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus(SyncService, st)
	return nil
}

// Check answers a health query in-process, for the HTTP /health route.
func (s *Server) Check(ctx context.Context, service string) (*healthpb.HealthCheckResponse, error) {
	return s.health.Check(ctx, &healthpb.HealthCheckRequest{Service: service})
}

func loggingInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		fields := logrus.Fields{
			"method":      info.FullMethod,
			"duration":    time.Since(start),
			"status_code": status.Code(err).String(),
		}
		if err != nil {
			log.WithFields(fields).WithError(err).Warn("[grpc] Request failed")
		} else {
			log.WithFields(fields).Debug("[grpc] Request completed")
		}
		return resp, err
	}
}

func recoveryInterceptor(log logrus.FieldLogger) grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
		defer func() {
			if r := recover(); r != nil {
				log.WithFields(logrus.Fields{
					"method": info.FullMethod,
					"panic":  r,
					"stack":  string(debug.Stack()),
				}).Error("[grpc] Panic recovered")
				err = status.Error(codes.Internal, "internal server error")
			}
		}()
		return handler(ctx, req)
	}
}
