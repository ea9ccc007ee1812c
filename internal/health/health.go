// Package health exposes the standard gRPC health service, driven by the job
// store's reachability.
package health

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is reported alongside the overall ("") status.
const ServiceName = "submissions"

// Pinger is satisfied by database.Store.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Checker keeps a health.Server in step with the store.
type Checker struct {
	hs     *health.Server
	pinger Pinger
	logger *slog.Logger
}

func NewChecker(pinger Pinger, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{hs: health.NewServer(), pinger: pinger, logger: logger}
}

// Server returns the underlying health service.
func (c *Checker) Server() *health.Server {
	return c.hs
}

// CheckOnce pings the store and publishes the result.
func (c *Checker) CheckOnce(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	if err := c.pinger.Ping(ctx); err != nil {
		c.logger.Warn("store health check failed", "error", err)
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}
	c.hs.SetServingStatus("", status)
	c.hs.SetServingStatus(ServiceName, status)
	return status
}

// Run re-checks every interval until ctx is done, then reports NOT_SERVING.
func (c *Checker) Run(ctx context.Context, every time.Duration) {
	c.CheckOnce(ctx)
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.hs.Shutdown()
			return
		case <-ticker.C:
			c.CheckOnce(ctx)
		}
	}
}

// Serve runs a gRPC server with the health and reflection services on addr
// until ctx is cancelled.
func Serve(ctx context.Context, addr string, c *Checker, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	grpcServer := grpc.NewServer()
	healthpb.RegisterHealthServer(grpcServer, c.Server())
	// Reflection for grpcurl
	reflection.Register(grpcServer)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	logger.Info("health server listening", "addr", lis.Addr().String())
	if err := grpcServer.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
