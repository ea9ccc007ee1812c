package health

import (
	"context"
	"errors"
	"testing"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type pinger struct{ err error }

func (p *pinger) Ping(context.Context) error { return p.err }

func TestCheckerFollowsStore(t *testing.T) {
	p := &pinger{}
	c := NewChecker(p, nil)
	ctx := context.Background()

	if got := c.CheckOnce(ctx); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("expected SERVING, got %v", got)
	}
	resp, err := c.Server().Check(ctx, &healthpb.HealthCheckRequest{Service: ServiceName})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("health check: %v %v", resp, err)
	}

	p.err = errors.New("database is locked")
	c.CheckOnce(ctx)
	resp, err = c.Server().Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("expected NOT_SERVING, got %v %v", resp, err)
	}
}
