package main

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/and161185/larder/internal/api/authv1"
)

type keySnapshot interface {
	Len() int
	FetchedAt() time.Time
}

// readiness publishes SERVING once signing keys are cached and storage answers.
type readiness struct {
	hs    *health.Server
	keys  keySnapshot
	ping  func(context.Context) error
	stale time.Duration // key age worth a warning
	log   *zap.Logger
}

func (r readiness) update(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	st := healthpb.HealthCheckResponse_SERVING

	pctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := r.ping(pctx); err != nil {
		r.log.Warn("storage not ready", zap.Error(err))
		st = healthpb.HealthCheckResponse_NOT_SERVING
	}

	if r.keys.Len() == 0 {
		r.log.Warn("signing keys not cached yet")
		st = healthpb.HealthCheckResponse_NOT_SERVING
	} else if age := time.Since(r.keys.FetchedAt()); r.stale > 0 && age > r.stale {
		// cached keys keep verifying; the provider is just unreachable
		r.log.Warn("signing keys stale", zap.Duration("age", age))
	}

	r.hs.SetServingStatus("", st)
	r.hs.SetServingStatus(authv1.ServiceName, st)
	return st
}

func (r readiness) run(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	r.update(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			r.update(ctx)
		}
	}
}
