package server

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logs "github.com/receipty/receipty/internal/logger"
)

// Pinger is satisfied by *repository.Store.
type Pinger interface {
	HealthCheck(ctx context.Context, timeout time.Duration) error
}

// WatchDatabase keeps the health status of "" and the batch service in step
// with database reachability until ctx is done.
func WatchDatabase(ctx context.Context, hs *health.Server, db Pinger, interval, timeout time.Duration, logger *zap.Logger) {
	logger = logs.OrNop(logger)
	set := func(st healthpb.HealthCheckResponse_ServingStatus) {
		hs.SetServingStatus("", st)
		hs.SetServingStatus(ServiceName, st)
	}

	last := healthpb.HealthCheckResponse_UNKNOWN
	check := func() {
		st := healthpb.HealthCheckResponse_SERVING
		if err := db.HealthCheck(ctx, timeout); err != nil {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			if last != st {
				logger.Warn("database ping failed", zap.Error(err))
			}
		}
		if st != last {
			set(st)
			last = st
		}
	}

	check()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
