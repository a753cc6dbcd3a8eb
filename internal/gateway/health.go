package gateway

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	grpclib "google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the gRPC health service name reporting daemon liveness.
const HealthService = "clamd"

// DefaultHealthInterval is used when the monitor is given a non-positive interval.
const DefaultHealthInterval = 15 * time.Second

// Pinger is the part of *clamd.Client the health monitor needs.
type Pinger interface {
	Ping(ctx context.Context) bool
}

// HealthMonitor probes the daemon periodically and publishes the result to
// /health and to the standard gRPC health service.
type HealthMonitor struct {
	pinger   Pinger
	interval time.Duration
	server   *health.Server
	alive    atomic.Bool
	log      zerolog.Logger
}

// NewHealthMonitor creates a monitor. It reports not serving until the first probe.
func NewHealthMonitor(p Pinger, interval time.Duration, logger zerolog.Logger) *HealthMonitor {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	h := &HealthMonitor{
		pinger:   p,
		interval: interval,
		server:   health.NewServer(),
		log:      logger,
	}
	h.set(false)
	return h
}

// Register adds the health service to a gRPC server.
func (h *HealthMonitor) Register(s *grpclib.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Alive returns the result of the last probe.
func (h *HealthMonitor) Alive() bool {
	return h.alive.Load()
}

// Probe pings the daemon once, bounded by the monitor interval, and publishes the result.
func (h *HealthMonitor) Probe(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.interval)
	defer cancel()

	alive := h.pinger.Ping(ctx)
	if alive != h.alive.Load() {
		h.log.Info().Bool("alive", alive).Msg("clamd liveness changed")
	}
	h.set(alive)
	return alive
}

// Run probes until ctx is done, then marks every service as not serving.
func (h *HealthMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.Probe(ctx)
	for {
		select {
		case <-ctx.Done():
			h.alive.Store(false)
			h.server.Shutdown()
			return
		case <-ticker.C:
			h.Probe(ctx)
		}
	}
}

func (h *HealthMonitor) set(alive bool) {
	h.alive.Store(alive)
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if alive {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthService, status)
}
