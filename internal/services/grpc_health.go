package services

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"watchpost/internal/pipeline"
)

// HealthReporter mirrors source health into a gRPC health server, one
// service name per source. A source is SERVING only while Running.
type HealthReporter struct {
	server *health.Server
}

// NewHealthReporter creates a reporter backed by a fresh health server. The
// overall service ("") reports SERVING.
func NewHealthReporter() *HealthReporter {
	server := health.NewServer()
	server.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	return &HealthReporter{server: server}
}

// Server returns the health server to register on a grpc.Server
func (h *HealthReporter) Server() *health.Server {
	return h.server
}

// OnEvent implements pipeline.Watcher
func (h *HealthReporter) OnEvent(pipeline.Event) {}

// OnHealth implements pipeline.Watcher
func (h *HealthReporter) OnHealth(dh pipeline.DeviceHealth) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if dh.State == pipeline.StateRunning {
		status = healthpb.HealthCheckResponse_SERVING
	}
	h.server.SetServingStatus(dh.Source, status)
}

// Shutdown marks every service NOT_SERVING
func (h *HealthReporter) Shutdown() {
	h.server.Shutdown()
}

var _ pipeline.Watcher = (*HealthReporter)(nil)
