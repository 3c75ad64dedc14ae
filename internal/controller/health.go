package controller

import (
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// HealthService is the service name reported by the health server besides
// the overall "" entry
const HealthService = "pathflip.Controller"

// readiness mirrors the readiness gate into a gRPC health server
type readiness struct {
	server *health.Server
}

func newReadiness() *readiness {
	r := &readiness{server: health.NewServer()}
	r.set(false)
	return r
}

func (r *readiness) set(ready bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ready {
		status = healthpb.HealthCheckResponse_SERVING
	}
	r.server.SetServingStatus("", status)
	r.server.SetServingStatus(HealthService, status)
}
