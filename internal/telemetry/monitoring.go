package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gantry-dev/gantry/pkg/api"
)

// PoolStats is the worker pool snapshot exposed on the monitoring surface.
type PoolStats struct {
	Workers    int    `json:"workers"`
	QueueDepth int    `json:"queue_depth"`
	Received   uint64 `json:"received"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
}

// MonitoringServer exposes the daemon's own health and metrics over HTTP.
type MonitoringServer struct {
	collector *Collector
	health    func() []api.ServiceHealth
	pool      func() PoolStats
	server    *http.Server
}

// NewMonitoringServer creates the monitoring surface. health and pool are
// snapshot callbacks; either may be nil.
func NewMonitoringServer(addr string, collector *Collector, health func() []api.ServiceHealth, pool func() PoolStats) *MonitoringServer {
	ms := &MonitoringServer{collector: collector, health: health, pool: pool}
	mux := http.NewServeMux()
	ms.routes(mux)
	ms.server = &http.Server{Addr: addr, Handler: mux}
	return ms
}

func (ms *MonitoringServer) routes(mux *http.ServeMux) {
	mux.HandleFunc("/health", ms.healthHandler)
	mux.HandleFunc("/metrics", ms.metricsHandler)
	mux.HandleFunc("/api/metrics", ms.apiMetricsHandler)
}

// healthHandler reports aggregate health: 200 when every tracked service is
// healthy, 503 otherwise.
func (ms *MonitoringServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	var services []api.ServiceHealth
	if ms.health != nil {
		services = ms.health()
	}
	status := api.HealthHealthy
	for _, s := range services {
		if s.State != api.HealthHealthy {
			status = api.HealthUnhealthy
			break
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != api.HealthHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"timestamp": time.Now(),
		"services":  services,
	})
}

// metricsHandler renders counters and gauges in a plain text exposition
// format.
func (ms *MonitoringServer) metricsHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	now := time.Now().Unix()
	for name, v := range ms.collector.Counters() {
		fmt.Fprintf(w, "# TYPE %s counter\n%s %f %d\n", name, name, v, now)
	}
	for name, v := range ms.collector.Gauges() {
		fmt.Fprintf(w, "# TYPE %s gauge\n%s %f %d\n", name, name, v, now)
	}
	if ms.pool != nil {
		ps := ms.pool()
		fmt.Fprintf(w, "# TYPE gantry_pool_workers gauge\ngantry_pool_workers %d %d\n", ps.Workers, now)
		fmt.Fprintf(w, "# TYPE gantry_pool_queue_depth gauge\ngantry_pool_queue_depth %d %d\n", ps.QueueDepth, now)
		fmt.Fprintf(w, "# TYPE gantry_pool_received counter\ngantry_pool_received %d %d\n", ps.Received, now)
	}
	for _, rep := range ms.collector.ServiceReports() {
		fmt.Fprintf(w, "gantry_service_requests{service=%q} %d %d\n", rep.Service, rep.Requests, now)
		fmt.Fprintf(w, "gantry_service_errors{service=%q} %d %d\n", rep.Service, rep.Errors, now)
	}
}

// apiMetricsHandler renders the same data as JSON.
func (ms *MonitoringServer) apiMetricsHandler(w http.ResponseWriter, r *http.Request) {
	payload := map[string]interface{}{
		"counters": ms.collector.Counters(),
		"gauges":   ms.collector.Gauges(),
		"services": ms.collector.ServiceReports(),
	}
	if ms.pool != nil {
		payload["pool"] = ms.pool()
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

// Start serves until Shutdown.
func (ms *MonitoringServer) Start() error {
	log.Info().Str("addr", ms.server.Addr).Msg("starting monitoring server")
	return ms.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (ms *MonitoringServer) Shutdown(ctx context.Context) error {
	if ms.server == nil {
		return nil
	}
	return ms.server.Shutdown(ctx)
}
