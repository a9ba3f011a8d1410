package api

import (
	"encoding/json"
	"time"
)

// v0 contains public types shared between the daemon's JSON API, the YAML
// configuration surface, and embedders of the orchestration core.

// ServiceSpec declares a service, its endpoint and its dependency edges.
type ServiceSpec struct {
	Name         string `json:"name" yaml:"name"`
	Address      string `json:"address" yaml:"address"`
	Transport    string `json:"transport,omitempty" yaml:"transport"`
	AuthTokenRef string `json:"auth_token_ref,omitempty" yaml:"auth_token_ref"`
	// TimeoutMS bounds both liveness probes and dispatch waits for this
	// service. Zero means the configured default.
	TimeoutMS   int      `json:"timeout_ms,omitempty" yaml:"timeout_ms"`
	RetryBudget int      `json:"retry_budget,omitempty" yaml:"retry_budget"`
	DependsOn   []string `json:"depends_on,omitempty" yaml:"depends_on"`
	// Exec is only consulted for transport "ssh".
	Exec ExecSpec `json:"exec,omitempty" yaml:"exec"`
}

// ExecSpec describes how an ssh-transport service consumes a payload.
type ExecSpec struct {
	Command  []string `json:"command,omitempty" yaml:"command"`
	SpoolDir string   `json:"spool_dir,omitempty" yaml:"spool_dir"`
}

// HealthState is the last-observed liveness of a service.
type HealthState string

const (
	HealthUnknown   HealthState = "unknown"
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
)

// ServiceHealth is the externally visible slice of a health record.
type ServiceHealth struct {
	Name                string      `json:"name"`
	State               HealthState `json:"state"`
	LastProbe           time.Time   `json:"last_probe,omitempty"`
	ConsecutiveFailures int         `json:"consecutive_failures"`
}

// LoadSnapshot is the system utilisation sample consumed by the worker
// pool's control loop.
type LoadSnapshot struct {
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
}

type DispatchRequest struct {
	Service string          `json:"service"`
	Payload json.RawMessage `json:"payload"`
	// Retry opts into the caller-side retry loop, bounded by the
	// service's retry budget. The core itself never retries.
	Retry bool `json:"retry,omitempty"`
}

type DispatchResponse struct {
	Service    string          `json:"service"`
	Result     json.RawMessage `json:"result"`
	DurationMS int64           `json:"duration_ms"`
}
