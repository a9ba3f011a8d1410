// Package daemon exposes the orchestrator's control API: dispatching
// requests and inspecting the registered services and their health.
package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/gantry-dev/gantry/internal/dispatch"
	"github.com/gantry-dev/gantry/internal/health"
	"github.com/gantry-dev/gantry/internal/registry"
	"github.com/gantry-dev/gantry/pkg/api"
	"github.com/gantry-dev/gantry/pkg/retry"
)

type Server struct {
	Version string

	reg        *registry.Registry
	monitor    *health.Monitor
	dispatcher *dispatch.Dispatcher
	srv        *http.Server
}

// NewServer creates the control API server.
func NewServer(version string, reg *registry.Registry, monitor *health.Monitor, dispatcher *dispatch.Dispatcher) *Server {
	return &Server{Version: version, reg: reg, monitor: monitor, dispatcher: dispatcher}
}

// Routes registers the control endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/v0/dispatch", s.authorized(s.handleDispatch))
	mux.HandleFunc("/v0/chain", s.authorized(s.handleChain))
	mux.HandleFunc("/v0/services", s.authorized(s.handleServices))
	mux.HandleFunc("/v0/health", s.authorized(s.handleHealth))
}

// authorized enforces optional token auth via env var.
func (s *Server) authorized(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if tok := os.Getenv("GANTRYD_TOKEN"); tok != "" {
			auth := r.Header.Get("Authorization")
			x := r.Header.Get("X-Auth-Token")
			if auth != "Bearer "+tok && x != tok {
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req api.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	out, err := s.dispatchWithBudget(r.Context(), req)
	if err != nil {
		writeDispatchError(w, err)
		return
	}
	resp := api.DispatchResponse{
		Service:    req.Service,
		Result:     out,
		DurationMS: time.Since(start).Milliseconds(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// dispatchWithBudget wraps dispatch in a retry loop when the request asks
// for it, bounded by the descriptor's retry budget. Gate failures and
// unknown services never retry.
func (s *Server) dispatchWithBudget(ctx context.Context, req api.DispatchRequest) (json.RawMessage, error) {
	if !req.Retry {
		return s.dispatcher.Dispatch(ctx, req.Service, req.Payload)
	}
	desc, err := s.reg.Lookup(req.Service)
	if err != nil {
		return nil, err
	}
	policy := retry.DefaultPolicy()
	policy.MaxAttempts = desc.RetryBudget + 1

	var out []byte
	err = retry.Do(ctx, policy, func() error {
		var derr error
		out, derr = s.dispatcher.Dispatch(ctx, req.Service, req.Payload)
		if derr == nil {
			return nil
		}
		var unknown registry.UnknownServiceError
		var gated dispatch.DependencyUnhealthyError
		if errors.As(derr, &unknown) || errors.As(derr, &gated) {
			return retry.Permanent(derr)
		}
		return derr
	})
	return out, err
}

func (s *Server) handleChain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	defer r.Body.Close()

	var req api.DispatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	start := time.Now()
	res, err := s.dispatcher.DispatchChain(r.Context(), req.Service, req.Payload)

	steps := make([]map[string]string, 0, len(res.Tasks))
	for _, task := range res.Tasks {
		steps = append(steps, map[string]string{"name": task.Name, "status": string(task.Status)})
	}
	payload := map[string]interface{}{
		"service":     req.Service,
		"steps":       steps,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		payload["error"] = err.Error()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(dispatchStatus(err))
		_ = json.NewEncoder(w).Encode(payload)
		return
	}
	payload["result"] = json.RawMessage(res.Output)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(payload)
}

func (s *Server) handleServices(w http.ResponseWriter, r *http.Request) {
	type serviceInfo struct {
		Name      string   `json:"name"`
		Address   string   `json:"address"`
		Transport string   `json:"transport,omitempty"`
		DependsOn []string `json:"depends_on,omitempty"`
	}
	names := s.reg.Names()
	out := make([]serviceInfo, 0, len(names))
	for _, name := range names {
		d, err := s.reg.Lookup(name)
		if err != nil {
			continue
		}
		out = append(out, serviceInfo{Name: d.Name, Address: d.Address, Transport: d.Transport, DependsOn: d.DependsOn})
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{"services": out, "version": s.Version})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"services": s.monitor.Snapshot(),
		"time":     time.Now(),
	})
}

func writeDispatchError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(dispatchStatus(err))
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// dispatchStatus maps dispatch failures onto HTTP statuses.
func dispatchStatus(err error) int {
	var unknown registry.UnknownServiceError
	var gated dispatch.DependencyUnhealthyError
	var timedOut dispatch.DispatchTimeoutError
	var upstream dispatch.UpstreamExecutionError
	switch {
	case errors.As(err, &unknown):
		return http.StatusNotFound
	case errors.As(err, &gated):
		return http.StatusServiceUnavailable
	case errors.As(err, &timedOut):
		return http.StatusGatewayTimeout
	case errors.As(err, &upstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// ListenAndServe starts the control API on addr.
func (s *Server) ListenAndServe(addr string) error {
	mux := http.NewServeMux()
	s.Routes(mux)
	s.srv = &http.Server{Addr: addr, Handler: mux}
	log.Info().Str("addr", addr).Msg("control api listening")
	return s.srv.ListenAndServe()
}

// Shutdown stops the control API.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return fmt.Errorf("server not running")
	}
	return s.srv.Shutdown(ctx)
}
